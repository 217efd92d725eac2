package transport

import (
	"context"
	"sync"
	"time"
)

// memoryRecvTimeout bounds how long Recv waits for queued bytes before
// reporting "nothing available", standing in for a real transport's
// short internal read timeout.
const memoryRecvTimeout = 10 * time.Millisecond

// Memory is an in-process byte-pipe transport used by tests and local
// demos: a bidirectional queue a scripted responder goroutine can drive,
// reacting to what the node under test sends rather than replaying a
// fixed byte string.
type Memory struct {
	mu      sync.Mutex
	toNode  []byte // bytes queued for Recv (i.e. node -> host)
	written [][]byte
	closed  bool
	notify  chan struct{}
	sent    chan []byte
	xonxoff bool
}

// NewMemory creates a ready-to-use in-memory transport. xonxoffEscaped
// configures whether the transport reports flow-control escaping per
// XonXoffEscaped.
func NewMemory(xonxoffEscaped bool) *Memory {
	return &Memory{
		notify:  make(chan struct{}, 1),
		sent:    make(chan []byte, 64),
		xonxoff: xonxoffEscaped,
	}
}

// Sent returns the channel a scripted fake-firmware responder reads
// from to learn what the node under test just sent, one slice per
// Send call, in order.
func (m *Memory) Sent() <-chan []byte { return m.sent }

// Push enqueues bytes that a subsequent Recv call will return, i.e. it
// simulates the node transmitting b to the host.
func (m *Memory) Push(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toNode = append(m.toNode, b...)
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Written returns a copy of every byte slice handed to Send, in order.
// Useful for asserting exactly one REQ_TX was sent, etc.
func (m *Memory) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

// Send implements Transport.
func (m *Memory) Send(ctx context.Context, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	m.written = append(m.written, cp)
	select {
	case m.sent <- cp:
	default:
	}
	return nil
}

// Recv implements Transport. It returns whatever is queued,
// waiting up to memoryRecvTimeout for a Push before reporting
// (nil, nil), so a responder goroutine reacting to Sent() has time to
// reply before the caller counts the attempt as unanswered.
func (m *Memory) Recv(ctx context.Context) ([]byte, error) {
	deadline := time.After(memoryRecvTimeout)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(m.toNode) > 0 {
			out := m.toNode
			m.toNode = nil
			m.mu.Unlock()
			return out, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.notify:
		case <-deadline:
			return nil, nil
		}
	}
}

// Close implements Transport.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// UsesXonXoffEscaping implements XonXoffEscaped.
func (m *Memory) UsesXonXoffEscaping() bool {
	return m.xonxoff
}
