// Package node implements the per-node protocol engine: the state
// machine, request/response correlation with retries and timeouts, and
// the stream reassembler that turns a raw transport byte stream into
// complete, CRC-verified protocol messages.
package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/yatch/mercator/hdlc"
	"github.com/yatch/mercator/transport"
)

// MaxRetries bounds the number of retransmissions issue() performs
// before a request gives up with ErrRequestTimeout.
const MaxRetries = 3

// Sentinel errors for the failure modes callers dispatch on.
var (
	ErrRequestTimeout    = errors.New("node: request timed out")
	ErrProtocolViolation = errors.New("node: protocol violation")
	ErrTransportClosed   = errors.New("node: transport closed")
)

// RssiSample is one slot of an RssiRecords vector: either a signed RSSI
// reading or the "missing" sentinel (Valid == false).
type RssiSample struct {
	Valid bool
	Dbm   int8
}

// BurstConfig carries the per-transaction TX burst parameters a node
// needs.
type BurstConfig struct {
	TxPowerDbm   int8
	TxLen        byte
	TxNumPerTxn  uint16
	TxIntervalMs uint16
	TxFillByte   byte
}

// activeContext is the node's currently-active measurement context;
// nil means "not currently in a measurement".
type activeContext struct {
	channel  byte
	transCtr uint16
	peerMac  uint64
}

// Node drives one embedded radio endpoint through its request/response/
// indication protocol. A Node is addressed by at most one controller
// request at a time; the RX receive loop runs on its own goroutine while
// status == StatusRx and coordinates with the command path through the
// status field, guarded by mu. The RSSI vector the loop fills is guarded
// separately by rssiMu.
type Node struct {
	ID        string
	logger    *zap.SugaredLogger
	transport transport.Transport
	xonxoff   bool

	mu       sync.Mutex
	status   Status
	macAddr  uint64
	active   *activeContext
	fatalErr error

	leftover []byte

	burst       BurstConfig
	rssiMu      sync.Mutex
	rssiRecords []RssiSample
	rssiPrev    int

	rxDone chan struct{}
}

// New creates a Node bound to t. The node starts in StatusUnknown until
// Setup is called.
func New(id string, t transport.Transport, logger *zap.SugaredLogger) *Node {
	xonxoff := false
	if x, ok := t.(transport.XonXoffEscaped); ok {
		xonxoff = x.UsesXonXoffEscaping()
	}
	return &Node{
		ID:        id,
		logger:    logger,
		transport: t,
		xonxoff:   xonxoff,
		status:    StatusUnknown,
		rssiPrev:  -1,
	}
}

// Status returns the node's current status.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// setStatus updates status under the lock. The one writer outside the
// engine's own goroutines is the controller issuing a STOPPING_RX
// signal.
func (n *Node) setStatus(s Status) {
	n.mu.Lock()
	n.status = s
	n.mu.Unlock()
}

// MacAddr returns the node's MAC address as learned from RESP_ST.
func (n *Node) MacAddr() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.macAddr
}

// Err returns the fatal error, if any, that moved this node to
// StatusUnknown.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fatalErr
}

// fail records a fatal error and forces status to Unknown. Safe to call
// from either the command path or the RX loop goroutine.
func (n *Node) fail(err error) error {
	n.mu.Lock()
	if n.fatalErr == nil {
		n.fatalErr = err
	}
	n.status = StatusUnknown
	n.mu.Unlock()
	n.logger.Errorw("node fatal error", "node", n.ID, "error", err)
	return err
}

// Close releases the node's underlying transport.
func (n *Node) Close() error {
	return n.transport.Close()
}

// RssiRecords returns a copy of the RSSI vector recorded during the most
// recent RX.
func (n *Node) RssiRecords() []RssiSample {
	n.rssiMu.Lock()
	defer n.rssiMu.Unlock()
	out := make([]RssiSample, len(n.rssiRecords))
	copy(out, n.rssiRecords)
	return out
}

// sendMsg frames msg per the HDLC codec and writes it to the transport.
func (n *Node) sendMsg(ctx context.Context, msg []byte) error {
	frame, err := hdlc.HDLCify(msg)
	if err != nil {
		return fmt.Errorf("node: hdlcify: %w", err)
	}
	if err := n.transport.Send(ctx, frame); err != nil {
		return n.fail(fmt.Errorf("%w: %w", ErrTransportClosed, err))
	}
	return nil
}

// recvMsg implements the stream reassembler: it returns one complete,
// de-framed, CRC-verified message, or (nil, nil) if none is available
// after the transport's own short read attempt(s). The leftover buffer
// is preserved across calls and always either empty or starting with
// hdlc.Flag.
func (n *Node) recvMsg(ctx context.Context) ([]byte, error) {
	buf := n.leftover
	n.leftover = nil

	for {
		if start, end, ok := findFrame(buf); ok {
			if start > 0 {
				n.logger.Debugw("discarding garbage before frame", "node", n.ID, "garbage", fmt.Sprintf("%x", buf[:start]))
			}
			frame := buf[start : end+1]
			rest := buf[end+1:]
			n.leftover = trimLeadingGarbage(rest, n.logger, n.ID)
			return n.decodeFrame(frame)
		}

		chunk, err := n.transport.Recv(ctx)
		if err != nil {
			return nil, n.fail(fmt.Errorf("%w: %w", ErrTransportClosed, err))
		}
		if len(chunk) == 0 {
			n.leftover = trimLeadingGarbage(buf, n.logger, n.ID)
			return nil, nil
		}
		buf = append(buf, chunk...)
	}
}

// decodeFrame unescapes transport-layer flow control if this node's
// firmware family needs it, then runs the HDLC codec. A CRC or framing
// failure drops the frame and returns (nil, nil); the reassembler
// resynchronizes on the next flag byte.
func (n *Node) decodeFrame(frame []byte) ([]byte, error) {
	if n.xonxoff {
		frame = transport.RestoreXonXoff(frame)
	}
	msg, err := hdlc.DeHDLCify(frame)
	if err != nil {
		n.logger.Warnw("dropping malformed frame", "node", n.ID, "error", err)
		return nil, nil
	}
	return msg, nil
}

// findFrame locates the first complete FLAG...FLAG span in buf (two
// flags with at least one byte between them), skipping over back-to-back
// flags (empty frames / pure garbage) along the way. ok is false if no
// complete frame is present yet.
func findFrame(buf []byte) (start, end int, ok bool) {
	start = bytes.IndexByte(buf, hdlc.Flag)
	if start == -1 {
		return 0, 0, false
	}
	i := start + 1
	for i < len(buf) {
		j := bytes.IndexByte(buf[i:], hdlc.Flag)
		if j == -1 {
			return 0, 0, false
		}
		end = i + j
		if end > start+1 {
			return start, end, true
		}
		// Back-to-back flags: treat the second as the new candidate start.
		start = end
		i = end + 1
	}
	return 0, 0, false
}

// trimLeadingGarbage drops bytes from buf up to (but not including) the
// next hdlc.Flag, so the returned leftover always begins with Flag or is
// empty.
func trimLeadingGarbage(buf []byte, logger *zap.SugaredLogger, id string) []byte {
	if len(buf) == 0 {
		return nil
	}
	idx := bytes.IndexByte(buf, hdlc.Flag)
	if idx == -1 {
		logger.Debugw("discarding trailing garbage with no frame start", "node", id, "garbage", fmt.Sprintf("%x", buf))
		return nil
	}
	if idx > 0 {
		logger.Debugw("discarding leftover garbage", "node", id, "garbage", fmt.Sprintf("%x", buf[:idx]))
	}
	return buf[idx:]
}

// protocolErrorf is a convenience constructor for ErrProtocolViolation
// wrapped with node context, used throughout issue.go and rx.go.
func (n *Node) protocolErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: node %s: %s", ErrProtocolViolation, n.ID, fmt.Sprintf(format, args...))
}
