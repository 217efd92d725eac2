package platform

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/yatch/mercator/transport"
)

// ReadTimeout bounds every Recv call so the stream reassembler can
// reliably detect "nothing available" rather than blocking forever.
const ReadTimeout = 200 * time.Millisecond

// Serial is a transport.Transport backed by a real serial line.
type Serial struct {
	port    serial.Port
	mu      sync.Mutex
	closed  bool
	xonxoff bool
	readBuf []byte
}

// OpenSerial opens path at baud 8N1 and wraps it as a transport.
// xonxoffEscaped configures whether this node's firmware family applies
// flow-control escaping beneath the HDLC framing.
func OpenSerial(path string, baud int, xonxoffEscaped bool) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("platform: open serial port %s: %w", path, err)
	}
	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("platform: set read timeout on %s: %w", path, err)
	}
	return &Serial{
		port:    port,
		xonxoff: xonxoffEscaped,
		readBuf: make([]byte, 4096),
	}, nil
}

// Send implements transport.Transport.
func (s *Serial) Send(ctx context.Context, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	_, err := s.port.Write(b)
	if err != nil {
		return fmt.Errorf("platform: serial write: %w: %w", transport.ErrClosed, err)
	}
	return nil
}

// Recv implements transport.Transport. A zero-length read after the
// configured ReadTimeout is reported as (nil, nil), matching a
// transport that simply had nothing to say.
func (s *Serial) Recv(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, transport.ErrClosed
	}
	n, err := s.port.Read(s.readBuf)
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("platform: serial closed: %w", transport.ErrClosed)
		}
		return nil, fmt.Errorf("platform: serial read: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, s.readBuf[:n])
	return out, nil
}

// Close implements transport.Transport.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}

// UsesXonXoffEscaping implements transport.XonXoffEscaped.
func (s *Serial) UsesXonXoffEscaping() bool {
	return s.xonxoff
}
