// Package transport defines the byte-stream contract the mercator core
// expects from a platform-specific link to one node. The core never
// knows whether the bytes travel over a testbed WebSocket, an
// MQTT-bridged serial line, or a local pipe in a test — it only knows
// Send, Recv and Close.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send/Recv once the transport has terminally
// disconnected. The node protocol engine treats it as a fatal,
// non-recoverable error: the owning node's status moves to Unknown and
// the error is propagated to the controller.
var ErrClosed = errors.New("transport: closed")

// Transport is a non-blocking-ish byte stream to a single node. Recv is
// expected to return promptly: it may return (nil, nil) if no bytes
// were available within the transport's own short internal timeout,
// which is the building block the stream reassembler polls on.
type Transport interface {
	// Send writes b in full or returns an error.
	Send(ctx context.Context, b []byte) error
	// Recv returns whatever bytes are currently available, or (nil, nil)
	// if none arrived before the transport's internal timeout elapsed.
	Recv(ctx context.Context) ([]byte, error)
	// Close releases the underlying connection. Safe to call more than
	// once.
	Close() error
}

// XonXoffEscaped is implemented by transports whose link layer applies
// XON/XOFF/ESC flow-control escaping transparently underneath the HDLC
// framing. The stream reassembler consults this per-node, one-bit
// setting to decide whether to unescape that layer before decoding.
type XonXoffEscaped interface {
	UsesXonXoffEscaping() bool
}
