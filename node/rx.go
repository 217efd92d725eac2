package node

import (
	"context"
	"fmt"

	"github.com/yatch/mercator/protocol"
)

// RxRecord is one received-packet observation, keyed by the packet
// counter the transmitter stamped into each burst packet.
type RxRecord struct {
	Pkctr  uint16
	Rssi   int8
	Length byte
	Flags  byte
}

// StartRX issues REQ_RX, and on success starts the RX receive-loop
// goroutine and sets status to Rx. The loop runs until StopRX is called
// or the node fails.
func (n *Node) StartRX(ctx context.Context, channel byte, srcMac uint64, transCtr uint16) error {
	n.mu.Lock()
	n.active = &activeContext{channel: channel, transCtr: transCtr, peerMac: srcMac}
	n.mu.Unlock()

	n.rssiMu.Lock()
	n.rssiRecords = make([]RssiSample, n.burst.TxNumPerTxn)
	n.rssiPrev = -1
	n.rssiMu.Unlock()

	send := func(ctx context.Context) error {
		return n.sendMsg(ctx, protocol.EncodeReqRX(protocol.ReqRXParams{
			Channel:  channel,
			SrcMac:   srcMac,
			TransCtr: transCtr,
			TxLen:    n.burst.TxLen,
			FillByte: n.burst.TxFillByte,
		}))
	}
	parse := parseIgnoreOthers(protocol.RespRX, func(protocol.Message) (interface{}, error) {
		return true, nil
	})
	if _, err := n.issue(ctx, send, parse, true); err != nil {
		return err
	}

	n.setStatus(StatusRx)
	n.rxDone = make(chan struct{})
	go n.keepReceiving(ctx, n.rxDone)
	return nil
}

// StopRX signals the receive loop to wind down, waits for it to exit,
// issues REQ_IDLE, and returns the accumulated RssiRecords for this
// measurement.
func (n *Node) StopRX(ctx context.Context) ([]RssiSample, error) {
	n.setStatus(StatusStoppingRx)
	if n.rxDone != nil {
		<-n.rxDone
		n.rxDone = nil
	}
	if err := n.RequestIdle(ctx); err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.active = nil
	n.mu.Unlock()
	return n.RssiRecords(), nil
}

// keepReceiving is the RX receive-loop goroutine: it drains IND_RX
// indications into the RSSI vector until the controller flips status to
// StoppingRx, coordinating with the rest of the node purely through the
// locked status field.
func (n *Node) keepReceiving(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		if n.Status() != StatusRx {
			return
		}
		msg, err := n.recvMsg(ctx)
		if err != nil {
			n.fail(err)
			return
		}
		if msg == nil {
			continue
		}
		parsed, err := protocol.Parse(msg)
		if err != nil {
			n.logger.Warnw("dropping unparsable message in RX loop", "node", n.ID, "error", err)
			continue
		}
		switch parsed.Kind {
		case protocol.IndRX:
			p := parsed.Payload.(protocol.IndRXPayload)
			if p.Length != n.burst.TxLen {
				n.logger.Warnw("dropping IND_RX with unexpected length", "node", n.ID, "length", p.Length, "want", n.burst.TxLen)
				continue
			}
			if p.Flags != protocol.ExpectedFlags {
				n.logger.Warnw("dropping IND_RX with unexpected flags", "node", n.ID, "flags", p.Flags)
				continue
			}
			if err := n.storeRxRecord(RxRecord{Pkctr: p.Pkctr, Rssi: p.Rssi, Length: p.Length, Flags: p.Flags}); err != nil {
				n.fail(err)
				return
			}
		case protocol.RespRX:
			// Stale reply to a retried REQ_RX; nothing to do.
		case protocol.RespIdle:
			// The node autonomously returned to IDLE; set status so the
			// loop exits on its next check.
			n.setStatus(StatusIdle)
		default:
			n.fail(n.protocolErrorf("unexpected %s in RX loop", parsed.Kind))
			return
		}
	}
}

// storeRxRecord records one packet observation into the fixed-length
// RssiRecords vector, tracking the highest packet counter seen so far.
// A duplicate counter (a retransmitted IND_RX) is logged and ignored
// without overwriting; a
// counter lower than the high watermark indicates the sender's counter
// wrapped or restarted underneath us, which is unrecoverable
// mid-measurement.
func (n *Node) storeRxRecord(rec RxRecord) error {
	n.rssiMu.Lock()
	defer n.rssiMu.Unlock()

	idx := int(rec.Pkctr)
	switch {
	case idx == n.rssiPrev:
		n.logger.Infow("duplicate packet counter", "node", n.ID, "pkctr", rec.Pkctr)
		return nil
	case idx > n.rssiPrev:
		if idx >= 0 && idx < len(n.rssiRecords) {
			n.rssiRecords[idx] = RssiSample{Valid: true, Dbm: rec.Rssi}
		}
		n.rssiPrev = idx
		return nil
	default:
		return fmt.Errorf("%w: node %s: packet counter %d below previous high watermark %d",
			ErrProtocolViolation, n.ID, rec.Pkctr, n.rssiPrev)
	}
}
