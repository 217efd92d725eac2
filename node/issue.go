package node

import (
	"context"
	"fmt"
	"time"

	"github.com/yatch/mercator/protocol"
)

// parseFunc is what a parse callback returns to issue(): either a
// usable result (ignore == false), a request to keep reading because
// this message wasn't the one we're waiting for (ignore == true), or a
// fatal protocol error.
type parseFunc func(msg []byte) (result interface{}, ignore bool, err error)

// issue sends a request and waits for a matching response, tolerating
// asynchronous indications and stale replies along the way. If no
// usable message arrives before the transport signals
// "nothing available", the request is retransmitted, up to MaxRetries
// times. If retry is false, a single send/receive attempt is made and
// an empty result is returned to let the caller decide what to do next.
func (n *Node) issue(ctx context.Context, send func(context.Context) error, parse parseFunc, retry bool) (interface{}, error) {
	attempt := 0
	for {
		if err := send(ctx); err != nil {
			return nil, err
		}

		for {
			msg, err := n.recvMsg(ctx)
			if err != nil {
				return nil, err
			}
			if msg == nil {
				break
			}
			result, ignore, err := parse(msg)
			if err != nil {
				return nil, err
			}
			if !ignore {
				return result, nil
			}
			// Stale or asynchronous message: keep reading without resending.
		}

		if !retry {
			return nil, nil
		}
		attempt++
		if attempt > MaxRetries {
			return nil, fmt.Errorf("%w: node %s", ErrRequestTimeout, n.ID)
		}
		n.logger.Infow("retrying request", "node", n.ID, "attempt", attempt)
	}
}

// parseIgnoreOthers builds a parse callback that succeeds only once a
// message of want arrives, ignoring everything else (including stale
// replies and indications the caller doesn't care about here).
func parseIgnoreOthers(want protocol.Kind, onMatch func(protocol.Message) (interface{}, error)) parseFunc {
	return func(raw []byte) (interface{}, bool, error) {
		msg, err := protocol.Parse(raw)
		if err != nil {
			// A malformed-but-CRC-valid message shouldn't occur on the
			// wire; treat it as noise rather than aborting a request
			// that's still legitimately waiting for its real reply.
			return nil, true, nil
		}
		if msg.Kind != want {
			return nil, true, nil
		}
		result, err := onMatch(msg)
		if err != nil {
			return nil, false, err
		}
		return result, false, nil
	}
}

// RequestStatus issues REQ_ST and returns the node's reported status and
// MAC address. IND_UP and anything else is ignored until RESP_ST
// arrives or the request times out.
func (n *Node) RequestStatus(ctx context.Context) (Status, uint64, error) {
	send := func(ctx context.Context) error { return n.sendMsg(ctx, protocol.EncodeReqST()) }
	parse := parseIgnoreOthers(protocol.RespST, func(msg protocol.Message) (interface{}, error) {
		p := msg.Payload.(protocol.RespSTPayload)
		return [2]interface{}{Status(int8(p.Status)), p.MacAddr}, nil
	})
	result, err := n.issue(ctx, send, parse, true)
	if err != nil {
		return StatusUnknown, 0, err
	}
	pair := result.([2]interface{})
	return pair[0].(Status), pair[1].(uint64), nil
}

// RequestIdle issues REQ_IDLE and, on success, sets status to Idle.
func (n *Node) RequestIdle(ctx context.Context) error {
	send := func(ctx context.Context) error { return n.sendMsg(ctx, protocol.EncodeReqIdle()) }
	parse := parseIgnoreOthers(protocol.RespIdle, func(protocol.Message) (interface{}, error) {
		return true, nil
	})
	if _, err := n.issue(ctx, send, parse, true); err != nil {
		return err
	}
	n.setStatus(StatusIdle)
	return nil
}

// UpdateStatus refreshes the node's cached status from a fresh
// RequestStatus round-trip.
func (n *Node) UpdateStatus(ctx context.Context) error {
	status, mac, err := n.RequestStatus(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.status = status
	n.macAddr = mac
	n.mu.Unlock()
	return nil
}

// WaitIndUp performs a single receive attempt for IND_UP. Its absence is
// logged, not treated as an error — the indication may have been sent
// before the controller attached.
func (n *Node) WaitIndUp(ctx context.Context) error {
	msg, err := n.recvMsg(ctx)
	if err != nil {
		return err
	}
	if msg == nil {
		n.logger.Infow("no IND_UP received", "node", n.ID)
		return nil
	}
	parsed, err := protocol.Parse(msg)
	if err != nil || parsed.Kind != protocol.IndUp {
		n.logger.Infow("no IND_UP received", "node", n.ID)
		return nil
	}
	return nil
}

// Setup drives the node from whatever status it booted in to Idle, and
// remembers the burst parameters used for every subsequent TX/RX in this
// run.
func (n *Node) Setup(ctx context.Context, cfg BurstConfig) error {
	n.burst = cfg
	status, mac, err := n.RequestStatus(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.macAddr = mac
	n.mu.Unlock()
	if status != StatusIdle {
		if err := n.RequestIdle(ctx); err != nil {
			return err
		}
	} else {
		n.setStatus(StatusIdle)
	}
	return nil
}

// StartTX begins a TX burst on channel for trans_ctr. This is the most
// subtle operation in the protocol: RESP_TX can be lost, delayed, or
// arrive after the burst has already finished. Rather than blindly
// retransmitting REQ_TX (which could double-start a burst), a lost
// RESP_TX is disambiguated by probing with REQ_ST and accepting any of
// RESP_TX | IND_TXDONE | RESP_ST{TX} as proof the burst is underway.
func (n *Node) StartTX(ctx context.Context, channel byte, transCtr uint16) error {
	mac := n.MacAddr()
	n.mu.Lock()
	n.active = &activeContext{channel: channel, transCtr: transCtr, peerMac: mac}
	n.mu.Unlock()

	sendTX := func(ctx context.Context) error {
		return n.sendMsg(ctx, protocol.EncodeReqTX(protocol.ReqTXParams{
			Channel:    channel,
			TxPowerDbm: n.burst.TxPowerDbm,
			TransCtr:   transCtr,
			TxNumPk:    n.burst.TxNumPerTxn,
			TxIfdurMs:  n.burst.TxIntervalMs,
			TxLen:      n.burst.TxLen,
			FillByte:   n.burst.TxFillByte,
		}))
	}
	parseTX := func(raw []byte) (interface{}, bool, error) {
		msg, err := protocol.Parse(raw)
		if err != nil {
			return nil, true, nil
		}
		switch msg.Kind {
		case protocol.RespTX, protocol.IndTXDone:
			return msg.Kind, false, nil
		default:
			return nil, true, nil
		}
	}

	retries := 0
	for {
		result, err := n.issue(ctx, sendTX, parseTX, false)
		if err != nil {
			return err
		}
		if result != nil {
			n.setStatus(StatusTx)
			return nil
		}

		// RESP_TX didn't show up in time: probe with REQ_ST.
		sendST := func(ctx context.Context) error { return n.sendMsg(ctx, protocol.EncodeReqST()) }
		parseST := func(raw []byte) (interface{}, bool, error) {
			msg, err := protocol.Parse(raw)
			if err != nil {
				return nil, true, nil
			}
			switch msg.Kind {
			case protocol.RespTX, protocol.IndTXDone:
				return msg.Kind, false, nil
			case protocol.RespST:
				p := msg.Payload.(protocol.RespSTPayload)
				return Status(int8(p.Status)), false, nil
			default:
				return nil, true, nil
			}
		}
		probe, err := n.issue(ctx, sendST, parseST, true)
		if err != nil {
			return err
		}
		switch v := probe.(type) {
		case protocol.Kind:
			// Delayed RESP_TX, or the burst already ran to completion.
			n.setStatus(StatusTx)
			return nil
		case Status:
			if v == StatusTx {
				n.setStatus(StatusTx)
				return nil
			}
			retries++
			if retries > MaxRetries {
				return fmt.Errorf("%w: node %s: no response to REQ_TX", ErrRequestTimeout, n.ID)
			}
			n.logger.Infow("retrying REQ_TX", "node", n.ID, "attempt", retries)
		default:
			return n.protocolErrorf("unexpected REQ_ST probe result during start_tx")
		}
	}
}

// WaitTXDone blocks at least as long as the burst must take, then reads
// until IND_TXDONE arrives (tolerating a leading stale RESP_ST), issues
// REQ_IDLE, and clears the active measurement context.
func (n *Node) WaitTXDone(ctx context.Context) error {
	waitTime := time.Duration(n.burst.TxNumPerTxn) * time.Duration(n.burst.TxIntervalMs) * time.Millisecond
	select {
	case <-time.After(waitTime):
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		msg, err := n.recvMsg(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			n.logger.Warnw("IND_TXDONE may have been dropped", "node", n.ID)
			break
		}
		parsed, err := protocol.Parse(msg)
		if err != nil {
			return n.protocolErrorf("malformed message waiting for IND_TXDONE")
		}
		switch parsed.Kind {
		case protocol.IndTXDone:
			goto done
		case protocol.RespST:
			n.logger.Infow("ignoring stale RESP_ST", "node", n.ID)
			continue
		default:
			return n.protocolErrorf("unexpected %s waiting for IND_TXDONE", parsed.Kind)
		}
	}
done:
	if err := n.RequestIdle(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	n.active = nil
	n.mu.Unlock()
	return nil
}
