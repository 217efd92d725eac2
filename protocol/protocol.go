// Package protocol implements the mercator wire message codec: the
// fixed binary layout carried inside each HDLC frame's payload. All
// multi-byte fields are big-endian.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies a wire message's type. It is always the first byte of
// a decoded HDLC body.
type Kind byte

const (
	ReqST     Kind = 1
	RespST    Kind = 2
	ReqIdle   Kind = 3
	ReqTX     Kind = 4
	IndTXDone Kind = 5
	ReqRX     Kind = 6
	IndRX     Kind = 7
	IndUp     Kind = 8
	RespIdle  Kind = 10
	RespTX    Kind = 11
	RespRX    Kind = 12
)

func (k Kind) String() string {
	switch k {
	case ReqST:
		return "REQ_ST"
	case RespST:
		return "RESP_ST"
	case ReqIdle:
		return "REQ_IDLE"
	case ReqTX:
		return "REQ_TX"
	case IndTXDone:
		return "IND_TXDONE"
	case ReqRX:
		return "REQ_RX"
	case IndRX:
		return "IND_RX"
	case IndUp:
		return "IND_UP"
	case RespIdle:
		return "RESP_IDLE"
	case RespTX:
		return "RESP_TX"
	case RespRX:
		return "RESP_RX"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// ExpectedFlags is the flags byte a well-formed IND_RX must carry:
// GOOD_CRC (0x80) | RIGHT_FRAME (0x40).
const ExpectedFlags byte = 0xC0

// ErrShortMessage is returned by Parse when body's length differs from
// the fixed length its kind requires (shorter or longer).
type ErrShortMessage struct {
	Kind Kind
	Got  int
	Want int
}

func (e *ErrShortMessage) Error() string {
	return fmt.Sprintf("protocol: %s payload is %d bytes, want %d", e.Kind, e.Got, e.Want)
}

// ErrUnknownKind is returned by Parse when the leading byte does not
// match any declared Kind.
type ErrUnknownKind byte

func (e ErrUnknownKind) Error() string {
	return fmt.Sprintf("protocol: unknown message kind %d", byte(e))
}

// ReqTXParams is the payload of a REQ_TX request.
type ReqTXParams struct {
	Channel    byte
	TxPowerDbm int8
	TransCtr   uint16
	TxNumPk    uint16
	TxIfdurMs  uint16
	TxLen      byte
	FillByte   byte
}

// ReqRXParams is the payload of a REQ_RX request.
type ReqRXParams struct {
	Channel  byte
	SrcMac   uint64
	TransCtr uint16
	TxLen    byte
	FillByte byte
}

// RespSTPayload is the payload of a RESP_ST reply.
type RespSTPayload struct {
	Status           byte
	NumNotifications uint16
	MacAddr          uint64
}

// IndRXPayload is the payload of an IND_RX indication.
type IndRXPayload struct {
	Length byte
	Rssi   int8
	Flags  byte
	Pkctr  uint16
}

// EncodeReqST serializes a REQ_ST request: just the kind byte.
func EncodeReqST() []byte { return []byte{byte(ReqST)} }

// EncodeReqIdle serializes a REQ_IDLE request: just the kind byte.
func EncodeReqIdle() []byte { return []byte{byte(ReqIdle)} }

// EncodeReqTX serializes a REQ_TX request.
func EncodeReqTX(p ReqTXParams) []byte {
	b := make([]byte, 11)
	b[0] = byte(ReqTX)
	b[1] = p.Channel
	b[2] = byte(p.TxPowerDbm)
	binary.BigEndian.PutUint16(b[3:5], p.TransCtr)
	binary.BigEndian.PutUint16(b[5:7], p.TxNumPk)
	binary.BigEndian.PutUint16(b[7:9], p.TxIfdurMs)
	b[9] = p.TxLen
	b[10] = p.FillByte
	return b
}

// EncodeReqRX serializes a REQ_RX request.
func EncodeReqRX(p ReqRXParams) []byte {
	b := make([]byte, 14)
	b[0] = byte(ReqRX)
	b[1] = p.Channel
	binary.BigEndian.PutUint64(b[2:10], p.SrcMac)
	binary.BigEndian.PutUint16(b[10:12], p.TransCtr)
	b[12] = p.TxLen
	b[13] = p.FillByte
	return b
}

// Message is the parsed form of an HDLC body: a Kind tag plus whichever
// payload struct matches it. Consumers type-switch on Payload.
type Message struct {
	Kind    Kind
	Payload interface{}
}

// Parse decodes a de-framed, CRC-verified HDLC body (as returned by
// hdlc.DeHDLCify) into a tagged Message. It fails only if the kind byte
// is unrecognized or the body does not match that kind's fixed length,
// so every parsed message has a valid kind and a full payload.
func Parse(body []byte) (Message, error) {
	if len(body) == 0 {
		return Message{}, fmt.Errorf("protocol: empty message body")
	}
	kind := Kind(body[0])
	switch kind {
	case ReqST, ReqIdle, RespIdle, RespTX, IndTXDone, RespRX, IndUp:
		if len(body) != 1 {
			return Message{}, &ErrShortMessage{Kind: kind, Got: len(body), Want: 1}
		}
		return Message{Kind: kind}, nil
	case RespST:
		if len(body) != 12 {
			return Message{}, &ErrShortMessage{Kind: kind, Got: len(body), Want: 12}
		}
		return Message{Kind: kind, Payload: RespSTPayload{
			Status:           body[1],
			NumNotifications: binary.BigEndian.Uint16(body[2:4]),
			MacAddr:          binary.BigEndian.Uint64(body[4:12]),
		}}, nil
	case ReqTX:
		if len(body) != 11 {
			return Message{}, &ErrShortMessage{Kind: kind, Got: len(body), Want: 11}
		}
		return Message{Kind: kind, Payload: ReqTXParams{
			Channel:    body[1],
			TxPowerDbm: int8(body[2]),
			TransCtr:   binary.BigEndian.Uint16(body[3:5]),
			TxNumPk:    binary.BigEndian.Uint16(body[5:7]),
			TxIfdurMs:  binary.BigEndian.Uint16(body[7:9]),
			TxLen:      body[9],
			FillByte:   body[10],
		}}, nil
	case ReqRX:
		if len(body) != 14 {
			return Message{}, &ErrShortMessage{Kind: kind, Got: len(body), Want: 14}
		}
		return Message{Kind: kind, Payload: ReqRXParams{
			Channel:  body[1],
			SrcMac:   binary.BigEndian.Uint64(body[2:10]),
			TransCtr: binary.BigEndian.Uint16(body[10:12]),
			TxLen:    body[12],
			FillByte: body[13],
		}}, nil
	case IndRX:
		if len(body) != 6 {
			return Message{}, &ErrShortMessage{Kind: kind, Got: len(body), Want: 6}
		}
		return Message{Kind: kind, Payload: IndRXPayload{
			Length: body[1],
			Rssi:   int8(body[2]),
			Flags:  body[3],
			Pkctr:  binary.BigEndian.Uint16(body[4:6]),
		}}, nil
	default:
		return Message{}, ErrUnknownKind(body[0])
	}
}
