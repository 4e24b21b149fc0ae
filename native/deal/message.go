package deal

import (
	"encoding/binary"
	"fmt"
)

// Op identifies the lifecycle message carried in an inbound body.
type Op uint32

const (
	OpFund           Op = 1
	OpRelease        Op = 2
	OpRefund         Op = 3
	OpDispute        Op = 4
	OpResolve        Op = 5
	OpExtendDeadline Op = 6
)

// HeaderSize is the fixed op + query id prefix of every message body.
const HeaderSize = 4 + 8

const (
	resolvePayloadSize = 1
	extendPayloadSize  = 4
)

func (o Op) Known() bool {
	return o >= OpFund && o <= OpExtendDeadline
}

func (o Op) String() string {
	switch o {
	case OpFund:
		return "fund"
	case OpRelease:
		return "release"
	case OpRefund:
		return "refund"
	case OpDispute:
		return "dispute"
	case OpResolve:
		return "resolve"
	case OpExtendDeadline:
		return "extend_deadline"
	default:
		return fmt.Sprintf("op_%d", uint32(o))
	}
}

// ParseOp maps the lower-case action name used by operators and the API back
// onto the opcode.
func ParseOp(name string) (Op, error) {
	for op := OpFund; op <= OpExtendDeadline; op++ {
		if op.String() == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("deal: unknown op name %q", name)
}

// Message is the decoded form of an inbound message body.
//
//	op:uint32 | queryId:uint64 | payload
//
// All integers are big-endian. Resolve carries a single byte whose low bit is
// favorBeneficiary; ExtendDeadline carries the new deadline as uint32.
type Message struct {
	Op               Op
	QueryID          uint64
	FavorBeneficiary bool
	NewDeadline      uint32
}

// Encode produces the canonical wire form of the message.
func (m Message) Encode() []byte {
	size := HeaderSize
	switch m.Op {
	case OpResolve:
		size += resolvePayloadSize
	case OpExtendDeadline:
		size += extendPayloadSize
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.Op))
	binary.BigEndian.PutUint64(buf[4:12], m.QueryID)
	switch m.Op {
	case OpResolve:
		if m.FavorBeneficiary {
			buf[HeaderSize] = 1
		}
	case OpExtendDeadline:
		binary.BigEndian.PutUint32(buf[HeaderSize:], m.NewDeadline)
	}
	return buf
}

// PeekOp returns the opcode of a body without validating the payload. Bodies
// shorter than the header carry no recognisable op.
func PeekOp(body []byte) (Op, bool) {
	if len(body) < HeaderSize {
		return 0, false
	}
	return Op(binary.BigEndian.Uint32(body[0:4])), true
}

// DecodeMessage parses a body into a Message. Unknown opcodes are returned as
// ErrUnknownOp with the header fields populated so callers can decide how to
// treat them; truncated payloads of known ops yield ErrMalformed.
func DecodeMessage(body []byte) (Message, error) {
	op, ok := PeekOp(body)
	if !ok {
		return Message{}, contractErr(ErrUnknownOp, "message shorter than header (%d bytes)", len(body))
	}
	msg := Message{Op: op, QueryID: binary.BigEndian.Uint64(body[4:12])}
	payload := body[HeaderSize:]
	switch op {
	case OpFund, OpRelease, OpRefund, OpDispute:
	case OpResolve:
		if len(payload) < resolvePayloadSize {
			return msg, contractErr(ErrMalformed, "resolve payload missing")
		}
		msg.FavorBeneficiary = payload[0]&1 == 1
	case OpExtendDeadline:
		if len(payload) < extendPayloadSize {
			return msg, contractErr(ErrMalformed, "extend deadline payload truncated")
		}
		msg.NewDeadline = binary.BigEndian.Uint32(payload[:extendPayloadSize])
	default:
		return msg, contractErr(ErrUnknownOp, "unknown op %d", uint32(op))
	}
	return msg, nil
}

// Convenience constructors used by the coordinator and operator tooling.

func FundBody(queryID uint64) []byte {
	return Message{Op: OpFund, QueryID: queryID}.Encode()
}

func ReleaseBody(queryID uint64) []byte {
	return Message{Op: OpRelease, QueryID: queryID}.Encode()
}

func RefundBody(queryID uint64) []byte {
	return Message{Op: OpRefund, QueryID: queryID}.Encode()
}

func DisputeBody(queryID uint64) []byte {
	return Message{Op: OpDispute, QueryID: queryID}.Encode()
}

func ResolveBody(queryID uint64, favorBeneficiary bool) []byte {
	return Message{Op: OpResolve, QueryID: queryID, FavorBeneficiary: favorBeneficiary}.Encode()
}

func ExtendDeadlineBody(queryID uint64, deadline uint32) []byte {
	return Message{Op: OpExtendDeadline, QueryID: queryID, NewDeadline: deadline}.Encode()
}
