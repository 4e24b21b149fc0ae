package deal

import (
	"errors"
	"fmt"
)

// ErrorKind classifies contract-level failures.
type ErrorKind uint8

const (
	KindAuthorization ErrorKind = iota + 1
	KindState
	KindFunding
	KindDeadline
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindFunding:
		return "funding"
	case KindDeadline:
		return "deadline"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Exit codes reported by the contract. They appear in ledger receipts and are
// part of the external interface.
const (
	ExitOK                uint32 = 0
	ExitUnauthorized      uint32 = 101
	ExitInvalidState      uint32 = 102
	ExitInsufficientFunds uint32 = 103
	ExitInvalidDeadline   uint32 = 104
	ExitUnknownOp         uint32 = 105
	ExitMalformed         uint32 = 106
)

// ContractError is returned by the engine for any rejected message. The
// ledger bounces the inbound value (minus network cost) when it sees one.
type ContractError struct {
	Kind ErrorKind
	Code uint32
	Msg  string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("deal: %s (exit %d)", e.Msg, e.Code)
}

// Is lets errors.Is match on the sentinel values below by exit code.
func (e *ContractError) Is(target error) bool {
	var other *ContractError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

var (
	ErrUnauthorized      = &ContractError{Kind: KindAuthorization, Code: ExitUnauthorized, Msg: "unauthorized caller"}
	ErrInvalidState      = &ContractError{Kind: KindState, Code: ExitInvalidState, Msg: "invalid state for operation"}
	ErrInsufficientFunds = &ContractError{Kind: KindFunding, Code: ExitInsufficientFunds, Msg: "insufficient funding"}
	ErrInvalidDeadline   = &ContractError{Kind: KindDeadline, Code: ExitInvalidDeadline, Msg: "invalid deadline"}
	ErrUnknownOp         = &ContractError{Kind: KindProtocol, Code: ExitUnknownOp, Msg: "unknown operation"}
	ErrMalformed         = &ContractError{Kind: KindProtocol, Code: ExitMalformed, Msg: "malformed message"}
)

func contractErr(base *ContractError, format string, args ...interface{}) *ContractError {
	return &ContractError{Kind: base.Kind, Code: base.Code, Msg: fmt.Sprintf(format, args...)}
}

// ExitCode extracts the contract exit code from err, or zero when err is not a
// contract error.
func ExitCode(err error) uint32 {
	var ce *ContractError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ExitOK
}

// ErrorFromExitCode maps a receipt exit code back to the matching sentinel.
func ErrorFromExitCode(code uint32) error {
	switch code {
	case ExitOK:
		return nil
	case ExitUnauthorized:
		return ErrUnauthorized
	case ExitInvalidState:
		return ErrInvalidState
	case ExitInsufficientFunds:
		return ErrInsufficientFunds
	case ExitInvalidDeadline:
		return ErrInvalidDeadline
	case ExitUnknownOp:
		return ErrUnknownOp
	case ExitMalformed:
		return ErrMalformed
	default:
		return &ContractError{Kind: KindProtocol, Code: code, Msg: "unrecognised exit code"}
	}
}
