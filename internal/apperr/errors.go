package apperr

import (
	"errors"

	"google.golang.org/grpc/codes"
)

// Code is the machine-readable error class.
type Code string

const (
	CodeInsufficientFunds      Code = "INSUFFICIENT_FUNDS"
	CodeRoundStateMismatch     Code = "ROUND_STATE_MISMATCH"
	CodePositionNotFound       Code = "POSITION_NOT_FOUND"
	CodeStaleAction            Code = "STALE_ACTION"
	CodeAlreadySettled         Code = "ALREADY_SETTLED"
	CodeInvalidAmount          Code = "INVALID_AMOUNT"
	CodeLiquidityCapExceeded   Code = "LIQUIDITY_CAP_EXCEEDED"
	CodeStoreUnavailable       Code = "STORE_UNAVAILABLE"
	CodeAtomicScopeUnavailable Code = "ATOMIC_SCOPE_UNAVAILABLE"
	CodeDuplicate              Code = "DUPLICATE"
	CodeVersionConflict        Code = "VERSION_CONFLICT"
	CodeLedgerInconsistent     Code = "LEDGER_INCONSISTENT"
	CodeBusy                   Code = "BUSY"
)

// GRPCCode maps the error class onto a gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInsufficientFunds, CodeRoundStateMismatch, CodeAlreadySettled, CodeLiquidityCapExceeded:
		return codes.FailedPrecondition
	case CodePositionNotFound:
		return codes.NotFound
	case CodeStaleAction, CodeInvalidAmount:
		return codes.InvalidArgument
	case CodeDuplicate:
		return codes.AlreadyExists
	case CodeVersionConflict, CodeBusy:
		return codes.Aborted
	case CodeStoreUnavailable, CodeAtomicScopeUnavailable:
		return codes.Unavailable
	case CodeLedgerInconsistent:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// Error is the domain error type. Two errors match under errors.Is when their
// codes are equal, so the package-level sentinels can be used as targets.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

var (
	ErrInsufficientFunds      = New(CodeInsufficientFunds, "insufficient funds")
	ErrRoundStateMismatch     = New(CodeRoundStateMismatch, "round is not in the required state")
	ErrPositionNotFound       = New(CodePositionNotFound, "position not found")
	ErrStaleAction            = New(CodeStaleAction, "stale action")
	ErrAlreadySettled         = New(CodeAlreadySettled, "position already settled")
	ErrInvalidAmount          = New(CodeInvalidAmount, "invalid amount")
	ErrLiquidityCapExceeded   = New(CodeLiquidityCapExceeded, "payout exceeds flow-control cap")
	ErrStoreUnavailable       = New(CodeStoreUnavailable, "store unavailable")
	ErrAtomicScopeUnavailable = New(CodeAtomicScopeUnavailable, "atomic scope unavailable")
	ErrDuplicate              = New(CodeDuplicate, "duplicate idempotency key")
	ErrVersionConflict        = New(CodeVersionConflict, "balance version conflict")
	ErrLedgerInconsistent     = New(CodeLedgerInconsistent, "ledger inconsistent with balance")
	ErrBusy                   = New(CodeBusy, "account busy")
)

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsInfrastructure reports whether err originates in the storage layer rather
// than in a business rule.
func IsInfrastructure(err error) bool {
	switch CodeOf(err) {
	case CodeStoreUnavailable, CodeAtomicScopeUnavailable:
		return true
	}
	return false
}
