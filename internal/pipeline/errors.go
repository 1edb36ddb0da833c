package pipeline

import "fmt"

// Code classifies a pipeline error for callers that map errors to responses.
type Code string

const (
	CodeNotFound              Code = "NOT_FOUND"
	CodeSlotNotOpen           Code = "SLOT_NOT_OPEN"
	CodeAgentAlreadyHoldsSlot Code = "AGENT_ALREADY_HOLDS_SLOT"
	CodeForbidden             Code = "FORBIDDEN"
	CodeNotTaken              Code = "NOT_TAKEN"
	CodeConfidenceRequired    Code = "CONFIDENCE_REQUIRED"
	CodeConfidenceOutOfRange  Code = "CONFIDENCE_OUT_OF_RANGE"
	CodeInsufficientStake     Code = "INSUFFICIENT_STAKE"
	CodeInvalidOutput         Code = "INVALID_OUTPUT"
)

// Error is returned synchronously by the mutating operations. Two errors
// match under errors.Is when their codes are equal.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Msg
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrNotFound              = &Error{Code: CodeNotFound}
	ErrSlotNotOpen           = &Error{Code: CodeSlotNotOpen}
	ErrAgentAlreadyHoldsSlot = &Error{Code: CodeAgentAlreadyHoldsSlot}
	ErrForbidden             = &Error{Code: CodeForbidden}
	ErrNotTaken              = &Error{Code: CodeNotTaken}
	ErrConfidenceRequired    = &Error{Code: CodeConfidenceRequired}
	ErrConfidenceOutOfRange  = &Error{Code: CodeConfidenceOutOfRange}
	ErrInsufficientStake     = &Error{Code: CodeInsufficientStake}
	ErrInvalidOutput         = &Error{Code: CodeInvalidOutput}
)

func errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}
