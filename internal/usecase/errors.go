package usecase

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why a turn could not be answered. TurnHandler picks
// the notice sent back to the sender from it.
type ErrorCode string

const (
	// ErrorInvalidInput marks a turn the sender has to fix, such as an
	// aggregated burst longer than the configured maximum.
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrorFlagged marks a turn rejected by moderation.
	ErrorFlagged     ErrorCode = "FLAGGED"
	ErrorRateLimited ErrorCode = "RATE_LIMITED"
	ErrorUpstream    ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal    ErrorCode = "INTERNAL_ERROR"
)

const (
	reasonEmptySender    = "empty_sender"
	reasonEmptyMessage   = "empty_message"
	reasonMessageTooLong = "message_too_long"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s/%s", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s/%s: %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// SenderFault reports whether the sender caused the failure. Such turns are
// answered with a notice and are not treated as engine failures.
func (e *Error) SenderFault() bool {
	return e != nil && (e.Code == ErrorInvalidInput || e.Code == ErrorFlagged)
}

// AsError returns the *Error in err's chain. Errors without one are reported
// as ErrorInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue
	}
	return &Error{Code: ErrorInternal, Reason: "unclassified", Err: err}
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
