package protocol

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies a KindError message.
type ErrorCode string

const (
	CodeDepthExceeded ErrorCode = "depth_exceeded"
	CodeCallFailed    ErrorCode = "call_failed"
	CodeExecution     ErrorCode = "execution_failed"
	CodeProtocol      ErrorCode = "protocol"
	CodeCancelled     ErrorCode = "cancelled"
	CodeBudget        ErrorCode = "budget_exceeded"
)

var (
	// ErrFrameTooLarge is returned when a frame header exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrUnknownCorrelation is returned when a response has no matching
	// outstanding request.
	ErrUnknownCorrelation = errors.New("no outstanding request for correlation id")
)

// ProtocolError reports a malformed frame, an unknown kind or an
// unmatched correlation id. It is always fatal to the connection.
type ProtocolError struct {
	Reason        string
	CorrelationID string
	Err           error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Reason
	if e.CorrelationID != "" {
		msg += fmt.Sprintf(" (correlation_id=%s)", e.CorrelationID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Fatal marks protocol errors as session-fatal.
func (e *ProtocolError) Fatal() bool { return true }

// IsProtocolError reports whether err wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// DepthError reports a loop-mode sub-call whose depth would exceed the
// configured maximum. It fails the session.
type DepthError struct {
	Depth    int
	MaxDepth int
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("sub-call depth %d exceeds max depth %d", e.Depth, e.MaxDepth)
}

// Fatal marks depth violations as session-fatal.
func (e *DepthError) Fatal() bool { return true }

// CallError is a recoverable sub-call failure reported by the far side.
// Executing code sees it as an exception.
type CallError struct {
	Code    ErrorCode
	Message string
}

func (e *CallError) Error() string {
	return e.Message
}

// ErrorFor converts err into a wire payload.
func ErrorFor(err error) ErrorPayload {
	var (
		de *DepthError
		pe *ProtocolError
		ce *CallError
	)
	switch {
	case errors.As(err, &de):
		return ErrorPayload{Code: CodeDepthExceeded, Message: de.Error(), Depth: de.Depth, MaxDepth: de.MaxDepth}
	case errors.As(err, &pe):
		return ErrorPayload{Code: CodeProtocol, Message: pe.Error()}
	case errors.As(err, &ce):
		return ErrorPayload{Code: ce.Code, Message: ce.Message}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorPayload{Code: CodeCancelled, Message: err.Error()}
	}
	return ErrorPayload{Code: CodeCallFailed, Message: err.Error()}
}

// Err rebuilds a typed error from a wire payload, so fatal failures stay
// fatal across a process boundary.
func (e *ErrorPayload) Err() error {
	switch e.Code {
	case CodeDepthExceeded:
		return &DepthError{Depth: e.Depth, MaxDepth: e.MaxDepth}
	case CodeProtocol:
		return &ProtocolError{Reason: e.Message}
	}
	return &CallError{Code: e.Code, Message: e.Message}
}
