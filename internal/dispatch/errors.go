package dispatch

import (
	"errors"
	"fmt"
)

// TransientError is a failure worth retrying: transport errors, timeouts, 5xx,
// throttling and anything the destination did not classify.
type TransientError struct {
	Code string
	Err  error
}

func (e *TransientError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("transient dispatch error: %v", e.Err)
	}
	return fmt.Sprintf("transient dispatch error (%s): %v", e.Code, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError is a destination verdict that will not change on retry.
// AuthClass marks credential problems that disable the integration.
type TerminalError struct {
	Code      string
	Message   string
	AuthClass bool
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal dispatch error (%s): %s", e.Code, e.Message)
}

// Transient wraps err as retryable.
func Transient(code string, err error) error {
	return &TransientError{Code: code, Err: err}
}

// Terminal builds a non-retryable error.
func Terminal(code, message string) error {
	return &TerminalError{Code: code, Message: message}
}

// TerminalAuth builds a non-retryable credential error.
func TerminalAuth(code, message string) error {
	return &TerminalError{Code: code, Message: message, AuthClass: true}
}

// AsTerminal returns the TerminalError in err's chain, if any.
func AsTerminal(err error) (*TerminalError, bool) {
	var term *TerminalError
	if errors.As(err, &term) {
		return term, true
	}
	return nil, false
}

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	_, ok := AsTerminal(err)
	return ok
}

// errorCode extracts a short code for audit and metrics.
func errorCode(err error) string {
	if term, ok := AsTerminal(err); ok {
		return term.Code
	}
	var transient *TransientError
	if errors.As(err, &transient) && transient.Code != "" {
		return transient.Code
	}
	return "unclassified"
}
