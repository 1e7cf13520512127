package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrMalformedCallback = errors.New("malformed delivery callback")
	// ErrEntryNotInFlight is returned when an attempt result is written for an
	// entry that is no longer claimed (reclaimed or finished elsewhere).
	ErrEntryNotInFlight = errors.New("retry entry is not in flight")
	// ErrDuplicateActiveEntry signals the unique live-entry-per-message constraint fired.
	ErrDuplicateActiveEntry = errors.New("active retry entry already exists for message")
)

// Transport-level error codes used when the provider gave no structured code.
const (
	CodeNetworkError = "NETWORK_ERROR"
	CodeTimeout      = "TIMEOUT"
)

// SendError is a structured failure from the outbound transport.
type SendError struct {
	Code      string
	Message   string
	Temporary bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: code=%s: %s", e.Code, e.Message)
}
