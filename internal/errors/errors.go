// Package errors defines the typed errors returned across the module.
//
// Three families are used:
//   - WireFormatError: a received packet could not be decoded; the packet is
//     dropped and nothing else happens.
//   - ValidationError: caller supplied a name, record or option that cannot
//     be represented on the wire.
//   - NetworkError: a transport operation failed.
//
// Status values for registrations and queries are plain sentinel errors so
// callers can test them with errors.Is.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel status errors reported synchronously by engine entry points.
var (
	// ErrNoCache is returned when a question is started on an engine that was
	// initialised with a zero-sized cache.
	ErrNoCache = errors.New("record cache disabled")

	// ErrAlreadyRegistered is returned when an identical record is registered twice.
	ErrAlreadyRegistered = errors.New("record already registered")

	// ErrUnknownRecord is returned when a record handle no longer resolves.
	ErrUnknownRecord = errors.New("unknown record")

	// ErrUnknownQuestion is returned when a question handle no longer resolves.
	ErrUnknownQuestion = errors.New("unknown question")

	// ErrCacheFull is returned when no cache slot can be freed for a new record.
	ErrCacheFull = errors.New("record cache full")

	// ErrNameConflict is the asynchronous status delivered to owners of a
	// record that lost a conflict.
	ErrNameConflict = errors.New("name conflict")

	// ErrCursorBusy is returned when a second safe iteration is started while
	// one is already active on the same list.
	ErrCursorBusy = errors.New("iteration cursor already active")

	// ErrClosed is returned by transports and runners after Close.
	ErrClosed = errors.New("closed")
)

// WireFormatError reports a malformed packet.
type WireFormatError struct {
	Operation string
	Offset    int
	Message   string
	Err       error
}

func (e *WireFormatError) Error() string {
	msg := fmt.Sprintf("wire format error: %s at offset %d: %s", e.Operation, e.Offset, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *WireFormatError) Unwrap() error { return e.Err }

// ValidationError reports invalid caller input.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %q: %s", e.Field, fmt.Sprint(e.Value), e.Message)
}

// NetworkError reports a failed transport operation.
type NetworkError struct {
	Operation string
	Err       error
	Details   string
}

func (e *NetworkError) Error() string {
	msg := "network error: " + e.Operation
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() error { return e.Err }
