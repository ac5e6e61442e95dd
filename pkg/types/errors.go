package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies trigger/status failures. Each kind has a distinct
// recovery policy on the client.
type ErrorKind string

// ErrorKind values form the run-control error taxonomy.
const (
	KindValidation          ErrorKind = "ValidationError"
	KindPermission          ErrorKind = "PermissionError"
	KindConflict            ErrorKind = "ConflictError"
	KindCooldown            ErrorKind = "CooldownError"
	KindUpstreamTimeout     ErrorKind = "UpstreamTimeout"
	KindUpstreamUnavailable ErrorKind = "UpstreamUnavailable"
	KindUpstreamError       ErrorKind = "UpstreamError"
	KindClientNetwork       ErrorKind = "ClientNetworkError"
	KindStaleState          ErrorKind = "StaleStateError"
	KindInternal            ErrorKind = "InternalError"
)

// UserRetryable reports whether the user may retry after this kind of error.
// Validation, permission, conflict and cooldown errors are final for the
// request that produced them.
func (k ErrorKind) UserRetryable() bool {
	switch k {
	case KindUpstreamTimeout, KindUpstreamUnavailable, KindUpstreamError, KindClientNetwork, KindInternal:
		return true
	}
	return false
}

// RunError is the typed error returned across the trigger and status paths.
type RunError struct {
	Kind          ErrorKind
	Message       string
	CooldownUntil *time.Time
	Err           error
}

// NewRunError creates a RunError of the given kind.
func NewRunError(kind ErrorKind, msg string) *RunError {
	return &RunError{Kind: kind, Message: msg}
}

// WrapRunError creates a RunError of the given kind wrapping cause.
func WrapRunError(kind ErrorKind, msg string, cause error) *RunError {
	return &RunError{Kind: kind, Message: msg, Err: cause}
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RunError) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind of err, or KindInternal when err carries none.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a RunError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
