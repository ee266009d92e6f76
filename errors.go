package fathom

import (
	"errors"
	"fmt"
	"time"
)

// InvariantError reports a transcript or driver invariant violation: a
// programmer error, never something the model can act on. It is raised to
// the caller rather than converted into a tool result.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Reason
}

func invariantf(format string, args ...any) *InvariantError {
	return &InvariantError{Reason: fmt.Sprintf(format, args...)}
}

// ModelError is a non-retryable model provider failure. It propagates to the
// caller after retries (if any) are exhausted or skipped.
type ModelError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ModelError) Error() string {
	if e.Message != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Provider + ": " + e.Err.Error()
}

func (e *ModelError) Unwrap() error { return e.Err }

// TransientError marks a model request failure eligible for retry: timeouts,
// connection drops, 5xx responses, truncated streams, rate limiting.
// Adapters wrap such failures so the event loop can distinguish them from
// fatal ModelErrors.
type TransientError struct {
	Status int // HTTP status when known, 0 otherwise
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient model error (status %d): %v", e.Status, e.Err)
	}
	return "transient model error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable by the event loop.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// TurnTimeoutError reports that a whole turn exceeded its end-to-end budget.
// The transcript is left consistent: either pre-assistant or post-tool-result.
type TurnTimeoutError struct {
	Timeout time.Duration
}

func (e *TurnTimeoutError) Error() string {
	return fmt.Sprintf("turn exceeded %s budget", e.Timeout)
}

// SessionLoadError reports a persisted session record that cannot be
// restored: unreadable bytes, missing required envelope fields, or a
// transcript that fails invariant replay.
type SessionLoadError struct {
	SessionID string
	Reason    string
	Err       error
}

func (e *SessionLoadError) Error() string {
	return fmt.Sprintf("session %q: %s", e.SessionID, e.Reason)
}

func (e *SessionLoadError) Unwrap() error { return e.Err }

// ErrSessionBusy is returned when a session id is opened while another
// holder has it open. The manager fails fast rather than queueing; callers
// retry or pick another session.
var ErrSessionBusy = errors.New("session busy")

// ErrSessionNotFound is returned by SessionStore implementations when no
// record exists for the requested id.
var ErrSessionNotFound = errors.New("session not found")
