// Package apperrors defines the error taxonomy shared by the orchestration core.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a workflow, run or schedule does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAgentNotFound is returned when a stage names an unregistered agent.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrToolNotFound is returned when an agent invokes an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrPermissionDenied covers path escapes, fs-mode violations and host denials.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrBlockedHost is returned when a destination resolves to a private range.
	ErrBlockedHost = &PermissionError{Kind: "blocked_host"}
	// ErrTransientIO marks network or database hiccups that are worth retrying.
	ErrTransientIO = errors.New("transient io error")
	// ErrTimeout marks an operation that ran past its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrScheduleConflict is returned when an upsert reuses an id for a different flow.
	ErrScheduleConflict = errors.New("schedule conflict")
	// ErrCancelled is returned by agents that observed a cancelled run.
	ErrCancelled = errors.New("flow run cancelled")
)

// ValidationError reports a malformed workflow definition.
type ValidationError struct {
	Reason string
	Cycle  []string
}

func (e *ValidationError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("validation error: %s: %s", e.Reason, strings.Join(e.Cycle, " -> "))
	}
	return "validation error: " + e.Reason
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// PermissionError is a denial raised by the tool sandbox. Every PermissionError
// matches ErrPermissionDenied, and those with Kind "blocked_host" also match
// ErrBlockedHost.
type PermissionError struct {
	Kind   string
	Detail string
}

func (e *PermissionError) Error() string {
	if e.Detail == "" {
		return "permission denied: " + e.Kind
	}
	return fmt.Sprintf("permission denied: %s: %s", e.Kind, e.Detail)
}

// Is lets errors.Is match sentinels by kind rather than by pointer.
func (e *PermissionError) Is(target error) bool {
	if target == ErrPermissionDenied {
		return true
	}
	var other *PermissionError
	if errors.As(target, &other) {
		return other.Kind == e.Kind && other.Detail == ""
	}
	return false
}

// Denied returns a PermissionError of the given kind.
func Denied(kind, format string, args ...any) error {
	return &PermissionError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// BlockedHost returns an error matching ErrBlockedHost for the given destination.
func BlockedHost(host string) error {
	return &PermissionError{Kind: "blocked_host", Detail: host}
}

// Transient wraps err so that it matches ErrTransientIO.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}

// Fatal reports whether a stage failure must not be retried.
func Fatal(err error) bool {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return true
	case errors.Is(err, ErrAgentNotFound), errors.Is(err, ErrToolNotFound):
		return true
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrCancelled):
		return true
	case errors.Is(err, ErrNotFound):
		return true
	}
	return false
}

// Retryable reports whether the stage retry policy applies to err. Timeouts
// are treated the same as transient I/O, and unclassified errors are retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !Fatal(err)
}
