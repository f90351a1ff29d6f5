package session

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrSessionNotActive       = errors.New("session not active")
	ErrQueryInFlight          = fmt.Errorf("%w: query already in flight", ErrSessionNotActive)
	ErrSessionNotFound        = errors.New("session not found")
	ErrConfigValidation       = errors.New("config validation failed")
	ErrPolicyDenied           = errors.New("tool denied by policy")
	ErrUserDenied             = errors.New("tool denied by user")
	ErrPermissionTimeout      = errors.New("permission request timed out")
	ErrToolExecution          = errors.New("tool execution failed")
	ErrClientAlreadyExists    = errors.New("runtime client already exists")
	ErrClientNotFound         = errors.New("runtime client not found")
	ErrRuntimeConnection      = errors.New("runtime connection failed")
	ErrRuntimeTimeout         = errors.New("runtime timed out")
	ErrRateLimited            = errors.New("runtime rate limited")
	ErrCircuitOpen            = errors.New("circuit breaker open")
	ErrHookExecutionFailure   = errors.New("hook execution failed")
	ErrUnknownMode            = errors.New("unknown execution mode")
	ErrStaleToolCall          = errors.New("stale tool call version")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidStateTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// ModeError reports an unrecognised execution mode.
type ModeError struct {
	Mode string
}

func (e *ModeError) Error() string { return fmt.Sprintf("%s: %q", ErrUnknownMode, e.Mode) }

func (e *ModeError) Unwrap() error { return ErrUnknownMode }

// Class groups errors by who is at fault.
type Class int

const (
	ClassInternal Class = iota
	// ClassClient covers bad requests: illegal transitions, validation, denials.
	ClassClient
	// ClassInfrastructure covers failures of the runtime or its connection.
	ClassInfrastructure
)

func (c Class) String() string {
	switch c {
	case ClassClient:
		return "client"
	case ClassInfrastructure:
		return "infrastructure"
	default:
		return "internal"
	}
}

var clientErrors = []error{
	ErrInvalidStateTransition,
	ErrSessionNotActive,
	ErrSessionNotFound,
	ErrConfigValidation,
	ErrPolicyDenied,
	ErrUserDenied,
	ErrPermissionTimeout,
	ErrClientAlreadyExists,
	ErrClientNotFound,
	ErrUnknownMode,
}

var infrastructureErrors = []error{
	ErrRuntimeConnection,
	ErrRuntimeTimeout,
	ErrRateLimited,
	ErrCircuitOpen,
	ErrToolExecution,
	ErrHookExecutionFailure,
	context.DeadlineExceeded,
}

// Classify maps err onto a response class for the calling layer.
func Classify(err error) Class {
	if err == nil {
		return ClassInternal
	}
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return ClassClient
		}
	}
	for _, target := range infrastructureErrors {
		if errors.Is(err, target) {
			return ClassInfrastructure
		}
	}
	return ClassInternal
}

// IsTransient reports whether err is worth retrying against the runtime.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrRuntimeConnection) ||
		errors.Is(err, ErrRuntimeTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}
