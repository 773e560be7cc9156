package dmf

import (
	"errors"
	"fmt"
)

// Failure taxonomy for message handling. Handlers classify every failure
// with one of these sentinels so the listener can decide between rejecting a
// delivery permanently and letting the broker redeliver it.
var (
	// ErrProtocolViolation marks malformed messages or missing required
	// fields. Never requeued.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrAuthenticationFailure marks rejected credentials. Never requeued;
	// request/response flows answer with a 403 body instead.
	ErrAuthenticationFailure = errors.New("authentication failure")
	// ErrNotFound marks unknown actions, targets or artifacts.
	ErrNotFound = errors.New("not found")
	// ErrTransientRepository marks repository unavailability. Propagated so
	// the transport's native redelivery applies.
	ErrTransientRepository = errors.New("transient repository failure")
	// ErrUnresolvedDestination marks an outbound message whose target has no
	// usable address. Logged and dropped; a retry cannot help.
	ErrUnresolvedDestination = errors.New("unresolved destination")
)

// WrapProtocolViolation annotates an error as a protocol violation.
func WrapProtocolViolation(err error) error {
	if err == nil {
		return ErrProtocolViolation
	}
	return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
}

// WrapAuthenticationFailure annotates an error as an authentication failure.
func WrapAuthenticationFailure(err error) error {
	if err == nil {
		return ErrAuthenticationFailure
	}
	return fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
}

// WrapNotFound annotates an error as a missing-entity failure.
func WrapNotFound(err error) error {
	if err == nil {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrNotFound, err)
}

// WrapTransient annotates an error as a transient repository failure.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransientRepository
	}
	return fmt.Errorf("%w: %v", ErrTransientRepository, err)
}

// IsRejectable reports whether the error must be rejected without requeue.
// Transient repository failures are the only class the broker may redeliver.
func IsRejectable(err error) bool {
	return errors.Is(err, ErrProtocolViolation) ||
		errors.Is(err, ErrAuthenticationFailure) ||
		errors.Is(err, ErrNotFound)
}
