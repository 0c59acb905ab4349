package core

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed or schema-nonconformant gateway response.
	ErrValidation = errors.New("response validation failed")
	// ErrServiceUnavailable marks an unreachable or timed out inference backend.
	ErrServiceUnavailable = errors.New("inference service unavailable")
	// ErrGatewayExhausted is the terminal failure after the last attempt.
	ErrGatewayExhausted = errors.New("gateway attempts exhausted")
	// ErrRequestInFlight is returned when an agent already has a pending request.
	ErrRequestInFlight = errors.New("request already in flight")
	// ErrMailboxOverflow is returned by a reject-new mailbox at capacity.
	ErrMailboxOverflow = errors.New("mailbox overflow")
	// ErrUnknownAgent is returned for ids absent from the registry.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrDuplicateAgent is returned when spawning an id that already exists.
	ErrDuplicateAgent = errors.New("duplicate agent")
	// ErrIllegalTransition is returned for state edges outside the table.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrRegistryCorruption marks a fatal invariant violation.
	ErrRegistryCorruption = errors.New("registry corruption")
	// ErrStopped is returned by commands issued after the simulation stopped.
	ErrStopped = errors.New("simulation stopped")
)

// ValidationError describes why a gateway response was rejected.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Raw     string `json:"raw,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Is lets errors.Is match ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// RegistryCorruptionError carries the invariant that was violated.
type RegistryCorruptionError struct {
	Tick   uint64
	Detail string
}

// Error implements the error interface.
func (e *RegistryCorruptionError) Error() string {
	return fmt.Sprintf("registry corruption at tick %d: %s", e.Tick, e.Detail)
}

// Is lets errors.Is match ErrRegistryCorruption.
func (e *RegistryCorruptionError) Is(target error) bool { return target == ErrRegistryCorruption }

// UnknownAgentError wraps ErrUnknownAgent with the offending id.
func UnknownAgentError(id string) error {
	return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
}
