package taskmesh

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the taskmesh package.
var (
	// ErrClosed is returned when operations are attempted on a stopped coordinator.
	ErrClosed = errors.New("coordinator is closed")

	// ErrDeviceExists is returned when registering a device id that is already present.
	ErrDeviceExists = errors.New("device already registered")

	// ErrDeviceNotFound is returned for lookups of unknown device ids.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrTaskNotFound is returned for lookups of unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDependencyCycle is returned when a task's dependency graph contains a cycle.
	ErrDependencyCycle = errors.New("task dependency cycle detected")

	// ErrUnknownDependency is returned when a task depends on an id the coordinator has never seen.
	ErrUnknownDependency = errors.New("unknown task dependency")

	// ErrCapabilityMismatch is returned when no registered device advertises the required capabilities.
	ErrCapabilityMismatch = errors.New("no registered device satisfies required capabilities")

	// ErrNoEligibleDevice is returned when a ready task has no available device right now.
	ErrNoEligibleDevice = errors.New("no eligible device available")

	// ErrInvalidEnvelope is returned when an envelope fails boundary validation.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrNotConnected is returned when sending to a device without a bound connection.
	ErrNotConnected = errors.New("device not connected")

	// ErrCommandTimeout is returned when a device does not respond within the command timeout.
	ErrCommandTimeout = errors.New("command response timeout")

	// ErrTaskNotCancelable is returned when canceling a task in a terminal state.
	ErrTaskNotCancelable = errors.New("task already in terminal state")

	// ErrDuplicateResolution is reported when a correlation resolves more than once.
	ErrDuplicateResolution = errors.New("correlation already resolved")
)

// ProtocolError describes an envelope that was rejected at the boundary.
type ProtocolError struct {
	Field   string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("protocol: %s [%s]", e.Message, e.Field)
	}
	return "protocol: " + e.Message
}

// Is implements error matching for ProtocolError.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrInvalidEnvelope
}

// newProtocolError creates a new ProtocolError.
func newProtocolError(field, message string) *ProtocolError {
	return &ProtocolError{Field: field, Message: message}
}

// DispatchError describes a failed dispatch attempt for a task.
type DispatchError struct {
	TaskID   string
	DeviceID string
	Attempt  int
	Cause    error
}

func (e *DispatchError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("dispatch task %s to %s (attempt %d): %v", e.TaskID, e.DeviceID, e.Attempt, e.Cause)
	}
	return fmt.Sprintf("dispatch task %s (attempt %d): %v", e.TaskID, e.Attempt, e.Cause)
}

func (e *DispatchError) Unwrap() error {
	return e.Cause
}
