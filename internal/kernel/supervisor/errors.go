package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateNodePlacement is returned by ConfigureProcessGroups
	// when a node name appears in more than one group.
	ErrDuplicateNodePlacement = errors.New("supervisor: node placed in more than one process group")
	// ErrUnknownGroup is returned when an operation names a process
	// group that was never configured.
	ErrUnknownGroup = errors.New("supervisor: unknown process group")
)

// TimeoutError is raised when a boundary dispatch to a group's worker
// does not respond within the configured boundary timeout.
type TimeoutError struct {
	Group string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote handoff timed out for group '%s'", e.Group)
}

// ConnectionError is raised when the control pipe to a group's worker
// fails before or during a boundary dispatch.
type ConnectionError struct {
	Group string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("remote handoff transport failed for group '%s'", e.Group)
}

// ExecutionError wraps any other boundary dispatch failure reported by
// a worker. Detail is preserved on the error value but never included
// in the rendered message shown to users.
type ExecutionError struct {
	Group  string
	Detail string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("remote handoff failed for group '%s'", e.Group)
}

// RuntimeBootstrapStopTimeoutError is raised by StopGroups only when
// force-terminating the unresponsive remainder itself fails; a
// successful force terminate suppresses this error entirely.
type RuntimeBootstrapStopTimeoutError struct {
	Detail string
}

func (e *RuntimeBootstrapStopTimeoutError) Error() string {
	return fmt.Sprintf("runtime bootstrap stop timed out and force terminate failed: %s", e.Detail)
}
