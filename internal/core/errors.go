package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned by registries for an unknown identity.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAlreadyRunning is returned when a unique task is still recorded as running.
	ErrAlreadyRunning = errors.New("task is already running")

	ErrInvalidTaskDefinition   = errors.New("invalid task definition")
	ErrMissingProcessRecord    = errors.New("missing process record")
	ErrInvalidExecutionContext = errors.New("invalid execution context")
)

// InvalidTaskDefinitionError reports a malformed command, action or parameter.
type InvalidTaskDefinitionError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidTaskDefinitionError) Error() string {
	return fmt.Sprintf("invalid task definition: %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *InvalidTaskDefinitionError) Is(target error) bool {
	return target == ErrInvalidTaskDefinition
}

// MissingProcessRecordError is returned by the wrapper when a record was required.
type MissingProcessRecordError struct {
	TaskID string
}

func (e *MissingProcessRecordError) Error() string {
	return fmt.Sprintf("no process record for task %s", e.TaskID)
}

func (e *MissingProcessRecordError) Is(target error) bool {
	return target == ErrMissingProcessRecord
}

// InvalidExecutionContextError is returned when an execution-side lifecycle operation
// runs on a tracker that was not built for the wrapper entry point.
type InvalidExecutionContextError struct {
	Op string
}

func (e *InvalidExecutionContextError) Error() string {
	return fmt.Sprintf("%s: not inside a task execution context", e.Op)
}

func (e *InvalidExecutionContextError) Is(target error) bool {
	return target == ErrInvalidExecutionContext
}
