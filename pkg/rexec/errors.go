package rexec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned for operations on a closed Session.
var ErrClosed = errors.New("rexec: session closed")

// TaskError is the base error for a failure originating from one Task. It
// carries enough identity to map the failure back to its origin.
type TaskError struct {
	Session string
	Task    uuid.UUID
	Command string
	Err     error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("session %q: task %s (%q): %v", e.Session, shortID(e.Task), e.Command, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// TimeoutError reports a Task that hit its overall or output timeout.
type TimeoutError struct {
	TaskError
	Limit  time.Duration
	Output bool // output timeout rather than the overall one
}

func (e *TimeoutError) Error() string {
	kind := "timed out"
	if e.Output {
		kind = "produced no output"
	}
	return fmt.Sprintf("session %q: task %s (%q): %s after %s", e.Session, shortID(e.Task), e.Command, kind, e.Limit)
}

// ExitCodeError reports a command that exited with an unexpected code.
type ExitCodeError struct {
	TaskError
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("session %q: task %s (%q): exit code %d", e.Session, shortID(e.Task), e.Command, e.Code)
}

// StateError reports an accessor used in a state that cannot serve it,
// like reading the exit code of a task that is still running or timed out.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("rexec: %s: invalid in state %s", e.Op, e.State)
}

// TaskErrors aggregates every failure a wait collected. Nothing is
// dropped: one entry per failed task, plus wait and cleanup errors.
type TaskErrors struct {
	Errors []error
}

func (e *TaskErrors) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d errors:", len(e.Errors))
	for _, err := range e.Errors {
		b.WriteString("\n\t")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap lets errors.Is and errors.As descend into the aggregate.
func (e *TaskErrors) Unwrap() []error { return e.Errors }

// aggregate folds collected errors into a single return value.
func aggregate(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &TaskErrors{Errors: errs}
}

// join merges two possibly nil errors into one.
func join(a, b error) error {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	if te, ok := a.(*TaskErrors); ok {
		return &TaskErrors{Errors: append(append([]error{}, te.Errors...), b)}
	}
	return &TaskErrors{Errors: []error{a, b}}
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
