package rexec

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventKind tags a lifecycle event.
type EventKind string

const (
	EventStarted  EventKind = "started"
	EventFinished EventKind = "finished"
)

// Event is one task lifecycle record handed to the configured Sink.
// Events are emitted on start and finish only, never per output line.
type Event struct {
	Kind    EventKind `json:"kind"`
	Time    time.Time `json:"time"`
	Session string    `json:"session"`
	Task    uuid.UUID `json:"task"`
	Command string    `json:"command"`
	State   string    `json:"state"`
	Exit    *int      `json:"exit,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Sink receives task lifecycle events. Implementations must be safe for
// concurrent use. Record failures are logged by the task and never fail
// the task itself.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}
