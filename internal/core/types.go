package core

import (
	"time"
)

// Status describes the lifecycle state of a task's most recent execution.
type Status int

const (
	StatusNew Status = iota
	StatusRunning
	StatusFinished
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	return s >= StatusNew && s <= StatusFailed
}

// ProcessState is the persisted execution record of one task, keyed by its identity.
type ProcessState struct {
	TaskID    string
	Status    Status
	LastStart *time.Time
	LastStop  *time.Time
	PID       *int
}

// Transition captures a persisted change of a task's status.
type Transition struct {
	TaskID   string
	TaskName string
	From     Status
	To       Status
	PID      *int
	Reason   string
	At       time.Time
}

// TickReport summarizes one scheduling pass.
type TickReport struct {
	At        time.Time
	Evaluated int
	Due       int
	Spawned   int
	Skipped   int
	Failed    int
}
