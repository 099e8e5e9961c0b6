package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"cronwrap/internal/statefile"
)

// StateStore persists one record per task identity.
type StateStore interface {
	Load(id string) (statefile.Record, bool, error)
	Save(id string, rec statefile.Record) error
}

// ProcessTable answers liveness queries for a pid.
type ProcessTable interface {
	Alive(pid int) bool
}

// Flusher drains buffered log output.
type Flusher interface {
	Flush() error
}

// Observer is told about every persisted status change.
type Observer interface {
	ObserveTransition(ctx context.Context, tr Transition) error
}

// Decision is the outcome of BeginExecution.
type Decision int

const (
	Proceed Decision = iota
	Skip
)

func (d Decision) String() string {
	if d == Skip {
		return "skip"
	}
	return "proceed"
}

// Tracker owns the ProcessState transitions of tasks.
//
// Coordination with other processes happens only through the state store and the OS
// process table. Two ticks may both read a non-running record before either writes;
// that race is accepted for a single periodic trigger.
type Tracker struct {
	store     StateStore
	procs     ProcessTable
	logger    *slog.Logger
	now       func() time.Time
	pid       int
	observers []Observer

	inExecution bool
	flusher     Flusher

	mu    sync.Mutex
	cache map[string]*ProcessState
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithPID overrides the pid recorded by BeginExecution.
func WithPID(pid int) TrackerOption {
	return func(t *Tracker) { t.pid = pid }
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) TrackerOption {
	return func(t *Tracker) {
		if o != nil {
			t.observers = append(t.observers, o)
		}
	}
}

// WithExecutionContext marks the tracker as living inside the wrapper entry point,
// which enables BeginExecution, CompleteExecution and FinalizeOnExit. flusher may be nil
// when the log sink is unbuffered.
func WithExecutionContext(flusher Flusher) TrackerOption {
	return func(t *Tracker) {
		t.inExecution = true
		t.flusher = flusher
	}
}

// NewTracker creates a tracker over the given store and process table.
func NewTracker(store StateStore, procs ProcessTable, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:  store,
		procs:  procs,
		logger: logger,
		now:    time.Now,
		pid:    os.Getpid(),
		cache:  make(map[string]*ProcessState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the task's ProcessState, loading it on first access.
func (t *Tracker) State(ctx context.Context, task *Task) (*ProcessState, error) {
	t.mu.Lock()
	state, ok := t.cache[task.Identity()]
	t.mu.Unlock()
	if ok {
		return state, nil
	}
	return t.LoadOrInit(ctx, task)
}

// HasRecord reports whether a record has been persisted for id.
func (t *Tracker) HasRecord(id string) (bool, error) {
	_, ok, err := t.store.Load(id)
	if err != nil {
		return false, fmt.Errorf("load state: %w", err)
	}
	return ok, nil
}

// LoadOrInit reads the task's record. A missing record yields a NEW state that is not
// persisted. A RUNNING record whose pid is gone from the process table is a crash of a
// previous run: it becomes FAILED, the pid is cleared and the record is saved.
func (t *Tracker) LoadOrInit(ctx context.Context, task *Task) (*ProcessState, error) {
	id := task.Identity()
	rec, ok, err := t.store.Load(id)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	state := &ProcessState{TaskID: id, Status: StatusNew}
	if ok {
		if state, err = fromRecord(id, rec); err != nil {
			return nil, err
		}
	}

	if state.Status == StatusRunning {
		if t.procs == nil {
			return nil, &InvalidExecutionContextError{Op: "liveness check"}
		}
		if state.PID == nil || !t.procs.Alive(*state.PID) {
			lost := state.PID
			state.Status = StatusFailed
			state.PID = nil
			if err := t.save(state); err != nil {
				return nil, err
			}
			t.logger.Error("crash detected from previous run",
				"task_id", id, "task", task.DisplayName(), "pid", pidAttr(lost))
			t.observe(ctx, task, StatusRunning, StatusFailed, lost, "process not found")
		}
	}

	t.remember(state)
	return state, nil
}

// BeginExecution marks the task RUNNING under this process. A unique task that is
// already RUNNING is skipped and its state is left untouched.
func (t *Tracker) BeginExecution(ctx context.Context, task *Task, state *ProcessState) (Decision, error) {
	if err := t.requireExecution("begin execution"); err != nil {
		return Skip, err
	}
	if task.IsUnique() && state.Status == StatusRunning {
		return Skip, nil
	}
	from := state.Status
	now := t.now()
	pid := t.pid
	state.Status = StatusRunning
	state.PID = &pid
	state.LastStart = &now
	if err := t.save(state); err != nil {
		return Proceed, err
	}
	t.observe(ctx, task, from, StatusRunning, state.PID, "started")
	return Proceed, nil
}

// CompleteExecution records a clean finish.
func (t *Tracker) CompleteExecution(ctx context.Context, task *Task, state *ProcessState) error {
	if err := t.requireExecution("complete execution"); err != nil {
		return err
	}
	from := state.Status
	state.Status = StatusFinished
	if err := t.save(state); err != nil {
		return err
	}
	t.observe(ctx, task, from, StatusFinished, state.PID, "completed")
	return nil
}

// FinalizeOnExit runs on every exit path of the wrapper. It clears the pid and stamps
// lastStop; a state still RUNNING means CompleteExecution never ran and becomes FAILED.
// Buffered log output is flushed before returning.
func (t *Tracker) FinalizeOnExit(ctx context.Context, task *Task, state *ProcessState) error {
	if err := t.requireExecution("finalize"); err != nil {
		return err
	}
	now := t.now()
	pid := state.PID
	crashed := state.Status == StatusRunning
	state.PID = nil
	state.LastStop = &now
	if crashed {
		state.Status = StatusFailed
	}

	err := t.save(state)
	if crashed {
		t.logger.Error("task exited without completing",
			"task_id", state.TaskID, "task", task.DisplayName(), "pid", pidAttr(pid))
		t.observe(ctx, task, StatusRunning, StatusFailed, pid, "exited while running")
	}
	if err != nil {
		t.logger.Error("persist final state", "task_id", state.TaskID, "err", err)
	}
	if t.flusher != nil {
		if ferr := t.flusher.Flush(); ferr != nil {
			err = errors.Join(err, fmt.Errorf("flush log: %w", ferr))
		}
	}
	return err
}

func (t *Tracker) requireExecution(op string) error {
	if !t.inExecution {
		return &InvalidExecutionContextError{Op: op}
	}
	return nil
}

func (t *Tracker) save(state *ProcessState) error {
	if err := t.store.Save(state.TaskID, toRecord(state)); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	t.remember(state)
	return nil
}

func (t *Tracker) remember(state *ProcessState) {
	t.mu.Lock()
	t.cache[state.TaskID] = state
	t.mu.Unlock()
}

func (t *Tracker) observe(ctx context.Context, task *Task, from, to Status, pid *int, reason string) {
	if len(t.observers) == 0 {
		return
	}
	tr := Transition{
		TaskID:   task.Identity(),
		TaskName: task.DisplayName(),
		From:     from,
		To:       to,
		PID:      pid,
		Reason:   reason,
		At:       t.now(),
	}
	for _, o := range t.observers {
		if err := o.ObserveTransition(ctx, tr); err != nil {
			t.logger.Warn("transition observer", "task_id", tr.TaskID, "to", to.String(), "err", err)
		}
	}
}

func fromRecord(id string, rec statefile.Record) (*ProcessState, error) {
	status := Status(rec.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("state %s: unknown status %d", id, rec.Status)
	}
	state := &ProcessState{TaskID: id, Status: status}
	if !rec.LastStart.IsZero() {
		v := rec.LastStart
		state.LastStart = &v
	}
	if !rec.LastStop.IsZero() {
		v := rec.LastStop
		state.LastStop = &v
	}
	if rec.PID > 0 {
		v := rec.PID
		state.PID = &v
	}
	return state, nil
}

func toRecord(state *ProcessState) statefile.Record {
	rec := statefile.Record{Status: int(state.Status)}
	if state.LastStart != nil {
		rec.LastStart = *state.LastStart
	}
	if state.LastStop != nil {
		rec.LastStop = *state.LastStop
	}
	if state.PID != nil {
		rec.PID = *state.PID
	}
	return rec
}

func pidAttr(pid *int) any {
	if pid == nil {
		return nil
	}
	return *pid
}
