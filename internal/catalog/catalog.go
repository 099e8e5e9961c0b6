// Package catalog joins task definitions with their tracked state for the read and
// control surfaces (CLI listing, HTTP API, MCP tools).
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cronwrap/internal/core"
	"cronwrap/internal/schedule"
)

// ErrReadOnly is returned by Create and Delete when the registry cannot be written.
var ErrReadOnly = errors.New("task registry is read-only")

// Writer persists task definitions.
type Writer interface {
	InsertTask(ctx context.Context, task *core.Task) error
	DeleteTask(ctx context.Context, id string) error
}

// History lists recorded transitions, newest first.
type History interface {
	ListTransitions(ctx context.Context, taskID string, limit, offset int) ([]core.Transition, error)
}

// TaskInfo is a task definition plus its current ProcessState.
type TaskInfo struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Command   string       `json:"command"`
	Action    string       `json:"action,omitempty"`
	Params    []core.Param `json:"params,omitempty"`
	Cron      string       `json:"cron"`
	Unique    bool         `json:"unique"`
	Output    string       `json:"output,omitempty"`
	Status    string       `json:"status"`
	PID       *int         `json:"pid,omitempty"`
	LastStart *time.Time   `json:"last_start,omitempty"`
	LastStop  *time.Time   `json:"last_stop,omitempty"`
	NextRun   *time.Time   `json:"next_run,omitempty"`
}

// TaskInput describes a task to create.
type TaskInput struct {
	Name    string       `json:"name"`
	Command string       `json:"command"`
	Action  string       `json:"action"`
	Params  []core.Param `json:"params"`
	Cron    string       `json:"cron"`
	Unique  bool         `json:"unique"`
	Output  string       `json:"output"`
}

// Catalog serves task listings and control operations.
type Catalog struct {
	registry  core.Registry
	writer    Writer
	history   History
	tracker   *core.Tracker
	scheduler *core.Scheduler
	location  *time.Location
	hash      string
	now       func() time.Time
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithWriter enables Create and Delete.
func WithWriter(w Writer) Option { return func(c *Catalog) { c.writer = w } }

// WithHistory enables History.
func WithHistory(h History) Option { return func(c *Catalog) { c.history = h } }

// WithScheduler enables RunNow.
func WithScheduler(s *core.Scheduler) Option { return func(c *Catalog) { c.scheduler = s } }

// WithHash selects the identity digest for created tasks.
func WithHash(name string) Option { return func(c *Catalog) { c.hash = name } }

// WithNow overrides the clock used for next-run previews.
func WithNow(now func() time.Time) Option { return func(c *Catalog) { c.now = now } }

// New builds a catalog over registry and tracker.
func New(registry core.Registry, tracker *core.Tracker, location *time.Location, opts ...Option) *Catalog {
	if location == nil {
		location = time.Local
	}
	c := &Catalog{
		registry: registry,
		tracker:  tracker,
		location: location,
		hash:     core.DefaultHash,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Location returns the zone used for schedule evaluation.
func (c *Catalog) Location() *time.Location { return c.location }

// Writable reports whether Create and Delete are available.
func (c *Catalog) Writable() bool { return c.writer != nil }

// List returns every task with its state. Loading state also settles crashed runs.
func (c *Catalog) List(ctx context.Context) ([]TaskInfo, error) {
	tasks, err := c.registry.Tasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		info, err := c.describe(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Get returns one task with its state.
func (c *Catalog) Get(ctx context.Context, id string) (TaskInfo, error) {
	task, err := c.registry.Lookup(ctx, id)
	if err != nil {
		return TaskInfo{}, err
	}
	return c.describe(ctx, task)
}

// Create validates in and stores the resulting task.
func (c *Catalog) Create(ctx context.Context, in TaskInput) (TaskInfo, error) {
	if c.writer == nil {
		return TaskInfo{}, ErrReadOnly
	}
	opts := []core.TaskOption{
		core.WithName(in.Name),
		core.WithUnique(in.Unique),
		core.WithOutput(in.Output),
		core.WithHasher(c.hash),
	}
	if strings.TrimSpace(in.Cron) != "" {
		opts = append(opts, core.WithCron(in.Cron))
	}
	task, err := core.NewTask(in.Command, in.Action, in.Params, opts...)
	if err != nil {
		return TaskInfo{}, err
	}
	if err := c.writer.InsertTask(ctx, task); err != nil {
		return TaskInfo{}, err
	}
	return c.describe(ctx, task)
}

// Delete removes a task definition.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if c.writer == nil {
		return ErrReadOnly
	}
	return c.writer.DeleteTask(ctx, id)
}

// RunNow spawns the wrapper for id outside its schedule.
func (c *Catalog) RunNow(ctx context.Context, id string) (TaskInfo, error) {
	if c.scheduler == nil {
		return TaskInfo{}, errors.New("run now is not available")
	}
	task, err := c.scheduler.RunTaskNow(ctx, id)
	if err != nil {
		return TaskInfo{}, err
	}
	return c.describe(ctx, task)
}

// History returns the recorded transitions of id, newest first. An empty slice is
// returned when no history store is configured.
func (c *Catalog) History(ctx context.Context, id string, limit, offset int) ([]core.Transition, error) {
	if _, err := c.registry.Lookup(ctx, id); err != nil {
		return nil, err
	}
	if c.history == nil {
		return []core.Transition{}, nil
	}
	return c.history.ListTransitions(ctx, id, limit, offset)
}

// Preview parses expr and returns its next n run times after base, in the catalog's zone.
func (c *Catalog) Preview(expr string, base time.Time, n int) ([]time.Time, error) {
	spec, err := schedule.Parse(expr)
	if err != nil {
		return nil, err
	}
	if base.IsZero() {
		base = c.now()
	}
	return schedule.NextOccurrences(spec, base.In(c.location), n), nil
}

func (c *Catalog) describe(ctx context.Context, task *core.Task) (TaskInfo, error) {
	state, err := c.tracker.LoadOrInit(ctx, task)
	if err != nil {
		return TaskInfo{}, fmt.Errorf("load state of %s: %w", task.Identity(), err)
	}
	info := TaskInfo{
		ID:        task.Identity(),
		Name:      task.DisplayName(),
		Command:   task.Command(),
		Action:    task.Action(),
		Params:    task.Params(),
		Cron:      task.Schedule(),
		Unique:    task.IsUnique(),
		Output:    task.Output(),
		Status:    state.Status.String(),
		PID:       state.PID,
		LastStart: state.LastStart,
		LastStop:  state.LastStop,
	}
	if next := task.Spec().Next(c.now().In(c.location), 1); len(next) > 0 {
		info.NextRun = &next[0]
	}
	return info, nil
}
