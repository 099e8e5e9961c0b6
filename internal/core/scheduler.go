package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Registry supplies the current task definitions.
type Registry interface {
	Tasks(ctx context.Context) ([]*Task, error)
	Lookup(ctx context.Context, id string) (*Task, error)
}

// Launcher starts a detached process and returns without waiting for it.
type Launcher interface {
	Launch(argv []string) (int, error)
}

// WrapperCommand is the command line prefix that reaches the wrapper entry point,
// typically the current executable plus global flags.
type WrapperCommand struct {
	Executable string
	Args       []string
}

// Argv builds the full wrapper invocation for task.
func (w WrapperCommand) Argv(task *Task) []string {
	argv := make([]string, 0, len(w.Args)+6)
	argv = append(argv, w.Executable)
	argv = append(argv, w.Args...)
	argv = append(argv, "run", "--task", task.Identity())
	if out := task.Output(); out != "" {
		argv = append(argv, "--output", out)
	}
	return argv
}

// Scheduler decides once per tick which tasks run and spawns a wrapper for each.
type Scheduler struct {
	registry Registry
	tracker  *Tracker
	launcher Launcher
	wrapper  WrapperCommand
	logger   *slog.Logger
	location *time.Location

	cron   *cron.Cron
	tickMu sync.Mutex
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(registry Registry, tracker *Tracker, launcher Launcher, wrapper WrapperCommand, logger *slog.Logger, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry: registry,
		tracker:  tracker,
		launcher: launcher,
		wrapper:  wrapper,
		logger:   logger,
		location: location,
	}
}

// Start installs a once-a-minute trigger that runs Tick. ctx bounds each tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithLocation(s.location))
	_, err := s.cron.AddFunc("* * * * *", func() {
		if _, err := s.Tick(ctx, time.Now()); err != nil {
			s.logger.Error("tick", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("install minute trigger: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop stops the trigger; the returned context is done once a running tick returns.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// Location returns the zone schedules are evaluated in.
func (s *Scheduler) Location() *time.Location { return s.location }

// Tick evaluates every registered task against now and spawns the due ones. Tasks are
// handled sequentially; spawning never waits for the task to finish.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now = now.In(s.location)
	report := TickReport{At: now}
	tasks, err := s.registry.Tasks(ctx)
	if err != nil {
		return report, fmt.Errorf("list tasks: %w", err)
	}
	for _, task := range tasks {
		report.Evaluated++
		if !task.CanRun(now) {
			continue
		}
		report.Due++
		switch err := s.dispatch(ctx, task); {
		case errors.Is(err, ErrAlreadyRunning):
			report.Skipped++
		case err != nil:
			report.Failed++
			s.logger.Error("dispatch task", "task_id", task.Identity(), "task", task.DisplayName(), "err", err)
		default:
			report.Spawned++
		}
	}
	s.logger.Debug("tick complete",
		"evaluated", report.Evaluated, "due", report.Due, "spawned", report.Spawned,
		"skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// RunTaskNow spawns the wrapper for one task regardless of its schedule.
func (s *Scheduler) RunTaskNow(ctx context.Context, id string) (*Task, error) {
	task, err := s.registry.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.dispatch(ctx, task); err != nil {
		return task, err
	}
	return task, nil
}

func (s *Scheduler) dispatch(ctx context.Context, task *Task) error {
	state, err := s.tracker.LoadOrInit(ctx, task)
	if err != nil {
		return err
	}
	if task.IsUnique() && state.Status == StatusRunning {
		s.logger.Warn("skipping run because task is already running",
			"task_id", task.Identity(), "task", task.DisplayName(), "pid", pidAttr(state.PID))
		return ErrAlreadyRunning
	}
	return s.SpawnWrapper(task)
}

// SpawnWrapper launches the wrapper entry point for task and returns immediately. The
// child records its own pid when it begins executing.
func (s *Scheduler) SpawnWrapper(task *Task) error {
	argv := s.wrapper.Argv(task)
	pid, err := s.launcher.Launch(argv)
	if err != nil {
		return fmt.Errorf("spawn wrapper: %w", err)
	}
	s.logger.Info("spawned task", "task_id", task.Identity(), "task", task.DisplayName(), "wrapper_pid", pid)
	return nil
}
