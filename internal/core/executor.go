package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"
)

// CommandRunner executes a task's command with combined output written to out.
type CommandRunner func(ctx context.Context, task *Task, out io.Writer) error

// Wrapper is the single-task execution entry point. It loads one task's state, runs its
// command and drives RUNNING to FINISHED or FAILED.
type Wrapper struct {
	registry Registry
	tracker  *Tracker
	logger   *slog.Logger
	run      CommandRunner
	stdout   io.Writer
}

// NewWrapper creates a wrapper. The tracker must carry WithExecutionContext.
func NewWrapper(registry Registry, tracker *Tracker, logger *slog.Logger) *Wrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{
		registry: registry,
		tracker:  tracker,
		logger:   logger,
		run:      runCommand,
		stdout:   os.Stdout,
	}
}

// WithRunner replaces the command runner.
func (w *Wrapper) WithRunner(run CommandRunner) *Wrapper {
	w.run = run
	return w
}

// Run executes the task identified by id. output overrides the task's own output
// target; with neither, the command writes to the wrapper's stdout. When requireRecord is
// set, a task that has never been recorded is refused.
//
// Once execution has begun, FinalizeOnExit runs on every exit path, panics included.
func (w *Wrapper) Run(ctx context.Context, id, output string, requireRecord bool) (err error) {
	task, err := w.registry.Lookup(ctx, id)
	if err != nil {
		return fmt.Errorf("lookup task %s: %w", id, err)
	}
	if requireRecord {
		ok, err := w.tracker.HasRecord(id)
		if err != nil {
			return err
		}
		if !ok {
			return &MissingProcessRecordError{TaskID: id}
		}
	}

	state, err := w.tracker.LoadOrInit(ctx, task)
	if err != nil {
		return err
	}
	decision, err := w.tracker.BeginExecution(ctx, task, state)
	if err != nil && errors.Is(err, ErrInvalidExecutionContext) {
		return err
	}
	if err == nil && decision == Skip {
		w.logger.Warn("skipping run because task is already running",
			"task_id", id, "task", task.DisplayName(), "pid", pidAttr(state.PID))
		return nil
	}

	defer func() {
		finalCtx := context.WithoutCancel(ctx)
		if r := recover(); r != nil {
			w.logger.Error("task panicked", "task_id", id, "panic", fmt.Sprint(r))
			if ferr := w.tracker.FinalizeOnExit(finalCtx, task, state); ferr != nil {
				w.logger.Error("finalize task", "task_id", id, "err", ferr)
			}
			panic(r)
		}
		if ferr := w.tracker.FinalizeOnExit(finalCtx, task, state); ferr != nil {
			err = errors.Join(err, fmt.Errorf("finalize: %w", ferr))
		}
	}()
	if err != nil {
		return fmt.Errorf("begin execution: %w", err)
	}

	out, closeOut, err := w.openOutput(task, output)
	if err != nil {
		w.logger.Error("open output", "task_id", id, "err", err)
		return err
	}
	defer closeOut()

	w.logger.Info("task started", "task_id", id, "task", task.DisplayName(), "command", task.Command())
	started := time.Now()
	if err := w.run(ctx, task, out); err != nil {
		attrs := []any{"task_id", id, "task", task.DisplayName(), "duration", time.Since(started), "err", err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			attrs = append(attrs, "exit_code", exitErr.ExitCode())
		}
		w.logger.Error("task command failed", attrs...)
		return fmt.Errorf("run command: %w", err)
	}
	if err := w.tracker.CompleteExecution(ctx, task, state); err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	w.logger.Info("task finished", "task_id", id, "task", task.DisplayName(), "duration", time.Since(started))
	return nil
}

func (w *Wrapper) openOutput(task *Task, output string) (io.Writer, func(), error) {
	if output == "" {
		output = task.Output()
	}
	if output == "" {
		return &syncWriter{w: w.stdout}, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, nil, fmt.Errorf("ensure output dir: %w", err)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open output file: %w", err)
	}
	return &syncWriter{w: f}, func() { _ = f.Close() }, nil
}

func runCommand(ctx context.Context, task *Task, out io.Writer) error {
	cmd := exec.CommandContext(ctx, task.Command(), task.Args()...) // #nosec G204
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Cancel = func() error {
		sendTermination(cmd.Process)
		return nil
	}
	cmd.WaitDelay = 5 * time.Second
	return cmd.Run()
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}
