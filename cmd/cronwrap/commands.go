package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"cronwrap/internal/api"
	"cronwrap/internal/config"
	"cronwrap/internal/core"
	cronmcp "cronwrap/internal/mcp"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// cmdTick runs one scheduling pass. It is what a system crontab calls every minute.
func cmdTick(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("tick", stderr)
	at := fs.String("at", "", "evaluate as of this RFC3339 time instead of now")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	now := time.Now()
	if *at != "" {
		parsed, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			fmt.Fprintf(stderr, "cronwrap tick: invalid --at: %v\n", err)
			return 2
		}
		now = parsed
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "cronwrap: %v\n", err)
		return 1
	}
	defer a.Close()

	sched, err := a.scheduler(a.tracker())
	if err != nil {
		a.logger.Error("build scheduler", "err", err)
		return 1
	}
	report, err := sched.Tick(ctx, now)
	if err != nil {
		a.logger.Error("tick", "err", err)
		return 1
	}
	a.logger.Info("tick",
		"at", report.At.Format(time.RFC3339), "evaluated", report.Evaluated, "due", report.Due,
		"spawned", report.Spawned, "skipped", report.Skipped, "failed", report.Failed)
	if report.Failed > 0 {
		return 1
	}
	return 0
}

// cmdRun executes a single task inside this process.
func cmdRun(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("run", stderr)
	taskID := fs.String("task", "", "identity of the task to execute")
	output := fs.String("output", "", "append command output to this file")
	requireRecord := fs.Bool("require-record", false, "refuse tasks that have no state file yet")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *taskID == "" {
		fmt.Fprintln(stderr, "cronwrap run: --task is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Command output owns stdout; our own logs go to stderr and the log file.
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "cronwrap: %v\n", err)
		return 1
	}
	defer a.Close()

	tracker := a.tracker(core.WithExecutionContext(a.sink))
	wrapper := core.NewWrapper(a.registry, tracker, a.logger)
	if err := wrapper.Run(ctx, *taskID, *output, *requireRecord); err != nil {
		a.logger.Error("run task", "task_id", *taskID, "err", err)
		return 1
	}
	return 0
}

// cmdList prints every task with its recorded state.
func cmdList(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list", stderr)
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "cronwrap: %v\n", err)
		return 1
	}
	defer a.Close()

	tasks, err := a.catalog(a.tracker(), nil).List(ctx)
	if err != nil {
		a.logger.Error("list tasks", "err", err)
		return 1
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(tasks); err != nil {
			a.logger.Error("encode tasks", "err", err)
			return 1
		}
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCRON\tUNIQUE\tSTATUS\tPID\tLAST START\tNEXT RUN")
	for _, t := range tasks {
		pid := "-"
		if t.PID != nil {
			pid = fmt.Sprint(*t.PID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
			shortID(t.ID), t.Name, t.Cron, t.Unique, t.Status, pid, stamp(t.LastStart), stamp(t.NextRun))
	}
	if err := tw.Flush(); err != nil {
		return 1
	}
	return 0
}

// cmdServe runs the minute trigger in-process together with the HTTP API.
func cmdServe(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("serve", stderr)
	withMCP := fs.Bool("mcp", true, "mount the MCP endpoint at /mcp")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "cronwrap: %v\n", err)
		return 1
	}
	defer a.Close()

	tracker := a.tracker()
	sched, err := a.scheduler(tracker)
	if err != nil {
		a.logger.Error("build scheduler", "err", err)
		return 1
	}
	cat := a.catalog(tracker, sched)

	var mcpHandler http.Handler
	if *withMCP {
		mcpHandler = cronmcp.NewMCPServer(cat, a.logger).Handler()
	}
	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, cat, mcpHandler, a.logger)

	if err := sched.Start(ctx); err != nil {
		a.logger.Error("start scheduler", "err", err)
		return 1
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	a.logger.Info("serving", "addr", cfg.Server.Addr, "registry", cfg.Registry.Kind, "mcp", *withMCP)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	code := 0
	select {
	case sig := <-sigs:
		a.logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		a.logger.Error("server error", "err", err)
		code = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown", "err", err)
	}

	stopCtx := sched.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(cfg.ShutdownGrace):
		a.logger.Warn("scheduler stop timed out")
	}
	a.logger.Info("shutdown complete")
	return code
}

// cmdMCP serves the MCP tools over stdio. Logs go to stderr so stdout stays a clean
// protocol stream.
func cmdMCP(cfg *config.Config, args []string, stderr io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintf(stderr, "cronwrap mcp: unexpected arguments %v\n", args)
		return 2
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "cronwrap: %v\n", err)
		return 1
	}
	defer a.Close()

	tracker := a.tracker()
	sched, err := a.scheduler(tracker)
	if err != nil {
		a.logger.Error("build scheduler", "err", err)
		return 1
	}
	if err := cronmcp.NewMCPServer(a.catalog(tracker, sched), a.logger).Run(); err != nil {
		a.logger.Error("mcp server error", "err", err)
		return 1
	}
	return 0
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func stamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}
