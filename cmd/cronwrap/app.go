package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"cronwrap/internal/catalog"
	"cronwrap/internal/config"
	"cronwrap/internal/core"
	"cronwrap/internal/logging"
	"cronwrap/internal/notify"
	"cronwrap/internal/proc"
	"cronwrap/internal/registry"
	"cronwrap/internal/statefile"
	"cronwrap/internal/store"
)

// app holds the collaborators every subcommand shares.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	sink      *logging.Sink
	db        *store.Store
	states    *statefile.Store
	registry  core.Registry
	observers []core.Observer
}

func newApp(ctx context.Context, cfg *config.Config, console io.Writer) (*app, error) {
	sink, err := logging.OpenSink(cfg.Log.File)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		sink:   sink,
		logger: logging.NewWithSink(cfg.Log.Level, console, sink),
	}

	a.states, err = statefile.New(cfg.RuntimeDir, cfg.Location())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.db, err = store.Open(ctx, cfg.StateDir, cfg.HistoryKeep)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.db.Logger = a.logger

	switch cfg.Registry.Kind {
	case config.RegistryFile:
		file := registry.NewFile(cfg.Registry.Path, cfg.Hash)
		a.logger.Debug("using file registry", "path", file.Path())
		a.registry = file
	default:
		a.registry = a.db
	}

	a.observers = append(a.observers, a.db)
	if notifiers := a.notifiers(); len(notifiers) > 0 {
		a.observers = append(a.observers,
			notify.NewCrashObserver(notify.NewMultiNotifier(notifiers...), cfg.Notification.PerMinute, a.logger))
	}
	return a, nil
}

func (a *app) notifiers() []notify.Notifier {
	var out []notify.Notifier
	if a.cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(a.cfg.Notification.Bark.URL)
		if err != nil {
			a.logger.Warn("bark notifications disabled", "err", err)
		} else {
			out = append(out, bark)
		}
	}
	return out
}

func (a *app) tracker(opts ...core.TrackerOption) *core.Tracker {
	all := make([]core.TrackerOption, 0, len(a.observers)+len(opts))
	for _, o := range a.observers {
		all = append(all, core.WithObserver(o))
	}
	all = append(all, opts...)
	return core.NewTracker(a.states, proc.Table{}, a.logger, all...)
}

func (a *app) scheduler(tracker *core.Tracker) (*core.Scheduler, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	wrapper := core.WrapperCommand{Executable: exe, Args: a.cfg.WrapperArgs()}
	return core.NewScheduler(a.registry, tracker, proc.Launcher{}, wrapper, a.logger, a.cfg.Location()), nil
}

func (a *app) catalog(tracker *core.Tracker, sched *core.Scheduler) *catalog.Catalog {
	opts := []catalog.Option{
		catalog.WithHistory(a.db),
		catalog.WithHash(a.cfg.Hash),
	}
	if sched != nil {
		opts = append(opts, catalog.WithScheduler(sched))
	}
	if a.cfg.Registry.Kind == config.RegistrySQLite {
		opts = append(opts, catalog.WithWriter(a.db))
	}
	return catalog.New(a.registry, tracker, a.cfg.Location(), opts...)
}

// Close releases the database and flushes the log file.
func (a *app) Close() error {
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	return errors.Join(errs...)
}
