// Package logging builds the slog loggers used by every subcommand.
package logging

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// NewWithSink logs text to console and, when sink is non-nil, JSON lines to sink.
func NewWithSink(level string, console io.Writer, sink *Sink) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	handlers := make([]slog.Handler, 0, 2)
	if console != nil {
		handlers = append(handlers, slog.NewTextHandler(console, opts))
	}
	if sink != nil {
		handlers = append(handlers, slog.NewJSONHandler(sink, opts))
	}
	if len(handlers) == 0 {
		return slog.New(slog.NewTextHandler(io.Discard, opts))
	}
	return slog.New(Fanout(handlers...))
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Sink is a buffered, append-only log file. Records reach the file on Flush, when the
// buffer fills, or on Close.
type Sink struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

// OpenSink opens path for appending, creating parent directories as needed.
func OpenSink(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &Sink{file: f, buf: bufio.NewWriterSize(f, 32*1024)}, nil
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, os.ErrClosed
	}
	return s.buf.Write(p)
}

// Flush writes buffered records to the file.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.buf.Flush()
}

// Close flushes and closes the file. It is safe to call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := errors.Join(s.buf.Flush(), s.file.Close())
	s.file = nil
	return err
}

type fanout struct{ hs []slog.Handler }

// Fanout sends every record to all handlers.
func Fanout(h ...slog.Handler) slog.Handler { return &fanout{hs: h} }

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.hs {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.hs {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(f.hs))
	for i, h := range f.hs {
		hs[i] = h.WithAttrs(attrs)
	}
	return &fanout{hs: hs}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(f.hs))
	for i, h := range f.hs {
		hs[i] = h.WithGroup(name)
	}
	return &fanout{hs: hs}
}
