package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"cronwrap/internal/core"

	"golang.org/x/time/rate"
)

// CrashObserver turns transitions into FAILED into notifications. Sends beyond the
// limiter's budget are dropped and logged.
type CrashObserver struct {
	notifier Notifier
	limiter  *rate.Limiter
	logger   *slog.Logger
	host     string
}

// NewCrashObserver allows perMinute notifications per minute with the same burst. A nil
// notifier drops everything.
func NewCrashObserver(n Notifier, perMinute int, logger *slog.Logger) *CrashObserver {
	if perMinute <= 0 {
		perMinute = 6
	}
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = &NoOpNotifier{}
	}
	host, _ := os.Hostname()
	return &CrashObserver{
		notifier: n,
		limiter:  rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute),
		logger:   logger,
		host:     host,
	}
}

func (c *CrashObserver) ObserveTransition(ctx context.Context, tr core.Transition) error {
	if tr.To != core.StatusFailed {
		return nil
	}
	if !c.limiter.Allow() {
		c.logger.Warn("crash notification dropped by rate limit", "task_id", tr.TaskID)
		return nil
	}
	title := fmt.Sprintf("Task failed: %s", tr.TaskName)
	if err := c.notifier.Send(ctx, title, c.body(tr)); err != nil {
		return fmt.Errorf("send crash notification: %w", err)
	}
	return nil
}

func (c *CrashObserver) body(tr core.Transition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", tr.TaskID)
	fmt.Fprintf(&b, "Status: %s -> %s\n", tr.From, tr.To)
	if tr.PID != nil {
		fmt.Fprintf(&b, "PID: %d\n", *tr.PID)
	}
	if tr.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", tr.Reason)
	}
	if c.host != "" {
		fmt.Fprintf(&b, "Host: %s\n", c.host)
	}
	fmt.Fprintf(&b, "At: %s", tr.At.Format("2006-01-02 15:04:05 MST"))
	return b.String()
}
