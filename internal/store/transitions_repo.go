package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cronwrap/internal/core"
)

// ObserveTransition appends tr to the history and prunes entries beyond HistoryKeep for
// the same task.
func (s *Store) ObserveTransition(ctx context.Context, tr core.Transition) error {
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO transitions (task_id, task_name, from_status, to_status, pid, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, tr.TaskID, nullableString(tr.TaskName), int(tr.From), int(tr.To), nullableInt(tr.PID), tr.Reason,
		at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return s.pruneTransitions(ctx, tr.TaskID)
}

// ListTransitions returns the most recent transitions of a task, newest first.
func (s *Store) ListTransitions(ctx context.Context, taskID string, limit, offset int) ([]core.Transition, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT task_id, task_name, from_status, to_status, pid, reason, at
		FROM transitions
		WHERE task_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()
	var out []core.Transition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) pruneTransitions(ctx context.Context, taskID string) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM transitions
		WHERE task_id = ? AND id NOT IN (
			SELECT id FROM transitions WHERE task_id = ? ORDER BY id DESC LIMIT ?
		)
	`, taskID, taskID, s.HistoryKeep)
	if err != nil {
		return fmt.Errorf("prune transitions: %w", err)
	}
	return nil
}

func scanTransition(scanner interface {
	Scan(dest ...any) error
}) (core.Transition, error) {
	var (
		taskID   string
		taskName sql.NullString
		from     int
		to       int
		pid      sql.NullInt64
		reason   string
		at       string
	)
	if err := scanner.Scan(&taskID, &taskName, &from, &to, &pid, &reason, &at); err != nil {
		return core.Transition{}, fmt.Errorf("scan transition: %w", err)
	}
	tr := core.Transition{
		TaskID:   taskID,
		TaskName: taskName.String,
		From:     core.Status(from),
		To:       core.Status(to),
		Reason:   reason,
	}
	if pid.Valid {
		val := int(pid.Int64)
		tr.PID = &val
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return core.Transition{}, fmt.Errorf("invalid stored time %q: %w", at, err)
	}
	tr.At = t
	return tr, nil
}
