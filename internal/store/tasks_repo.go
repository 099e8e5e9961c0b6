package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cronwrap/internal/core"
)

// ErrTaskExists is returned when a task with the same identity is already stored.
var ErrTaskExists = errors.New("task already exists")

// errInvalidRow marks a row that was read but no longer forms a valid task.
var errInvalidRow = errors.New("stored task is invalid")

const taskColumns = `id, name, command, action, params, cron, is_unique, output, hash`

// InsertTask stores a task definition keyed by its identity.
func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	params, err := json.Marshal(task.Params())
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	name := ""
	if task.DisplayName() != task.Identity() {
		name = task.DisplayName()
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (id, name, command, action, params, cron, is_unique, output, hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.Identity(), nullableString(name), task.Command(), task.Action(), string(params), task.Schedule(),
		task.IsUnique(), nullableString(task.Output()), task.Hasher(), now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrTaskExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// DeleteTask removes a task definition. Its state file and history are left alone.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrTaskNotFound
	}
	return nil
}

// Lookup returns the task stored under id.
func (s *Store) Lookup(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// Tasks lists every stored task in insertion order. Rows that no longer rebuild into a
// valid task are logged and left out so the remaining tasks still run.
func (s *Store) Tasks(ctx context.Context) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if errors.Is(err, errInvalidRow) {
			s.logger().Warn("skipping stored task", "err", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		id       string
		name     sql.NullString
		command  string
		action   string
		params   string
		cronExpr string
		unique   bool
		output   sql.NullString
		hash     string
	)
	if err := scanner.Scan(&id, &name, &command, &action, &params, &cronExpr, &unique, &output, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	var decoded []core.Param
	if err := json.Unmarshal([]byte(params), &decoded); err != nil {
		return nil, fmt.Errorf("%w: task %s: decode params: %w", errInvalidRow, id, err)
	}
	task, err := core.NewTask(command, action, decoded,
		core.WithName(name.String),
		core.WithCron(cronExpr),
		core.WithUnique(unique),
		core.WithOutput(output.String),
		core.WithHasher(hash),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: task %s: %w", errInvalidRow, id, err)
	}
	if task.Identity() != id {
		return nil, fmt.Errorf("%w: task %s: identity does not match definition (%s)", errInvalidRow, id, task.Identity())
	}
	return task, nil
}

func (s *Store) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}
