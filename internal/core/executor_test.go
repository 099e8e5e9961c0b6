package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"cronwrap/internal/statefile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWrapper(t *testing.T, task *Task, procs ProcessTable, run CommandRunner) (*Wrapper, *statefile.Store, *countingFlusher) {
	t.Helper()
	store := newStateStore(t)
	flusher := &countingFlusher{}
	tr := execTracker(store, procs, WithExecutionContext(flusher))
	w := NewWrapper(&memRegistry{tasks: []*Task{task}}, tr, discardLogger()).WithRunner(run)
	w.stdout = io.Discard
	return w, store, flusher
}

func TestWrapperRunSuccess(t *testing.T) {
	task := newTestTask(t)
	var ran bool
	w, store, flusher := newTestWrapper(t, task, newFakeProcs(), func(_ context.Context, got *Task, out io.Writer) error {
		ran = true
		assert.Equal(t, task.Identity(), got.Identity())
		_, err := out.Write([]byte("hello\n"))
		return err
	})

	require.NoError(t, w.Run(context.Background(), task.Identity(), "", false))
	assert.True(t, ran)
	assert.Equal(t, 1, flusher.n)

	rec, ok, err := store.Load(task.Identity())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int(StatusFinished), rec.Status)
	assert.Zero(t, rec.PID)
	assert.False(t, rec.LastStop.IsZero())
}

func TestWrapperRunCommandFailure(t *testing.T) {
	task := newTestTask(t)
	w, store, flusher := newTestWrapper(t, task, newFakeProcs(), func(context.Context, *Task, io.Writer) error {
		return errors.New("exit status 3")
	})

	err := w.Run(context.Background(), task.Identity(), "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run command")
	assert.Equal(t, 1, flusher.n)

	rec, _, err := store.Load(task.Identity())
	require.NoError(t, err)
	assert.Equal(t, int(StatusFailed), rec.Status)
	assert.Zero(t, rec.PID)
}

func TestWrapperRunPanicStillFinalizes(t *testing.T) {
	task := newTestTask(t)
	w, store, flusher := newTestWrapper(t, task, newFakeProcs(), func(context.Context, *Task, io.Writer) error {
		panic("kaboom")
	})

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = w.Run(context.Background(), task.Identity(), "", false)
	})
	assert.Equal(t, 1, flusher.n)

	rec, _, err := store.Load(task.Identity())
	require.NoError(t, err)
	assert.Equal(t, int(StatusFailed), rec.Status)
	assert.Zero(t, rec.PID)
	assert.False(t, rec.LastStop.IsZero())
}

func TestWrapperRunSkipsLiveUniqueTask(t *testing.T) {
	task := newTestTask(t, Unique())
	w, store, flusher := newTestWrapper(t, task, newFakeProcs(777), func(context.Context, *Task, io.Writer) error {
		t.Fatal("command must not run")
		return nil
	})
	require.NoError(t, store.Save(task.Identity(), statefile.Record{Status: int(StatusRunning), PID: 777}))
	before, err := os.ReadFile(store.Path(task.Identity()))
	require.NoError(t, err)

	require.NoError(t, w.Run(context.Background(), task.Identity(), "", false))
	assert.Zero(t, flusher.n)

	after, err := os.ReadFile(store.Path(task.Identity()))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestWrapperRunRequiresRecord(t *testing.T) {
	task := newTestTask(t)
	w, _, _ := newTestWrapper(t, task, newFakeProcs(), func(context.Context, *Task, io.Writer) error { return nil })

	err := w.Run(context.Background(), task.Identity(), "", true)
	var missing *MissingProcessRecordError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, task.Identity(), missing.TaskID)
	assert.ErrorIs(t, err, ErrMissingProcessRecord)
}

func TestWrapperRunUnknownTask(t *testing.T) {
	task := newTestTask(t)
	w, _, _ := newTestWrapper(t, task, newFakeProcs(), func(context.Context, *Task, io.Writer) error { return nil })
	assert.ErrorIs(t, w.Run(context.Background(), "0123456789abcdef", "", false), ErrTaskNotFound)
}

func TestWrapperRunWithoutExecutionContext(t *testing.T) {
	task := newTestTask(t)
	store := newStateStore(t)
	w := NewWrapper(&memRegistry{tasks: []*Task{task}}, NewTracker(store, newFakeProcs(), discardLogger()), discardLogger()).
		WithRunner(func(context.Context, *Task, io.Writer) error {
			t.Fatal("command must not run")
			return nil
		})

	err := w.Run(context.Background(), task.Identity(), "", false)
	assert.ErrorIs(t, err, ErrInvalidExecutionContext)
	_, statErr := os.Stat(store.Path(task.Identity()))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWrapperRunAppendsToOutputFile(t *testing.T) {
	task := newTestTask(t)
	out := filepath.Join(t.TempDir(), "logs", "task.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(out), 0o755))
	require.NoError(t, os.WriteFile(out, []byte("previous\n"), 0o644))

	w, _, _ := newTestWrapper(t, task, newFakeProcs(), func(_ context.Context, _ *Task, o io.Writer) error {
		_, err := o.Write([]byte("current\n"))
		return err
	})
	require.NoError(t, w.Run(context.Background(), task.Identity(), out, false))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "previous\ncurrent\n", string(data))
}

func TestRunCommandCapturesOutput(t *testing.T) {
	if _, err := os.Stat("/bin/echo"); err != nil {
		t.Skip("no /bin/echo")
	}
	task, err := NewTask("/bin/echo", "hello", []Param{{Name: "who", Value: "world"}})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, runCommand(context.Background(), task, &buf))
	assert.Equal(t, "hello --who=world\n", buf.String())
}
