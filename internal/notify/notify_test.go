package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cronwrap/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	err    error
}

func (r *recordingNotifier) Send(_ context.Context, title, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, body)
	return r.err
}

func TestBarkNotifierRequest(t *testing.T) {
	var got *http.Request
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		_ = r.ParseForm()
		form = r.PostForm
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewBarkNotifier(srv.URL + "/devicekey/")
	require.NoError(t, err)
	require.NoError(t, n.Send(context.Background(), "Task failed: backup", "line one\nline two"))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/devicekey", got.URL.Path)
	assert.Equal(t, []string{"Task failed: backup"}, form["title"])
	assert.Equal(t, []string{"line one\nline two"}, form["body"])
	assert.Equal(t, []string{"cronwrap"}, form["group"])
}

func TestBarkNotifierErrors(t *testing.T) {
	_, err := NewBarkNotifier("  ")
	assert.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	n, err := NewBarkNotifier(srv.URL)
	require.NoError(t, err)
	assert.ErrorContains(t, n.Send(context.Background(), "t", "b"), "400")
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	first := &recordingNotifier{err: errors.New("first down")}
	second := &recordingNotifier{}
	third := &recordingNotifier{err: errors.New("third down")}
	err := NewMultiNotifier(first, second, third).Send(context.Background(), "t", "b")
	require.Error(t, err)
	assert.ErrorContains(t, err, "first down")
	assert.ErrorContains(t, err, "third down")
	assert.Len(t, second.titles, 1)

	assert.NoError(t, NewMultiNotifier(&NoOpNotifier{}, second).Send(context.Background(), "t", "b"))
}

func TestCrashObserver(t *testing.T) {
	rec := &recordingNotifier{}
	obs := NewCrashObserver(rec, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	pid := 77
	tr := core.Transition{
		TaskID:   "abcdef0123456789",
		TaskName: "backup",
		From:     core.StatusRunning,
		To:       core.StatusFailed,
		PID:      &pid,
		Reason:   "process not found",
		At:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	ctx := context.Background()

	require.NoError(t, obs.ObserveTransition(ctx, core.Transition{TaskID: tr.TaskID, To: core.StatusFinished}))
	assert.Empty(t, rec.titles)

	for i := 0; i < 4; i++ {
		require.NoError(t, obs.ObserveTransition(ctx, tr))
	}
	require.Len(t, rec.titles, 2)
	assert.Equal(t, "Task failed: backup", rec.titles[0])
	assert.Contains(t, rec.bodies[0], "PID: 77")
	assert.Contains(t, rec.bodies[0], "running -> failed")
	assert.Contains(t, rec.bodies[0], "process not found")
}

func TestCrashObserverPropagatesSendError(t *testing.T) {
	obs := NewCrashObserver(&recordingNotifier{err: errors.New("offline")}, 1, nil)
	err := obs.ObserveTransition(context.Background(), core.Transition{To: core.StatusFailed})
	assert.ErrorContains(t, err, "offline")
}

func TestCrashObserverNilNotifier(t *testing.T) {
	obs := NewCrashObserver(nil, 1, nil)
	assert.NoError(t, obs.ObserveTransition(context.Background(), core.Transition{
		TaskID: "0123456789abcdef", From: core.StatusRunning, To: core.StatusFailed,
	}))
}
