package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"cronwrap/internal/catalog"
	"cronwrap/internal/core"
	"cronwrap/internal/registry"
	"cronwrap/internal/statefile"
	"cronwrap/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noProcs struct{}

func (noProcs) Alive(int) bool { return false }

type launches struct{ n int }

func (l *launches) Launch([]string) (int, error) {
	l.n++
	return 999, nil
}

func newTestServer(t *testing.T, token string) (*Server, *launches) {
	t.Helper()
	db, err := store.Open(context.Background(), t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	states, err := statefile.New(t.TempDir(), time.UTC)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := core.NewTracker(states, noProcs{}, logger, core.WithObserver(db))
	l := &launches{}
	sched := core.NewScheduler(db, tracker, l, core.WrapperCommand{Executable: "cronwrap"}, logger, time.UTC)
	cat := catalog.New(db, tracker, time.UTC, catalog.WithWriter(db), catalog.WithHistory(db), catalog.WithScheduler(sched))
	return NewServer("127.0.0.1:0", token, cat, nil, logger), l
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s, l := newTestServer(t, "")
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/v1/tasks", `{"name":"backup","command":"backup","params":[{"name":"target","value":"s3"}],"cron":"0 3 * * *","unique":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "backup", created.Name)
	assert.Equal(t, "new", created.Status)
	assert.NotNil(t, created.NextRun)

	rec = do(t, h, http.MethodPost, "/v1/tasks", `{"command":"backup","params":[{"name":"target","value":"s3"}]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = do(t, h, http.MethodGet, "/v1/tasks/"+created.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/tasks/"+created.ID+"/run", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, l.n)

	rec = do(t, h, http.MethodGet, "/v1/tasks/"+created.ID+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = do(t, h, http.MethodDelete, "/v1/tasks/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodGet, "/v1/tasks/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTaskValidation(t *testing.T) {
	s, _ := newTestServer(t, "")
	h := s.Handler()
	cases := map[string]struct {
		body string
		code string
	}{
		"bad json":      {body: `{`, code: "invalid_json"},
		"unknown field": {body: `{"command":"x","timeout_s":5}`, code: "invalid_json"},
		"bad cron":      {body: `{"command":"x","cron":"70 * * * *"}`, code: "invalid_cron"},
		"bad command":   {body: `{"command":"a b"}`, code: "invalid_input"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/tasks", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.code)
		})
	}
}

func TestCronPreview(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := do(t, s.Handler(), http.MethodPost, "/v1/cron/preview", `{"expr":"0 9 * * 1","now":"2024-05-01T12:00:00Z","count":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res cronPreviewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, []string{"2024-05-06T09:00:00Z", "2024-05-13T09:00:00Z"}, res.NextTimes)

	rec = do(t, s.Handler(), http.MethodPost, "/v1/cron/preview", `{"expr":"*-5 * * * *"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Valid)
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t, "s3cret")
	h := s.Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/tasks", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/tasks?token=s3cret", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
}

func TestReadOnlyRegistry(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/tasks.yaml"
	require.NoError(t, writeFile(path, "tasks:\n  - command: heartbeat\n"))
	states, err := statefile.New(t.TempDir(), time.UTC)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cat := catalog.New(registry.NewFile(path, ""), core.NewTracker(states, noProcs{}, logger), time.UTC)
	h := NewServer("", "", cat, nil, logger).Handler()

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodPost, "/v1/tasks", `{"command":"x"}`).Code)
	rec := do(t, h, http.MethodGet, "/v1/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "heartbeat")
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
