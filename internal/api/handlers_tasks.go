package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"cronwrap/internal/catalog"
	"cronwrap/internal/core"
	"cronwrap/internal/schedule"
	"cronwrap/internal/store"

	"github.com/go-chi/chi/v5"
)

type taskResponse struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Command   string       `json:"command"`
	Action    string       `json:"action,omitempty"`
	Params    []core.Param `json:"params,omitempty"`
	Cron      string       `json:"cron"`
	Unique    bool         `json:"unique"`
	Output    string       `json:"output,omitempty"`
	Status    string       `json:"status"`
	PID       *int         `json:"pid,omitempty"`
	LastStart *string      `json:"last_start,omitempty"`
	LastStop  *string      `json:"last_stop,omitempty"`
	NextRun   *string      `json:"next_run,omitempty"`
}

type transitionResponse struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	PID    *int    `json:"pid,omitempty"`
	Reason string  `json:"reason,omitempty"`
	At     string  `json:"at"`
	Name   *string `json:"task_name,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if !s.catalog.Writable() {
		writeError(w, http.StatusMethodNotAllowed, "read_only", "task registry is file-backed; edit the file instead")
		return
	}
	var req catalog.TaskInput
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	info, err := s.catalog.Create(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, schedule.ErrInvalidSchedule):
			writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
		case errors.Is(err, core.ErrInvalidTaskDefinition):
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		case errors.Is(err, store.ErrTaskExists):
			writeError(w, http.StatusConflict, "conflict", "a task with the same command, action and params exists")
		default:
			s.logger.Error("insert task", "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert task")
		}
		return
	}
	s.logger.Info("task created", "task_id", info.ID, "cron", info.Cron)
	writeJSON(w, http.StatusCreated, taskToResponse(info))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.catalog.List(r.Context())
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	info, err := s.catalog.Get(r.Context(), taskID)
	if err != nil {
		s.writeLookupError(w, taskID, "load task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(info))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.catalog.Delete(r.Context(), taskID); err != nil {
		if errors.Is(err, catalog.ErrReadOnly) {
			writeError(w, http.StatusMethodNotAllowed, "read_only", "task registry is file-backed; edit the file instead")
			return
		}
		s.writeLookupError(w, taskID, "delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	info, err := s.catalog.RunNow(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "conflict", "task is already running")
			return
		}
		s.writeLookupError(w, taskID, "start task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskToResponse(info))
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	if limit > 200 {
		limit = 200
	}
	history, err := s.catalog.History(r.Context(), taskID, limit, offset)
	if err != nil {
		s.writeLookupError(w, taskID, "list history", err)
		return
	}
	res := make([]transitionResponse, 0, len(history))
	for _, tr := range history {
		res = append(res, transitionToResponse(tr, s.catalog.Location()))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeLookupError(w http.ResponseWriter, taskID, op string, err error) {
	if errors.Is(err, core.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	s.logger.Error(op, "task_id", taskID, "err", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
}

func taskToResponse(info catalog.TaskInfo) taskResponse {
	return taskResponse{
		ID:        info.ID,
		Name:      info.Name,
		Command:   info.Command,
		Action:    info.Action,
		Params:    info.Params,
		Cron:      info.Cron,
		Unique:    info.Unique,
		Output:    info.Output,
		Status:    info.Status,
		PID:       info.PID,
		LastStart: formatTimePtr(info.LastStart),
		LastStop:  formatTimePtr(info.LastStop),
		NextRun:   formatTimePtr(info.NextRun),
	}
}

func transitionToResponse(tr core.Transition, loc *time.Location) transitionResponse {
	res := transitionResponse{
		From:   tr.From.String(),
		To:     tr.To.String(),
		PID:    tr.PID,
		Reason: tr.Reason,
		At:     tr.At.In(loc).Format(time.RFC3339),
	}
	if tr.TaskName != "" {
		name := tr.TaskName
		res.Name = &name
	}
	return res
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(time.RFC3339)
	return &v
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	v, err := strconv.Atoi(value)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
