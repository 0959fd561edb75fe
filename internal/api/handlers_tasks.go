package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"cronkeeper/internal/core"
)

const defaultTimeoutSeconds = 300

type createTaskRequest struct {
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	Cron           string          `json:"cron"`
	Enabled        *bool           `json:"enabled"`
	Config         json.RawMessage `json:"config"`
	TimeoutSeconds *int            `json:"timeout_seconds"`
	RetryOnFailure bool            `json:"retry_on_failure"`
}

type updateTaskRequest struct {
	Name           *string          `json:"name"`
	Type           *string          `json:"type"`
	Cron           *string          `json:"cron"`
	Enabled        *bool            `json:"enabled"`
	Config         *json.RawMessage `json:"config"`
	TimeoutSeconds *int             `json:"timeout_seconds"`
	RetryOnFailure *bool            `json:"retry_on_failure"`
}

type taskResponse struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	Cron           string          `json:"cron"`
	Enabled        bool            `json:"enabled"`
	Config         json.RawMessage `json:"config,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	RetryOnFailure bool            `json:"retry_on_failure"`
	Running        bool            `json:"running"`
	LastRun        *string         `json:"last_run,omitempty"`
	LastStatus     string          `json:"last_status,omitempty"`
	NextRun        *string         `json:"next_run,omitempty"`
	RunCount       int64           `json:"run_count"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	in := core.TaskInput{
		Name:           strings.TrimSpace(req.Name),
		TaskType:       strings.TrimSpace(req.Type),
		CronExpression: strings.TrimSpace(req.Cron),
		Enabled:        true,
		Config:         normalizeConfig(req.Config),
		TimeoutSeconds: defaultTimeoutSeconds,
		RetryOnFailure: req.RetryOnFailure,
	}
	if req.Enabled != nil {
		in.Enabled = *req.Enabled
	}
	if req.TimeoutSeconds != nil {
		in.TimeoutSeconds = *req.TimeoutSeconds
	}

	task, err := s.engine.CreateTask(r.Context(), in)
	if err != nil {
		s.writeEngineError(w, err, "create task")
		return
	}
	s.logger.Info().Str("task_id", task.ID).Str("cron", task.CronExpression).Msg("task created")
	writeJSON(w, http.StatusCreated, s.taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var enabledFilter *bool
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		switch status {
		case "enabled", "disabled":
			v := status == "enabled"
			enabledFilter = &v
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "status must be enabled or disabled")
			return
		}
	}

	tasks := s.engine.ListTasks()
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		if enabledFilter != nil && t.Enabled != *enabledFilter {
			continue
		}
		res = append(res, s.taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.GetTask(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeEngineError(w, err, "load task")
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	p := core.TaskPatch{
		Name:           trimmed(req.Name),
		TaskType:       trimmed(req.Type),
		CronExpression: trimmed(req.Cron),
		Enabled:        req.Enabled,
		TimeoutSeconds: req.TimeoutSeconds,
		RetryOnFailure: req.RetryOnFailure,
	}
	if req.Config != nil {
		cfg := normalizeConfig(*req.Config)
		if cfg == nil {
			cfg = json.RawMessage{}
		}
		p.Config = &cfg
	}

	task, err := s.engine.UpdateTask(r.Context(), taskID, p)
	if err != nil {
		s.writeEngineError(w, err, "update task")
		return
	}
	s.logger.Info().Str("task_id", task.ID).Msg("task updated")
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.engine.SetEnabled(r.Context(), chi.URLParam(r, "taskID"), enabled)
		if err != nil {
			s.writeEngineError(w, err, "update task")
			return
		}
		s.logger.Info().Str("task_id", task.ID).Bool("enabled", enabled).Msg("task toggled")
		writeJSON(w, http.StatusOK, s.taskToResponse(task))
	}
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.engine.DeleteTask(r.Context(), taskID); err != nil {
		s.writeEngineError(w, err, "delete task")
		return
	}
	s.logger.Info().Str("task_id", taskID).Msg("task deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	run, err := s.engine.RunNow(r.Context(), taskID)
	if err != nil {
		s.writeEngineError(w, err, "start task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

// writeEngineError maps core sentinels onto the error envelope.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, core.ErrInvalidCron):
		writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
	case errors.Is(err, core.ErrInvalidDefinition):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, core.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, core.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "run not found")
	case errors.Is(err, core.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "conflict", "task is already running")
	default:
		s.logger.Error().Err(err).Msg(action)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+action)
	}
}

func (s *Server) taskToResponse(task *core.TaskDefinition) taskResponse {
	return taskResponse{
		ID:             task.ID,
		Name:           task.Name,
		Type:           task.TaskType,
		Cron:           task.CronExpression,
		Enabled:        task.Enabled,
		Config:         task.Config,
		TimeoutSeconds: task.TimeoutSeconds,
		RetryOnFailure: task.RetryOnFailure,
		Running:        s.engine.Running(task.ID),
		LastRun:        formatTimePtr(task.LastRun),
		LastStatus:     string(task.LastStatus),
		NextRun:        formatTimePtr(task.NextRun),
		RunCount:       task.RunCount,
		CreatedAt:      task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      task.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// normalizeConfig treats an absent or null config as no config.
func normalizeConfig(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return raw
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	return &t
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
