package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"cronkeeper/internal/core"
)

type runResponse struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	TaskName    string  `json:"task_name"`
	TaskType    string  `json:"task_type"`
	TaskDeleted bool    `json:"task_deleted,omitempty"`
	Status      string  `json:"status"`
	TriggeredBy string  `json:"triggered_by"`
	StartedAt   string  `json:"started_at"`
	FinishedAt  *string `json:"finished_at,omitempty"`
	DurationMS  int64   `json:"duration_ms"`
	Attempts    int     `json:"attempts"`
	Output      string  `json:"output,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// handleListRuns serves history for any task ID, including deleted tasks.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	query := r.URL.Query()

	q := core.ExecutionQuery{
		Limit:  parseIntDefault(query.Get("limit"), 20),
		Offset: parseIntDefault(query.Get("offset"), 0),
	}
	var err error
	if q.Since, err = parseTimeParam(query.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "since must be an RFC3339 timestamp")
		return
	}
	if q.Until, err = parseTimeParam(query.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "until must be an RFC3339 timestamp")
		return
	}

	runs, err := s.engine.ListExecutions(r.Context(), taskID, q)
	if err != nil {
		s.writeEngineError(w, err, "list runs")
		return
	}

	deleted := s.taskDeleted(taskID)
	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		item := runToResponse(run)
		item.TaskDeleted = deleted
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetExecution(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeEngineError(w, err, "load run")
		return
	}
	resp := runToResponse(run)
	resp.TaskDeleted = s.taskDeleted(run.TaskID)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) taskDeleted(taskID string) bool {
	_, err := s.engine.GetTask(taskID)
	return errors.Is(err, core.ErrTaskNotFound)
}

func runToResponse(run *core.ExecutionRecord) runResponse {
	return runResponse{
		ID:          run.ID,
		TaskID:      run.TaskID,
		TaskName:    run.TaskName,
		TaskType:    run.TaskType,
		Status:      string(run.Status),
		TriggeredBy: string(run.TriggeredBy),
		StartedAt:   run.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt:  formatTimePtr(run.FinishedAt),
		DurationMS:  run.Duration.Milliseconds(),
		Attempts:    run.Attempts,
		Output:      run.Output,
		Error:       run.Error,
	}
}

func parseTimeParam(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}
