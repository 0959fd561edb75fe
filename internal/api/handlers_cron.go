package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"cronkeeper/internal/core"
)

const (
	defaultPreviewCount = 5
	maxPreviewCount     = 20
)

type cronValidateRequest struct {
	Expr  string `json:"expr"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type cronValidateResponse struct {
	Valid    bool     `json:"valid"`
	Error    string   `json:"error,omitempty"`
	NextRuns []string `json:"next_runs"`
	Notes    []string `json:"notes"`
}

// handleCronValidate answers 200 for any well-formed request; validity is in
// the body.
func (s *Server) handleCronValidate(w http.ResponseWriter, r *http.Request) {
	var req cronValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	count := req.Count
	if count <= 0 {
		count = defaultPreviewCount
	}
	if count > maxPreviewCount {
		count = maxPreviewCount
	}

	expr := strings.TrimSpace(req.Expr)
	loc := s.engine.Location()
	var v core.CronValidation
	if parsed, err := time.Parse(time.RFC3339, req.Now); req.Now != "" && err == nil {
		v = core.ValidateCronExpression(expr, parsed.In(loc), count)
	} else {
		v = s.engine.ValidateCronExpression(expr, count)
	}

	resp := cronValidateResponse{
		Valid:    v.Valid,
		Error:    v.Error,
		NextRuns: make([]string, 0, len(v.NextRuns)),
		Notes:    make([]string, 0, len(v.Notes)),
	}
	for _, t := range v.NextRuns {
		resp.NextRuns = append(resp.NextRuns, t.In(loc).Format(time.RFC3339))
	}
	resp.Notes = append(resp.Notes, v.Notes...)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskTypes(w http.ResponseWriter, r *http.Request) {
	types := append([]string{}, s.engine.TaskTypes()...)
	sort.Strings(types)
	writeJSON(w, http.StatusOK, map[string][]string{"types": types})
}
