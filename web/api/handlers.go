package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/SomethingGeneric/gort/internal/domain"
	"github.com/SomethingGeneric/gort/internal/forge"
	"github.com/SomethingGeneric/gort/internal/journal"
)

// RunResponse is the API response for a run
type RunResponse struct {
	ID         string             `json:"id"`
	RunID      string             `json:"run_id,omitempty"`
	ThreadID   string             `json:"thread_id,omitempty"`
	Repo       string             `json:"repo"`
	Status     string             `json:"status"`
	Message    string             `json:"message,omitempty"`
	StartedAt  string             `json:"started_at"`
	FinishedAt *string            `json:"finished_at,omitempty"`
	Duration   string             `json:"duration"`
	ToolCalls  []ToolCallResponse `json:"tool_calls,omitempty"`
}

// ToolCallResponse is the API response for one tool call
type ToolCallResponse struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Output     string `json:"output"`
	Failed     bool   `json:"failed"`
	DurationMs int64  `json:"duration_ms"`
}

type registerRequest struct {
	Repo string `json:"repo"`
}

func runToResponse(r *journal.Run) RunResponse {
	resp := RunResponse{
		ID:        r.ID,
		RunID:     r.RunID,
		ThreadID:  r.ThreadID,
		Repo:      r.Repo,
		Status:    r.Status,
		Message:   r.Message,
		StartedAt: r.StartedAt.Format(time.RFC3339),
		Duration:  r.Duration().Round(time.Second).String(),
	}
	if r.FinishedAt != nil {
		t := r.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	return resp
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.journal == nil {
			writeError(w, http.StatusServiceUnavailable, "journal disabled")
			return
		}

		opts := journal.ListOptions{Repo: r.URL.Query().Get("repo"), Limit: 50}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			opts.Limit = n
		}

		runs, err := s.journal.List(r.Context(), opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]RunResponse, len(runs))
		for i, run := range runs {
			resp[i] = runToResponse(run)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.journal == nil {
			writeError(w, http.StatusServiceUnavailable, "journal disabled")
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}

		run, err := s.journal.Get(r.Context(), id)
		if errors.Is(err, journal.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := runToResponse(run)
		if run.RunID != "" {
			calls, err := s.journal.ToolCalls(r.Context(), run.RunID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			for _, c := range calls {
				resp.ToolCalls = append(resp.ToolCalls, ToolCallResponse{
					ToolCallID: c.ToolCallID,
					Name:       c.Name,
					Arguments:  c.Arguments,
					Output:     c.Output,
					Failed:     c.Failed,
					DurationMs: c.Duration.Milliseconds(),
				})
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) registerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.registrar == nil {
			writeError(w, http.StatusServiceUnavailable, "no forge configured")
			return
		}

		var req registerRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		slug, err := domain.ParseRepositorySlug(req.Repo)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.cfg.PublicURL == "" {
			writeError(w, http.StatusServiceUnavailable, "public url not configured")
			return
		}

		hook := forge.Webhook{URL: s.webhookURL(), Secret: s.cfg.Secret}
		if err := s.registrar.AddWebhook(r.Context(), slug.Owner, slug.Name, hook); err != nil {
			code := http.StatusBadGateway
			if errors.Is(err, forge.ErrNotFound) {
				code = http.StatusNotFound
			}
			writeError(w, code, err.Error())
			return
		}
		s.logger.Info("webhook registered", "repo", slug.String(), "url", hook.URL)
		writeJSON(w, http.StatusCreated, map[string]string{"repo": slug.String(), "url": hook.URL})
	}
}
