package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jsarkisian/PTBudgetBuster/internal/auth"
	"github.com/jsarkisian/PTBudgetBuster/internal/scheduler"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// validateScheduleTarget rejects jobs whose session or tool would only
// fail at fire time.
func (s *Server) validateScheduleTarget(req scheduler.CreateRequest) (string, bool) {
	if req.SessionID == "" {
		return "session_id is required", false
	}
	if _, ok := s.sessions.Get(req.SessionID); !ok {
		return "Session not found", false
	}
	if req.Tool == "" {
		return "tool is required", false
	}
	if _, ok := s.tools.Get(req.Tool); !ok {
		return "Unknown tool " + strconv.Quote(req.Tool), false
	}
	return "", true
}

// handleSchedules handles GET and POST /api/schedules.
func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.jsonError(w, "Scheduler not configured", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
		jobs := s.scheduler.List()
		if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
			jobs = s.scheduler.ListForSession(sessionID)
		}
		s.jsonResponse(w, map[string]any{
			"schedules": jobs,
			"count":     len(jobs),
		})

	case http.MethodPost:
		var req scheduler.CreateRequest
		if err := decodeJSON(r, &req); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if msg, ok := s.validateScheduleTarget(req); !ok {
			s.jsonError(w, msg, http.StatusBadRequest)
			return
		}
		req.CreatedBy = auth.UsernameFromContext(r.Context())

		job, err := s.scheduler.Create(req)
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.jsonStatus(w, http.StatusCreated, job)

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSchedule handles /api/schedules/{id} and its lifecycle actions:
// GET, PUT, DELETE plus POST /{enable,disable,run} and GET /history.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.jsonError(w, "Scheduler not configured", http.StatusServiceUnavailable)
		return
	}
	id, action := shiftPath(strings.TrimPrefix(r.URL.Path, "/api/schedules/"))
	if id == "" {
		s.jsonError(w, "Schedule ID required", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			job, ok := s.scheduler.Get(id)
			if !ok {
				s.jsonError(w, "Schedule not found", http.StatusNotFound)
				return
			}
			s.jsonResponse(w, job)

		case http.MethodPut:
			var req scheduler.CreateRequest
			if err := decodeJSON(r, &req); err != nil {
				s.jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}
			if msg, ok := s.validateScheduleTarget(req); !ok {
				s.jsonError(w, msg, http.StatusBadRequest)
				return
			}
			req.CreatedBy = auth.UsernameFromContext(r.Context())
			job, err := s.scheduler.Update(id, req)
			if err != nil {
				s.scheduleError(w, err)
				return
			}
			s.jsonResponse(w, job)

		case http.MethodDelete:
			if err := s.scheduler.Delete(id); err != nil {
				s.scheduleError(w, err)
				return
			}
			s.jsonResponse(w, map[string]string{"status": "deleted", "id": id})

		default:
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	case "enable":
		s.scheduleAction(w, r, id, s.scheduler.Enable)

	case "disable":
		s.scheduleAction(w, r, id, s.scheduler.Disable)

	case "run":
		s.scheduleAction(w, r, id, s.scheduler.RunNow)

	case "history":
		if r.Method != http.MethodGet {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		history := s.scheduler.History()
		if history == nil {
			s.jsonResponse(w, map[string]any{"runs": []any{}, "count": 0})
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		runs, err := history.ListForJob(r.Context(), id, limit)
		if err != nil {
			s.jsonError(w, "Failed to fetch run history", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]any{
			"runs":  runs,
			"count": len(runs),
		})

	default:
		s.jsonError(w, "Not found", http.StatusNotFound)
	}
}

// scheduleAction runs one lifecycle transition (enable, disable, run-now).
func (s *Server) scheduleAction(w http.ResponseWriter, r *http.Request, id string, fn func(string) (models.ScheduledJob, error)) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	job, err := fn(id)
	if err != nil {
		s.scheduleError(w, err)
		return
	}
	s.jsonResponse(w, job)
}

// scheduleError maps scheduler failures onto HTTP statuses.
func (s *Server) scheduleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		s.jsonError(w, "Schedule not found", http.StatusNotFound)
	case errors.Is(err, scheduler.ErrJobRunning):
		s.jsonError(w, err.Error(), http.StatusConflict)
	default:
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	}
}
