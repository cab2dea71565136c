package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/jsarkisian/PTBudgetBuster/internal/auth"
	"github.com/jsarkisian/PTBudgetBuster/internal/executor"
	"github.com/jsarkisian/PTBudgetBuster/internal/tooldefs"
)

type executeRequest struct {
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
	SessionID  string          `json:"session_id"`
	TaskID     string          `json:"task_id"`
	// Timeout is in seconds; zero uses the executor default.
	Timeout int `json:"timeout"`
}

func (s *Server) parseExecute(r *http.Request) (runRequest, error) {
	var body executeRequest
	if err := decodeJSON(r, &body); err != nil {
		return runRequest{}, err
	}
	if body.Tool == "" {
		return runRequest{}, errors.New("tool is required")
	}
	params, err := tooldefs.ParamsFromJSON(body.Parameters)
	if err != nil {
		return runRequest{}, fmt.Errorf("invalid parameters: %w", err)
	}
	return runRequest{
		SessionID: body.SessionID,
		Tool:      body.Tool,
		Params:    params,
		TaskID:    body.TaskID,
		Timeout:   time.Duration(body.Timeout) * time.Second,
		User:      auth.UsernameFromContext(r.Context()),
		Source:    sourceOperator,
	}, nil
}

// runError maps pipeline failures onto HTTP statuses.
func (s *Server) runError(w http.ResponseWriter, err error) {
	var violation *scopeViolationError
	switch {
	case errors.Is(err, errUnknownSession):
		s.jsonError(w, "Session not found", http.StatusNotFound)
	case errors.As(err, &violation):
		s.jsonError(w, violation.message, http.StatusForbidden)
	default:
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	}
}

// handleExecute handles POST /execute: fire-and-forget tool runs. When a
// session is attached, a background goroutine mirrors the terminal result
// into the session once the task finishes.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := s.parseExecute(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	taskID, command, err := s.startRun(req)
	if err != nil {
		s.runError(w, err)
		return
	}

	if req.SessionID != "" {
		go func() {
			task, _ := s.awaitTask(s.runCtx, taskID, req.Timeout)
			s.finishRun(req, task)
		}()
	}

	s.jsonResponse(w, map[string]any{
		"task_id": taskID,
		"command": command,
		"status":  "started",
	})
}

// handleExecuteSync handles POST /execute/sync: blocks until the task
// reaches a terminal state and returns the full record.
func (s *Server) handleExecuteSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := s.parseExecute(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	taskID, _, err := s.startRun(req)
	if err != nil {
		s.runError(w, err)
		return
	}

	task, done := s.awaitTask(s.runCtx, taskID, req.Timeout)
	s.finishRun(req, task)
	if !done {
		s.jsonError(w, fmt.Sprintf("task %s did not reach a terminal state", taskID), http.StatusGatewayTimeout)
		return
	}
	s.jsonResponse(w, task)
}

// handleTaskList handles GET /tasks.
func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	list := s.tasks.List()
	s.jsonResponse(w, map[string]any{
		"tasks": list,
		"count": len(list),
	})
}

// handleTask handles GET /task/{id} and POST /task/{id}/kill.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id, action := shiftPath(strings.TrimPrefix(r.URL.Path, "/task/"))
	if id == "" {
		s.jsonError(w, "Task ID required", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		task, ok := s.tasks.Get(id)
		if !ok {
			s.jsonError(w, "Task not found", http.StatusNotFound)
			return
		}
		s.jsonResponse(w, task)

	case "kill":
		if r.Method != http.MethodPost {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		status, err := s.executor.Cancel(id)
		switch {
		case errors.Is(err, executor.ErrTaskNotFound):
			s.jsonError(w, "Task not found", http.StatusNotFound)
			return
		case errors.Is(err, executor.ErrAlreadyFinished):
			// Kill lost the race; report the terminal state it reached.
		case err != nil:
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]any{
			"task_id": id,
			"status":  string(status),
		})

	default:
		s.jsonError(w, "Not found", http.StatusNotFound)
	}
}

// handleFile handles GET /files/{path}: text artifacts from the task data
// area, path-confined by the executor.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rel := strings.TrimPrefix(r.URL.Path, "/files/")
	if rel == "" {
		s.jsonError(w, "File path required", http.StatusBadRequest)
		return
	}
	content, err := s.executor.ReadFile(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.jsonError(w, "File not found", http.StatusNotFound)
			return
		}
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.jsonResponse(w, map[string]any{
		"path":    rel,
		"content": string(content),
	})
}
