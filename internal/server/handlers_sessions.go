package server

import (
	"net/http"
	"strings"

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

type createSessionRequest struct {
	Name        string   `json:"name"`
	TargetScope []string `json:"target_scope"`
	Notes       string   `json:"notes"`
	ClientID    string   `json:"client_id"`
}

// handleSessions handles GET and POST /api/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		summaries := s.sessions.Summaries()
		s.jsonResponse(w, map[string]any{
			"sessions": summaries,
			"count":    len(summaries),
		})

	case http.MethodPost:
		var body createSessionRequest
		if err := decodeJSON(r, &body); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}

		targetScope := body.TargetScope
		if body.ClientID != "" && s.clients != nil {
			client, ok := s.clients.Get(body.ClientID)
			if !ok {
				s.jsonError(w, "Client not found", http.StatusBadRequest)
				return
			}
			// A session opened for a client inherits its asset list as
			// the engagement scope unless one was given explicitly.
			if len(targetScope) == 0 {
				targetScope = client.ScopeEntries()
			}
		}

		sess, err := s.sessions.Create(body.Name, targetScope, body.Notes, body.ClientID)
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if s.metrics != nil {
			s.metrics.SessionCreated()
			s.metrics.SetActiveSessions(s.sessions.Len())
		}
		s.logger.Info("session created", "session_id", sess.ID(), "name", sess.Name())
		s.jsonStatus(w, http.StatusCreated, sess.Summary())

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSession handles /api/sessions/{id} and its sub-resources:
// GET (summary), DELETE, GET /export, PUT /scope, PUT /notes.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id, action := shiftPath(strings.TrimPrefix(r.URL.Path, "/api/sessions/"))
	if id == "" {
		s.jsonError(w, "Session ID required", http.StatusBadRequest)
		return
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		s.jsonError(w, "Session not found", http.StatusNotFound)
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.jsonResponse(w, sess.Summary())
		case http.MethodDelete:
			s.deleteSession(w, id)
		default:
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	case "export":
		if r.Method != http.MethodGet {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.jsonResponse(w, sess.Record())

	case "scope":
		if r.Method != http.MethodPut {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			TargetScope []string `json:"target_scope"`
		}
		if err := decodeJSON(r, &body); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		previous := sess.Scope()
		updated := sess.SetScope(body.TargetScope)
		s.bus.Publish(id, models.EventScopeUpdated, map[string]any{
			"added":        scopeAdditions(previous, updated),
			"target_scope": updated,
			"reason":       "operator update",
		})
		s.jsonResponse(w, map[string]any{"target_scope": updated})

	case "notes":
		if r.Method != http.MethodPut {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Notes string `json:"notes"`
		}
		if err := decodeJSON(r, &body); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		sess.SetNotes(body.Notes)
		s.jsonResponse(w, map[string]string{"status": "ok"})

	default:
		s.jsonError(w, "Not found", http.StatusNotFound)
	}
}

// deleteSession removes the session, its subscribers, and best-effort the
// working directories of every task it ever started.
func (s *Server) deleteSession(w http.ResponseWriter, id string) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		s.jsonError(w, "Session not found", http.StatusNotFound)
		return
	}

	for _, taskID := range sessionTaskIDs(sess.Record()) {
		if err := s.executor.RemoveTaskDir(taskID); err != nil {
			s.logger.Debug("task dir cleanup failed", "session_id", id, "task_id", taskID, "error", err)
		}
	}

	if err := s.sessions.Delete(id); err != nil {
		s.jsonError(w, "Session not found", http.StatusNotFound)
		return
	}
	s.bus.DropSession(id)
	if s.metrics != nil {
		s.metrics.SessionDeleted()
		s.metrics.SetActiveSessions(s.sessions.Len())
	}
	s.logger.Info("session deleted", "session_id", id)
	s.jsonResponse(w, map[string]string{"status": "deleted", "session_id": id})
}

// sessionTaskIDs collects the distinct task IDs recorded in the session's
// event log.
func sessionTaskIDs(rec models.SessionRecord) []string {
	seen := map[string]bool{}
	var ids []string
	for _, ev := range rec.Events {
		taskID, _ := ev.Data["task_id"].(string)
		if taskID == "" || seen[taskID] {
			continue
		}
		seen[taskID] = true
		ids = append(ids, taskID)
	}
	return ids
}

// scopeAdditions returns the entries present in updated but not previous.
func scopeAdditions(previous, updated []string) []string {
	old := map[string]bool{}
	for _, entry := range previous {
		old[entry] = true
	}
	added := []string{}
	for _, entry := range updated {
		if !old[entry] {
			added = append(added, entry)
		}
	}
	return added
}
