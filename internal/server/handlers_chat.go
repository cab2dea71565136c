package server

import (
	"errors"
	"net/http"

	"github.com/jsarkisian/PTBudgetBuster/internal/auth"
	"github.com/jsarkisian/PTBudgetBuster/internal/sessions"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// handleChat handles POST /api/chat: one chat-mode agent exchange. While
// an autonomous run is active the message is queued instead and the
// driver weaves it into the approval wait.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Message == "" {
		s.jsonError(w, "Message is required", http.StatusBadRequest)
		return
	}
	sess, ok := s.sessions.Get(body.SessionID)
	if !ok {
		s.jsonError(w, "Session not found", http.StatusNotFound)
		return
	}

	if sess.AutoActive() {
		position := sess.QueueOperatorMessage(body.Message)
		s.jsonResponse(w, map[string]any{
			"status":   "queued",
			"position": position,
		})
		return
	}

	if s.driver == nil {
		s.jsonError(w, "LLM provider not configured", http.StatusServiceUnavailable)
		return
	}

	user := auth.UsernameFromContext(r.Context())
	result, err := s.driver.Chat(r.Context(), sess, body.Message, user)
	if err != nil {
		s.logger.Error("chat failed", "session_id", sess.ID(), "error", err)
		s.jsonError(w, "LLM request failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	s.jsonResponse(w, result)
}

type autoStartRequest struct {
	SessionID  string `json:"session_id"`
	Objective  string `json:"objective"`
	MaxSteps   int    `json:"max_steps"`
	PlaybookID string `json:"playbook_id"`
}

// handleAutoStart handles POST /api/autonomous/start: arms autonomous
// mode on the session and spawns the run loop, freeform or playbook.
func (s *Server) handleAutoStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.driver == nil {
		s.jsonError(w, "LLM provider not configured", http.StatusServiceUnavailable)
		return
	}
	var body autoStartRequest
	if err := decodeJSON(r, &body); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, ok := s.sessions.Get(body.SessionID)
	if !ok {
		s.jsonError(w, "Session not found", http.StatusNotFound)
		return
	}
	if sess.AutoActive() {
		s.jsonError(w, "Autonomous mode is already running", http.StatusConflict)
		return
	}

	var playbook models.Playbook
	usePlaybook := body.PlaybookID != ""
	if usePlaybook {
		if s.playbooks == nil {
			s.jsonError(w, "Playbooks not configured", http.StatusServiceUnavailable)
			return
		}
		playbook, ok = s.playbooks.Get(body.PlaybookID)
		if !ok {
			s.jsonError(w, "Playbook not found", http.StatusNotFound)
			return
		}
	} else if body.Objective == "" {
		s.jsonError(w, "Objective is required", http.StatusBadRequest)
		return
	}

	objective := body.Objective
	maxSteps := body.MaxSteps
	if usePlaybook {
		if objective == "" {
			objective = "Playbook: " + playbook.Name
		}
		if maxSteps <= 0 {
			maxSteps = playbookStepBudget(playbook)
		}
	}
	if maxSteps <= 0 {
		maxSteps = s.autoMaxSteps
	}

	state := sess.StartAuto(objective, maxSteps)
	s.bus.Publish(sess.ID(), models.EventAutoModeChanged, map[string]any{
		"enabled":   true,
		"objective": state.Objective,
		"max_steps": state.MaxSteps,
	})
	s.logger.Info("autonomous mode started",
		"session_id", sess.ID(),
		"objective", state.Objective,
		"max_steps", state.MaxSteps,
		"playbook", body.PlaybookID,
	)

	// The loop runs on the server-lifetime context so it survives this
	// request and stops at Shutdown or operator stop.
	if usePlaybook {
		go s.driver.RunPlaybook(s.runCtx, sess, playbook)
	} else {
		go s.driver.RunFreeform(s.runCtx, sess)
	}

	s.jsonResponse(w, map[string]any{
		"status":    "started",
		"objective": state.Objective,
		"max_steps": state.MaxSteps,
	})
}

// handleAutoStop handles POST /api/autonomous/stop. The loop notices the
// dropped flag at its next checkpoint; an in-flight subprocess finishes.
func (s *Server) handleAutoStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, ok := s.sessions.Get(body.SessionID)
	if !ok {
		s.jsonError(w, "Session not found", http.StatusNotFound)
		return
	}

	state := sess.StopAuto()
	s.bus.Publish(sess.ID(), models.EventAutoStatus, map[string]any{
		"message":   "Autonomous testing stopped by operator",
		"step":      state.CurrentStep,
		"max_steps": state.MaxSteps,
	})
	s.bus.Publish(sess.ID(), models.EventAutoModeChanged, map[string]any{
		"enabled": false,
	})
	s.logger.Info("autonomous mode stopped", "session_id", sess.ID(), "step", state.CurrentStep)
	s.jsonResponse(w, map[string]any{
		"status": "stopped",
		"step":   state.CurrentStep,
	})
}

// handleAutoApprove handles POST /api/autonomous/approve: resolves the
// pending step approval the driver is polling on.
func (s *Server) handleAutoApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SessionID string `json:"session_id"`
		StepID    string `json:"step_id"`
		Approved  bool   `json:"approved"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, ok := s.sessions.Get(body.SessionID)
	if !ok {
		s.jsonError(w, "Session not found", http.StatusNotFound)
		return
	}

	approval, err := sess.ResolveStepApproval(body.StepID, body.Approved)
	if err != nil {
		if errors.Is(err, sessions.ErrNoPendingApproval) {
			s.jsonError(w, "No pending approval for that step", http.StatusNotFound)
			return
		}
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.bus.Publish(sess.ID(), models.EventAutoStepDecision, map[string]any{
		"step_id":  approval.StepID,
		"approved": body.Approved,
	})
	s.logger.Info("step approval resolved",
		"session_id", sess.ID(),
		"step_id", approval.StepID,
		"approved", body.Approved,
	)
	s.jsonResponse(w, map[string]any{
		"status":   "resolved",
		"step_id":  approval.StepID,
		"approved": body.Approved,
	})
}

// handleScopeApprove handles POST /api/scope/approve: resolves a pending
// scope-addition approval. The driver's wait loop applies the result and
// broadcasts scope_updated itself.
func (s *Server) handleScopeApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SessionID  string `json:"session_id"`
		ApprovalID string `json:"approval_id"`
		Approved   bool   `json:"approved"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, ok := s.sessions.Get(body.SessionID)
	if !ok {
		s.jsonError(w, "Session not found", http.StatusNotFound)
		return
	}

	approval, err := sess.ResolveScopeApproval(body.ApprovalID, body.Approved)
	if err != nil {
		if errors.Is(err, sessions.ErrNoPendingApproval) {
			s.jsonError(w, "No pending scope approval with that ID", http.StatusNotFound)
			return
		}
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.logger.Info("scope approval resolved",
		"session_id", sess.ID(),
		"approval_id", approval.ID,
		"approved", body.Approved,
	)
	s.jsonResponse(w, map[string]any{
		"status":      "resolved",
		"approval_id": approval.ID,
		"approved":    body.Approved,
	})
}

// playbookStepBudget sums the per-phase step budgets, counting a phase
// without one as a single step.
func playbookStepBudget(pb models.Playbook) int {
	total := 0
	for _, phase := range pb.Phases {
		if phase.MaxSteps > 0 {
			total += phase.MaxSteps
		} else {
			total++
		}
	}
	if total <= 0 {
		total = sessions.DefaultAutoMaxSteps
	}
	return total
}
