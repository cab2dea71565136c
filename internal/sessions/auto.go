package sessions

import (
	"errors"

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// ErrNoPendingApproval is returned when a decision references a step or scope
// approval that is not currently pending on the session.
var ErrNoPendingApproval = errors.New("no matching pending approval")

// AutoState is a snapshot of the autonomous runtime.
type AutoState struct {
	Enabled     bool   `json:"enabled"`
	Objective   string `json:"objective"`
	MaxSteps    int    `json:"max_steps"`
	CurrentStep int    `json:"current_step"`
}

// StartAuto arms autonomous mode: objective set, step counter reset, any
// stale approval cleared. maxSteps <= 0 falls back to DefaultAutoMaxSteps.
func (s *Session) StartAuto(objective string, maxSteps int) AutoState {
	if maxSteps <= 0 {
		maxSteps = DefaultAutoMaxSteps
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoMode = true
	s.autoObjective = objective
	s.autoMaxSteps = maxSteps
	s.autoCurrentStep = 0
	s.stepApproval = nil
	s.persistLocked()
	return s.autoStateLocked()
}

// StopAuto clears the autonomous-mode flag. The loop observes the flag at its
// next await point and winds down; objective and step counter are retained
// for inspection.
func (s *Session) StopAuto() AutoState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoMode = false
	s.persistLocked()
	return s.autoStateLocked()
}

// AutoActive reports whether autonomous mode is currently armed.
func (s *Session) AutoActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoMode
}

// Auto returns a snapshot of the autonomous runtime.
func (s *Session) Auto() AutoState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoStateLocked()
}

func (s *Session) autoStateLocked() AutoState {
	return AutoState{
		Enabled:     s.autoMode,
		Objective:   s.autoObjective,
		MaxSteps:    s.autoMaxSteps,
		CurrentStep: s.autoCurrentStep,
	}
}

// AdvanceAutoStep increments the step counter and reports the new value.
// It refuses to advance beyond MaxSteps or when the mode flag is down, which
// keeps current_step <= max_steps without the loop having to re-check.
func (s *Session) AdvanceAutoStep() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.autoMode || s.autoCurrentStep >= s.autoMaxSteps {
		return s.autoCurrentStep, false
	}
	s.autoCurrentStep++
	s.persistLocked()
	return s.autoCurrentStep, true
}

// CreateStepApproval installs the pending approval for one proposed step,
// replacing any previous record. Descriptions are clipped to keep the
// operator-facing payload bounded.
func (s *Session) CreateStepApproval(stepNumber int, description string, calls []models.ProposedCall) models.PendingApproval {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval := models.PendingApproval{
		StepID:      newID(8),
		StepNumber:  stepNumber,
		Description: clip(description, 500),
		ToolCalls:   append([]models.ProposedCall(nil), calls...),
	}
	s.stepApproval = &approval
	s.persistLocked()
	return approval
}

// StepApproval returns the current pending approval, if any.
func (s *Session) StepApproval() (models.PendingApproval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stepApproval == nil {
		return models.PendingApproval{}, false
	}
	return *s.stepApproval, true
}

// ResolveStepApproval records the operator's decision for the identified
// step. ErrNoPendingApproval when no approval with that step id is pending,
// or when it has already been decided: the first decision wins and later
// ones can never flip it.
func (s *Session) ResolveStepApproval(stepID string, approved bool) (models.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stepApproval == nil || s.stepApproval.StepID != stepID || s.stepApproval.Resolved {
		return models.PendingApproval{}, ErrNoPendingApproval
	}
	decision := approved
	s.stepApproval.Approved = &decision
	s.stepApproval.Resolved = true
	s.persistLocked()
	return *s.stepApproval, nil
}

// ClearStepApproval drops the pending approval once the gate has been
// consumed (or abandoned on timeout).
func (s *Session) ClearStepApproval() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepApproval = nil
	s.persistLocked()
}

// CreateScopeApproval registers a pending scope-addition request and returns
// it. Requests are keyed by id; several may be pending at once.
func (s *Session) CreateScopeApproval(hosts []string, reason string) models.ScopeApproval {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval := models.ScopeApproval{
		ID:     newID(8),
		Hosts:  append([]string(nil), hosts...),
		Reason: reason,
	}
	s.scopeApprovals[approval.ID] = &approval
	s.persistLocked()
	return approval
}

// ScopeApprovalByID returns the identified scope-addition request.
func (s *Session) ScopeApprovalByID(id string) (models.ScopeApproval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.scopeApprovals[id]
	if !ok {
		return models.ScopeApproval{}, false
	}
	return *approval, true
}

// ResolveScopeApproval records the operator's decision on a scope addition.
// A request that is already decided cannot be decided again.
func (s *Session) ResolveScopeApproval(id string, approved bool) (models.ScopeApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.scopeApprovals[id]
	if !ok || approval.Resolved {
		return models.ScopeApproval{}, ErrNoPendingApproval
	}
	decision := approved
	approval.Approved = &decision
	approval.Resolved = true
	s.persistLocked()
	return *approval, nil
}

// RemoveScopeApproval forgets a consumed scope-addition request.
func (s *Session) RemoveScopeApproval(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopeApprovals, id)
	s.persistLocked()
}

// QueueOperatorMessage buffers an operator chat message that arrived while an
// autonomous run holds the conversation. Returns the queue depth.
func (s *Session) QueueOperatorMessage(content string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operatorQueue = append(s.operatorQueue, content)
	return len(s.operatorQueue)
}

// DrainOperatorMessages hands back and clears all queued operator messages.
func (s *Session) DrainOperatorMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.operatorQueue) == 0 {
		return nil
	}
	out := s.operatorQueue
	s.operatorQueue = nil
	return out
}
