package models

// PendingApproval is the single human-in-the-loop gate for one autonomous
// step. Approved is tri-state: nil until an operator decides.
type PendingApproval struct {
	StepID      string         `json:"step_id"`
	StepNumber  int            `json:"step_number"`
	Description string         `json:"description"`
	ToolCalls   []ProposedCall `json:"tool_calls"`
	Approved    *bool          `json:"approved"`
	Resolved    bool           `json:"resolved"`
}

// ProposedCall summarizes one tool call the agent intends to make, shown to
// the operator before execution.
type ProposedCall struct {
	Tool          string         `json:"tool"`
	Input         map[string]any `json:"input"`
	ResultPreview string         `json:"result_preview,omitempty"`
}

// ScopeApproval is a pending request to widen the engagement scope.
// Decision is tri-state like PendingApproval.Approved.
type ScopeApproval struct {
	ID       string   `json:"approval_id"`
	Hosts    []string `json:"hosts"`
	Reason   string   `json:"reason,omitempty"`
	Approved *bool    `json:"approved"`
	Resolved bool     `json:"resolved"`
}
