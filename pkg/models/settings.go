package models

// Step-approval modes for autonomous runs. Manual holds every proposed step
// for a tester decision; auto approves each step as it is proposed.
const (
	ApprovalManual = "manual"
	ApprovalAuto   = "auto"
)

// Settings is the operator-tunable runtime configuration persisted in the
// data dir and editable over the API.
type Settings struct {
	ApprovalMode string `json:"approval_mode"`
}

// ValidApprovalMode reports whether mode is a recognized approval mode.
func ValidApprovalMode(mode string) bool {
	return mode == ApprovalManual || mode == ApprovalAuto
}
