package models

// SessionRecord is the persistent projection of an engagement session: the
// exact shape written to {session_id}.json. Volatile state (autonomous
// runtime, credential vault) never appears here.
type SessionRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	TargetScope []string  `json:"target_scope"`
	Notes       string    `json:"notes"`
	ClientID    string    `json:"client_id,omitempty"`
	CreatedAt   string    `json:"created_at"`
	Messages    []Message `json:"messages"`
	Events      []Event   `json:"events"`
	Findings    []Finding `json:"findings"`
}

// Message is one turn of the operator/assistant conversation.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	User      string `json:"user,omitempty"`
}

// Event is one entry of the append-only session event log.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
	User      string         `json:"user,omitempty"`
}

// Severity levels accepted for findings.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// Finding is a recorded vulnerability or observation.
type Finding struct {
	ID          string `json:"id"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Evidence    string `json:"evidence,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// ValidSeverity reports whether s is one of the accepted finding severities.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}
