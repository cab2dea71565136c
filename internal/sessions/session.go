// Package sessions owns engagement state: the per-session message, event, and
// finding history, the volatile autonomous runtime, and the credential-token
// vault. Every mutation is persisted to a per-session JSON file by atomic
// rename; volatile state never reaches disk.
package sessions

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jsarkisian/PTBudgetBuster/internal/redact"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// DefaultAutoMaxSteps bounds an autonomous run when the operator does not
// supply a limit.
const DefaultAutoMaxSteps = 10

// DefaultChatHistory is the number of trailing messages handed to the LLM
// when rebuilding a conversation.
const DefaultChatHistory = 50

// newID mints a short identifier: the leading n characters of a random UUID
// (12 for sessions, 8 for findings, steps, and scope approvals).
func newID(n int) string {
	return uuid.NewString()[:n]
}

// Session is one live engagement. The persisted projection lives in rec;
// everything else (vault, autonomous runtime, operator queue) is volatile and
// rebuilt empty on restart. A single mutex guards both, and the persist
// callback runs under it so disk never lags memory.
type Session struct {
	mu  sync.Mutex
	rec models.SessionRecord

	vault *redact.Vault

	autoMode        bool
	autoObjective   string
	autoMaxSteps    int
	autoCurrentStep int
	stepApproval    *models.PendingApproval
	scopeApprovals  map[string]*models.ScopeApproval
	operatorQueue   []string

	now     func() time.Time
	persist func(models.SessionRecord) error
}

func newSession(rec models.SessionRecord, now func() time.Time, persist func(models.SessionRecord) error) *Session {
	if rec.TargetScope == nil {
		rec.TargetScope = []string{}
	}
	if rec.Messages == nil {
		rec.Messages = []models.Message{}
	}
	if rec.Events == nil {
		rec.Events = []models.Event{}
	}
	if rec.Findings == nil {
		rec.Findings = []models.Finding{}
	}
	return &Session{
		rec:            rec,
		vault:          redact.NewVault(),
		autoMaxSteps:   DefaultAutoMaxSteps,
		scopeApprovals: make(map[string]*models.ScopeApproval),
		now:            now,
		persist:        persist,
	}
}

// ID returns the session identifier. Set at creation, never mutated.
func (s *Session) ID() string {
	return s.rec.ID
}

// Name returns the engagement name. Set at creation, never mutated.
func (s *Session) Name() string {
	return s.rec.Name
}

// CreatedAt returns the creation timestamp. Set at creation, never mutated.
func (s *Session) CreatedAt() string {
	return s.rec.CreatedAt
}

// Vault returns the per-session credential vault. The vault has its own lock;
// callers use it directly for tokenize/detokenize.
func (s *Session) Vault() *redact.Vault {
	return s.vault
}

// Record returns a snapshot of the persistent projection.
func (s *Session) Record() models.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() models.SessionRecord {
	rec := s.rec
	rec.TargetScope = append(make([]string, 0, len(s.rec.TargetScope)), s.rec.TargetScope...)
	rec.Messages = append([]models.Message(nil), s.rec.Messages...)
	rec.Events = append([]models.Event(nil), s.rec.Events...)
	rec.Findings = append([]models.Finding(nil), s.rec.Findings...)
	return rec
}

// persistLocked writes the current projection through the store. The
// in-memory copy stays authoritative; a failed write is surfaced by the
// store's logger, not by every append call site.
func (s *Session) persistLocked() {
	if s.persist == nil {
		return
	}
	_ = s.persist(s.snapshotLocked())
}

// Summary is the wire shape returned by session list and detail endpoints.
type Summary struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	TargetScope   []string         `json:"target_scope"`
	Notes         string           `json:"notes"`
	CreatedAt     string           `json:"created_at"`
	MessageCount  int              `json:"message_count"`
	EventCount    int              `json:"event_count"`
	FindingCount  int              `json:"finding_count"`
	Findings      []models.Finding `json:"findings"`
	AutoMode      bool             `json:"auto_mode"`
	AutoObjective string           `json:"auto_objective"`
}

// Summary returns the session's list/detail projection.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:            s.rec.ID,
		Name:          s.rec.Name,
		TargetScope:   append([]string(nil), s.rec.TargetScope...),
		Notes:         s.rec.Notes,
		CreatedAt:     s.rec.CreatedAt,
		MessageCount:  len(s.rec.Messages),
		EventCount:    len(s.rec.Events),
		FindingCount:  len(s.rec.Findings),
		Findings:      append([]models.Finding(nil), s.rec.Findings...),
		AutoMode:      s.autoMode,
		AutoObjective: s.autoObjective,
	}
}

// AppendMessage appends a conversation turn and persists.
func (s *Session) AppendMessage(role, content, user string) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := models.Message{
		Role:      role,
		Content:   content,
		Timestamp: models.Timestamp(s.now()),
		User:      user,
	}
	s.rec.Messages = append(s.rec.Messages, msg)
	s.persistLocked()
	return msg
}

// AppendEvent appends an event-log entry and persists. The data map is owned
// by the session after the call.
func (s *Session) AppendEvent(eventType string, data map[string]any, user string) models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data == nil {
		data = map[string]any{}
	}
	ev := models.Event{
		Type:      eventType,
		Data:      data,
		Timestamp: models.Timestamp(s.now()),
		User:      user,
	}
	s.rec.Events = append(s.rec.Events, ev)
	s.persistLocked()
	return ev
}

// AddFinding records a finding and persists. Unknown severities are folded to
// info rather than rejected; the tool schema already constrains agent input.
func (s *Session) AddFinding(severity, title, description, evidence string) models.Finding {
	severity = strings.ToLower(strings.TrimSpace(severity))
	if !models.ValidSeverity(severity) {
		severity = models.SeverityInfo
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	finding := models.Finding{
		ID:          newID(8),
		Severity:    severity,
		Title:       title,
		Description: description,
		Evidence:    evidence,
		Timestamp:   models.Timestamp(s.now()),
	}
	s.rec.Findings = append(s.rec.Findings, finding)
	s.persistLocked()
	return finding
}

// Findings returns a snapshot of recorded findings.
func (s *Session) Findings() []models.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Finding(nil), s.rec.Findings...)
}

// Scope returns a snapshot of the target scope.
func (s *Session) Scope() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rec.TargetScope...)
}

// SetScope replaces the target scope and persists.
func (s *Session) SetScope(scope []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scope == nil {
		scope = []string{}
	}
	s.rec.TargetScope = append([]string(nil), scope...)
	s.persistLocked()
	return append([]string(nil), s.rec.TargetScope...)
}

// AddToScope merges hosts into the scope, preserving order and skipping
// duplicates, then persists. Returns the resulting scope.
func (s *Session) AddToScope(hosts []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		present := false
		for _, existing := range s.rec.TargetScope {
			if existing == h {
				present = true
				break
			}
		}
		if !present {
			s.rec.TargetScope = append(s.rec.TargetScope, h)
		}
	}
	s.persistLocked()
	return append([]string(nil), s.rec.TargetScope...)
}

// SetNotes replaces the free-form notes and persists.
func (s *Session) SetNotes(notes string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Notes = notes
	s.persistLocked()
}

// ChatHistory returns the trailing max messages (all of them when max <= 0),
// the slice the agent rebuilds its conversation from.
func (s *Session) ChatHistory(max int) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.rec.Messages
	if max > 0 && len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}

// ContextSummary renders the engagement context block injected into the LLM
// system prompt: scope, notes, the tool results among the last 20 events, and
// all findings.
func (s *Session) ContextSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	scopeStr := "Not defined"
	if len(s.rec.TargetScope) > 0 {
		scopeStr = strings.Join(s.rec.TargetScope, ", ")
	}

	var recent []string
	events := s.rec.Events
	if len(events) > 20 {
		events = events[len(events)-20:]
	}
	for _, ev := range events {
		if ev.Type != models.EventToolResult && ev.Type != models.EventBashResult {
			continue
		}
		tool, _ := ev.Data["tool"].(string)
		if tool == "" {
			tool = ev.Type
		}
		output := ""
		if v, ok := ev.Data["output"]; ok && v != nil {
			output = fmt.Sprintf("%v", v)
		}
		recent = append(recent, fmt.Sprintf("[%s] %s", tool, clip(output, 500)))
	}
	resultsStr := "No tools executed yet."
	if len(recent) > 0 {
		resultsStr = strings.Join(recent, "\n")
	}

	var lines []string
	for _, f := range s.rec.Findings {
		lines = append(lines, fmt.Sprintf("- [%s] %s: %s", strings.ToUpper(f.Severity), f.Title, f.Description))
	}
	findingsStr := "No findings recorded yet."
	if len(lines) > 0 {
		findingsStr = strings.Join(lines, "\n")
	}

	return fmt.Sprintf("ENGAGEMENT: %s\nTARGET SCOPE: %s\nNOTES: %s\n\nRECENT TOOL RESULTS:\n%s\n\nCURRENT FINDINGS:\n%s",
		s.rec.Name, scopeStr, s.rec.Notes, resultsStr, findingsStr)
}

// clip truncates s to at most n runes.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
