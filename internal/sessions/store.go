package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jsarkisian/PTBudgetBuster/internal/observability"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// reservedFiles are non-session JSON files that share the data directory and
// must be skipped when scanning for sessions.
var reservedFiles = map[string]bool{
	"clients.json":   true,
	"schedules.json": true,
	"settings.json":  true,
	"users.json":     true,
}

// Store is the session catalog. Sessions are loaded from dir at startup and
// written back on every mutation; the map holds live *Session handles whose
// own mutexes serialize their writes.
type Store struct {
	logger  *slog.Logger
	dir     string
	now     func() time.Time
	metrics *observability.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(st *Store) {
		if logger != nil {
			st.logger = logger.With("component", "sessions")
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(st *Store) {
		if now != nil {
			st.now = now
		}
	}
}

// WithMetrics attaches metrics for session and persistence counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(st *Store) {
		st.metrics = m
	}
}

// NewStore creates the catalog backed by dir, creating the directory if
// needed and loading every persisted session in it.
func NewStore(dir string, opts ...Option) (*Store, error) {
	st := &Store{
		logger:   slog.Default().With("component", "sessions"),
		dir:      dir,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(st)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := st.load(); err != nil {
		return nil, err
	}
	st.setGauge()
	return st, nil
}

// load scans dir for persisted sessions. Unreadable or malformed files are
// skipped with a warning so one corrupt session cannot block startup.
func (st *Store) load() error {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return fmt.Errorf("read session dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || reservedFiles[name] {
			continue
		}
		path := filepath.Join(st.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			st.logger.Warn("skipping unreadable session file", "file", name, "error", err)
			continue
		}
		var rec models.SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			st.logger.Warn("skipping malformed session file", "file", name, "error", err)
			continue
		}
		if rec.ID == "" {
			st.logger.Warn("skipping session file without id", "file", name)
			continue
		}
		st.sessions[rec.ID] = newSession(rec, st.now, st.persistRecord)
	}
	st.logger.Info("sessions loaded", "count", len(st.sessions))
	return nil
}

// Create registers a new session and persists it immediately so it survives
// a restart even before the first message.
func (st *Store) Create(name string, targetScope []string, notes, clientID string) (*Session, error) {
	rec := models.SessionRecord{
		ID:          newID(12),
		Name:        name,
		TargetScope: targetScope,
		Notes:       notes,
		ClientID:    clientID,
		CreatedAt:   models.Timestamp(st.now()),
	}
	sess := newSession(rec, st.now, st.persistRecord)

	st.mu.Lock()
	st.sessions[sess.ID()] = sess
	st.mu.Unlock()

	if err := st.persistRecord(sess.Record()); err != nil {
		st.mu.Lock()
		delete(st.sessions, sess.ID())
		st.mu.Unlock()
		return nil, err
	}
	if st.metrics != nil {
		st.metrics.SessionCreated()
	}
	st.setGauge()
	st.logger.Info("session created", "session_id", sess.ID(), "name", name)
	return sess, nil
}

// Get returns the live session handle for id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[id]
	return sess, ok
}

// List returns all sessions ordered by creation time.
func (st *Store) List() []*Session {
	st.mu.RLock()
	out := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		out = append(out, sess)
	}
	st.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CreatedAt() != b.CreatedAt() {
			return a.CreatedAt() < b.CreatedAt()
		}
		return a.ID() < b.ID()
	})
	return out
}

// Summaries returns the list projection for every session, ordered by
// creation time.
func (st *Store) Summaries() []Summary {
	sessions := st.List()
	out := make([]Summary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Summary())
	}
	return out
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Delete removes the session from the catalog and its file from disk.
func (st *Store) Delete(id string) error {
	st.mu.Lock()
	_, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if err := os.Remove(st.recordPath(id)); err != nil && !os.IsNotExist(err) {
		st.logger.Warn("session file not removed", "session_id", id, "error", err)
	}
	if st.metrics != nil {
		st.metrics.SessionDeleted()
	}
	st.setGauge()
	st.logger.Info("session deleted", "session_id", id)
	return nil
}

func (st *Store) recordPath(id string) string {
	return filepath.Join(st.dir, id+".json")
}

// persistRecord writes one session projection via temp file + rename, so a
// crash mid-write never leaves a torn session file. Errors are logged here —
// memory stays authoritative — and counted for alerting.
func (st *Store) persistRecord(rec models.SessionRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return st.persistFailed(rec.ID, err)
	}
	path := st.recordPath(rec.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return st.persistFailed(rec.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return st.persistFailed(rec.ID, err)
	}
	return nil
}

func (st *Store) persistFailed(id string, err error) error {
	st.logger.Error("session persist failed", "session_id", id, "error", err)
	if st.metrics != nil {
		st.metrics.RecordError("sessions", "persist_failed")
	}
	return fmt.Errorf("persist session %s: %w", id, err)
}

func (st *Store) setGauge() {
	if st.metrics != nil {
		st.metrics.SetActiveSessions(st.Len())
	}
}
