package scheduler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// ErrNotFound is returned when a job id is not in the store.
var ErrNotFound = errors.New("schedule not found")

// Store is the persistent schedule registry. The on-disk form is a JSON
// array in schedules.json next to the session files, rewritten atomically
// on every mutation. When a write fails the in-memory registry stays
// authoritative and the failure is logged.
type Store struct {
	logger *slog.Logger
	path   string

	mu   sync.Mutex
	jobs map[string]models.ScheduledJob
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.With("component", "schedules")
		}
	}
}

// NewStore loads the schedule file at path. A missing file is an empty
// registry; a file that exists but does not parse is an error.
func NewStore(path string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		logger: slog.Default().With("component", "schedules"),
		path:   path,
		jobs:   make(map[string]models.ScheduledJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schedule file: %w", err)
	}
	var jobs []models.ScheduledJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse schedule file: %w", err)
	}
	for _, job := range jobs {
		if job.ID == "" {
			continue
		}
		job.Parameters = compactParameters(job.Parameters)
		s.jobs[job.ID] = job
	}
	if len(s.jobs) > 0 {
		s.logger.Info("schedules loaded", "count", len(s.jobs))
	}
	return nil
}

// Put inserts or replaces a job and persists.
func (s *Store) Put(job models.ScheduledJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.saveLocked()
}

// Get returns the job for id.
func (s *Store) Get(id string) (models.ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

// List returns every job ordered by creation time, then id.
func (s *Store) List() []models.ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// ListForSession returns the jobs targeting one session.
func (s *Store) ListForSession(sessionID string) []models.ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScheduledJob
	for _, job := range s.sortedLocked() {
		if job.SessionID == sessionID {
			out = append(out, job)
		}
	}
	return out
}

// Update applies mutate to the stored job and persists the result.
func (s *Store) Update(id string, mutate func(*models.ScheduledJob)) (models.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.ScheduledJob{}, ErrNotFound
	}
	mutate(&job)
	s.jobs[id] = job
	s.saveLocked()
	return job, nil
}

// Delete removes a job.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	s.saveLocked()
	return nil
}

// Len reports the number of jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Store) sortedLocked() []models.ScheduledJob {
	out := make([]models.ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// saveLocked rewrites the schedule file via temp + rename.
func (s *Store) saveLocked() {
	data, err := json.MarshalIndent(s.sortedLocked(), "", "  ")
	if err != nil {
		s.logger.Warn("schedules not persisted", "error", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("schedules not persisted", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		s.logger.Warn("schedules not persisted", "error", err)
	}
}

// compactParameters canonicalizes a parameter object to compact JSON so a
// job compares equal across save/load cycles. Empty or null input becomes
// an empty object; key order is preserved.
func compactParameters(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}
