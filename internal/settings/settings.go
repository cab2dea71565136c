// Package settings persists the operator-tunable runtime switches in
// settings.json. The one switch the server itself consumes is
// approval_mode; unknown keys round-trip untouched so the UI can stash
// its own preferences in the same file.
package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// Store holds the settings map and its on-disk mirror.
type Store struct {
	logger *slog.Logger
	path   string

	mu     sync.Mutex
	values map[string]any
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.With("component", "settings")
		}
	}
}

// NewStore loads settings.json at path, defaulting approval_mode to
// manual. A missing file is the default set; it is written on first
// mutation rather than at load.
func NewStore(path string, opts ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default().With("component", "settings"),
		path:   path,
		values: map[string]any{"approval_mode": models.ApprovalManual},
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
		return fmt.Errorf("read settings file: %w", err)
	}
	var stored map[string]any
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("parse settings file: %w", err)
	}
	for k, v := range stored {
		s.values[k] = v
	}
	if mode, _ := s.values["approval_mode"].(string); !models.ValidApprovalMode(mode) {
		s.logger.Warn("invalid approval_mode in settings file, using manual", "value", s.values["approval_mode"])
		s.values["approval_mode"] = models.ApprovalManual
	}
	return nil
}

// ApprovalMode returns the current step-approval mode. Always one of the
// valid modes; load and Update reject anything else.
func (s *Store) ApprovalMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	mode, _ := s.values["approval_mode"].(string)
	if !models.ValidApprovalMode(mode) {
		return models.ApprovalManual
	}
	return mode
}

// All returns a copy of the full settings map.
func (s *Store) All() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Update merges patch into the settings and persists. An approval_mode
// key must carry a valid mode; other keys are stored as given. A nil
// value removes the key (approval_mode cannot be removed).
func (s *Store) Update(patch map[string]any) (map[string]any, error) {
	if mode, present := patch["approval_mode"]; present && mode != nil {
		str, ok := mode.(string)
		if !ok || !models.ValidApprovalMode(str) {
			return nil, fmt.Errorf("approval_mode must be %q or %q", models.ApprovalManual, models.ApprovalAuto)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range patch {
		if v == nil {
			if k != "approval_mode" {
				delete(s.values, k)
			}
			continue
		}
		s.values[k] = v
	}
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	s.logger.Info("settings updated", "approval_mode", s.values["approval_mode"])
	return out, nil
}

// saveLocked rewrites the settings file via temp + rename.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}
