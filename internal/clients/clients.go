// Package clients tracks engagement customers and their registered assets,
// backed by clients.json in the data directory. A client's assets seed the
// target scope of sessions created for it.
package clients

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

var (
	ErrNotFound      = errors.New("client not found")
	ErrAssetNotFound = errors.New("asset not found")
)

// Manager is the client registry. The on-disk form is a JSON array in
// clients.json, rewritten atomically on every mutation.
type Manager struct {
	logger *slog.Logger
	path   string
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]models.Client
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "clients")
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager loads the client file at path. A missing file is an empty
// registry.
func NewManager(path string, opts ...Option) (*Manager, error) {
	m := &Manager{
		logger:  slog.Default().With("component", "clients"),
		path:    path,
		now:     time.Now,
		clients: make(map[string]models.Client),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read clients file: %w", err)
	}
	var clients []models.Client
	if err := json.Unmarshal(data, &clients); err != nil {
		return fmt.Errorf("parse clients file: %w", err)
	}
	for _, c := range clients {
		if c.ID == "" {
			continue
		}
		if c.Assets == nil {
			c.Assets = []models.Asset{}
		}
		m.clients[c.ID] = c
	}
	if len(m.clients) > 0 {
		m.logger.Info("clients loaded", "count", len(m.clients))
	}
	return nil
}

// Create registers a new client.
func (m *Manager) Create(name, contact, notes string) (models.Client, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Client{}, errors.New("name is required")
	}
	client := models.Client{
		ID:        uuid.NewString()[:12],
		Name:      name,
		Contact:   strings.TrimSpace(contact),
		Notes:     notes,
		CreatedAt: models.Timestamp(m.now()),
		Assets:    []models.Asset{},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.ID] = client
	if err := m.saveLocked(); err != nil {
		delete(m.clients, client.ID)
		return models.Client{}, err
	}
	m.logger.Info("client created", "id", client.ID, "name", client.Name)
	return client, nil
}

// Get returns the client for id.
func (m *Manager) Get(id string) (models.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	return c, ok
}

// List returns every client ordered by creation time, then id.
func (m *Manager) List() []models.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

// Update replaces the mutable fields of a client. Nil pointers leave the
// corresponding field untouched.
func (m *Manager) Update(id string, name, contact, notes *string) (models.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return models.Client{}, ErrNotFound
	}
	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			return models.Client{}, errors.New("name is required")
		}
		c.Name = trimmed
	}
	if contact != nil {
		c.Contact = strings.TrimSpace(*contact)
	}
	if notes != nil {
		c.Notes = *notes
	}
	m.clients[id] = c
	if err := m.saveLocked(); err != nil {
		return models.Client{}, err
	}
	return c, nil
}

// Delete removes a client and its assets.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[id]; !ok {
		return ErrNotFound
	}
	delete(m.clients, id)
	if err := m.saveLocked(); err != nil {
		return err
	}
	m.logger.Info("client deleted", "id", id)
	return nil
}

// AddAsset registers an asset under a client. An unrecognized kind is kept
// as-is; scope seeding treats every asset value alike.
func (m *Manager) AddAsset(clientID, value string, kind models.AssetKind) (models.Asset, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return models.Asset{}, errors.New("value is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return models.Asset{}, ErrNotFound
	}
	asset := models.Asset{
		ID:      uuid.NewString()[:8],
		Value:   value,
		Kind:    kind,
		AddedAt: models.Timestamp(m.now()),
	}
	c.Assets = append(c.Assets, asset)
	m.clients[clientID] = c
	if err := m.saveLocked(); err != nil {
		return models.Asset{}, err
	}
	return asset, nil
}

// RemoveAsset deletes one asset from a client.
func (m *Manager) RemoveAsset(clientID, assetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return ErrNotFound
	}
	kept := c.Assets[:0]
	found := false
	for _, a := range c.Assets {
		if a.ID == assetID {
			found = true
			continue
		}
		kept = append(kept, a)
	}
	if !found {
		return ErrAssetNotFound
	}
	c.Assets = kept
	m.clients[clientID] = c
	return m.saveLocked()
}

// Len reports the number of clients.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *Manager) sortedLocked() []models.Client {
	out := make([]models.Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// saveLocked rewrites the client file via temp + rename.
func (m *Manager) saveLocked() error {
	data, err := json.MarshalIndent(m.sortedLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal clients: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write clients file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace clients file: %w", err)
	}
	return nil
}
