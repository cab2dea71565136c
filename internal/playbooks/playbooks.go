// Package playbooks loads the YAML playbook catalog that guides phased
// autonomous runs.
package playbooks

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// ErrNotFound is returned when a playbook id is not in the catalog.
var ErrNotFound = errors.New("playbook not found")

// Catalog is the read-only playbook library: every *.yaml / *.yml file in
// one directory, loaded once at startup. A file that fails to parse or
// lacks an id is skipped with a warning rather than failing the whole
// catalog; when two files claim the same id the first (in lexical file
// order, .yaml before .yml) wins.
type Catalog struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	playbooks map[string]models.Playbook
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the catalog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger.With("component", "playbooks")
		}
	}
}

// NewCatalog loads every playbook under dir. A missing directory is an
// empty catalog.
func NewCatalog(dir string, opts ...Option) (*Catalog, error) {
	c := &Catalog{
		dir:       dir,
		logger:    slog.Default().With("component", "playbooks"),
		playbooks: make(map[string]models.Playbook),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) load() error {
	entries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read playbooks dir: %w", err)
	}

	// .yaml files first, then .yml, each group in name order, so the
	// first-id-wins rule is deterministic.
	var names []string
	for _, ext := range []string{".yaml", ".yml"} {
		var group []string
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ext {
				continue
			}
			group = append(group, entry.Name())
		}
		sort.Strings(group)
		names = append(names, group...)
	}

	loaded := 0
	for _, name := range names {
		path := filepath.Join(c.dir, name)
		pb, err := loadOne(path)
		if err != nil {
			c.logger.Warn("playbook skipped", "file", name, "error", err)
			continue
		}
		if _, dup := c.playbooks[pb.ID]; dup {
			c.logger.Warn("playbook skipped", "file", name, "error", "duplicate id "+pb.ID)
			continue
		}
		c.playbooks[pb.ID] = pb
		loaded++
	}
	if loaded > 0 {
		c.logger.Info("playbooks loaded", "count", loaded)
	}
	return nil
}

func loadOne(path string) (models.Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Playbook{}, err
	}
	var pb models.Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return models.Playbook{}, err
	}
	if pb.ID == "" {
		return models.Playbook{}, errors.New("missing id")
	}
	if len(pb.Phases) == 0 {
		return models.Playbook{}, errors.New("no phases")
	}
	if pb.Name == "" {
		pb.Name = pb.ID
	}
	if pb.Category == "" {
		pb.Category = "general"
	}
	for i := range pb.Phases {
		if pb.Phases[i].Name == "" {
			pb.Phases[i].Name = "Unnamed Phase"
		}
		if pb.Phases[i].MaxSteps <= 0 {
			pb.Phases[i].MaxSteps = 2
		}
	}
	return pb, nil
}

// Get returns the playbook for id.
func (c *Catalog) Get(id string) (models.Playbook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pb, ok := c.playbooks[id]
	return pb, ok
}

// List returns every playbook ordered by category, then name.
func (c *Catalog) List() []models.Playbook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Playbook, 0, len(c.playbooks))
	for _, pb := range c.playbooks {
		out = append(out, pb)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len reports the number of loaded playbooks.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.playbooks)
}
