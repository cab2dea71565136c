// Package tooldefs holds the tool definition catalog and the command
// builder that renders definitions plus parameters into argv.
package tooldefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

var (
	ErrToolNotFound = errors.New("tool not found")
	ErrToolExists   = errors.New("tool already exists")
	ErrReservedTool = errors.New("tool definition is reserved")
	ErrInvalidTool  = errors.New("invalid tool definition")
)

// Registry is the on-disk tool catalog: a YAML file with a `tools:` root
// mapping, loaded into an ordered in-memory map. Mutations write the whole
// file back atomically. An optional watcher reloads the catalog when the
// file changes on disk, so hand edits take effect without a restart.
type Registry struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu    sync.RWMutex
	defs  map[string]models.ToolDefinition
	order []string

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.With("component", "tooldefs")
		}
	}
}

// WithDebounce overrides the reload debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.debounce = d
		}
	}
}

// NewRegistry loads the catalog at path. The synthetic bash definition is
// injected if the file does not declare one.
func NewRegistry(path string, opts ...Option) (*Registry, error) {
	r := &Registry{
		path:     path,
		logger:   slog.Default().With("component", "tooldefs"),
		debounce: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Load reads the catalog file and replaces the in-memory mapping.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read tool definitions: %w", err)
	}

	var doc struct {
		Tools yaml.Node `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse tool definitions: %w", err)
	}
	if doc.Tools.Kind != 0 && doc.Tools.Kind != yaml.MappingNode {
		return fmt.Errorf("parse tool definitions: tools must be a mapping")
	}

	defs := make(map[string]models.ToolDefinition)
	var order []string
	for i := 0; i+1 < len(doc.Tools.Content); i += 2 {
		name := doc.Tools.Content[i].Value
		var def models.ToolDefinition
		if err := doc.Tools.Content[i+1].Decode(&def); err != nil {
			return fmt.Errorf("parse tool %q: %w", name, err)
		}
		if def.Name == "" {
			def.Name = name
		}
		if _, dup := defs[name]; !dup {
			order = append(order, name)
		}
		defs[name] = def
	}

	if _, ok := defs[models.ToolBash]; !ok {
		defs[models.ToolBash] = bashDefinition()
		order = append(order, models.ToolBash)
	}

	r.mu.Lock()
	r.defs = defs
	r.order = order
	r.mu.Unlock()

	r.logger.Info("loaded tool definitions", "path", r.path, "count", len(defs))
	return nil
}

func bashDefinition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        models.ToolBash,
		Binary:      defaultShell,
		Description: "Execute a raw shell command",
		Category:    "system",
		RiskLevel:   "high",
		Parameters: map[string]models.ToolParam{
			"command": {Type: "string", Description: "Shell command to execute", Required: true},
		},
	}
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (models.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns tool names in catalog order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// List returns all definitions in catalog order.
func (r *Registry) List() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}

// Len returns the number of definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Add inserts a new definition. The name must be unique and not reserved.
func (r *Registry) Add(def models.ToolDefinition) error {
	if err := validate(def); err != nil {
		return err
	}
	if def.Name == models.ToolBash {
		return fmt.Errorf("%w: %s", ErrReservedTool, def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrToolExists, def.Name)
	}
	r.defs[def.Name] = def
	r.order = append(r.order, def.Name)
	return r.saveLocked()
}

// Upsert replaces the definition for name, creating it if absent.
func (r *Registry) Upsert(name string, def models.ToolDefinition) error {
	if name == models.ToolBash {
		return fmt.Errorf("%w: %s", ErrReservedTool, name)
	}
	if def.Name == "" {
		def.Name = name
	}
	if err := validate(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; !ok {
		r.order = append(r.order, name)
	}
	r.defs[name] = def
	return r.saveLocked()
}

// Delete removes the definition for name.
func (r *Registry) Delete(name string) error {
	if name == models.ToolBash {
		return fmt.Errorf("%w: %s", ErrReservedTool, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	delete(r.defs, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return r.saveLocked()
}

func validate(def models.ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidTool)
	}
	if err := validateBinary(def.Binary); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTool, err)
	}
	return nil
}

// saveLocked writes the catalog back to disk in order, via temp + rename.
// Callers hold r.mu.
func (r *Registry) saveLocked() error {
	mapping := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range r.order {
		def := r.defs[name]
		key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name}
		val := &yaml.Node{}
		if err := val.Encode(def); err != nil {
			return fmt.Errorf("encode tool %q: %w", name, err)
		}
		mapping.Content = append(mapping.Content, key, val)
	}

	doc := struct {
		Tools *yaml.Node `yaml:"tools"`
	}{Tools: mapping}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode tool definitions: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tool definitions: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write tool definitions: %w", err)
	}
	return nil
}

// CheckInstalled reports whether the binary for a definition resolves to an
// executable on this host.
func (r *Registry) CheckInstalled(binary string) bool {
	_, err := exec.LookPath(binary)
	return err == nil
}

// Watch reloads the catalog when the file changes on disk. The parent
// directory is watched because saves replace the file by rename.
func (r *Registry) Watch(ctx context.Context) error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return err
	}
	r.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	r.watchCancel = cancel

	r.watchWg.Add(1)
	go r.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher if one is running.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
	watcher := r.watcher
	r.watcher = nil
	r.watchMu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	r.watchWg.Wait()
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer r.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(r.debounce, func() {
			if err := r.Load(); err != nil {
				r.logger.Warn("tool definitions reload failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(r.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("tool definitions watch error", "error", err)
		}
	}
}
