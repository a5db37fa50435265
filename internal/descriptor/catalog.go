package descriptor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrModelNotFound is returned for names missing from the catalog.
var ErrModelNotFound = errors.New("model not found")

// Unavailable describes a model directory whose descriptor could not be used.
type Unavailable struct {
	Dir    string `json:"dir"`
	Reason string `json:"reason"`
}

// Discover loads every sub-directory of root that contains a descriptor.
// Directories with a missing or broken descriptor are reported separately.
func Discover(root string) ([]*Model, []Unavailable, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, fmt.Errorf("read models directory: %w", err)
	}

	var models []*Model
	var bad []Unavailable
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
			bad = append(bad, Unavailable{Dir: dir, Reason: "missing " + FileName})
			continue
		}
		m, err := Load(dir)
		if err != nil {
			bad = append(bad, Unavailable{Dir: dir, Reason: err.Error()})
			continue
		}
		models = append(models, m)
	}
	return models, bad, nil
}

// Catalog is the set of models known to the service. It is safe for
// concurrent use.
type Catalog struct {
	mu          sync.RWMutex
	root        string
	models      map[string]*Model
	unavailable []Unavailable
	logger      *slog.Logger
}

// NewCatalog creates an empty catalog rooted at dir. Call Reload to scan it.
func NewCatalog(root string, logger *slog.Logger) *Catalog {
	return &Catalog{
		root:   root,
		models: make(map[string]*Model),
		logger: logger,
	}
}

// Reload rescans the models directory.
func (c *Catalog) Reload() error {
	models, bad, err := Discover(c.root)
	if err != nil {
		return err
	}

	byName := make(map[string]*Model, len(models))
	for _, m := range models {
		if prev, ok := byName[m.Name]; ok {
			bad = append(bad, Unavailable{Dir: m.Dir, Reason: fmt.Sprintf("duplicate model name %q (also in %s)", m.Name, prev.Dir)})
			continue
		}
		byName[m.Name] = m
	}
	for _, u := range bad {
		c.logger.Warn("model unavailable", "dir", u.Dir, "reason", u.Reason)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = byName
	c.unavailable = bad
	return nil
}

// Add registers m directly, replacing any model of the same name.
func (c *Catalog) Add(m *Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[m.Name] = m
}

// Get returns the model named name.
func (c *Catalog) Get(name string) (*Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModelNotFound, name)
	}
	return m, nil
}

// List returns the available models sorted by name.
func (c *Catalog) List() []*Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unavailable returns the directories skipped by the last Reload.
func (c *Catalog) Unavailable() []Unavailable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Unavailable(nil), c.unavailable...)
}
