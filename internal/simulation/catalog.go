package simulation

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

//go:embed scenarios/*.yaml
var builtin embed.FS

// DefaultScenarioID is played when no scenario is named
const DefaultScenarioID = "earthquake_001"

var scenarioExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true}

// Summary describes a scenario without its timeline
type Summary struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Events      int     `json:"events"`
	Seconds     float64 `json:"duration_seconds"`
	Builtin     bool    `json:"builtin"`
}

// Catalog holds the playable scenarios: the built-in ones plus every valid
// file in an optional directory. Scenarios returned by Get are shared and
// must not be modified.
type Catalog struct {
	mu        sync.RWMutex
	dir       string
	scenarios map[string]*Scenario
	builtin   map[string]bool
	added     map[string]*Scenario // Survive Reload
	logger    *zap.Logger
}

// NewCatalog loads the built-in scenarios and, when dir is non-empty, the scenario files in dir
func NewCatalog(dir string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{dir: dir, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload rereads every scenario. Invalid files are logged and skipped so one
// bad edit does not take the catalog down; an unreadable directory is an error.
func (c *Catalog) Reload() error {
	scenarios := make(map[string]*Scenario)
	builtins := make(map[string]bool)

	entries, err := fs.ReadDir(builtin, "scenarios")
	if err != nil {
		return fmt.Errorf("read built-in scenarios: %w", err)
	}
	for _, e := range entries {
		data, err := builtin.ReadFile("scenarios/" + e.Name())
		if err != nil {
			return fmt.Errorf("read built-in scenario %s: %w", e.Name(), err)
		}
		sc, err := load(bytes.NewReader(data), e.Name())
		if err != nil {
			return fmt.Errorf("built-in scenario: %w", err)
		}
		scenarios[sc.ID] = sc
		builtins[sc.ID] = true
	}

	if c.dir != "" {
		files, err := os.ReadDir(c.dir)
		if err != nil {
			return fmt.Errorf("read scenario dir: %w", err)
		}
		for _, f := range files {
			if f.IsDir() || !scenarioExtensions[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			path := filepath.Join(c.dir, f.Name())
			sc, err := LoadFile(path)
			if err != nil {
				c.logger.Warn("skipping invalid scenario", zap.String("path", path), zap.Error(err))
				continue
			}
			scenarios[sc.ID] = sc
			delete(builtins, sc.ID)
		}
	}

	c.mu.Lock()
	for id, sc := range c.added {
		scenarios[id] = sc
		delete(builtins, id)
	}
	c.scenarios = scenarios
	c.builtin = builtins
	c.mu.Unlock()

	c.logger.Debug("scenario catalog loaded", zap.Int("scenarios", len(scenarios)), zap.String("dir", c.dir))
	return nil
}

// Add registers a scenario loaded from elsewhere, replacing any with the same id
func (c *Catalog) Add(sc *Scenario) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.added == nil {
		c.added = make(map[string]*Scenario)
	}
	c.added[sc.ID] = sc
	c.scenarios[sc.ID] = sc
	delete(c.builtin, sc.ID)
}

// Get returns a scenario by id; an empty id selects the default
func (c *Catalog) Get(id string) (*Scenario, bool) {
	if id == "" {
		id = DefaultScenarioID
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.scenarios[id]
	return sc, ok
}

// List summarizes every scenario, ordered by id
func (c *Catalog) List() []Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Summary, 0, len(c.scenarios))
	for id, sc := range c.scenarios {
		out = append(out, Summary{
			ID:          id,
			Name:        sc.Name,
			Description: sc.Description,
			Events:      len(sc.Events),
			Seconds:     sc.Duration().Seconds(),
			Builtin:     c.builtin[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch reloads the catalog whenever a scenario file in the directory
// changes. It blocks until ctx is cancelled; without a directory it returns
// immediately.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(c.dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}
	c.logger.Info("watching scenario directory", zap.String("dir", c.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !scenarioExtensions[strings.ToLower(filepath.Ext(ev.Name))] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := c.Reload(); err != nil {
				c.logger.Error("scenario reload failed", zap.Error(err))
				continue
			}
			c.logger.Info("scenario catalog reloaded", zap.String("trigger", filepath.Base(ev.Name)), zap.String("op", ev.Op.String()))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("scenario watcher error", zap.Error(err))
		}
	}
}
