// Package catalog loads the project catalog from a YAML file and keeps
// it fresh by watching the file for changes.
package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Project is one catalog entry. Owner names the specialist role that
// answers for the project.
type Project struct {
	Key           string `yaml:"key"`
	Name          string `yaml:"name"`
	Status        string `yaml:"status"`
	Priority      string `yaml:"priority,omitempty"`
	Description   string `yaml:"description"`
	Owner         string `yaml:"owner,omitempty"`
	Focus         string `yaml:"focus,omitempty"`
	NextMilestone string `yaml:"next_milestone,omitempty"`
}

type catalogFile struct {
	Projects []Project `yaml:"projects"`
}

// Catalog holds the parsed projects and reloads when the file changes.
type Catalog struct {
	path string

	mu       sync.RWMutex
	projects []Project

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Load reads the catalog and starts watching its directory. Editors
// replace files on save, so the directory is watched rather than the
// file itself.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path, done: make(chan struct{})}
	if err := c.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Keep the loaded snapshot; reloads just won't happen.
		slog.Warn("catalog watcher unavailable", "error", err)
		return c, nil
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		slog.Warn("catalog watch failed", "path", path, "error", err)
		return c, nil
	}
	c.watcher = watcher
	go c.watch()

	return c, nil
}

// Parse decodes catalog YAML without file handling, for tests and
// embedded config.
func Parse(data []byte) ([]Project, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]bool, len(f.Projects))
	for i, p := range f.Projects {
		if p.Key == "" {
			return nil, fmt.Errorf("catalog project %d: key is required", i)
		}
		if seen[p.Key] {
			return nil, fmt.Errorf("catalog project %q duplicated", p.Key)
		}
		seen[p.Key] = true
	}
	return f.Projects, nil
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog %s: %w", c.path, err)
	}
	projects, err := Parse(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.projects = projects
	c.mu.Unlock()

	slog.Info("catalog loaded", "path", c.path, "projects", len(projects))
	return nil
}

func (c *Catalog) watch() {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(c.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.reload(); err != nil {
				// Keep serving the last good snapshot.
				slog.Warn("catalog reload failed", "error", err)
			}
		case <-c.watcher.Errors:
		}
	}
}

// Projects returns a copy of the current catalog.
func (c *Catalog) Projects() []Project {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Project, len(c.projects))
	copy(out, c.projects)
	return out
}

// Project looks up one entry by key.
func (c *Catalog) Project(key string) (Project, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.projects {
		if p.Key == key {
			return p, true
		}
	}
	return Project{}, false
}

// Close stops the watcher.
func (c *Catalog) Close() {
	close(c.done)
	if c.watcher != nil {
		c.watcher.Close()
	}
}
