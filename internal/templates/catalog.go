// Package templates provides the agent template catalog.
//
// Templates are versioned blueprints owned by platform configuration, not by
// any account. The catalog loads JSON definitions from a file or directory,
// serves thread-safe lookups by "name@version" reference, and refreshes in
// the background so template rollouts do not require a restart. Running
// instances are unaffected by a refresh: they hold the resolved template
// they were built with.
package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conductorhq/conductor/pkg/models"
)

// DefaultRefreshInterval is used when no interval is configured.
const DefaultRefreshInterval = 5 * time.Minute

// Catalog is a thread-safe, auto-refreshing agent template registry.
type Catalog struct {
	mu       sync.RWMutex
	byRef    map[string]*models.AgentTemplate // key: name@version
	latest   map[string]*models.AgentTemplate // key: name → highest version
	path     string
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewCatalog creates a catalog backed by the given JSON file or directory.
// Call Start to begin background refresh.
func NewCatalog(path string, interval time.Duration) *Catalog {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Catalog{
		byRef:    make(map[string]*models.AgentTemplate),
		latest:   make(map[string]*models.AgentTemplate),
		path:     path,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start loads the catalog and begins the background refresh goroutine.
func (c *Catalog) Start(ctx context.Context) error {
	if c.path != "" {
		if err := c.Reload(); err != nil {
			return fmt.Errorf("load templates: %w", err)
		}
	}

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if c.path == "" {
					continue
				}
				if err := c.Reload(); err != nil {
					log.Warn().Err(err).Str("path", c.path).Msg("Template catalog refresh failed")
				}
			}
		}
	}()
	return nil
}

// Stop halts background refresh.
func (c *Catalog) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Register adds or replaces a template in the catalog. Used for seeding and
// for tests; file-backed deployments use Reload.
func (c *Catalog) Register(t *models.AgentTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(t)
}

// put inserts t. Must be called with the lock held.
func (c *Catalog) put(t *models.AgentTemplate) {
	c.byRef[t.Ref()] = t
	if cur, ok := c.latest[t.Name]; !ok || versionLess(cur.Version, t.Version) {
		c.latest[t.Name] = t
	}
}

// Get resolves a "name@version" reference, or the latest version when the
// reference carries no version.
func (c *Catalog) Get(ref string) (*models.AgentTemplate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name, version, ok := strings.Cut(ref, "@")
	if ok && version != "" {
		if t, found := c.byRef[name+"@"+version]; found {
			return t, nil
		}
		return nil, &models.NotFoundError{Entity: "template", Key: ref}
	}
	if t, found := c.latest[name]; found {
		return t, nil
	}
	return nil, &models.NotFoundError{Entity: "template", Key: ref}
}

// List returns all registered templates, sorted by name then version.
func (c *Catalog) List() []models.AgentTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.AgentTemplate, 0, len(c.byRef))
	for _, t := range c.byRef {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return versionLess(out[i].Version, out[j].Version)
	})
	return out
}

// Reload re-reads all template definitions from disk and swaps the catalog
// contents atomically.
func (c *Catalog) Reload() error {
	info, err := os.Stat(c.path)
	if err != nil {
		return err
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(c.path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
				files = append(files, filepath.Join(c.path, e.Name()))
			}
		}
	} else {
		files = []string{c.path}
	}

	byRef := make(map[string]*models.AgentTemplate)
	latest := make(map[string]*models.AgentTemplate)
	count := 0
	for _, f := range files {
		loaded, err := loadFile(f)
		if err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		for _, t := range loaded {
			if t.Name == "" || t.Version == "" || t.Type == "" {
				return fmt.Errorf("%s: template missing name, version, or type", f)
			}
			byRef[t.Ref()] = t
			if cur, ok := latest[t.Name]; !ok || versionLess(cur.Version, t.Version) {
				latest[t.Name] = t
			}
			count++
		}
	}

	c.mu.Lock()
	c.byRef = byRef
	c.latest = latest
	c.mu.Unlock()

	log.Info().Int("templates", count).Str("path", c.path).Msg("Template catalog loaded")
	return nil
}

// loadFile parses one JSON file holding a single template or an array.
func loadFile(path string) ([]*models.AgentTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var list []*models.AgentTemplate
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var one models.AgentTemplate
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, err
	}
	return []*models.AgentTemplate{&one}, nil
}

// versionLess compares dotted numeric versions ("1.2.0" < "1.10.0").
// Non-numeric segments fall back to string comparison.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			return an < bn
		}
		return as[i] < bs[i]
	}
	return len(as) < len(bs)
}
