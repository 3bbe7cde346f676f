// Package catalog maps provider names and sizing tiers onto concrete resource
// specs. Entries come from YAML files so operators can add tiers without a
// redeploy.
package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/terra-clan/outpost-engine/internal/models"
	"github.com/terra-clan/outpost-engine/internal/provider"
)

// Entry describes one provider backend: its client-facing metadata plus the
// sizing tiers it offers.
type Entry struct {
	Provider     models.Provider
	DisplayName  string
	DefaultModel string
	BaseURL      string
	DefaultTier  string
	Tiers        map[string]Tier
}

// Tier is one sizing option within a provider
type Tier struct {
	InstanceType string
	CPU          int
	MemoryMB     int
	Image        string
}

// Catalog holds the loaded provider entries
type Catalog struct {
	mu      sync.RWMutex
	entries map[models.Provider]*Entry
}

// New creates an empty catalog
func New() *Catalog {
	return &Catalog{entries: make(map[models.Provider]*Entry)}
}

// LoadFromDir loads all provider YAML files from a directory
func (c *Catalog) LoadFromDir(dir string) error {
	slog.Info("loading provider catalog", "dir", dir)

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		files = append(files, matches...)
	}

	loaded := 0
	for _, file := range files {
		if err := c.LoadFromFile(file); err != nil {
			slog.Warn("failed to load catalog entry", "file", file, "error", err)
			continue
		}
		loaded++
	}

	slog.Info("provider catalog loaded", "count", loaded, "total_files", len(files))
	return nil
}

// LoadFromFile loads a single provider entry from a YAML file
func (c *Catalog) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var ef entryFile
	if err := yaml.Unmarshal(data, &ef); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	p := models.Provider(ef.Provider)
	if !p.Valid() {
		return fmt.Errorf("unknown provider: %q", ef.Provider)
	}
	if len(ef.Tiers) == 0 {
		return fmt.Errorf("provider %s has no sizing tiers", ef.Provider)
	}

	entry := &Entry{
		Provider:     p,
		DisplayName:  ef.DisplayName,
		DefaultModel: ef.DefaultModel,
		BaseURL:      ef.BaseURL,
		DefaultTier:  ef.DefaultTier,
		Tiers:        make(map[string]Tier, len(ef.Tiers)),
	}
	if entry.DisplayName == "" {
		entry.DisplayName = string(p)
	}

	for name, tf := range ef.Tiers {
		entry.Tiers[name] = Tier{
			InstanceType: tf.InstanceType,
			CPU:          tf.CPU,
			MemoryMB:     tf.MemoryMB,
			Image:        tf.Image,
		}
	}

	if entry.DefaultTier == "" {
		// Deterministic fallback: first tier name in lexical order
		names := make([]string, 0, len(entry.Tiers))
		for name := range entry.Tiers {
			names = append(names, name)
		}
		sort.Strings(names)
		entry.DefaultTier = names[0]
	}
	if _, ok := entry.Tiers[entry.DefaultTier]; !ok {
		return fmt.Errorf("default tier %q not defined for provider %s", entry.DefaultTier, ef.Provider)
	}

	c.mu.Lock()
	c.entries[p] = entry
	c.mu.Unlock()

	slog.Info("catalog entry loaded", "provider", p, "tiers", len(entry.Tiers))
	return nil
}

// Add programmatically adds an entry
func (c *Catalog) Add(entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Provider] = entry
}

// Get returns the entry for a provider, or nil
func (c *Catalog) Get(p models.Provider) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[p]
}

// List returns all entries sorted by provider name
func (c *Catalog) List() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Provider < result[j].Provider
	})
	return result
}

// ResolveSpec maps a provider and sizing tier onto a concrete resource spec.
// An empty sizing selects the provider's default tier.
func (c *Catalog) ResolveSpec(p models.Provider, sizing string) (provider.ResourceSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[p]
	if !ok {
		return provider.ResourceSpec{}, fmt.Errorf("provider not in catalog: %s", p)
	}

	name := sizing
	if name == "" {
		name = entry.DefaultTier
	}

	tier, ok := entry.Tiers[name]
	if !ok {
		return provider.ResourceSpec{}, fmt.Errorf("unknown sizing %q for provider %s", sizing, p)
	}

	return provider.ResourceSpec{
		Sizing:       name,
		InstanceType: tier.InstanceType,
		CPU:          tier.CPU,
		MemoryMB:     tier.MemoryMB,
		Image:        tier.Image,
	}, nil
}

// --- YAML file structs ---

type entryFile struct {
	Provider     string              `yaml:"provider"`
	DisplayName  string              `yaml:"display_name"`
	DefaultModel string              `yaml:"default_model"`
	BaseURL      string              `yaml:"base_url"`
	DefaultTier  string              `yaml:"default_tier"`
	Tiers        map[string]tierFile `yaml:"tiers"`
}

type tierFile struct {
	InstanceType string `yaml:"instance_type"`
	CPU          int    `yaml:"cpu"`
	MemoryMB     int    `yaml:"memory_mb"`
	Image        string `yaml:"image"`
}
