package provider

import (
	"fmt"
	"sync"

	"github.com/terra-clan/outpost-engine/internal/models"
)

// Config carries connection configuration for client construction. APIKey is
// the decrypted backend credential for the pipeline run; the remaining fields
// come from process configuration.
type Config struct {
	BaseURL string
	APIKey  string

	// sandbox-service backend
	DockerHost    string
	DockerNetwork string
	DefaultImage  string
}

// Factory constructs a Client from configuration
type Factory func(cfg Config) (Client, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[models.Provider]Factory{}
)

// Register adds a backend factory. Called from each backend's init.
func Register(name models.Provider, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// New creates a Client for the named backend
func New(name models.Provider, cfg Config) (Client, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported provider: %q", name)
	}
	return factory(cfg)
}

// Registered returns the names of all registered backends
func Registered() []models.Provider {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]models.Provider, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}
