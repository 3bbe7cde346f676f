// Package guard enforces single-active-pipeline per owner. Acquire returns
// ErrAlreadyRunning while another pipeline holds the owner's slot; the TTL
// bounds how long a crashed pipeline can block its owner.
package guard

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAlreadyRunning indicates the owner already has an active pipeline
var ErrAlreadyRunning = errors.New("pipeline already running for owner")

// Guard serializes pipelines per owner
type Guard interface {
	// Acquire claims the owner's pipeline slot or returns ErrAlreadyRunning
	Acquire(ctx context.Context, ownerID string) error
	// Release frees the owner's slot; releasing an unheld slot is a no-op
	Release(ctx context.Context, ownerID string) error
}

// MemoryGuard is an in-process Guard for tests and single-node deployments
type MemoryGuard struct {
	mu   sync.Mutex
	held map[string]time.Time
	ttl  time.Duration
}

// NewMemoryGuard creates an in-memory guard with the given TTL
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{
		held: make(map[string]time.Time),
		ttl:  ttl,
	}
}

func (g *MemoryGuard) Acquire(ctx context.Context, ownerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if expires, ok := g.held[ownerID]; ok && time.Now().Before(expires) {
		return ErrAlreadyRunning
	}
	g.held[ownerID] = time.Now().Add(g.ttl)
	return nil
}

func (g *MemoryGuard) Release(ctx context.Context, ownerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, ownerID)
	return nil
}
