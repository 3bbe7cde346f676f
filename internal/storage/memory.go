package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/terra-clan/outpost-engine/internal/models"
)

// MemoryRepository is an in-memory Repository used by tests and local
// development. It applies patches with the same field-level semantics as the
// PostgreSQL implementation, including the legacy mirror.
type MemoryRepository struct {
	mu          sync.RWMutex
	sandboxes   map[string]*models.Sandbox
	legacy      map[string]*models.LegacyStatus
	credentials map[string]*models.OwnerCredentials
	clients     map[string]*models.ApiClient
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sandboxes:   make(map[string]*models.Sandbox),
		legacy:      make(map[string]*models.LegacyStatus),
		credentials: make(map[string]*models.OwnerCredentials),
		clients:     make(map[string]*models.ApiClient),
	}
}

func (r *MemoryRepository) CreateSandbox(ctx context.Context, sb *models.Sandbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sandboxes[sb.ID]; exists {
		return fmt.Errorf("sandbox already exists: %s", sb.ID)
	}
	clone := *sb
	r.sandboxes[sb.ID] = &clone
	return nil
}

func (r *MemoryRepository) GetSandbox(ctx context.Context, id string) (*models.Sandbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.sandboxes[id]
	if !ok {
		return nil, nil
	}
	clone := *sb
	return &clone, nil
}

func (r *MemoryRepository) GetOwnerSandbox(ctx context.Context, ownerID string) (*models.Sandbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *models.Sandbox
	for _, sb := range r.sandboxes {
		if sb.OwnerID != ownerID {
			continue
		}
		if latest == nil || sb.CreatedAt.After(latest.CreatedAt) {
			latest = sb
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}

func (r *MemoryRepository) UpdateSandboxFields(ctx context.Context, id string, patch SandboxPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.sandboxes[id]
	if !ok {
		return fmt.Errorf("sandbox not found: %s", id)
	}

	if patch.Status != nil {
		sb.Status = *patch.Status
	}
	if patch.ResourceStatus != nil {
		sb.ResourceStatus = *patch.ResourceStatus
	}
	if patch.ErrorMessage != nil {
		sb.ErrorMessage = *patch.ErrorMessage
	}
	if patch.AgentVersion != nil {
		sb.AgentVersion = *patch.AgentVersion
	}
	if patch.SecretMaterial != nil {
		sb.SecretMaterial = *patch.SecretMaterial
	}
	if patch.ClearHandle {
		sb.Handle = nil
	} else if patch.Handle != nil {
		clone := *patch.Handle
		sb.Handle = &clone
	}
	if patch.ResetFlags {
		sb.Flags = models.LifecycleFlags{}
	} else {
		if patch.ResourceCreated != nil {
			sb.Flags.ResourceCreated = *patch.ResourceCreated
		}
		if patch.AgentInstalled != nil {
			sb.Flags.AgentInstalled = *patch.AgentInstalled
		}
		if patch.MessagingConfigured != nil {
			sb.Flags.MessagingConfigured = *patch.MessagingConfigured
		}
		if patch.GatewayStarted != nil {
			sb.Flags.GatewayStarted = *patch.GatewayStarted
		}
	}
	sb.UpdatedAt = time.Now()

	if st, ok := r.legacy[sb.OwnerID]; ok {
		st.Name = sb.Name
		st.Provider = sb.Provider
		st.Status = sb.Status
		st.ResourceStatus = sb.ResourceStatus
		st.Sizing = sb.Sizing
		st.Flags = sb.Flags
		st.Handle = sb.Handle
		st.AgentVersion = sb.AgentVersion
		st.ErrorMessage = sb.ErrorMessage
		st.UpdatedAt = sb.UpdatedAt
	}

	return nil
}

func (r *MemoryRepository) DeleteSandbox(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sandboxes[id]; !ok {
		return fmt.Errorf("sandbox not found: %s", id)
	}
	delete(r.sandboxes, id)
	return nil
}

func (r *MemoryRepository) ListSandboxes(ctx context.Context, filters models.ListFilters) ([]*models.Sandbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Sandbox
	for _, sb := range r.sandboxes {
		if filters.OwnerID != "" && sb.OwnerID != filters.OwnerID {
			continue
		}
		if filters.Provider != "" && sb.Provider != filters.Provider {
			continue
		}
		if filters.Status != "" && sb.Status != filters.Status {
			continue
		}
		clone := *sb
		out = append(out, &clone)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return nil, nil
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetStuckSandboxes(ctx context.Context, cutoff time.Time) ([]*models.Sandbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Sandbox
	for _, sb := range r.sandboxes {
		if sb.Status.IsActive() && sb.UpdatedAt.Before(cutoff) {
			clone := *sb
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) GetLegacyStatus(ctx context.Context, ownerID string) (*models.LegacyStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.legacy[ownerID]
	if !ok {
		return nil, nil
	}
	clone := *st
	return &clone, nil
}

func (r *MemoryRepository) UpsertLegacyStatus(ctx context.Context, st *models.LegacyStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *st
	r.legacy[st.OwnerID] = &clone
	return nil
}

func (r *MemoryRepository) GetCredentials(ctx context.Context, ownerID string) (*models.OwnerCredentials, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	creds, ok := r.credentials[ownerID]
	if !ok {
		return nil, nil
	}
	clone := *creds
	return &clone, nil
}

func (r *MemoryRepository) UpsertCredentials(ctx context.Context, creds *models.OwnerCredentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *creds
	r.credentials[creds.OwnerID] = &clone
	return nil
}

func (r *MemoryRepository) GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[apiKey]
	if !ok {
		return nil, nil
	}
	clone := *client
	return &clone, nil
}

func (r *MemoryRepository) UpdateClientLastUsed(ctx context.Context, apiKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[apiKey]; ok {
		now := time.Now()
		client.LastUsedAt = &now
	}
	return nil
}

// AddClient seeds an API client; test helper
func (r *MemoryRepository) AddClient(client *models.ApiClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *client
	r.clients[client.ApiKey] = &clone
}

func (r *MemoryRepository) Ping(ctx context.Context) error { return nil }

func (r *MemoryRepository) Close() error { return nil }
