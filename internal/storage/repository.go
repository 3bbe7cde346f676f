package storage

import (
	"context"
	"time"

	"github.com/terra-clan/outpost-engine/internal/models"
)

// SandboxPatch is a field-level partial update. Only non-nil fields are
// written, so unrelated fields from concurrent writers do not clobber each
// other. Within one pipeline run every patch is durably applied before the
// next step begins.
type SandboxPatch struct {
	Status         *models.SandboxStatus
	ResourceStatus *models.ResourceStatus
	ErrorMessage   *string
	AgentVersion   *string
	SecretMaterial *string
	Handle         *models.ResourceHandle
	ClearHandle    bool

	ResourceCreated     *bool
	AgentInstalled      *bool
	MessagingConfigured *bool
	GatewayStarted      *bool
	// ResetFlags clears all four lifecycle flags atomically; used only by
	// reprovisioning before the pipeline restarts.
	ResetFlags bool
}

// Repository defines the interface for orchestrator persistence. Get methods
// return (nil, nil) when the record does not exist.
type Repository interface {
	// Sandboxes
	CreateSandbox(ctx context.Context, sb *models.Sandbox) error
	GetSandbox(ctx context.Context, id string) (*models.Sandbox, error)
	GetOwnerSandbox(ctx context.Context, ownerID string) (*models.Sandbox, error)
	UpdateSandboxFields(ctx context.Context, id string, patch SandboxPatch) error
	DeleteSandbox(ctx context.Context, id string) error
	ListSandboxes(ctx context.Context, filters models.ListFilters) ([]*models.Sandbox, error)
	// GetStuckSandboxes returns sandboxes sitting in a non-terminal status
	// since before the cutoff; used by the stale-pipeline sweeper.
	GetStuckSandboxes(ctx context.Context, cutoff time.Time) ([]*models.Sandbox, error)

	// Legacy owner-keyed status record
	GetLegacyStatus(ctx context.Context, ownerID string) (*models.LegacyStatus, error)
	UpsertLegacyStatus(ctx context.Context, st *models.LegacyStatus) error

	// Stored credentials
	GetCredentials(ctx context.Context, ownerID string) (*models.OwnerCredentials, error)
	UpsertCredentials(ctx context.Context, creds *models.OwnerCredentials) error

	// API Clients
	GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error)
	UpdateClientLastUsed(ctx context.Context, apiKey string) error

	// Health
	Ping(ctx context.Context) error
	Close() error
}
