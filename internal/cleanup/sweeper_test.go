package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/outpost-engine/internal/models"
	"github.com/terra-clan/outpost-engine/internal/storage"
)

func seed(t *testing.T, repo *storage.MemoryRepository, id string, status models.SandboxStatus, updatedAt time.Time) {
	t.Helper()
	require.NoError(t, repo.CreateSandbox(context.Background(), &models.Sandbox{
		ID:        id,
		OwnerID:   "owner",
		Name:      id,
		Provider:  models.ProviderCloudCompute,
		Status:    status,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}))
}

func TestSweep_FailsOnlyStaleNonTerminal(t *testing.T) {
	repo := storage.NewMemoryRepository()
	old := time.Now().Add(-time.Hour)

	seed(t, repo, "stale-provisioning", models.StatusProvisioning, old)
	seed(t, repo, "stale-configuring", models.StatusConfiguringVM, old)
	seed(t, repo, "old-but-ready", models.StatusReady, old)
	seed(t, repo, "fresh-provisioning", models.StatusProvisioning, time.Now())

	s := NewSweeper(repo, time.Minute, 30*time.Minute)
	swept := s.Sweep(context.Background())
	assert.Equal(t, 2, swept)

	for id, want := range map[string]models.SandboxStatus{
		"stale-provisioning": models.StatusFailed,
		"stale-configuring":  models.StatusFailed,
		"old-but-ready":      models.StatusReady,
		"fresh-provisioning": models.StatusProvisioning,
	} {
		sb, err := repo.GetSandbox(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, sb.Status, id)
	}

	// Failed sandboxes carry an explanation for the owner
	sb, err := repo.GetSandbox(context.Background(), "stale-provisioning")
	require.NoError(t, err)
	assert.NotEmpty(t, sb.ErrorMessage)
}

func TestSweep_EmptyRepoIsQuiet(t *testing.T) {
	s := NewSweeper(storage.NewMemoryRepository(), time.Minute, time.Minute)
	assert.Equal(t, 0, s.Sweep(context.Background()))
}
