package terminal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/outpost-engine/internal/models"
	"github.com/terra-clan/outpost-engine/internal/provider"
	"github.com/terra-clan/outpost-engine/internal/storage"
)

type fakeShell struct {
	closed bool
}

func (s *fakeShell) Read(p []byte) (int, error)                        { return 0, nil }
func (s *fakeShell) Write(p []byte) (int, error)                       { return len(p), nil }
func (s *fakeShell) Close() error                                      { s.closed = true; return nil }
func (s *fakeShell) Resize(ctx context.Context, rows, cols uint) error { return nil }

// fakeShellClient implements just enough of the provider contract for tests
type fakeShellClient struct {
	provider.Client
	shells []*fakeShell
}

func (c *fakeShellClient) OpenShell(ctx context.Context, resourceID string) (provider.Shell, error) {
	sh := &fakeShell{}
	c.shells = append(c.shells, sh)
	return sh, nil
}

type noShellClient struct {
	provider.Client
}

func seedSandbox(t *testing.T, repo *storage.MemoryRepository, id, owner string, status models.SandboxStatus) {
	t.Helper()
	require.NoError(t, repo.CreateSandbox(context.Background(), &models.Sandbox{
		ID:       id,
		OwnerID:  owner,
		Name:     "box",
		Provider: models.ProviderSandboxService,
		Status:   status,
		Handle: &models.ResourceHandle{
			Provider:  models.ProviderSandboxService,
			Container: &models.ContainerHandle{ContainerID: "ct-" + id},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}))
}

func TestOpenSession(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seedSandbox(t, repo, "sb-1", "owner-1", models.StatusReady)

	client := &fakeShellClient{}
	m := NewManager(repo, func(p models.Provider) (provider.Client, error) {
		return client, nil
	}, 10, 2)

	session, err := m.OpenSession(context.Background(), "owner-1", "sb-1")
	require.NoError(t, err)
	assert.Equal(t, "sb-1", session.SandboxID)
	assert.Equal(t, 1, m.OpenCount())

	// Owner scoping: another owner cannot open or see the session
	_, err = m.OpenSession(context.Background(), "owner-2", "sb-1")
	assert.ErrorIs(t, err, provider.ErrNotFound)
	assert.Nil(t, m.GetSession("owner-2", session.ID))
	assert.NotNil(t, m.GetSession("owner-1", session.ID))
}

func TestOpenSession_RequiresReady(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seedSandbox(t, repo, "sb-1", "owner-1", models.StatusProvisioning)

	m := NewManager(repo, func(p models.Provider) (provider.Client, error) {
		return &fakeShellClient{}, nil
	}, 10, 2)

	_, err := m.OpenSession(context.Background(), "owner-1", "sb-1")
	assert.ErrorIs(t, err, ErrSandboxNotReady)
}

func TestOpenSession_NoShellSupport(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seedSandbox(t, repo, "sb-1", "owner-1", models.StatusReady)

	m := NewManager(repo, func(p models.Provider) (provider.Client, error) {
		return &noShellClient{}, nil
	}, 10, 2)

	_, err := m.OpenSession(context.Background(), "owner-1", "sb-1")
	assert.ErrorIs(t, err, ErrNoShellSupport)
}

func TestPerOwnerEviction(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seedSandbox(t, repo, "sb-1", "owner-1", models.StatusReady)

	client := &fakeShellClient{}
	m := NewManager(repo, func(p models.Provider) (provider.Client, error) {
		return client, nil
	}, 10, 1)

	first, err := m.OpenSession(context.Background(), "owner-1", "sb-1")
	require.NoError(t, err)

	_, err = m.OpenSession(context.Background(), "owner-1", "sb-1")
	require.NoError(t, err)

	// The older session was evicted and its shell closed
	assert.Equal(t, 1, m.OpenCount())
	assert.Nil(t, m.GetSession("owner-1", first.ID))
	assert.True(t, client.shells[0].closed)
}

func TestCloseOwnerSessions(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seedSandbox(t, repo, "sb-1", "owner-1", models.StatusReady)

	client := &fakeShellClient{}
	m := NewManager(repo, func(p models.Provider) (provider.Client, error) {
		return client, nil
	}, 10, 5)

	_, err := m.OpenSession(context.Background(), "owner-1", "sb-1")
	require.NoError(t, err)
	_, err = m.OpenSession(context.Background(), "owner-1", "sb-1")
	require.NoError(t, err)

	closed := m.CloseOwnerSessions("owner-1")
	assert.Equal(t, 2, closed)
	assert.Equal(t, 0, m.OpenCount())
	for _, sh := range client.shells {
		assert.True(t, sh.closed)
	}
}
