package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/outpost-engine/internal/catalog"
	"github.com/terra-clan/outpost-engine/internal/config"
	"github.com/terra-clan/outpost-engine/internal/guard"
	"github.com/terra-clan/outpost-engine/internal/models"
	"github.com/terra-clan/outpost-engine/internal/provider"
	"github.com/terra-clan/outpost-engine/internal/provision"
	"github.com/terra-clan/outpost-engine/internal/storage"
	"github.com/terra-clan/outpost-engine/internal/terminal"
)

const testKey = "sk_test_0123456789"

type stubClient struct{}

func (stubClient) Name() models.Provider { return models.ProviderCloudCompute }

func (stubClient) CreateResource(ctx context.Context, group, name string, spec provider.ResourceSpec) (*provider.CreateResult, error) {
	return &provider.CreateResult{
		ResourceID: "r-1",
		Connection: provider.ConnectionInfo{Address: "10.0.0.1", State: "running", Ready: true},
	}, nil
}

func (stubClient) DescribeResource(ctx context.Context, resourceID string) (*provider.ConnectionInfo, error) {
	return &provider.ConnectionInfo{Address: "10.0.0.1", State: "running", Ready: true}, nil
}

func (stubClient) WaitForReady(ctx context.Context, resourceID string, maxAttempts int, pollInterval time.Duration) error {
	return nil
}

func (stubClient) Execute(ctx context.Context, resourceID, command string, timeout time.Duration) (*provider.ExecResult, error) {
	return &provider.ExecResult{Output: "1.0.0", ExitCode: 0}, nil
}

func (stubClient) DeleteResource(ctx context.Context, resourceID string) error { return nil }

func (stubClient) ListGroupMembers(ctx context.Context, group string) ([]provider.Resource, error) {
	return nil, nil
}

func (stubClient) CreateGroup(ctx context.Context, name string) (string, error) { return "grp", nil }

type stubVault struct{}

func (stubVault) Decrypt(ctx context.Context, c string) (string, error) { return c, nil }
func (stubVault) Encrypt(ctx context.Context, p string) (string, error) { return p, nil }

func newTestServer(t *testing.T) (*Server, *storage.MemoryRepository) {
	t.Helper()

	repo := storage.NewMemoryRepository()
	repo.AddClient(&models.ApiClient{
		ID:          1,
		Name:        "test-client",
		OwnerID:     "U1",
		ApiKey:      testKey,
		IsActive:    true,
		Permissions: []string{"*"},
		CreatedAt:   time.Now(),
	})
	require.NoError(t, repo.UpsertCredentials(context.Background(), &models.OwnerCredentials{
		OwnerID:            "U1",
		ModelProvider:      "anthropic",
		ModelKeyCiphertext: "sk-model",
		CreatedAt:          time.Now(),
	}))

	cat := catalog.New()
	cat.Add(&catalog.Entry{
		Provider:    models.ProviderCloudCompute,
		DisplayName: "Cloud Compute",
		DefaultTier: "small",
		Tiers:       map[string]catalog.Tier{"small": {InstanceType: "cx22"}},
	})

	resolver := func(p models.Provider) (provider.Client, error) { return stubClient{}, nil }
	terminals := terminal.NewManager(repo, resolver, 10, 2)

	cfg := provision.DefaultConfig()
	cfg.CreateRetryDelay = time.Millisecond
	cfg.ReadyGraceSleep = 0

	orch := provision.NewOrchestrator(
		repo, stubVault{}, cat,
		guard.NewMemoryGuard(time.Minute),
		terminals, resolver, cfg,
	)

	return NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, orch, repo, cat, terminals), repo
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}, authed bool) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NoError(t, json.Unmarshal(resp.Data, out))
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/sandboxes", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays public
	rec = doRequest(t, s, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// decodeError unwraps the error half of the response envelope
func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (bool, string) {
	t.Helper()
	var resp struct {
		Success bool `json:"success"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return resp.Success, resp.Error.Code
}

func TestAuthErrorsUseResponseEnvelope(t *testing.T) {
	s, repo := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/sandboxes", nil, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	success, code := decodeError(t, rec)
	assert.False(t, success)
	assert.Equal(t, "missing_api_key", code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sandboxes", nil)
	req.Header.Set("X-API-Key", "sk_bogus_000000000")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	_, code = decodeError(t, rec)
	assert.Equal(t, "invalid_api_key", code)

	// A read-only key cannot trigger provisioning
	repo.AddClient(&models.ApiClient{
		ID:          2,
		Name:        "limited",
		OwnerID:     "U5",
		ApiKey:      "sk_limited_0123456",
		IsActive:    true,
		Permissions: []string{"sandboxes:read"},
		CreatedAt:   time.Now(),
	})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/sandboxes", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer sk_limited_0123456")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	_, code = decodeError(t, rec)
	assert.Equal(t, "permission_denied", code)
}

func TestProvisionEndpoint(t *testing.T) {
	s, repo := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/sandboxes", models.ProvisionRequest{
		Provider: models.ProviderCloudCompute,
		Sizing:   "small",
	}, true)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted models.AcceptedResponse
	decodeData(t, rec, &accepted)
	assert.True(t, accepted.Accepted)
	require.NotEmpty(t, accepted.SandboxID)

	// The trigger returns immediately; the pipeline finishes in background
	require.Eventually(t, func() bool {
		sb, err := repo.GetSandbox(context.Background(), accepted.SandboxID)
		return err == nil && sb != nil && sb.Status == models.StatusReady
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProvisionValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/sandboxes", models.ProvisionRequest{}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/sandboxes", models.ProvisionRequest{
		Provider: "no-such-backend",
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSandboxOwnerScoped(t *testing.T) {
	s, repo := newTestServer(t)

	require.NoError(t, repo.CreateSandbox(context.Background(), &models.Sandbox{
		ID: "sb-mine", OwnerID: "U1", Provider: models.ProviderCloudCompute,
		Status: models.StatusReady, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	require.NoError(t, repo.CreateSandbox(context.Background(), &models.Sandbox{
		ID: "sb-theirs", OwnerID: "U2", Provider: models.ProviderCloudCompute,
		Status: models.StatusReady, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	rec := doRequest(t, s, http.MethodGet, "/api/v1/sandboxes/sb-mine", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Another owner's sandbox reads as not found, not forbidden
	rec = doRequest(t, s, http.MethodGet, "/api/v1/sandboxes/sb-theirs", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSandboxesScopedToOwner(t *testing.T) {
	s, repo := newTestServer(t)

	for i, owner := range []string{"U1", "U1", "U2"} {
		require.NoError(t, repo.CreateSandbox(context.Background(), &models.Sandbox{
			ID: fmt.Sprintf("sb-%d", i), OwnerID: owner, Provider: models.ProviderCloudCompute,
			Status: models.StatusReady, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}))
	}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/sandboxes", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Total int `json:"total"`
	}
	decodeData(t, rec, &payload)
	assert.Equal(t, 2, payload.Total)
}

func TestReprovisionNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/sandboxes/nope/reprovision", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOwnerStatusFallsBackToSandbox(t *testing.T) {
	s, repo := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/status", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, repo.CreateSandbox(context.Background(), &models.Sandbox{
		ID: "sb-1", OwnerID: "U1", Provider: models.ProviderCloudCompute,
		Status: models.StatusProvisioning, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	rec = doRequest(t, s, http.MethodGet, "/api/v1/status", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var sb models.Sandbox
	decodeData(t, rec, &sb)
	assert.Equal(t, "sb-1", sb.ID)
}

func TestProviderCatalogEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/providers", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Providers []models.ProviderConfig `json:"providers"`
		Total     int                     `json:"total"`
	}
	decodeData(t, rec, &payload)
	require.Equal(t, 1, payload.Total)
	assert.Equal(t, "cloud-compute", payload.Providers[0].ID)
	assert.Equal(t, "Cloud Compute", payload.Providers[0].DisplayName)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/providers/cloud-compute", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/providers/unknown", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSandbox(t *testing.T) {
	s, repo := newTestServer(t)

	require.NoError(t, repo.CreateSandbox(context.Background(), &models.Sandbox{
		ID: "sb-1", OwnerID: "U1", Provider: models.ProviderCloudCompute,
		Status: models.StatusReady,
		Handle: &models.ResourceHandle{
			Provider:     models.ProviderCloudCompute,
			CloudCompute: &models.CloudComputeHandle{InstanceID: "r-1"},
		},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	rec := doRequest(t, s, http.MethodDelete, "/api/v1/sandboxes/sb-1", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	sb, err := repo.GetSandbox(context.Background(), "sb-1")
	require.NoError(t, err)
	assert.Nil(t, sb)
}
