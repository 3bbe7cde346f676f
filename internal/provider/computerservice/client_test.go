package computerservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/outpost-engine/internal/provider"
)

func TestCreateResource_SingleCall(t *testing.T) {
	var gotKey string
	var createReq map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		require.Equal(t, "/v1/computers", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&createReq))
		json.NewEncoder(w).Encode(computerPayload{
			ComputerID: "c-9",
			ProjectID:  "p-1",
			Name:       "sbx-1",
			Endpoint:   "c9.svc.example.com",
			Status:     "ready",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "svc-key")
	result, err := c.CreateResource(context.Background(), "p-1", "sbx-1", provider.ResourceSpec{
		Sizing:       "small",
		InstanceType: "standard-2",
	})
	require.NoError(t, err)

	assert.Equal(t, "svc-key", gotKey)
	assert.Equal(t, "c-9", result.ResourceID)
	assert.Equal(t, "c9.svc.example.com", result.Connection.Address)
	assert.True(t, result.Connection.Ready)
	assert.Empty(t, result.Secret, "service manages its own connection secrets")

	assert.Equal(t, "p-1", createReq["project_id"])
	assert.Equal(t, "standard-2", createReq["size"])
}

func TestCreateResource_PlanLimitMapsToBilling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(serviceErrorPayload{
			Error:   "plan_limit_exceeded",
			Message: "upgrade your plan to create more computers",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	_, err := c.CreateResource(context.Background(), "p-1", "sbx", provider.ResourceSpec{Sizing: "large"})
	require.Error(t, err)

	be, ok := provider.AsBilling(err)
	require.True(t, ok)
	assert.Equal(t, "large", be.RequestedSizing)
	assert.Contains(t, be.Message, "upgrade your plan")
}

func TestExecute_Synchronous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/computers/c-9/exec", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "uname -a", body["command"])
		json.NewEncoder(w).Encode(execPayload{Output: "Linux", ExitCode: 0})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	result, err := c.Execute(context.Background(), "c-9", "uname -a", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Linux", result.Output)
	assert.True(t, result.IsSuccess())
}

func TestMapError_ServiceOutageIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	_, err := c.DescribeResource(context.Background(), "c-9")
	assert.ErrorIs(t, err, provider.ErrUnreachable)
}

func TestDescribeResource_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	_, err := c.DescribeResource(context.Background(), "c-missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestGroupLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/projects":
			json.NewEncoder(w).Encode(map[string]string{"project_id": "p-new"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/projects/p-new/computers":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"computers": []computerPayload{
					{ComputerID: "c-1", Name: "sbx-a", Status: "ready"},
				},
			})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")

	projectID, err := c.CreateGroup(context.Background(), "outpost-U1")
	require.NoError(t, err)
	assert.Equal(t, "p-new", projectID)

	members, err := c.ListGroupMembers(context.Background(), projectID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "c-1", members[0].ID)
}
