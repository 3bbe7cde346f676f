package dockerlocal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/outpost-engine/internal/provider"
)

// newTestClient points the docker SDK at a stub daemon API
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	docker, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+srv.Listener.Addr().String()),
		client.WithVersion("1.43"),
	)
	require.NoError(t, err)

	return &Client{docker: docker, network: "bridge", defaultImage: "ubuntu:22.04"}
}

func TestExecute_CreateFailureKeepsDaemonDetail(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"exec backend is down"}`))
	}))

	_, err := c.Execute(context.Background(), "c1", "true", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrUnreachable)
	assert.Contains(t, err.Error(), "exec backend is down")
}

func TestExecute_MissingContainerIsNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"No such container: c1"}`))
	}))

	_, err := c.Execute(context.Background(), "c1", "true", time.Second)
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestDescribeResource_MissingContainerIsNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"No such container: c1"}`))
	}))

	_, err := c.DescribeResource(context.Background(), "c1")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}
