package api

import (
	"context"

	"github.com/terra-clan/outpost-engine/internal/models"
)

type clientKey struct{}

// ContextWithClient attaches the authenticated client principal
func ContextWithClient(ctx context.Context, client *models.ApiClient) context.Context {
	return context.WithValue(ctx, clientKey{}, client)
}

// ClientFromContext returns the authenticated client, or nil outside the auth
// middleware.
func ClientFromContext(ctx context.Context) *models.ApiClient {
	client, _ := ctx.Value(clientKey{}).(*models.ApiClient)
	return client
}
