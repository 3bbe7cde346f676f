// Package client is a Go SDK for the outpost-engine API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is a Go SDK for the outpost-engine API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new outpost-engine client
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Sandbox is the API projection of a sandbox record
type Sandbox struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Name           string          `json:"name"`
	Provider       string          `json:"provider"`
	Status         string          `json:"status"`
	ResourceStatus string          `json:"resource_status,omitempty"`
	Sizing         string          `json:"sizing,omitempty"`
	Flags          LifecycleFlags  `json:"flags"`
	Handle         json.RawMessage `json:"handle,omitempty"`
	AgentVersion   string          `json:"agent_version,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// LifecycleFlags mirror the server-side provisioning progress flags
type LifecycleFlags struct {
	ResourceCreated     bool `json:"resource_created"`
	AgentInstalled      bool `json:"agent_installed"`
	MessagingConfigured bool `json:"messaging_configured"`
	GatewayStarted      bool `json:"gateway_started"`
}

// ProvisionRequest asks the orchestrator for a new sandbox
type ProvisionRequest struct {
	Provider       string `json:"provider"`
	Sizing         string `json:"sizing,omitempty"`
	Name           string `json:"name,omitempty"`
	SandboxID      string `json:"sandbox_id,omitempty"`
	MessagingToken string `json:"messaging_token,omitempty"`
}

// Accepted is the immediate acknowledgment of an async trigger
type Accepted struct {
	Accepted  bool   `json:"accepted"`
	SandboxID string `json:"sandbox_id"`
}

// ProviderInfo describes one backend from the catalog
type ProviderInfo struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	DefaultModel string `json:"default_model"`
	BaseURL      string `json:"base_url"`
}

// ListOptions contains options for listing sandboxes
type ListOptions struct {
	Provider string
	Status   string
	Limit    int
	Offset   int
}

// apiEnvelope is the server's standard response wrapper
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Provision asks the orchestrator to provision a sandbox. The call returns as
// soon as the pipeline is accepted; poll GetSandbox for progress.
func (c *Client) Provision(ctx context.Context, req ProvisionRequest) (*Accepted, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var accepted Accepted
	if err := c.call(ctx, "POST", "/api/v1/sandboxes", bytes.NewReader(body), &accepted); err != nil {
		return nil, err
	}
	return &accepted, nil
}

// Reprovision tears down and recreates a broken sandbox from stored state
func (c *Client) Reprovision(ctx context.Context, id string) (*Accepted, error) {
	var accepted Accepted
	path := fmt.Sprintf("/api/v1/sandboxes/%s/reprovision", url.PathEscape(id))
	if err := c.call(ctx, "POST", path, nil, &accepted); err != nil {
		return nil, err
	}
	return &accepted, nil
}

// GetSandbox retrieves a sandbox by ID
func (c *Client) GetSandbox(ctx context.Context, id string) (*Sandbox, error) {
	var sb Sandbox
	path := fmt.Sprintf("/api/v1/sandboxes/%s", url.PathEscape(id))
	if err := c.call(ctx, "GET", path, nil, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// OwnerStatus retrieves the owner-level status record
func (c *Client) OwnerStatus(ctx context.Context) (*Sandbox, error) {
	var sb Sandbox
	if err := c.call(ctx, "GET", "/api/v1/status", nil, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// DeleteSandbox removes a sandbox and its provider resource
func (c *Client) DeleteSandbox(ctx context.Context, id string) error {
	path := fmt.Sprintf("/api/v1/sandboxes/%s", url.PathEscape(id))
	return c.call(ctx, "DELETE", path, nil, nil)
}

// ListSandboxes retrieves the caller's sandboxes
func (c *Client) ListSandboxes(ctx context.Context, opts ListOptions) ([]*Sandbox, error) {
	q := url.Values{}
	if opts.Provider != "" {
		q.Set("provider", opts.Provider)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", opts.Offset))
	}

	path := "/api/v1/sandboxes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var payload struct {
		Sandboxes []*Sandbox `json:"sandboxes"`
		Total     int        `json:"total"`
	}
	if err := c.call(ctx, "GET", path, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Sandboxes, nil
}

// ListProviders retrieves the provider catalog
func (c *Client) ListProviders(ctx context.Context) ([]*ProviderInfo, error) {
	var payload struct {
		Providers []*ProviderInfo `json:"providers"`
		Total     int             `json:"total"`
	}
	if err := c.call(ctx, "GET", "/api/v1/providers", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Providers, nil
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, "GET", "/health", nil)
	return err
}

// call performs a request and unwraps the standard response envelope
func (c *Client) call(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(resp, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if !envelope.Success {
		if envelope.Error != nil {
			return fmt.Errorf("API error: %s - %s", envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("API error: request failed")
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// The envelope still carries the error details for 4xx responses
	if resp.StatusCode >= 400 && len(respBody) == 0 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return respBody, nil
}
