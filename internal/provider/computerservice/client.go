// Package computerservice implements the provider contract against a
// "computer as a service" API: computers live inside projects, creation is a
// single call, and exec is synchronous.
package computerservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/terra-clan/outpost-engine/internal/models"
	"github.com/terra-clan/outpost-engine/internal/provider"
)

// Client talks to the computer-service HTTP API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a computer-service provider client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Name returns the backend identifier
func (c *Client) Name() models.Provider {
	return models.ProviderComputerService
}

type computerPayload struct {
	ComputerID string `json:"computer_id"`
	ProjectID  string `json:"project_id"`
	Name       string `json:"name"`
	Endpoint   string `json:"endpoint"`
	Status     string `json:"status"`
}

type execPayload struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

type serviceErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CreateResource creates a computer inside the project. The service manages
// connection secrets itself, so no secret material is returned.
func (c *Client) CreateResource(ctx context.Context, group, name string, spec provider.ResourceSpec) (*provider.CreateResult, error) {
	body := map[string]interface{}{
		"project_id": group,
		"name":       name,
		"size":       spec.InstanceType,
	}

	var computer computerPayload
	if err := c.doRequest(ctx, http.MethodPost, "/v1/computers", body, &computer); err != nil {
		if be, ok := provider.AsBilling(err); ok {
			be.RequestedSizing = spec.Sizing
			return nil, be
		}
		return nil, fmt.Errorf("failed to create computer: %w", err)
	}

	return &provider.CreateResult{
		ResourceID: computer.ComputerID,
		Connection: provider.ConnectionInfo{
			Address: computer.Endpoint,
			State:   computer.Status,
			Ready:   computer.Status == "ready",
		},
	}, nil
}

// DescribeResource returns the computer's connection info
func (c *Client) DescribeResource(ctx context.Context, resourceID string) (*provider.ConnectionInfo, error) {
	var computer computerPayload
	err := c.doRequest(ctx, http.MethodGet, "/v1/computers/"+url.PathEscape(resourceID), nil, &computer)
	if err != nil {
		return nil, err
	}

	return &provider.ConnectionInfo{
		Address: computer.Endpoint,
		State:   computer.Status,
		Ready:   computer.Status == "ready",
	}, nil
}

// WaitForReady polls the computer until the service reports it ready
func (c *Client) WaitForReady(ctx context.Context, resourceID string, maxAttempts int, pollInterval time.Duration) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		info, err := c.DescribeResource(ctx, resourceID)
		if err == nil && info.Ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return provider.ErrReadyTimeout
}

// Execute runs a command synchronously through the service's exec endpoint
func (c *Client) Execute(ctx context.Context, resourceID, command string, timeout time.Duration) (*provider.ExecResult, error) {
	body := map[string]interface{}{
		"command":    command,
		"timeout_ms": timeout.Milliseconds(),
	}

	var result execPayload
	err := c.doRequest(ctx, http.MethodPost, "/v1/computers/"+url.PathEscape(resourceID)+"/exec", body, &result)
	if err != nil {
		return nil, err
	}

	return &provider.ExecResult{Output: result.Output, ExitCode: result.ExitCode}, nil
}

// DeleteResource removes the computer
func (c *Client) DeleteResource(ctx context.Context, resourceID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/v1/computers/"+url.PathEscape(resourceID), nil, nil)
}

// ListGroupMembers lists computers in a project
func (c *Client) ListGroupMembers(ctx context.Context, group string) ([]provider.Resource, error) {
	var payload struct {
		Computers []computerPayload `json:"computers"`
	}
	err := c.doRequest(ctx, http.MethodGet, "/v1/projects/"+url.PathEscape(group)+"/computers", nil, &payload)
	if err != nil {
		return nil, fmt.Errorf("failed to list computers: %w", err)
	}

	resources := make([]provider.Resource, 0, len(payload.Computers))
	for _, computer := range payload.Computers {
		resources = append(resources, provider.Resource{
			ID:    computer.ComputerID,
			Name:  computer.Name,
			State: computer.Status,
		})
	}
	return resources, nil
}

// CreateGroup creates a project namespace
func (c *Client) CreateGroup(ctx context.Context, name string) (string, error) {
	var payload struct {
		ProjectID string `json:"project_id"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/projects", map[string]string{"name": name}, &payload); err != nil {
		return "", fmt.Errorf("failed to create project: %w", err)
	}
	return payload.ProjectID, nil
}

// doRequest performs an HTTP request and decodes the JSON response into out
func (c *Client) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.mapError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// mapError translates service error responses into the typed taxonomy
func (c *Client) mapError(resp *http.Response) error {
	var payload serviceErrorPayload
	data, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(data, &payload)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return provider.ErrNotFound
	case resp.StatusCode == http.StatusPaymentRequired, payload.Error == "plan_limit_exceeded":
		return &provider.BillingError{Message: payload.Message}
	case resp.StatusCode == http.StatusBadGateway, resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("computer %s: %w", payload.Message, provider.ErrUnreachable)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return provider.ErrTimeout
	}

	if payload.Message != "" {
		return fmt.Errorf("service error %d (%s): %s", resp.StatusCode, payload.Error, payload.Message)
	}
	return fmt.Errorf("service error %d: %s", resp.StatusCode, string(data))
}
