// Package cloudcompute implements the provider contract against a
// general-purpose cloud compute API: explicit instance lifecycle, generated
// key pairs, and remote commands through an asynchronous invocation API.
package cloudcompute

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

const defaultGroup = "default"

// Client talks to the cloud compute HTTP API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a cloud-compute provider client
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
	return models.ProviderCloudCompute
}

type instancePayload struct {
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
	PublicIP   string `json:"public_ip"`
	State      string `json:"state"`
}

type keyPairPayload struct {
	KeyPairID  string `json:"key_pair_id"`
	PrivateKey string `json:"private_key"`
}

type invocationPayload struct {
	InvocationID string `json:"invocation_id"`
	Status       string `json:"status"`
	Output       string `json:"output"`
	ExitCode     int    `json:"exit_code"`
}

type apiErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateResource generates a key pair, then launches an instance bound to it.
// The private key is returned as the resource secret; the API hands it out
// exactly once.
func (c *Client) CreateResource(ctx context.Context, group, name string, spec provider.ResourceSpec) (*provider.CreateResult, error) {
	var kp keyPairPayload
	err := c.doRequest(ctx, http.MethodPost, "/v1/keypairs", map[string]string{"name": name}, &kp)
	if err != nil {
		return nil, fmt.Errorf("failed to create key pair: %w", err)
	}

	if group == "" {
		group = defaultGroup
	}

	body := map[string]interface{}{
		"name":           name,
		"instance_type":  spec.InstanceType,
		"image":          spec.Image,
		"key_pair_id":    kp.KeyPairID,
		"security_group": group,
	}

	var inst instancePayload
	if err := c.doRequest(ctx, http.MethodPost, "/v1/instances", body, &inst); err != nil {
		if be, ok := provider.AsBilling(err); ok {
			be.RequestedSizing = spec.Sizing
			return nil, be
		}
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	return &provider.CreateResult{
		ResourceID: inst.InstanceID,
		Connection: provider.ConnectionInfo{
			Address: inst.PublicIP,
			State:   inst.State,
			Ready:   inst.State == "running",
		},
		Secret:       kp.PrivateKey,
		CredentialID: kp.KeyPairID,
	}, nil
}

// DescribeResource returns the instance's connection info
func (c *Client) DescribeResource(ctx context.Context, resourceID string) (*provider.ConnectionInfo, error) {
	var inst instancePayload
	err := c.doRequest(ctx, http.MethodGet, "/v1/instances/"+url.PathEscape(resourceID), nil, &inst)
	if err != nil {
		return nil, err
	}

	return &provider.ConnectionInfo{
		Address: inst.PublicIP,
		State:   inst.State,
		Ready:   inst.State == "running",
	}, nil
}

// WaitForReady polls the instance until it reports running
func (c *Client) WaitForReady(ctx context.Context, resourceID string, maxAttempts int, pollInterval time.Duration) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		// NotFound during boot is possible on eventually-consistent APIs;
		// keep polling until attempts run out.
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

// Execute submits the command through the invocation API and polls for the
// result. The guest agent reports combined output and exit status.
func (c *Client) Execute(ctx context.Context, resourceID, command string, timeout time.Duration) (*provider.ExecResult, error) {
	body := map[string]interface{}{
		"instance_id": resourceID,
		"command":     command,
		"timeout_ms":  timeout.Milliseconds(),
	}

	var inv invocationPayload
	if err := c.doRequest(ctx, http.MethodPost, "/v1/invocations", body, &inv); err != nil {
		return nil, fmt.Errorf("failed to submit command: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		var status invocationPayload
		err := c.doRequest(ctx, http.MethodGet, "/v1/invocations/"+url.PathEscape(inv.InvocationID), nil, &status)
		if err != nil {
			return nil, fmt.Errorf("failed to poll invocation: %w", err)
		}

		switch status.Status {
		case "finished":
			return &provider.ExecResult{Output: status.Output, ExitCode: status.ExitCode}, nil
		case "unreachable":
			return nil, fmt.Errorf("invocation %s: %w", inv.InvocationID, provider.ErrUnreachable)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("invocation %s: %w", inv.InvocationID, provider.ErrTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// DeleteResource terminates the instance
func (c *Client) DeleteResource(ctx context.Context, resourceID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/v1/instances/"+url.PathEscape(resourceID), nil, nil)
}

// ListGroupMembers lists instances tagged with the security group
func (c *Client) ListGroupMembers(ctx context.Context, group string) ([]provider.Resource, error) {
	if group == "" {
		group = defaultGroup
	}

	var payload struct {
		Instances []instancePayload `json:"instances"`
	}
	err := c.doRequest(ctx, http.MethodGet, "/v1/instances?security_group="+url.QueryEscape(group), nil, &payload)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	resources := make([]provider.Resource, 0, len(payload.Instances))
	for _, inst := range payload.Instances {
		resources = append(resources, provider.Resource{
			ID:    inst.InstanceID,
			Name:  inst.Name,
			State: inst.State,
		})
	}
	return resources, nil
}

// CreateGroup creates a security group used as the namespace for instances
func (c *Client) CreateGroup(ctx context.Context, name string) (string, error) {
	var payload struct {
		GroupID string `json:"group_id"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/security-groups", map[string]string{"name": name}, &payload); err != nil {
		return "", fmt.Errorf("failed to create security group: %w", err)
	}
	return payload.GroupID, nil
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

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
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

// mapError translates API error responses into the typed taxonomy
func (c *Client) mapError(resp *http.Response) error {
	var payload apiErrorPayload
	data, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(data, &payload)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return provider.ErrNotFound
	case resp.StatusCode == http.StatusPaymentRequired,
		payload.Code == "QuotaExceeded",
		payload.Code == "InsufficientBalance":
		return &provider.BillingError{Message: payload.Message}
	case resp.StatusCode == http.StatusGatewayTimeout:
		return provider.ErrTimeout
	}

	if payload.Message != "" {
		return fmt.Errorf("api error %d (%s): %s", resp.StatusCode, payload.Code, payload.Message)
	}
	return fmt.Errorf("api error %d: %s", resp.StatusCode, string(data))
}
