// Package dockerlocal implements the provider contract on top of the Docker
// API. Containers stand in for remote sandboxes; it is the backend behind the
// sandbox-service provider and the only one with interactive shell support.
package dockerlocal

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/terra-clan/outpost-engine/internal/models"
	"github.com/terra-clan/outpost-engine/internal/provider"
)

const syntheticGroup = "local"

// gatewayPort is the in-container port the agent gateway listens on. It is
// published on an ephemeral host port so the gateway is reachable from
// outside the docker network.
const gatewayPort = "8080/tcp"

// Client implements provider.Client and provider.ShellClient over Docker
type Client struct {
	docker       *client.Client
	network      string
	defaultImage string
}

// NewClient creates a sandbox-service provider client
func NewClient(host, network, defaultImage string) (*Client, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Client{
		docker:       cli,
		network:      network,
		defaultImage: defaultImage,
	}, nil
}

// Name returns the backend identifier
func (c *Client) Name() models.Provider {
	return models.ProviderSandboxService
}

// CreateResource creates and starts a container labeled with the group so
// ListGroupMembers can find it later.
func (c *Client) CreateResource(ctx context.Context, group, name string, spec provider.ResourceSpec) (*provider.CreateResult, error) {
	image := spec.Image
	if image == "" {
		image = c.defaultImage
	}

	if err := c.pullImage(ctx, image); err != nil {
		return nil, fmt.Errorf("failed to pull image: %w", err)
	}

	if group == "" {
		group = syntheticGroup
	}

	resources := container.Resources{}
	if spec.MemoryMB > 0 {
		resources.Memory = int64(spec.MemoryMB) * 1024 * 1024
	}
	if spec.CPU > 0 {
		resources.NanoCPUs = int64(spec.CPU) * 1_000_000_000
	}

	containerConfig := &container.Config{
		Tty:       true,
		OpenStdin: true,
		Image:     image,
		ExposedPorts: nat.PortSet{
			nat.Port(gatewayPort): struct{}{},
		},
		Labels: map[string]string{
			"outpost.group":   group,
			"outpost.name":    name,
			"outpost.managed": "true",
		},
	}

	hostConfig := &container.HostConfig{
		Resources:   resources,
		NetworkMode: container.NetworkMode(c.network),
		PortBindings: nat.PortMap{
			nat.Port(gatewayPort): []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: ""},
			},
		},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
	}

	resp, err := c.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "outpost-"+name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	info, err := c.DescribeResource(ctx, resp.ID)
	if err != nil {
		return nil, err
	}

	return &provider.CreateResult{
		ResourceID: resp.ID,
		Connection: *info,
	}, nil
}

// DescribeResource inspects the container
func (c *Client) DescribeResource(ctx context.Context, resourceID string) (*provider.ConnectionInfo, error) {
	inspect, err := c.docker.ContainerInspect(ctx, resourceID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, provider.ErrNotFound
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	address := ""
	if inspect.NetworkSettings != nil {
		address = inspect.NetworkSettings.IPAddress
		for _, net := range inspect.NetworkSettings.Networks {
			if net.IPAddress != "" {
				address = net.IPAddress
				break
			}
		}
	}

	state := "created"
	running := false
	if inspect.State != nil {
		state = inspect.State.Status
		running = inspect.State.Running
	}

	return &provider.ConnectionInfo{
		Address: address,
		State:   state,
		Ready:   running,
	}, nil
}

// WaitForReady polls until the container is running
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

// Execute runs a shell command via exec and collects combined output
func (c *Client) Execute(ctx context.Context, resourceID, command string, timeout time.Duration) (*provider.ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execResp, err := c.docker.ContainerExecCreate(ctx, resourceID, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          []string{"/bin/sh", "-c", command},
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, provider.ErrNotFound
		}
		return nil, fmt.Errorf("failed to create exec: %v: %w", err, provider.ErrUnreachable)
	}

	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attachResp.Close()

	output, err := io.ReadAll(attachResp.Reader)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("exec %s: %w", execResp.ID, provider.ErrTimeout)
		}
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &provider.ExecResult{
		Output:   string(output),
		ExitCode: inspect.ExitCode,
	}, nil
}

// DeleteResource stops and removes the container; already-gone is fine
func (c *Client) DeleteResource(ctx context.Context, resourceID string) error {
	timeout := 10
	_ = c.docker.ContainerStop(ctx, resourceID, container.StopOptions{Timeout: &timeout})

	err := c.docker.ContainerRemove(ctx, resourceID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// ListGroupMembers lists managed containers carrying the group label
func (c *Client) ListGroupMembers(ctx context.Context, group string) ([]provider.Resource, error) {
	if group == "" {
		group = syntheticGroup
	}

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", "outpost.group="+group),
			filters.Arg("label", "outpost.managed=true"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	resources := make([]provider.Resource, 0, len(containers))
	for _, ct := range containers {
		resources = append(resources, provider.Resource{
			ID:    ct.ID,
			Name:  ct.Labels["outpost.name"],
			State: ct.State,
		})
	}
	return resources, nil
}

// CreateGroup is a no-op; Docker has no project namespace
func (c *Client) CreateGroup(ctx context.Context, name string) (string, error) {
	return syntheticGroup, nil
}

// OpenShell starts an interactive login shell inside the container
func (c *Client) OpenShell(ctx context.Context, resourceID string) (provider.Shell, error) {
	execResp, err := c.docker.ContainerExecCreate(ctx, resourceID, types.ExecConfig{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          []string{"/bin/bash", "--login"},
		Env: []string{
			"TERM=xterm-256color",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create shell exec: %w", err)
	}

	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("failed to attach shell: %w", err)
	}

	return &dockerShell{
		execID: execResp.ID,
		docker: c.docker,
		resp:   attachResp,
	}, nil
}

// Close releases the underlying docker client
func (c *Client) Close() error {
	return c.docker.Close()
}

// pullImage pulls the image unless it is already present
func (c *Client) pullImage(ctx context.Context, imageName string) error {
	if _, _, err := c.docker.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}

	out, err := c.docker.ImagePull(ctx, imageName, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer out.Close()

	_, _ = io.Copy(io.Discard, out)
	return nil
}

// dockerShell adapts a hijacked exec stream to the Shell interface
type dockerShell struct {
	execID string
	docker *client.Client
	resp   types.HijackedResponse
}

func (s *dockerShell) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *dockerShell) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *dockerShell) Close() error {
	s.resp.Close()
	return nil
}

func (s *dockerShell) Resize(ctx context.Context, rows, cols uint) error {
	return s.docker.ContainerExecResize(ctx, s.execID, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	})
}
