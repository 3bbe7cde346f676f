// Package provider defines the uniform capability surface every compute
// backend implements: create/describe/delete a resource, wait until ready,
// and execute remote shell commands inside it.
package provider

import (
	"context"
	"io"
	"time"

	"github.com/terra-clan/outpost-engine/internal/models"
)

// Client is implemented once per backend. Side effects are confined to the
// remote backend; no local state is retained between calls beyond connection
// configuration.
type Client interface {
	// Name returns the backend this client talks to.
	Name() models.Provider

	// CreateResource provisions a compute resource in the given group (or
	// the backend's synthetic default group). Safe to retry; on timeout the
	// caller must check whether the resource was actually created before
	// assuming failure.
	CreateResource(ctx context.Context, group, name string, spec ResourceSpec) (*CreateResult, error)

	// DescribeResource returns connection info, or ErrNotFound if the
	// resource no longer exists.
	DescribeResource(ctx context.Context, resourceID string) (*ConnectionInfo, error)

	// WaitForReady polls DescribeResource until the resource reports ready
	// or attempts are exhausted, in which case ErrReadyTimeout is returned.
	WaitForReady(ctx context.Context, resourceID string, maxAttempts int, pollInterval time.Duration) error

	// Execute runs a single shell command inside the resource and returns
	// combined output and exit status. Fails with ErrUnreachable if the
	// resource cannot be contacted and ErrTimeout past the deadline.
	Execute(ctx context.Context, resourceID, command string, timeout time.Duration) (*ExecResult, error)

	// DeleteResource is best-effort; callers must tolerate failure since
	// the resource may already be gone.
	DeleteResource(ctx context.Context, resourceID string) error

	// ListGroupMembers lists resources in a project/group namespace.
	// Backends without the concept list from their synthetic default group.
	ListGroupMembers(ctx context.Context, group string) ([]Resource, error)

	// CreateGroup creates a project/group namespace, or returns the
	// synthetic default group for backends without one.
	CreateGroup(ctx context.Context, name string) (string, error)
}

// ResourceSpec describes the sizing of a resource to create. Sizing is the
// user-requested tier; the remaining fields are the catalog's resolution of
// that tier for the target backend.
type ResourceSpec struct {
	Sizing       string
	InstanceType string
	CPU          int
	MemoryMB     int
	Image        string
}

// CreateResult is returned by CreateResource
type CreateResult struct {
	ResourceID string
	Connection ConnectionInfo
	// Secret carries generated connection material (e.g. a private key)
	// for backends that require it; empty otherwise.
	Secret string
	// CredentialID identifies a credential the backend generated alongside
	// the resource (e.g. a key pair id), so teardown can find it later.
	CredentialID string
}

// ConnectionInfo describes how to reach a resource and its reported state
type ConnectionInfo struct {
	Address string
	State   string
	Ready   bool
}

// Resource is a group-member listing entry
type Resource struct {
	ID    string
	Name  string
	State string
}

// ExecResult contains the result of a remote command
type ExecResult struct {
	Output   string
	ExitCode int
}

// IsSuccess returns true if the command exited with code 0
func (r *ExecResult) IsSuccess() bool {
	return r != nil && r.ExitCode == 0
}

// Shell is an interactive remote shell stream
type Shell interface {
	io.ReadWriteCloser

	// Resize adjusts the remote TTY dimensions.
	Resize(ctx context.Context, rows, cols uint) error
}

// ShellClient is implemented by backends that support interactive shells.
// The terminal session manager type-asserts for it.
type ShellClient interface {
	OpenShell(ctx context.Context, resourceID string) (Shell, error)
}
