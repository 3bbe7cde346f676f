package models

import (
	"time"
)

// Provider identifies which compute backend owns a sandbox
type Provider string

const (
	ProviderCloudCompute    Provider = "cloud-compute"
	ProviderComputerService Provider = "computer-service"
	ProviderSandboxService  Provider = "sandbox-service"
)

// Valid reports whether the provider is one of the supported backends
func (p Provider) Valid() bool {
	switch p {
	case ProviderCloudCompute, ProviderComputerService, ProviderSandboxService:
		return true
	}
	return false
}

// SandboxStatus represents the current state of a sandbox pipeline
type SandboxStatus string

const (
	StatusPending         SandboxStatus = "pending"
	StatusProvisioning    SandboxStatus = "provisioning"
	StatusConfiguringVM   SandboxStatus = "configuring_vm"
	StatusReady           SandboxStatus = "ready"
	StatusFailed          SandboxStatus = "failed"
	StatusRequiresPayment SandboxStatus = "requires_payment"
)

// IsTerminal returns true if the status is a terminal state
func (s SandboxStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed || s == StatusRequiresPayment
}

// IsActive returns true while a pipeline is driving the sandbox
func (s SandboxStatus) IsActive() bool {
	return s == StatusPending || s == StatusProvisioning || s == StatusConfiguringVM
}

// ResourceStatus tracks provider-side resource progress inside the
// provisioning phase. It is informational for polling clients and never
// replaces the primary status.
type ResourceStatus string

const (
	ResourceCreating ResourceStatus = "creating"
	ResourceStarting ResourceStatus = "starting"
	ResourceRunning  ResourceStatus = "running"
)

// LifecycleFlags are monotonic within a single pipeline run: once a flag is
// set it is never cleared except by reprovisioning, which resets all four
// atomically before the pipeline restarts.
type LifecycleFlags struct {
	ResourceCreated     bool `json:"resource_created"`
	AgentInstalled      bool `json:"agent_installed"`
	MessagingConfigured bool `json:"messaging_configured"`
	GatewayStarted      bool `json:"gateway_started"`
}

// CloudComputeHandle holds identifiers for a cloud-compute instance
type CloudComputeHandle struct {
	InstanceID    string `json:"instance_id"`
	KeyPairID     string `json:"key_pair_id,omitempty"`
	PublicIP      string `json:"public_ip,omitempty"`
	SecurityGroup string `json:"security_group,omitempty"`
}

// ComputerHandle holds identifiers for a computer-service computer
type ComputerHandle struct {
	ComputerID string `json:"computer_id"`
	ProjectID  string `json:"project_id,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
}

// ContainerHandle holds identifiers for a sandbox-service container
type ContainerHandle struct {
	ContainerID string `json:"container_id"`
	Address     string `json:"address,omitempty"`
}

// ResourceHandle is a tagged union keyed by Provider; only the variant for
// the active provider is populated.
type ResourceHandle struct {
	Provider     Provider            `json:"provider"`
	CloudCompute *CloudComputeHandle `json:"cloud_compute,omitempty"`
	Computer     *ComputerHandle     `json:"computer,omitempty"`
	Container    *ContainerHandle    `json:"container,omitempty"`
}

// ResourceID returns the provider-assigned identifier of the active variant
func (h *ResourceHandle) ResourceID() string {
	if h == nil {
		return ""
	}
	switch {
	case h.CloudCompute != nil:
		return h.CloudCompute.InstanceID
	case h.Computer != nil:
		return h.Computer.ComputerID
	case h.Container != nil:
		return h.Container.ContainerID
	}
	return ""
}

// Address returns the network address of the active variant, if known
func (h *ResourceHandle) Address() string {
	if h == nil {
		return ""
	}
	switch {
	case h.CloudCompute != nil:
		return h.CloudCompute.PublicIP
	case h.Computer != nil:
		return h.Computer.Endpoint
	case h.Container != nil:
		return h.Container.Address
	}
	return ""
}

// Group returns the project/group namespace of the active variant, if the
// backend has one.
func (h *ResourceHandle) Group() string {
	if h == nil {
		return ""
	}
	switch {
	case h.CloudCompute != nil:
		return h.CloudCompute.SecurityGroup
	case h.Computer != nil:
		return h.Computer.ProjectID
	}
	return ""
}

// Sandbox represents one provisioned remote compute resource plus its
// installed agent software.
type Sandbox struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Name           string          `json:"name"`
	Provider       Provider        `json:"provider"`
	Status         SandboxStatus   `json:"status"`
	ResourceStatus ResourceStatus  `json:"resource_status,omitempty"`
	Sizing         string          `json:"sizing,omitempty"`
	Flags          LifecycleFlags  `json:"flags"`
	Handle         *ResourceHandle `json:"handle,omitempty"`
	SecretMaterial string          `json:"-"` // encrypted, never serialized
	AgentVersion   string          `json:"agent_version,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// LegacyStatus is the owner-keyed single-sandbox status record retained for
// clients that do not yet address sandboxes by id. The orchestrator mirrors
// every status-affecting update into it when a row exists for the owner.
type LegacyStatus struct {
	OwnerID        string          `json:"owner_id"`
	Name           string          `json:"name,omitempty"`
	Provider       Provider        `json:"provider,omitempty"`
	Status         SandboxStatus   `json:"status"`
	ResourceStatus ResourceStatus  `json:"resource_status,omitempty"`
	Sizing         string          `json:"sizing,omitempty"`
	Flags          LifecycleFlags  `json:"flags"`
	Handle         *ResourceHandle `json:"handle,omitempty"`
	AgentVersion   string          `json:"agent_version,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// OwnerCredentials holds the stored, encrypted secrets a pipeline needs.
// Ciphertexts are opaque to the core; decryption goes through the vault
// collaborator.
type OwnerCredentials struct {
	OwnerID                 string              `json:"owner_id"`
	ModelProvider           string              `json:"model_provider"`
	ModelKeyCiphertext      string              `json:"-"`
	BackendKeyCiphertexts   map[Provider]string `json:"-"`
	MessagingTokenPlaintext string              `json:"-"` // from configuration, not user input
	CreatedAt               time.Time           `json:"created_at"`
}

// BackendKey returns the stored ciphertext for the given backend, if any
func (c *OwnerCredentials) BackendKey(p Provider) (string, bool) {
	if c == nil || c.BackendKeyCiphertexts == nil {
		return "", false
	}
	v, ok := c.BackendKeyCiphertexts[p]
	return v, ok
}

// ListFilters defines filters for listing sandboxes
type ListFilters struct {
	OwnerID  string
	Provider Provider
	Status   SandboxStatus
	Limit    int
	Offset   int
}
