// Package provision drives a sandbox from absent to ready. The pipeline runs
// detached from the triggering request; all progress is communicated through
// the status store, which callers poll.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/terra-clan/outpost-engine/internal/catalog"
	"github.com/terra-clan/outpost-engine/internal/credentials"
	"github.com/terra-clan/outpost-engine/internal/guard"
	"github.com/terra-clan/outpost-engine/internal/models"
	"github.com/terra-clan/outpost-engine/internal/provider"
	"github.com/terra-clan/outpost-engine/internal/storage"
)

var (
	// ErrNoCredentials indicates the owner has no stored credentials
	ErrNoCredentials = errors.New("no stored credentials for owner")
	// ErrSandboxNotFound indicates the sandbox does not exist or belongs to
	// another owner
	ErrSandboxNotFound = errors.New("sandbox not found")
	// ErrUnsupportedProvider indicates the requested backend is unknown
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// SessionCloser tears down interactive sessions before a pipeline mutates the
// owner's sandbox.
type SessionCloser interface {
	CloseOwnerSessions(ownerID string) int
}

// ClientResolver returns the provider client for a backend
type ClientResolver func(p models.Provider) (provider.Client, error)

// Config tunes the pipeline's retry and readiness behavior
type Config struct {
	CreateAttempts    int
	CreateRetryDelay  time.Duration
	ReadyMaxAttempts  int
	ReadyPollInterval time.Duration
	ReadyGraceSleep   time.Duration
	ExecTimeout       time.Duration
	HeartbeatInterval time.Duration
	CallbackBaseURL   string
}

// DefaultConfig returns the pipeline defaults. Creation retries are
// deliberately bounded and fixed-delay: duplicate resources are costly and
// hard to undo.
func DefaultConfig() Config {
	return Config{
		CreateAttempts:    3,
		CreateRetryDelay:  10 * time.Second,
		ReadyMaxAttempts:  30,
		ReadyPollInterval: 5 * time.Second,
		ReadyGraceSleep:   20 * time.Second,
		ExecTimeout:       5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Orchestrator coordinates provisioning and reprovisioning pipelines
type Orchestrator struct {
	repo     storage.Repository
	vault    credentials.Vault
	catalog  *catalog.Catalog
	guard    guard.Guard
	sessions SessionCloser
	resolver ClientResolver
	cfg      Config
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(
	repo storage.Repository,
	vault credentials.Vault,
	cat *catalog.Catalog,
	g guard.Guard,
	sessions SessionCloser,
	resolver ClientResolver,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		vault:    vault,
		catalog:  cat,
		guard:    g,
		sessions: sessions,
		resolver: resolver,
		cfg:      cfg,
	}
}

// Provision validates the request synchronously, creates or reuses the
// sandbox record, and launches the pipeline in the background. The returned
// sandbox id is the handle callers poll.
func (o *Orchestrator) Provision(ctx context.Context, ownerID string, req models.ProvisionRequest) (string, error) {
	if !req.Provider.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, req.Provider)
	}
	if _, err := o.catalog.ResolveSpec(req.Provider, req.Sizing); err != nil {
		return "", err
	}

	creds, err := o.repo.GetCredentials(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("failed to load credentials: %w", err)
	}
	if creds == nil {
		return "", ErrNoCredentials
	}

	if err := o.guard.Acquire(ctx, ownerID); err != nil {
		return "", err
	}

	sb, err := o.prepareSandbox(ctx, ownerID, req)
	if err != nil {
		o.releaseGuard(ctx, ownerID)
		return "", err
	}

	o.sessions.CloseOwnerSessions(ownerID)

	go o.runDetached(sb.ID, ownerID, req.MessagingToken)

	return sb.ID, nil
}

// Reprovision tears down a known-broken sandbox and re-runs the pipeline from
// stored state. It never accepts new credentials or sizing.
func (o *Orchestrator) Reprovision(ctx context.Context, ownerID, sandboxID string) (string, error) {
	sb, err := o.loadOwned(ctx, ownerID, sandboxID)
	if err != nil {
		return "", err
	}

	creds, err := o.repo.GetCredentials(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("failed to load credentials: %w", err)
	}
	if creds == nil {
		return "", ErrNoCredentials
	}

	if err := o.guard.Acquire(ctx, ownerID); err != nil {
		return "", err
	}

	o.sessions.CloseOwnerSessions(ownerID)

	go o.runReprovisionDetached(sb.ID, ownerID, creds.MessagingTokenPlaintext)

	return sb.ID, nil
}

// Delete removes the sandbox record after best-effort deletion of the
// underlying provider resource.
func (o *Orchestrator) Delete(ctx context.Context, ownerID, sandboxID string) error {
	sb, err := o.loadOwned(ctx, ownerID, sandboxID)
	if err != nil {
		return err
	}

	o.sessions.CloseOwnerSessions(ownerID)
	o.deleteResourceBestEffort(ctx, sb)

	return o.repo.DeleteSandbox(ctx, sb.ID)
}

// --- Pipeline ---

// runDetached is the background entry point for provisioning. It uses a fresh
// context because the triggering request has already returned.
func (o *Orchestrator) runDetached(sandboxID, ownerID, messagingToken string) {
	ctx := context.Background()
	defer o.releaseGuard(ctx, ownerID)
	defer o.recoverPanic(ctx, sandboxID)

	o.run(ctx, sandboxID, messagingToken)
}

func (o *Orchestrator) runReprovisionDetached(sandboxID, ownerID, messagingToken string) {
	ctx := context.Background()
	defer o.releaseGuard(ctx, ownerID)
	defer o.recoverPanic(ctx, sandboxID)

	sb, err := o.repo.GetSandbox(ctx, sandboxID)
	if err != nil || sb == nil {
		slog.Error("reprovision: sandbox vanished", "sandbox_id", sandboxID, "error", err)
		return
	}

	// Best-effort teardown of the broken resource; failure is never fatal
	o.deleteResourceBestEffort(ctx, sb)

	// Clear handle and flags atomically before the pipeline restarts. The
	// group/project reference survives the reset so the rebuilt resource
	// lands in the owner's existing namespace.
	status := models.StatusPending
	resourceStatus := models.ResourceCreating
	empty := ""
	patch := storage.SandboxPatch{
		Status:         &status,
		ResourceStatus: &resourceStatus,
		ErrorMessage:   &empty,
		ResetFlags:     true,
	}
	if kept := retainGroup(sb.Handle); kept != nil {
		patch.Handle = kept
	} else {
		patch.ClearHandle = true
	}
	if err := o.repo.UpdateSandboxFields(ctx, sandboxID, patch); err != nil {
		slog.Error("reprovision: failed to reset sandbox", "sandbox_id", sandboxID, "error", err)
		return
	}

	o.run(ctx, sandboxID, messagingToken)
}

// run executes the pipeline: credentials → resource → readiness → remote
// setup → ready. Every state transition is durably written before the next
// step begins.
func (o *Orchestrator) run(ctx context.Context, sandboxID, messagingToken string) {
	sb, err := o.repo.GetSandbox(ctx, sandboxID)
	if err != nil || sb == nil {
		slog.Error("pipeline: sandbox vanished", "sandbox_id", sandboxID, "error", err)
		return
	}

	slog.Info("pipeline started",
		"sandbox_id", sb.ID,
		"owner_id", sb.OwnerID,
		"provider", sb.Provider,
		"sizing", sb.Sizing,
	)

	empty := ""
	status := models.StatusProvisioning
	if err := o.repo.UpdateSandboxFields(ctx, sandboxID, storage.SandboxPatch{
		Status:       &status,
		ErrorMessage: &empty,
	}); err != nil {
		slog.Error("pipeline: failed to mark provisioning", "sandbox_id", sandboxID, "error", err)
		return
	}

	if err := o.executePipeline(ctx, sb, messagingToken); err != nil {
		o.failPipeline(ctx, sandboxID, err)
		return
	}

	status = models.StatusReady
	if err := o.repo.UpdateSandboxFields(ctx, sandboxID, storage.SandboxPatch{Status: &status}); err != nil {
		slog.Error("pipeline: failed to mark ready", "sandbox_id", sandboxID, "error", err)
		return
	}

	slog.Info("pipeline completed", "sandbox_id", sandboxID)
}

func (o *Orchestrator) executePipeline(ctx context.Context, sb *models.Sandbox, messagingToken string) error {
	// Step 1: credential resolution; missing credentials is fatal, no retry
	creds, err := o.resolveCredentials(ctx, sb)
	if err != nil {
		return err
	}
	if messagingToken == "" {
		messagingToken = creds.MessagingToken
	}

	client, err := o.resolver(sb.Provider)
	if err != nil {
		return fmt.Errorf("failed to resolve provider client: %w", err)
	}

	// Step 2: resource acquisition, reusing a previously created resource so
	// partially-completed runs stay idempotent
	resourceID, err := o.acquireResource(ctx, sb, client)
	if err != nil {
		return err
	}

	// Step 3: readiness wait; timeout is non-fatal because guest readiness
	// often lags the provider's own running signal
	o.waitForReady(ctx, sb.ID, client, resourceID)

	// Step 4: remote configuration
	status := models.StatusConfiguringVM
	if err := o.repo.UpdateSandboxFields(ctx, sb.ID, storage.SandboxPatch{Status: &status}); err != nil {
		return fmt.Errorf("failed to mark configuring: %w", err)
	}

	seq := &sequencer{
		repo:           o.repo,
		client:         client,
		sandboxID:      sb.ID,
		resourceID:     resourceID,
		execTimeout:    o.cfg.ExecTimeout,
		modelProvider:  creds.ModelProvider,
		modelKey:       creds.ModelKey,
		backendKey:     creds.BackendKey,
		messagingToken: messagingToken,
		heartbeat:      o.cfg.HeartbeatInterval,
		callbackURL:    o.cfg.CallbackBaseURL,
	}
	return seq.run(ctx)
}

// resolvedCredentials carries decrypted secrets for one pipeline run only
type resolvedCredentials struct {
	ModelProvider  string
	ModelKey       string
	BackendKey     string
	MessagingToken string
}

func (o *Orchestrator) resolveCredentials(ctx context.Context, sb *models.Sandbox) (*resolvedCredentials, error) {
	stored, err := o.repo.GetCredentials(ctx, sb.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	if stored == nil || stored.ModelKeyCiphertext == "" {
		return nil, ErrNoCredentials
	}

	modelKey, err := o.vault.Decrypt(ctx, stored.ModelKeyCiphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt model key: %w", err)
	}

	out := &resolvedCredentials{
		ModelProvider:  stored.ModelProvider,
		ModelKey:       modelKey,
		MessagingToken: stored.MessagingTokenPlaintext,
	}

	if ciphertext, ok := stored.BackendKey(sb.Provider); ok {
		backendKey, err := o.vault.Decrypt(ctx, ciphertext)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt backend key: %w", err)
		}
		out.BackendKey = backendKey
	}

	return out, nil
}

// acquireResource creates the provider resource, or reuses one recorded by a
// previous partial run. Returns the resource id to configure.
func (o *Orchestrator) acquireResource(ctx context.Context, sb *models.Sandbox, client provider.Client) (string, error) {
	if sb.Flags.ResourceCreated && sb.Handle != nil {
		slog.Info("reusing existing resource",
			"sandbox_id", sb.ID,
			"resource_id", sb.Handle.ResourceID(),
		)
		return sb.Handle.ResourceID(), nil
	}

	resourceStatus := models.ResourceCreating
	if err := o.repo.UpdateSandboxFields(ctx, sb.ID, storage.SandboxPatch{
		ResourceStatus: &resourceStatus,
	}); err != nil {
		return "", fmt.Errorf("failed to mark creating: %w", err)
	}

	spec, err := o.catalog.ResolveSpec(sb.Provider, sb.Sizing)
	if err != nil {
		return "", err
	}

	group, err := o.resolveGroup(ctx, sb, client)
	if err != nil {
		return "", err
	}

	result, err := o.createWithRetry(ctx, client, group, sb.Name, spec)
	if err != nil {
		return "", err
	}

	handle := buildHandle(sb.Provider, group, sb.Name, result)
	created := true
	resourceStatus = models.ResourceStarting
	patch := storage.SandboxPatch{
		Handle:          handle,
		ResourceCreated: &created,
		ResourceStatus:  &resourceStatus,
	}
	if result.Secret != "" {
		ciphertext, err := o.vault.Encrypt(ctx, result.Secret)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt secret material: %w", err)
		}
		patch.SecretMaterial = &ciphertext
	}
	if err := o.repo.UpdateSandboxFields(ctx, sb.ID, patch); err != nil {
		return "", fmt.Errorf("failed to persist resource handle: %w", err)
	}

	slog.Info("resource created",
		"sandbox_id", sb.ID,
		"resource_id", result.ResourceID,
		"provider", sb.Provider,
	)
	return result.ResourceID, nil
}

// resolveGroup reuses the sandbox's recorded group or creates a fresh one
// named after the owner.
func (o *Orchestrator) resolveGroup(ctx context.Context, sb *models.Sandbox, client provider.Client) (string, error) {
	if g := sb.Handle.Group(); g != "" {
		return g, nil
	}

	group, err := client.CreateGroup(ctx, "outpost-"+sb.OwnerID)
	if err != nil {
		return "", fmt.Errorf("failed to create group: %w", err)
	}
	return group, nil
}

// createWithRetry calls CreateResource with a bounded fixed-delay retry. On
// timeout-class errors it first checks whether the resource was created
// anyway, matching group members by name, so a spurious network timeout does
// not produce a duplicate.
func (o *Orchestrator) createWithRetry(ctx context.Context, client provider.Client, group, name string, spec provider.ResourceSpec) (*provider.CreateResult, error) {
	var lastErr error

	for attempt := 1; attempt <= o.cfg.CreateAttempts; attempt++ {
		result, err := client.CreateResource(ctx, group, name, spec)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Billing restrictions are terminal; retrying cannot help
		if _, ok := provider.AsBilling(err); ok {
			return nil, err
		}

		slog.Warn("resource creation failed",
			"attempt", attempt,
			"max_attempts", o.cfg.CreateAttempts,
			"error", err,
		)

		if provider.IsTimeout(err) {
			sleepCtx(ctx, o.cfg.CreateRetryDelay)
			if found := o.discoverByName(ctx, client, group, name); found != nil {
				return found, nil
			}
			continue
		}

		if attempt < o.cfg.CreateAttempts {
			sleepCtx(ctx, o.cfg.CreateRetryDelay)
		}
	}

	return nil, fmt.Errorf("resource creation failed after %d attempts: %w", o.cfg.CreateAttempts, lastErr)
}

// discoverByName checks whether a timed-out create actually succeeded
func (o *Orchestrator) discoverByName(ctx context.Context, client provider.Client, group, name string) *provider.CreateResult {
	members, err := client.ListGroupMembers(ctx, group)
	if err != nil {
		slog.Warn("post-timeout discovery failed", "group", group, "error", err)
		return nil
	}

	for _, member := range members {
		if member.Name != name {
			continue
		}

		slog.Info("discovered resource created by timed-out request",
			"resource_id", member.ID,
			"name", name,
		)

		info, err := client.DescribeResource(ctx, member.ID)
		if err != nil {
			slog.Warn("failed to describe discovered resource", "resource_id", member.ID, "error", err)
			return &provider.CreateResult{ResourceID: member.ID}
		}
		return &provider.CreateResult{ResourceID: member.ID, Connection: *info}
	}
	return nil
}

// waitForReady polls readiness, then grace-sleeps regardless of outcome
func (o *Orchestrator) waitForReady(ctx context.Context, sandboxID string, client provider.Client, resourceID string) {
	err := client.WaitForReady(ctx, resourceID, o.cfg.ReadyMaxAttempts, o.cfg.ReadyPollInterval)
	if err != nil {
		slog.Warn("readiness wait did not confirm; proceeding after grace sleep",
			"sandbox_id", sandboxID,
			"resource_id", resourceID,
			"error", err,
		)
	}

	sleepCtx(ctx, o.cfg.ReadyGraceSleep)

	resourceStatus := models.ResourceRunning
	if err := o.repo.UpdateSandboxFields(ctx, sandboxID, storage.SandboxPatch{
		ResourceStatus: &resourceStatus,
	}); err != nil {
		slog.Error("failed to mark resource running", "sandbox_id", sandboxID, "error", err)
	}
}

// failPipeline maps an error onto a terminal status. Billing restrictions
// become requires_payment with the structured sizing sentinel; everything
// else becomes failed.
func (o *Orchestrator) failPipeline(ctx context.Context, sandboxID string, cause error) {
	status := models.StatusFailed
	message := cause.Error()

	if be, ok := provider.AsBilling(cause); ok {
		status = models.StatusRequiresPayment
		message = models.EncodeBillingRestriction(models.BillingRestriction{
			RequestedSizing: be.RequestedSizing,
			Message:         be.Message,
		})
	}

	slog.Error("pipeline failed",
		"sandbox_id", sandboxID,
		"status", status,
		"error", cause,
	)

	if err := o.repo.UpdateSandboxFields(ctx, sandboxID, storage.SandboxPatch{
		Status:       &status,
		ErrorMessage: &message,
	}); err != nil {
		slog.Error("failed to persist terminal status", "sandbox_id", sandboxID, "error", err)
	}
}

// --- Helpers ---

// prepareSandbox creates a fresh record, or reuses a caller-supplied id when
// the sandbox already exists for this owner.
func (o *Orchestrator) prepareSandbox(ctx context.Context, ownerID string, req models.ProvisionRequest) (*models.Sandbox, error) {
	if req.SandboxID != "" {
		sb, err := o.repo.GetSandbox(ctx, req.SandboxID)
		if err != nil {
			return nil, fmt.Errorf("failed to load sandbox: %w", err)
		}
		if sb != nil {
			if sb.OwnerID != ownerID {
				return nil, ErrSandboxNotFound
			}
			return sb, nil
		}
	}

	id := req.SandboxID
	if id == "" {
		id = uuid.New().String()
	}
	name := req.Name
	if name == "" {
		name = "outpost-" + id[:8]
	}

	now := time.Now()
	sb := &models.Sandbox{
		ID:        id,
		OwnerID:   ownerID,
		Name:      name,
		Provider:  req.Provider,
		Status:    models.StatusPending,
		Sizing:    req.Sizing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.repo.CreateSandbox(ctx, sb); err != nil {
		return nil, fmt.Errorf("failed to create sandbox record: %w", err)
	}
	return sb, nil
}

func (o *Orchestrator) loadOwned(ctx context.Context, ownerID, sandboxID string) (*models.Sandbox, error) {
	var sb *models.Sandbox
	var err error
	if sandboxID != "" {
		sb, err = o.repo.GetSandbox(ctx, sandboxID)
	} else {
		sb, err = o.repo.GetOwnerSandbox(ctx, ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sandbox: %w", err)
	}
	if sb == nil || sb.OwnerID != ownerID {
		return nil, ErrSandboxNotFound
	}
	return sb, nil
}

// deleteResourceBestEffort removes the provider resource; the resource may
// already be gone, so failure is logged and never escalated.
func (o *Orchestrator) deleteResourceBestEffort(ctx context.Context, sb *models.Sandbox) {
	if sb.Handle == nil || sb.Handle.ResourceID() == "" {
		return
	}

	client, err := o.resolver(sb.Provider)
	if err != nil {
		slog.Warn("cleanup: failed to resolve provider", "sandbox_id", sb.ID, "error", err)
		return
	}

	if err := client.DeleteResource(ctx, sb.Handle.ResourceID()); err != nil {
		slog.Warn("cleanup: failed to delete resource",
			"sandbox_id", sb.ID,
			"resource_id", sb.Handle.ResourceID(),
			"error", err,
		)
	}
}

func (o *Orchestrator) releaseGuard(ctx context.Context, ownerID string) {
	if err := o.guard.Release(ctx, ownerID); err != nil {
		slog.Warn("failed to release pipeline guard", "owner_id", ownerID, "error", err)
	}
}

func (o *Orchestrator) recoverPanic(ctx context.Context, sandboxID string) {
	if r := recover(); r != nil {
		o.failPipeline(ctx, sandboxID, fmt.Errorf("pipeline panic: %v", r))
	}
}

func buildHandle(p models.Provider, group, name string, result *provider.CreateResult) *models.ResourceHandle {
	handle := &models.ResourceHandle{Provider: p}
	switch p {
	case models.ProviderCloudCompute:
		handle.CloudCompute = &models.CloudComputeHandle{
			InstanceID:    result.ResourceID,
			KeyPairID:     result.CredentialID,
			PublicIP:      result.Connection.Address,
			SecurityGroup: group,
		}
	case models.ProviderComputerService:
		handle.Computer = &models.ComputerHandle{
			ComputerID: result.ResourceID,
			ProjectID:  group,
			Endpoint:   result.Connection.Address,
		}
	case models.ProviderSandboxService:
		handle.Container = &models.ContainerHandle{
			ContainerID: result.ResourceID,
			Address:     result.Connection.Address,
		}
	}
	return handle
}

// retainGroup strips a handle down to its group/project reference, returning
// nil when the handle carries none. Instance and connection fields never
// survive; the group does, because recreating it would strand the old
// namespace at the provider.
func retainGroup(h *models.ResourceHandle) *models.ResourceHandle {
	g := h.Group()
	if g == "" {
		return nil
	}
	switch {
	case h.CloudCompute != nil:
		return &models.ResourceHandle{
			Provider:     h.Provider,
			CloudCompute: &models.CloudComputeHandle{SecurityGroup: g},
		}
	case h.Computer != nil:
		return &models.ResourceHandle{
			Provider: h.Provider,
			Computer: &models.ComputerHandle{ProjectID: g},
		}
	}
	return nil
}

// sleepCtx sleeps unless the context is canceled first
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
