package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/terra-clan/outpost-engine/internal/provider"
	"github.com/terra-clan/outpost-engine/internal/storage"
)

// Remote commands executed inside the guest. Each is idempotent; re-running a
// step after a partial failure is safe.
const (
	cmdInstallRuntime = `which node >/dev/null 2>&1 || (curl -fsSL https://deb.nodesource.com/setup_20.x | bash - && apt-get install -y nodejs git curl); node --version`
	cmdInstallSDK     = `npm install -g @outpost/backend-sdk && npm ls -g @outpost/backend-sdk --depth=0`
	cmdInstallAgent   = `npm install -g @outpost/agent && agentctl --version`
	cmdStartGateway   = `agentctl gateway start --daemon && sleep 2 && agentctl gateway status`

	diagnosticsCmd = `cat /etc/os-release 2>/dev/null | head -2; apt-get --version 2>/dev/null | head -1; node --version 2>&1`
)

// sequencer runs the ordered remote setup steps against one resource. Each
// successful step's lifecycle flag is durably written before the next step
// begins, so polling clients observe monotonic progress.
type sequencer struct {
	repo       storage.Repository
	client     provider.Client
	sandboxID  string
	resourceID string

	execTimeout    time.Duration
	modelProvider  string
	modelKey       string
	backendKey     string
	messagingToken string
	heartbeat      time.Duration
	callbackURL    string
}

func (s *sequencer) run(ctx context.Context) error {
	// Step 1: language runtime and OS packages. Fatal; on failure gather
	// guest diagnostics for observability, no automatic retry.
	if err := s.installRuntime(ctx); err != nil {
		return err
	}

	// Step 2: backend SDK for in-guest self-management. Non-fatal.
	s.installSDK(ctx)

	// Step 3: the agent itself. Fatal.
	if err := s.installAgent(ctx); err != nil {
		return err
	}

	// Step 4: messaging bridge, or bare model key when no token is configured
	messagingOK := s.configureMessaging(ctx)

	// Step 5: gateway, only once messaging is wired. Non-fatal; the sandbox
	// stays usable without live messaging.
	if messagingOK {
		s.startGateway(ctx)
	}

	return nil
}

func (s *sequencer) installRuntime(ctx context.Context) error {
	result, err := s.exec(ctx, cmdInstallRuntime)
	if err == nil && result.IsSuccess() {
		slog.Info("runtime installed", "sandbox_id", s.sandboxID)
		return nil
	}

	diagnostics := s.gatherDiagnostics(ctx)
	if err != nil {
		return fmt.Errorf("runtime install failed: %v (diagnostics: %s)", err, diagnostics)
	}
	return fmt.Errorf("runtime install failed with exit code %d: %s (diagnostics: %s)",
		result.ExitCode, truncate(result.Output, 500), diagnostics)
}

func (s *sequencer) installSDK(ctx context.Context) {
	cmd := cmdInstallSDK
	if s.backendKey != "" {
		cmd = fmt.Sprintf("%s && agentctl config set-backend-key %s", cmdInstallSDK, shellQuote(s.backendKey))
	}

	result, err := s.exec(ctx, cmd)
	if err != nil {
		slog.Warn("sdk install failed; continuing", "sandbox_id", s.sandboxID, "error", err)
		return
	}
	if !result.IsSuccess() {
		slog.Warn("sdk install failed; continuing",
			"sandbox_id", s.sandboxID,
			"exit_code", result.ExitCode,
			"output", truncate(result.Output, 200),
		)
		return
	}
	slog.Info("sdk installed", "sandbox_id", s.sandboxID)
}

func (s *sequencer) installAgent(ctx context.Context) error {
	result, err := s.exec(ctx, cmdInstallAgent)
	if err != nil {
		return fmt.Errorf("agent install failed: %w", err)
	}
	if !result.IsSuccess() {
		return fmt.Errorf("agent install failed with exit code %d: %s",
			result.ExitCode, truncate(result.Output, 500))
	}

	version := parseAgentVersion(result.Output)
	installed := true
	if err := s.repo.UpdateSandboxFields(ctx, s.sandboxID, storage.SandboxPatch{
		AgentInstalled: &installed,
		AgentVersion:   &version,
	}); err != nil {
		return fmt.Errorf("failed to record agent install: %w", err)
	}

	slog.Info("agent installed", "sandbox_id", s.sandboxID, "version", version)
	return nil
}

// configureMessaging wires the agent's messaging bridge when a token is
// available, otherwise persists the model key alone so the agent can run
// unattended. Returns whether the bridge was configured.
func (s *sequencer) configureMessaging(ctx context.Context) bool {
	if s.messagingToken == "" {
		cmd := fmt.Sprintf("agentctl config set-model-key --provider %s %s",
			shellQuote(s.modelProvider), shellQuote(s.modelKey))
		result, err := s.exec(ctx, cmd)
		if err != nil || !result.IsSuccess() {
			slog.Warn("failed to persist model key", "sandbox_id", s.sandboxID, "error", err)
		}
		return false
	}

	cmd := fmt.Sprintf(
		"agentctl messaging configure --provider %s --model-key %s --token %s --heartbeat %ds --callback-url %s",
		shellQuote(s.modelProvider),
		shellQuote(s.modelKey),
		shellQuote(s.messagingToken),
		int(s.heartbeat.Seconds()),
		shellQuote(s.callbackURL),
	)

	result, err := s.exec(ctx, cmd)
	if err != nil {
		slog.Warn("messaging configuration failed", "sandbox_id", s.sandboxID, "error", err)
		return false
	}
	if !result.IsSuccess() {
		slog.Warn("messaging configuration failed",
			"sandbox_id", s.sandboxID,
			"exit_code", result.ExitCode,
			"output", truncate(result.Output, 200),
		)
		return false
	}

	configured := true
	if err := s.repo.UpdateSandboxFields(ctx, s.sandboxID, storage.SandboxPatch{
		MessagingConfigured: &configured,
	}); err != nil {
		slog.Error("failed to record messaging flag", "sandbox_id", s.sandboxID, "error", err)
		return false
	}

	slog.Info("messaging configured", "sandbox_id", s.sandboxID)
	return true
}

func (s *sequencer) startGateway(ctx context.Context) {
	result, err := s.exec(ctx, cmdStartGateway)
	if err != nil {
		slog.Warn("gateway start failed; sandbox usable without messaging",
			"sandbox_id", s.sandboxID, "error", err)
		return
	}
	if !result.IsSuccess() {
		slog.Warn("gateway start failed; sandbox usable without messaging",
			"sandbox_id", s.sandboxID,
			"exit_code", result.ExitCode,
			"output", truncate(result.Output, 200),
		)
		return
	}

	started := true
	if err := s.repo.UpdateSandboxFields(ctx, s.sandboxID, storage.SandboxPatch{
		GatewayStarted: &started,
	}); err != nil {
		slog.Error("failed to record gateway flag", "sandbox_id", s.sandboxID, "error", err)
		return
	}

	slog.Info("gateway started", "sandbox_id", s.sandboxID)
}

func (s *sequencer) exec(ctx context.Context, command string) (*provider.ExecResult, error) {
	return s.client.Execute(ctx, s.resourceID, command, s.execTimeout)
}

// gatherDiagnostics probes the guest for context on a runtime failure
func (s *sequencer) gatherDiagnostics(ctx context.Context) string {
	result, err := s.exec(ctx, diagnosticsCmd)
	if err != nil {
		return fmt.Sprintf("unavailable: %v", err)
	}
	return truncate(strings.TrimSpace(result.Output), 400)
}

// parseAgentVersion extracts the version string from agentctl --version
// output, which is the last non-empty line.
func parseAgentVersion(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return line
		}
	}
	return "unknown"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
