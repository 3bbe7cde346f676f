// Package terminal manages interactive shell sessions into ready sandboxes.
// Only backends implementing the shell contract support terminals; today that
// is the sandbox-service provider.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terra-clan/outpost-engine/internal/models"
	"github.com/terra-clan/outpost-engine/internal/provider"
	"github.com/terra-clan/outpost-engine/internal/storage"
)

var (
	// ErrNoShellSupport indicates the sandbox's backend has no interactive shell
	ErrNoShellSupport = errors.New("provider does not support interactive shells")
	// ErrSandboxNotReady indicates the sandbox is not in the ready status
	ErrSandboxNotReady = errors.New("sandbox is not ready")
	// ErrSessionLimit indicates the registry is full
	ErrSessionLimit = errors.New("session limit reached")
)

// Session is one live shell into a sandbox. Read/Write stream terminal bytes;
// Resize adjusts the remote pty.
type Session struct {
	ID        string
	OwnerID   string
	SandboxID string
	OpenedAt  time.Time

	shell     provider.Shell
	closeOnce sync.Once
}

func (s *Session) Read(p []byte) (int, error)  { return s.shell.Read(p) }
func (s *Session) Write(p []byte) (int, error) { return s.shell.Write(p) }

func (s *Session) Resize(ctx context.Context, rows, cols uint) error {
	return s.shell.Resize(ctx, rows, cols)
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.shell.Close()
	})
	return err
}

// ClientResolver returns the provider client for a backend
type ClientResolver func(p models.Provider) (provider.Client, error)

// Manager opens and tracks shell sessions
type Manager struct {
	repo     storage.Repository
	resolver ClientResolver
	registry *registry
}

// NewManager creates a terminal manager. maxTotal and maxPerOwner bound the
// registry; zero disables the respective limit.
func NewManager(repo storage.Repository, resolver ClientResolver, maxTotal, maxPerOwner int) *Manager {
	return &Manager{
		repo:     repo,
		resolver: resolver,
		registry: newRegistry(maxTotal, maxPerOwner),
	}
}

// OpenSession opens a shell into the owner's sandbox. The sandbox must be
// ready and its backend must support interactive shells.
func (m *Manager) OpenSession(ctx context.Context, ownerID, sandboxID string) (*Session, error) {
	sb, err := m.repo.GetSandbox(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sandbox: %w", err)
	}
	if sb == nil || sb.OwnerID != ownerID {
		return nil, provider.ErrNotFound
	}
	if sb.Status != models.StatusReady || sb.Handle == nil {
		return nil, ErrSandboxNotReady
	}

	client, err := m.resolver(sb.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider: %w", err)
	}

	shellClient, ok := client.(provider.ShellClient)
	if !ok {
		return nil, ErrNoShellSupport
	}

	shell, err := shellClient.OpenShell(ctx, sb.Handle.ResourceID())
	if err != nil {
		return nil, fmt.Errorf("failed to open shell: %w", err)
	}

	session := &Session{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		SandboxID: sandboxID,
		OpenedAt:  time.Now(),
		shell:     shell,
	}

	evicted, ok := m.registry.add(session)
	if !ok {
		_ = shell.Close()
		return nil, ErrSessionLimit
	}
	for _, victim := range evicted {
		slog.Info("evicting terminal session", "session_id", victim.ID, "owner_id", victim.OwnerID)
		_ = victim.Close()
	}

	slog.Info("terminal session opened",
		"session_id", session.ID,
		"sandbox_id", sandboxID,
		"owner_id", ownerID,
	)
	return session, nil
}

// GetSession returns an open session by id, owner-scoped
func (m *Manager) GetSession(ownerID, sessionID string) *Session {
	s := m.registry.get(sessionID)
	if s == nil || s.OwnerID != ownerID {
		return nil
	}
	return s
}

// CloseSession closes and forgets a session
func (m *Manager) CloseSession(sessionID string) {
	if s := m.registry.remove(sessionID); s != nil {
		_ = s.Close()
		slog.Info("terminal session closed", "session_id", sessionID)
	}
}

// CloseOwnerSessions closes every session the owner has open. Pipelines call
// this before mutating a sandbox so no shell outlives its resource.
func (m *Manager) CloseOwnerSessions(ownerID string) int {
	sessions := m.registry.removeOwner(ownerID)
	for _, s := range sessions {
		_ = s.Close()
	}
	if len(sessions) > 0 {
		slog.Info("closed owner terminal sessions", "owner_id", ownerID, "count", len(sessions))
	}
	return len(sessions)
}

// OpenCount returns the number of live sessions
func (m *Manager) OpenCount() int {
	return m.registry.count()
}
