// Package cleanup marks sandboxes abandoned by a crashed pipeline. A pipeline
// that dies mid-run leaves its sandbox in a non-terminal status forever; the
// sweeper converts those to failed so the owner can reprovision.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/terra-clan/outpost-engine/internal/models"
	"github.com/terra-clan/outpost-engine/internal/storage"
)

// Sweeper periodically fails sandboxes stuck in a non-terminal status
type Sweeper struct {
	repo     storage.Repository
	interval time.Duration
	deadline time.Duration
}

// NewSweeper creates a sweeper. deadline is how long a sandbox may sit in a
// non-terminal status without an update before it is considered abandoned.
func NewSweeper(repo storage.Repository, interval, deadline time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if deadline <= 0 {
		deadline = 30 * time.Minute
	}

	return &Sweeper{
		repo:     repo,
		interval: interval,
		deadline: deadline,
	}
}

// Start begins the sweeper in a goroutine
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	slog.Info("stale-pipeline sweeper started", "interval", s.interval, "deadline", s.deadline)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale-pipeline sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass, returning how many sandboxes were failed
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-s.deadline)

	stuck, err := s.repo.GetStuckSandboxes(ctx, cutoff)
	if err != nil {
		slog.Error("failed to query stuck sandboxes", "error", err)
		return 0
	}
	if len(stuck) == 0 {
		return 0
	}

	slog.Info("found stuck sandboxes", "count", len(stuck))

	swept := 0
	for _, sb := range stuck {
		status := models.StatusFailed
		message := "provisioning did not complete; the pipeline was interrupted"

		err := s.repo.UpdateSandboxFields(ctx, sb.ID, storage.SandboxPatch{
			Status:       &status,
			ErrorMessage: &message,
		})
		if err != nil {
			slog.Error("failed to mark stuck sandbox", "sandbox_id", sb.ID, "error", err)
			continue
		}

		slog.Info("stuck sandbox marked failed",
			"sandbox_id", sb.ID,
			"owner_id", sb.OwnerID,
			"stuck_status", sb.Status,
			"last_update", sb.UpdatedAt,
		)
		swept++
	}
	return swept
}
