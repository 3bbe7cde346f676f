package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGuard_SerializesPerOwner(t *testing.T) {
	g := NewMemoryGuard(time.Minute)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx, "owner-1"))
	assert.ErrorIs(t, g.Acquire(ctx, "owner-1"), ErrAlreadyRunning)

	// Different owners do not contend
	require.NoError(t, g.Acquire(ctx, "owner-2"))

	require.NoError(t, g.Release(ctx, "owner-1"))
	assert.NoError(t, g.Acquire(ctx, "owner-1"))
}

func TestMemoryGuard_TTLExpires(t *testing.T) {
	g := NewMemoryGuard(10 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx, "owner-1"))
	time.Sleep(20 * time.Millisecond)

	// Expired slot can be reclaimed
	assert.NoError(t, g.Acquire(ctx, "owner-1"))
}

func TestMemoryGuard_ReleaseUnheldIsNoop(t *testing.T) {
	g := NewMemoryGuard(time.Minute)
	assert.NoError(t, g.Release(context.Background(), "nobody"))
}
