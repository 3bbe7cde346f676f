package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "outpost:pipeline:"

// RedisGuard implements Guard with SET NX PX so the slot is shared across
// orchestrator replicas and expires on its own if a holder crashes.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard connects to Redis and verifies connectivity
func NewRedisGuard(address, password string, ttl time.Duration) (*RedisGuard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       0,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisGuard{client: client, ttl: ttl}, nil
}

func (g *RedisGuard) Acquire(ctx context.Context, ownerID string) error {
	ok, err := g.client.SetNX(ctx, keyPrefix+ownerID, "1", g.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire pipeline slot: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	return nil
}

func (g *RedisGuard) Release(ctx context.Context, ownerID string) error {
	if err := g.client.Del(ctx, keyPrefix+ownerID).Err(); err != nil {
		return fmt.Errorf("failed to release pipeline slot: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
