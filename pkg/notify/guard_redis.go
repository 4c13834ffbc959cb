package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard is a Guard shared across engine instances, so a sweep
// running on two nodes still pages each (checkpoint, level) once.
type RedisGuard struct {
	client *redis.Client
}

// NewRedisGuard wraps an existing client.
func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client}
}

// Acquire implements Guard via SET NX with expiry.
func (g *RedisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, key, 1, ttl).Result()
}
