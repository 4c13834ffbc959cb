package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only if this holder still owns it, so
// a slow executor releasing after expiry cannot drop someone else's
// lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a cross-process lease backed by SET NX PX with a holder
// token.
type RedisLease struct {
	client redis.UniversalClient
	prefix string

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisLease creates a RedisLease. Keys are namespaced under
// "recovery:lease:".
func NewRedisLease(client redis.UniversalClient) *RedisLease {
	return &RedisLease{
		client: client,
		prefix: "recovery:lease:",
		tokens: make(map[string]string),
	}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := leaseToken()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	l.mu.Lock()
	l.tokens[key] = token
	l.mu.Unlock()
	return true, nil
}

func (l *RedisLease) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err()
}
