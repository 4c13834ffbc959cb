package recovery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Lease serializes recovery attempts per failure across processes. A
// lease is held for the duration of one remediation; a second executor
// arriving while it is held gets ErrRecoveryInProgress. Unlike a mutex
// the lease expires on its own, so a crashed executor never wedges the
// failure.
type Lease interface {
	// Acquire takes the lease for key. It returns false (and no error)
	// when the lease is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryLease is a single-process lease for tests and the embedded
// deployment.
type MemoryLease struct {
	mu    sync.Mutex
	held  map[string]time.Time
	nowFn func() time.Time
}

// NewMemoryLease creates a MemoryLease.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{held: make(map[string]time.Time), nowFn: time.Now}
}

func (l *MemoryLease) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return false, nil
	}
	l.held[key] = now.Add(ttl)
	return true, nil
}

func (l *MemoryLease) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

func leaseToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
