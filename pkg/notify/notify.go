// Package notify carries escalation notifications to humans. Transport
// formats are a collaborator concern; this package only guarantees who is
// paged and that each (checkpoint, level) pair pages at most once.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Notification is the transport-neutral payload handed to a Notifier.
type Notification struct {
	Parties      []string          `json:"parties"`
	Subject      string            `json:"subject"`
	CheckpointID string            `json:"checkpoint_id"`
	Level        string            `json:"level"`
	Context      map[string]string `json:"context,omitempty"`
}

// Notifier delivers a notification. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Guard decides whether a dedupe key has been seen within its TTL.
// Acquire returns true exactly once per key per window.
type Guard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryGuard creates an empty guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{seen: make(map[string]time.Time)}
}

// Acquire implements Guard.
func (g *MemoryGuard) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if until, ok := g.seen[key]; ok && now.Before(until) {
		return false, nil
	}
	g.seen[key] = now.Add(ttl)
	// Opportunistic cleanup of expired keys.
	for k, until := range g.seen {
		if now.After(until) {
			delete(g.seen, k)
		}
	}
	return true, nil
}

// Idempotent wraps a Notifier with a Guard so duplicate pages for the
// same (checkpoint, level) are suppressed. A guard error falls open and
// delivers: a duplicate page beats a silently dropped one.
type Idempotent struct {
	next   Notifier
	guard  Guard
	ttl    time.Duration
	logger *slog.Logger
}

// NewIdempotent builds the deduplicating wrapper. ttl bounds how long a
// key suppresses re-delivery; use the escalation timeout window.
func NewIdempotent(next Notifier, guard Guard, ttl time.Duration, logger *slog.Logger) *Idempotent {
	if logger == nil {
		logger = slog.Default().With("component", "notify")
	}
	return &Idempotent{next: next, guard: guard, ttl: ttl, logger: logger}
}

// Notify implements Notifier.
func (i *Idempotent) Notify(ctx context.Context, n Notification) error {
	key := "notify:" + n.CheckpointID + ":" + n.Level
	fresh, err := i.guard.Acquire(ctx, key, i.ttl)
	if err != nil {
		i.logger.WarnContext(ctx, "notification guard unavailable, delivering anyway",
			"key", key, "error", err)
		fresh = true
	}
	if !fresh {
		i.logger.DebugContext(ctx, "duplicate notification suppressed", "key", key)
		return nil
	}
	return i.next.Notify(ctx, n)
}

// Log is a Notifier that writes structured log lines. It is the default
// sink in development and the fallback when no webhook is configured.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log-backed notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default().With("component", "notify")
	}
	return &Log{logger: logger}
}

// Notify implements Notifier.
func (l *Log) Notify(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, "escalation notification",
		"parties", n.Parties,
		"subject", n.Subject,
		"checkpoint_id", n.CheckpointID,
		"level", n.Level)
	return nil
}
