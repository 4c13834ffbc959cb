package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/cauldronos/sentientloop/pkg/contracts"
)

// Retention archives-then-prunes chain entries older than the policy's
// audit-trail window. Entries are packed through the Exporter before they
// are dropped; if archival fails the entries stay retained and the sweep
// tries again next round.
type Retention struct {
	store    *ChainStore
	exporter *Exporter
	clock    contracts.Clock
	logger   *slog.Logger
}

// NewRetention creates a retention sweep over the chain store.
func NewRetention(store *ChainStore, exporter *Exporter, clock contracts.Clock, logger *slog.Logger) *Retention {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	if logger == nil {
		logger = slog.Default().With("component", "audit-retention")
	}
	return &Retention{store: store, exporter: exporter, clock: clock, logger: logger}
}

// SweepOnce applies the audit-trail tier of the retention policy. Returns
// the number of entries pruned.
func (r *Retention) SweepOnce(ctx context.Context, policy contracts.RetentionPolicy) (int, error) {
	days := policy.AuditTrailDays
	if days <= 0 {
		return 0, nil
	}
	cutoff := r.clock.Now().AddDate(0, 0, -days)

	// PruneBefore is exclusive of the cutoff; archive exactly what it
	// will drop.
	candidates := r.store.Query(Filter{Until: cutoff.Add(-time.Nanosecond)})
	if len(candidates) == 0 {
		return 0, nil
	}

	if r.exporter != nil {
		_, pack, url, err := r.exporter.PackEntries(ctx, candidates)
		if err != nil {
			r.logger.WarnContext(ctx, "audit archive failed, keeping entries",
				"candidates", len(candidates), "error", err)
			return 0, err
		}
		r.logger.InfoContext(ctx, "audit entries archived",
			"pack_id", pack.PackID, "entries", pack.EntryCount, "url", url)
	}

	dropped := r.store.PruneBefore(cutoff)
	r.logger.InfoContext(ctx, "audit entries pruned",
		"pruned", len(dropped), "cutoff", cutoff)
	return len(dropped), nil
}
