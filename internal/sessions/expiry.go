package sessions

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires sessions that have been inactive beyond a TTL.
// Sessions referenced by plans are retained for audit; the store enforces
// that, the sweeper only drives the schedule.
type Sweeper struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
	log      *slog.Logger
}

// NewSweeper creates a sweeper. Non-positive durations use a 24h TTL and a
// 1h sweep interval.
func NewSweeper(store Store, ttl, interval time.Duration, log *slog.Logger) *Sweeper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{store: store, ttl: ttl, interval: interval, log: log}
}

// Run sweeps on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires inactive sessions immediately.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.ttl)
	n, err := s.store.ExpireSessions(ctx, cutoff)
	if err != nil {
		s.log.Error("session expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("expired inactive sessions", "count", n, "ttl", s.ttl)
	}
}
