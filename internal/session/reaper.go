// ABOUTME: Background sweep evicting sandbox sessions idle beyond the TTL
// ABOUTME: Respects reference counts; eviction errors never abort the loop

package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Reaper periodically evicts idle sessions whose TTL has lapsed.
type Reaper struct {
	registry *Registry
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper creates a reaper for the given registry.
func NewReaper(registry *Registry, ttl, interval time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		ttl:      ttl,
		interval: interval,
		logger:   logger.With("component", "reaper"),
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("idle reaper started", "ttl", r.ttl, "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("idle reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep evicts every currently-expired session. Sessions that picked up a
// reference between the scan and the eviction are skipped by the registry's
// own busy check. Returns the ids actually evicted.
func (r *Reaper) Sweep(ctx context.Context) []string {
	var evicted []string
	for _, id := range r.registry.Expired(r.ttl) {
		err := r.registry.Evict(ctx, id)
		switch {
		case err == nil:
			evicted = append(evicted, id)
		case errors.Is(err, ErrSessionBusy), errors.Is(err, ErrNoSession):
			// Raced with a new request or another sweep; nothing to do.
		default:
			r.logger.Error("eviction failed", "workspace_id", id, "error", err)
		}
	}
	if len(evicted) > 0 {
		r.logger.Info("idle sessions evicted", "count", len(evicted), "workspace_ids", evicted)
	}
	return evicted
}
