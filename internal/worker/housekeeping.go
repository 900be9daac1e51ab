package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/routepilot/routepilot/internal/ratewindow"
	"github.com/routepilot/routepilot/internal/storage"
)

const (
	housekeepingInterval = 5 * time.Minute
	traceRetention       = 7 * 24 * time.Hour
	lockRetention        = 30 * time.Minute
)

// Housekeeping periodically prunes traces past their retention window and
// evicts stale in-memory rate locks from the quota enforcer.
type Housekeeping struct {
	traces   storage.TraceStore
	enforcer *ratewindow.Enforcer
}

// NewHousekeeping creates a Housekeeping worker backed by traces and
// enforcer.
func NewHousekeeping(traces storage.TraceStore, enforcer *ratewindow.Enforcer) *Housekeeping {
	return &Housekeeping{traces: traces, enforcer: enforcer}
}

// Name returns the worker identifier.
func (h *Housekeeping) Name() string { return "housekeeping" }

// Run prunes stale traces and evicts stale rate locks on a periodic
// schedule until ctx is cancelled.
func (h *Housekeeping) Run(ctx context.Context) error {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *Housekeeping) sweep(ctx context.Context) {
	now := time.Now()

	if removed, err := h.traces.PruneTraces(ctx, now.Add(-traceRetention)); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "trace prune failed",
			slog.String("error", err.Error()),
		)
	} else if removed > 0 {
		slog.Info("pruned stale traces", "removed", removed)
	}

	if h.enforcer != nil {
		evicted := h.enforcer.EvictStale(now.Add(-lockRetention))
		if evicted > 0 {
			slog.Info("evicted stale rate locks", "evicted", evicted)
		}
	}
}
