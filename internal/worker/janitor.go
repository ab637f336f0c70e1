package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	janitorInterval = 10 * time.Minute
	staleAfter      = time.Hour
)

// WindowPruner deletes expired sliding-window rows.
type WindowPruner interface {
	PruneRateWindows(ctx context.Context, cutoff time.Time) (int64, error)
}

// StaleEvictor drops in-memory state untouched since a cutoff.
type StaleEvictor interface {
	EvictStale(cutoff time.Time) int
}

// Janitor periodically prunes expired rate-limit windows from the store and
// evicts stale in-memory state (circuit breakers, concurrency slots).
type Janitor struct {
	pruner   WindowPruner
	evictors []StaleEvictor
	log      *slog.Logger
}

// NewJanitor creates a Janitor. Any evictor may be nil-free; pass only what
// the deployment uses.
func NewJanitor(pruner WindowPruner, log *slog.Logger, evictors ...StaleEvictor) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{pruner: pruner, evictors: evictors, log: log}
}

// Name returns the worker identifier.
func (j *Janitor) Name() string { return "janitor" }

// Run sweeps on a fixed interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	now := time.Now()

	if j.pruner != nil {
		pruned, err := j.pruner.PruneRateWindows(ctx, now)
		if err != nil {
			j.log.LogAttrs(ctx, slog.LevelError, "window prune failed",
				slog.String("error", err.Error()))
		} else if pruned > 0 {
			j.log.LogAttrs(ctx, slog.LevelDebug, "windows pruned",
				slog.Int64("count", pruned))
		}
	}

	cutoff := now.Add(-staleAfter)
	for _, e := range j.evictors {
		if n := e.EvictStale(cutoff); n > 0 {
			j.log.LogAttrs(ctx, slog.LevelDebug, "stale entries evicted",
				slog.Int("count", n))
		}
	}
}
