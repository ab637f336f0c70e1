package worker

import (
	"context"
	"log/slog"
	"time"
)

const catalogRefreshInterval = 5 * time.Minute

// CatalogSource rebuilds the model catalog from provider listings.
type CatalogSource interface {
	Refresh(ctx context.Context) error
}

// CatalogRefreshWorker keeps the model registry current by re-fetching
// provider catalogs on an interval. Failures keep serving the last good
// snapshot, so a refresh error is logged and retried next tick.
type CatalogRefreshWorker struct {
	source CatalogSource
	log    *slog.Logger
}

// NewCatalogRefreshWorker creates a CatalogRefreshWorker.
func NewCatalogRefreshWorker(source CatalogSource, log *slog.Logger) *CatalogRefreshWorker {
	if log == nil {
		log = slog.Default()
	}
	return &CatalogRefreshWorker{source: source, log: log}
}

// Name returns the worker identifier.
func (w *CatalogRefreshWorker) Name() string { return "catalog_refresh" }

// Run refreshes the catalog periodically until ctx is cancelled. The startup
// refresh happens in main before serving, so the first tick waits a full
// interval.
func (w *CatalogRefreshWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(catalogRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.source.Refresh(ctx); err != nil {
				w.log.LogAttrs(ctx, slog.LevelError, "catalog refresh failed",
					slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
