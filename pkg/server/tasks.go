package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// GarbageCollector reclaims space of deleted and expired rows
type GarbageCollector interface {
	RunGC(discardRatio float64) (bool, error)
}

// RunBadgerGC runs value log garbage collection every interval until ctx is
// done. BadgerDB accumulates deleted and expired rows in its value log, so GC
// is what keeps disk usage bounded.
func RunBadgerGC(ctx context.Context, gc GarbageCollector, interval time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("value log GC scheduler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping value log GC scheduler")
			return nil
		case <-ticker.C:
			start := time.Now()
			// Keep rewriting while files are at least half garbage
			rewritten := 0
			for ctx.Err() == nil {
				reclaimed, err := gc.RunGC(0.5)
				if err != nil {
					logger.Warn("value log GC failed", zap.Error(err))
					break
				}
				if !reclaimed {
					break
				}
				rewritten++
			}
			logger.Debug("value log GC completed",
				zap.Int("files_rewritten", rewritten),
				zap.Duration("took", time.Since(start).Round(time.Millisecond)))
		}
	}
}

// Retention deletes samples that have outlived their resolution
type Retention struct {
	Storage storage.Storage
	Config  *config.Config
	Logger  *zap.Logger
	Now     func() time.Time
}

// Sweep deletes raw samples older than the raw retention and tier rows older
// than their tier's retention
func (r *Retention) Sweep(ctx context.Context) error {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	t := now()

	if err := r.Storage.Delete(ctx, storage.DeleteOptions{
		Before:     t.Add(-r.Config.RawRetention),
		Resolution: metrics.ResolutionRaw,
	}); err != nil {
		return err
	}

	for _, tier := range r.Config.RollupTiers() {
		if err := r.Storage.Delete(ctx, storage.DeleteOptions{
			Before:     t.Add(-time.Duration(tier.RetentionHours) * time.Hour),
			Resolution: tier.Name,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Run sweeps once at startup and then every interval until ctx is done.
// Failures are logged and retried on the next tick.
func (r *Retention) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		if err := r.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.Logger.Warn("retention sweep failed", zap.Error(err))
		} else {
			r.Logger.Debug("retention sweep completed", zap.Duration("took", time.Since(start).Round(time.Millisecond)))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
