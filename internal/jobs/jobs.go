// Package jobs runs the scheduled maintenance tasks of the server.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"evelogi/internal/config"
	"evelogi/internal/esi"
	"evelogi/internal/logger"
)

// VolumeCleaner deletes volume records last refreshed before a cutoff.
type VolumeCleaner interface {
	CleanupVolumes(ctx context.Context, before time.Time) (int64, error)
}

// BookWarmer loads a reference order book into the cache.
type BookWarmer interface {
	Get(ctx context.Context, regionID int32, side string) (esi.OrderBook, error)
}

// Runner wraps a cron scheduler with a base context for every job.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context
}

// New creates a stopped runner.
func New(baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{cron: cron.New(), baseCtx: baseCtx}
}

// Add schedules job on spec. An empty spec is ignored.
func (r *Runner) Add(name, spec string, job func(context.Context) error) error {
	if spec == "" {
		return nil
	}
	_, err := r.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(r.baseCtx); err != nil {
			logger.Error("CRON", fmt.Sprintf("%s failed: %v", name, err))
			return
		}
		logger.Debug("CRON", fmt.Sprintf("%s done in %s", name, time.Since(start).Round(time.Millisecond)))
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	logger.Info("CRON", fmt.Sprintf("Scheduled %s at %q", name, spec))
	return nil
}

// Start runs the scheduler in the background.
func (r *Runner) Start() { r.cron.Start() }

// Stop waits for running jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// Len reports how many jobs are scheduled.
func (r *Runner) Len() int { return len(r.cron.Entries()) }

// CleanupCutoff is the oldest updated_at kept when retaining retainDays.
func CleanupCutoff(now time.Time, retainDays int) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -retainDays)
}

// Cleanup returns the job deleting volume records older than the retention window.
func Cleanup(store VolumeCleaner, retainDays int, now func() time.Time) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := store.CleanupVolumes(ctx, CleanupCutoff(now(), retainDays))
		if err != nil {
			return err
		}
		logger.Info("VOLUME", fmt.Sprintf("Removed %d volume records older than %d days", n, retainDays))
		return nil
	}
}

// Prewarm returns the job loading the reference sell book so the first trade is fast.
func Prewarm(books BookWarmer, regionID int32) func(context.Context) error {
	return func(ctx context.Context) error {
		book, err := books.Get(ctx, regionID, esi.SideSell)
		if err != nil {
			return err
		}
		logger.Info("ESI", fmt.Sprintf("Prewarmed region %d: %d orders, %d pages", regionID, len(book.Orders), book.Pages))
		return nil
	}
}

// Schedule registers the configured jobs on r.
func Schedule(r *Runner, cfg *config.Config, store VolumeCleaner, books BookWarmer) error {
	if err := r.Add("volume cleanup", cfg.Cron.Cleanup, Cleanup(store, cfg.Cache.VolumeRetainDays, time.Now)); err != nil {
		return err
	}
	return r.Add("order book prewarm", cfg.Cron.Prewarm, Prewarm(books, cfg.Trade.ReferenceRegionID))
}
