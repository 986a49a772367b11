package cmsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/topi314/tint"

	"github.com/topvine/cmsync/cmsync/database"
)

// runScheduler drives time-based syncs: every tick it launches runs for due
// scheduled and incremental integrations and reclaims runs orphaned by a dead
// process.
func (s *Server) runScheduler(ctx context.Context) {
	interval := s.cfg.Sync.SchedulerInterval
	if interval <= 0 {
		interval = time.Minute
	}
	slog.Info("Starting sync scheduler...", slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer slog.Info("sync scheduler stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Server) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "schedulerTick")
	defer span.End()

	if s.cfg.Sync.RunTimeout > 0 {
		reclaimed, err := s.db.ReclaimStaleRuns(ctx, s.cfg.Sync.RunTimeout)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "failed to reclaim stale sync runs", tint.Err(err))
		} else if reclaimed > 0 {
			slog.InfoContext(ctx, "reclaimed stale sync runs", slog.Int64("count", reclaimed))
		}
	}

	integrations, err := s.db.GetDueIntegrations(ctx, time.Now())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "failed to get due integrations", tint.Err(err))
		}
		return
	}

	for _, integration := range integrations {
		if _, err = s.startSync(ctx, integration, string(database.SyncModeScheduled), false); err != nil {
			// A still-running previous run just means this integration skips
			// the tick.
			if errors.Is(err, ErrSyncAlreadyRunning) {
				continue
			}
			slog.ErrorContext(ctx, "failed to start scheduled sync",
				slog.String("integration_id", integration.ID), tint.Err(err))
		}
	}
}
