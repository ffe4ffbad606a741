package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ScoutPass/internal/pkg/metrics"
)

// ArchiveExporter receives expired archive snapshots before they are purged.
type ArchiveExporter interface {
	ExportArchive(ctx context.Context, userID uint, restoreUntil time.Time, snapshot []byte) error
}

// ArchiveSweeper purges archives whose restore window has passed.
type ArchiveSweeper struct {
	repo      Repository
	exporter  ArchiveExporter
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewArchiveSweeper creates a sweeper. exporter may be nil.
func NewArchiveSweeper(repo Repository, exporter ArchiveExporter, interval time.Duration, now func() time.Time) *ArchiveSweeper {
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &ArchiveSweeper{
		repo:      repo,
		exporter:  exporter,
		interval:  interval,
		batchSize: 100,
		now:       now,
	}
}

// Start sweeps once per interval until ctx is done.
func (s *ArchiveSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Infof("[ArchiveSweeper] Started, interval %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("[ArchiveSweeper] Stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				log.Errorf("[ArchiveSweeper] Sweep failed: %v", err)
			}
		}
	}
}

// SweepOnce purges one batch of expired archives and returns how many were
// cleared. A record whose export fails keeps its archive for the next run.
func (s *ArchiveSweeper) SweepOnce(ctx context.Context) (int, error) {
	recs, err := s.repo.ListExpiredArchives(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, rec := range recs {
		if rec.ArchiveRestoreUntil == nil {
			continue
		}
		restoreUntil := *rec.ArchiveRestoreUntil

		if s.exporter != nil && len(rec.ArchivedData) > 0 {
			if err := s.exporter.ExportArchive(ctx, rec.UserID, restoreUntil, rec.ArchivedData); err != nil {
				log.Warnw("[ArchiveSweeper] Export failed, keeping archive", "user_id", rec.UserID, "error", err)
				continue
			}
		}

		ok, err := s.repo.ClearExpiredArchive(ctx, rec.UserID, restoreUntil)
		if err != nil {
			return cleared, err
		}
		if ok {
			cleared++
		}
	}

	if cleared > 0 {
		metrics.ArchivesPurgedTotal.Add(float64(cleared))
		log.Infof("[ArchiveSweeper] Purged %d expired archives", cleared)
	}
	return cleared, nil
}
