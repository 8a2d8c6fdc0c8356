// Package janitor reclaims storage out of band: blobs no record references
// and trash older than the retention period.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pavel-fokin/file-vault/internal/files"
	"github.com/pavel-fokin/file-vault/internal/metrics"
)

// KeyLister reports every storage key still referenced by metadata.
type KeyLister interface {
	StorageKeys(ctx context.Context) (map[string]struct{}, error)
}

// TrashPurger permanently deletes records soft-deleted before a cutoff.
type TrashPurger interface {
	PurgeTrash(ctx context.Context, before time.Time) (int, error)
}

type Options struct {
	// OrphanGrace protects blobs younger than this from reclamation, so
	// writes whose record is not committed yet survive.
	OrphanGrace time.Duration
	// TrashTTL is how long soft-deleted files are kept. Zero disables purging.
	TrashTTL time.Duration
}

// Result summarises one sweep.
type Result struct {
	Scanned  int
	Orphans  int
	Purged   int
	Errors   int
	Duration time.Duration
}

type Janitor struct {
	blobs  files.BlobStore
	keys   KeyLister
	trash  TrashPurger
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex // one sweep at a time
	cron *cron.Cron
}

func New(blobs files.BlobStore, keys KeyLister, trash TrashPurger, opts Options, logger *slog.Logger) *Janitor {
	return &Janitor{
		blobs:  blobs,
		keys:   keys,
		trash:  trash,
		opts:   opts,
		logger: logger.With(slog.String("component", "janitor")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs a full sweep: trash purge first, then orphan reclamation,
// so blobs released by the purge are not left for the next run.
func (j *Janitor) RunOnce(ctx context.Context) (*Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	result := &Result{}
	now := j.now()

	var errs []error
	if j.opts.TrashTTL > 0 {
		purged, err := j.trash.PurgeTrash(ctx, now.Add(-j.opts.TrashTTL))
		result.Purged = purged
		if err != nil {
			result.Errors++
			errs = append(errs, fmt.Errorf("trash purge: %w", err))
		}
	}

	if err := j.reclaimOrphans(ctx, now, result); err != nil {
		errs = append(errs, fmt.Errorf("orphan reclamation: %w", err))
	}

	result.Duration = time.Since(start)

	metrics.SweepRunsTotal.Inc()
	metrics.OrphansReclaimedTotal.Add(float64(result.Orphans))
	metrics.TrashPurgedTotal.Add(float64(result.Purged))
	metrics.SweepDuration.Observe(result.Duration.Seconds())

	j.logger.Info("Sweep finished",
		slog.Int("scanned", result.Scanned),
		slog.Int("orphans", result.Orphans),
		slog.Int("purged", result.Purged),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result, errors.Join(errs...)
}

func (j *Janitor) reclaimOrphans(ctx context.Context, now time.Time, result *Result) error {
	// Keys are read before the walk: a blob referenced after this point is
	// younger than the grace period and is skipped anyway.
	referenced, err := j.keys.StorageKeys(ctx)
	if err != nil {
		result.Errors++
		return err
	}

	cutoff := now.Add(-j.opts.OrphanGrace)
	var orphans []string
	err = j.blobs.Walk(ctx, func(info files.BlobInfo) error {
		result.Scanned++
		if _, ok := referenced[info.Key]; ok {
			return nil
		}
		if info.ModTime.After(cutoff) {
			return nil
		}
		orphans = append(orphans, info.Key)
		return nil
	})
	if err != nil {
		result.Errors++
		return err
	}

	for _, key := range orphans {
		if err := j.blobs.Delete(ctx, key); err != nil {
			result.Errors++
			j.logger.Warn("Failed to delete orphan blob",
				slog.String("storage_key", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Orphans++
		j.logger.Debug("Orphan blob deleted", slog.String("storage_key", key))
	}
	return nil
}

// Start schedules sweeps on a cron expression such as "@every 15m".
func (j *Janitor) Start(ctx context.Context, schedule string) error {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(j.logger.Handler(), slog.LevelWarn))
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		),
	)

	_, err := c.AddFunc(schedule, func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("Sweep failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	j.cron = c
	c.Start()

	j.logger.Info("Janitor started", slog.String("schedule", schedule))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.logger.Info("Janitor stopped")
}
