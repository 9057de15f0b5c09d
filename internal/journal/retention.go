package journal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// defaultArchiveBatch is how many events go into one archive object.
const defaultArchiveBatch = 5000

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Retainer removes events older than the retention window on an interval.
// With an Archiver set, expired events are uploaded batch by batch and only
// deleted once their batch is stored.
type Retainer struct {
	repo      *SQLiteRepository
	archiver  Archiver
	retention time.Duration
	interval  time.Duration
	batch     int
	now       func() time.Time

	logger   Logger
	loggerMu sync.RWMutex
}

// NewRetainer creates a Retainer. archiver may be nil.
func NewRetainer(repo *SQLiteRepository, archiver Archiver, retention, interval time.Duration) *Retainer {
	return &Retainer{
		repo:      repo,
		archiver:  archiver,
		retention: retention,
		interval:  interval,
		batch:     defaultArchiveBatch,
		now:       time.Now,
	}
}

// SetLogger sets a logger for prune and archive results.
func (r *Retainer) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *Retainer) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// Run prunes once immediately and then every interval until ctx is done.
func (r *Retainer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			if logger := r.getLogger(); logger != nil {
				logger.Error("journal retention failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce removes every event older than the retention window and returns
// how many were deleted.
func (r *Retainer) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.retention)

	if r.archiver == nil {
		n, err := r.repo.Prune(ctx, cutoff)
		r.logPruned(n, 0)
		return n, err
	}

	var total int64
	var archives int
	for {
		events, err := r.repo.Expired(ctx, cutoff, r.batch)
		if err != nil {
			return total, err
		}
		if len(events) == 0 {
			break
		}

		a, err := r.archiver.Archive(ctx, events)
		if err != nil {
			return total, err
		}
		if err := r.repo.RecordArchive(ctx, a); err != nil {
			return total, err
		}
		n, err := r.repo.DeleteThrough(ctx, cutoff, a.LastID)
		if err != nil {
			return total, fmt.Errorf("after archiving %s: %w", a.Key, err)
		}
		total += n
		archives++

		if len(events) < r.batch {
			break
		}
	}
	r.logPruned(total, archives)
	return total, nil
}

func (r *Retainer) logPruned(n int64, archives int) {
	if n == 0 {
		return
	}
	if logger := r.getLogger(); logger != nil {
		logger.Info("journal events pruned", "events", n, "archives", archives)
	}
}
