package service

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xiot/watch/internal/xiot/store"
	"github.com/xiot/watch/internal/xiot/types"
)

const (
	DefaultRetentionDays = 31
	DefaultSweepBatch    = 2000
)

// SweeperConfig holds the parameters for NewSweeper.
type SweeperConfig struct {
	// RetentionDays is how many days of history to keep.
	// 0 means keep everything (Sweep does nothing).
	RetentionDays int

	// BatchSize caps the records deleted per category per run, bounding the
	// size of one multi-path delete. Defaults to 2000.
	BatchSize int

	// Categories are swept in order. Alerts are not swept by default.
	Categories []string
}

// Sweeper deletes records older than the retention window. Each run
// removes at most BatchSize records per category; the rest wait for the
// next run.
type Sweeper struct {
	deleter    *BulkDeleter
	clock      clockwork.Clock
	retention  time.Duration
	batch      int
	categories []string
	logger     *zap.SugaredLogger
}

func NewSweeper(d *BulkDeleter, clock clockwork.Clock, cfg SweeperConfig, logger *zap.SugaredLogger) *Sweeper {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	cats := cfg.Categories
	if len(cats) == 0 {
		cats = []string{types.CategoryHeartbeat, types.CategoryLog}
	}
	return &Sweeper{
		deleter:    d,
		clock:      clock,
		retention:  time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		batch:      batch,
		categories: cats,
		logger:     logger,
	}
}

// Cutoff is the newest timestamp a record may carry and still be deleted.
func (s *Sweeper) Cutoff() int64 {
	return UnixCeil(s.clock.Now()) - seconds(s.retention)
}

// Sweep runs one pass over every category. A failing category does not
// stop the others; all failures are returned together.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.retention <= 0 {
		s.logger.Infof("sweep disabled (retention=0)")
		return 0, nil
	}

	cutoff := s.Cutoff()
	days := int(s.retention.Hours() / 24)

	var (
		total int
		errs  error
	)
	for _, cat := range s.categories {
		s.logger.Infof("deleting %ss older than %d days", cat, days)
		n, err := s.deleter.DeleteMatching(ctx, store.Query{
			Category: cat,
			OrderBy:  types.FieldTimestamp,
			EndAt:    cutoff,
			Limit:    s.batch,
		})
		total += n
		if err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return total, errs
}
