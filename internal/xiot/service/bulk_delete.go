package service

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/xiot/watch/internal/xiot/store"
)

// BulkDeleter removes every record a query selects with a single
// multi-path update. The read and the delete are not atomic: records
// written in between are left for the next run.
type BulkDeleter struct {
	store  store.Store
	logger *zap.SugaredLogger
}

func NewBulkDeleter(st store.Store, logger *zap.SugaredLogger) *BulkDeleter {
	return &BulkDeleter{store: st, logger: logger}
}

// DeleteMatching returns the number of records removed.
func (d *BulkDeleter) DeleteMatching(ctx context.Context, q store.Query) (int, error) {
	recs, err := d.store.Query(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("select %s: %w", q.Category, err)
	}

	d.logger.Infof("deleting %s items of type '%s'", humanize.Comma(int64(len(recs))), q.Category)
	if len(recs) == 0 {
		return 0, nil
	}

	updates := make(map[string]store.Fields, len(recs))
	for _, r := range recs {
		updates[r.Key] = nil
	}
	if err := d.store.Update(ctx, q.Category, updates); err != nil {
		d.logger.Errorf("deletion error for %s: %v", q.Category, err)
		return 0, fmt.Errorf("delete %s: %w", q.Category, err)
	}
	return len(recs), nil
}
