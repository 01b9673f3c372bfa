package service

import (
	"context"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xiot/watch/internal/xiot/store"
	"github.com/xiot/watch/internal/xiot/types"
)

// Cleanup removes everything a deregistered device left behind. Unlike the
// sweeper it has no batch cap: a device's history is deleted in one update
// per category.
type Cleanup struct {
	deleter    *BulkDeleter
	categories []string
	logger     *zap.SugaredLogger
}

func NewCleanup(d *BulkDeleter, logger *zap.SugaredLogger) *Cleanup {
	return &Cleanup{
		deleter:    d,
		categories: []string{types.CategoryHeartbeat, types.CategoryLog, types.CategoryAlert},
		logger:     logger,
	}
}

// Run deletes every heartbeat, log entry and alert whose mac is mac.
func (c *Cleanup) Run(ctx context.Context, mac string) (int, error) {
	mac = strings.TrimSpace(mac)
	if mac == "" {
		return 0, ErrInvalidMAC
	}
	c.logger.Infof("cleanup on module deletion for module %s", mac)

	var (
		total int
		errs  error
	)
	for _, cat := range c.categories {
		n, err := c.deleter.DeleteMatching(ctx, store.Query{
			Category: cat,
			OrderBy:  types.FieldMAC,
			EqualTo:  mac,
		})
		total += n
		if err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return total, errs
}
