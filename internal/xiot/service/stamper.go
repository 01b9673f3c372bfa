package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xiot/watch/internal/xiot/store"
	"github.com/xiot/watch/internal/xiot/types"
)

// Stamper adds the server timestamp to new or updated records, and the
// composite lookup key to heartbeats.
//
// Stamping writes the record, and that write is itself observed by the
// update trigger. Stamp therefore checks for an existing timestamp before
// writing: the second invocation finds one and stops.
type Stamper struct {
	store  store.Store
	clock  clockwork.Clock
	logger *zap.SugaredLogger
}

func NewStamper(st store.Store, clock clockwork.Clock, logger *zap.SugaredLogger) *Stamper {
	return &Stamper{store: st, clock: clock, logger: logger}
}

// Stamp sets the timestamp on category/key unless it is already there. It
// reports whether a write happened. A record deleted before it could be
// stamped is skipped.
func (s *Stamper) Stamp(ctx context.Context, category, key string) (bool, error) {
	rec, err := s.store.Get(ctx, category, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stamp %s: %w", store.Path(category, key), err)
	}
	if rec.Fields.Has(types.FieldTimestamp) {
		return false, nil
	}

	ts := UnixCeil(s.clock.Now())
	patch := store.Fields{types.FieldTimestamp: ts}

	if category == types.CategoryHeartbeat {
		mac := rec.Fields.String(types.FieldMAC)
		if mac == "" {
			s.logger.Warnf("ping %s has no mac, lookup key not set", key)
		} else {
			s.logger.Debugf("ping object created for module %s", mac)
			patch[types.FieldLookupKey] = CompositeKey(mac, ts)
		}
	}

	if err := s.store.Merge(ctx, category, key, patch); err != nil {
		return false, fmt.Errorf("stamp %s: %w", store.Path(category, key), err)
	}
	return true, nil
}
