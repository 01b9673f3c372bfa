package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xiot/watch/internal/xiot/store"
	"github.com/xiot/watch/internal/xiot/types"
)

var (
	ErrInvalidMAC     = errors.New("mac is required")
	ErrInvalidMessage = errors.New("message is required")
)

// IngestService accepts heartbeats and log lines from devices. The records
// are pushed without a timestamp; the create observer stamps them.
type IngestService struct {
	store    store.Store
	registry *DeviceRegistry
	clock    clockwork.Clock
}

func NewIngestService(st store.Store, reg *DeviceRegistry, clock clockwork.Clock) *IngestService {
	return &IngestService{store: st, registry: reg, clock: clock}
}

func (s *IngestService) Heartbeat(ctx context.Context, req types.HeartbeatRequest) (types.IngestResponse, error) {
	mac := strings.TrimSpace(req.MAC)
	if mac == "" {
		return types.IngestResponse{}, ErrInvalidMAC
	}

	fields := store.Fields{types.FieldMAC: mac}
	if name := strings.TrimSpace(req.Name); name != "" {
		fields[types.FieldName] = name
	}
	return s.push(ctx, types.CategoryHeartbeat, mac, fields)
}

func (s *IngestService) Log(ctx context.Context, req types.LogRequest) (types.IngestResponse, error) {
	mac := strings.TrimSpace(req.MAC)
	if mac == "" {
		return types.IngestResponse{}, ErrInvalidMAC
	}
	if strings.TrimSpace(req.Message) == "" {
		return types.IngestResponse{}, ErrInvalidMessage
	}
	return s.push(ctx, types.CategoryLog, mac, store.Fields{
		types.FieldMAC:     mac,
		types.FieldMessage: req.Message,
	})
}

func (s *IngestService) push(ctx context.Context, category, mac string, fields store.Fields) (types.IngestResponse, error) {
	known, err := s.registry.IsKnown(ctx, mac)
	if err != nil {
		return types.IngestResponse{}, err
	}

	key, err := s.store.Push(ctx, category, fields)
	if err != nil {
		return types.IngestResponse{}, err
	}

	return types.IngestResponse{
		OK:         true,
		Known:      known,
		MAC:        mac,
		Key:        key,
		ServerTime: s.clock.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}
