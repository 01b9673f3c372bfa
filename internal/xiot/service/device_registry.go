package service

import (
	"context"
	"errors"
	"strings"

	"github.com/xiot/watch/internal/xiot/store"
	"github.com/xiot/watch/internal/xiot/types"
)

// DeviceRegistry reads and writes the module records devices register
// under module/{mac}.
type DeviceRegistry struct {
	store store.Store
}

func NewDeviceRegistry(st store.Store) *DeviceRegistry {
	return &DeviceRegistry{store: st}
}

func (r *DeviceRegistry) List(ctx context.Context) ([]types.Device, error) {
	recs, err := r.store.List(ctx, types.CategoryDevice)
	if err != nil {
		return nil, err
	}
	out := make([]types.Device, 0, len(recs))
	for _, rec := range recs {
		out = append(out, deviceFromRecord(rec))
	}
	return out, nil
}

func (r *DeviceRegistry) Get(ctx context.Context, mac string) (types.Device, error) {
	mac = strings.TrimSpace(mac)
	if mac == "" {
		return types.Device{}, ErrInvalidMAC
	}
	rec, err := r.store.Get(ctx, types.CategoryDevice, mac)
	if err != nil {
		return types.Device{}, err
	}
	return deviceFromRecord(rec), nil
}

func (r *DeviceRegistry) IsKnown(ctx context.Context, mac string) (bool, error) {
	_, err := r.Get(ctx, mac)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrInvalidMAC):
		return false, nil
	default:
		return false, err
	}
}

// Register replaces the device record, like a device PUTting itself.
func (r *DeviceRegistry) Register(ctx context.Context, d types.Device) error {
	d.MAC = strings.TrimSpace(d.MAC)
	if d.MAC == "" {
		return ErrInvalidMAC
	}
	return r.store.Set(ctx, types.CategoryDevice, d.MAC, deviceFields(d))
}

// Deregister deletes the device record. The delete observer removes the
// device's heartbeats, logs and alerts.
func (r *DeviceRegistry) Deregister(ctx context.Context, mac string) error {
	mac = strings.TrimSpace(mac)
	if mac == "" {
		return ErrInvalidMAC
	}
	return r.store.Delete(ctx, types.CategoryDevice, mac)
}
