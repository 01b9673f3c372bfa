package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xiot/watch/internal/xiot/i18n"
	"github.com/xiot/watch/internal/xiot/notify"
	"github.com/xiot/watch/internal/xiot/service"
	"github.com/xiot/watch/internal/xiot/store"
	"github.com/xiot/watch/internal/xiot/store/memory"
	"github.com/xiot/watch/internal/xiot/types"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

// Send records every attempt. Skipping blank credentials is the real
// dispatcher's job.
func (n *fakeNotifier) Send(_ context.Context, msg notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *fakeNotifier) all() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.sent...)
}

// fakeClock is what the tests need from clockwork's fake clock.
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type env struct {
	store    *memory.Store
	clock    fakeClock
	notifier *fakeNotifier
	registry *service.DeviceRegistry
	deleter  *service.BulkDeleter
	monitor  *service.Monitor
	logger   *zap.SugaredLogger
}

// newEnv builds the services over an in-memory store with no change feed,
// with the clock at unix second now.
func newEnv(t *testing.T, now int64) *env {
	t.Helper()

	e := &env{
		store:    memory.New(),
		clock:    clockwork.NewFakeClockAt(time.Unix(now, 0).UTC()),
		notifier: &fakeNotifier{},
		logger:   zap.NewNop().Sugar(),
	}
	e.registry = service.NewDeviceRegistry(e.store)
	e.deleter = service.NewBulkDeleter(e.store, e.logger)
	e.monitor = service.NewMonitor(e.store, e.registry, e.notifier, i18n.New(), e.clock, service.MonitorConfig{}, e.logger)
	return e
}

func (e *env) register(t *testing.T, d types.Device) {
	t.Helper()
	if err := e.registry.Register(context.Background(), d); err != nil {
		t.Fatalf("register %s: %v", d.MAC, err)
	}
}

// ping writes a heartbeat as the stamper would have left it at ts.
func (e *env) ping(t *testing.T, mac string, ts int64) string {
	t.Helper()
	key, err := e.store.Push(context.Background(), types.CategoryHeartbeat, store.Fields{
		types.FieldMAC:       mac,
		types.FieldTimestamp: ts,
		types.FieldLookupKey: service.CompositeKey(mac, ts),
	})
	if err != nil {
		t.Fatalf("ping %s@%d: %v", mac, ts, err)
	}
	return key
}

func (e *env) push(t *testing.T, category string, f store.Fields) string {
	t.Helper()
	key, err := e.store.Push(context.Background(), category, f)
	if err != nil {
		t.Fatalf("push %s: %v", category, err)
	}
	return key
}

func (e *env) count(t *testing.T, category string) int {
	t.Helper()
	recs, err := e.store.List(context.Background(), category)
	if err != nil {
		t.Fatalf("list %s: %v", category, err)
	}
	return len(recs)
}
