package app_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiot/watch/internal/app"
	"github.com/xiot/watch/internal/config"
	"github.com/xiot/watch/internal/xiot/notify"
	"github.com/xiot/watch/internal/xiot/service"
	"github.com/xiot/watch/internal/xiot/types"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *captureNotifier) Send(_ context.Context, msg notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func newApp(t *testing.T, cfg config.Config, clock clockwork.Clock, n service.Notifier) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, zap.NewNop().Sugar(), app.WithClock(clock), app.WithNotifier(n))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestApp_MemoryEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults()
	cfg.Store = "memory"

	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0).UTC())
	n := &captureNotifier{}
	a := newApp(t, cfg, clock, n)

	require.NoError(t, a.Registry.Register(ctx, types.Device{MAC: "AA:BB", Name: "Garage", UserToken: "u", AppToken: "a"}))
	_, err := a.Ingest.Heartbeat(ctx, types.HeartbeatRequest{MAC: "AA:BB"})
	require.NoError(t, err)
	a.Router.Wait()

	pings, err := a.Store.List(ctx, types.CategoryHeartbeat)
	require.NoError(t, err)
	require.Len(t, pings, 1)
	assert.Equal(t, "AA:BB_1700000000", pings[0].Fields.String(types.FieldLookupKey), "ping stamped through the change feed")

	require.NoError(t, a.Scheduler.RunNow(ctx, service.JobCheckPing))
	assert.Equal(t, 0, n.count(), "fresh ping, no alert")

	clock.Advance(10 * time.Minute)
	require.NoError(t, a.Scheduler.RunNow(ctx, service.JobCheckPing))
	assert.Equal(t, 1, n.count())
	a.Router.Wait()

	alerts, err := a.Store.List(ctx, types.CategoryAlert)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	require.NoError(t, a.Registry.Deregister(ctx, "AA:BB"))
	a.Router.Wait()

	for _, cat := range []string{types.CategoryHeartbeat, types.CategoryAlert} {
		recs, err := a.Store.List(ctx, cat)
		require.NoError(t, err)
		assert.Empty(t, recs, "%s cleaned up with the module", cat)
	}
}

func TestApp_SQLiteBackend(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults()
	cfg.DBPath = filepath.Join(t.TempDir(), "xiot.db")
	cfg.SeedModules = []string{"AA:BB"}

	a := newApp(t, cfg, clockwork.NewFakeClock(), &captureNotifier{})

	ok, err := a.Registry.IsKnown(ctx, "AA:BB")
	require.NoError(t, err)
	assert.True(t, ok, "dev seed registers modules")

	assert.Len(t, a.Scheduler.Jobs(), 2)
}

func TestApp_UnknownScheduleFails(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store = "memory"
	cfg.CheckSchedule = "whenever"

	_, err := app.New(context.Background(), cfg, zap.NewNop().Sugar())
	require.Error(t, err)
}
