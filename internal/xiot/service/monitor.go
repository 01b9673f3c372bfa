package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiot/watch/internal/xiot/i18n"
	"github.com/xiot/watch/internal/xiot/notify"
	"github.com/xiot/watch/internal/xiot/store"
	"github.com/xiot/watch/internal/xiot/types"
)

// DefaultPingWindow is one ping period (5 minutes) plus 5 seconds so a
// ping landing on the boundary between two checks is still seen.
const DefaultPingWindow = 305 * time.Second

// Notifier delivers an alert to the device owner. Send must not return
// before the delivery attempt is over, and never fails the caller.
type Notifier interface {
	Send(ctx context.Context, n notify.Notification)
}

// Translator localizes a message, returning it unchanged when no
// translation exists.
type Translator interface {
	Translate(message, lang string) string
}

// MonitorConfig holds the parameters for NewMonitor.
type MonitorConfig struct {
	// Window is how far back a heartbeat still counts. Defaults to 305s.
	Window time.Duration

	// Concurrency bounds the devices checked at once. Defaults to 8.
	Concurrency int
}

// CheckReport summarizes one monitor run.
type CheckReport struct {
	Checked int
	Alerts  []types.Alert
}

// Monitor raises an alert for every registered device that has not sent a
// heartbeat within the window. It keeps no state between runs, so a device
// that stays offline is alerted on every run.
type Monitor struct {
	store      store.Store
	registry   *DeviceRegistry
	notifier   Notifier
	translator Translator
	clock      clockwork.Clock
	window     time.Duration
	limit      int
	logger     *zap.SugaredLogger
}

func NewMonitor(
	st store.Store,
	reg *DeviceRegistry,
	n Notifier,
	tr Translator,
	clock clockwork.Clock,
	cfg MonitorConfig,
	logger *zap.SugaredLogger,
) *Monitor {
	window := cfg.Window
	if window <= 0 {
		window = DefaultPingWindow
	}
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = 8
	}
	return &Monitor{
		store:      st,
		registry:   reg,
		notifier:   n,
		translator: tr,
		clock:      clock,
		window:     window,
		limit:      limit,
		logger:     logger,
	}
}

// Check runs one pass over all registered devices. Devices are checked
// independently; a failure on one is logged and returned with the others
// once every device has been checked and every notification attempted.
func (m *Monitor) Check(ctx context.Context) (CheckReport, error) {
	devices, err := m.registry.List(ctx)
	if err != nil {
		return CheckReport{}, fmt.Errorf("list devices: %w", err)
	}

	now := m.clock.Now()
	end := UnixCeil(now)
	start := end - seconds(m.window)

	var (
		mu     sync.Mutex
		report = CheckReport{Checked: len(devices)}
		errs   error
		sends  sync.WaitGroup
	)

	var g errgroup.Group
	g.SetLimit(m.limit)
	for _, d := range devices {
		g.Go(func() error {
			alert, stale, err := m.checkDevice(ctx, d, start, end, now, &sends)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Errorf("check pings for module '%s': %v", d.Name, err)
				errs = multierr.Append(errs, err)
			}
			if stale {
				report.Alerts = append(report.Alerts, alert)
			}
			return nil
		})
	}
	_ = g.Wait()
	sends.Wait()

	return report, errs
}

func (m *Monitor) checkDevice(
	ctx context.Context,
	d types.Device,
	start, end int64,
	now time.Time,
	sends *sync.WaitGroup,
) (types.Alert, bool, error) {
	m.logger.Debugf("checking pings on module '%s'", d.Name)

	pings, err := m.store.Query(ctx, store.Query{
		Category: types.CategoryHeartbeat,
		OrderBy:  types.FieldLookupKey,
		StartAt:  CompositeKey(d.MAC, start),
		EndAt:    CompositeKey(d.MAC, end),
	})
	if err != nil {
		return types.Alert{}, false, fmt.Errorf("query pings for %s: %w", d.MAC, err)
	}
	m.logger.Debugf("ping count in last %s for module '%s': %d", m.window, d.Name, len(pings))
	if len(pings) > 0 {
		return types.Alert{}, false, nil
	}

	m.logger.Warnf("ALERT module '%s' (%s) stopped", d.Name, d.MAC)

	lang := d.Language()
	alert := types.Alert{
		MAC:     d.MAC,
		Lang:    lang,
		Message: m.translator.Translate(i18n.MsgModuleOffline, lang),
		Date:    now.UTC().Format(types.AlertDateLayout),
		Name:    d.Name,
	}

	sends.Add(1)
	go func() {
		defer sends.Done()
		m.notifier.Send(ctx, notify.Notification{
			User:    d.UserToken,
			Token:   d.AppToken,
			Title:   d.Name,
			Message: alert.Message,
		})
	}()

	key, err := m.store.Push(ctx, types.CategoryAlert, alertFields(alert))
	if err != nil {
		return alert, true, fmt.Errorf("write alert for %s: %w", d.MAC, err)
	}
	alert.Key = key
	return alert, true, nil
}
