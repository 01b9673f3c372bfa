package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/xiot/watch/internal/xiot/schedule"
	"github.com/xiot/watch/internal/xiot/trigger"
	"github.com/xiot/watch/internal/xiot/types"
)

// Deployed function names.
const (
	FnSetTimestampOnCreate    = "setTimestampOnCreate"
	FnSetTimestampOnUpdate    = "setTimestampOnUpdate"
	FnCleanupOnModuleDeletion = "cleanupOnModuleDeletion"
	JobDeleteOldItems         = "deleteOldItems"
	JobCheckPing              = "checkPing"
)

const (
	DefaultSweepSchedule = "0 9 * * 1"
	DefaultCheckSchedule = "*/5 * * * *"
)

// Functions binds the services to their triggers.
type Functions struct {
	Stamper *Stamper
	Sweeper *Sweeper
	Monitor *Monitor
	Cleanup *Cleanup

	SweepSchedule string
	CheckSchedule string

	Logger *zap.SugaredLogger
}

// Register attaches the change observers to r.
func (f *Functions) Register(r *trigger.Router) {
	r.OnCreate("/{type}/{objectId}", FnSetTimestampOnCreate, func(ctx context.Context, ev trigger.Event) error {
		_, err := f.Stamper.Stamp(ctx, ev.Params["type"], ev.Params["objectId"])
		return err
	})
	r.OnUpdate("/"+types.CategoryDevice+"/{objectId}", FnSetTimestampOnUpdate, func(ctx context.Context, ev trigger.Event) error {
		_, err := f.Stamper.Stamp(ctx, types.CategoryDevice, ev.Params["objectId"])
		return err
	})
	r.OnDelete("/"+types.CategoryDevice+"/{moduleMac}", FnCleanupOnModuleDeletion, func(ctx context.Context, ev trigger.Event) error {
		_, err := f.Cleanup.Run(ctx, ev.Params["moduleMac"])
		return err
	})
}

// Jobs returns the scheduled functions.
func (f *Functions) Jobs() []schedule.Job {
	sweepSpec := f.SweepSchedule
	if sweepSpec == "" {
		sweepSpec = DefaultSweepSchedule
	}
	checkSpec := f.CheckSchedule
	if checkSpec == "" {
		checkSpec = DefaultCheckSchedule
	}

	return []schedule.Job{
		{
			Name: JobDeleteOldItems,
			Spec: sweepSpec,
			Run: func(ctx context.Context) error {
				n, err := f.Sweeper.Sweep(ctx)
				f.Logger.Infof("old items deleted: %d", n)
				return err
			},
		},
		{
			Name: JobCheckPing,
			Spec: checkSpec,
			Run: func(ctx context.Context) error {
				report, err := f.Monitor.Check(ctx)
				f.Logger.Infof("modules checked: %d, alerts: %d", report.Checked, len(report.Alerts))
				return err
			},
		},
	}
}
