// Package lambdafn adapts the functions to AWS Lambda, where DynamoDB
// Streams deliver the change feed and EventBridge fires the schedules.
package lambdafn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xiot/watch/internal/xiot/store"
)

// Dispatcher runs the observers for one change and waits for them.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev store.ChangeEvent) (int, error)
}

// JobRunner runs a scheduled function by name.
type JobRunner interface {
	RunNow(ctx context.Context, name string) error
}

type Handler struct {
	Router Dispatcher
	Jobs   JobRunner

	// Job is the function a schedule invocation runs. When empty the
	// event detail must name it: {"job": "checkPing"}.
	Job string

	Logger *zap.SugaredLogger
}

// HandleStream routes every record of a stream batch. Records are handled
// in order; a failing record does not stop the rest, and the batch fails
// with every error once all have run.
func (h *Handler) HandleStream(ctx context.Context, e events.DynamoDBEvent) error {
	var errs error
	for _, rec := range e.Records {
		ev, ok, err := changeFromRecord(rec)
		if err != nil {
			h.Logger.Errorf("decode stream record: %v", err)
			errs = multierr.Append(errs, err)
			continue
		}
		if !ok {
			continue
		}

		n, err := h.Router.Dispatch(ctx, ev)
		h.Logger.Debugw("stream record dispatched", "event", ev.Kind, "path", ev.Path(), "functions", n)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s %s: %w", ev.Kind, ev.Path(), err))
		}
	}
	return errs
}

type scheduleDetail struct {
	Job string `json:"job"`
}

// HandleSchedule runs the configured job. EventBridge schedules carry no
// payload the job needs.
func (h *Handler) HandleSchedule(ctx context.Context, e events.EventBridgeEvent) error {
	job := h.Job
	if job == "" && len(e.Detail) > 0 {
		var d scheduleDetail
		if err := json.Unmarshal(e.Detail, &d); err == nil {
			job = d.Job
		}
	}
	if job == "" {
		return fmt.Errorf("schedule event %s: no job configured", e.ID)
	}

	h.Logger.Infof("running %s for schedule event %s", job, e.ID)
	return h.Jobs.RunNow(ctx, job)
}
