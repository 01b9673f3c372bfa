package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var ErrUnknownJob = errors.New("unknown job")

// Job is a payload-less function fired on a cron spec such as
// "*/5 * * * *". Specs are evaluated in UTC.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type entry struct {
	job  Job
	expr *cronexpr.Expression
}

// Scheduler runs each job in its own background loop. A job never overlaps
// with itself: a fire that comes due while the previous run is still going
// waits for it, and fires missed meanwhile are skipped.
type Scheduler struct {
	clock  clockwork.Clock
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	entries map[string]entry
	order   []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(clock clockwork.Clock, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		clock:   clock,
		logger:  logger,
		entries: make(map[string]entry),
	}
}

// Add registers a job. It must be called before Start.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("schedule: job needs a name and a run function")
	}
	expr, err := cronexpr.Parse(j.Spec)
	if err != nil {
		return fmt.Errorf("schedule %s: parse %q: %w", j.Name, j.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[j.Name]; dup {
		return fmt.Errorf("schedule: duplicate job %q", j.Name)
	}
	s.entries[j.Name] = entry{job: j, expr: expr}
	s.order = append(s.order, j.Name)
	return nil
}

// Jobs returns the registered job names in the order they were added.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Next returns the next fire time of the named job after from.
func (s *Scheduler) Next(name string, from time.Time) (time.Time, error) {
	e, ok := s.lookup(name)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return e.expr.Next(from.UTC()), nil
}

// Start begins one loop per job. The loops exit when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.order {
		e := s.entries[name]
		s.wg.Add(1)
		go s.loop(ctx, e)
		s.logger.Infof("job %s scheduled (%s)", name, e.job.Spec)
	}
}

// Stop signals every loop to exit and waits for them to finish. It is safe
// to call more than once, and without Start.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// RunNow runs the named job once in the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	e, ok := s.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e.job)
}

func (s *Scheduler) lookup(name string) (entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e, ok
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	defer s.wg.Done()

	for {
		now := s.clock.Now().UTC()
		next := e.expr.Next(now)
		if next.IsZero() {
			s.logger.Warnf("job %s has no future fire time, stopping", e.job.Name)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(next.Sub(now)):
			_ = s.run(ctx, e.job)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j Job) error {
	start := s.clock.Now()
	err := j.Run(ctx)
	dur := s.clock.Since(start)
	if err != nil {
		s.logger.Errorw("job failed", "job", j.Name, "dur", dur, "error", err)
		return err
	}
	s.logger.Infow("job finished", "job", j.Name, "dur", dur)
	return nil
}
