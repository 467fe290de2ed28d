/*
scheduler.go - Automated expiry sweep

PURPOSE:
  Runs Ledger.Sweep on a cron schedule so blocks age into the expired
  state without anyone pressing the admin button.

DESIGN:
  - robfig/cron drives the schedule; a panicking run is recovered and
    logged instead of killing the process
  - Runs never overlap; a run that outlasts the interval delays the next
  - Each run gets its own timeout-bounded context
  - The last run's outcome is kept for the health/admin view

CONFIGURATION:
  - Schedule: cron spec or descriptor (default: "@every 1h")
  - Enabled:  whether the scheduler starts at all (default: true)
  - RunOnStart: sweep once immediately on Start

USAGE:
  scheduler := NewExpiryScheduler(ledger, log)
  if err := scheduler.Start(); err != nil {
      log.Fatal(err)
  }
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - concession/expiry.go: Sweep
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/warp/concession-ledger/concession"
)

// Sweeper is the ledger operation the scheduler drives.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SweepRun records the outcome of one scheduled sweep.
type SweepRun struct {
	StartedAt time.Time
	Duration  time.Duration
	Expired   int
	Err       error
}

// ExpiryScheduler runs the expiry sweep on a schedule.
type ExpiryScheduler struct {
	Sweeper    Sweeper
	Log        logrus.FieldLogger
	Schedule   string
	Enabled    bool
	RunOnStart bool
	Timeout    time.Duration

	cron *cron.Cron
	mu   sync.Mutex
	last *SweepRun
}

var _ Sweeper = (*concession.Ledger)(nil)

// NewExpiryScheduler creates a scheduler with an hourly default schedule.
func NewExpiryScheduler(sweeper Sweeper, log logrus.FieldLogger) *ExpiryScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ExpiryScheduler{
		Sweeper:  sweeper,
		Log:      log,
		Schedule: "@every 1h",
		Enabled:  true,
		Timeout:  5 * time.Minute,
	}
}

// Start registers the sweep job and begins the schedule.
func (s *ExpiryScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("expiry scheduler disabled, not starting")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	cronLog := cronLogger{s.Log}
	c := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	if _, err := c.AddFunc(s.Schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.Schedule, err)
	}
	s.cron = c
	c.Start()

	s.Log.WithField("schedule", s.Schedule).Info("expiry scheduler started")
	if s.RunOnStart {
		go s.RunOnce(context.Background())
	}
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.Log.Info("expiry scheduler stopped")
}

// RunOnce performs one sweep and records its outcome.
func (s *ExpiryScheduler) RunOnce(ctx context.Context) SweepRun {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	run := SweepRun{StartedAt: time.Now()}
	run.Expired, run.Err = s.Sweeper.Sweep(ctx)
	run.Duration = time.Since(run.StartedAt)

	entry := s.Log.WithFields(logrus.Fields{
		"expired":     run.Expired,
		"duration_ms": run.Duration.Milliseconds(),
	})
	if run.Err != nil {
		entry.WithError(run.Err).Error("scheduled expiry sweep failed")
	} else {
		entry.Info("scheduled expiry sweep finished")
	}

	s.mu.Lock()
	s.last = &run
	s.mu.Unlock()
	return run
}

// LastRun returns the most recent sweep outcome, or nil before the first.
func (s *ExpiryScheduler) LastRun() *SweepRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	run := *s.last
	return &run
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
