// Package scheduler runs regulator cycles on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"homeostat/internal/regulator"
)

// Cycler runs one regulator cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (regulator.CycleResult, error)
}

// Scheduler triggers cycles at the times given by a standard five-field cron
// expression. A cycle still running when the next one is due causes that
// tick to be skipped, so cycles never overlap within one process.
type Scheduler struct {
	cycler   Cycler
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger
	mu       sync.Mutex
	running  bool
}

func New(cycler Cycler, schedule string, logger *zerolog.Logger) *Scheduler {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	l = l.With().Str("component", "regulator.scheduler").Logger()
	return &Scheduler{
		cycler:   cycler,
		schedule: schedule,
		logger:   l,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{l}),
			cron.SkipIfStillRunning(cronLogger{l}),
		)),
	}
}

// Validate reports whether expr is a usable schedule.
func Validate(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return nil
}

// Start registers the cycle job and starts the cron loop. An empty schedule
// leaves the scheduler idle. The scheduler stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info().Msg("regulator schedule not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return nil
	}
	if err := Validate(s.schedule); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule regulator cycle: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Str("schedule", s.schedule).Msg("regulator scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce runs a single cycle and logs its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) {
	res, err := s.cycler.RunCycle(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled regulator cycle failed")
		return
	}
	s.logger.Info().
		Str("cycle_id", res.CycleID).
		Int("boundaries", len(res.Boundaries)).
		Int("failed_actions", res.Totals.FailedActions).
		Msg("scheduled regulator cycle completed")
}

// Stop stops the cron loop and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("regulator scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled cycle, or nil when nothing is scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
