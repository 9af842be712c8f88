package reports

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SchedulerConfig configures the daily report scheduler.
type SchedulerConfig struct {
	Reporter  *Reporter
	Window    time.Duration
	RunHour   int
	RunMinute int
	Location  *time.Location
	Logger    *slog.Logger
}

// Scheduler triggers report runs on a daily cadence.
type Scheduler struct {
	reporter  *Reporter
	window    time.Duration
	runHour   int
	runMinute int
	location  *time.Location
	logger    *slog.Logger
}

// NewScheduler builds a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Reporter == nil {
		return nil, errors.New("reports: reporter is required")
	}
	window := cfg.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reporter:  cfg.Reporter,
		window:    window,
		runHour:   clampHour(cfg.RunHour),
		runMinute: clampMinute(cfg.RunMinute),
		location:  loc,
		logger:    logger,
	}, nil
}

// Start blocks, running a report at the configured local time each day until
// the context is cancelled. A failed run is logged and the next day's run
// still fires.
func (s *Scheduler) Start(ctx context.Context) error {
	for {
		now := time.Now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		start := next.Add(-s.window)
		if _, err := s.reporter.Run(ctx, RunOptions{Start: start, End: next}); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logger.Error("scheduled report failed", "start", start, "end", next, "error", err)
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}

func clampHour(h int) int {
	if h < 0 {
		return 0
	}
	if h > 23 {
		return 23
	}
	return h
}

func clampMinute(m int) int {
	if m < 0 {
		return 0
	}
	if m > 59 {
		return 59
	}
	return m
}
