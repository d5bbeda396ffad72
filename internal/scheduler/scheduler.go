// Package scheduler repeats a batch on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts 5-field expressions and descriptors such as @daily.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return s, nil
}

// Scheduler fires a callback each time a cron schedule comes due. The
// callback runs on the scheduler's own goroutine, so a slow run pushes the
// next fire back instead of overlapping with it.
type Scheduler struct {
	schedule cron.Schedule
	fire     func(ctx context.Context, at time.Time)
	now      func() time.Time
	after    func(d time.Duration) <-chan time.Time
}

// NewScheduler creates a Scheduler for schedule.
func NewScheduler(schedule cron.Schedule, fire func(ctx context.Context, at time.Time)) *Scheduler {
	return &Scheduler{
		schedule: schedule,
		fire:     fire,
		now:      time.Now,
		after:    time.After,
	}
}

// Next returns the next fire time after now.
func (s *Scheduler) Next() time.Time {
	return s.schedule.Next(s.now())
}

// Run blocks until ctx is cancelled, firing the callback at every scheduled
// time. Fire times that pass while a callback is running are skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := s.Next()
		d := next.Sub(s.now())
		if d < 0 {
			d = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(d):
		}

		s.fire(ctx, next)
	}
}
