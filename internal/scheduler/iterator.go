package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Iterator yields the run times of a task. Next is called once when the
// task is scheduled and again after every run; it returns false when the
// task should not run again.
type Iterator interface {
	Next(now time.Time) (time.Time, bool)
}

// IteratorFunc adapts a function to Iterator.
type IteratorFunc func(now time.Time) (time.Time, bool)

func (f IteratorFunc) Next(now time.Time) (time.Time, bool) { return f(now) }

type fixedRate struct {
	delay    time.Duration
	interval time.Duration
	last     time.Time
}

// FixedRate runs first after delay and then every interval, measured from
// the previous scheduled time. Ticks missed while a run overran are
// dropped rather than fired back to back.
func FixedRate(delay, interval time.Duration) Iterator {
	return &fixedRate{delay: delay, interval: interval}
}

func (f *fixedRate) Next(now time.Time) (time.Time, bool) {
	if f.interval <= 0 {
		return time.Time{}, false
	}
	if f.last.IsZero() {
		f.last = now.Add(nonNegative(f.delay))
		return f.last, true
	}
	next := f.last.Add(f.interval)
	if next.Before(now) {
		missed := now.Sub(next) / f.interval
		next = next.Add((missed + 1) * f.interval)
	}
	f.last = next
	return next, true
}

type oneShot struct {
	delay time.Duration
	fired bool
}

// OneShot runs once, delay after scheduling.
func OneShot(delay time.Duration) Iterator {
	return &oneShot{delay: delay}
}

func (o *oneShot) Next(now time.Time) (time.Time, bool) {
	if o.fired {
		return time.Time{}, false
	}
	o.fired = true
	return now.Add(nonNegative(o.delay)), true
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

type cronIterator struct {
	sched cron.Schedule
}

// Cron parses a standard five-field cron spec (or a descriptor such as
// "@every 1m") into an Iterator.
func Cron(spec string) (Iterator, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse cron spec %q: %w", spec, err)
	}
	return &cronIterator{sched: sched}, nil
}

func (c *cronIterator) Next(now time.Time) (time.Time, bool) {
	next := c.sched.Next(now)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}
