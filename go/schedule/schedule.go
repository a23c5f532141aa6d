package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"
)

// A Schedule is a sequence of points in time at which a forced flush runs.
type Schedule interface {
	// Next returns the earliest instant in time greater than `after` which
	// satisfies the schedule.
	Next(after time.Time) time.Time
}

// Parse turns a textual schedule into a Schedule. A plain duration like "30s"
// runs that long after the previous run. A duration prefixed with "fixed "
// runs at wall-clock multiples of the duration, offset by a jitter derived
// from seed.
func Parse(desc string, seed []byte) (Schedule, error) {
	if rest, ok := strings.CutPrefix(desc, "fixed "); ok {
		return NewFixedSchedule(strings.TrimSpace(rest), seed)
	}
	period, err := time.ParseDuration(desc)
	if err != nil {
		return nil, fmt.Errorf("invalid flush schedule %q: %w", desc, err)
	} else if period <= 0 {
		return nil, fmt.Errorf("invalid flush schedule %q: interval must be positive", desc)
	}
	return NewPeriodicSchedule(period), nil
}

type periodicSchedule struct {
	period time.Duration
}

// NewPeriodicSchedule returns a Schedule which runs every period.
func NewPeriodicSchedule(period time.Duration) Schedule {
	return &periodicSchedule{period: period}
}

func (s *periodicSchedule) Next(after time.Time) time.Time {
	return after.Add(s.period)
}

type fixedSchedule struct {
	period time.Duration
	jitter time.Duration
}

// NewFixedSchedule returns a Schedule whose instants fall on multiples of the
// duration since the Unix epoch, so a 30 minute period runs at X:00 and X:30.
// A non-nil seed shifts every instant by a stable jitter of up to a day, which
// spreads out the flushes of concurrent syncs sharing a period.
func NewFixedSchedule(duration string, seed []byte) (Schedule, error) {
	return newFixedSchedule(duration, seed)
}

func newFixedSchedule(duration string, seed []byte) (*fixedSchedule, error) {
	period, err := time.ParseDuration(duration)
	if err != nil {
		return nil, fmt.Errorf("parsing interval %q: %w", duration, err)
	} else if period <= 0 {
		return nil, fmt.Errorf("interval %q must be positive", duration)
	}

	var jitter time.Duration
	if seed != nil {
		jitter = time.Duration(int64(xxhash.Sum64(seed)>>1)) % (time.Hour * 24)
	}
	return &fixedSchedule{period: period, jitter: jitter}, nil
}

func (s *fixedSchedule) Next(after time.Time) time.Time {
	var elapsed = (after.UnixNano() - s.jitter.Nanoseconds()) / s.period.Nanoseconds()
	return time.Unix(0, (elapsed+1)*s.period.Nanoseconds()+s.jitter.Nanoseconds())
}

// WaitForNext sleeps until the next instant of the schedule after `after`,
// or until the context is cancelled.
func WaitForNext(ctx context.Context, s Schedule, after time.Time) error {
	var d = time.Until(s.Next(after))
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// RunScheduled invokes fn at each instant of the schedule until ctx is done
// or fn fails. Cancellation of ctx is not an error.
func RunScheduled(ctx context.Context, s Schedule, name string, fn func(context.Context) error) error {
	var ll = log.WithField("task", name)

	for round := 1; ; round++ {
		if err := WaitForNext(ctx, s, time.Now()); err != nil {
			return nil
		}

		var start = time.Now()
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		ll.WithFields(log.Fields{
			"round": round,
			"took":  time.Since(start).String(),
		}).Trace("ran scheduled task")
	}
}
