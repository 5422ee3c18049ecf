// Package clock provides the wall-clock abstraction every time-sensitive
// component (Scheduler, LifecyclePolicy, UserInstance) depends on instead of
// calling time.Now directly, so tests can inject a fake clock.
package clock

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Clock is mockable wall-clock time, timezone-aware.
type Clock interface {
	// Now returns the current instant in the clock's configured location.
	Now() time.Time
	// Today returns the current calendar date at midnight, in the clock's
	// configured location.
	Today() time.Time
}

// System is the real Clock backed by time.Now, using the system's local
// zone if resolvable, else UTC. The fallback is transparent to callers.
type System struct {
	loc *time.Location
}

// NewSystem builds a System clock, resolving the local timezone once.
func NewSystem() *System {
	loc := time.Local
	if loc == nil {
		loc = time.UTC
	}
	return &System{loc: loc}
}

func (c *System) Now() time.Time {
	return time.Now().In(c.loc)
}

func (c *System) Today() time.Time {
	now := c.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
}

// NextMinuteBoundary returns the next whole-minute boundary strictly after
// now, honoring an optional cron-style override expression for a per-user
// schedule. An empty expr falls back to the plain next-minute boundary.
func NextMinuteBoundary(now time.Time, expr string) (time.Time, error) {
	if expr == "" {
		return now.Truncate(time.Minute).Add(time.Minute), nil
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now), nil
}
