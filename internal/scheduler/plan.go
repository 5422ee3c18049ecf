package scheduler

import (
	"math/rand"
	"time"
)

// RandIntn abstracts rand.Intn so PlanFirstSimple's randomization is
// deterministic under test.
type RandIntn func(n int) int

// DefaultRandIntn uses math/rand's package-level source.
func DefaultRandIntn(n int) int {
	if n <= 0 {
		return 0
	}
	return rand.Intn(n)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func zeroSeconds(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}

func withMinute(t time.Time, minute int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, t.Location())
}

// PlanFirstSimple smears cold-start load across [0, h] hours, then pins the
// minute to executionMinute unless we're still inside the current hour and
// haven't jumped forward.
func PlanFirstSimple(now time.Time, intervalMin, executionMinute int, randIntn RandIntn) time.Time {
	if randIntn == nil {
		randIntn = DefaultRandIntn
	}
	h := clamp(intervalMin/60, 1, 2)
	k := randIntn(h + 1) // inclusive [0, h]

	t := zeroSeconds(now.Add(time.Duration(k) * time.Hour))

	if now.Minute() < executionMinute || k != 0 {
		return withMinute(t, executionMinute)
	}
	return withMinute(t, now.Minute()+1)
}

// PlanInitial preserves per-user cadence across restarts when the last
// scheduler-driven run is recent enough that the interval hasn't fully
// elapsed, otherwise falls through to PlanFirstSimple.
func PlanInitial(now time.Time, lastSystemExec *time.Time, intervalMin, executionMinute int, randIntn RandIntn) time.Time {
	if lastSystemExec == nil {
		return PlanFirstSimple(now, intervalMin, executionMinute, randIntn)
	}
	elapsedMin := int(now.Sub(*lastSystemExec).Minutes())
	remaining := intervalMin - elapsedMin
	if remaining > 0 {
		return zeroSeconds(now.Add(time.Duration(remaining) * time.Minute))
	}
	return PlanFirstSimple(now, intervalMin, executionMinute, randIntn)
}

// PlanNext computes the re-plan applied every time a Timer tick fires for
// an instance.
func PlanNext(now time.Time, intervalMin, executionMinute int) time.Time {
	h := intervalMin / 60
	if h < 1 {
		h = 1
	}
	t := zeroSeconds(now.Add(time.Duration(h) * time.Hour))
	if executionMinute >= 0 && executionMinute <= 59 {
		return withMinute(t, executionMinute)
	}
	return t
}
