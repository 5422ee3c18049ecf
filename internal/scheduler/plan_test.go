package scheduler_test

import (
	"testing"
	"time"

	"github.com/fleetwatch/orchestrator/internal/scheduler"
)

func fixedRand(k int) scheduler.RandIntn {
	return func(n int) int { return k }
}

func TestPlanNextMinuteAlwaysMatchesExecutionMinute(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)
	for _, m := range []int{0, 1, 30, 59} {
		got := scheduler.PlanNext(now, 45, m)
		if got.Minute() != m {
			t.Fatalf("PlanNext(45, %d).Minute() = %d, want %d", m, got.Minute(), m)
		}
	}
}

func TestPlanNextSaturatesHoursAt1440(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)
	got := scheduler.PlanNext(now, 1440, 15)
	want := now.Add(24 * time.Hour)
	if got.Hour() != want.Hour() || got.Day() != want.Day() {
		t.Fatalf("expected now+24h wrapped, got %v want-ish %v", got, want)
	}
	if got.Minute() != 15 {
		t.Fatalf("expected minute normalized to 15, got %d", got.Minute())
	}
}

func TestPlanInitialWithRemainingTimeStaysWithinInterval(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	last := now.Add(-10 * time.Minute) // 10 minutes since last system exec
	got := scheduler.PlanInitial(now, &last, 45, 30, fixedRand(0))
	if got.After(now.Add(45 * time.Minute)) {
		t.Fatalf("expected time <= now+interval, got %v", got)
	}
	if !got.After(now) {
		t.Fatalf("expected time > now, got %v", got)
	}
}

func TestPlanInitialFallsThroughWhenIntervalElapsed(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	last := now.Add(-90 * time.Minute) // interval of 45 has elapsed twice over
	got := scheduler.PlanInitial(now, &last, 45, 30, fixedRand(0))
	if got.Before(now) {
		t.Fatalf("expected a time at or after now, got %v", got)
	}
}

func TestPlanInitialNoPriorRunUsesFirstSimple(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	got := scheduler.PlanInitial(now, nil, 90, 15, fixedRand(1))
	if got.Before(now) || got.After(now.Add(2*time.Hour)) {
		t.Fatalf("expected time within [now, now+2h], got %v", got)
	}
}

func TestPlanFirstSimpleHourClampBoundary(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 59, 0, 0, time.UTC)
	got := scheduler.PlanFirstSimple(now, 1440, 59, fixedRand(0))
	if got.Minute() != 59 && got.Minute() != 0 {
		t.Fatalf("expected minute 59 or wrapped 0, got %d", got.Minute())
	}
}

func TestPlanFirstSimpleMinuteAdvancesWhenNoJumpAndPastExecutionMinute(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 45, 0, 0, time.UTC)
	got := scheduler.PlanFirstSimple(now, 30, 15, fixedRand(0))
	if got.Minute() != 46 {
		t.Fatalf("expected now.minute+1 = 46, got %d", got.Minute())
	}
}
