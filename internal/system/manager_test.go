package system_test

import (
	"context"
	"errors"
	"testing"

	"github.com/fleetwatch/orchestrator/internal/system"
)

type stubService struct {
	name      string
	startErr  error
	stopErr   error
	started   *[]string
	stopped   *[]string
}

func (s stubService) Name() string { return s.name }

func (s stubService) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	*s.started = append(*s.started, s.name)
	return nil
}

func (s stubService) Stop(ctx context.Context) error {
	*s.stopped = append(*s.stopped, s.name)
	return s.stopErr
}

func TestManagerStartsInOrderAndStopsInReverse(t *testing.T) {
	var started, stopped []string
	m := system.NewManager(nil)
	m.Register(stubService{name: "a", started: &started, stopped: &stopped})
	m.Register(stubService{name: "b", started: &started, stopped: &stopped})
	m.Register(stubService{name: "c", started: &started, stopped: &stopped})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := started; len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected start order: %v", got)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := stopped; len(got) != 3 || got[0] != "c" || got[2] != "a" {
		t.Fatalf("unexpected stop order: %v", got)
	}
}

func TestManagerRollsBackOnStartFailure(t *testing.T) {
	var started, stopped []string
	m := system.NewManager(nil)
	m.Register(stubService{name: "a", started: &started, stopped: &stopped})
	m.Register(stubService{name: "b", startErr: errors.New("boom"), started: &started, stopped: &stopped})
	m.Register(stubService{name: "c", started: &started, stopped: &stopped})

	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail")
	}
	if got := started; len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected only a to start, got %v", got)
	}
	if got := stopped; len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected rollback to stop a, got %v", got)
	}
}

func TestManagerStopIsIdempotent(t *testing.T) {
	var started, stopped []string
	m := system.NewManager(nil)
	m.Register(stubService{name: "a", started: &started, stopped: &stopped})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if len(stopped) != 1 {
		t.Fatalf("expected Stop to run once, stopped=%v", stopped)
	}
}
