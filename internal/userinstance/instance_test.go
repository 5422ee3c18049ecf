package userinstance_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetwatch/orchestrator/internal/clock"
	"github.com/fleetwatch/orchestrator/internal/domain"
	"github.com/fleetwatch/orchestrator/internal/journal"
	"github.com/fleetwatch/orchestrator/internal/lifecycle"
	"github.com/fleetwatch/orchestrator/internal/notifier"
	"github.com/fleetwatch/orchestrator/internal/scraper"
	"github.com/fleetwatch/orchestrator/internal/store"
	"github.com/fleetwatch/orchestrator/internal/userinstance"
)

type stubScraper struct {
	results []error
	shifts  domain.ShiftSet
	calls   int
}

func (s *stubScraper) Run(ctx context.Context, creds scraper.Credentials, mode scraper.Mode) (domain.ShiftSet, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	if s.results[idx] != nil {
		return nil, s.results[idx]
	}
	return s.shifts, nil
}

type stubNotifier struct {
	events []notifier.Event
}

func (n *stubNotifier) Send(userName, address string, ev notifier.Event) {
	n.events = append(n.events, ev)
}

type stubStore struct{}

func (s *stubStore) ListUserNames(ctx context.Context) ([]string, error) { return nil, nil }
func (s *stubStore) LoadUserByName(ctx context.Context, name string) (*domain.User, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) LoadUserByID(ctx context.Context, id int64) (*domain.User, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) LoadDefaultProperties(ctx context.Context) (*domain.GeneralProperties, error) {
	return &domain.GeneralProperties{}, nil
}
func (s *stubStore) LoadProperties(ctx context.Context, id int64) (*domain.GeneralProperties, error) {
	return &domain.GeneralProperties{}, nil
}
func (s *stubStore) UpdateUserTimestamps(ctx context.Context, id int64, t domain.TimestampUpdate) error {
	return nil
}
func (s *stubStore) UpdateUserName(ctx context.Context, id int64, displayName domain.Secret) error {
	return nil
}
func (s *stubStore) DeleteUser(ctx context.Context, id int64) error    { return nil }
func (s *stubStore) ListArchivedUsers(ctx context.Context) ([]string, error) { return nil, nil }

func newInstance(t *testing.T, scr scraper.Scraper) (*userinstance.Instance, *stubNotifier) {
	t.Helper()
	dataDir := t.TempDir()
	notif := &stubNotifier{}
	deps := userinstance.Deps{
		Scraper:  scr,
		Notifier: notif,
		Store:    &stubStore{},
		Journal:  journal.NewStore(dataDir),
		Clock:    clock.NewFake(time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)),
		Lifecycle: lifecycle.New(&stubStore{}, notif, nil, dataDir, nil),
	}
	snap := userinstance.Snapshot{
		User: domain.User{
			ID:       1,
			UserName: "alice",
			Email:    domain.NewSecret("alice@example.com"),
			Password: domain.NewSecret("hunter2"),
			Properties: domain.UserProperties{
				SendNewShifts: true,
			},
		},
		Properties: domain.GeneralProperties{
			FileTarget:           filepath.Join(dataDir, "cal"),
			ExecutionRetryCount:  2,
			SigninFailExecutionReduce: 1,
			SigninFailMailReduce:      1,
		},
	}
	inst := userinstance.New(deps, snap)
	return inst, notif
}

func TestSecondTriggerWhileRunningRespondsBusy(t *testing.T) {
	blocking := make(chan struct{})
	scr := &blockingScraper{unblock: blocking}
	inst, _ := newInstance(t, scr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go inst.Run(ctx)

	if !inst.Send(domain.StartRequest{Kind: domain.RequestAPI}) {
		t.Fatal("expected first send to succeed")
	}
	resp, ok := inst.AwaitResponse(time.Second)
	if !ok || !resp.Bool {
		t.Fatalf("expected Active(true) for first API trigger, got %+v ok=%v", resp, ok)
	}

	// Wait until the instance has actually transitioned to Running.
	deadline := time.Now().Add(time.Second)
	for inst.State() != userinstance.StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if !inst.Send(domain.StartRequest{Kind: domain.RequestAPI}) {
		t.Fatal("expected second send to succeed (inbox drained)")
	}
	resp2, ok := inst.AwaitResponse(time.Second)
	if !ok || resp2.Bool {
		t.Fatalf("expected Active(false) while running, got %+v ok=%v", resp2, ok)
	}

	close(blocking)
}

type blockingScraper struct {
	unblock chan struct{}
}

func (b *blockingScraper) Run(ctx context.Context, creds scraper.Credentials, mode scraper.Mode) (domain.ShiftSet, error) {
	select {
	case <-b.unblock:
	case <-ctx.Done():
	}
	return nil, nil
}

func TestSuccessfulRunTransitionsBackToIdleAndRecordsExitCode(t *testing.T) {
	scr := &stubScraper{results: []error{nil}, shifts: domain.ShiftSet{{Date: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}}}
	inst, _ := newInstance(t, scr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go inst.Run(ctx)

	inst.Send(domain.StartRequest{Kind: domain.RequestForce})

	deadline := time.Now().Add(2 * time.Second)
	for inst.State() != userinstance.StateIdle && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if inst.State() != userinstance.StateIdle {
		t.Fatalf("expected instance to return to Idle after run, got %s", inst.State())
	}

	inst.Send(domain.StartRequest{Kind: domain.RequestExitCode})
	resp, ok := inst.AwaitResponse(time.Second)
	if !ok {
		t.Fatal("expected exit code response")
	}
	if resp.String != "ok" {
		t.Fatalf("expected exit code 'ok', got %q", resp.String)
	}
}

func TestSingleRequestExitsActorLoopAfterRun(t *testing.T) {
	scr := &stubScraper{results: []error{nil}, shifts: domain.ShiftSet{}}
	inst, _ := newInstance(t, scr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		inst.Run(ctx)
		close(done)
	}()

	inst.Send(domain.StartRequest{Kind: domain.RequestSingle})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected actor loop to exit after a Single run completes")
	}
}

func TestDeleteTransitionsToTerminatingAndExits(t *testing.T) {
	scr := &stubScraper{results: []error{nil}}
	inst, notif := newInstance(t, scr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		inst.Run(ctx)
		close(done)
	}()

	inst.Send(domain.StartRequest{Kind: domain.RequestDelete})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected actor loop to exit after Delete")
	}

	if inst.State() != userinstance.StateTerminating {
		t.Fatalf("expected Terminating state, got %s", inst.State())
	}

	found := false
	for _, ev := range notif.events {
		if ev.Kind == notifier.EventAccountDeleted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected AccountDeleted notification, got %v", notif.events)
	}
}
