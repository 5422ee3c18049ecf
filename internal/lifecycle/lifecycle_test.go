package lifecycle_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetwatch/orchestrator/internal/domain"
	"github.com/fleetwatch/orchestrator/internal/lifecycle"
	"github.com/fleetwatch/orchestrator/internal/notifier"
	"github.com/fleetwatch/orchestrator/internal/store"
)

type stubStore struct {
	deletedIDs []int64
	users      map[int64]domain.User
}

func (s *stubStore) ListUserNames(ctx context.Context) ([]string, error) { return nil, nil }
func (s *stubStore) LoadUserByName(ctx context.Context, name string) (*domain.User, error) {
	return nil, store.ErrNotFound
}
func (s *stubStore) LoadUserByID(ctx context.Context, id int64) (*domain.User, error) {
	if u, ok := s.users[id]; ok {
		return &u, nil
	}
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
func (s *stubStore) DeleteUser(ctx context.Context, id int64) error {
	s.deletedIDs = append(s.deletedIDs, id)
	return nil
}
func (s *stubStore) ListArchivedUsers(ctx context.Context) ([]string, error) { return nil, nil }

type recordingNotifier struct {
	events []notifier.Event
}

func (r *recordingNotifier) Send(userName, address string, ev notifier.Event) {
	r.events = append(r.events, ev)
}

func TestComputeStandingSafeWhenAutoDeleteDisabled(t *testing.T) {
	user := domain.User{Properties: domain.UserProperties{AutoDeleteAccount: false}}
	if got := lifecycle.ComputeStanding(user, time.Now()); got != domain.StandingSafe {
		t.Fatalf("expected Safe, got %s", got)
	}
}

func TestComputeStandingMustDeleteAfter31Days(t *testing.T) {
	now := time.Now()
	last := now.Add(-32 * 24 * time.Hour)
	exec := now.Add(-1 * time.Hour)
	user := domain.User{
		Properties:               domain.UserProperties{AutoDeleteAccount: true},
		LastSuccessfulSignInDate: &last,
		LastExecutionDate:        &exec,
	}
	if got := lifecycle.ComputeStanding(user, now); got != domain.StandingMustDelete {
		t.Fatalf("expected MustDelete, got %s", got)
	}
}

func TestComputeStandingAlmostDeletedAfter24Days(t *testing.T) {
	now := time.Now()
	last := now.Add(-25 * 24 * time.Hour)
	exec := now.Add(-1 * time.Hour)
	user := domain.User{
		Properties:               domain.UserProperties{AutoDeleteAccount: true},
		LastSuccessfulSignInDate: &last,
		LastExecutionDate:        &exec,
	}
	if got := lifecycle.ComputeStanding(user, now); got != domain.StandingAlmostDeleted {
		t.Fatalf("expected AlmostDeleted, got %s", got)
	}
}

func TestComputeStandingFreshNoPriorSignIn(t *testing.T) {
	now := time.Now()
	user := domain.User{
		Properties:   domain.UserProperties{AutoDeleteAccount: true},
		CreationDate: now.Add(-2 * time.Hour),
	}
	if got := lifecycle.ComputeStanding(user, now); got != domain.StandingFresh {
		t.Fatalf("expected Fresh, got %s", got)
	}
}

func TestComputeStandingMustDeleteFreshAfter1Day(t *testing.T) {
	now := time.Now()
	user := domain.User{
		Properties:   domain.UserProperties{AutoDeleteAccount: true},
		CreationDate: now.Add(-25 * time.Hour),
	}
	if got := lifecycle.ComputeStanding(user, now); got != domain.StandingMustDeleteFresh {
		t.Fatalf("expected MustDeleteFresh, got %s", got)
	}
}

func TestComputeStandingSafeWhenLastSuccessEqualsLastExec(t *testing.T) {
	now := time.Now()
	ts := now.Add(-40 * 24 * time.Hour)
	user := domain.User{
		Properties:               domain.UserProperties{AutoDeleteAccount: true},
		LastSuccessfulSignInDate: &ts,
		LastExecutionDate:        &ts,
	}
	if got := lifecycle.ComputeStanding(user, now); got != domain.StandingSafe {
		t.Fatalf("expected Safe when last success equals last exec even if old, got %s", got)
	}
}

func TestCheckAndMaybeDeleteSendsWarningOnceThenDeletes(t *testing.T) {
	dir := t.TempDir()
	st := &stubStore{users: map[int64]domain.User{1: {ID: 1, UserName: "alice", Email: domain.NewSecret("alice@example.com")}}}
	notif := &recordingNotifier{}
	policy := lifecycle.New(st, notif, nil, dir, nil)

	now := time.Now()
	last := now.Add(-25 * 24 * time.Hour)
	exec := now.Add(-1 * time.Hour)
	user := domain.User{
		ID:                       1,
		UserName:                 "alice",
		Properties:               domain.UserProperties{AutoDeleteAccount: true},
		LastSuccessfulSignInDate: &last,
		LastExecutionDate:        &exec,
	}

	outcome, err := policy.CheckAndMaybeDelete(context.Background(), user, now)
	if err != nil {
		t.Fatalf("CheckAndMaybeDelete: %v", err)
	}
	if outcome != domain.DeleteOutcomeContinue {
		t.Fatalf("expected Continue on AlmostDeleted, got %s", outcome)
	}
	if len(notif.events) != 1 || notif.events[0].Kind != notifier.EventDeletionWarning {
		t.Fatalf("expected one DeletionWarning event, got %v", notif.events)
	}
	markerPath := filepath.Join(dir, "alice", "warning_sent")
	if _, err := os.Stat(markerPath); err != nil {
		t.Fatalf("expected warning marker to exist: %v", err)
	}

	// Second check while still AlmostDeleted must not resend the warning.
	_, err = policy.CheckAndMaybeDelete(context.Background(), user, now)
	if err != nil {
		t.Fatalf("second CheckAndMaybeDelete: %v", err)
	}
	if len(notif.events) != 1 {
		t.Fatalf("expected warning not resent, got %d events", len(notif.events))
	}

	// Now past 31 days: must delete.
	last = now.Add(-32 * 24 * time.Hour)
	user.LastSuccessfulSignInDate = &last
	outcome, err = policy.CheckAndMaybeDelete(context.Background(), user, now)
	if err != nil {
		t.Fatalf("CheckAndMaybeDelete on MustDelete: %v", err)
	}
	if outcome != domain.DeleteOutcomeTerminated {
		t.Fatalf("expected Terminated, got %s", outcome)
	}
	if len(st.deletedIDs) != 1 || st.deletedIDs[0] != 1 {
		t.Fatalf("expected user 1 deleted, got %v", st.deletedIDs)
	}
	if len(notif.events) != 2 || notif.events[1].Kind != notifier.EventAccountDeleted {
		t.Fatalf("expected AccountDeleted event, got %v", notif.events)
	}
}
