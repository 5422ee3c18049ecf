package watchdog_test

import (
	"context"
	"testing"
	"time"

	"github.com/fleetwatch/orchestrator/internal/clock"
	"github.com/fleetwatch/orchestrator/internal/domain"
	"github.com/fleetwatch/orchestrator/internal/instancemap"
	"github.com/fleetwatch/orchestrator/internal/notifier"
	"github.com/fleetwatch/orchestrator/internal/scraper"
	"github.com/fleetwatch/orchestrator/internal/store"
	"github.com/fleetwatch/orchestrator/internal/watchdog"
)

type stubStore struct {
	names      []string
	users      map[string]domain.User
	deletedIDs []int64
}

func (s *stubStore) ListUserNames(ctx context.Context) ([]string, error) { return s.names, nil }
func (s *stubStore) LoadUserByName(ctx context.Context, name string) (*domain.User, error) {
	if u, ok := s.users[name]; ok {
		return &u, nil
	}
	return nil, store.ErrNotFound
}
func (s *stubStore) LoadUserByID(ctx context.Context, id int64) (*domain.User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}
func (s *stubStore) LoadDefaultProperties(ctx context.Context) (*domain.GeneralProperties, error) {
	return &domain.GeneralProperties{ID: 1, ExecutionRetryCount: 1}, nil
}
func (s *stubStore) LoadProperties(ctx context.Context, id int64) (*domain.GeneralProperties, error) {
	return &domain.GeneralProperties{ID: id}, nil
}
func (s *stubStore) UpdateUserTimestamps(ctx context.Context, id int64, t domain.TimestampUpdate) error {
	return nil
}
func (s *stubStore) UpdateUserName(ctx context.Context, id int64, displayName domain.Secret) error {
	return nil
}
func (s *stubStore) DeleteUser(ctx context.Context, id int64) error {
	s.deletedIDs = append(s.deletedIDs, id)
	for name, u := range s.users {
		if u.ID == id {
			delete(s.users, name)
		}
	}
	return nil
}
func (s *stubStore) ListArchivedUsers(ctx context.Context) ([]string, error) { return nil, nil }

type stubNotifier struct{ events []notifier.Event }

func (n *stubNotifier) Send(userName, address string, ev notifier.Event) {
	n.events = append(n.events, ev)
}

type stubScraper struct{}

func (stubScraper) Run(ctx context.Context, creds scraper.Credentials, mode scraper.Mode) (domain.ShiftSet, error) {
	return domain.ShiftSet{}, nil
}

func TestReconcileAddsInstanceForEachDesiredUser(t *testing.T) {
	st := &stubStore{
		names: []string{"alice"},
		users: map[string]domain.User{
			"alice": {ID: 1, UserName: "alice", Email: domain.NewSecret("alice@example.com")},
		},
	}
	m := instancemap.New()
	svc := watchdog.New(watchdog.Config{
		Store:     st,
		Scraper:   stubScraper{},
		Notifier:  &stubNotifier{},
		Clock:     clock.NewFake(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)),
		DataDir:   t.TempDir(),
		Instances: m,
	})

	svc.Enqueue(watchdog.Command{Kind: watchdog.CommandFirstRun})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(context.Background())

	deadline := time.After(time.Second)
	for {
		if m.Len() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected alice to be added to the instance map")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, ok := m.Get("alice"); !ok {
		t.Fatal("expected alice registered under her user name")
	}
}

func TestRefreshUserAddsMissingInstanceOnDemand(t *testing.T) {
	st := &stubStore{
		users: map[string]domain.User{
			"bob": {ID: 2, UserName: "bob", Email: domain.NewSecret("bob@example.com")},
		},
	}
	m := instancemap.New()
	svc := watchdog.New(watchdog.Config{
		Store:     st,
		Scraper:   stubScraper{},
		Notifier:  &stubNotifier{},
		Clock:     clock.NewFake(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)),
		DataDir:   t.TempDir(),
		Instances: m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(context.Background())

	done := make(chan error, 1)
	svc.Enqueue(watchdog.Command{Kind: watchdog.CommandRefreshUser, UserName: "bob", Done: done})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("refresh user: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for refresh to complete")
	}

	if _, ok := m.Get("bob"); !ok {
		t.Fatal("expected bob registered after RefreshUser")
	}
}

func TestReconcileRemovesInstanceNoLongerDesired(t *testing.T) {
	st := &stubStore{names: []string{}}
	m := instancemap.New()
	svc := watchdog.New(watchdog.Config{
		Store:     st,
		Scraper:   stubScraper{},
		Notifier:  &stubNotifier{},
		Clock:     clock.NewFake(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)),
		DataDir:   t.TempDir(),
		Instances: m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(context.Background())

	// First-run reconcile already fired on Start; enqueue another pass with
	// a now-empty desired set against a pre-seeded live instance.
	m.Set("carol", &fakeLiveEntry{name: "carol", sent: make(chan domain.StartRequest, 1)})

	done := make(chan error, 1)
	svc.Enqueue(watchdog.Command{Kind: watchdog.CommandRefreshAll, Done: done})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reconcile to complete")
	}

	if _, ok := m.Get("carol"); ok {
		t.Fatal("expected carol removed once no longer desired")
	}
}

type fakeLiveEntry struct {
	name string
	sent chan domain.StartRequest
}

type fakeCache struct {
	props   *domain.GeneralProperties
	locked  map[string]bool
	getHits int
}

func (c *fakeCache) GetDefaultProperties(ctx context.Context) (*domain.GeneralProperties, bool) {
	c.getHits++
	if c.props == nil {
		return nil, false
	}
	return c.props, true
}
func (c *fakeCache) SetDefaultProperties(ctx context.Context, props domain.GeneralProperties) error {
	c.props = &props
	return nil
}
func (c *fakeCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if c.locked == nil {
		c.locked = map[string]bool{}
	}
	if c.locked[key] {
		return false, nil
	}
	c.locked[key] = true
	return true, nil
}
func (c *fakeCache) Unlock(ctx context.Context, key string) error {
	delete(c.locked, key)
	return nil
}

func TestReconcilePopulatesDefaultPropertiesCacheOnMiss(t *testing.T) {
	st := &stubStore{
		names: []string{"dana"},
		users: map[string]domain.User{
			"dana": {ID: 4, UserName: "dana", Email: domain.NewSecret("dana@example.com")},
		},
	}
	fc := &fakeCache{}
	m := instancemap.New()
	svc := watchdog.New(watchdog.Config{
		Store:     st,
		Scraper:   stubScraper{},
		Notifier:  &stubNotifier{},
		Cache:     fc,
		Clock:     clock.NewFake(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)),
		DataDir:   t.TempDir(),
		Instances: m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(context.Background())

	deadline := time.After(time.Second)
	for {
		if fc.props != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected default properties to be cached after reconcile")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (e *fakeLiveEntry) UserName() string { return e.name }
func (e *fakeLiveEntry) Send(req domain.StartRequest) bool {
	select {
	case e.sent <- req:
	default:
	}
	return true
}
func (e *fakeLiveEntry) AwaitResponse(timeout time.Duration) (domain.RequestResponse, bool) {
	return domain.RequestResponse{}, false
}
func (e *fakeLiveEntry) NextExecutionTime() time.Time           { return time.Time{} }
func (e *fakeLiveEntry) SetNextExecutionTime(t time.Time)       {}
func (e *fakeLiveEntry) Refresh(domain.User, domain.GeneralProperties) {}
func (e *fakeLiveEntry) Run(ctx context.Context)                {}
