package adminapi_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetwatch/orchestrator/internal/adminapi"
	"github.com/fleetwatch/orchestrator/internal/clock"
	"github.com/fleetwatch/orchestrator/internal/domain"
	"github.com/fleetwatch/orchestrator/internal/instancemap"
	"github.com/fleetwatch/orchestrator/internal/secretbox"
	"github.com/fleetwatch/orchestrator/internal/store"
	"github.com/fleetwatch/orchestrator/internal/watchdog"
)

type fakeEntry struct {
	name  string
	reply domain.RequestResponse
}

func (e *fakeEntry) UserName() string { return e.name }
func (e *fakeEntry) Send(req domain.StartRequest) bool { return true }
func (e *fakeEntry) AwaitResponse(timeout time.Duration) (domain.RequestResponse, bool) {
	return e.reply, true
}
func (e *fakeEntry) NextExecutionTime() time.Time                             { return time.Time{} }
func (e *fakeEntry) SetNextExecutionTime(t time.Time)                         {}
func (e *fakeEntry) Refresh(domain.User, domain.GeneralProperties)            {}
func (e *fakeEntry) Run(ctx context.Context)                                  {}

func newTestRouter(t *testing.T) (*instancemap.Map, *watchdog.Service, string) {
	m := instancemap.New()
	m.Set("alice", &fakeEntry{name: "alice", reply: domain.RequestResponse{Kind: domain.ResponseBool, Bool: true}})

	st := &emptyStore{}
	wd := watchdog.New(watchdog.Config{
		Store:     st,
		Clock:     clock.NewFake(time.Now()),
		DataDir:   t.TempDir(),
		Instances: m,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := wd.Start(ctx); err != nil {
		t.Fatalf("Start watchdog: %v", err)
	}

	key := "s3cr3t"
	return m, wd, key
}

type emptyStore struct{}

func (s *emptyStore) ListUserNames(ctx context.Context) ([]string, error) { return nil, nil }
func (s *emptyStore) LoadUserByName(ctx context.Context, name string) (*domain.User, error) {
	return nil, store.ErrNotFound
}
func (s *emptyStore) LoadUserByID(ctx context.Context, id int64) (*domain.User, error) {
	return nil, store.ErrNotFound
}
func (s *emptyStore) LoadDefaultProperties(ctx context.Context) (*domain.GeneralProperties, error) {
	return &domain.GeneralProperties{}, nil
}
func (s *emptyStore) LoadProperties(ctx context.Context, id int64) (*domain.GeneralProperties, error) {
	return &domain.GeneralProperties{}, nil
}
func (s *emptyStore) UpdateUserTimestamps(ctx context.Context, id int64, t domain.TimestampUpdate) error {
	return nil
}
func (s *emptyStore) UpdateUserName(ctx context.Context, id int64, displayName domain.Secret) error {
	return nil
}
func (s *emptyStore) DeleteUser(ctx context.Context, id int64) error             { return nil }
func (s *emptyStore) ListArchivedUsers(ctx context.Context) ([]string, error) { return nil, nil }

type archivedStore struct {
	emptyStore
	archived []string
}

func (s *archivedStore) ListArchivedUsers(ctx context.Context) ([]string, error) {
	return s.archived, nil
}

func TestPerUserRouteRequiresAPIKey(t *testing.T) {
	m, wd, key := newTestRouter(t)
	router := adminapi.NewRouter(adminapi.Config{Instances: m, Watchdog: wd, APIKey: key})

	req := httptest.NewRequest(http.MethodGet, "/api/alice/start", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
}

func TestPerUserRouteRespondsFromInstance(t *testing.T) {
	m, wd, key := newTestRouter(t)
	router := adminapi.NewRouter(adminapi.Config{Instances: m, Watchdog: wd, APIKey: key})

	req := httptest.NewRequest(http.MethodGet, "/api/alice/start?key="+key, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got bool
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if !got {
		t.Fatal("expected true response body")
	}
}

func TestPerUserRouteUnknownUserIsBadRequest(t *testing.T) {
	m, wd, key := newTestRouter(t)
	router := adminapi.NewRouter(adminapi.Config{Instances: m, Watchdog: wd, APIKey: key})

	req := httptest.NewRequest(http.MethodGet, "/api/ghost/start?key="+key, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown user, got %d", rec.Code)
	}
}

func TestSystemStatusDoesNotRequireAPIKey(t *testing.T) {
	m, wd, key := newTestRouter(t)
	router := adminapi.NewRouter(adminapi.Config{Instances: m, Watchdog: wd, APIKey: key})

	req := httptest.NewRequest(http.MethodGet, "/api/system/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestEncryptRouteRoundTripsThroughSecretbox(t *testing.T) {
	m, wd, key := newTestRouter(t)
	master := []byte("0123456789abcdef0123456789abcdef")
	router := adminapi.NewRouter(adminapi.Config{Instances: m, Watchdog: wd, APIKey: key, MasterSecret: master})

	req := httptest.NewRequest(http.MethodPost, "/api/encrypt?key="+key+"&input=hello-world", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var encoded string
	if err := json.Unmarshal(rec.Body.Bytes(), &encoded); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	decKey, err := secretbox.DeriveKey(master, []byte("adminapi-encrypt"), "fleetwatch-secret")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	plain, err := secretbox.Decrypt(decKey, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != "hello-world" {
		t.Fatalf("expected round-tripped plaintext, got %q", plain)
	}
}

func TestRefreshAllRoute(t *testing.T) {
	m, wd, key := newTestRouter(t)
	router := adminapi.NewRouter(adminapi.Config{Instances: m, Watchdog: wd, APIKey: key})

	req := httptest.NewRequest(http.MethodGet, "/api/refresh?key="+key, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestArchivedUsersRouteClampsLimitAndPaginates(t *testing.T) {
	m, wd, key := newTestRouter(t)
	names := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		names = append(names, string(rune('a'+i%26)))
	}
	router := adminapi.NewRouter(adminapi.Config{
		Instances: m,
		Watchdog:  wd,
		Store:     &archivedStore{archived: names},
		APIKey:    key,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/archived?key="+key+"&limit=5&offset=2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Users []string `json:"users"`
		Total int      `json:"total"`
		Limit int      `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Total != 30 || body.Limit != 5 || len(body.Users) != 5 {
		t.Fatalf("unexpected page: %+v", body)
	}
	if body.Users[0] != names[2] {
		t.Fatalf("expected offset to skip to %q, got %q", names[2], body.Users[0])
	}
}

func TestArchivedUsersRouteWithoutStoreConfigured(t *testing.T) {
	m, wd, key := newTestRouter(t)
	router := adminapi.NewRouter(adminapi.Config{Instances: m, Watchdog: wd, APIKey: key})

	req := httptest.NewRequest(http.MethodGet, "/api/archived?key="+key, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when Store is unconfigured, got %d", rec.Code)
	}
}
