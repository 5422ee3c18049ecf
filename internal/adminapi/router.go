// Package adminapi implements AdminAPI (C10): the HTTPS admin surface over
// the fleet, routed with gorilla/mux and guarded by a constant-time
// comparison of the API_KEY query parameter.
package adminapi

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	gopsutilprocess "github.com/shirou/gopsutil/v3/process"

	core "github.com/fleetwatch/orchestrator/internal/core/service"
	"github.com/fleetwatch/orchestrator/internal/domain"
	"github.com/fleetwatch/orchestrator/internal/instancemap"
	"github.com/fleetwatch/orchestrator/internal/metrics"
	"github.com/fleetwatch/orchestrator/internal/secretbox"
	"github.com/fleetwatch/orchestrator/internal/store"
	"github.com/fleetwatch/orchestrator/internal/watchdog"
	"github.com/fleetwatch/orchestrator/pkg/logger"
)

const instanceResponseTimeout = 2 * time.Second

// encryptSalt and encryptInfo key the process-wide /api/encrypt endpoint,
// distinct from the per-row salts Store uses for stored Secret fields.
var encryptSalt = []byte("adminapi-encrypt")

const encryptInfo = "fleetwatch-secret"

// Config wires every collaborator the admin surface calls into.
type Config struct {
	Instances     *instancemap.Map
	Watchdog      *watchdog.Service
	Store         store.Store
	APIKey        string
	MasterSecret  []byte
	JWTSecret     []byte // optional: enables a bearer-token auth alternative
	Log           *logger.Logger
	StartedAt     time.Time
}

// NewRouter builds the full mux.Router, including /metrics and the
// unauthenticated /api/system/status diagnostic route.
func NewRouter(cfg Config) *mux.Router {
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("adminapi")
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	h := &handlers{cfg: cfg}

	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/system/status", h.systemStatus).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.correlationIDMiddleware)
	api.Use(h.authMiddleware)
	api.Use(h.instrumentMiddleware)

	api.HandleFunc("/archived", h.archivedUsers).Methods(http.MethodGet)
	api.HandleFunc("/refresh", h.refreshAll).Methods(http.MethodGet)
	api.HandleFunc("/refresh/{user}", h.refreshUser).Methods(http.MethodGet)
	api.HandleFunc("/kuma/{action}/{user}", h.kumaCommand).Methods(http.MethodGet)
	api.HandleFunc("/encrypt", h.encrypt).Methods(http.MethodPost)

	api.HandleFunc("/{user}/logbook", h.perUser(domain.RequestLogbook)).Methods(http.MethodGet)
	api.HandleFunc("/{user}/isactive", h.perUser(domain.RequestIsActive)).Methods(http.MethodGet)
	api.HandleFunc("/{user}/name", h.perUser(domain.RequestName)).Methods(http.MethodGet)
	api.HandleFunc("/{user}/start", h.perUser(domain.RequestAPI)).Methods(http.MethodGet)
	api.HandleFunc("/{user}/exitcode", h.perUser(domain.RequestExitCode)).Methods(http.MethodGet)
	api.HandleFunc("/{user}/userdata", h.perUser(domain.RequestUserData)).Methods(http.MethodGet)
	api.HandleFunc("/{user}/welcome", h.perUser(domain.RequestWelcome)).Methods(http.MethodGet)
	api.HandleFunc("/{user}/calendar", h.perUser(domain.RequestCalendar)).Methods(http.MethodGet)
	api.HandleFunc("/{user}/delete", h.perUser(domain.RequestDelete)).Methods(http.MethodGet)
	api.HandleFunc("/{user}/standing", h.perUser(domain.RequestStanding)).Methods(http.MethodGet)

	return r
}

type handlers struct {
	cfg Config
}

// correlationIDMiddleware stamps every admin API request with a request ID,
// echoed back on the response and attached to the log line.
func (h *handlers) correlationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Correlation-ID", id)
		h.cfg.Log.WithField("correlation_id", id).WithField("path", r.URL.Path).Debug("admin api request")
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces ?key=<API_KEY>, constant-time, with an optional
// "Authorization: Bearer <jwt>" alternative when JWTSecret is configured.
func (h *handlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.checkAPIKey(r) || h.checkBearerToken(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "missing or invalid API key")
	})
}

func (h *handlers) checkAPIKey(r *http.Request) bool {
	key := r.URL.Query().Get("key")
	if key == "" || h.cfg.APIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.cfg.APIKey)) == 1
}

func (h *handlers) checkBearerToken(r *http.Request) bool {
	if len(h.cfg.JWTSecret) == 0 {
		return false
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	raw := strings.TrimPrefix(auth, "Bearer ")
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return h.cfg.JWTSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && token.Valid
}

func (h *handlers) instrumentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if m, err := mux.CurrentRoute(r).GetPathTemplate(); err == nil {
			route = m
		}
		metrics.ObserveHTTP(route, r.Method, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// perUser resolves the instance by path variable "user", sends kind, and
// waits up to instanceResponseTimeout for a reply.
func (h *handlers) perUser(kind domain.StartRequestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userName := mux.Vars(r)["user"]
		entry, ok := h.cfg.Instances.Get(userName)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown user")
			return
		}
		if !entry.Send(domain.StartRequest{Kind: kind}) {
			writeError(w, http.StatusInternalServerError, "instance busy")
			return
		}
		resp, ok := entry.AwaitResponse(instanceResponseTimeout)
		if !ok {
			writeError(w, http.StatusInternalServerError, "timed out waiting for instance")
			return
		}
		writeResponse(w, resp)
	}
}

func writeResponse(w http.ResponseWriter, resp domain.RequestResponse) {
	switch resp.Kind {
	case domain.ResponseBool:
		writeJSON(w, http.StatusOK, resp.Bool)
	case domain.ResponseString:
		writeJSON(w, http.StatusOK, resp.String)
	case domain.ResponseJSON:
		writeJSON(w, http.StatusOK, resp.JSON)
	case domain.ResponseFailure:
		writeJSON(w, http.StatusOK, resp.Failure.String())
	default:
		writeError(w, http.StatusInternalServerError, "unsupported response kind")
	}
}

func (h *handlers) refreshAll(w http.ResponseWriter, r *http.Request) {
	done := make(chan error, 1)
	if !h.cfg.Watchdog.Enqueue(watchdog.Command{Kind: watchdog.CommandRefreshAll, Done: done}) {
		writeError(w, http.StatusInternalServerError, "watchdog busy")
		return
	}
	if err := <-done; err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, "ok")
}

func (h *handlers) refreshUser(w http.ResponseWriter, r *http.Request) {
	userName := mux.Vars(r)["user"]
	done := make(chan error, 1)
	if !h.cfg.Watchdog.Enqueue(watchdog.Command{Kind: watchdog.CommandRefreshUser, UserName: userName, Done: done}) {
		writeError(w, http.StatusInternalServerError, "watchdog busy")
		return
	}
	if err := <-done; err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, "ok")
}

// archivedUsers lists soft-deleted users, paginated with ?limit=&offset=.
// limit is clamped with the same bounds every list endpoint in the wider
// system uses, even though this is the only one fleetwatchd exposes today.
func (h *handlers) archivedUsers(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Store == nil {
		writeError(w, http.StatusInternalServerError, "store not configured")
		return
	}
	names, err := h.cfg.Store.ListArchivedUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rawLimit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	limit := core.ClampLimit(rawLimit, core.DefaultListLimit, core.MaxListLimit)
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	if offset > len(names) {
		offset = len(names)
	}
	end := offset + limit
	if end > len(names) {
		end = len(names)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": names[offset:end],
		"total": len(names),
		"limit": limit,
	})
}

func (h *handlers) kumaCommand(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action := watchdog.MonitorAction(strings.ToLower(vars["action"]))
	switch action {
	case watchdog.MonitorAdd, watchdog.MonitorReset, watchdog.MonitorDelete:
	default:
		writeError(w, http.StatusBadRequest, "unknown kuma action")
		return
	}
	userName := strings.ToLower(vars["user"])

	done := make(chan error, 1)
	if !h.cfg.Watchdog.Enqueue(watchdog.Command{
		Kind:          watchdog.CommandMonitor,
		MonitorAction: action,
		UserName:      userName,
		Done:          done,
	}) {
		writeError(w, http.StatusInternalServerError, "watchdog busy")
		return
	}
	if err := <-done; err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, "ok")
}

func (h *handlers) encrypt(w http.ResponseWriter, r *http.Request) {
	input := r.URL.Query().Get("input")
	if input == "" {
		writeError(w, http.StatusInternalServerError, "missing input")
		return
	}
	key, err := secretbox.DeriveKey(h.cfg.MasterSecret, encryptSalt, encryptInfo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ciphertext, err := secretbox.Encrypt(key, []byte(input))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, base64.StdEncoding.EncodeToString(ciphertext))
}

// systemStatus is an unauthenticated diagnostic endpoint reporting process
// uptime and fleet size.
func (h *handlers) systemStatus(w http.ResponseWriter, r *http.Request) {
	uptimeSeconds := time.Since(h.cfg.StartedAt).Seconds()
	pid := int32(0)
	if p, err := gopsutilprocess.NewProcess(processID()); err == nil {
		pid = p.Pid
		if created, err := p.CreateTime(); err == nil {
			uptimeSeconds = time.Since(time.UnixMilli(created)).Seconds()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"processUptimeSeconds": uptimeSeconds,
		"processPid":           pid,
		"fleetSize":            h.cfg.Instances.Len(),
		"startedAt":            h.cfg.StartedAt.Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func processID() int32 {
	return int32(os.Getpid())
}
