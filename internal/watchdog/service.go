// Package watchdog implements Watchdog (C8): reconciles the desired user
// set (from Store) against the live instance map, and mirrors that fleet
// into MonitorClient.
package watchdog

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fleetwatch/orchestrator/internal/calendar"
	"github.com/fleetwatch/orchestrator/internal/clock"
	core "github.com/fleetwatch/orchestrator/internal/core/service"
	"github.com/fleetwatch/orchestrator/internal/domain"
	"github.com/fleetwatch/orchestrator/internal/instancemap"
	"github.com/fleetwatch/orchestrator/internal/journal"
	"github.com/fleetwatch/orchestrator/internal/lifecycle"
	"github.com/fleetwatch/orchestrator/internal/metrics"
	"github.com/fleetwatch/orchestrator/internal/monitorclient"
	"github.com/fleetwatch/orchestrator/internal/notifier"
	"github.com/fleetwatch/orchestrator/internal/platform/cache"
	"github.com/fleetwatch/orchestrator/internal/scheduler"
	"github.com/fleetwatch/orchestrator/internal/scraper"
	"github.com/fleetwatch/orchestrator/internal/store"
	"github.com/fleetwatch/orchestrator/internal/userinstance"
	"github.com/fleetwatch/orchestrator/pkg/logger"
)

// CommandKind is the closed set of wakeups the Watchdog inbox accepts.
type CommandKind string

const (
	CommandTick           CommandKind = "tick"
	CommandRefreshUser    CommandKind = "refresh_user"
	CommandRefreshAll     CommandKind = "refresh_all"
	CommandMonitor        CommandKind = "monitor"
	CommandFirstRun       CommandKind = "first_run"
)

// MonitorAction is the action half of a MonitorCommand.
type MonitorAction string

const (
	MonitorAdd    MonitorAction = "add"
	MonitorReset  MonitorAction = "reset"
	MonitorDelete MonitorAction = "delete"
)

// Command is one Watchdog inbox message.
type Command struct {
	Kind          CommandKind
	UserName      string // RefreshUser, MonitorCommand (or "all")
	MonitorAction MonitorAction
	Done          chan error // optional: closed/sent when processing completes
}

// Config wires every collaborator the Watchdog needs, both to reconcile and
// to construct new UserInstances.
type Config struct {
	Store             store.Store
	Monitor           monitorclient.Client
	Scraper           scraper.Scraper
	Notifier          notifier.Notifier
	Calendar          calendar.CalendarWriter
	Clock             clock.Clock
	DataDir           string
	ReconcileInterval time.Duration
	Log               *logger.Logger

	// Cache is an optional process-wide cache for the default
	// GeneralProperties row, plus a distributed reconcile lock for future
	// multi-process deployments. Nil disables both.
	Cache cache.Client

	// Hooks lets a caller observe each reconcile cycle (start/complete plus
	// duration) independent of the Prometheus counters ObserveReconcile
	// already emits — useful for tracing or test assertions. Zero value
	// disables both callbacks.
	Hooks core.ObservationHooks

	Instances *instancemap.Map
}

const reconcileLockKey = "reconcile"
const reconcileLockTTL = 2 * time.Minute

// Service is the Watchdog actor.
type Service struct {
	cfg     Config
	journal *journal.Store
	lc      *lifecycle.Policy

	inbox chan Command

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("watchdog")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Minute
	}
	if cfg.Instances == nil {
		cfg.Instances = instancemap.New()
	}

	j := journal.NewStore(cfg.DataDir)
	lc := lifecycle.New(cfg.Store, cfg.Notifier, cfg.Monitor, cfg.DataDir, cfg.Log)

	return &Service{
		cfg:     cfg,
		journal: j,
		lc:      lc,
		inbox:   make(chan Command, 8),
	}
}

func (s *Service) Name() string { return "watchdog" }

func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   s.Name(),
		Domain: "scraping-fleet",
		Layer:  core.LayerEngine,
	}.WithCapabilities("reconcile-users", "mirror-monitor-state")
}

// Instances exposes the shared map for Scheduler/AdminAPI wiring.
func (s *Service) Instances() *instancemap.Map { return s.cfg.Instances }

// PropertiesOf satisfies scheduler.Config.PropertiesOf: it resolves the
// per-user interval/execution-minute/cron override Scheduler needs to
// replan a fired instance, straight from the user row (these fields live on
// UserProperties, not the shared GeneralProperties row).
func (s *Service) PropertiesOf(userName string) (intervalMinutes, executionMinute int, cronExpr string, ok bool) {
	user, err := s.cfg.Store.LoadUserByName(context.Background(), userName)
	if err != nil {
		return 0, 0, "", false
	}
	return user.Properties.ExecutionIntervalMinutes, user.Properties.ExecutionMinute, user.Properties.CronOverride, true
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(runCtx)

	// FirstRun fires exactly once at boot, non-blocking.
	select {
	case s.inbox <- Command{Kind: CommandFirstRun}:
	default:
	}
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// Enqueue posts a command, non-blocking. Reports false if the inbox is full.
func (s *Service) Enqueue(cmd Command) bool {
	select {
	case s.inbox <- cmd:
		return true
	default:
		return false
	}
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcile(ctx, false)
		case cmd := <-s.inbox:
			s.handleCommand(ctx, cmd)
		}
	}
}

func (s *Service) handleCommand(ctx context.Context, cmd Command) {
	var err error
	switch cmd.Kind {
	case CommandFirstRun:
		s.reconcile(ctx, true)
	case CommandTick, CommandRefreshAll:
		s.reconcile(ctx, false)
	case CommandRefreshUser:
		err = s.refreshUser(ctx, cmd.UserName)
	case CommandMonitor:
		err = s.monitorCommand(ctx, cmd.MonitorAction, cmd.UserName)
	}
	if cmd.Done != nil {
		cmd.Done <- err
	}
}

// reconcile runs the 4-step reconcile ordering (add, refresh, mirror, stop).
// firstRun skips the MonitorClient mirror step to avoid tearing down healthy
// monitors before state is known.
func (s *Service) reconcile(ctx context.Context, firstRun bool) {
	if s.cfg.Cache != nil {
		acquired, err := s.cfg.Cache.TryLock(ctx, reconcileLockKey, reconcileLockTTL)
		if err != nil {
			s.cfg.Log.WithError(err).Warn("reconcile lock unavailable, proceeding unlocked")
		} else if !acquired {
			s.cfg.Log.Debug("reconcile already running elsewhere, skipping")
			return
		} else {
			defer func() {
				if err := s.cfg.Cache.Unlock(ctx, reconcileLockKey); err != nil {
					s.cfg.Log.WithError(err).Warn("failed to release reconcile lock")
				}
			}()
		}
	}

	start := time.Now()
	complete := core.StartObservation(ctx, s.cfg.Hooks, map[string]string{"firstRun": strconv.FormatBool(firstRun)})
	var reconcileErr error
	defer func() { complete(reconcileErr) }()

	desired, err := s.cfg.Store.ListUserNames(ctx)
	if err != nil {
		reconcileErr = err
		s.cfg.Log.WithError(err).Warn("failed to list user names")
		metrics.ObserveReconcile("error", time.Since(start).Seconds(), 0, 0, 0)
		return
	}

	live := s.cfg.Instances.Names()
	liveSet := make(map[string]bool, len(live))
	for _, n := range live {
		liveSet[n] = true
	}
	desiredSet := make(map[string]bool, len(desired))
	for _, n := range desired {
		desiredSet[n] = true
	}

	var toAdd, toRefresh, toRemove []string
	for _, n := range desired {
		if liveSet[n] {
			toRefresh = append(toRefresh, n)
		} else {
			toAdd = append(toAdd, n)
		}
	}
	for _, n := range live {
		if !desiredSet[n] {
			toRemove = append(toRemove, n)
		}
	}

	s.addInstances(ctx, toAdd)
	s.refreshInstances(ctx, toRefresh)
	if !firstRun {
		s.mirrorMonitor(ctx, toAdd, toRemove)
	}
	s.stopInstances(toRemove)

	metrics.ObserveReconcile("ok", time.Since(start).Seconds(), len(toAdd), len(toRefresh), len(toRemove))
}

func (s *Service) effectiveProperties(ctx context.Context, user *domain.User) (domain.GeneralProperties, error) {
	if user.CustomGeneralPropertiesID != nil {
		props, err := s.cfg.Store.LoadProperties(ctx, *user.CustomGeneralPropertiesID)
		if err != nil {
			return domain.GeneralProperties{}, err
		}
		return *props, nil
	}
	return s.defaultProperties(ctx)
}

// defaultProperties serves the shared GeneralProperties row from Cache when
// configured, falling back to Store on a miss and repopulating the cache.
func (s *Service) defaultProperties(ctx context.Context) (domain.GeneralProperties, error) {
	if s.cfg.Cache != nil {
		if cached, ok := s.cfg.Cache.GetDefaultProperties(ctx); ok {
			return *cached, nil
		}
	}
	props, err := s.cfg.Store.LoadDefaultProperties(ctx)
	if err != nil {
		return domain.GeneralProperties{}, err
	}
	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.SetDefaultProperties(ctx, *props); err != nil {
			s.cfg.Log.WithError(err).Debug("failed to populate default properties cache")
		}
	}
	return *props, nil
}

func (s *Service) addInstances(ctx context.Context, names []string) {
	for _, name := range names {
		user, err := s.cfg.Store.LoadUserByName(ctx, name)
		if err != nil {
			s.cfg.Log.WithField("user", name).WithError(err).Warn("failed to load user for add")
			continue
		}
		props, err := s.effectiveProperties(ctx, user)
		if err != nil {
			s.cfg.Log.WithField("user", name).WithError(err).Warn("failed to load properties for add")
			continue
		}

		deps := userinstance.Deps{
			Scraper:   s.cfg.Scraper,
			Notifier:  s.cfg.Notifier,
			Store:     s.cfg.Store,
			Monitor:   s.cfg.Monitor,
			Calendar:  s.cfg.Calendar,
			Lifecycle: s.lc,
			Journal:   s.journal,
			Clock:     s.cfg.Clock,
			Log:       s.cfg.Log,
		}
		inst := userinstance.New(deps, userinstance.Snapshot{User: *user, Properties: props})

		intervalMin := user.Properties.ExecutionIntervalMinutes
		executionMinute := user.Properties.ExecutionMinute
		next := scheduler.PlanInitial(s.cfg.Clock.Now(), user.LastSystemExecutionDate, intervalMin, executionMinute, nil)
		if user.Properties.CronOverride != "" {
			if t, err := clock.NextMinuteBoundary(s.cfg.Clock.Now(), user.Properties.CronOverride); err == nil {
				next = t
			}
		}
		inst.SetNextExecutionTime(next)

		runCtx := context.Background()
		go inst.Run(runCtx)

		s.cfg.Instances.Set(name, inst)
	}
}

func (s *Service) refreshInstances(ctx context.Context, names []string) {
	for _, name := range names {
		entry, ok := s.cfg.Instances.Get(name)
		if !ok {
			continue
		}
		user, err := s.cfg.Store.LoadUserByName(ctx, name)
		if err != nil {
			s.cfg.Log.WithField("user", name).WithError(err).Warn("failed to load user for refresh")
			continue
		}
		props, err := s.effectiveProperties(ctx, user)
		if err != nil {
			s.cfg.Log.WithField("user", name).WithError(err).Warn("failed to load properties for refresh")
			continue
		}
		entry.Refresh(*user, props)
	}
}

func (s *Service) stopInstances(names []string) {
	for _, name := range names {
		entry, ok := s.cfg.Instances.Get(name)
		if !ok {
			continue
		}
		entry.Send(domain.StartRequest{Kind: domain.RequestDelete})
		s.cfg.Instances.Delete(name)
	}
}

func (s *Service) mirrorMonitor(ctx context.Context, toAdd, toRemove []string) {
	if s.cfg.Monitor == nil {
		return
	}
	groupID, err := s.cfg.Monitor.EnsureGroup(ctx, "fleetwatch")
	if err != nil {
		s.cfg.Log.WithError(err).Warn("failed to ensure monitor group")
		return
	}

	for _, name := range toAdd {
		if _, ok := s.cfg.Instances.Get(name); !ok {
			continue
		}
		user, err := s.cfg.Store.LoadUserByName(ctx, name)
		if err != nil {
			continue
		}
		props, err := s.effectiveProperties(ctx, user)
		if err != nil {
			continue
		}
		notifID, err := s.cfg.Monitor.EnsureNotification(ctx, name, user.Email.Expose(), props.Templates)
		if err != nil {
			s.cfg.Log.WithField("user", name).WithError(err).Warn("failed to ensure notification")
			continue
		}
		interval := user.Properties.ExecutionIntervalMinutes*60 + props.ExpectedExecutionTimeSeconds
		_, err = s.cfg.Monitor.EnsureMonitor(ctx, name, monitorclient.MonitorConfig{
			IntervalSeconds: interval,
			MaxRetries:      props.ExecutionRetryCount,
			NotificationID:  notifID,
			GroupID:         groupID,
		})
		if err != nil {
			s.cfg.Log.WithField("user", name).WithError(err).Warn("failed to ensure monitor")
		}
	}

	for _, name := range toRemove {
		if err := s.cfg.Monitor.DeleteMonitor(ctx, name); err != nil {
			s.cfg.Log.WithField("user", name).WithError(err).Warn("failed to delete monitor")
		}
		if err := s.cfg.Monitor.DeleteNotification(ctx, name); err != nil {
			s.cfg.Log.WithField("user", name).WithError(err).Warn("failed to delete notification")
		}
	}
}

// refreshUser is the narrow single-key path combining add/refresh/remove
// for one userName.
func (s *Service) refreshUser(ctx context.Context, name string) error {
	_, isLive := s.cfg.Instances.Get(name)
	_, err := s.cfg.Store.LoadUserByName(ctx, name)
	if err != nil {
		if isLive {
			s.stopInstances([]string{name})
			s.mirrorMonitor(ctx, nil, []string{name})
		}
		return fmt.Errorf("refresh user %s: %w", name, err)
	}

	if isLive {
		s.refreshInstances(ctx, []string{name})
		return nil
	}

	s.addInstances(ctx, []string{name})
	s.mirrorMonitor(ctx, []string{name}, nil)
	return nil
}

func (s *Service) monitorCommand(ctx context.Context, action MonitorAction, scope string) error {
	if s.cfg.Monitor == nil {
		return fmt.Errorf("no monitor client configured")
	}
	names := []string{scope}
	if scope == "all" || scope == "" {
		names = s.cfg.Instances.Names()
	}

	for _, name := range names {
		switch action {
		case MonitorDelete:
			if err := s.cfg.Monitor.DeleteMonitor(ctx, name); err != nil {
				return err
			}
			if err := s.cfg.Monitor.DeleteNotification(ctx, name); err != nil {
				return err
			}
		case MonitorAdd, MonitorReset:
			if action == MonitorReset {
				_ = s.cfg.Monitor.DeleteMonitor(ctx, name)
				_ = s.cfg.Monitor.DeleteNotification(ctx, name)
			}
			s.mirrorMonitor(ctx, []string{name}, nil)
		}
	}
	return nil
}
