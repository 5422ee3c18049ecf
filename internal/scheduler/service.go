package scheduler

import (
	"context"
	"sync"
	"time"

	core "github.com/fleetwatch/orchestrator/internal/core/service"
	"github.com/fleetwatch/orchestrator/internal/clock"
	"github.com/fleetwatch/orchestrator/internal/domain"
	"github.com/fleetwatch/orchestrator/internal/instancemap"
	"github.com/fleetwatch/orchestrator/pkg/logger"
)

// Config parameterizes the Scheduler's per-tick work. IntervalMinutes and
// ExecutionMinute are read per-instance from each user's properties at tick
// time via PropertiesOf, since they can differ per user.
type Config struct {
	Clock     clock.Clock
	Instances *instancemap.Map
	Log       *logger.Logger

	// PropertiesOf resolves the (intervalMinutes, executionMinute, cronExpr)
	// a given userName should be planned against. Supplied by Watchdog, which
	// reads them from the user's Store row, so Scheduler never needs its own
	// copy of user properties.
	PropertiesOf func(userName string) (intervalMinutes, executionMinute int, cronExpr string, ok bool)
}

// Service is the Scheduler actor (C6): a system.Service that wakes on every
// minute boundary, non-blocking-sends StartRequest{Timer} to every instance
// whose nextExecutionTime matches now, and re-plans that instance's next
// run via PlanNext.
type Service struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("scheduler")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	return &Service{cfg: cfg}
}

func (s *Service) Name() string { return "scheduler" }

func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   s.Name(),
		Domain: "scraping-fleet",
		Layer:  core.LayerEngine,
	}.WithCapabilities("per-user-scheduling", "crash-recovery-replan")
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(runCtx)
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

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	for {
		now := s.cfg.Clock.Now()
		next := now.Truncate(time.Minute).Add(time.Minute + time.Second)
		wait := next.Sub(now)
		if wait <= 0 {
			wait = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.tick()
		}
	}
}

// Tick runs one scheduling pass synchronously. The running loop calls this
// on every minute boundary; tests call it directly for determinism.
func (s *Service) Tick() {
	s.tick()
}

// tick snapshots the instance map, fires every instance whose
// nextExecutionTime's (hour, minute) matches now, then re-plans it.
func (s *Service) tick() {
	now := s.cfg.Clock.Now()
	for userName, inst := range s.cfg.Instances.Snapshot() {
		next := inst.NextExecutionTime()
		if next.IsZero() {
			continue
		}
		if next.Hour() != now.Hour() || next.Minute() != now.Minute() {
			continue
		}

		inst.Send(domain.StartRequest{Kind: domain.RequestTimer})

		intervalMin, executionMinute, cronExpr, ok := s.cfg.PropertiesOf(userName)
		if !ok {
			continue
		}
		replanned, err := s.planNext(now, intervalMin, executionMinute, cronExpr)
		if err != nil {
			s.cfg.Log.WithField("user", userName).WithError(err).Warn("failed to compute next execution time")
			continue
		}
		inst.SetNextExecutionTime(replanned)
	}
}

func (s *Service) planNext(now time.Time, intervalMin, executionMinute int, cronExpr string) (time.Time, error) {
	if cronExpr != "" {
		return clock.NextMinuteBoundary(now, cronExpr)
	}
	return PlanNext(now, intervalMin, executionMinute), nil
}
