package system

import (
	"context"
	"fmt"
	"sync"

	"github.com/fleetwatch/orchestrator/pkg/logger"
)

// Manager owns the startup and shutdown ordering for every registered
// Service. Services start in registration order; if one fails to start, the
// already-started services are stopped in reverse order before the error is
// returned. Stop always runs in reverse registration order and is
// idempotent.
type Manager struct {
	log      *logger.Logger
	mu       sync.Mutex
	services []Service
	started  []Service
	stopOnce sync.Once
}

// NewManager creates an empty Manager. A nil logger falls back to a default
// stdout logger so callers in tests do not need to wire one up.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("system")
	}
	return &Manager{log: log}
}

// Register appends a service to the boot sequence. Register must be called
// before Start; registering after Start has no effect on the current run.
func (m *Manager) Register(svc Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, svc)
}

// Providers returns the registered services that implement
// DescriptorProvider, for use with CollectDescriptors.
func (m *Manager) Providers() []DescriptorProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DescriptorProvider
	for _, svc := range m.services {
		if p, ok := svc.(DescriptorProvider); ok {
			out = append(out, p)
		}
	}
	return out
}

// Start starts every registered service in order. On failure it stops
// whatever already started, in reverse order, before returning the original
// error wrapped with the failing service's name.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	services := append([]Service(nil), m.services...)
	m.mu.Unlock()

	for _, svc := range services {
		m.log.WithField("service", svc.Name()).Info("starting service")
		if err := svc.Start(ctx); err != nil {
			m.log.WithField("service", svc.Name()).WithError(err).Error("service failed to start, rolling back")
			m.stopStarted(context.Background())
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		m.started = append(m.started, svc)
	}
	return nil
}

// Stop stops every started service in reverse order. It is safe to call
// multiple times; only the first call performs work.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		err = m.stopStarted(ctx)
	})
	return err
}

func (m *Manager) stopStarted(ctx context.Context) error {
	var firstErr error
	for i := len(m.started) - 1; i >= 0; i-- {
		svc := m.started[i]
		m.log.WithField("service", svc.Name()).Info("stopping service")
		if err := svc.Stop(ctx); err != nil {
			m.log.WithField("service", svc.Name()).WithError(err).Error("service failed to stop")
			if firstErr == nil {
				firstErr = fmt.Errorf("stop %s: %w", svc.Name(), err)
			}
		}
	}
	m.started = nil
	return firstErr
}
