// Package supervisor implements Supervisor (C11): starts the registered
// services (Watchdog, Scheduler and AdminAPI in cmd/fleetwatchd) in order via
// system.Manager, and owns their graceful, reverse-order shutdown.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	core "github.com/fleetwatch/orchestrator/internal/core/service"
	"github.com/fleetwatch/orchestrator/internal/store"
	"github.com/fleetwatch/orchestrator/internal/system"
	"github.com/fleetwatch/orchestrator/pkg/logger"
)

// Supervisor owns the system.Manager and the pre-flight checks that must
// pass before any service starts.
type Supervisor struct {
	manager    *system.Manager
	store      store.Store
	fileTarget string
	log        *logger.Logger
}

// New builds a Supervisor. fileTarget is GeneralProperties.FileTarget (the
// root directory per-user state lives under); store is used solely to
// enumerate user names for the .env permission sweep.
func New(st store.Store, fileTarget string, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.NewDefault("supervisor")
	}
	return &Supervisor{
		manager:    system.NewManager(log),
		store:      st,
		fileTarget: fileTarget,
		log:        log,
	}
}

// Register adds svc to the boot sequence, in the order services should
// start. Call in dependency order: Store's caller already holds a live
// connection by the time Register is used for anything else, so the typical
// sequence is Watchdog, Scheduler, AdminAPI.
func (s *Supervisor) Register(svc system.Service) {
	s.manager.Register(svc)
}

// Descriptors exposes every registered service's descriptor, sorted by
// layer then name (system.CollectDescriptors over the registered services).
func (s *Supervisor) Descriptors() []core.Descriptor {
	return system.CollectDescriptors(s.manager.Providers())
}

// Start runs the .env permission sweep, then starts every registered
// service in order. A permission failure or a service start failure leaves
// nothing running: on the latter, Manager has already rolled back whatever
// it started before Start returns.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.checkEnvPermissions(ctx); err != nil {
		return fmt.Errorf("refusing to start: %w", err)
	}
	return s.manager.Start(ctx)
}

// Stop stops every started service in reverse order. Safe to call once;
// Manager itself guards against a second call doing any work.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.manager.Stop(ctx)
}

// checkEnvPermissions verifies every user's {fileTarget}/{userName}/.env,
// if present, is mode 0600 and owned by the running process's UID.
// Users with no .env file are skipped; the file is optional per-user state,
// not a prerequisite for being scraped.
func (s *Supervisor) checkEnvPermissions(ctx context.Context) error {
	if s.fileTarget == "" {
		return nil
	}
	names, err := s.store.ListUserNames(ctx)
	if err != nil {
		return fmt.Errorf("list user names: %w", err)
	}

	uid := os.Getuid()
	for _, name := range names {
		path := filepath.Join(s.fileTarget, name, ".env")
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if info.Mode().Perm() != 0600 {
			return fmt.Errorf("%s must be mode 0600, got %o", path, info.Mode().Perm())
		}
		if stat, ok := info.Sys().(*syscall.Stat_t); ok && int(stat.Uid) != uid {
			return fmt.Errorf("%s must be owned by uid %d, owned by %d", path, uid, stat.Uid)
		}
	}
	return nil
}
