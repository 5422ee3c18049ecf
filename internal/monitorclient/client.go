// Package monitorclient wraps the external push-monitor service
// (MonitorClient, C3): idempotent create/delete of uptime monitors and
// notifications, looking up by name before creating so repeated calls
// converge rather than duplicate.
package monitorclient

import (
	"context"

	"github.com/fleetwatch/orchestrator/internal/domain"
)

// MonitorConfig parameterizes EnsureMonitor. IntervalSeconds is computed by
// the caller as userIntervalMinutes*60 + expectedExecutionTimeSeconds.
type MonitorConfig struct {
	IntervalSeconds int
	MaxRetries      int
	NotificationID  int64
	GroupID         int64
}

// Client is the MonitorClient boundary (C3). All Ensure*/Delete* operations
// are idempotent: calling them twice with the same arguments returns the
// same id (or succeeds as a no-op) and issues at most one mutating RPC.
type Client interface {
	// EnsureGroup looks up a monitor group by name, creating it if absent.
	EnsureGroup(ctx context.Context, name string) (int64, error)

	// EnsureNotification looks up a notification by "{userName}_mail",
	// creating it from templates if absent.
	EnsureNotification(ctx context.Context, userName, address string, templates domain.NotificationTemplates) (int64, error)

	// EnsureMonitor looks up a push monitor by userName, creating it under
	// cfg if absent.
	EnsureMonitor(ctx context.Context, userName string, cfg MonitorConfig) (int64, error)

	// DeleteMonitor removes the monitor named userName. No-op if absent.
	DeleteMonitor(ctx context.Context, userName string) error

	// DeleteNotification removes the notification for userName. No-op if absent.
	DeleteNotification(ctx context.Context, userName string) error

	// Heartbeat pushes the current health for userName. message is included
	// on failure, ignored on success.
	Heartbeat(ctx context.Context, userName string, ok bool, message string) error
}
