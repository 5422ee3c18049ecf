// Package instancemap holds the single shared Map<userName, UserInstance>:
// Watchdog is the sole writer; Scheduler and AdminAPI take read locks to
// look up or snapshot instances.
package instancemap

import (
	"context"
	"sync"
	"time"

	"github.com/fleetwatch/orchestrator/internal/domain"
)

// Entry is the subset of *userinstance.Instance's API the map needs to hold
// and callers need to drive it. Defined locally (rather than imported) so
// this package has no dependency on userinstance.
type Entry interface {
	UserName() string
	Send(req domain.StartRequest) bool
	AwaitResponse(timeout time.Duration) (domain.RequestResponse, bool)
	NextExecutionTime() time.Time
	SetNextExecutionTime(t time.Time)
	Refresh(user domain.User, properties domain.GeneralProperties)
	Run(ctx context.Context)
}

// Map is a reader/writer-locked registry of live UserInstances, keyed by
// userName.
type Map struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func New() *Map {
	return &Map{entries: make(map[string]Entry)}
}

// Get returns the instance registered under userName, if any.
func (m *Map) Get(userName string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[userName]
	return v, ok
}

// Set registers or replaces the instance for userName. Callers must
// serialize all Set/Delete calls (Watchdog is the sole writer).
func (m *Map) Set(userName string, instance Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[userName] = instance
}

// Delete removes userName's instance, if present.
func (m *Map) Delete(userName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userName)
}

// Names returns a snapshot of every registered userName.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	return names
}

// Snapshot returns a copy of the full name->instance view, safe to range
// over without holding the map's lock.
func (m *Map) Snapshot() map[string]Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Entry, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// Len reports the number of registered instances.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
