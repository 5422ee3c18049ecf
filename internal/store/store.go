// Package store defines the typed persistence boundary (C2) and its
// Postgres implementation: users, their effective properties, and the
// timestamp/name mutations the rest of the fleet needs.
package store

import (
	"context"
	"errors"

	"github.com/fleetwatch/orchestrator/internal/domain"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the typed persistence boundary every other component depends on.
// All operations may fail with an error wrapped via fmt.Errorf; callers treat any
// non-nil, non-ErrNotFound error as an opaque subsystem failure.
type Store interface {
	// ListUserNames returns every known user's routing key.
	ListUserNames(ctx context.Context) ([]string, error)

	// LoadUserByName loads and decrypts a user row by its routing key.
	// Returns ErrNotFound if absent.
	LoadUserByName(ctx context.Context, userName string) (*domain.User, error)

	// LoadUserByID loads and decrypts a user row by id. Returns ErrNotFound
	// if absent.
	LoadUserByID(ctx context.Context, id int64) (*domain.User, error)

	// LoadDefaultProperties loads the configured default GeneralProperties
	// row, falling back to id=1 when no override is configured.
	LoadDefaultProperties(ctx context.Context) (*domain.GeneralProperties, error)

	// LoadProperties loads a specific GeneralProperties row. Returns
	// ErrNotFound if absent.
	LoadProperties(ctx context.Context, id int64) (*domain.GeneralProperties, error)

	// UpdateUserTimestamps applies a partial, atomic update to a user's
	// timestamp columns; nil fields in upd are left untouched.
	UpdateUserTimestamps(ctx context.Context, id int64, upd domain.TimestampUpdate) error

	// UpdateUserName updates a user's display name, encrypting it at rest.
	UpdateUserName(ctx context.Context, id int64, displayName domain.Secret) error

	// DeleteUser soft-deletes a user row by setting deleted_at; the row then
	// shows up in ListArchivedUsers and no longer in the other lookups.
	DeleteUser(ctx context.Context, id int64) error

	// ListArchivedUsers surfaces soft-deleted rows for operational recovery.
	// No un-delete operation is exposed.
	ListArchivedUsers(ctx context.Context) ([]string, error)
}
