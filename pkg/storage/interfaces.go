// Package storage provides the persistence interfaces of the
// rendering-resource broker. The database is the source of truth; all other
// in-memory state is derivable from it.
package storage

import (
	"context"

	"github.com/viznode/rrm/pkg/rrm"
)

// SessionStore persists user sessions. All mutating operations run in a
// transaction; concurrent updates to the same session id are serialized
// through an optimistic version check.
type SessionStore interface {
	// Create stores a new session. Returns ErrAlreadyExists on duplicate id.
	Create(ctx context.Context, session *rrm.Session) error
	// Get retrieves a session by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*rrm.Session, error)
	// Update persists a modified session. Returns ErrNotFound when the row
	// is absent and ErrConcurrentUpdate when the stored version has moved on.
	Update(ctx context.Context, session *rrm.Session) error
	// Delete removes a session by id. Returns ErrNotFound when absent.
	Delete(ctx context.Context, id string) error
	// List returns all sessions ordered by creation time.
	List(ctx context.Context) ([]*rrm.Session, error)
}

// SettingsStore persists named rendering-resource configurations.
type SettingsStore interface {
	// Create stores a new configuration. Returns ErrAlreadyExists on
	// duplicate id.
	Create(ctx context.Context, settings rrm.RenderingResourceSettings) error
	// Get retrieves a configuration by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (rrm.RenderingResourceSettings, error)
	// Update replaces an existing configuration. Returns ErrNotFound when
	// absent.
	Update(ctx context.Context, settings rrm.RenderingResourceSettings) error
	// Delete removes a configuration by id. Returns ErrNotFound when absent.
	Delete(ctx context.Context, id string) error
	// List returns all configurations ordered by id.
	List(ctx context.Context) ([]rrm.RenderingResourceSettings, error)
	// Clear removes all configurations.
	Clear(ctx context.Context) error
}

// GlobalSettingsStore mirrors the broker's global settings into a singleton
// row for persistence across restarts.
type GlobalSettingsStore interface {
	// Load reads the singleton row, creating it with the given defaults on
	// first use.
	Load(ctx context.Context, defaults rrm.SystemGlobalSettings) (rrm.SystemGlobalSettings, error)
	// Save writes the singleton row.
	Save(ctx context.Context, settings rrm.SystemGlobalSettings) error
}

// Store aggregates the broker's persistence concerns behind one handle.
type Store interface {
	Sessions() SessionStore
	Settings() SettingsStore
	GlobalSettings() GlobalSettingsStore
	// Close releases the underlying database.
	Close() error
}
