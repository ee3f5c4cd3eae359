// Package sqlite implements the broker's persistence interfaces on an
// embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/viznode/rrm/pkg/storage"
)

// Store bundles the session, settings and global-settings stores sharing a
// single database handle.
type Store struct {
	db             *sql.DB
	sessions       *SessionStore
	settings       *SettingsStore
	globalSettings *GlobalSettingsStore
}

var _ storage.Store = (*Store)(nil)

// New opens (or creates) the database at path, applies pending migrations,
// and returns the aggregated store.
func New(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, connParams())
	return open(ctx, dsn)
}

// NewInMemory returns a store backed by a private in-memory database,
// useful for tests and the local allocator's development mode.
func NewInMemory(ctx context.Context) (*Store, error) {
	return open(ctx, "file::memory:?cache=shared&"+connParams())
}

func connParams() string {
	v := url.Values{}
	v.Set("_time_format", "sqlite")
	v.Add("_pragma", "journal_mode(WAL)")
	v.Add("_pragma", "busy_timeout(5000)")
	v.Add("_pragma", "foreign_keys(ON)")
	return v.Encode()
}

func open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY between the broker handlers and the sweeper.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:             db,
		sessions:       &SessionStore{db: db},
		settings:       &SettingsStore{db: db},
		globalSettings: &GlobalSettingsStore{db: db},
	}, nil
}

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore { return s.sessions }

// Settings returns the rendering-resource settings store.
func (s *Store) Settings() storage.SettingsStore { return s.settings }

// GlobalSettings returns the global-settings store.
func (s *Store) GlobalSettings() storage.GlobalSettingsStore { return s.globalSettings }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
