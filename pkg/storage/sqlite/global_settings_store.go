package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/storage"
)

// GlobalSettingsStore implements storage.GlobalSettingsStore using SQLite.
// The settings live in a singleton row with id 0.
type GlobalSettingsStore struct {
	db *sql.DB
}

var _ storage.GlobalSettingsStore = (*GlobalSettingsStore)(nil)

// Load reads the singleton row, creating it with the given defaults when it
// does not exist yet.
func (s *GlobalSettingsStore) Load(
	ctx context.Context, defaults rrm.SystemGlobalSettings,
) (rrm.SystemGlobalSettings, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rrm.SystemGlobalSettings{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var settings rrm.SystemGlobalSettings
	err = tx.QueryRowContext(ctx, `
		SELECT session_creation, session_keep_alive_timeout
		FROM system_global_settings WHERE id = 0`,
	).Scan(&settings.SessionCreation, &settings.SessionKeepAliveTimeout)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO system_global_settings
				(id, session_creation, session_keep_alive_timeout)
			VALUES (0, ?, ?)`,
			defaults.SessionCreation, defaults.SessionKeepAliveTimeout)
		if err != nil {
			return rrm.SystemGlobalSettings{}, fmt.Errorf("seeding global settings: %w", err)
		}
		settings = defaults
	} else if err != nil {
		return rrm.SystemGlobalSettings{}, fmt.Errorf("loading global settings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return rrm.SystemGlobalSettings{}, fmt.Errorf("committing transaction: %w", err)
	}
	return settings, nil
}

// Save writes the singleton row.
func (s *GlobalSettingsStore) Save(ctx context.Context, settings rrm.SystemGlobalSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_global_settings
			(id, session_creation, session_keep_alive_timeout)
		VALUES (0, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			session_creation = excluded.session_creation,
			session_keep_alive_timeout = excluded.session_keep_alive_timeout`,
		settings.SessionCreation, settings.SessionKeepAliveTimeout)
	if err != nil {
		return fmt.Errorf("saving global settings: %w", err)
	}
	return nil
}
