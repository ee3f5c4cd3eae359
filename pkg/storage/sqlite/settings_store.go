package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/storage"
)

// SettingsStore implements storage.SettingsStore using SQLite.
type SettingsStore struct {
	db *sql.DB
}

var _ storage.SettingsStore = (*SettingsStore)(nil)

const settingsColumns = `id, name, description, command_line,
	environment_variables, modules, process_rest_parameters_format,
	scheduler_rest_parameters_format, project, queue, exclusive,
	nb_nodes, nb_cpus, nb_gpus, memory, graceful_exit, wait_until_running`

// Create stores a new rendering-resource configuration.
func (s *SettingsStore) Create(ctx context.Context, settings rrm.RenderingResourceSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rendering_resource_settings (
			id, name, description, command_line, environment_variables,
			modules, process_rest_parameters_format,
			scheduler_rest_parameters_format, project, queue, exclusive,
			nb_nodes, nb_cpus, nb_gpus, memory, graceful_exit,
			wait_until_running
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		settings.ID,
		settings.Name,
		settings.Description,
		settings.CommandLine,
		settings.EnvironmentVariables,
		settings.Modules,
		settings.ProcessRestParametersFormat,
		settings.SchedulerRestParametersFormat,
		settings.Project,
		settings.Queue,
		settings.Exclusive,
		settings.NbNodes,
		settings.NbCPUs,
		settings.NbGPUs,
		settings.Memory,
		settings.GracefulExit,
		settings.WaitUntilRunning,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting settings: %w", err)
	}
	return nil
}

// Get retrieves a configuration by id.
func (s *SettingsStore) Get(ctx context.Context, id string) (rrm.RenderingResourceSettings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+settingsColumns+` FROM rendering_resource_settings WHERE id = ?`, id)
	settings, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rrm.RenderingResourceSettings{}, storage.ErrNotFound
	}
	if err != nil {
		return rrm.RenderingResourceSettings{}, fmt.Errorf("querying settings: %w", err)
	}
	return settings, nil
}

// Update replaces an existing configuration.
func (s *SettingsStore) Update(ctx context.Context, settings rrm.RenderingResourceSettings) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rendering_resource_settings SET
			name = ?, description = ?, command_line = ?,
			environment_variables = ?, modules = ?,
			process_rest_parameters_format = ?,
			scheduler_rest_parameters_format = ?, project = ?, queue = ?,
			exclusive = ?, nb_nodes = ?, nb_cpus = ?, nb_gpus = ?,
			memory = ?, graceful_exit = ?, wait_until_running = ?
		WHERE id = ?`,
		settings.Name,
		settings.Description,
		settings.CommandLine,
		settings.EnvironmentVariables,
		settings.Modules,
		settings.ProcessRestParametersFormat,
		settings.SchedulerRestParametersFormat,
		settings.Project,
		settings.Queue,
		settings.Exclusive,
		settings.NbNodes,
		settings.NbCPUs,
		settings.NbGPUs,
		settings.Memory,
		settings.GracefulExit,
		settings.WaitUntilRunning,
		settings.ID,
	)
	if err != nil {
		return fmt.Errorf("updating settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Delete removes a configuration by id.
func (s *SettingsStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rendering_resource_settings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// List returns all configurations ordered by id.
func (s *SettingsStore) List(ctx context.Context) ([]rrm.RenderingResourceSettings, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+settingsColumns+` FROM rendering_resource_settings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}
	defer rows.Close()

	var all []rrm.RenderingResourceSettings
	for rows.Next() {
		settings, err := scanSettings(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning settings: %w", err)
		}
		all = append(all, settings)
	}
	return all, rows.Err()
}

// Clear removes all configurations.
func (s *SettingsStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rendering_resource_settings`)
	if err != nil {
		return fmt.Errorf("clearing settings: %w", err)
	}
	return nil
}

func scanSettings(row scanner) (rrm.RenderingResourceSettings, error) {
	var settings rrm.RenderingResourceSettings
	err := row.Scan(
		&settings.ID,
		&settings.Name,
		&settings.Description,
		&settings.CommandLine,
		&settings.EnvironmentVariables,
		&settings.Modules,
		&settings.ProcessRestParametersFormat,
		&settings.SchedulerRestParametersFormat,
		&settings.Project,
		&settings.Queue,
		&settings.Exclusive,
		&settings.NbNodes,
		&settings.NbCPUs,
		&settings.NbGPUs,
		&settings.Memory,
		&settings.GracefulExit,
		&settings.WaitUntilRunning,
	)
	return settings, err
}
