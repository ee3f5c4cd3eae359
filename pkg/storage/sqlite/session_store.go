package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/storage"
)

// SessionStore implements storage.SessionStore using SQLite.
type SessionStore struct {
	db *sql.DB
}

var _ storage.SessionStore = (*SessionStore)(nil)

// sessionColumns is the SELECT column list shared by Get and List queries.
const sessionColumns = `id, owner, renderer_id, created, valid_until, status,
	job_id, process_pid, http_host, http_port, cluster_node, work_dir,
	parameters, command, version`

// Create stores a new session.
func (s *SessionStore) Create(ctx context.Context, session *rrm.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, owner, renderer_id, created, valid_until, status,
			job_id, process_pid, http_host, http_port, cluster_node,
			work_dir, parameters, command, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		session.ID,
		session.Owner,
		session.RendererID,
		session.Created.UTC(),
		session.ValidUntil.UTC(),
		string(session.Status),
		session.JobID,
		session.ProcessPID,
		session.HTTPHost,
		session.HTTPPort,
		session.ClusterNode,
		session.WorkDir,
		session.Parameters,
		session.Command,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	session.Version = 1
	return nil
}

// Get retrieves a session by id.
func (s *SessionStore) Get(ctx context.Context, id string) (*rrm.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return session, nil
}

// Update persists a modified session. The stored version must match the
// session's version; on success the version is incremented.
func (s *SessionStore) Update(ctx context.Context, session *rrm.Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			owner = ?, renderer_id = ?, created = ?, valid_until = ?,
			status = ?, job_id = ?, process_pid = ?, http_host = ?,
			http_port = ?, cluster_node = ?, work_dir = ?, parameters = ?,
			command = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		session.Owner,
		session.RendererID,
		session.Created.UTC(),
		session.ValidUntil.UTC(),
		string(session.Status),
		session.JobID,
		session.ProcessPID,
		session.HTTPHost,
		session.HTTPPort,
		session.ClusterNode,
		session.WorkDir,
		session.Parameters,
		session.Command,
		session.ID,
		session.Version,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		// Distinguish a vanished row from a lost optimistic race.
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM sessions WHERE id = ?`, session.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking session existence: %w", err)
		}
		return storage.ErrConcurrentUpdate
	}
	session.Version++
	return nil
}

// Delete removes a session by id.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
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

// List returns all sessions ordered by creation time.
func (s *SessionStore) List(ctx context.Context) ([]*rrm.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*rrm.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*rrm.Session, error) {
	var (
		session              rrm.Session
		status               string
		created, validUntil  time.Time
	)
	err := row.Scan(
		&session.ID,
		&session.Owner,
		&session.RendererID,
		&created,
		&validUntil,
		&status,
		&session.JobID,
		&session.ProcessPID,
		&session.HTTPHost,
		&session.HTTPPort,
		&session.ClusterNode,
		&session.WorkDir,
		&session.Parameters,
		&session.Command,
		&session.Version,
	)
	if err != nil {
		return nil, err
	}
	session.Created = created.UTC()
	session.ValidUntil = validUntil.UTC()
	session.Status = rrm.SessionStatus(status)
	return &session, nil
}
