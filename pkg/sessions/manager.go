// Package sessions owns the session state machine. The manager drives every
// lifecycle transition: creation behind the admission gate, scheduling on an
// allocator, readiness probing, keep-alive refreshes and teardown.
package sessions

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/viznode/rrm/pkg/allocator"
	"github.com/viznode/rrm/pkg/errors"
	"github.com/viznode/rrm/pkg/logger"
	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/settings"
	"github.com/viznode/rrm/pkg/storage"
)

// ErrProcessAlreadyRunning is returned by Open when the session already has
// a local process attached.
var ErrProcessAlreadyRunning = stderrors.New("process is already started")

const (
	// defaultRendererPort is the base of the randomized backend port range.
	defaultRendererPort = 3000
	rendererPortSpread  = 1000

	// vocabularyPath is the backend endpoint probed for readiness.
	vocabularyPath = "vocabulary"
)

// Config tunes the manager's probing and keep-alive behavior.
type Config struct {
	// DefaultKeepAlive seeds the global settings on first start.
	DefaultKeepAlive time.Duration
	// ProbeTimeout bounds a single readiness probe.
	ProbeTimeout time.Duration
	// ProbeRetries is the number of readiness probe attempts per status query.
	ProbeRetries uint
}

// StatusReport is the payload returned by QueryStatus.
type StatusReport struct {
	SessionID   string            `json:"session_id"`
	Code        rrm.SessionStatus `json:"code"`
	Description string            `json:"description"`
	Hostname    string            `json:"hostname,omitempty"`
	Port        int               `json:"port,omitempty"`
}

// Manager drives session lifecycles against one allocator backend. Local
// processes are always handled by the local allocator, whatever backend
// jobs are scheduled on.
type Manager struct {
	store    storage.Store
	settings *settings.Registry
	alloc    allocator.Allocator
	local    *allocator.LocalAllocator
	cfg      Config
	probe    *http.Client

	mu     sync.Mutex
	global rrm.SystemGlobalSettings
}

// NewManager loads the global settings, seeding them on first start, and
// returns a ready manager.
func NewManager(ctx context.Context, store storage.Store, registry *settings.Registry, alloc allocator.Allocator, cfg Config) (*Manager, error) {
	defaults := rrm.SystemGlobalSettings{
		SessionCreation:         true,
		SessionKeepAliveTimeout: int(cfg.DefaultKeepAlive.Seconds()),
	}
	global, err := store.GlobalSettings().Load(ctx, defaults)
	if err != nil {
		return nil, fmt.Errorf("loading global settings: %w", err)
	}
	return &Manager{
		store:    store,
		settings: registry,
		alloc:    alloc,
		local:    allocator.NewLocalAllocator(cfg.ProbeTimeout),
		cfg:      cfg,
		probe:    &http.Client{Timeout: cfg.ProbeTimeout},
		global:   global,
	}, nil
}

// keepAlive returns the current keep-alive window.
func (m *Manager) keepAlive() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global.KeepAlive()
}

// CreateSession admits a new session under the given id. Fails with a
// Forbidden error while creation is suspended and a Conflict error when the
// id is already taken.
func (m *Manager) CreateSession(ctx context.Context, id, owner, rendererID string) (*rrm.Session, error) {
	m.mu.Lock()
	admitted := m.global.SessionCreation
	m.mu.Unlock()
	if !admitted {
		return nil, errors.NewForbiddenError("Session creation is currently suspended", nil)
	}

	session := rrm.NewSession(owner, rendererID, m.keepAlive())
	if id != "" {
		session.ID = id
	}
	if err := m.store.Sessions().Create(ctx, session); err != nil {
		if stderrors.Is(err, storage.ErrAlreadyExists) {
			return nil, errors.NewConflictError("session "+session.ID+" already exists", err)
		}
		return nil, errors.NewInternalError("creating session", err)
	}
	logger.Debugf("Session %s successfully created", session.ID)
	return session, nil
}

// GetSession returns the session with the given id.
func (m *Manager) GetSession(ctx context.Context, id string) (*rrm.Session, error) {
	session, err := m.store.Sessions().Get(ctx, id)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNotFoundError("session does not exist", err)
		}
		return nil, errors.NewInternalError("loading session", err)
	}
	return session, nil
}

// ListSessions returns all sessions.
func (m *Manager) ListSessions(ctx context.Context) ([]*rrm.Session, error) {
	sessions, err := m.store.Sessions().List(ctx)
	if err != nil {
		return nil, errors.NewInternalError("listing sessions", err)
	}
	return sessions, nil
}

// transition persists a state-machine step, refusing illegal moves.
func (m *Manager) transition(ctx context.Context, session *rrm.Session, to rrm.SessionStatus) error {
	if !rrm.ValidTransition(session.Status, to) {
		return errors.NewConflictError(
			fmt.Sprintf("session %s cannot move from %s to %s", session.ID, session.Status, to), nil)
	}
	session.Status = to
	if err := m.store.Sessions().Update(ctx, session); err != nil {
		return errors.NewInternalError("updating session", err)
	}
	return nil
}

// DeleteSession tears a session down: the STOPPING transition is persisted
// first as a barrier, the process and job are stopped, then the row is
// removed. A session found already STOPPING was left by an interrupted
// teardown; deletion resumes from the barrier.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	session, err := m.GetSession(ctx, id)
	if err != nil {
		return err
	}
	logger.Infof("Removing session %s", id)

	if session.Status != rrm.StatusStopping {
		if err := m.transition(ctx, session, rrm.StatusStopping); err != nil {
			return err
		}
	}

	rrSettings, settingsErr := m.settings.Get(ctx, session.RendererID)
	if settingsErr != nil {
		logger.Warnf("No settings for %s, stopping without graceful exit", session.RendererID)
	}
	if session.HasProcess() {
		if err := m.local.Stop(ctx, session, rrSettings); err != nil {
			logger.Errorf("Stopping process of session %s: %v", id, err)
		}
	}
	if session.HasJob() {
		if err := m.alloc.Stop(ctx, session, rrSettings); err != nil {
			logger.Errorf("Stopping job of session %s: %v", id, err)
		}
	}

	if err := m.store.Sessions().Delete(ctx, id); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
		return errors.NewInternalError("deleting session", err)
	}
	logger.Infof("Session %s successfully destroyed", id)
	return nil
}

// Schedule allocates a rendering resource for a STOPPED session. The
// backend port is randomized and the hostname cleared before the allocator
// takes over.
func (m *Manager) Schedule(ctx context.Context, id string, job rrm.JobInformation) (*rrm.Session, error) {
	session, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != rrm.StatusStopped {
		return nil, errors.NewConflictError(session.RendererID+" is already scheduled", nil)
	}
	rrSettings, err := m.resolveSettings(ctx, session.RendererID)
	if err != nil {
		return nil, err
	}

	session.HTTPHost = ""
	session.HTTPPort = defaultRendererPort + rand.IntN(rendererPortSpread)
	session.Parameters = job.Params
	if err := m.store.Sessions().Update(ctx, session); err != nil {
		return nil, errors.NewInternalError("preparing session", err)
	}

	if err := m.alloc.Schedule(ctx, session, rrSettings, job); err != nil {
		session.Status = rrm.StatusFailed
		if updateErr := m.store.Sessions().Update(ctx, session); updateErr != nil {
			logger.Errorf("Marking session %s failed: %v", id, updateErr)
		}
		return nil, err
	}
	if err := m.store.Sessions().Update(ctx, session); err != nil {
		return nil, errors.NewInternalError("persisting session", err)
	}
	return session, nil
}

// Open spawns the rendering resource as a local process. Refused when the
// session already has one.
func (m *Manager) Open(ctx context.Context, id string, job rrm.JobInformation) (*rrm.Session, error) {
	session, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.HasProcess() {
		return nil, ErrProcessAlreadyRunning
	}
	rrSettings, err := m.resolveSettings(ctx, session.RendererID)
	if err != nil {
		return nil, err
	}

	logger.Infof("Opening %s", session.RendererID)
	session.HTTPPort = defaultRendererPort + rand.IntN(rendererPortSpread)
	if err := m.local.Start(ctx, session, rrSettings, job); err != nil {
		return nil, err
	}
	if err := m.store.Sessions().Update(ctx, session); err != nil {
		return nil, errors.NewInternalError("persisting session", err)
	}
	return session, nil
}

func (m *Manager) resolveSettings(ctx context.Context, rendererID string) (rrm.RenderingResourceSettings, error) {
	rrSettings, err := m.settings.Get(ctx, rendererID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return rrm.RenderingResourceSettings{}, errors.NewNotFoundError(
				"no settings for rendering resource "+rendererID, err)
		}
		return rrm.RenderingResourceSettings{}, errors.NewInternalError("loading settings", err)
	}
	return rrSettings, nil
}

// VerifyHostname resolves the backend hostname of a scheduled session when
// it is still unknown. A dead job deletes the session.
func (m *Manager) VerifyHostname(ctx context.Context, session *rrm.Session) error {
	if !session.HasJob() || session.HTTPHost != "" {
		return nil
	}
	logger.Debugf("Querying job hostname for job %s", session.JobID)

	if session.Status == rrm.StatusScheduled {
		if err := m.transition(ctx, session, rrm.StatusGettingHostname); err != nil {
			return err
		}
	}

	hostname, err := m.alloc.Hostname(ctx, session)
	if err != nil {
		return err
	}
	switch hostname {
	case "":
		if session.Status == rrm.StatusGettingHostname {
			if err := m.transition(ctx, session, rrm.StatusScheduled); err != nil {
				return err
			}
		}
		return errors.NewNotFoundError(
			"Job scheduled but "+session.RendererID+" is not yet running", nil)
	case allocator.HostnameFailed:
		if err := m.DeleteSession(ctx, session.ID); err != nil {
			logger.Errorf("Deleting session %s after failed job: %v", session.ID, err)
		}
		return errors.NewNotFoundError("Job has been cancelled", nil)
	default:
		session.HTTPHost = hostname
		if err := m.store.Sessions().Update(ctx, session); err != nil {
			return errors.NewInternalError("updating session", err)
		}
		logger.Infof("Resolved hostname for job %s to %s", session.JobID, hostname)
		return nil
	}
}

// QueryStatus advances the session state machine and reports the outcome.
func (m *Manager) QueryStatus(ctx context.Context, id string) (*StatusReport, error) {
	session, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	// Refresh an expired keep-alive; the sweeper only reaps sessions nobody
	// queries.
	now := time.Now().UTC()
	if session.Expired(now) {
		session.ValidUntil = now.Add(m.keepAlive())
		if err := m.store.Sessions().Update(ctx, session); err != nil {
			return nil, errors.NewInternalError("refreshing session", err)
		}
	}

	description := session.RendererID + " running on " + session.HTTPHost
	switch session.Status {
	case rrm.StatusScheduling:
		description = session.RendererID + " is being scheduled"

	case rrm.StatusScheduled, rrm.StatusGettingHostname:
		if session.HTTPHost != "" {
			if err := m.transition(ctx, session, rrm.StatusStarting); err != nil {
				return nil, err
			}
			description = session.RendererID + " is starting"
		} else {
			description = session.RendererID + " is scheduled"
		}

	case rrm.StatusStarting:
		description, err = m.advanceStarting(ctx, session)
		if err != nil {
			return nil, err
		}

	case rrm.StatusStopping:
		description = session.RendererID + " is terminating"
		if err := m.store.Sessions().Delete(ctx, id); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewInternalError("deleting session", err)
		}

	case rrm.StatusStopped:
		description = session.RendererID + " is not active"

	case rrm.StatusFailed:
		description = "Job allocation failed for " + session.RendererID
	}

	return &StatusReport{
		SessionID:   id,
		Code:        session.Status,
		Description: description,
		Hostname:    session.HTTPHost,
		Port:        session.HTTPPort,
	}, nil
}

// advanceStarting promotes a STARTING session to RUNNING once the backend
// serves its vocabulary. A session whose job silently died is deleted.
func (m *Manager) advanceStarting(ctx context.Context, session *rrm.Session) (string, error) {
	rrSettings, err := m.resolveSettings(ctx, session.RendererID)
	if err == nil && !rrSettings.WaitUntilRunning {
		if err := m.transition(ctx, session, rrm.StatusRunning); err != nil {
			return "", err
		}
		return session.RendererID + " running on " + session.HTTPHost, nil
	}

	if probeErr := m.RequestVocabulary(ctx, session); probeErr != nil {
		if session.HasJob() {
			hostname, hostErr := m.alloc.Hostname(ctx, session)
			if hostErr == nil && (hostname == "" || hostname == allocator.HostnameFailed) {
				if err := m.DeleteSession(ctx, session.ID); err != nil {
					logger.Errorf("Deleting cancelled session %s: %v", session.ID, err)
				}
				return session.RendererID + " has been cancelled. Session will be deleted", nil
			}
		}
		return session.RendererID + " is starting", nil
	}

	logger.Infof("Rendering resource %s is now running", session.RendererID)
	if err := m.transition(ctx, session, rrm.StatusRunning); err != nil {
		return "", err
	}
	return session.RendererID + " running on " + session.HTTPHost, nil
}

// RequestVocabulary probes the backend's vocabulary endpoint, retrying with
// exponential backoff. The backend counts as ready once it reports at least
// one subscribed or published topic.
func (m *Manager) RequestVocabulary(ctx context.Context, session *rrm.Session) error {
	url := session.BackendURL(vocabularyPath)
	logger.Debugf("Requesting vocabulary on %s", url)

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := m.probe.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %s", resp.Status)
		}
		return io.ReadAll(resp.Body)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 250 * time.Millisecond
	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(m.cfg.ProbeRetries),
	)
	if err != nil {
		return errors.NewBackendNotReadyError("backend is not serving yet", err)
	}

	subscribed := gjson.GetBytes(body, "subscribed").Array()
	published := gjson.GetBytes(body, "published").Array()
	if len(subscribed) == 0 && len(published) == 0 {
		return errors.NewBackendNotReadyError("no vocabulary defined", nil)
	}
	return nil
}

// KeepAlive pushes the session's expiry out by one keep-alive window.
func (m *Manager) KeepAlive(ctx context.Context, id string) (string, error) {
	session, err := m.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	session.ValidUntil = time.Now().UTC().Add(m.keepAlive())
	if err := m.store.Sessions().Update(ctx, session); err != nil {
		return "", errors.NewInternalError("refreshing session", err)
	}
	return "Session " + id + " successfully updated", nil
}

// Suspend closes the admission gate. Idempotent.
func (m *Manager) Suspend(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.global.SessionCreation {
		return "Session creation already suspended", nil
	}
	m.global.SessionCreation = false
	if err := m.store.GlobalSettings().Save(ctx, m.global); err != nil {
		m.global.SessionCreation = true
		return "", errors.NewInternalError("saving global settings", err)
	}
	return "Creation of new session now suspended", nil
}

// Resume reopens the admission gate. Idempotent.
func (m *Manager) Resume(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.global.SessionCreation {
		return "Session creation already resumed", nil
	}
	m.global.SessionCreation = true
	if err := m.store.GlobalSettings().Save(ctx, m.global); err != nil {
		m.global.SessionCreation = false
		return "", errors.NewInternalError("saving global settings", err)
	}
	return "Creation of new session now resumed", nil
}

// logUnavailable is reported when a session has no readable job output.
const logUnavailable = "Not currently available"

// logsReadable reports whether the backend's output files exist yet.
func logsReadable(session *rrm.Session) bool {
	if !session.HasJob() {
		return false
	}
	return session.Status == rrm.StatusStarting || session.Status == rrm.StatusRunning
}

// JobInformation returns the scheduler's description of the session's job.
func (m *Manager) JobInformation(ctx context.Context, session *rrm.Session) (string, error) {
	if !session.HasJob() {
		return logUnavailable, nil
	}
	return m.alloc.JobInformation(ctx, session)
}

// OutLog returns the backend's captured stdout.
func (m *Manager) OutLog(ctx context.Context, session *rrm.Session) (string, error) {
	if !logsReadable(session) {
		return logUnavailable, nil
	}
	return m.alloc.OutLog(ctx, session)
}

// ErrLog returns the backend's captured stderr.
func (m *Manager) ErrLog(ctx context.Context, session *rrm.Session) (string, error) {
	if !logsReadable(session) {
		return logUnavailable, nil
	}
	return m.alloc.ErrLog(ctx, session)
}

// Allocator exposes the job allocator to collaborators that need hostname
// checks during forwarding.
func (m *Manager) Allocator() allocator.Allocator {
	return m.alloc
}

// KeepAliveTimeout returns the configured keep-alive window.
func (m *Manager) KeepAliveTimeout() time.Duration {
	return m.keepAlive()
}
