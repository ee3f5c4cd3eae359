package allocator

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/viznode/rrm/pkg/errors"
	"github.com/viznode/rrm/pkg/logger"
	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/settings"
)

// localStopGrace is the pause between SIGTERM and SIGKILL.
const localStopGrace = 2 * time.Second

// localHost is where locally spawned rendering resources listen.
const localHost = "localhost"

// LocalAllocator runs rendering resources as child processes of the broker.
// Intended for development and co-located deployments.
type LocalAllocator struct {
	mu     sync.Mutex
	client *http.Client
}

var _ Allocator = (*LocalAllocator)(nil)

// NewLocalAllocator creates a local-process allocator.
func NewLocalAllocator(requestTimeout time.Duration) *LocalAllocator {
	return &LocalAllocator{client: &http.Client{Timeout: requestTimeout}}
}

// Schedule spawns the process immediately; there is no batch system to wait
// for. The backend endpoint is the local host on the session's port.
func (a *LocalAllocator) Schedule(ctx context.Context, session *rrm.Session, rrSettings rrm.RenderingResourceSettings, job rrm.JobInformation) error {
	return a.Start(ctx, session, rrSettings, job)
}

// Start spawns the configured executable and records its PID on the session.
func (a *LocalAllocator) Start(_ context.Context, session *rrm.Session, rrSettings rrm.RenderingResourceSettings, job rrm.JobInformation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if session.HTTPHost == "" {
		session.HTTPHost = localHost
	}

	argv := strings.Fields(rrSettings.CommandLine)
	if len(argv) == 0 {
		return errors.NewInternalError("empty command line for "+rrSettings.ID, nil)
	}
	restParams := settings.FormatRestParameters(
		rrSettings.ProcessRestParametersFormat,
		session.HTTPHost,
		session.HTTPPort,
		restSchema(rrSettings, session),
		session.JobID,
	)
	argv = append(argv, strings.Fields(restParams)...)
	argv = append(argv, strings.Fields(job.Params)...)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), strings.Fields(rrSettings.EnvironmentVariables)...)
	cmd.Env = append(cmd.Env, strings.Fields(job.Environment)...)

	logger.Infof("Launching %s with %v", rrSettings.ID, argv)
	if err := cmd.Start(); err != nil {
		return transportErrorf(err, "launching %s failed", rrSettings.ID)
	}
	session.ProcessPID = cmd.Process.Pid
	session.Status = rrm.StatusStarting

	// Reap the child when it exits so it never lingers as a zombie.
	go func() { _ = cmd.Wait() }()
	return nil
}

// Stop asks the process to exit gracefully when configured, sends SIGTERM,
// waits briefly and SIGKILLs a survivor.
func (a *LocalAllocator) Stop(ctx context.Context, session *rrm.Session, rrSettings rrm.RenderingResourceSettings) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !session.HasProcess() {
		return errors.NewNotFoundError("process does not exist", nil)
	}
	if rrSettings.GracefulExit {
		requestGracefulExit(ctx, a.client, session)
	}

	logger.Infof("Terminating process %d", session.ProcessPID)
	process, err := os.FindProcess(session.ProcessPID)
	if err != nil {
		return errors.NewInternalError("finding process", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		session.ProcessPID = rrm.NoProcess
		return nil
	}

	select {
	case <-time.After(localStopGrace):
	case <-ctx.Done():
	}
	a.killProcess(session)
	return nil
}

// Kill terminates the process without the graceful-exit courtesy.
func (a *LocalAllocator) Kill(_ context.Context, session *rrm.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !session.HasProcess() {
		return nil
	}
	a.killProcess(session)
	return nil
}

// killProcess SIGKILLs the session's process if it is still alive and
// detaches the PID from the session.
func (a *LocalAllocator) killProcess(session *rrm.Session) {
	process, err := os.FindProcess(session.ProcessPID)
	if err == nil && process.Signal(syscall.Signal(0)) == nil {
		logger.Infof("Process %d survived SIGTERM, killing it", session.ProcessPID)
		_ = process.Kill()
	}
	session.ProcessPID = rrm.NoProcess
}

// Hostname returns the local endpoint; there is no allocation to track.
func (a *LocalAllocator) Hostname(_ context.Context, session *rrm.Session) (string, error) {
	if session.HTTPHost != "" {
		return session.HTTPHost, nil
	}
	return localHost, nil
}

// JobInformation reports the attached process, if any.
func (a *LocalAllocator) JobInformation(_ context.Context, session *rrm.Session) (string, error) {
	if !session.HasProcess() {
		return "", nil
	}
	return "process " + strconv.Itoa(session.ProcessPID), nil
}

// OutLog is not captured for local processes.
func (a *LocalAllocator) OutLog(_ context.Context, _ *rrm.Session) (string, error) {
	return "", nil
}

// ErrLog is not captured for local processes.
func (a *LocalAllocator) ErrLog(_ context.Context, _ *rrm.Session) (string, error) {
	return "", nil
}
