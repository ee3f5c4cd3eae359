// Package allocator provisions rendering resources on a batch scheduler
// reachable over SSH, on a UNICORE REST grid, or as a local process. All
// three backends implement the same capability set; the session manager
// picks one at startup and never mixes them.
package allocator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/viznode/rrm/pkg/errors"
	"github.com/viznode/rrm/pkg/logger"
	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/storage"
)

// HostnameFailed is the sentinel returned by Hostname when the backing job
// is dead. Callers must tear the session down when they see it.
const HostnameFailed = "FAILED"

// exitPath is the backend endpoint used for a graceful shutdown request.
const exitPath = "v1/exit"

// Allocator is the uniform contract of the three provisioning backends.
// Implementations serialize their scheduler dialogue behind an internal
// mutex, so two concurrent Schedule calls observe a total order.
type Allocator interface {
	// Schedule allocates a job for the session and starts the rendering
	// resource on the granted node. The session row is mutated and
	// persisted as the allocation advances.
	Schedule(ctx context.Context, session *rrm.Session, settings rrm.RenderingResourceSettings, job rrm.JobInformation) error

	// Start launches the rendering resource inside an already allocated
	// job or, for the local backend, as a child process.
	Start(ctx context.Context, session *rrm.Session, settings rrm.RenderingResourceSettings, job rrm.JobInformation) error

	// Stop requests a graceful exit when the settings ask for one, then
	// cancels the job or terminates the process.
	Stop(ctx context.Context, session *rrm.Session, settings rrm.RenderingResourceSettings) error

	// Kill cancels the job or process without the graceful-exit courtesy.
	Kill(ctx context.Context, session *rrm.Session) error

	// Hostname resolves the node the job landed on. It returns an empty
	// string while the job is still pending and HostnameFailed when the
	// job is dead.
	Hostname(ctx context.Context, session *rrm.Session) (string, error)

	// JobInformation returns the scheduler's verbatim description of the job.
	JobInformation(ctx context.Context, session *rrm.Session) (string, error)

	// OutLog and ErrLog return the rendering resource's captured output.
	OutLog(ctx context.Context, session *rrm.Session) (string, error)
	ErrLog(ctx context.Context, session *rrm.Session) (string, error)
}

// Backend names accepted by New.
const (
	BackendSlurm   = "slurm"
	BackendUnicore = "unicore"
	BackendLocal   = "local"
)

// SSHConfig configures the SLURM backend's SSH dialogue.
type SSHConfig struct {
	User    string
	KeyPath string
	// EntryNodes are the cluster frontends tried in order during allocation.
	EntryNodes []string
	// DefaultTime is the salloc --time value when the request carries none.
	DefaultTime string
	// AllocationTimeout is the salloc --immediate value, in seconds.
	AllocationTimeout int
	// OutputPrefix is the remote path prefix of the captured log files.
	OutputPrefix string
}

// UnicoreConfig configures the UNICORE REST backend.
type UnicoreConfig struct {
	RegistryURL string
	Site        string
	Token       string
	// MaxLogSize caps remote log downloads, in bytes.
	MaxLogSize int64
}

// Config selects and configures an allocator backend.
type Config struct {
	Backend string
	SSH     SSHConfig
	Unicore UnicoreConfig
	// RequestTimeout bounds graceful-exit and probe calls to the backend.
	RequestTimeout time.Duration
}

// New builds the allocator selected by the config.
func New(cfg Config, sessions storage.SessionStore) (Allocator, error) {
	switch cfg.Backend {
	case BackendSlurm:
		runner, err := NewSSHRunner(cfg.SSH.User, cfg.SSH.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("creating ssh runner: %w", err)
		}
		return NewSlurmAllocator(cfg.SSH, runner, sessions, cfg.RequestTimeout), nil
	case BackendUnicore:
		return NewUnicoreAllocator(cfg.Unicore, sessions, cfg.RequestTimeout), nil
	case BackendLocal:
		return NewLocalAllocator(cfg.RequestTimeout), nil
	default:
		return nil, fmt.Errorf("unknown allocator backend %q", cfg.Backend)
	}
}

// requestGracefulExit asks the rendering resource to shut itself down.
// Failures are logged and swallowed; the caller proceeds to kill anyway.
func requestGracefulExit(ctx context.Context, client *http.Client, session *rrm.Session) {
	if session.HTTPHost == "" {
		return
	}
	url := session.BackendURL(exitPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Warnf("Graceful exit of %s failed: %v", session.RendererID, err)
		return
	}
	_ = resp.Body.Close()
}

// transportErrorf wraps a network-level failure in the error taxonomy.
func transportErrorf(err error, format string, args ...any) error {
	return errors.NewTransportError(fmt.Sprintf(format, args...), err)
}
