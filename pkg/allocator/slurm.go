package allocator

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/viznode/rrm/pkg/errors"
	"github.com/viznode/rrm/pkg/logger"
	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/storage"
)

var (
	grantedRe  = regexp.MustCompile(`Granted`)
	digitsRe   = regexp.MustCompile(`\d+`)
	jobStateRe = regexp.MustCompile(`JobState=(\w+)`)
)

// SlurmAllocator provisions jobs on a SLURM cluster through SSH.
type SlurmAllocator struct {
	mu       sync.Mutex
	cfg      SSHConfig
	runner   CommandRunner
	sessions storage.SessionStore
	client   *http.Client
}

var _ Allocator = (*SlurmAllocator)(nil)

// NewSlurmAllocator creates a SLURM allocator using the given runner for
// the SSH dialogue.
func NewSlurmAllocator(cfg SSHConfig, runner CommandRunner, sessions storage.SessionStore, requestTimeout time.Duration) *SlurmAllocator {
	return &SlurmAllocator{
		cfg:      cfg,
		runner:   runner,
		sessions: sessions,
		client:   &http.Client{Timeout: requestTimeout},
	}
}

// Schedule allocates a job on the first cluster entry node that grants one,
// resolves the node the job landed on and starts the rendering resource.
func (a *SlurmAllocator) Schedule(ctx context.Context, session *rrm.Session, settings rrm.RenderingResourceSettings, job rrm.JobInformation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.allocate(ctx, session, settings, job); err != nil {
		return err
	}
	host, err := a.hostname(ctx, session)
	if err != nil {
		return err
	}
	session.HTTPHost = host
	return a.start(ctx, session, settings, job)
}

// allocate walks the candidate entry nodes until salloc grants a job.
func (a *SlurmAllocator) allocate(ctx context.Context, session *rrm.Session, settings rrm.RenderingResourceSettings, job rrm.JobInformation) error {
	var lastErr error
	for _, node := range a.cfg.EntryNodes {
		session.ClusterNode = node
		session.Status = rrm.StatusScheduling
		if err := a.sessions.Update(ctx, session); err != nil {
			return err
		}

		command := a.allocationCommand(session, settings, job)
		logger.Infof("Allocating job for session %s on %s", session.ID, node)
		_, stderr, err := a.runner.Run(ctx, node, command, "")

		if grantedRe.MatchString(stderr) {
			session.JobID = digitsRe.FindString(stderr)
			session.Status = rrm.StatusScheduled
			if err := a.sessions.Update(ctx, session); err != nil {
				return err
			}
			logger.Infof("Allocated job %s on cluster node %s", session.JobID, node)
			return nil
		}

		session.Status = rrm.StatusFailed
		if err := a.sessions.Update(ctx, session); err != nil {
			return err
		}
		if err != nil {
			logger.Errorf("salloc on %s: %v", node, err)
			lastErr = transportErrorf(err, "salloc on %s failed", node)
			continue
		}
		logger.Errorf("salloc on %s refused: %s", node, strings.TrimSpace(stderr))
		lastErr = errors.NewAllocationFailedError(strings.TrimSpace(stderr), nil)
	}
	if lastErr == nil {
		lastErr = errors.NewAllocationFailedError("no cluster entry nodes configured", nil)
	}
	return lastErr
}

func (a *SlurmAllocator) allocationCommand(session *rrm.Session, settings rrm.RenderingResourceSettings, job rrm.JobInformation) string {
	spec := resolveJobSpec(settings, job, a.cfg.DefaultTime)

	var b strings.Builder
	fmt.Fprintf(&b, "salloc --no-shell --immediate=%d -p %s --account=%s --job-name=%s_%s --time=%s",
		a.cfg.AllocationTimeout, spec.Queue, spec.Project,
		session.Owner, settings.ID, spec.AllocationTime)
	if spec.Exclusive {
		b.WriteString(" --exclusive")
	}
	if spec.NbNodes != 0 {
		fmt.Fprintf(&b, " -N %d", spec.NbNodes)
	}
	fmt.Fprintf(&b, " -c %d --gres=gpu:%d --mem=%d", spec.NbCPUs, spec.NbGPUs, spec.Memory)
	if spec.Reservation != "" {
		fmt.Fprintf(&b, " --reservation=%s", spec.Reservation)
	}
	return b.String()
}

// Start launches the rendering resource inside the allocated job.
func (a *SlurmAllocator) Start(ctx context.Context, session *rrm.Session, settings rrm.RenderingResourceSettings, job rrm.JobInformation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.start(ctx, session, settings, job)
}

func (a *SlurmAllocator) start(ctx context.Context, session *rrm.Session, settings rrm.RenderingResourceSettings, job rrm.JobInformation) error {
	session.Status = rrm.StatusStarting
	if err := a.sessions.Update(ctx, session); err != nil {
		return err
	}

	script := startScript(settings, session, job,
		logFileName(a.cfg.OutputPrefix, session, "out"),
		logFileName(a.cfg.OutputPrefix, session, "err"))
	logger.Debugf("Start script for session %s:\n%s", session.ID, script)

	// The script is piped into a login shell on the allocated node itself.
	if _, _, err := a.runner.Run(ctx, session.HTTPHost, "", script); err != nil {
		return transportErrorf(err, "starting %s on %s failed", settings.ID, session.HTTPHost)
	}

	if settings.WaitUntilRunning {
		session.Status = rrm.StatusStarting
	} else {
		session.Status = rrm.StatusRunning
	}
	return a.sessions.Update(ctx, session)
}

// Stop asks the resource to exit gracefully when configured, then cancels
// the job.
func (a *SlurmAllocator) Stop(ctx context.Context, session *rrm.Session, settings rrm.RenderingResourceSettings) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if settings.GracefulExit {
		requestGracefulExit(ctx, a.client, session)
	}
	return a.kill(ctx, session)
}

// Kill cancels the job without the graceful-exit courtesy.
func (a *SlurmAllocator) Kill(ctx context.Context, session *rrm.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.kill(ctx, session)
}

func (a *SlurmAllocator) kill(ctx context.Context, session *rrm.Session) error {
	if !session.HasJob() {
		return nil
	}
	logger.Infof("Cancelling job %s", session.JobID)
	if _, _, err := a.runner.Run(ctx, session.ClusterNode, "scancel "+session.JobID, ""); err != nil {
		return transportErrorf(err, "scancel %s failed", session.JobID)
	}
	return nil
}

// Hostname resolves the node the job landed on. The job's BatchHost is
// qualified with the domain of the cluster entry node. Returns an empty
// string while the job is pending or once it has been cancelled.
func (a *SlurmAllocator) Hostname(ctx context.Context, session *rrm.Session) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hostname(ctx, session)
}

func (a *SlurmAllocator) hostname(ctx context.Context, session *rrm.Session) (string, error) {
	host, err := a.queryAttribute(ctx, session, "BatchHost")
	if err != nil || host == "" {
		return "", err
	}
	if _, domain, found := strings.Cut(session.ClusterNode, "."); found {
		host = host + "." + domain
	}
	return host, nil
}

// queryAttribute runs scontrol and extracts one attribute of the job.
// Cancelled jobs yield an empty value.
func (a *SlurmAllocator) queryAttribute(ctx context.Context, session *rrm.Session, attribute string) (string, error) {
	if !session.HasJob() {
		return "", nil
	}
	output, err := a.scontrol(ctx, session)
	if err != nil {
		return "", err
	}
	state := jobStateRe.FindStringSubmatch(output)
	if state == nil || state[1] == "CANCELLED" {
		return "", nil
	}
	attrRe, err := regexp.Compile(attribute + `=(\w+)`)
	if err != nil {
		return "", errors.NewInternalError("bad scontrol attribute", err)
	}
	match := attrRe.FindStringSubmatch(output)
	if match == nil {
		return "", nil
	}
	logger.Debugf("Job %s: state %s, %s=%s", session.JobID, state[1], attribute, match[1])
	return match[1], nil
}

func (a *SlurmAllocator) scontrol(ctx context.Context, session *rrm.Session) (string, error) {
	stdout, _, err := a.runner.Run(ctx, session.ClusterNode, "scontrol show job "+session.JobID, "")
	if err != nil {
		return "", transportErrorf(err, "scontrol show job %s failed", session.JobID)
	}
	return stdout, nil
}

// JobInformation returns the verbatim scontrol description of the job.
func (a *SlurmAllocator) JobInformation(ctx context.Context, session *rrm.Session) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !session.HasJob() {
		return "", nil
	}
	return a.scontrol(ctx, session)
}

// OutLog returns the captured stdout of the rendering resource.
func (a *SlurmAllocator) OutLog(ctx context.Context, session *rrm.Session) (string, error) {
	return a.readLog(ctx, session, "out")
}

// ErrLog returns the captured stderr of the rendering resource.
func (a *SlurmAllocator) ErrLog(ctx context.Context, session *rrm.Session) (string, error) {
	return a.readLog(ctx, session, "err")
}

func (a *SlurmAllocator) readLog(ctx context.Context, session *rrm.Session, stream string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !session.HasJob() {
		return "", nil
	}
	file := logFileName(a.cfg.OutputPrefix, session, stream)
	stdout, _, err := a.runner.Run(ctx, session.ClusterNode, "cat "+file, "")
	if err != nil {
		return "", transportErrorf(err, "reading %s failed", file)
	}
	return stdout, nil
}
