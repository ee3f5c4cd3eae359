package allocator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/viznode/rrm/pkg/errors"
	"github.com/viznode/rrm/pkg/logger"
	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/storage"
)

const (
	unicoreRequestTimeout = 30 * time.Second
	defaultMaxLogSize     = 2 << 20
)

var (
	siteBaseRe = regexp.MustCompile(`(https?://\S+/rest/core)`)
	siteNameRe = regexp.MustCompile(`https?://\S+/(\S+)/rest/core`)
	hostnameRe = regexp.MustCompile(`HOSTNAME=([\w.-]+)`)
)

// UnicoreAllocator provisions jobs on a UNICORE REST grid. Authentication
// is a bearer token attached to every call.
type UnicoreAllocator struct {
	mu         sync.Mutex
	cfg        UnicoreConfig
	sessions   storage.SessionStore
	client     *http.Client
	exitClient *http.Client
}

var _ Allocator = (*UnicoreAllocator)(nil)

// NewUnicoreAllocator creates a UNICORE allocator for the configured registry.
func NewUnicoreAllocator(cfg UnicoreConfig, sessions storage.SessionStore, requestTimeout time.Duration) *UnicoreAllocator {
	if cfg.MaxLogSize == 0 {
		cfg.MaxLogSize = defaultMaxLogSize
	}
	return &UnicoreAllocator{
		cfg:        cfg,
		sessions:   sessions,
		client:     &http.Client{Timeout: unicoreRequestTimeout},
		exitClient: &http.Client{Timeout: requestTimeout},
	}
}

// Schedule submits a job to the configured site and stages the start script
// into its working directory. The job is started later, when Hostname
// observes it READY.
func (a *UnicoreAllocator) Schedule(ctx context.Context, session *rrm.Session, settings rrm.RenderingResourceSettings, job rrm.JobInformation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	session.Status = rrm.StatusScheduling
	if err := a.sessions.Update(ctx, session); err != nil {
		return err
	}

	siteURL, err := a.resolveSite(ctx)
	if err != nil {
		return err
	}

	props, err := a.get(ctx, siteURL)
	if err != nil {
		return err
	}
	if gjson.GetBytes(props, "client.role.selected").String() != "user" {
		logger.Errorf("Account is not registered on site %s", a.cfg.Site)
	}
	a.clearJobs(ctx, props)

	spec := resolveJobSpec(settings, job, "")
	nodes := spec.NbNodes
	if nodes < 1 {
		nodes = 1
	}
	doc := map[string]any{
		"ApplicationName":   "Bash shell",
		"Parameters":        map[string]string{"SOURCE": "input.sh"},
		"Resources":         map[string]int{"Nodes": nodes},
		"haveClientStageIn": true,
	}
	if err := a.submit(ctx, siteURL, doc, session); err != nil {
		return err
	}

	script := unicoreScript(settings, session, job)
	if err := a.upload(ctx, session.WorkDir+"/files/input.sh", script); err != nil {
		return err
	}

	session.Status = rrm.StatusScheduled
	if err := a.sessions.Update(ctx, session); err != nil {
		return err
	}
	logger.Infof("Job submitted to %s", session.JobID)
	return nil
}

// resolveSite lists the registry's sites and picks the configured one.
func (a *UnicoreAllocator) resolveSite(ctx context.Context) (string, error) {
	body, err := a.get(ctx, a.cfg.RegistryURL)
	if err != nil {
		return "", err
	}
	var siteURL string
	gjson.GetBytes(body, "entries").ForEach(func(_, entry gjson.Result) bool {
		if entry.Get("type").String() != "TargetSystemFactory" {
			return true
		}
		href := entry.Get("href").String()
		name := siteNameRe.FindStringSubmatch(href)
		base := siteBaseRe.FindStringSubmatch(href)
		if name != nil && base != nil && name[1] == a.cfg.Site {
			siteURL = base[1]
			return false
		}
		return true
	})
	if siteURL == "" {
		return "", errors.NewAllocationFailedError(
			fmt.Sprintf("site %s not found in registry", a.cfg.Site), nil)
	}
	return siteURL, nil
}

// clearJobs deletes stale job placeholders left by previous runs.
func (a *UnicoreAllocator) clearJobs(ctx context.Context, siteProps []byte) {
	jobsURL := gjson.GetBytes(siteProps, "_links.jobs.href").String()
	if jobsURL == "" {
		return
	}
	body, err := a.get(ctx, jobsURL)
	if err != nil {
		logger.Warnf("Listing jobs failed: %v", err)
		return
	}
	for _, job := range gjson.GetBytes(body, "jobs").Array() {
		if err := a.delete(ctx, job.String()); err != nil {
			logger.Warnf("Deleting job %s failed: %v", job.String(), err)
		}
	}
}

// submit posts the job document and resolves the job and working-directory
// URLs onto the session.
func (a *UnicoreAllocator) submit(ctx context.Context, siteURL string, doc map[string]any, session *rrm.Session) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return errors.NewInternalError("encoding job document", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, siteURL+"/jobs", bytes.NewReader(payload))
	if err != nil {
		return errors.NewInternalError("building job request", err)
	}
	a.setHeaders(req, "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return transportErrorf(err, "submitting job to %s failed", siteURL)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		message := gjson.GetBytes(body, "errorMessage").String()
		if message == "" {
			message = resp.Status
		}
		return errors.NewAllocationFailedError("submitting job: "+message, nil)
	}
	session.JobID = resp.Header.Get("Location")

	props, err := a.get(ctx, session.JobID)
	if err != nil {
		return err
	}
	if self := gjson.GetBytes(props, "_links.self.href").String(); self != "" {
		session.JobID = self
	}
	session.WorkDir = gjson.GetBytes(props, "_links.workingDirectory.href").String()
	return nil
}

func (a *UnicoreAllocator) upload(ctx context.Context, url, content string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader(content))
	if err != nil {
		return errors.NewInternalError("building upload request", err)
	}
	a.setHeaders(req, "application/octet-stream")
	resp, err := a.client.Do(req)
	if err != nil {
		return transportErrorf(err, "uploading %s failed", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return transportErrorf(nil, "uploading %s: unexpected status %s", url, resp.Status)
	}
	return nil
}

// Start invokes the job's start action. The staged input.sh runs once the
// grid releases the job.
func (a *UnicoreAllocator) Start(ctx context.Context, session *rrm.Session, settings rrm.RenderingResourceSettings, _ rrm.JobInformation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.invokeStart(ctx, session); err != nil {
		return err
	}
	if !settings.WaitUntilRunning {
		session.Status = rrm.StatusRunning
		return a.sessions.Update(ctx, session)
	}
	return nil
}

func (a *UnicoreAllocator) invokeStart(ctx context.Context, session *rrm.Session) error {
	props, err := a.get(ctx, session.JobID)
	if err != nil {
		return err
	}
	actionURL := gjson.GetBytes(props, `_links.action:start.href`).String()
	if actionURL == "" {
		return transportErrorf(nil, "job %s has no start action", session.JobID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, actionURL, strings.NewReader("{}"))
	if err != nil {
		return errors.NewInternalError("building start request", err)
	}
	a.setHeaders(req, "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return transportErrorf(err, "starting job %s failed", session.JobID)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return transportErrorf(nil, "starting job %s: unexpected status %s", session.JobID, resp.Status)
	}
	return nil
}

// Stop requests a graceful exit when configured, then deletes the job.
func (a *UnicoreAllocator) Stop(ctx context.Context, session *rrm.Session, settings rrm.RenderingResourceSettings) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if settings.GracefulExit {
		requestGracefulExit(ctx, a.exitClient, session)
	}
	return a.deleteJob(ctx, session)
}

// Kill deletes the job, swallowing failures.
func (a *UnicoreAllocator) Kill(ctx context.Context, session *rrm.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.deleteJob(ctx, session); err != nil {
		logger.Warnf("Killing job %s: %v", session.JobID, err)
	}
	return nil
}

func (a *UnicoreAllocator) deleteJob(ctx context.Context, session *rrm.Session) error {
	if !session.HasJob() {
		return nil
	}
	return a.delete(ctx, session.JobID)
}

// Hostname dispatches on the job status: a READY job is started, a finished
// job is deleted and reported as HostnameFailed, and a starting job has its
// stderr scanned for the HOSTNAME= line the start script emits.
func (a *UnicoreAllocator) Hostname(ctx context.Context, session *rrm.Session) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	props, err := a.get(ctx, session.JobID)
	if err != nil {
		return "", err
	}
	status := gjson.GetBytes(props, "status").String()
	logger.Debugf("Job %s status is %s", session.JobID, status)

	switch status {
	case "READY":
		if err := a.invokeStart(ctx, session); err != nil {
			return "", err
		}
		return "", nil
	case "SUCCESSFUL", "FAILED":
		if err := a.deleteJob(ctx, session); err != nil {
			logger.Warnf("Deleting finished job %s: %v", session.JobID, err)
		}
		return HostnameFailed, nil
	default:
		content, err := a.fileContent(ctx, session.WorkDir+"/files/stderr")
		if err != nil {
			logger.Debugf("Reading job stderr: %v", err)
			return "", nil
		}
		match := hostnameRe.FindStringSubmatch(content)
		if match == nil {
			return "", nil
		}
		return match[1], nil
	}
}

// JobInformation returns the job's raw properties document.
func (a *UnicoreAllocator) JobInformation(ctx context.Context, session *rrm.Session) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !session.HasJob() {
		return "", nil
	}
	props, err := a.get(ctx, session.JobID)
	if err != nil {
		return "", err
	}
	return string(props), nil
}

// OutLog returns the job's captured stdout.
func (a *UnicoreAllocator) OutLog(ctx context.Context, session *rrm.Session) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fileContent(ctx, session.WorkDir+"/files/stdout")
}

// ErrLog returns the job's captured stderr.
func (a *UnicoreAllocator) ErrLog(ctx context.Context, session *rrm.Session) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fileContent(ctx, session.WorkDir+"/files/stderr")
}

// fileContent downloads a file from the job's working directory, rejecting
// files larger than the configured cap.
func (a *UnicoreAllocator) fileContent(ctx context.Context, fileURL string) (string, error) {
	props, err := a.get(ctx, fileURL)
	if err != nil {
		return "", err
	}
	if size := gjson.GetBytes(props, "size").Int(); size > a.cfg.MaxLogSize {
		return "", transportErrorf(nil, "file %s too large (%d bytes)", fileURL, size)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", errors.NewInternalError("building download request", err)
	}
	a.setHeaders(req, "application/octet-stream")
	req.Header.Set("Accept", "application/octet-stream")
	resp, err := a.client.Do(req)
	if err != nil {
		return "", transportErrorf(err, "downloading %s failed", fileURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", transportErrorf(nil, "downloading %s: unexpected status %s", fileURL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxLogSize))
	if err != nil {
		return "", transportErrorf(err, "reading %s failed", fileURL)
	}
	return string(body), nil
}

func (a *UnicoreAllocator) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.NewInternalError("building request", err)
	}
	a.setHeaders(req, "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, transportErrorf(err, "GET %s failed", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, transportErrorf(nil, "GET %s: unexpected status %s", url, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportErrorf(err, "reading %s failed", url)
	}
	return body, nil
}

func (a *UnicoreAllocator) delete(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return errors.NewInternalError("building request", err)
	}
	a.setHeaders(req, "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return transportErrorf(err, "DELETE %s failed", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return transportErrorf(nil, "DELETE %s: unexpected status %s", url, resp.Status)
	}
	return nil
}

func (a *UnicoreAllocator) setHeaders(req *http.Request, contentType string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", contentType)
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
}
