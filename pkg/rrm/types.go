// Package rrm defines the core domain types of the rendering-resource
// broker: user sessions, rendering-resource settings, and the per-request
// job overrides handed to the allocators.
package rrm

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

// Session lifecycle states. A session advances monotonically through these
// except for the Scheduled <-> GettingHostname pair, which is recoverable.
const (
	StatusStopped         SessionStatus = "STOPPED"
	StatusScheduling      SessionStatus = "SCHEDULING"
	StatusScheduled       SessionStatus = "SCHEDULED"
	StatusGettingHostname SessionStatus = "GETTING_HOSTNAME"
	StatusStarting        SessionStatus = "STARTING"
	StatusRunning         SessionStatus = "RUNNING"
	StatusStopping        SessionStatus = "STOPPING"
	StatusFailed          SessionStatus = "FAILED"
)

// NoProcess is the ProcessPID value of a session with no local process attached.
const NoProcess = -1

// CookieName is the HTTP cookie carrying the session id.
const CookieName = "HBP"

// Session binds a user cookie to one live rendering resource and its
// allocator state.
type Session struct {
	ID         string        `json:"id"`
	Owner      string        `json:"owner"`
	RendererID string        `json:"renderer_id"`
	Created    time.Time     `json:"created"`
	ValidUntil time.Time     `json:"valid_until"`
	Status     SessionStatus `json:"status"`

	// JobID is opaque to the core; a SLURM job number or a UNICORE job URL.
	JobID string `json:"job_id"`
	// ProcessPID is the PID of a locally spawned process, NoProcess otherwise.
	ProcessPID int `json:"process_pid"`

	// Backend endpoint discovered after allocation; empty until resolved.
	HTTPHost string `json:"http_host"`
	HTTPPort int    `json:"http_port"`

	// ClusterNode is the batch-scheduler entry node the SSH dialogue runs
	// against.
	ClusterNode string `json:"cluster_node"`
	// WorkDir is the UNICORE working-directory URL of the job, if any.
	WorkDir string `json:"work_dir,omitempty"`

	// Last-seen client-supplied blobs, opaque to the broker.
	Parameters string `json:"parameters,omitempty"`
	Command    string `json:"command,omitempty"`

	// Version counts updates for optimistic concurrency control in the store.
	Version int64 `json:"-"`
}

// NewSession creates a session in the STOPPED state, valid for keepAlive
// from now.
func NewSession(owner, rendererID string, keepAlive time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         uuid.NewString(),
		Owner:      owner,
		RendererID: rendererID,
		Created:    now,
		ValidUntil: now.Add(keepAlive),
		Status:     StatusStopped,
		ProcessPID: NoProcess,
		HTTPHost:   "",
	}
}

// HasJob reports whether a scheduler job is attached to the session.
func (s *Session) HasJob() bool {
	return s.JobID != ""
}

// HasProcess reports whether a local process is attached to the session.
func (s *Session) HasProcess() bool {
	return s.ProcessPID != NoProcess
}

// BackendURL composes the HTTP URL of the backend for the given path.
// The path must not carry a leading slash.
func (s *Session) BackendURL(path string) string {
	return fmt.Sprintf("http://%s:%d/%s", s.HTTPHost, s.HTTPPort, path)
}

// Expired reports whether the session's keep-alive window has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ValidUntil)
}

// validTransitions encodes the forward-only state machine. The
// Scheduled <-> GettingHostname pair is the single recoverable cycle.
var validTransitions = map[SessionStatus][]SessionStatus{
	StatusStopped:         {StatusScheduling, StatusStarting, StatusStopping},
	StatusScheduling:      {StatusScheduled, StatusFailed, StatusStopping},
	StatusScheduled:       {StatusGettingHostname, StatusStarting, StatusStopping},
	StatusGettingHostname: {StatusScheduled, StatusStarting, StatusStopping},
	StatusStarting:        {StatusRunning, StatusStopping, StatusFailed},
	StatusRunning:         {StatusStopping},
	StatusStopping:        {},
	StatusFailed:          {StatusStopping},
}

// ValidTransition reports whether moving from one status to another is a
// legal state-machine step. Self transitions are always legal.
func ValidTransition(from, to SessionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RenderingResourceSettings describes how to launch a rendering binary.
// Keyed by a lowercase name of at most 50 characters.
type RenderingResourceSettings struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	// CommandLine is the executable and its fixed arguments.
	CommandLine string `json:"command_line"`
	// EnvironmentVariables holds whitespace-separated K=V pairs.
	EnvironmentVariables string `json:"environment_variables"`
	// Modules holds whitespace-separated environment-module names.
	Modules string `json:"modules"`

	// Parameter templates carrying the ${rest_hostname}, ${rest_port},
	// ${rest_schema} and ${job_id} placeholders.
	ProcessRestParametersFormat   string `json:"process_rest_parameters_format"`
	SchedulerRestParametersFormat string `json:"scheduler_rest_parameters_format"`

	Project   string `json:"project"`
	Queue     string `json:"queue"`
	Exclusive bool   `json:"exclusive"`
	NbNodes   int    `json:"nb_nodes"`
	NbCPUs    int    `json:"nb_cpus"`
	NbGPUs    int    `json:"nb_gpus"`
	Memory    int    `json:"memory"`

	// GracefulExit requests a PUT /v1/exit against the backend before the
	// job or process is killed.
	GracefulExit bool `json:"graceful_exit"`
	// WaitUntilRunning defers the RUNNING state until the readiness probe
	// passes.
	WaitUntilRunning bool `json:"wait_until_running"`
}

// SystemGlobalSettings is the admission gate and keep-alive configuration,
// persisted as a singleton row.
type SystemGlobalSettings struct {
	// SessionCreation gates admission of new sessions.
	SessionCreation bool `json:"session_creation"`
	// SessionKeepAliveTimeout is the idle expiry, in seconds.
	SessionKeepAliveTimeout int `json:"session_keep_alive_timeout"`
}

// KeepAlive returns the keep-alive timeout as a duration.
func (s SystemGlobalSettings) KeepAlive() time.Duration {
	return time.Duration(s.SessionKeepAliveTimeout) * time.Second
}

// JobInformation carries per-call overrides for an allocation. Non-zero
// values take precedence over the rendering-resource settings.
type JobInformation struct {
	Name                string `json:"name,omitempty"`
	Params              string `json:"params,omitempty"`
	Environment         string `json:"environment,omitempty"`
	Reservation         string `json:"reservation_name,omitempty"`
	Project             string `json:"project,omitempty"`
	ExclusiveAllocation bool   `json:"exclusive_allocation,omitempty"`
	NbNodes             int    `json:"nb_nodes,omitempty"`
	NbCPUs              int    `json:"nb_cpus,omitempty"`
	NbGPUs              int    `json:"nb_gpus,omitempty"`
	Memory              int    `json:"memory,omitempty"`
	Queue               string `json:"queue_name,omitempty"`
	AllocationTime      string `json:"allocation_time,omitempty"`
}
