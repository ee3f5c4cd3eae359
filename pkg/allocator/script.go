package allocator

import (
	"fmt"
	"strings"

	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/settings"
)

// jobSpec holds the effective allocation parameters after applying the
// per-call overrides on top of the rendering-resource settings. A non-zero
// override always wins.
type jobSpec struct {
	Queue          string
	Project        string
	Reservation    string
	AllocationTime string
	Exclusive      bool
	NbNodes        int
	NbCPUs         int
	NbGPUs         int
	Memory         int
}

func resolveJobSpec(rrSettings rrm.RenderingResourceSettings, job rrm.JobInformation, defaultTime string) jobSpec {
	spec := jobSpec{
		Queue:          rrSettings.Queue,
		Project:        rrSettings.Project,
		Reservation:    job.Reservation,
		AllocationTime: defaultTime,
		Exclusive:      rrSettings.Exclusive || job.ExclusiveAllocation,
		NbNodes:        rrSettings.NbNodes,
		NbCPUs:         rrSettings.NbCPUs,
		NbGPUs:         rrSettings.NbGPUs,
		Memory:         rrSettings.Memory,
	}
	if job.Queue != "" {
		spec.Queue = job.Queue
	}
	if job.Project != "" {
		spec.Project = job.Project
	}
	if job.AllocationTime != "" {
		spec.AllocationTime = job.AllocationTime
	}
	if job.NbNodes != 0 {
		spec.NbNodes = job.NbNodes
	}
	if job.NbCPUs != 0 {
		spec.NbCPUs = job.NbCPUs
	}
	if job.NbGPUs != 0 {
		spec.NbGPUs = job.NbGPUs
	}
	if job.Memory != 0 {
		spec.Memory = job.Memory
	}
	return spec
}

// restSchema derives the per-session schema token handed to the rendering
// resource through the ${rest_schema} placeholder.
func restSchema(rrSettings rrm.RenderingResourceSettings, session *rrm.Session) string {
	return "rest" + rrSettings.ID + session.ID
}

// schedulerRestParameters expands the scheduler-side parameter template for
// the session's resolved endpoint.
func schedulerRestParameters(rrSettings rrm.RenderingResourceSettings, session *rrm.Session) string {
	return settings.FormatRestParameters(
		rrSettings.SchedulerRestParametersFormat,
		session.HTTPHost,
		session.HTTPPort,
		restSchema(rrSettings, session),
		session.JobID,
	)
}

// startScript builds the shell program that launches the rendering resource
// on an allocated node. Output is redirected to the given files and the
// process is detached with a trailing ampersand.
func startScript(rrSettings rrm.RenderingResourceSettings, session *rrm.Session, job rrm.JobInformation, outFile, errFile string) string {
	var b strings.Builder
	b.WriteString("module purge\n")
	for _, module := range strings.Fields(rrSettings.Modules) {
		b.WriteString("module load " + module + "\n")
	}

	env := strings.Fields(rrSettings.EnvironmentVariables)
	env = append(env, strings.Fields(job.Environment)...)
	for _, variable := range env {
		b.WriteString(variable + " ")
	}

	b.WriteString(rrSettings.CommandLine)
	args := strings.Fields(schedulerRestParameters(rrSettings, session))
	args = append(args, strings.Fields(job.Params)...)
	for _, arg := range args {
		b.WriteString(" " + arg)
	}

	b.WriteString(" > " + outFile)
	b.WriteString(" 2> " + errFile)
	b.WriteString(" &\n")
	return b.String()
}

// unicoreScript wraps startScript into the input.sh staged to the UNICORE
// working directory. The hostname echo feeds the HOSTNAME= parse performed
// while the job is starting.
func unicoreScript(rrSettings rrm.RenderingResourceSettings, session *rrm.Session, job rrm.JobInformation) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("echo \"HOSTNAME=$(hostname -s)\" >&2\n")
	b.WriteString(startScript(rrSettings, session, job, "stdout", "stderr"))
	return b.String()
}

// logFileName composes the remote path of a captured log stream.
// The stream argument is "out" or "err".
func logFileName(prefix string, session *rrm.Session, stream string) string {
	return fmt.Sprintf("%s_%s_%s_%s", prefix, session.JobID, session.RendererID, stream)
}
