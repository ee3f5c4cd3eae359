package allocator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/viznode/rrm/pkg/rrm"
)

func TestResolveJobSpecOverrides(t *testing.T) {
	t.Parallel()

	settings := rrm.RenderingResourceSettings{
		Queue:   "interactive",
		Project: "proj3",
		NbNodes: 1,
		NbCPUs:  4,
		NbGPUs:  1,
		Memory:  4096,
	}
	job := rrm.JobInformation{
		Queue:  "prod",
		NbCPUs: 16,
		Memory: 16384,
	}
	spec := resolveJobSpec(settings, job, "08:00:00")

	assert.Equal(t, "prod", spec.Queue)
	assert.Equal(t, "proj3", spec.Project)
	assert.Equal(t, "08:00:00", spec.AllocationTime)
	assert.Equal(t, 1, spec.NbNodes)
	assert.Equal(t, 16, spec.NbCPUs)
	assert.Equal(t, 1, spec.NbGPUs)
	assert.Equal(t, 16384, spec.Memory)
	assert.False(t, spec.Exclusive)
}

func TestStartScript(t *testing.T) {
	t.Parallel()

	settings := rrm.RenderingResourceSettings{
		ID:                            "rtneuron",
		CommandLine:                   "rtneuron-app.py --verbose",
		EnvironmentVariables:          "EQ_LOG_LEVEL=WARN DISPLAY=:0",
		Modules:                       "BBP/viz/latest nix/gcc",
		SchedulerRestParametersFormat: "--rest ${rest_hostname}:${rest_port}",
	}
	session := rrm.NewSession("alice", "rtneuron", time.Minute)
	session.HTTPHost = "node01.example.org"
	session.HTTPPort = 3000

	script := startScript(settings, session, rrm.JobInformation{Environment: "MODE=demo", Params: "--no-audio"},
		"/tmp/out.log", "/tmp/err.log")

	assert.Equal(t,
		"module purge\n"+
			"module load BBP/viz/latest\n"+
			"module load nix/gcc\n"+
			"EQ_LOG_LEVEL=WARN DISPLAY=:0 MODE=demo "+
			"rtneuron-app.py --verbose --rest node01.example.org:3000 --no-audio"+
			" > /tmp/out.log 2> /tmp/err.log &\n",
		script)
}

func TestLogFileName(t *testing.T) {
	t.Parallel()

	session := rrm.NewSession("alice", "rtneuron", time.Minute)
	session.JobID = "4711"
	assert.Equal(t, "/tmp/rrm_4711_rtneuron_out", logFileName("/tmp/rrm", session, "out"))
}
