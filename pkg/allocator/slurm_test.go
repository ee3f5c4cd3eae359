package allocator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viznode/rrm/pkg/errors"
	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/storage"
)

// memStore is a minimal in-memory session store for allocator tests.
type memStore struct {
	sessions map[string]*rrm.Session
}

func newMemStore(sessions ...*rrm.Session) *memStore {
	s := &memStore{sessions: map[string]*rrm.Session{}}
	for _, session := range sessions {
		copied := *session
		s.sessions[session.ID] = &copied
	}
	return s
}

func (s *memStore) Create(_ context.Context, session *rrm.Session) error {
	if _, ok := s.sessions[session.ID]; ok {
		return storage.ErrAlreadyExists
	}
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*rrm.Session, error) {
	session, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *memStore) Update(_ context.Context, session *rrm.Session) error {
	if _, ok := s.sessions[session.ID]; !ok {
		return storage.ErrNotFound
	}
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	if _, ok := s.sessions[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *memStore) List(_ context.Context) ([]*rrm.Session, error) {
	all := make([]*rrm.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		copied := *session
		all = append(all, &copied)
	}
	return all, nil
}

// runnerCall records one remote invocation.
type runnerCall struct {
	Host    string
	Command string
	Stdin   string
}

// fakeRunner scripts remote command results per host/command.
type fakeRunner struct {
	calls   []runnerCall
	handler func(host, command, stdin string) (string, string, error)
}

func (r *fakeRunner) Run(_ context.Context, host, command, stdin string) (string, string, error) {
	r.calls = append(r.calls, runnerCall{Host: host, Command: command, Stdin: stdin})
	return r.handler(host, command, stdin)
}

func slurmTestConfig(nodes ...string) SSHConfig {
	return SSHConfig{
		User:              "vizuser",
		EntryNodes:        nodes,
		DefaultTime:       "08:00:00",
		AllocationTimeout: 300,
		OutputPrefix:      "/gpfs/proj3/tmp/rrm",
	}
}

func slurmTestSettings() rrm.RenderingResourceSettings {
	return rrm.RenderingResourceSettings{
		ID:                            "rtneuron",
		CommandLine:                   "rtneuron-app.py",
		Modules:                       "BBP/viz/latest",
		SchedulerRestParametersFormat: "--rest ${rest_hostname}:${rest_port}",
		Project:                       "proj3",
		Queue:                         "interactive",
		NbCPUs:                        4,
		NbGPUs:                        1,
		Memory:                        8192,
	}
}

func TestSlurmAllocationCommand(t *testing.T) {
	t.Parallel()
	a := NewSlurmAllocator(slurmTestConfig("bbpviz1.cscs.ch"), &fakeRunner{}, newMemStore(), time.Second)

	session := rrm.NewSession("alice", "rtneuron", time.Minute)
	command := a.allocationCommand(session, slurmTestSettings(), rrm.JobInformation{})
	assert.Equal(t,
		"salloc --no-shell --immediate=300 -p interactive --account=proj3"+
			" --job-name=alice_rtneuron --time=08:00:00 -c 4 --gres=gpu:1 --mem=8192",
		command)
}

func TestSlurmAllocationCommandOverrides(t *testing.T) {
	t.Parallel()
	a := NewSlurmAllocator(slurmTestConfig("bbpviz1.cscs.ch"), &fakeRunner{}, newMemStore(), time.Second)

	session := rrm.NewSession("alice", "rtneuron", time.Minute)
	job := rrm.JobInformation{
		Queue:               "prod",
		Reservation:         "demo_res",
		ExclusiveAllocation: true,
		NbNodes:             2,
		NbCPUs:              16,
		AllocationTime:      "01:00:00",
	}
	command := a.allocationCommand(session, slurmTestSettings(), job)
	assert.Equal(t,
		"salloc --no-shell --immediate=300 -p prod --account=proj3"+
			" --job-name=alice_rtneuron --time=01:00:00 --exclusive -N 2"+
			" -c 16 --gres=gpu:1 --mem=8192 --reservation=demo_res",
		command)
}

func TestSlurmScheduleGrantsJob(t *testing.T) {
	t.Parallel()

	session := rrm.NewSession("alice", "rtneuron", time.Minute)
	session.HTTPPort = 3001
	store := newMemStore(session)

	runner := &fakeRunner{handler: func(_, command, _ string) (string, string, error) {
		switch {
		case command == "":
			return "", "", nil
		case command == "scontrol show job 12345":
			return "JobId=12345 JobState=RUNNING BatchHost=bbpviz012", "", nil
		default: // salloc
			return "", "salloc: Granted job allocation 12345", nil
		}
	}}

	a := NewSlurmAllocator(slurmTestConfig("bbpviz1.cscs.ch"), runner, store, time.Second)
	err := a.Schedule(t.Context(), session, slurmTestSettings(), rrm.JobInformation{Params: "--demo"})
	require.NoError(t, err)

	assert.Equal(t, "12345", session.JobID)
	assert.Equal(t, "bbpviz1.cscs.ch", session.ClusterNode)
	assert.Equal(t, "bbpviz012.cscs.ch", session.HTTPHost)
	assert.Equal(t, rrm.StatusRunning, session.Status)

	// The start script is piped into a login shell on the allocated node.
	last := runner.calls[len(runner.calls)-1]
	assert.Equal(t, "bbpviz012.cscs.ch", last.Host)
	assert.Empty(t, last.Command)
	assert.Contains(t, last.Stdin, "module purge\n")
	assert.Contains(t, last.Stdin, "module load BBP/viz/latest\n")
	assert.Contains(t, last.Stdin, "rtneuron-app.py --rest bbpviz012.cscs.ch:3001 --demo")
	assert.Contains(t, last.Stdin, "> /gpfs/proj3/tmp/rrm_12345_rtneuron_out")
	assert.Contains(t, last.Stdin, "2> /gpfs/proj3/tmp/rrm_12345_rtneuron_err")

	persisted, err := store.Get(t.Context(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, rrm.StatusRunning, persisted.Status)
}

func TestSlurmScheduleWaitUntilRunning(t *testing.T) {
	t.Parallel()

	session := rrm.NewSession("alice", "rtneuron", time.Minute)
	store := newMemStore(session)
	runner := &fakeRunner{handler: func(_, command, _ string) (string, string, error) {
		if command == "scontrol show job 7" {
			return "JobState=RUNNING BatchHost=node01", "", nil
		}
		return "", "Granted job allocation 7", nil
	}}

	settings := slurmTestSettings()
	settings.WaitUntilRunning = true
	a := NewSlurmAllocator(slurmTestConfig("viz1.example.org"), runner, store, time.Second)
	require.NoError(t, a.Schedule(t.Context(), session, settings, rrm.JobInformation{}))
	assert.Equal(t, rrm.StatusStarting, session.Status)
}

func TestSlurmScheduleTriesNextCandidate(t *testing.T) {
	t.Parallel()

	session := rrm.NewSession("bob", "livre", time.Minute)
	store := newMemStore(session)
	runner := &fakeRunner{handler: func(host, command, _ string) (string, string, error) {
		if command == "scontrol show job 99" {
			return "JobState=RUNNING BatchHost=node02", "", nil
		}
		if host == "viz1.example.org" {
			return "", "salloc: error: Unable to allocate resources", nil
		}
		return "", "Granted job allocation 99", nil
	}}

	a := NewSlurmAllocator(slurmTestConfig("viz1.example.org", "viz2.example.org"), runner, store, time.Second)
	err := a.Schedule(t.Context(), session, slurmTestSettings(), rrm.JobInformation{})
	require.NoError(t, err)
	assert.Equal(t, "viz2.example.org", session.ClusterNode)
	assert.Equal(t, "99", session.JobID)
}

func TestSlurmScheduleExhaustion(t *testing.T) {
	t.Parallel()

	session := rrm.NewSession("bob", "livre", time.Minute)
	store := newMemStore(session)
	runner := &fakeRunner{handler: func(_, _, _ string) (string, string, error) {
		return "", "salloc: error: Unable to allocate resources", nil
	}}

	a := NewSlurmAllocator(slurmTestConfig("viz1.example.org", "viz2.example.org"), runner, store, time.Second)
	err := a.Schedule(t.Context(), session, slurmTestSettings(), rrm.JobInformation{})
	require.Error(t, err)
	assert.True(t, errors.IsAllocationFailed(err))
	assert.Equal(t, rrm.StatusFailed, session.Status)
}

func TestSlurmHostnameCancelled(t *testing.T) {
	t.Parallel()

	session := rrm.NewSession("bob", "livre", time.Minute)
	session.JobID = "42"
	session.ClusterNode = "viz1.example.org"
	runner := &fakeRunner{handler: func(_, _, _ string) (string, string, error) {
		return "JobState=CANCELLED BatchHost=node01", "", nil
	}}

	a := NewSlurmAllocator(slurmTestConfig("viz1.example.org"), runner, newMemStore(session), time.Second)
	host, err := a.Hostname(t.Context(), session)
	require.NoError(t, err)
	assert.Empty(t, host)
}

func TestSlurmHostnameNoJob(t *testing.T) {
	t.Parallel()

	session := rrm.NewSession("bob", "livre", time.Minute)
	runner := &fakeRunner{handler: func(_, _, _ string) (string, string, error) {
		t.Fatal("no remote call expected")
		return "", "", nil
	}}

	a := NewSlurmAllocator(slurmTestConfig("viz1.example.org"), runner, newMemStore(session), time.Second)
	host, err := a.Hostname(t.Context(), session)
	require.NoError(t, err)
	assert.Empty(t, host)
}

func TestSlurmStopGracefulExitUnreachable(t *testing.T) {
	t.Parallel()

	session := rrm.NewSession("bob", "livre", time.Minute)
	session.JobID = "42"
	session.ClusterNode = "viz1.example.org"
	session.HTTPHost = "127.0.0.1"
	session.HTTPPort = 1
	runner := &fakeRunner{handler: func(_, _, _ string) (string, string, error) {
		return "", "", nil
	}}

	settings := slurmTestSettings()
	settings.GracefulExit = true
	a := NewSlurmAllocator(slurmTestConfig("viz1.example.org"), runner, newMemStore(session), time.Second)

	// The exit request cannot reach the dead backend; the job must still be
	// cancelled.
	require.NoError(t, a.Stop(t.Context(), session, settings))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "scancel 42", runner.calls[0].Command)
}

func TestSlurmKillAndLogs(t *testing.T) {
	t.Parallel()

	session := rrm.NewSession("bob", "livre", time.Minute)
	session.JobID = "42"
	session.ClusterNode = "viz1.example.org"
	runner := &fakeRunner{handler: func(_, command, _ string) (string, string, error) {
		if command == "cat /gpfs/proj3/tmp/rrm_42_livre_out" {
			return "frame 1 rendered", "", nil
		}
		return "", "", nil
	}}

	a := NewSlurmAllocator(slurmTestConfig("viz1.example.org"), runner, newMemStore(session), time.Second)
	require.NoError(t, a.Kill(t.Context(), session))
	assert.Equal(t, "scancel 42", runner.calls[0].Command)

	out, err := a.OutLog(t.Context(), session)
	require.NoError(t, err)
	assert.Equal(t, "frame 1 rendered", out)
}
