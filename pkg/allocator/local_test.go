//go:build !windows

package allocator

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viznode/rrm/pkg/errors"
	"github.com/viznode/rrm/pkg/rrm"
)

func TestLocalStartAndKill(t *testing.T) {
	t.Parallel()
	a := NewLocalAllocator(time.Second)

	session := rrm.NewSession("alice", "sleeper", time.Minute)
	session.HTTPPort = 3000
	settings := rrm.RenderingResourceSettings{ID: "sleeper", CommandLine: "sleep 60"}

	require.NoError(t, a.Start(t.Context(), session, settings, rrm.JobInformation{}))
	assert.Equal(t, rrm.StatusStarting, session.Status)
	assert.Equal(t, localHost, session.HTTPHost)
	require.True(t, session.HasProcess())

	pid := session.ProcessPID
	assert.NoError(t, syscall.Kill(pid, 0))

	require.NoError(t, a.Kill(t.Context(), session))
	assert.Equal(t, rrm.NoProcess, session.ProcessPID)
}

func TestLocalStopWithoutProcess(t *testing.T) {
	t.Parallel()
	a := NewLocalAllocator(time.Second)

	session := rrm.NewSession("alice", "sleeper", time.Minute)
	err := a.Stop(t.Context(), session, rrm.RenderingResourceSettings{})
	assert.True(t, errors.IsNotFound(err))
}

func TestLocalStartEmptyCommandLine(t *testing.T) {
	t.Parallel()
	a := NewLocalAllocator(time.Second)

	session := rrm.NewSession("alice", "ghost", time.Minute)
	err := a.Start(t.Context(), session, rrm.RenderingResourceSettings{ID: "ghost"}, rrm.JobInformation{})
	assert.True(t, errors.IsInternal(err))
}
