package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "rrm-test.db")
	store, err := New(t.Context(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSessionCRUD(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	session := rrm.NewSession("alice", "rtneuron", 10*time.Minute)
	require.NoError(t, store.Sessions().Create(ctx, session))

	got, err := store.Sessions().Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, "rtneuron", got.RendererID)
	assert.Equal(t, rrm.StatusStopped, got.Status)
	assert.Equal(t, rrm.NoProcess, got.ProcessPID)
	assert.WithinDuration(t, session.ValidUntil, got.ValidUntil, time.Second)

	got.Status = rrm.StatusScheduling
	got.ClusterNode = "bbpviz1.cscs.ch"
	require.NoError(t, store.Sessions().Update(ctx, got))

	got, err = store.Sessions().Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, rrm.StatusScheduling, got.Status)
	assert.Equal(t, "bbpviz1.cscs.ch", got.ClusterNode)

	require.NoError(t, store.Sessions().Delete(ctx, session.ID))
	_, err = store.Sessions().Get(ctx, session.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionDuplicateCreate(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	session := rrm.NewSession("alice", "rtneuron", time.Minute)
	require.NoError(t, store.Sessions().Create(ctx, session))
	err := store.Sessions().Create(ctx, session)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	// After deletion the same id is accepted again.
	require.NoError(t, store.Sessions().Delete(ctx, session.ID))
	require.NoError(t, store.Sessions().Create(ctx, session))
}

func TestSessionOptimisticConcurrency(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	session := rrm.NewSession("bob", "livre", time.Minute)
	require.NoError(t, store.Sessions().Create(ctx, session))

	first, err := store.Sessions().Get(ctx, session.ID)
	require.NoError(t, err)
	second, err := store.Sessions().Get(ctx, session.ID)
	require.NoError(t, err)

	first.Status = rrm.StatusScheduling
	require.NoError(t, store.Sessions().Update(ctx, first))

	second.Status = rrm.StatusStopping
	err = store.Sessions().Update(ctx, second)
	assert.ErrorIs(t, err, storage.ErrConcurrentUpdate)
}

func TestSessionUpdateMissing(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	session := rrm.NewSession("carol", "paraview", time.Minute)
	err := store.Sessions().Update(t.Context(), session)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionList(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	for _, owner := range []string{"a", "b", "c"} {
		s := rrm.NewSession(owner, "rtneuron", time.Minute)
		require.NoError(t, store.Sessions().Create(ctx, s))
	}
	sessions, err := store.Sessions().List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 3)
}

func TestSettingsCRUD(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	settings := rrm.RenderingResourceSettings{
		ID:                            "rtneuron",
		CommandLine:                   "rtneuron-app.py",
		Modules:                       "BBP/viz/latest",
		SchedulerRestParametersFormat: "--rest ${rest_hostname}:${rest_port}",
		Project:                       "proj3",
		Queue:                         "interactive",
		NbCPUs:                        4,
		NbGPUs:                        1,
		GracefulExit:                  true,
		WaitUntilRunning:              true,
	}
	require.NoError(t, store.Settings().Create(ctx, settings))

	err := store.Settings().Create(ctx, settings)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	got, err := store.Settings().Get(ctx, "rtneuron")
	require.NoError(t, err)
	assert.Equal(t, settings, got)

	settings.Queue = "prod"
	require.NoError(t, store.Settings().Update(ctx, settings))
	got, err = store.Settings().Get(ctx, "rtneuron")
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Queue)

	err = store.Settings().Update(ctx, rrm.RenderingResourceSettings{ID: "missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	all, err := store.Settings().List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.Settings().Clear(ctx))
	all, err = store.Settings().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	err = store.Settings().Delete(ctx, "rtneuron")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGlobalSettingsSeedAndSave(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	defaults := rrm.SystemGlobalSettings{SessionCreation: true, SessionKeepAliveTimeout: 600}
	got, err := store.GlobalSettings().Load(ctx, defaults)
	require.NoError(t, err)
	assert.Equal(t, defaults, got)

	got.SessionCreation = false
	require.NoError(t, store.GlobalSettings().Save(ctx, got))

	// The persisted row wins over the defaults on subsequent loads.
	reloaded, err := store.GlobalSettings().Load(ctx, defaults)
	require.NoError(t, err)
	assert.False(t, reloaded.SessionCreation)
	assert.Equal(t, 600, reloaded.SessionKeepAliveTimeout)
}
