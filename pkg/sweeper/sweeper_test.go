package sweeper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viznode/rrm/pkg/allocator"
	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/sessions"
	"github.com/viznode/rrm/pkg/settings"
	"github.com/viznode/rrm/pkg/storage"
	"github.com/viznode/rrm/pkg/storage/sqlite"
)

type noopAllocator struct{}

var _ allocator.Allocator = (*noopAllocator)(nil)

func (*noopAllocator) Schedule(_ context.Context, _ *rrm.Session, _ rrm.RenderingResourceSettings, _ rrm.JobInformation) error {
	return nil
}

func (*noopAllocator) Start(_ context.Context, _ *rrm.Session, _ rrm.RenderingResourceSettings, _ rrm.JobInformation) error {
	return nil
}

func (*noopAllocator) Stop(_ context.Context, _ *rrm.Session, _ rrm.RenderingResourceSettings) error {
	return nil
}

func (*noopAllocator) Kill(_ context.Context, _ *rrm.Session) error { return nil }

func (*noopAllocator) Hostname(_ context.Context, _ *rrm.Session) (string, error) { return "", nil }

func (*noopAllocator) JobInformation(_ context.Context, _ *rrm.Session) (string, error) {
	return "", nil
}

func (*noopAllocator) OutLog(_ context.Context, _ *rrm.Session) (string, error) { return "", nil }

func (*noopAllocator) ErrLog(_ context.Context, _ *rrm.Session) (string, error) { return "", nil }

func newTestManager(t *testing.T) (*sessions.Manager, storage.Store) {
	t.Helper()
	ctx := t.Context()

	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "rrm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := settings.NewRegistry(store.Settings())
	require.NoError(t, registry.Create(ctx, rrm.RenderingResourceSettings{
		ID:          "rtneuron",
		CommandLine: "rtneuron-app.py",
	}))

	manager, err := sessions.NewManager(ctx, store, registry, &noopAllocator{}, sessions.Config{
		DefaultKeepAlive: time.Hour,
		ProbeTimeout:     time.Second,
		ProbeRetries:     1,
	})
	require.NoError(t, err)
	return manager, store
}

func expireSession(t *testing.T, store storage.Store, id string) {
	t.Helper()
	ctx := t.Context()
	session, err := store.Sessions().Get(ctx, id)
	require.NoError(t, err)
	session.ValidUntil = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Sessions().Update(ctx, session))
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	t.Parallel()
	manager, store := newTestManager(t)
	ctx := t.Context()

	expired, err := manager.CreateSession(ctx, "", "alice", "rtneuron")
	require.NoError(t, err)
	expireSession(t, store, expired.ID)

	alive, err := manager.CreateSession(ctx, "", "bob", "rtneuron")
	require.NoError(t, err)

	New(manager, 0).Sweep(ctx)

	_, err = manager.GetSession(ctx, expired.ID)
	assert.Error(t, err)
	_, err = manager.GetSession(ctx, alive.ID)
	assert.NoError(t, err)
}

func TestSweepRemovesInterruptedTeardown(t *testing.T) {
	t.Parallel()
	manager, store := newTestManager(t)
	ctx := t.Context()

	session, err := manager.CreateSession(ctx, "", "alice", "rtneuron")
	require.NoError(t, err)

	// A crash mid-teardown leaves the row STOPPING past its expiry.
	stored, err := store.Sessions().Get(ctx, session.ID)
	require.NoError(t, err)
	stored.Status = rrm.StatusStopping
	stored.ValidUntil = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Sessions().Update(ctx, stored))

	New(manager, 0).Sweep(ctx)

	_, err = manager.GetSession(ctx, session.ID)
	assert.Error(t, err)
}

func TestRunSweepsPeriodically(t *testing.T) {
	t.Parallel()
	manager, store := newTestManager(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	session, err := manager.CreateSession(ctx, "", "alice", "rtneuron")
	require.NoError(t, err)
	expireSession(t, store, session.ID)

	go New(manager, 10*time.Millisecond).Run(ctx)

	assert.Eventually(t, func() bool {
		_, err := manager.GetSession(ctx, session.ID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewDefaultsInterval(t *testing.T) {
	t.Parallel()
	manager, _ := newTestManager(t)
	s := New(manager, 0)
	assert.Equal(t, DefaultInterval, s.interval)
}
