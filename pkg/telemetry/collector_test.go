package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viznode/rrm/pkg/allocator"
	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/sessions"
	"github.com/viznode/rrm/pkg/settings"
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

func TestCollectCountsSessionsByStatus(t *testing.T) {
	ctx := t.Context()

	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "rrm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := settings.NewRegistry(store.Settings())
	manager, err := sessions.NewManager(ctx, store, registry, &noopAllocator{}, sessions.Config{
		DefaultKeepAlive: time.Hour,
		ProbeTimeout:     time.Second,
		ProbeRetries:     1,
	})
	require.NoError(t, err)

	for range 2 {
		_, err := manager.CreateSession(ctx, "", "alice", "rtneuron")
		require.NoError(t, err)
	}

	collector := NewCollector(manager)
	collector.Collect(ctx)

	stopped := SessionsTotal.WithLabelValues(string(rrm.StatusStopped))
	assert.Equal(t, 2.0, testutil.ToFloat64(stopped))
	running := SessionsTotal.WithLabelValues(string(rrm.StatusRunning))
	assert.Equal(t, 0.0, testutil.ToFloat64(running))
}

func TestHandlerServesMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rrm_sessions_created_total")
}
