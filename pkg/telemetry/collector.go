package telemetry

import (
	"context"
	"time"

	"github.com/viznode/rrm/pkg/logger"
	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/sessions"
)

// collectInterval is how often the session gauges are refreshed.
const collectInterval = 15 * time.Second

// Collector keeps the session gauges in sync with the store.
type Collector struct {
	manager *sessions.Manager
	stopCh  chan struct{}
}

// NewCollector creates a collector reading from the given manager.
func NewCollector(manager *sessions.Manager) *Collector {
	return &Collector{
		manager: manager,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting on its own goroutine.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		c.Collect(ctx)

		ticker := time.NewTicker(collectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Collect(ctx)
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes the per-state session gauges once.
func (c *Collector) Collect(ctx context.Context) {
	sessionList, err := c.manager.ListSessions(ctx)
	if err != nil {
		logger.Debugf("Collecting session metrics: %v", err)
		return
	}

	counts := make(map[rrm.SessionStatus]int)
	for _, session := range sessionList {
		counts[session.Status]++
	}

	// Zero every known state so gauges drop back once sessions go away.
	for _, status := range []rrm.SessionStatus{
		rrm.StatusStopped,
		rrm.StatusScheduling,
		rrm.StatusScheduled,
		rrm.StatusGettingHostname,
		rrm.StatusStarting,
		rrm.StatusRunning,
		rrm.StatusStopping,
		rrm.StatusFailed,
	} {
		SessionsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
