// Package sweeper reaps sessions whose keep-alive window has elapsed. The
// state machine only advances while clients poll, so an abandoned session
// would otherwise hold its rendering resource forever.
package sweeper

import (
	"context"
	"time"

	"github.com/viznode/rrm/pkg/logger"
	"github.com/viznode/rrm/pkg/sessions"
	"github.com/viznode/rrm/pkg/telemetry"
)

// DefaultInterval is the sweep period used when none is configured.
const DefaultInterval = 100 * time.Second

// Sweeper periodically deletes expired sessions.
type Sweeper struct {
	manager  *sessions.Manager
	interval time.Duration
}

// New creates a sweeper. A non-positive interval falls back to
// DefaultInterval.
func New(manager *sessions.Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{manager: manager, interval: interval}
}

// Run sweeps until the context is cancelled. It blocks and is meant to be
// started on its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Infof("Session sweeper running every %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Session sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep deletes every expired session once.
func (s *Sweeper) Sweep(ctx context.Context) {
	sessionList, err := s.manager.ListSessions(ctx)
	if err != nil {
		logger.Errorf("Listing sessions for sweep: %v", err)
		return
	}

	now := time.Now().UTC()
	for _, session := range sessionList {
		if !session.Expired(now) {
			continue
		}
		logger.Infof("Session %s expired at %s, removing it", session.ID, session.ValidUntil.Format(time.RFC3339))
		if err := s.manager.DeleteSession(ctx, session.ID); err != nil {
			// Another actor may be tearing the session down already.
			logger.Warnf("Removing expired session %s: %v", session.ID, err)
			continue
		}
		telemetry.SessionsReaped.Inc()
	}
}
