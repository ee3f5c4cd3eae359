// Package api assembles the broker's HTTP surface: the versioned session,
// configuration and admin routers, the health endpoint and the Prometheus
// metrics handler.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/viznode/rrm/pkg/api/v1"
	"github.com/viznode/rrm/pkg/broker"
	"github.com/viznode/rrm/pkg/logger"
	"github.com/viznode/rrm/pkg/sessions"
	"github.com/viznode/rrm/pkg/settings"
	"github.com/viznode/rrm/pkg/telemetry"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Deps carries the collaborators the routers are built from.
type Deps struct {
	Manager  *sessions.Manager
	Broker   *broker.Broker
	Registry *settings.Registry
}

// NewRouter builds the full router. The prefix is prepended to the
// versioned API routes; health and metrics stay at the root.
func NewRouter(deps Deps, prefix string) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.StripSlashes,
		middleware.Timeout(middlewareTimeout),
	)

	prefix = strings.TrimRight(prefix, "/")
	routers := map[string]http.Handler{
		prefix + "/session": v1.SessionRouter(deps.Manager, deps.Broker),
		prefix + "/config":  v1.ConfigRouter(deps.Registry),
		prefix + "/admin":   v1.AdminRouter(deps.Manager),
	}
	for path, handler := range routers {
		r.Mount(path, handler)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", telemetry.Handler())

	return r
}

// Serve runs the HTTP server until the context is cancelled, then shuts it
// down gracefully.
func Serve(ctx context.Context, address string, handler http.Handler) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Server listening on %s", listener.Addr())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}
	logger.Info("Server shutdown complete")
	return nil
}
