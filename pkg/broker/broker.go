// Package broker is the entry point for per-session commands. A handful of
// names are handled in-process; everything else is forwarded verbatim to
// the rendering resource backing the session.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/viznode/rrm/pkg/allocator"
	"github.com/viznode/rrm/pkg/errors"
	"github.com/viznode/rrm/pkg/imagefeed"
	"github.com/viznode/rrm/pkg/logger"
	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/sessions"
	"github.com/viznode/rrm/pkg/telemetry"
)

// Reserved command names handled by the broker itself.
const (
	CommandSchedule  = "schedule"
	CommandOpen      = "open"
	CommandStatus    = "status"
	CommandLog       = "log"
	CommandErr       = "err"
	CommandJob       = "job"
	CommandImageFeed = "imagefeed"
	CommandKeepAlive = "keepalive"
	CommandSuspend   = "suspend"
	CommandResume    = "resume"
)

// Broker dispatches session commands and proxies everything else to the
// session's backend.
type Broker struct {
	manager *sessions.Manager
	feed    *imagefeed.Client
	client  *http.Client
}

// New creates a broker forwarding with the given upstream timeout.
func New(manager *sessions.Manager, feed *imagefeed.Client, forwardTimeout time.Duration) *Broker {
	return &Broker{
		manager: manager,
		feed:    feed,
		client:  &http.Client{Timeout: forwardTimeout},
	}
}

// Execute runs a command against the session identified by the cookie.
func (b *Broker) Execute(w http.ResponseWriter, r *http.Request, sessionID, command string) {
	logger.Debugf("Processing command <%s> for session %s", command, sessionID)
	telemetry.CommandsTotal.WithLabelValues(command).Inc()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeContents(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}
	var job rrm.JobInformation
	if len(body) > 0 {
		// Forwarded commands carry opaque payloads; a parse failure only
		// matters for the commands that need JobInformation.
		_ = json.Unmarshal(body, &job)
	}

	ctx := r.Context()
	switch command {
	case CommandSchedule:
		session, err := b.manager.Schedule(ctx, sessionID, job)
		if err != nil {
			if errors.IsAllocationFailed(err) {
				telemetry.JobsFailed.Inc()
			}
			writeError(w, err)
			return
		}
		telemetry.JobsScheduled.Inc()
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "Job scheduled",
			"job_id":  session.JobID,
		})

	case CommandOpen:
		session, err := b.manager.Open(ctx, sessionID, job)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"message": fmt.Sprintf("%s successfully started [%d]", session.RendererID, session.ProcessPID),
		})

	case CommandStatus:
		report, err := b.sessionStatus(r, sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)

	case CommandLog:
		b.writeLog(w, r, sessionID, b.manager.OutLog)

	case CommandErr:
		b.writeLog(w, r, sessionID, b.manager.ErrLog)

	case CommandJob:
		b.writeLog(w, r, sessionID, b.manager.JobInformation)

	case CommandImageFeed:
		session, err := b.manager.GetSession(ctx, sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		route, err := b.feed.GetRoute(ctx, session)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(route))

	case CommandKeepAlive:
		msg, err := b.manager.KeepAlive(ctx, sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": msg})

	case CommandSuspend:
		b.writeAdmin(w, r, b.manager.Suspend)

	case CommandResume:
		b.writeAdmin(w, r, b.manager.Resume)

	default:
		b.forward(w, r, sessionID, command, body)
	}
}

// sessionStatus verifies the hostname then queries the state machine.
func (b *Broker) sessionStatus(r *http.Request, sessionID string) (*sessions.StatusReport, error) {
	ctx := r.Context()
	session, err := b.manager.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := b.manager.VerifyHostname(ctx, session); err != nil {
		return nil, err
	}
	return b.manager.QueryStatus(ctx, sessionID)
}

func (b *Broker) writeLog(w http.ResponseWriter, r *http.Request, sessionID string,
	read func(ctx context.Context, session *rrm.Session) (string, error)) {
	ctx := r.Context()
	session, err := b.manager.GetSession(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	contents, err := read(ctx, session)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"contents": contents})
}

func (b *Broker) writeAdmin(w http.ResponseWriter, r *http.Request, op func(ctx context.Context) (string, error)) {
	msg, err := op(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// forward proxies the command to the rendering resource. The session must
// be RUNNING with a resolved endpoint; otherwise the status payload is
// returned unchanged.
func (b *Broker) forward(w http.ResponseWriter, r *http.Request, sessionID, command string, body []byte) {
	ctx := r.Context()
	session, err := b.manager.GetSession(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := b.manager.VerifyHostname(ctx, session); err != nil {
		writeError(w, err)
		return
	}
	report, err := b.manager.QueryStatus(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if report.Code != rrm.StatusRunning || report.Hostname == "" {
		writeJSON(w, http.StatusOK, report)
		return
	}

	url := session.BackendURL(command)
	logger.Debugf("Forwarding %s %s", r.Method, url)

	req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(body))
	if err != nil {
		writeContents(w, http.StatusBadRequest, err.Error())
		return
	}
	copyHeaders(req.Header, r.Header)

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		b.handleTransportError(w, r, session, url)
		return
	}
	defer resp.Body.Close()
	telemetry.ForwardDuration.Observe(time.Since(start).Seconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		// A backend dying mid-response surfaces as a read error with the
		// advertised Content-Length unmet.
		if missing := resp.ContentLength - int64(len(data)); resp.ContentLength >= 0 && missing > 0 {
			writeContents(w, http.StatusBadRequest, fmt.Sprintf("Missing bytes: %d", missing))
			return
		}
		b.handleTransportError(w, r, session, url)
		return
	}

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleTransportError tells a transient failure apart from a dead job: a
// job whose hostname now resolves to the failure sentinel takes its session
// down with it.
func (b *Broker) handleTransportError(w http.ResponseWriter, r *http.Request, session *rrm.Session, url string) {
	ctx := r.Context()
	telemetry.ForwardErrors.Inc()
	if session.HasJob() {
		hostname, err := b.manager.Allocator().Hostname(ctx, session)
		if err == nil && hostname == allocator.HostnameFailed {
			if err := b.manager.DeleteSession(ctx, session.ID); err != nil {
				logger.Errorf("Deleting session %s after dead job: %v", session.ID, err)
			}
			writeContents(w, http.StatusBadRequest, session.RendererID+" is down")
			return
		}
	}
	writeContents(w, http.StatusBadRequest, "Failed to contact rendering resource: "+url)
}

// hop-by-hop headers stripped while forwarding.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	for _, name := range hopHeaders {
		dst.Del(name)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeContents writes the short diagnostic body used for failures.
func writeContents(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"contents": message})
}

// writeError maps an error onto the broker's HTTP surface.
func writeError(w http.ResponseWriter, err error) {
	if stderrors.Is(err, sessions.ErrProcessAlreadyRunning) {
		writeContents(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeContents(w, errors.HTTPStatus(err), errorMessage(err))
}

func errorMessage(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
