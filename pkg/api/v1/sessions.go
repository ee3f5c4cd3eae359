// Package v1 implements the broker's REST endpoints.
package v1

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/viznode/rrm/pkg/broker"
	"github.com/viznode/rrm/pkg/logger"
	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/sessions"
	"github.com/viznode/rrm/pkg/telemetry"
)

// SessionRoutes defines the routes of the session API.
type SessionRoutes struct {
	manager *sessions.Manager
	broker  *broker.Broker
}

// SessionRouter creates a new router for the session API.
func SessionRouter(manager *sessions.Manager, b *broker.Broker) http.Handler {
	routes := SessionRoutes{
		manager: manager,
		broker:  b,
	}

	r := chi.NewRouter()
	r.Post("/", routes.createSession)
	r.Get("/", routes.listSessions)
	r.Delete("/", routes.deleteSession)
	r.Get("/{id}", routes.getSession)
	r.Put("/{command}", routes.executeCommand)
	return r
}

type createSessionRequest struct {
	Owner      string `json:"owner"`
	RendererID string `json:"renderer_id"`
}

// sessionSummary is the list-view serialization of a session.
type sessionSummary struct {
	Owner      string `json:"owner"`
	RendererID string `json:"renderer_id"`
}

// sessionDetail is the detail-view serialization of a session.
type sessionDetail struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	RendererID string    `json:"renderer_id"`
	Created    time.Time `json:"created"`
	ValidUntil time.Time `json:"valid_until"`
	Status     string    `json:"status"`
	JobID      string    `json:"job_id,omitempty"`
	HTTPHost   string    `json:"http_host,omitempty"`
	HTTPPort   int       `json:"http_port,omitempty"`
}

func detailOf(session *rrm.Session) sessionDetail {
	return sessionDetail{
		ID:         session.ID,
		Owner:      session.Owner,
		RendererID: session.RendererID,
		Created:    session.Created,
		ValidUntil: session.ValidUntil,
		Status:     string(session.Status),
		JobID:      session.JobID,
		HTTPHost:   session.HTTPHost,
		HTTPPort:   session.HTTPPort,
	}
}

func (s *SessionRoutes) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeContents(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RendererID == "" {
		writeContents(w, http.StatusBadRequest, "renderer_id is required")
		return
	}

	// A client resending its cookie keeps its session id.
	id, _ := sessionID(r)
	session, err := s.manager.CreateSession(r.Context(), id, req.Owner, req.RendererID)
	if err != nil {
		writeError(w, err)
		return
	}
	telemetry.SessionsCreated.Inc()

	http.SetCookie(w, &http.Cookie{
		Name:  rrm.CookieName,
		Value: session.ID,
		Path:  "/",
	})
	writeJSON(w, http.StatusCreated, detailOf(session))
}

func (s *SessionRoutes) listSessions(w http.ResponseWriter, r *http.Request) {
	sessionList, err := s.manager.ListSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	summaries := make([]sessionSummary, 0, len(sessionList))
	for _, session := range sessionList {
		summaries = append(summaries, sessionSummary{
			Owner:      session.Owner,
			RendererID: session.RendererID,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *SessionRoutes) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detailOf(session))
}

func (s *SessionRoutes) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeContents(w, http.StatusNotFound, "Cookie "+rrm.CookieName+" is missing")
		return
	}
	if err := s.manager.DeleteSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	telemetry.SessionsDeleted.Inc()
	logger.Infof("Session %s deleted on client request", id)
	writeMessage(w, http.StatusOK, "Session successfully destroyed")
}

func (s *SessionRoutes) executeCommand(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeContents(w, http.StatusNotFound, "Cookie "+rrm.CookieName+" is missing")
		return
	}
	s.broker.Execute(w, r, id, chi.URLParam(r, "command"))
}
