package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/sessions"
)

// AdminRoutes defines the administrative routes.
type AdminRoutes struct {
	manager *sessions.Manager
}

// AdminRouter creates a new router for the administrative API.
func AdminRouter(manager *sessions.Manager) http.Handler {
	routes := AdminRoutes{manager: manager}

	r := chi.NewRouter()
	r.Put("/{command}", routes.executeCommand)
	return r
}

func (a *AdminRoutes) executeCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch command := chi.URLParam(r, "command"); command {
	case "keepalive":
		id, err := sessionID(r)
		if err != nil {
			writeContents(w, http.StatusNotFound, "Cookie "+rrm.CookieName+" is missing")
			return
		}
		msg, err := a.manager.KeepAlive(ctx, id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeMessage(w, http.StatusOK, msg)

	case "suspend":
		msg, err := a.manager.Suspend(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		writeMessage(w, http.StatusOK, msg)

	case "resume":
		msg, err := a.manager.Resume(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		writeMessage(w, http.StatusOK, msg)

	default:
		writeContents(w, http.StatusNotFound, "unknown admin command "+command)
	}
}
