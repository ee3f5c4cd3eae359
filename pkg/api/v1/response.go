package v1

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/viznode/rrm/pkg/errors"
	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/storage"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"message": message})
}

func writeContents(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"contents": message})
}

// writeError maps store and taxonomy errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case stderrors.Is(err, storage.ErrNotFound):
		writeContents(w, http.StatusNotFound, err.Error())
	case stderrors.Is(err, storage.ErrAlreadyExists):
		writeContents(w, http.StatusConflict, err.Error())
	default:
		writeContents(w, errors.HTTPStatus(err), errorMessage(err))
	}
}

func errorMessage(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// sessionID extracts the session id from the request cookie.
func sessionID(r *http.Request) (string, error) {
	cookie, err := r.Cookie(rrm.CookieName)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}
