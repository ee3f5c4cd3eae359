package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := NewNotFoundError("session abc", nil)
	assert.Equal(t, "not_found: session abc", err.Error())

	wrapped := NewTransportError("dialing backend", fmt.Errorf("connection refused"))
	assert.Equal(t, "transport: dialing backend: connection refused", wrapped.Error())
}

func TestUnwrap(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("boom")
	err := NewInternalError("unexpected", cause)
	require.ErrorIs(t, err, cause)
}

func TestPredicatesMatchThroughWrapping(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("handler: %w", NewConflictError("duplicate session", nil))
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", NewNotFoundError("x", nil), http.StatusNotFound},
		{"conflict", NewConflictError("x", nil), http.StatusConflict},
		{"forbidden", NewForbiddenError("x", nil), http.StatusForbidden},
		{"transport", NewTransportError("x", nil), http.StatusBadRequest},
		{"allocation failed", NewAllocationFailedError("x", nil), http.StatusBadRequest},
		{"backend not ready", NewBackendNotReadyError("x", nil), http.StatusServiceUnavailable},
		{"internal", NewInternalError("x", nil), http.StatusInternalServerError},
		{"plain error", fmt.Errorf("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
