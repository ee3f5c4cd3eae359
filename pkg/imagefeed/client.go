// Package imagefeed talks to the external image-streaming service that
// serves rendered frames to browsers. Routes are keyed by the session
// cookie; the broker creates one per session on demand.
package imagefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/viznode/rrm/pkg/errors"
	"github.com/viznode/rrm/pkg/logger"
	"github.com/viznode/rrm/pkg/rrm"
)

// Client is a thin client for the image-streaming service's route API.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a client for the service at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// AddRoute registers the session's backend endpoint as a new route.
func (c *Client) AddRoute(ctx context.Context, session *rrm.Session) (string, error) {
	uri, err := json.Marshal(map[string]string{
		"uri": fmt.Sprintf("http://%s:%d", session.HTTPHost, session.HTTPPort),
	})
	if err != nil {
		return "", errors.NewInternalError("encoding route", err)
	}
	status, body, err := c.do(ctx, http.MethodPost, session.ID, string(uri))
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", errors.NewTransportError(fmt.Sprintf(
			"Image streaming service (%s) failed to create new route: %s", c.baseURL, body), nil)
	}
	return body, nil
}

// RemoveRoute drops the session's route.
func (c *Client) RemoveRoute(ctx context.Context, session *rrm.Session) (string, error) {
	status, body, err := c.do(ctx, http.MethodDelete, session.ID, "")
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", errors.NewTransportError(fmt.Sprintf(
			"Image streaming service (%s) failed to remove route: %s", c.baseURL, body), nil)
	}
	return body, nil
}

// GetRoute returns the session's route, creating it first when the service
// does not know the session yet.
func (c *Client) GetRoute(ctx context.Context, session *rrm.Session) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet, session.ID, "")
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusOK:
		logger.Debugf("Route exists: %s", body)
		return body, nil
	case http.StatusNotFound:
		logger.Infof("Route does not exist for session %s, creating it", session.ID)
		if _, err := c.AddRoute(ctx, session); err != nil {
			return "", err
		}
		status, body, err = c.do(ctx, http.MethodGet, session.ID, "")
		if err != nil {
			return "", err
		}
		if status != http.StatusOK {
			return "", errors.NewTransportError(fmt.Sprintf(
				"Image streaming service (%s) lost the new route: %s", c.baseURL, body), nil)
		}
		return body, nil
	default:
		return "", errors.NewTransportError(fmt.Sprintf(
			"Image streaming service (%s) is unreachable: %s", c.baseURL, body), nil)
	}
}

func (c *Client) do(ctx context.Context, method, sessionID, payload string) (int, string, error) {
	var body io.Reader
	if payload != "" {
		body = strings.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/route", body)
	if err != nil {
		return 0, "", errors.NewInternalError("building route request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: rrm.CookieName, Value: sessionID})

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", errors.NewTransportError(fmt.Sprintf(
			"Image streaming service (%s) is unreachable", c.baseURL), err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", errors.NewTransportError("reading route response", err)
	}
	return resp.StatusCode, string(data), nil
}
