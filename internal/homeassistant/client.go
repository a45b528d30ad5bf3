// Package homeassistant is the client side of the bridge: a REST client
// for the Home Assistant HTTP API, detection of the companion bridge
// integration, and an optional WebSocket subscription to state changes.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	herrors "hamcp/internal/errors"
)

const (
	// requestTimeout bounds every call to Home Assistant, including
	// the login connectivity probe.
	requestTimeout = 30 * time.Second

	// maxResponseBytes caps response bodies. /api/states on a large
	// instance runs to a few MB; 16MB leaves ample headroom.
	maxResponseBytes = 16 * 1024 * 1024
)

// Credentials locate one Home Assistant instance.
type Credentials struct {
	Host  string
	Token string
}

// Client calls the Home Assistant REST API. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a REST client.
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Invoke performs one API request and returns the raw response body.
// Timeouts are reported as ErrCollaboratorTimeout, everything else as
// ErrCollaboratorError, so callers can tell a slow instance from a
// broken one.
func (c *Client) Invoke(ctx context.Context, creds Credentials, method, path string, body any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, creds.Host+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("home assistant request",
		slog.String("method", method),
		slog.String("path", path),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s", herrors.ErrCollaboratorTimeout, method, path)
		}
		return nil, fmt.Errorf("%w: %v", herrors.ErrCollaboratorError, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s", herrors.ErrCollaboratorTimeout, method, path)
		}
		return nil, fmt.Errorf("%w: reading response: %v", herrors.ErrCollaboratorError, err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %s %s returned %d", herrors.ErrCollaboratorError, method, path, resp.StatusCode)
	}

	return data, nil
}

// Probe verifies host/token by hitting /api/. Used at admin login; a
// session is only created when the pair actually works.
func (c *Client) Probe(ctx context.Context, host, token string) error {
	_, err := c.Invoke(ctx, Credentials{Host: host, Token: token}, http.MethodGet, "/api/", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", herrors.ErrProbeFailure, err)
	}
	return nil
}

// isTimeout reports whether err is a deadline or network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
