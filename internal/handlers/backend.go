package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/genflow/internal/orchestrator"
	"github.com/ramiqadoumi/genflow/pkg/telemetry"
)

const maxResponseBytes = 64 << 20

// BackendClient calls the generation backend over HTTP.
//
// Responses 429, 502, 503 and 504, and transport timeouts, are returned
// wrapping orchestrator.ErrYield: the task is left for the reaper to retry
// instead of being failed outright.
type BackendClient struct {
	baseURL string
	client  *http.Client
	token   string
}

// BackendOption configures a BackendClient.
type BackendOption func(*BackendClient)

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) BackendOption {
	return func(c *BackendClient) { c.client.Timeout = d }
}

// WithToken sends token as a bearer credential.
func WithToken(token string) BackendOption {
	return func(c *BackendClient) { c.token = token }
}

// NewBackendClient creates a client for the backend at baseURL.
func NewBackendClient(baseURL string, opts ...BackendOption) *BackendClient {
	c := &BackendClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostJSON marshals v and posts it to path.
func (c *BackendClient) PostJSON(ctx context.Context, path string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal backend request: %w", err)
	}
	return c.Post(ctx, path, "application/json", body)
}

// Post sends body to path and returns the response body.
func (c *BackendClient) Post(ctx context.Context, path, contentType string, body []byte) ([]byte, error) {
	ctx, span := telemetry.Tracer("handlers").Start(ctx, "backend.post")
	defer span.End()
	url := c.baseURL + path
	span.SetAttributes(attribute.String("http.url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		if isTimeout(err) {
			return nil, fmt.Errorf("backend call to %s timed out: %w", path, orchestrator.ErrYield)
		}
		return nil, fmt.Errorf("backend call to %s: %w", path, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		span.RecordError(err)
		if isTimeout(err) {
			return nil, fmt.Errorf("backend read from %s timed out: %w", path, orchestrator.ErrYield)
		}
		return nil, fmt.Errorf("read backend response from %s: %w", path, err)
	}

	switch {
	case transientStatus(resp.StatusCode):
		span.SetStatus(codes.Error, "transient status code")
		return nil, fmt.Errorf("backend %s returned status %d: %w", path, resp.StatusCode, orchestrator.ErrYield)
	case resp.StatusCode >= http.StatusBadRequest:
		err := fmt.Errorf("backend %s returned status %d: %s", path, resp.StatusCode, snippet(data))
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return nil, err
	}
	return data, nil
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
