// Package usage carries job lifecycle events from the worker back to the
// admission process, which holds the authoritative tenant accounting.
package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HeaderSecret authenticates usage event posts when a shared secret is
// configured.
const HeaderSecret = "x-usage-secret"

// Event types. started is informational; the terminal types release the
// tenant's active slot in accounting.
const (
	TypeStarted   = "started"
	TypeCompleted = "completed"
	TypeFailed    = "failed"
	TypeRejected  = "rejected"
)

// Event is the wire format posted to the usage endpoint.
type Event struct {
	TenantID string `json:"tenantId"`
	Type     string `json:"type"`
}

// ValidType reports whether t is a known event type.
func ValidType(t string) bool {
	switch t {
	case TypeStarted, TypeCompleted, TypeFailed, TypeRejected:
		return true
	}
	return false
}

// Reporter posts usage events to the admission process. A reporter built
// without an endpoint swallows events, so callers never branch on whether
// reporting is configured.
type Reporter struct {
	endpoint   string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Reporter) {
		r.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reporter) {
		r.logger = logger
	}
}

// NewReporter creates a reporter targeting endpoint. An empty endpoint
// disables reporting.
func NewReporter(endpoint, secret string, opts ...Option) *Reporter {
	r := &Reporter{
		endpoint: endpoint,
		secret:   secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.endpoint == "" {
		r.logger.Debug("Usage reporting disabled, no endpoint configured")
	}

	return r
}

// Report posts one event. Returns an error on transport failure or a
// non-2xx response; callers treat failures as advisory.
func (r *Reporter) Report(ctx context.Context, tenantID, eventType string) error {
	if r.endpoint == "" {
		return nil
	}

	body, err := json.Marshal(Event{TenantID: tenantID, Type: eventType})
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create usage request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if r.secret != "" {
		req.Header.Set(HeaderSecret, r.secret)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post usage event: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("usage event rejected (status %d)", resp.StatusCode)
	}

	return nil
}
