// Package api exposes the admission HTTP surface: job submission, the admin
// usage snapshot, and the usage event channel the worker reports into.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ewoutbarendregt/crosscheck/job"
	"github.com/ewoutbarendregt/crosscheck/queue"
	"github.com/ewoutbarendregt/crosscheck/schema"
	"github.com/ewoutbarendregt/crosscheck/tenant"
	"github.com/ewoutbarendregt/crosscheck/usage"
)

// HeaderTenantID resolves the tenant for a submission. It takes precedence
// over token claims.
const HeaderTenantID = "X-Tenant-Id"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20 // 1 MiB

// Claims are the token fields the API consumes. Subject carries the caller
// identity used as the tenant fallback when no tenantId claim is present.
type Claims struct {
	TenantID string
	Subject  string
	Roles    []string
}

// HasRole reports whether the claims carry the named role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenVerifier validates a bearer token and extracts its claims. A nil
// verifier disables claim-based tenant resolution and role checks.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// Enqueuer admits jobs into the pending queue. *queue.Admission satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, j *job.Job) (*queue.Receipt, error)
}

// Config holds the HTTP surface settings.
type Config struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`

	// AdminToken grants access to GET /admin/usage when presented as a
	// bearer token. Verified claims with the admin role work as well.
	AdminToken string `yaml:"admin_token"`

	// UsageSecret authenticates POST /admin/usage/events. Empty disables
	// the check.
	UsageSecret string `yaml:"-"`
}

// DefaultConfig returns the default HTTP settings.
func DefaultConfig() Config {
	return Config{
		Addr: ":8080",
	}
}

// Server handles the admission API. Build the routes with Handler.
type Server struct {
	enqueuer Enqueuer
	acct     *tenant.Accounting
	cfg      Config
	verifier TokenVerifier
	metrics  http.Handler
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVerifier enables bearer token verification.
func WithVerifier(v TokenVerifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// NewServer creates the admission API server.
func NewServer(enqueuer Enqueuer, acct *tenant.Accounting, cfg Config, opts ...Option) *Server {
	s := &Server{
		enqueuer: enqueuer,
		acct:     acct,
		cfg:      cfg,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /reasoning/jobs", s.handleSubmit)
	mux.HandleFunc("GET /admin/usage", s.handleUsageSnapshot)
	mux.HandleFunc("POST /admin/usage/events", s.handleUsageEvent)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// errorBody is the structured error payload for 400 responses.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// quotaExceededBody matches the documented 429 shape for per-tenant limits.
type quotaExceededBody struct {
	Code     string       `json:"code"`
	TenantID string       `json:"tenantId"`
	Quota    int          `json:"quota"`
	Usage    tenant.Usage `json:"usage"`
}

// depthExceededBody matches the documented 429 shape for the global ceiling.
type depthExceededBody struct {
	Code       string `json:"code"`
	QueueDepth int    `json:"queueDepth"`
	Limit      int    `json:"limit"`
}

// submitResponse is the admission receipt returned to the caller.
type submitResponse struct {
	JobID      string       `json:"jobId"`
	Status     string       `json:"status"`
	QueueDepth int          `json:"queueDepth"`
	Position   int          `json:"position"`
	Quota      int          `json:"quota"`
	Usage      tenant.Usage `json:"usage"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	tenantID := s.resolveTenant(r)
	if tenantID == "" {
		s.writeError(w, http.StatusBadRequest, errorBody{
			Code:    "MissingTenantId",
			Message: "tenant could not be resolved from the X-Tenant-Id header or token claims",
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var sub job.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		var tooLarge *http.MaxBytesError
		message := "request body is not valid JSON"
		if errors.As(err, &tooLarge) {
			message = fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)
		}
		s.writeError(w, http.StatusBadRequest, errorBody{Code: "InvalidJob", Message: message})
		return
	}

	j := job.New(uuid.NewString(), tenantID, sub)

	receipt, err := s.enqueuer.Enqueue(r.Context(), j)
	if err != nil {
		s.writeEnqueueError(w, err)
		return
	}

	s.logger.Debug("Job admitted",
		"job_id", receipt.JobID,
		"tenant_id", tenantID,
		"position", receipt.Position,
		"queue_depth", receipt.QueueDepth)

	s.writeJSON(w, http.StatusOK, submitResponse{
		JobID:      receipt.JobID,
		Status:     "queued",
		QueueDepth: receipt.QueueDepth,
		Position:   receipt.Position,
		Quota:      receipt.Quota,
		Usage:      receipt.Usage,
	})
}

func (s *Server) writeEnqueueError(w http.ResponseWriter, err error) {
	var (
		validationErr *schema.ValidationError
		quotaErr      *tenant.QuotaExceededError
		depthErr      *tenant.DepthExceededError
	)

	switch {
	case errors.As(err, &validationErr):
		s.writeError(w, http.StatusBadRequest, errorBody{Code: "InvalidJob", Message: err.Error()})
	case errors.As(err, &quotaErr):
		s.writeError(w, http.StatusTooManyRequests, quotaExceededBody{
			Code:     "TenantQuotaExceeded",
			TenantID: quotaErr.TenantID,
			Quota:    quotaErr.Quota,
			Usage:    quotaErr.Usage,
		})
	case errors.As(err, &depthErr):
		s.writeError(w, http.StatusTooManyRequests, depthExceededBody{
			Code:       "QueueDepthExceeded",
			QueueDepth: depthErr.Depth,
			Limit:      depthErr.Limit,
		})
	case errors.Is(err, queue.ErrBusUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("Job admission failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleUsageSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(r) {
		s.writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.acct.Snapshot())
}

func (s *Server) handleUsageEvent(w http.ResponseWriter, r *http.Request) {
	if s.cfg.UsageSecret != "" {
		secret := r.Header.Get(usage.HeaderSecret)
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.UsageSecret)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid usage secret")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var event usage.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		s.writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if event.TenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenantId is required")
		return
	}
	if !usage.ValidType(event.Type) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", event.Type))
		return
	}

	s.acct.OnUsageEvent(event.TenantID, event.Type)

	s.logger.Debug("Usage event applied",
		"tenant_id", event.TenantID,
		"type", event.Type)

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"queueDepth": s.acct.QueueDepth(),
	})
}

// resolveTenant applies the documented precedence: X-Tenant-Id header first,
// then the tenantId claim, then the token subject.
func (s *Server) resolveTenant(r *http.Request) string {
	if tenantID := strings.TrimSpace(r.Header.Get(HeaderTenantID)); tenantID != "" {
		return tenantID
	}

	claims := s.verifiedClaims(r)
	if claims == nil {
		return ""
	}
	if claims.TenantID != "" {
		return claims.TenantID
	}
	return claims.Subject
}

func (s *Server) isAdmin(r *http.Request) bool {
	token := bearerToken(r)

	if s.cfg.AdminToken != "" && token != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) == 1 {
		return true
	}

	claims := s.verifiedClaims(r)
	return claims != nil && claims.HasRole("admin")
}

func (s *Server) verifiedClaims(r *http.Request) *Claims {
	if s.verifier == nil {
		return nil
	}
	token := bearerToken(r)
	if token == "" {
		return nil
	}
	claims, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		s.logger.Debug("Token verification failed", "error", err)
		return nil
	}
	return claims
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Response encoding failed", "error", err)
	}
}

// writeError wraps the payload in the documented {"error": …} envelope. The
// payload is a string for plain failures and a code-carrying object for
// structured ones.
func (s *Server) writeError(w http.ResponseWriter, status int, payload any) {
	s.writeJSON(w, status, map[string]any{"error": payload})
}
