package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"cityfix/internal/gateway/authn"
	"cityfix/internal/gateway/metrics"
	"cityfix/internal/gateway/middleware"
	"cityfix/internal/gateway/routetable"
)

// TokenValidator verifies bearer credentials for rules that require a user.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (authn.Claims, error)
}

// Config tunes forwarding behavior.
type Config struct {
	// RequestTimeout bounds the whole downstream call; expiry yields 504.
	RequestTimeout time.Duration
	// RetryBodyLimit caps how many body bytes are buffered to keep a
	// request retryable. Larger bodies forward without retry eligibility.
	RetryBodyLimit int64
	// BreakerThreshold is the consecutive-failure count that opens a
	// target's circuit; BreakerCooldown is how long it stays open before
	// a probe is allowed.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RetryBodyLimit <= 0 {
		c.RetryBodyLimit = 1 << 20
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 10 * time.Second
	}
	return c
}

// Handler is the edge router: it matches the route table, enforces the
// rule's auth level, and forwards the request to the backend. It owns no
// state beyond the read-only snapshots it consults per request.
type Handler struct {
	routes    *routetable.Holder
	validator TokenValidator
	client    *http.Client
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
	breakers  *breakerSet
	tracer    trace.Tracer
}

// NewHandler wires the edge router.
func NewHandler(routes *routetable.Holder, validator TokenValidator, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Handler {
	cfg = cfg.withDefaults()
	return &Handler{
		routes:    routes,
		validator: validator,
		client: &http.Client{
			// Redirects belong to the caller, not the gateway.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		breakers: newBreakerSet(cfg.BreakerThreshold, cfg.BreakerCooldown),
		tracer:   otel.Tracer("cityfix/gateway/proxy"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rule, err := h.routes.Current().Match(r.URL.Path)
	if err != nil {
		h.writeJSONError(w, http.StatusNotFound, "not_found", "no route for path")
		h.metrics.ObserveRequest("none", r.Method, http.StatusNotFound, time.Since(start))
		return
	}

	var subject string
	if rule.Auth == routetable.AuthUser {
		if h.validator == nil {
			// A reload slipped in an authenticated route on a gateway with no
			// validator. Fail the request instead of forwarding it unchecked.
			h.logger.Error("authenticated route has no validator configured", "route", rule.PathPrefix)
			h.writeJSONError(w, http.StatusServiceUnavailable, "auth_unavailable", "Authentication is not configured for this route")
			h.metrics.ObserveRequest(rule.PathPrefix, r.Method, http.StatusServiceUnavailable, time.Since(start))
			return
		}
		claims, authErr := h.authenticate(r)
		if authErr != nil {
			h.rejectUnauthorized(w, r, rule, authErr)
			h.metrics.ObserveRequest(rule.PathPrefix, r.Method, http.StatusUnauthorized, time.Since(start))
			return
		}
		subject = claims.Subject
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.RequestTimeout)
	defer cancel()

	ctx, span := h.tracer.Start(ctx, "gateway.forward", trace.WithAttributes(
		attribute.String("route.prefix", rule.PathPrefix),
		attribute.String("route.target", rule.Target),
		attribute.String("http.method", r.Method),
	))
	status := h.forward(ctx, w, r, rule, subject)
	span.SetAttributes(attribute.Int("http.status_code", status))
	span.End()

	h.metrics.ObserveRequest(rule.PathPrefix, r.Method, status, time.Since(start))
	h.logger.Info("request forwarded",
		"method", r.Method,
		"path", r.URL.Path,
		"route", rule.PathPrefix,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
		"client_ip", middleware.GetClientIP(r.Context()),
		"device", middleware.GetDevice(r.Context()),
	)
}

var errMissingCredential = errors.New("missing bearer credential")

func (h *Handler) authenticate(r *http.Request) (authn.Claims, error) {
	token, ok := bearerToken(r)
	if !ok {
		return authn.Claims{}, errMissingCredential
	}
	return h.validator.Validate(r.Context(), token)
}

func (h *Handler) rejectUnauthorized(w http.ResponseWriter, r *http.Request, rule routetable.Rule, err error) {
	reason := "invalid_token"
	description := "Invalid or expired token"
	switch {
	case errors.Is(err, errMissingCredential):
		reason = "missing_token"
		description = "Missing or invalid Authorization header"
	case errors.Is(err, authn.ErrTokenExpired):
		reason = "expired_token"
	case errors.Is(err, authn.ErrMalformedToken):
		reason = "malformed_token"
	case errors.Is(err, authn.ErrInvalidSignature):
		reason = "invalid_signature"
	}

	h.metrics.AuthFailures.WithLabelValues(reason).Inc()
	h.logger.Warn("unauthorized request",
		"path", r.URL.Path,
		"route", rule.PathPrefix,
		"reason", reason,
		"error", err,
	)
	h.writeJSONError(w, http.StatusUnauthorized, "unauthorized", description)
}

func (h *Handler) writeJSONError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	}); err != nil {
		h.logger.Error("failed to write error response", "error", err)
	}
}
