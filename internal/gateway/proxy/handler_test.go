package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"cityfix/internal/gateway/authn"
	"cityfix/internal/gateway/metrics"
	"cityfix/internal/gateway/routetable"
)

// promauto registers into the default registry, so the metrics struct is
// shared across the package's tests.
var testMetrics = metrics.New()

type fakeValidator struct {
	claims authn.Claims
	err    error
	calls  atomic.Int32
}

func (f *fakeValidator) Validate(ctx context.Context, token string) (authn.Claims, error) {
	f.calls.Add(1)
	if f.err != nil {
		return authn.Claims{}, f.err
	}
	return f.claims, nil
}

type ProxyHandlerSuite struct {
	suite.Suite
	logger *slog.Logger
}

func TestProxyHandlerSuite(t *testing.T) {
	suite.Run(t, new(ProxyHandlerSuite))
}

func (s *ProxyHandlerSuite) SetupSuite() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *ProxyHandlerSuite) newHandler(backendURL string, auth routetable.AuthLevel, validator TokenValidator, cfg Config) *Handler {
	table, err := routetable.New([]routetable.Rule{
		{PathPrefix: "/api/reports", Target: backendURL, Auth: auth},
	})
	s.Require().NoError(err)
	return NewHandler(routetable.NewHolder(table, ""), validator, testMetrics, s.logger, cfg)
}

func (s *ProxyHandlerSuite) TestRouting() {
	s.Run("unrouted path returns 404 and is not forwarded", func() {
		var backendCalls atomic.Int32
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			backendCalls.Add(1)
		}))
		defer backend.Close()

		h := s.newHandler(backend.URL, routetable.AuthNone, nil, Config{})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

		s.Equal(http.StatusNotFound, rec.Code)
		s.Contains(rec.Body.String(), "not_found")
		s.Equal(int32(0), backendCalls.Load())
	})
}

func (s *ProxyHandlerSuite) TestAuthGate() {
	s.Run("expired token returns 401 without a backend call", func() {
		var backendCalls atomic.Int32
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			backendCalls.Add(1)
		}))
		defer backend.Close()

		validator := &fakeValidator{err: authn.ErrTokenExpired}
		h := s.newHandler(backend.URL, routetable.AuthUser, validator, Config{})

		req := httptest.NewRequest(http.MethodGet, "/api/reports/42", nil)
		req.Header.Set("Authorization", "Bearer expired-token")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		s.Equal(http.StatusUnauthorized, rec.Code)
		s.Contains(rec.Body.String(), "unauthorized")
		s.Equal(int32(0), backendCalls.Load())
		s.Equal(int32(1), validator.calls.Load())
	})

	s.Run("missing credential returns 401 without validating", func() {
		validator := &fakeValidator{}
		h := s.newHandler("http://unused:1", routetable.AuthUser, validator, Config{})

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))

		s.Equal(http.StatusUnauthorized, rec.Code)
		s.Contains(rec.Body.String(), "Authorization")
		s.Equal(int32(0), validator.calls.Load())
	})

	s.Run("auth rule without a validator returns 503, not a panic", func() {
		var backendCalls atomic.Int32
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			backendCalls.Add(1)
		}))
		defer backend.Close()

		h := s.newHandler(backend.URL, routetable.AuthUser, nil, Config{})

		req := httptest.NewRequest(http.MethodGet, "/api/reports/42", nil)
		req.Header.Set("Authorization", "Bearer some-token")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		s.Equal(http.StatusServiceUnavailable, rec.Code)
		s.Contains(rec.Body.String(), "auth_unavailable")
		s.Equal(int32(0), backendCalls.Load())
	})

	s.Run("rule without auth forwards anonymously", func() {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.Empty(r.Header.Get("X-Auth-Subject"))
			w.WriteHeader(http.StatusOK)
		}))
		defer backend.Close()

		h := s.newHandler(backend.URL, routetable.AuthNone, nil, Config{})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))
		s.Equal(http.StatusOK, rec.Code)
	})
}

func (s *ProxyHandlerSuite) TestForwarding() {
	s.Run("authenticated request is forwarded with subject and streamed back", func() {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.Equal("/api/reports/42", r.URL.Path)
			s.Equal("status=OPEN", r.URL.RawQuery)
			s.Equal("user-42", r.Header.Get("X-Auth-Subject"))
			s.Equal("custom-value", r.Header.Get("X-Custom"))
			s.Empty(r.Header.Get("Proxy-Authorization"), "hop-by-hop header must be stripped")
			s.NotEmpty(r.Header.Get("X-Forwarded-For"))

			w.Header().Set("X-Backend", "reports")
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte(`{"id":42}`))
		}))
		defer backend.Close()

		validator := &fakeValidator{claims: authn.Claims{Subject: "user-42"}}
		h := s.newHandler(backend.URL, routetable.AuthUser, validator, Config{})

		req := httptest.NewRequest(http.MethodGet, "/api/reports/42?status=OPEN", nil)
		req.Header.Set("Authorization", "Bearer good-token")
		req.Header.Set("X-Custom", "custom-value")
		req.Header.Set("Proxy-Authorization", "should-not-pass")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		s.Equal(http.StatusTeapot, rec.Code)
		s.Equal("reports", rec.Header().Get("X-Backend"))
		s.JSONEq(`{"id":42}`, rec.Body.String())
	})

	s.Run("request body reaches the backend", func() {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			s.NoError(err)
			s.Equal(`{"title":"pothole"}`, string(body))
			w.WriteHeader(http.StatusCreated)
		}))
		defer backend.Close()

		h := s.newHandler(backend.URL, routetable.AuthNone, nil, Config{})
		req := httptest.NewRequest(http.MethodPost, "/api/reports", strings.NewReader(`{"title":"pothole"}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		s.Equal(http.StatusCreated, rec.Code)
	})
}

// flakyBackend drops the first n connections at the TCP level, then serves
// normally. Dropped connections look like transport errors to the gateway.
func (s *ProxyHandlerSuite) flakyBackend(dropFirst int32, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n <= dropFirst {
			hj, ok := w.(http.Hijacker)
			s.Require().True(ok)
			conn, _, err := hj.Hijack()
			s.Require().NoError(err)
			conn.Close()
			return
		}
		handler(w, r)
	}))
	return srv, &attempts
}

func (s *ProxyHandlerSuite) TestRetryPolicy() {
	s.Run("idempotent GET retries once after a connection failure", func() {
		backend, attempts := s.flakyBackend(1, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		defer backend.Close()

		h := s.newHandler(backend.URL, routetable.AuthNone, nil, Config{})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))

		s.Equal(http.StatusOK, rec.Code)
		s.Equal("ok", rec.Body.String())
		s.Equal(int32(2), attempts.Load())
	})

	s.Run("POST is never retried and surfaces 502", func() {
		backend, attempts := s.flakyBackend(10, func(w http.ResponseWriter, r *http.Request) {})
		defer backend.Close()

		h := s.newHandler(backend.URL, routetable.AuthNone, nil, Config{})
		req := httptest.NewRequest(http.MethodPost, "/api/reports", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		s.Equal(http.StatusBadGateway, rec.Code)
		s.Equal(int32(1), attempts.Load())
	})

	s.Run("exhausted retries surface 502", func() {
		backend, attempts := s.flakyBackend(10, func(w http.ResponseWriter, r *http.Request) {})
		defer backend.Close()

		h := s.newHandler(backend.URL, routetable.AuthNone, nil, Config{})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))

		s.Equal(http.StatusBadGateway, rec.Code)
		s.Equal(int32(2), attempts.Load())
	})
}

func (s *ProxyHandlerSuite) TestDeadline() {
	s.Run("slow backend yields 504", func() {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer backend.Close()

		h := s.newHandler(backend.URL, routetable.AuthNone, nil, Config{RequestTimeout: 50 * time.Millisecond})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))

		s.Equal(http.StatusGatewayTimeout, rec.Code)
	})
}

func (s *ProxyHandlerSuite) TestCircuitBreaker() {
	s.Run("open circuit fails fast without dialing", func() {
		backend, attempts := s.flakyBackend(100, func(w http.ResponseWriter, r *http.Request) {})
		defer backend.Close()

		h := s.newHandler(backend.URL, routetable.AuthNone, nil, Config{
			BreakerThreshold: 2,
			BreakerCooldown:  time.Hour,
		})

		// Two failing requests (each with one retry) trip the breaker.
		for i := 0; i < 2; i++ {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))
			s.Equal(http.StatusBadGateway, rec.Code)
		}
		dialed := attempts.Load()

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))
		s.Equal(http.StatusBadGateway, rec.Code)
		s.Equal(dialed, attempts.Load(), "open circuit must not dial the backend")
	})
}
