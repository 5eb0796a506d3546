package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"cityfix/internal/gateway/routetable"
)

// Hop-by-hop headers are stripped in both directions per RFC 9110 §7.6.1.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// statusClientClosed mirrors nginx's 499: the client went away before the
// backend answered. Recorded in metrics, never written to the wire.
const statusClientClosed = 499

// forward sends the request to the rule's target and streams the response
// back. Connection failures retry exactly once for idempotent methods;
// POST/PATCH surface 502 immediately since the backend may have side effects.
func (h *Handler) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, rule routetable.Rule, subject string) int {
	br := h.breakers.ForTarget(rule.Target)
	if !br.Allow() {
		h.metrics.BreakerRejects.WithLabelValues(rule.Target).Inc()
		h.writeJSONError(w, http.StatusBadGateway, "bad_gateway", "backend unavailable")
		return http.StatusBadGateway
	}

	retryable := idempotent(r.Method)
	var bodyBytes []byte
	if r.Body != nil && r.Body != http.NoBody {
		if retryable && r.ContentLength >= 0 && r.ContentLength <= h.cfg.RetryBodyLimit {
			buf, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.RetryBodyLimit+1))
			if err != nil {
				h.writeJSONError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
				return http.StatusBadRequest
			}
			bodyBytes = buf
		} else {
			// The body can't be replayed, so the request can't retry.
			retryable = false
		}
	}

	attempts := 1
	if retryable {
		attempts = 2
	}

	for attempt := 1; ; attempt++ {
		out, err := h.buildOutbound(ctx, r, rule, subject, bodyBytes)
		if err != nil {
			h.writeJSONError(w, http.StatusBadGateway, "bad_gateway", "invalid backend target")
			return http.StatusBadGateway
		}

		resp, err := h.client.Do(out)
		if err == nil {
			br.RecordSuccess()
			return h.stream(w, resp)
		}

		br.RecordFailure()
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			h.writeJSONError(w, http.StatusGatewayTimeout, "gateway_timeout", "backend did not respond in time")
			return http.StatusGatewayTimeout
		case errors.Is(ctx.Err(), context.Canceled):
			// Client disconnected; nothing useful to write.
			return statusClientClosed
		}

		if attempt < attempts {
			h.metrics.RetriesTotal.Inc()
			h.logger.Warn("retrying idempotent forward",
				"method", r.Method,
				"target", rule.Target,
				"error", err,
			)
			continue
		}

		h.logger.Warn("backend connection failed",
			"method", r.Method,
			"target", rule.Target,
			"error", err,
		)
		h.writeJSONError(w, http.StatusBadGateway, "bad_gateway", "backend connection failed")
		return http.StatusBadGateway
	}
}

func (h *Handler) buildOutbound(ctx context.Context, r *http.Request, rule routetable.Rule, subject string, bodyBytes []byte) (*http.Request, error) {
	target, err := url.Parse(rule.Target)
	if err != nil {
		return nil, err
	}

	outURL := *target
	outURL.Path = joinPath(target.Path, r.URL.Path)
	outURL.RawQuery = r.URL.RawQuery

	var body io.Reader
	switch {
	case bodyBytes != nil:
		body = bytes.NewReader(bodyBytes)
	case r.Body != nil && r.Body != http.NoBody:
		body = r.Body
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), body)
	if err != nil {
		return nil, err
	}
	if bodyBytes != nil {
		out.ContentLength = int64(len(bodyBytes))
	} else {
		out.ContentLength = r.ContentLength
	}

	out.Header = r.Header.Clone()
	removeHopHeaders(out.Header)
	out.Header.Set("X-Forwarded-Host", r.Host)
	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		appendForwardedFor(out.Header, host)
	}
	if subject != "" {
		out.Header.Set("X-Auth-Subject", subject)
	}
	return out, nil
}

// stream copies the backend response to the client unchanged apart from
// hop-by-hop headers.
func (h *Handler) stream(w http.ResponseWriter, resp *http.Response) int {
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Warn("response streaming interrupted", "error", err)
	}
	return resp.StatusCode
}

func bearerToken(r *http.Request) (string, bool) {
	const bearerPrefix = "Bearer "
	if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), bearerPrefix); ok && after != "" {
		return after, true
	}
	return "", false
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

func removeHopHeaders(h http.Header) {
	// Headers named by Connection are hop-by-hop too.
	for _, name := range h.Values("Connection") {
		for _, part := range strings.Split(name, ",") {
			if part = strings.TrimSpace(part); part != "" {
				h.Del(part)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func isHopHeader(name string) bool {
	for _, hop := range hopHeaders {
		if strings.EqualFold(name, hop) {
			return true
		}
	}
	return false
}

func appendForwardedFor(h http.Header, clientIP string) {
	if clientIP == "" {
		return
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientIP)
		return
	}
	h.Set("X-Forwarded-For", clientIP)
}

func joinPath(base, request string) string {
	if base == "" || base == "/" {
		return request
	}
	return strings.TrimSuffix(base, "/") + request
}
