package http

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	ctxutil "3tcapital/auditharvest/internal/infrastructure/context"
	"3tcapital/auditharvest/internal/infrastructure/security"
)

// TracedTransport logs every provider call. URLs are sanitized before they
// reach the log; bodies are never logged.
type TracedTransport struct {
	base     http.RoundTripper
	log      *slog.Logger
	provider string
}

// TracedClientConfig holds configuration for the traced HTTP client.
type TracedClientConfig struct {
	Timeout         time.Duration
	MaxConnsPerHost int // 0 = 50
}

// NewTracedTransport wraps base, or a pooled transport when base is nil.
func NewTracedTransport(base http.RoundTripper, log *slog.Logger, provider string) *TracedTransport {
	if base == nil {
		base = newPooledTransport(50)
	}
	if log == nil {
		log = slog.Default()
	}
	return &TracedTransport{base: base, log: log, provider: provider}
}

// NewTracedClient creates an HTTP client for provider SDKs. Partition workers
// share it, so the pool is sized by MaxConnsPerHost.
func NewTracedClient(cfg *TracedClientConfig, log *slog.Logger, provider string) *http.Client {
	if cfg == nil {
		cfg = &TracedClientConfig{}
	}
	conns := cfg.MaxConnsPerHost
	if conns <= 0 {
		conns = 50
	}
	return NewClient(&ClientConfig{
		Timeout:   cfg.Timeout,
		Transport: NewTracedTransport(newPooledTransport(conns), log, provider),
	})
}

func newPooledTransport(conns int) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxIdleConnsPerHost = conns
	transport.MaxConnsPerHost = conns
	transport.IdleConnTimeout = 90 * time.Second
	transport.TLSHandshakeTimeout = 10 * time.Second
	return transport
}

// RoundTrip implements http.RoundTripper.
func (t *TracedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()

	attrs := []any{
		"provider", t.provider,
		"operation", Operation(req),
		"method", req.Method,
		"url", security.SanitizeURL(req.URL.String()),
	}
	if runID := ctxutil.GetRunID(ctx); runID != "" {
		attrs = append(attrs, "run_id", runID)
	}
	t.log.DebugContext(ctx, "provider_request", attrs...)

	resp, err := t.base.RoundTrip(req)
	attrs = append(attrs, "duration_ms", time.Since(start).Milliseconds())

	if err != nil {
		attrs = append(attrs, "error", err.Error())
		t.log.WarnContext(ctx, "provider_request_failed", attrs...)
		return resp, err
	}

	attrs = append(attrs, "status", resp.StatusCode)
	if resp.StatusCode >= 400 {
		t.log.WarnContext(ctx, "provider_response", attrs...)
	} else {
		t.log.DebugContext(ctx, "provider_response", attrs...)
	}
	return resp, nil
}

// Operation names the API call: the X-Amz-Target action for AWS JSON APIs,
// the "comp" query value for Azure Storage, otherwise the last path segment.
func Operation(req *http.Request) string {
	if target := req.Header.Get("X-Amz-Target"); target != "" {
		if i := strings.LastIndex(target, "."); i >= 0 {
			return target[i+1:]
		}
		return target
	}
	if comp := req.URL.Query().Get("comp"); comp != "" {
		return comp
	}
	parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")
	if last := parts[len(parts)-1]; last != "" {
		return last
	}
	return req.Method
}
