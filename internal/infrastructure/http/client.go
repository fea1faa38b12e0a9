package http

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds a single provider call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// ClientConfig holds configuration for HTTP clients.
type ClientConfig struct {
	Timeout       time.Duration
	Transport     http.RoundTripper
	CheckRedirect func(req *http.Request, via []*http.Request) error
}

// NewClient creates an HTTP client. A nil config or a zero timeout falls back
// to DefaultTimeout.
func NewClient(config *ClientConfig) *http.Client {
	if config == nil {
		config = &ClientConfig{}
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:       timeout,
		Transport:     config.Transport,
		CheckRedirect: config.CheckRedirect,
	}
}
