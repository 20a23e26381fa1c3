// Package client provides the outbound HTTP client shared by the proxy and
// the cache manager.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"media-edge/internal/config"
	"media-edge/internal/metrics"
	"media-edge/internal/model"
)

// ErrUnreachable is returned when a request never produced an upstream
// response: DNS, TLS, refused connections, timeouts and cancellation.
var ErrUnreachable = errors.New("upstream unreachable")

// ErrTooManyRedirects is wrapped into ErrUnreachable when the redirect chain
// exceeds upstream.max_redirects.
var ErrTooManyRedirects = errors.New("too many redirects")

// Fallbacks for zero-valued config; the server can never run unbounded.
const (
	defaultTimeout      = 30 * time.Second
	defaultMaxRedirects = 10
)

// Doer is the subset of *http.Client the cache manager depends on.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// UpstreamClient sends requests to arbitrary upstream origins.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and
// bounded timeouts. The timeout covers dialing, the TLS handshake and the wait
// for response headers, not the body, so long media streams are not cut off.
// The metrics parameter is optional; pass nil to disable upstream metrics.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRedirects := cfg.Upstream.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return ErrTooManyRedirects
				}
				return nil
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw
// response. Redirects are followed. Any failure to obtain a response is
// wrapped with ErrUnreachable. The caller must close the response body.
func (c *UpstreamClient) Do(req *http.Request) (*http.Response, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.UpstreamFailures.WithLabelValues(method).Inc()
		}
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return resp, nil
}

// DoStream executes a request and returns the response with its body as a
// stream. The provided context controls the lifetime of the upstream request:
// when it is canceled (e.g. the client disconnects), the upstream request is
// canceled too. The caller must close the returned body.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
