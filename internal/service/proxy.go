// Package service implements request validation, header filtering and the
// upstream forwarding logic of the edge proxy.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"media-edge/internal/client"
	"media-edge/internal/model"
)

// ErrClientInput is the class of all request validation failures. They map to
// 4xx responses and are never retried.
var ErrClientInput = errors.New("client input")

var (
	// ErrMissingURL is returned when the url query parameter is absent.
	ErrMissingURL = fmt.Errorf("%w: missing url parameter", ErrClientInput)
	// ErrInvalidURL is returned when the url is not an absolute http(s) URL.
	ErrInvalidURL = fmt.Errorf("%w: invalid url parameter", ErrClientInput)
	// ErrInvalidHeaders is returned when the headers parameter is not a JSON object.
	ErrInvalidHeaders = fmt.Errorf("%w: invalid headers param", ErrClientInput)
	// ErrInvalidBody is returned when the inbound request body cannot be read.
	ErrInvalidBody = fmt.Errorf("%w: invalid request body", ErrClientInput)
)

// upstreamAccept is sent on every upstream request regardless of caller input
// so HLS and manifest endpoints answer uniformly.
const upstreamAccept = "*/*"

// Upstream is the outbound client the proxy forwards through.
type Upstream interface {
	DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error)
}

// ProxyService forwards validated proxy requests to their target origin.
// It holds no per-request state and is safe for concurrent use.
type ProxyService struct {
	client Upstream
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, logger *slog.Logger) *ProxyService {
	return newProxyService(c, logger)
}

func newProxyService(c Upstream, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		logger: logger.With("component", "proxy_service"),
	}
}

// ParseRequest validates the proxy query parameters and builds a ProxyRequest
// carrying only allow-listed headers. It performs no I/O.
func ParseRequest(ctx context.Context, method string, query url.Values, body io.ReadCloser) (*model.ProxyRequest, error) {
	rawURL := query.Get("url")
	if rawURL == "" {
		return nil, ErrMissingURL
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, ErrInvalidURL
	}

	custom, err := ParseHeaders(query.Get("headers"))
	if err != nil {
		return nil, err
	}

	filtered := FilterHeaders(custom)
	for k, v := range filtered {
		if strings.ContainsAny(v, "\r\n\x00") {
			return nil, fmt.Errorf("%w: control character in %s", ErrInvalidHeaders, k)
		}
	}

	return &model.ProxyRequest{
		Ctx:    ctx,
		Method: method,
		Target: target,
		Header: filtered,
		Body:   body,
	}, nil
}

// Forward sends a ProxyRequest upstream with its original method and returns
// the final response after redirects. Exactly one upstream attempt is made.
// Failures to reach the upstream are wrapped with client.ErrUnreachable.
// The caller must close the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	header := s.buildRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", pr.Target.Host,
	)

	// The body is buffered so 307 and 308 redirects can replay it. Its size
	// is already capped by the BodyLimit middleware.
	var body io.Reader
	if pr.Body != nil && pr.Body != http.NoBody {
		buf, err := io.ReadAll(pr.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidBody, err)
		}
		body = bytes.NewReader(buf)
	}

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, pr.Target.String(), header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, nil
}

// buildRequestHeaders canonicalizes the filtered names. When two keys differ
// only in case, the one sorting last wins, so lowercase names beat their
// canonical spelling.
func (s *ProxyService) buildRequestHeaders(filtered map[string]string) http.Header {
	dst := make(http.Header, len(filtered)+1)
	for _, k := range slices.Sorted(maps.Keys(filtered)) {
		dst.Set(k, filtered[k])
	}
	dst.Set("Accept", upstreamAccept)
	return dst
}
