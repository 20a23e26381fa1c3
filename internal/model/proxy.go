// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is a validated inbound proxy request. Header holds only the
// allow-listed custom headers; the caller's own request headers are never
// forwarded.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Target *url.URL
	Header map[string]string
	Body   io.ReadCloser
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
