package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"media-edge/internal/service"
)

// ProxyHandler is the edge proxy entry point: it validates the url and
// headers query parameters, forwards upstream and streams the answer back
// with CORS headers.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle serves one proxy request. Preflight requests are answered locally
// before any validation or network I/O.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodOptions {
		setCORS(c.Response().Header())
		return c.NoContent(http.StatusNoContent)
	}

	pr, err := service.ParseRequest(req.Context(), req.Method, req.URL.Query(), req.Body)
	if err != nil {
		return h.mapError(c, err)
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	copyResponseHeaders(header, resp.Header)
	setCORS(header)

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a mid-stream failure can only truncate
	// the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", sanitizeError(err),
			"host", pr.Target.Host,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	setCORS(c.Response().Header())

	// BodyLimit reports an oversized body through the reader as a 413.
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	if errors.Is(err, service.ErrClientInput) {
		h.logger.Debug("rejected proxy request", "err", err)

		switch {
		case errors.Is(err, service.ErrMissingURL):
			return c.String(http.StatusBadRequest, "Missing url parameter")
		case errors.Is(err, service.ErrInvalidHeaders):
			return c.String(http.StatusBadRequest, "Invalid headers param")
		case errors.Is(err, service.ErrInvalidBody):
			return c.String(http.StatusBadRequest, "Invalid request body")
		default:
			return c.String(http.StatusBadRequest, "Invalid url parameter")
		}
	}

	msg := sanitizeError(err)
	h.logger.Warn("proxy error", "err", msg)
	return c.String(http.StatusBadGateway, "Proxy error: "+msg)
}
