package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"media-edge/internal/client"
)

// AssetHandler serves same-origin asset and navigation requests through the
// fetch interceptor: cache first, network on a miss.
type AssetHandler struct {
	origin *url.URL
	fetch  client.Doer
	logger *slog.Logger
}

// NewAssetHandler creates an AssetHandler that maps inbound paths onto origin.
func NewAssetHandler(origin *url.URL, fetch client.Doer, logger *slog.Logger) *AssetHandler {
	return &AssetHandler{
		origin: origin,
		fetch:  fetch,
		logger: logger.With("component", "asset_handler"),
	}
}

// Handle forwards the request with its method, headers and body unchanged.
func (h *AssetHandler) Handle(c echo.Context) error {
	req := c.Request()
	target := h.origin.ResolveReference(&url.URL{Path: req.URL.Path, RawQuery: req.URL.RawQuery})

	var body io.Reader = http.NoBody
	if req.Body != nil && req.Body != http.NoBody {
		body = req.Body
	}
	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), body)
	if err != nil {
		return c.String(http.StatusBadRequest, "Invalid request")
	}
	out.Header = req.Header.Clone()

	resp, err := h.fetch.Do(out)
	if err != nil {
		msg := sanitizeError(err)
		h.logger.Warn("fetch failed", "path", req.URL.Path, "err", msg)
		return c.String(http.StatusBadGateway, "Fetch error: "+msg)
	}
	defer func() { _ = resp.Body.Close() }()

	copyResponseHeaders(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)

	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming asset body", "path", req.URL.Path, "err", sanitizeError(err))
	}
	return nil
}
