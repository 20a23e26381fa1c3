package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"media-edge/internal/config"
	"media-edge/internal/lifecycle"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	coord   *lifecycle.Coordinator
}

// NewHealthHandler creates a HealthHandler. coord is nil when the cache
// manager is disabled.
func NewHealthHandler(cfg *config.Config, v Version, coord *lifecycle.Coordinator) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, coord: coord}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns build and cache information.
func (h *HealthHandler) Status(c echo.Context) error {
	body := map[string]string{
		"status":            "ok",
		"version":           string(h.version),
		"cache_driver":      "disabled",
		"active_generation": "",
	}
	if h.coord != nil {
		body["cache_driver"] = h.cfg.Cache.Driver
		body["active_generation"] = h.coord.Active()
	}
	return c.JSON(http.StatusOK, body)
}
