package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"media-edge/internal/config"
	"media-edge/internal/metrics"
	"media-edge/internal/middleware"
)

// Routes bundles the handlers RegisterRoutes wires. Updates and Assets are nil
// when the cache manager is disabled.
type Routes struct {
	Proxy   *ProxyHandler
	Health  *HealthHandler
	Updates *UpdateHandler
	Assets  *AssetHandler
}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, r Routes) {
	secure := middleware.SecurityHeaders()

	e.GET("/healthz", r.Health.Healthz, secure)
	e.GET("/edge/status", r.Health.Status, secure)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})), secure)
	}

	e.Any(cfg.Server.ProxyPath, r.Proxy.Handle)

	if r.Updates != nil {
		e.GET("/sw/events", r.Updates.Events)
		e.POST("/sw/messages", r.Updates.Messages, secure)
		e.GET("/sw/state", r.Updates.State, secure)
		e.POST("/sw/reload", r.Updates.Reload, secure)
	}
	if r.Assets != nil {
		e.Any("/*", r.Assets.Handle)
	}
}
