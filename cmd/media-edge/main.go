package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"media-edge/internal/cache"
	"media-edge/internal/client"
	"media-edge/internal/config"
	"media-edge/internal/handler"
	"media-edge/internal/lifecycle"
	"media-edge/internal/metrics"
	"media-edge/internal/middleware"
	"media-edge/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("media-edge"),
		kong.Description("CORS reverse proxy and versioned asset cache for media clients."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			client.NewUpstreamClient,
			service.NewProxyService,
			newCacheBackend,
			newWorker,
			newCoordinator,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newUpdateHandler,
			newAssetHandler,
		),
		fx.Invoke(registerRoutes, warnConfigPermissions, startCacheManager, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks. WriteTimeout stays
	// disabled so long media streams and the update channel are not cut off.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.StripHopByHop())

	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, metrics.NewPathLabeler(cfg.Server.ProxyPath, cfg.Metrics.Path)))
	}

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// newCacheBackend returns nil when the cache manager is disabled.
func newCacheBackend(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (cache.Backend, error) {
	if !cfg.CacheEnabled() {
		logger.Info("cache manager disabled: no cache.origin configured")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := cache.NewBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return b.Close()
		},
	})
	return b, nil
}

func newWorker(cfg *config.Config, b cache.Backend, uc *client.UpstreamClient, logger *slog.Logger, m *metrics.Metrics) *lifecycle.Worker {
	if b == nil {
		return nil
	}
	store := cache.NewStore(b, uc, cfg.Cache.PopulateConcurrency, logger)
	return lifecycle.NewWorker(store, uc, logger, m)
}

func newCoordinator(cfg *config.Config, w *lifecycle.Worker, logger *slog.Logger, m *metrics.Metrics) (*lifecycle.Coordinator, error) {
	if w == nil {
		return nil, nil
	}
	origin, err := url.Parse(cfg.Cache.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse cache.origin: %w", err)
	}
	source := lifecycle.FileManifest(cfg.Cache.Manifest, origin)
	return lifecycle.NewCoordinator(w, source, cfg.Cache.NamePrefix, logger, m), nil
}

func newUpdateHandler(coord *lifecycle.Coordinator, logger *slog.Logger) *handler.UpdateHandler {
	if coord == nil {
		return nil
	}
	return handler.NewUpdateHandler(coord, logger)
}

func newAssetHandler(cfg *config.Config, w *lifecycle.Worker, logger *slog.Logger) (*handler.AssetHandler, error) {
	if w == nil {
		return nil, nil
	}
	origin, err := url.Parse(cfg.Cache.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse cache.origin: %w", err)
	}
	return handler.NewAssetHandler(origin, w, logger), nil
}

type routeParams struct {
	fx.In

	Echo    *echo.Echo
	Config  *config.Config
	Metrics *metrics.Metrics
	Proxy   *handler.ProxyHandler
	Health  *handler.HealthHandler
	Updates *handler.UpdateHandler
	Assets  *handler.AssetHandler
}

func registerRoutes(p routeParams) {
	handler.RegisterRoutes(p.Echo, p.Config, p.Metrics, handler.Routes{
		Proxy:   p.Proxy,
		Health:  p.Health,
		Updates: p.Updates,
		Assets:  p.Assets,
	})
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// startCacheManager restores the previously active generation, then installs
// the manifest's generation in the background so the proxy serves immediately.
func startCacheManager(lc fx.Lifecycle, coord *lifecycle.Coordinator, logger *slog.Logger) {
	if coord == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			restored, err := coord.Restore(startCtx)
			if err != nil {
				logger.Warn("could not restore active generation", "err", err)
			} else if restored != "" {
				logger.Info("serving restored generation", "generation", restored)
			}

			go func() {
				defer close(done)
				gen, _, err := coord.Reload(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						logger.Error("initial cache install failed", "generation", gen, "err", err)
					}
					return
				}
				logger.Info("cache manager ready", "generation", gen, "active", coord.Active())
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "proxy_path", cfg.Server.ProxyPath)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
