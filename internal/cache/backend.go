package cache

import (
	"context"
	"fmt"
	"log/slog"

	"media-edge/internal/config"
)

// Backend is the storage behind a Store. Implementations must make Commit and
// Delete atomic: a generation is either fully present or absent.
type Backend interface {
	// Commit replaces the contents of generation with records and makes it
	// visible to Generations.
	Commit(ctx context.Context, generation string, records []Record) error
	Lookup(ctx context.Context, generation string, key Key) (Entry, bool, error)
	Generations(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, generation string) error
	// SetActive records generation as the active one so it survives a
	// restart. Active returns "" when none was recorded.
	SetActive(ctx context.Context, generation string) error
	Active(ctx context.Context) (string, error)
	Close() error
}

// NewBackend builds the backend selected by cache.driver.
func NewBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Backend, error) {
	switch cfg.Cache.Driver {
	case "memory", "":
		return NewMemoryBackend(), nil
	case "redis":
		b, err := NewRedisBackend(ctx, cfg.Cache.Redis)
		if err != nil {
			return nil, fmt.Errorf("init redis cache: %w", err)
		}
		logger.Info("cache backend ready", "driver", "redis", "addr", cfg.Cache.Redis.Addr)
		return b, nil
	case "sqlite":
		b, err := OpenSQLiteBackend(cfg.Cache.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("init sqlite cache: %w", err)
		}
		logger.Info("cache backend ready", "driver", "sqlite", "path", cfg.Cache.SQLite.Path)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Cache.Driver)
	}
}
