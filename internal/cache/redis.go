package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"media-edge/internal/config"
)

// RedisBackend stores each generation as one hash (field = request identity,
// value = JSON entry) and tracks membership in a set. Commits and deletes run
// in MULTI/EXEC so readers never see a half-written generation.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisBackend connects to redis and verifies the connection.
func NewRedisBackend(ctx context.Context, cfg config.RedisConfig) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return newRedisBackend(rdb, cfg.Prefix), nil
}

func newRedisBackend(rdb *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{rdb: rdb, prefix: prefix}
}

func (r *RedisBackend) setKey() string {
	return r.prefix + ":generations"
}

func (r *RedisBackend) activeKey() string {
	return r.prefix + ":active"
}

func (r *RedisBackend) hashKey(generation string) string {
	return r.prefix + ":gen:" + generation
}

// Commit implements Backend.
func (r *RedisBackend) Commit(ctx context.Context, generation string, records []Record) error {
	fields := make(map[string]any, len(records))
	for _, rec := range records {
		b, err := json.Marshal(rec.Entry)
		if err != nil {
			return fmt.Errorf("encode %s: %w", rec.Key, err)
		}
		fields[rec.Key.String()] = b
	}

	hk := r.hashKey(generation)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, hk)
		if len(fields) > 0 {
			pipe.HSet(ctx, hk, fields)
		}
		pipe.SAdd(ctx, r.setKey(), generation)
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit generation %s: %w", generation, err)
	}
	return nil
}

// Lookup implements Backend.
func (r *RedisBackend) Lookup(ctx context.Context, generation string, key Key) (Entry, bool, error) {
	b, err := r.rdb.HGet(ctx, r.hashKey(generation), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return e, true, nil
}

// Generations implements Backend.
func (r *RedisBackend) Generations(ctx context.Context) ([]string, error) {
	names, err := r.rdb.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Delete implements Backend.
func (r *RedisBackend) Delete(ctx context.Context, generation string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.hashKey(generation))
		pipe.SRem(ctx, r.setKey(), generation)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete generation %s: %w", generation, err)
	}
	return nil
}

// SetActive implements Backend.
func (r *RedisBackend) SetActive(ctx context.Context, generation string) error {
	if err := r.rdb.Set(ctx, r.activeKey(), generation, 0).Err(); err != nil {
		return fmt.Errorf("set active generation %s: %w", generation, err)
	}
	return nil
}

// Active implements Backend.
func (r *RedisBackend) Active(ctx context.Context) (string, error) {
	name, err := r.rdb.Get(ctx, r.activeKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get active generation: %w", err)
	}
	return name, nil
}

// Close implements Backend.
func (r *RedisBackend) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}
