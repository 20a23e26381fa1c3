// Package lifecycle drives cache generations through install, activation and
// fetch interception, and coordinates rollover with attached pages.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"media-edge/internal/cache"
	"media-edge/internal/client"
	"media-edge/internal/metrics"
)

// Worker owns the current generation. Install and Activate are the lifecycle
// phases; Fetch is the interceptor consulted on every asset request.
type Worker struct {
	store   *cache.Store
	network client.Doer
	logger  *slog.Logger
	metrics *metrics.Metrics

	// mu orders activation against fetches: Activate holds it exclusively
	// until every other generation is deleted.
	mu      sync.RWMutex
	current *cache.Handle
}

// NewWorker creates a Worker. network serves cache misses. The metrics
// parameter is optional; pass nil to disable cache metrics.
func NewWorker(store *cache.Store, network client.Doer, logger *slog.Logger, m *metrics.Metrics) *Worker {
	return &Worker{
		store:   store,
		network: network,
		logger:  logger.With("component", "cache_worker"),
		metrics: m,
	}
}

// Install fetches every manifest asset into generation. On failure nothing is
// stored and the current generation is left untouched; the error wraps
// cache.ErrPopulate.
func (w *Worker) Install(ctx context.Context, generation string, m *cache.Manifest) error {
	h, err := w.store.Open(generation)
	if err != nil {
		return fmt.Errorf("install %s: %w", generation, err)
	}
	if err := w.store.Populate(ctx, h, m); err != nil {
		return fmt.Errorf("install %s: %w", generation, err)
	}
	return nil
}

// Activate makes generation current, records it in the store and deletes
// every other generation. Fetches block until it returns, so none is answered
// from a stale generation.
func (w *Worker) Activate(ctx context.Context, generation string) error {
	h, err := w.store.Open(generation)
	if err != nil {
		return fmt.Errorf("activate %s: %w", generation, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.current = h

	var errs []error
	if err := w.store.SetActive(ctx, generation); err != nil {
		errs = append(errs, err)
	}

	names, err := w.store.Generations(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list generations: %w", err))
		return fmt.Errorf("activate %s: %w", generation, errors.Join(errs...))
	}
	for _, name := range names {
		if name == generation {
			continue
		}
		if err := w.store.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		w.logger.Debug("generation deleted", "generation", name)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("activate %s: %w", generation, err)
	}
	return nil
}

// Restore makes the generation recorded by a previous Activate current again.
// It returns "" when the store holds no usable active generation.
func (w *Worker) Restore(ctx context.Context) (string, error) {
	name, err := w.store.Active(ctx)
	if err != nil {
		return "", fmt.Errorf("restore active generation: %w", err)
	}
	if name == "" {
		return "", nil
	}
	h, err := w.store.Open(name)
	if err != nil {
		return "", fmt.Errorf("restore %s: %w", name, err)
	}

	w.mu.Lock()
	w.current = h
	w.mu.Unlock()

	w.logger.Info("generation restored", "generation", name)
	return name, nil
}

// Current returns the name of the current generation, or "" before the first
// activation.
func (w *Worker) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.current == nil {
		return ""
	}
	return w.current.Name()
}

// Fetch answers req from the current generation, falling through to the
// network on a miss. A lookup error is treated as a miss. req.URL must be
// absolute.
func (w *Worker) Fetch(req *http.Request) (*http.Response, error) {
	if resp, ok := w.lookup(req); ok {
		w.countLookup("hit")
		return resp, nil
	}
	w.countLookup("miss")
	return w.network.Do(req)
}

// Do implements client.Doer.
func (w *Worker) Do(req *http.Request) (*http.Response, error) {
	return w.Fetch(req)
}

func (w *Worker) lookup(req *http.Request) (*http.Response, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.current == nil {
		return nil, false
	}
	e, ok, err := w.store.Lookup(req.Context(), w.current, cache.KeyFor(req))
	if err != nil {
		w.logger.Warn("cache lookup failed", "generation", w.current.Name(), "url", req.URL.Redacted(), "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return e.Response(req), true
}

func (w *Worker) countLookup(result string) {
	if w.metrics != nil {
		w.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}
