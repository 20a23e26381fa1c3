// Package cache implements the versioned content cache behind the cache
// manager: named generations of stored responses keyed by request identity.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"golang.org/x/sync/errgroup"

	"media-edge/internal/client"
)

// ErrPopulate is returned when any manifest asset fails to fetch. Nothing is
// committed in that case.
var ErrPopulate = errors.New("cache populate failed")

// ErrInvalidName is returned by Open for an empty generation name.
var ErrInvalidName = errors.New("invalid generation name")

// Store is the CacheStore: it opens, populates, queries and deletes
// generations on top of a Backend.
type Store struct {
	backend     Backend
	fetch       client.Doer
	concurrency int
	logger      *slog.Logger
}

// Handle names one generation of the store.
type Handle struct {
	name string
}

// Name returns the generation name.
func (h *Handle) Name() string { return h.name }

// NewStore creates a Store. fetch is used by Populate to download assets;
// concurrency bounds parallel downloads (values below 1 mean 1).
func NewStore(backend Backend, fetch client.Doer, concurrency int, logger *slog.Logger) *Store {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Store{
		backend:     backend,
		fetch:       fetch,
		concurrency: concurrency,
		logger:      logger.With("component", "cache_store"),
	}
}

// Open returns a handle for the named generation. The generation becomes
// visible to Generations only once Populate succeeds.
func (s *Store) Open(name string) (*Handle, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	return &Handle{name: name}, nil
}

// Populate fetches every asset of m and stores them under h in one commit.
// If any fetch fails, or answers with a non-2xx status, nothing is stored and
// the error wraps ErrPopulate. Asset URLs must be absolute.
func (s *Store) Populate(ctx context.Context, h *Handle, m *Manifest) error {
	records := make([]Record, len(m.Assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, asset := range m.Assets {
		g.Go(func() error {
			rec, err := s.fetchAsset(gctx, asset)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrPopulate, asset, err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.backend.Commit(ctx, h.name, records); err != nil {
		return fmt.Errorf("%w: %w", ErrPopulate, err)
	}
	s.logger.Info("generation populated", "generation", h.name, "assets", len(records))
	return nil
}

func (s *Store) fetchAsset(ctx context.Context, asset string) (Record, error) {
	u, err := url.Parse(asset)
	if err != nil {
		return Record{}, err
	}
	if !u.IsAbs() {
		return Record{}, fmt.Errorf("asset URL is not absolute")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return Record{}, err
	}
	resp, err := s.fetch.Do(req)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Record{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Record{}, fmt.Errorf("read body: %w", err)
	}

	return Record{
		Key: Key{Method: http.MethodGet, URL: u.String()},
		Entry: Entry{
			Status: resp.StatusCode,
			Header: resp.Header.Clone(),
			Body:   body,
		},
	}, nil
}

// Lookup returns the entry stored under key in h's generation.
func (s *Store) Lookup(ctx context.Context, h *Handle, key Key) (Entry, bool, error) {
	return s.backend.Lookup(ctx, h.name, key)
}

// Generations lists the names of all committed generations.
func (s *Store) Generations(ctx context.Context) ([]string, error) {
	return s.backend.Generations(ctx)
}

// SetActive records the active generation in the backend.
func (s *Store) SetActive(ctx context.Context, name string) error {
	return s.backend.SetActive(ctx, name)
}

// Active returns the recorded active generation if it is still committed,
// or "".
func (s *Store) Active(ctx context.Context) (string, error) {
	name, err := s.backend.Active(ctx)
	if err != nil || name == "" {
		return "", err
	}
	names, err := s.backend.Generations(ctx)
	if err != nil {
		return "", err
	}
	if !slices.Contains(names, name) {
		return "", nil
	}
	return name, nil
}

// Delete removes a generation and all of its entries.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.backend.Delete(ctx, name)
}
