package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"media-edge/internal/cache"
	"media-edge/internal/client"
	"media-edge/internal/lifecycle"
)

// edgeFixture is a cache manager in front of a counting origin.
type edgeFixture struct {
	origin    *httptest.Server
	originURL *url.URL
	hits      *atomic.Int32
	worker    *lifecycle.Worker
	coord     *lifecycle.Coordinator

	mu       sync.Mutex
	manifest *cache.Manifest
}

func newEdgeFixture(t *testing.T) *edgeFixture {
	t.Helper()
	f := &edgeFixture{hits: new(atomic.Int32)}
	f.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		switch r.URL.Path {
		case "/", "/app.js", "/app.2.js":
			w.Header().Set("X-Path", r.URL.Path)
			_, _ = w.Write([]byte("origin " + r.URL.Path))
		case "/echo":
			w.Header().Set("X-Method", r.Method)
			w.Header().Set("X-Custom", r.Header.Get("X-Custom"))
			_, _ = w.Write([]byte(r.URL.RawQuery))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.origin.Close)
	f.originURL, _ = url.Parse(f.origin.URL)

	logger := discardLogger()
	network := client.NewUpstreamClient(testConfig(), logger, nil)
	store := cache.NewStore(cache.NewMemoryBackend(), network, 2, logger)
	f.worker = lifecycle.NewWorker(store, network, logger, nil)
	f.setManifest("/", "/app.js")
	f.coord = lifecycle.NewCoordinator(f.worker, func() (*cache.Manifest, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.manifest.Resolve(f.originURL)
	}, "edge", logger, nil)
	return f
}

func (f *edgeFixture) setManifest(assets ...string) {
	f.mu.Lock()
	f.manifest = &cache.Manifest{Assets: assets}
	f.mu.Unlock()
}

// install installs and activates the current manifest.
func (f *edgeFixture) install(t *testing.T) string {
	t.Helper()
	gen, _, err := f.coord.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	return gen
}
