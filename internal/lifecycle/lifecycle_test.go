package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"media-edge/internal/cache"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingDoer stands in for the network and records every call.
type countingDoer struct {
	calls atomic.Int32
}

func (d *countingDoer) Do(req *http.Request) (*http.Response, error) {
	d.calls.Add(1)
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"X-Source": {"network"}},
		Body:       io.NopCloser(strings.NewReader("from network")),
		Request:    req,
	}, nil
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/index.html", "/app.js", "/app.2.js":
			_, _ = w.Write([]byte("asset " + r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	origin  *httptest.Server
	backend *cache.MemoryBackend
	store   *cache.Store
	network *countingDoer
	worker  *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	origin := newOrigin(t)
	backend := cache.NewMemoryBackend()
	store := cache.NewStore(backend, origin.Client(), 2, discardLogger())
	network := &countingDoer{}
	return &fixture{
		origin:  origin,
		backend: backend,
		store:   store,
		network: network,
		worker:  NewWorker(store, network, discardLogger(), nil),
	}
}

func (f *fixture) manifest(paths ...string) *cache.Manifest {
	m := &cache.Manifest{}
	for _, p := range paths {
		m.Assets = append(m.Assets, f.origin.URL+p)
	}
	return m
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, f.origin.URL+path, http.NoBody)
	resp, err := f.worker.Fetch(req)
	if err != nil {
		t.Fatalf("Fetch(%s) error = %v", path, err)
	}
	return resp
}

func TestWorker_InstallStoresEveryAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manifest("/", "/index.html", "/app.js")

	if err := f.worker.Install(ctx, "g1", m); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	h, _ := f.store.Open("g1")
	for _, asset := range m.Assets {
		if _, ok, err := f.store.Lookup(ctx, h, cache.Key{Method: http.MethodGet, URL: asset}); err != nil || !ok {
			t.Errorf("Lookup(%s) = ok %v, err %v; want hit", asset, ok, err)
		}
	}
}

func TestWorker_ActivateLeavesOnlyNewGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.worker.Install(ctx, "g1", f.manifest("/app.js")); err != nil {
		t.Fatal(err)
	}
	if err := f.worker.Activate(ctx, "g1"); err != nil {
		t.Fatal(err)
	}
	if err := f.worker.Install(ctx, "g2", f.manifest("/app.2.js")); err != nil {
		t.Fatal(err)
	}
	if err := f.worker.Activate(ctx, "g2"); err != nil {
		t.Fatalf("Activate(g2) error = %v", err)
	}

	names, err := f.store.Generations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "g2" {
		t.Errorf("Generations() = %v, want [g2]", names)
	}
	if f.worker.Current() != "g2" {
		t.Errorf("Current() = %q, want g2", f.worker.Current())
	}
}

func TestWorker_FetchHitMakesNoNetworkCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manifest("/", "/app.js")

	if err := f.worker.Install(ctx, "g1", m); err != nil {
		t.Fatal(err)
	}
	if err := f.worker.Activate(ctx, "g1"); err != nil {
		t.Fatal(err)
	}

	resp := f.get(t, "/app.js")
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "asset /app.js" {
		t.Errorf("body = %q, want cached asset", string(body))
	}
	f.get(t, "/")

	if n := f.network.calls.Load(); n != 0 {
		t.Errorf("network calls = %d, want 0 for cache hits", n)
	}

	miss := f.get(t, "/not-cached.png")
	if miss.Header.Get("X-Source") != "network" {
		t.Error("miss must be answered by the network")
	}
	if n := f.network.calls.Load(); n != 1 {
		t.Errorf("network calls = %d, want 1 after one miss", n)
	}
}

func TestWorker_FetchWithoutActiveGeneration(t *testing.T) {
	f := newFixture(t)
	if err := f.worker.Install(context.Background(), "g1", f.manifest("/app.js")); err != nil {
		t.Fatal(err)
	}

	f.get(t, "/app.js")
	if n := f.network.calls.Load(); n != 1 {
		t.Errorf("network calls = %d, want 1 before activation", n)
	}
}

func TestWorker_FetchMethodIsPartOfIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.worker.Install(ctx, "g1", f.manifest("/app.js"))
	_ = f.worker.Activate(ctx, "g1")

	req := httptest.NewRequest(http.MethodPost, f.origin.URL+"/app.js", strings.NewReader("x"))
	if _, err := f.worker.Fetch(req); err != nil {
		t.Fatal(err)
	}
	if n := f.network.calls.Load(); n != 1 {
		t.Errorf("network calls = %d, want POST to miss the cache", n)
	}
}

func newCoordinator(f *fixture) *Coordinator {
	source := func() (*cache.Manifest, error) {
		return f.manifest("/app.js"), nil
	}
	return NewCoordinator(f.worker, source, "edge", discardLogger(), nil)
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestCoordinator_FirstInstallActivatesImmediately(t *testing.T) {
	f := newFixture(t)
	c := newCoordinator(f)
	events, cancel := c.Subscribe()
	defer cancel()

	if err := c.Update(context.Background(), "g1", f.manifest("/app.js")); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if c.Active() != "g1" || c.Waiting() != "" {
		t.Errorf("active=%q waiting=%q, want g1 and none", c.Active(), c.Waiting())
	}
	if s, _ := c.State("g1"); s != StateActivated {
		t.Errorf("State(g1) = %q, want activated", s)
	}
	if e := receive(t, events); e.Type != EventActivated || e.Generation != "g1" {
		t.Errorf("event = %+v, want sw-activated for g1", e)
	}
}

func TestCoordinator_WaitsWhilePagesAttached(t *testing.T) {
	f := newFixture(t)
	c := newCoordinator(f)
	ctx := context.Background()

	if err := c.Update(ctx, "g1", f.manifest("/app.js")); err != nil {
		t.Fatal(err)
	}
	detach := c.Attach()
	defer detach(ctx)

	events, cancel := c.Subscribe()
	defer cancel()

	if err := c.Update(ctx, "g2", f.manifest("/app.2.js")); err != nil {
		t.Fatalf("Update(g2) error = %v", err)
	}
	if c.Waiting() != "g2" || c.Active() != "g1" {
		t.Fatalf("active=%q waiting=%q, want g1 active and g2 waiting", c.Active(), c.Waiting())
	}
	if e := receive(t, events); e.Type != EventUpdateAvailable || e.Generation != "g2" {
		t.Errorf("event = %+v, want sw-update-available for g2", e)
	}

	// The old generation keeps serving while g2 waits.
	f.get(t, "/app.js")
	if n := f.network.calls.Load(); n != 0 {
		t.Errorf("network calls = %d, want g1 to keep serving", n)
	}

	if err := c.HandleCommand(ctx, Command{Type: CommandSkipWaiting}); err != nil {
		t.Fatalf("SKIP_WAITING error = %v", err)
	}
	if c.Active() != "g2" || c.Waiting() != "" {
		t.Errorf("after skip: active=%q waiting=%q", c.Active(), c.Waiting())
	}
	if s, _ := c.State("g1"); s != StateRedundant {
		t.Errorf("State(g1) = %q, want redundant", s)
	}
	if e := receive(t, events); e.Type != EventActivated || e.Generation != "g2" {
		t.Errorf("event = %+v, want sw-activated for g2", e)
	}

	names, _ := f.store.Generations(ctx)
	if len(names) != 1 || names[0] != "g2" {
		t.Errorf("Generations() = %v, want [g2]", names)
	}
}

func TestCoordinator_SkipWaitingWithNothingWaiting(t *testing.T) {
	f := newFixture(t)
	c := newCoordinator(f)
	ctx := context.Background()

	if err := c.SkipWaiting(ctx); err != nil {
		t.Errorf("SkipWaiting() on empty coordinator error = %v", err)
	}

	if err := c.Update(ctx, "g1", f.manifest("/app.js")); err != nil {
		t.Fatal(err)
	}
	before := c.Snapshot()

	if err := c.HandleCommand(ctx, Command{Type: CommandSkipWaiting}); err != nil {
		t.Errorf("SKIP_WAITING error = %v, want nil", err)
	}
	if err := c.SkipWaiting(ctx); err != nil {
		t.Errorf("repeated SkipWaiting() error = %v, want nil", err)
	}

	after := c.Snapshot()
	if after.Active != before.Active || after.Waiting != before.Waiting || len(after.Generations) != len(before.Generations) {
		t.Errorf("snapshot changed: before %+v, after %+v", before, after)
	}
	for name, s := range before.Generations {
		if after.Generations[name] != s {
			t.Errorf("State(%s) = %q, want %q", name, after.Generations[name], s)
		}
	}
}

func TestCoordinator_LastDetachActivatesWaiting(t *testing.T) {
	f := newFixture(t)
	c := newCoordinator(f)
	ctx := context.Background()

	_ = c.Update(ctx, "g1", f.manifest("/app.js"))
	first := c.Attach()
	second := c.Attach()

	if err := c.Update(ctx, "g2", f.manifest("/app.2.js")); err != nil {
		t.Fatal(err)
	}

	first(ctx)
	first(ctx) // detaching twice counts once
	if c.Waiting() != "g2" {
		t.Fatalf("waiting = %q, want g2 while a page is still attached", c.Waiting())
	}

	second(ctx)
	if c.Active() != "g2" || c.Waiting() != "" {
		t.Errorf("after last detach: active=%q waiting=%q", c.Active(), c.Waiting())
	}
	if snap := c.Snapshot(); snap.Clients != 0 {
		t.Errorf("Clients = %d, want 0", snap.Clients)
	}
}

func TestCoordinator_NoPagesActivatesImmediately(t *testing.T) {
	f := newFixture(t)
	c := newCoordinator(f)
	ctx := context.Background()

	_ = c.Update(ctx, "g1", f.manifest("/app.js"))
	if err := c.Update(ctx, "g2", f.manifest("/app.2.js")); err != nil {
		t.Fatal(err)
	}
	if c.Active() != "g2" {
		t.Errorf("Active() = %q, want g2 with no attached pages", c.Active())
	}
}

func TestCoordinator_FailedInstallKeepsActiveGeneration(t *testing.T) {
	f := newFixture(t)
	c := newCoordinator(f)
	ctx := context.Background()

	if err := c.Update(ctx, "g1", f.manifest("/app.js")); err != nil {
		t.Fatal(err)
	}

	err := c.Update(ctx, "g2", f.manifest("/app.js", "/missing.js"))
	if !errors.Is(err, cache.ErrPopulate) {
		t.Fatalf("Update(g2) err = %v, want ErrPopulate", err)
	}
	if c.Active() != "g1" {
		t.Errorf("Active() = %q, want g1", c.Active())
	}
	if s, _ := c.State("g2"); s != StateRedundant {
		t.Errorf("State(g2) = %q, want redundant", s)
	}

	names, _ := f.store.Generations(ctx)
	if len(names) != 1 || names[0] != "g1" {
		t.Errorf("Generations() = %v, want [g1]", names)
	}
	f.get(t, "/app.js")
	if n := f.network.calls.Load(); n != 0 {
		t.Errorf("network calls = %d, want g1 still serving", n)
	}
}

func TestCoordinator_UpdateSameGenerationIsNoop(t *testing.T) {
	f := newFixture(t)
	c := newCoordinator(f)
	ctx := context.Background()

	_ = c.Update(ctx, "g1", f.manifest("/app.js"))
	events, cancel := c.Subscribe()
	defer cancel()

	if err := c.Update(ctx, "g1", f.manifest("/app.js")); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-events:
		t.Errorf("unexpected event %+v", e)
	default:
	}
}

func TestCoordinator_HandleCommandUnknown(t *testing.T) {
	c := newCoordinator(newFixture(t))
	err := c.HandleCommand(context.Background(), Command{Type: "CLAIM"})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("HandleCommand() err = %v, want ErrUnknownCommand", err)
	}
}

func TestCoordinator_Reload(t *testing.T) {
	f := newFixture(t)
	c := newCoordinator(f)
	ctx := context.Background()

	gen, changed, err := c.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if !changed || !strings.HasPrefix(gen, "edge-") {
		t.Errorf("Reload() = %q, %v; want new edge- generation", gen, changed)
	}
	if c.Active() != gen {
		t.Errorf("Active() = %q, want %q", c.Active(), gen)
	}

	again, changed, err := c.Reload(ctx)
	if err != nil || changed || again != gen {
		t.Errorf("second Reload() = %q, %v, %v; want unchanged", again, changed, err)
	}
}

func TestCoordinator_ReloadSourceError(t *testing.T) {
	f := newFixture(t)
	c := NewCoordinator(f.worker, func() (*cache.Manifest, error) {
		return nil, errors.New("boom")
	}, "edge", discardLogger(), nil)

	if _, _, err := c.Reload(context.Background()); err == nil {
		t.Error("Reload() expected error from manifest source")
	}
}

func TestBroadcaster_PublishNeverBlocks(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()

	for i := 0; i < subscriberBuffer*3; i++ {
		b.Publish(Event{Type: EventActivated})
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("buffered = %d, want %d", len(ch), subscriberBuffer)
	}

	cancel()
	cancel()
	if b.Len() != 0 {
		t.Errorf("Len() = %d after cancel, want 0", b.Len())
	}
	b.Publish(Event{Type: EventActivated})
}
