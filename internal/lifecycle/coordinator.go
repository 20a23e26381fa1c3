package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"sync"

	"media-edge/internal/cache"
	"media-edge/internal/metrics"
)

// ErrUnknownCommand is returned by HandleCommand for any type other than
// SKIP_WAITING.
var ErrUnknownCommand = errors.New("unknown command")

// CommandSkipWaiting asks the waiting generation to activate now.
const CommandSkipWaiting = "SKIP_WAITING"

// State is the lifecycle state of one generation.
type State string

// Generation states. Installing leads to installed, then either straight to
// activating or to waiting while pages are attached. Redundant is terminal.
const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Command is an inbound update-channel message.
type Command struct {
	Type string `json:"type"`
}

// Snapshot is a point-in-time view of the coordinator.
type Snapshot struct {
	Active      string           `json:"active"`
	Waiting     string           `json:"waiting"`
	Clients     int              `json:"clients"`
	Generations map[string]State `json:"generations"`
}

// ManifestSource yields the manifest a new generation should hold. Asset URLs
// it returns must be absolute.
type ManifestSource func() (*cache.Manifest, error)

// FileManifest reads the manifest at path and resolves it against origin on
// every call.
func FileManifest(path string, origin *url.URL) ManifestSource {
	return func() (*cache.Manifest, error) {
		m, err := cache.LoadManifest(path)
		if err != nil {
			return nil, err
		}
		return m.Resolve(origin)
	}
}

// Coordinator runs generations through their states and talks to attached
// pages through a Broadcaster.
type Coordinator struct {
	worker  *Worker
	source  ManifestSource
	prefix  string
	events  *Broadcaster
	logger  *slog.Logger
	metrics *metrics.Metrics

	// transition serializes installs and activations.
	transition sync.Mutex

	mu      sync.Mutex
	states  map[string]State
	active  string
	waiting string
	clients int
}

// NewCoordinator creates a Coordinator. prefix names generations derived from
// the manifest source. The metrics parameter is optional.
func NewCoordinator(worker *Worker, source ManifestSource, prefix string, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		worker:  worker,
		source:  source,
		prefix:  prefix,
		events:  NewBroadcaster(),
		logger:  logger.With("component", "update_coordinator"),
		metrics: m,
		states:  make(map[string]State),
	}
}

// Restore adopts the generation a previous run activated, so it keeps serving
// while the next install runs or if that install fails. It must be called
// before the first Update.
func (c *Coordinator) Restore(ctx context.Context) (string, error) {
	c.transition.Lock()
	defer c.transition.Unlock()

	gen, err := c.worker.Restore(ctx)
	if err != nil || gen == "" {
		return "", err
	}

	c.mu.Lock()
	c.active = gen
	c.states[gen] = StateActivated
	c.mu.Unlock()
	return gen, nil
}

// Reload reads the manifest source and installs its generation when that
// generation is neither active nor waiting. It reports the generation name
// and whether an install was attempted.
func (c *Coordinator) Reload(ctx context.Context) (string, bool, error) {
	m, err := c.source()
	if err != nil {
		return "", false, fmt.Errorf("load manifest: %w", err)
	}
	gen := m.Generation(c.prefix)
	if c.isCurrent(gen) {
		return gen, false, nil
	}
	return gen, true, c.Update(ctx, gen, m)
}

// Update installs generation from m. A failed install marks it redundant and
// leaves the active generation serving. A successful one activates at once
// when nothing is active or no page is attached; otherwise it waits and
// attached pages are told an update is available.
func (c *Coordinator) Update(ctx context.Context, generation string, m *cache.Manifest) error {
	c.transition.Lock()
	defer c.transition.Unlock()

	if c.isCurrent(generation) {
		return nil
	}
	c.setState(generation, StateInstalling)
	c.logger.Info("installing generation", "generation", generation, "assets", len(m.Assets))

	if err := c.worker.Install(ctx, generation, m); err != nil {
		c.setState(generation, StateRedundant)
		c.countInstall("failure")
		c.logger.Error("install failed; keeping active generation",
			"generation", generation,
			"active", c.Active(),
			"error", err,
		)
		return err
	}
	c.countInstall("success")

	c.mu.Lock()
	c.states[generation] = StateInstalled
	activateNow := c.active == "" || c.clients == 0
	if !activateNow {
		if prev := c.waiting; prev != "" {
			c.states[prev] = StateRedundant
		}
		c.waiting = generation
		c.states[generation] = StateWaiting
	}
	c.mu.Unlock()

	if activateNow {
		return c.activate(ctx, generation)
	}

	c.logger.Info("generation waiting", "generation", generation)
	c.events.Publish(Event{Type: EventUpdateAvailable, Generation: generation})
	return nil
}

// SkipWaiting activates the waiting generation. With nothing waiting it is a
// no-op.
func (c *Coordinator) SkipWaiting(ctx context.Context) error {
	c.transition.Lock()
	defer c.transition.Unlock()
	return c.activateWaiting(ctx)
}

// HandleCommand dispatches an inbound command.
func (c *Coordinator) HandleCommand(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case CommandSkipWaiting:
		return c.SkipWaiting(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

// Attach records a controlled page. The returned detach func must be called
// once the page goes away; when the last page detaches, a waiting generation
// activates.
func (c *Coordinator) Attach() func(ctx context.Context) {
	c.mu.Lock()
	c.clients++
	c.setClientsGauge()
	c.mu.Unlock()

	var once sync.Once
	return func(ctx context.Context) {
		once.Do(func() {
			c.mu.Lock()
			c.clients--
			c.setClientsGauge()
			idle := c.clients == 0 && c.waiting != ""
			c.mu.Unlock()

			if !idle {
				return
			}
			c.transition.Lock()
			defer c.transition.Unlock()

			c.mu.Lock()
			stillIdle := c.clients == 0
			c.mu.Unlock()
			if !stillIdle {
				return
			}
			if err := c.activateWaiting(ctx); err != nil {
				c.logger.Error("activation after last page detached failed", "error", err)
			}
		})
	}
}

// Subscribe registers for outbound events.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.events.Subscribe()
}

// Active returns the active generation name, or "".
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Waiting returns the waiting generation name, or "".
func (c *Coordinator) Waiting() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// State returns the state of generation and whether it is known.
func (c *Coordinator) State(generation string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[generation]
	return s, ok
}

// Snapshot returns the current state of every known generation.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Active:      c.active,
		Waiting:     c.waiting,
		Clients:     c.clients,
		Generations: maps.Clone(c.states),
	}
}

// activateWaiting must be called with transition held.
func (c *Coordinator) activateWaiting(ctx context.Context) error {
	gen := c.Waiting()
	if gen == "" {
		return nil
	}
	return c.activate(ctx, gen)
}

// activate must be called with transition held.
func (c *Coordinator) activate(ctx context.Context, generation string) error {
	c.setState(generation, StateActivating)

	err := c.worker.Activate(ctx, generation)

	// The worker has switched to generation even when some deletes failed.
	c.mu.Lock()
	for name, s := range c.states {
		if name != generation && s != StateRedundant {
			c.states[name] = StateRedundant
		}
	}
	c.states[generation] = StateActivated
	c.active = generation
	c.waiting = ""
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheActivations.Inc()
	}

	if err != nil {
		c.logger.Warn("generation activated with cleanup errors", "generation", generation, "error", err)
	} else {
		c.logger.Info("generation activated", "generation", generation)
	}
	c.events.Publish(Event{Type: EventActivated, Generation: generation})
	return err
}

func (c *Coordinator) isCurrent(generation string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return generation == c.active || generation == c.waiting
}

func (c *Coordinator) setState(generation string, s State) {
	c.mu.Lock()
	c.states[generation] = s
	c.mu.Unlock()
}

func (c *Coordinator) countInstall(outcome string) {
	if c.metrics != nil {
		c.metrics.CacheInstalls.WithLabelValues(outcome).Inc()
	}
}

// setClientsGauge must be called with mu held.
func (c *Coordinator) setClientsGauge() {
	if c.metrics != nil {
		c.metrics.ControlledPages.Set(float64(c.clients))
	}
}
