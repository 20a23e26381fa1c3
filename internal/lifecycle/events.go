package lifecycle

import "sync"

// Outbound event types observed by the foreground application.
const (
	EventUpdateAvailable = "sw-update-available"
	EventActivated       = "sw-activated"
)

// subscriberBuffer is how many undelivered events a slow subscriber may hold
// before further events to it are dropped.
const subscriberBuffer = 8

// Event is an outbound update-channel message.
type Event struct {
	Type       string `json:"type"`
	Generation string `json:"generation,omitempty"`
}

// Broadcaster fans events out to subscribers. Publish never blocks: events
// are fire-and-forget and a full subscriber simply misses them.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBroadcaster returns a Broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber. The returned cancel func removes it
// and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with room for it.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Len returns the number of current subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
