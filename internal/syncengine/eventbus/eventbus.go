// Package eventbus implements an in-process, best-effort publish
// channel from the sync engine to whatever UI layer has embedded it.
// No available library offers single-process pub/sub at
// this scale (the one candidate, go-libp2p-pubsub, is a multi-peer
// gossip mesh and a poor fit for notifying a local UI) — this is the
// one component built directly on stdlib channels and a mutex.
package eventbus

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
)

// Event is a single notification, per §4.10's {name, payload} shape.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Subscriber receives events on this channel. The bus never blocks
// waiting for a slow or absent reader — see Publish.
type Subscriber chan Event

// subscriberBuffer bounds how many undelivered events a lagging
// subscriber can accumulate before Publish starts dropping for it,
// so one stuck UI panel can never block the cycle engine.
const subscriberBuffer = 32

// Bus is a single-process, multi-subscriber, best-effort event
// broadcaster.
type Bus struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[int]Subscriber
	next int
}

// New constructs a Bus. log may be nil, in which case a disabled
// logger is used.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{log: log, subs: make(map[int]Subscriber)}
}

// Subscribe registers a new listener and returns it along with a
// token to pass to Unsubscribe.
func (b *Bus) Subscribe() (int, Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(Subscriber, subscriberBuffer)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish broadcasts name/payload to every current subscriber.
// Marshaling failures are logged and dropped rather than propagated —
// a malformed progress event must never fail the cycle that emitted
// it. Delivery to a full subscriber channel is dropped, not blocked
// on: this bus favors the engine's forward progress over lossless
// delivery to a slow consumer.
func (b *Bus) Publish(name string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("eventbus: failed to marshal event payload", "event", name, "error", err)
		return
	}
	evt := Event{Name: name, Payload: raw}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.log.Warn("eventbus: dropping event for lagging subscriber", "event", name, "subscriber", id)
		}
	}
}

// Close unsubscribes and closes every outstanding subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
