// Package bus provides the synchronous in-process event bus the pipeline
// publishes on. Events are a closed set of typed structs identified by a
// dot-delimited Kind.
//
// Delivery contract: Publish invokes every subscriber for the event's kind
// on the calling goroutine, in subscription-registration order. A
// subscriber that panics is recovered and logged; it never prevents the
// remaining subscribers from running and never propagates to the publisher.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kmorton/fieldsync/internal/logging"
	"github.com/kmorton/fieldsync/internal/source"
)

// Kind identifies the category of a pipeline event.
type Kind string

const (
	// KindSourceUpdated fires once per source per cycle that produced a
	// payload, fresh or stale.
	KindSourceUpdated Kind = "source.updated"

	// KindRefreshComplete fires once per cycle, after every
	// KindSourceUpdated of that cycle.
	KindRefreshComplete Kind = "refresh.complete"
)

// Event is implemented by every published payload type.
type Event interface {
	EventKind() Kind
}

// SourceUpdated announces a new payload for one source. Stale means the
// payload came from the offline store rather than a fresh fetch: last
// known good, possibly outdated, not an error state.
type SourceUpdated struct {
	SourceID string
	Payload  source.Payload
	Stale    bool
	At       time.Time
}

// EventKind implements Event.
func (SourceUpdated) EventKind() Kind { return KindSourceUpdated }

// RefreshComplete announces the end of a full refresh cycle.
type RefreshComplete struct {
	At        time.Time
	Succeeded int // sources that produced a payload (fresh or stale)
	Failed    int // sources with no payload at all
	Duration  time.Duration
}

// EventKind implements Event.
func (RefreshComplete) EventKind() Kind { return KindRefreshComplete }

// Handle identifies one subscription for later removal.
type Handle struct {
	kind Kind
	id   string
}

type subscription struct {
	id string
	fn func(Event)
}

// Bus dispatches events to subscribers. The zero value is not usable;
// call New.
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind][]subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Kind][]subscription)}
}

// Subscribe registers fn for events of the given kind and returns a handle
// for Unsubscribe. Subscribers for a kind are invoked in registration order.
func (b *Bus) Subscribe(kind Kind, fn func(Event)) Handle {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], subscription{id: id, fn: fn})
	b.mu.Unlock()
	return Handle{kind: kind, id: id}
}

// SubscribeSource registers fn for updates of a single source id. This
// reproduces per-source subscription on top of the typed kind.
func (b *Bus) SubscribeSource(sourceID string, fn func(SourceUpdated)) Handle {
	return b.Subscribe(KindSourceUpdated, func(e Event) {
		if su, ok := e.(SourceUpdated); ok && su.SourceID == sourceID {
			fn(su)
		}
	})
}

// Unsubscribe removes the subscription identified by h. Unknown or
// already-removed handles are a no-op.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[h.kind]
	for i, s := range subs {
		if s.id == h.id {
			b.subs[h.kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every subscriber of its kind, synchronously, on
// the calling goroutine.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := b.subs[e.EventKind()]
	// Copy so subscribers can Subscribe/Unsubscribe during dispatch.
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	for _, s := range snapshot {
		invoke(s, e)
	}
}

// invoke runs one subscriber, isolating panics.
func invoke(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("event subscriber panicked", "kind", e.EventKind(), "panic", r)
		}
	}()
	s.fn(e)
}

// SubscriberCount returns the number of subscribers for a kind.
func (b *Bus) SubscriberCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
