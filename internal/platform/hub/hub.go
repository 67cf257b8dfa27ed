// Package hub fans newly recorded audit entries out to connected
// monitoring clients in real time. Delivery is a monitoring convenience,
// not a durable queue: at-most-once per subscriber, and a disconnected
// subscriber simply misses entries created while it was away.
package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notification is the payload handed to subscribers for one new entry.
// The filterable fields are carried alongside the serialized entry so
// the hub never needs to understand the entry schema itself.
type Notification struct {
	ActorID      string          `json:"-"`
	ResourceType string          `json:"-"`
	Action       string          `json:"-"`
	Entry        json.RawMessage `json:"entry"`
}

// Filter selects which notifications a subscriber receives. Each field
// is a one-of set; an empty field matches everything.
type Filter struct {
	ActorIDs      []string `json:"actor_ids,omitempty"`
	ResourceTypes []string `json:"resource_types,omitempty"`
	Actions       []string `json:"actions,omitempty"`
}

// Matches reports whether a notification with the given fields passes
// the filter.
func (f Filter) Matches(actorID, resourceType, action string) bool {
	return oneOf(f.ActorIDs, actorID) &&
		oneOf(f.ResourceTypes, resourceType) &&
		oneOf(f.Actions, action)
}

func oneOf(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Subscription is one live subscriber. Receive from C until it is
// closed by Unsubscribe.
type Subscription struct {
	ID     uuid.UUID
	C      <-chan Notification
	ch     chan Notification
	filter Filter
}

// Hub tracks live subscriptions and delivers notifications to the ones
// whose filters match. All operations are safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uuid.UUID]*Subscription
	bufSize int
	dropped atomic.Uint64
	logger  zerolog.Logger
}

// DefaultBufferSize is the per-subscriber outbound buffer length.
const DefaultBufferSize = 64

// NewHub creates a Hub with the given per-subscriber buffer size
// (<= 0 selects DefaultBufferSize).
func NewHub(bufSize int, logger zerolog.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Hub{
		subs:    make(map[uuid.UUID]*Subscription),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe registers a new subscriber with the given filter and
// returns its subscription handle.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	ch := make(chan Notification, h.bufSize)
	sub := &Subscription{
		ID:     uuid.New(),
		C:      ch,
		ch:     ch,
		filter: filter,
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscription and closes its channel. It is safe
// to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	close(sub.ch)
}

// ReplaceFilter swaps the filter of a live subscription.
func (h *Hub) ReplaceFilter(sub *Subscription, filter Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.subs[sub.ID]; ok {
		existing.filter = filter
	}
}

// Notify delivers n to every live subscription whose filter matches.
// It never blocks: when a subscriber's buffer is full the oldest pending
// notification for that subscriber is dropped to make room.
func (h *Hub) Notify(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.Matches(n.ActorID, n.ResourceType, n.Action) {
			continue
		}

		select {
		case sub.ch <- n:
			continue
		default:
		}

		// Buffer full: evict the oldest pending notification, then retry
		// once. If a consumer races us and drains the channel, the plain
		// send below succeeds; if it fills again, the notification is
		// dropped entirely.
		select {
		case <-sub.ch:
			h.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- n:
		default:
			h.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the total number of notifications discarded because a
// subscriber's buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close unsubscribes everyone; used at shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
