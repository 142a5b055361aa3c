package ws

import (
	"log"
	"sync"

	"github.com/duochat/chat-server/internal/metrics"
)

// Subscriber is a live push channel that can receive serialized frames.
// Implementations must be safe for concurrent Send calls.
type Subscriber interface {
	ID() string
	Send(frame []byte) error
	Close() error
}

// Registry maps room ids to the set of subscribers currently connected to
// that room. A room is present only while it has at least one subscriber.
type Registry struct {
	mu    sync.RWMutex
	rooms map[int64]map[string]Subscriber
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[int64]map[string]Subscriber)}
}

// Subscribe adds sub to the room. Subscribing the same subscriber twice is a
// no-op.
func (r *Registry) Subscribe(room int64, sub Subscriber) {
	r.mu.Lock()
	set, ok := r.rooms[room]
	if !ok {
		set = make(map[string]Subscriber)
		r.rooms[room] = set
	}
	set[sub.ID()] = sub
	n := len(r.rooms)
	r.mu.Unlock()

	metrics.RoomsActive.Set(float64(n))
}

// Unsubscribe removes sub from the room and drops the room once it is empty.
// Returns false if sub was not subscribed.
func (r *Registry) Unsubscribe(room int64, sub Subscriber) bool {
	r.mu.Lock()
	set, ok := r.rooms[room]
	if ok {
		_, ok = set[sub.ID()]
		delete(set, sub.ID())
		if len(set) == 0 {
			delete(r.rooms, room)
		}
	}
	n := len(r.rooms)
	r.mu.Unlock()

	metrics.RoomsActive.Set(float64(n))
	return ok
}

// Snapshot returns the subscribers of room at the time of the call. The
// slice is owned by the caller.
func (r *Registry) Snapshot(room int64) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.rooms[room]
	subs := make([]Subscriber, 0, len(set))
	for _, sub := range set {
		subs = append(subs, sub)
	}
	return subs
}

// Broadcast sends frame to every subscriber of room except exclude, which
// may be nil. A subscriber whose send fails is unsubscribed and closed; its
// session observes the closed transport and runs its normal disconnect path.
// Returns the number of successful deliveries.
func (r *Registry) Broadcast(room int64, frame []byte, exclude Subscriber) int {
	delivered := 0
	for _, sub := range r.Snapshot(room) {
		if exclude != nil && sub.ID() == exclude.ID() {
			continue
		}
		if err := sub.Send(frame); err != nil {
			log.Printf("[registry] send failed room=%d conn=%s: %v (pruning)", room, sub.ID(), err)
			metrics.BroadcastFailures.Inc()
			r.Unsubscribe(room, sub)
			_ = sub.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// Has reports whether sub is subscribed to room.
func (r *Registry) Has(room int64, sub Subscriber) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][sub.ID()]
	return ok
}

// Count returns the number of subscribers in room.
func (r *Registry) Count(room int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Rooms returns the number of rooms with at least one subscriber.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
