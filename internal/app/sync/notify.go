// Change notification for subscribers (UI, CLI watchers). The notifier
// replaces polling as the source of truth for record changes: the sync
// processor and the approval machine publish events the moment a record
// transitions. Timers remain only as a refresh convenience.
package sync

import (
	"sync"
	"time"
)

// EventKind classifies a change event.
type EventKind string

const (
	EventSynced         EventKind = "synced"          // record reached terminal sync success
	EventSyncFailed     EventKind = "sync_failed"     // retry budget exhausted or permanent rejection
	EventApproval       EventKind = "approval"        // approval status changed
	EventCacheRefreshed EventKind = "cache_refreshed" // job cache replaced
	EventOnline         EventKind = "online"          // connectivity regained
	EventOffline        EventKind = "offline"         // connectivity lost
)

// Event is a single change notification.
type Event struct {
	Kind     EventKind `json:"kind"`
	RecordID string    `json:"record_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier fans events out to subscribers. Slow subscribers drop
// events rather than block a publisher — events are hints to re-read
// state, not the state itself.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer.
// The returned cancel func unregisters and closes the channel.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if c, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers without blocking.
func (n *Notifier) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default: // subscriber is behind; it will re-read on the next event
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
