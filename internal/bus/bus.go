// Package bus is the in-process broadcast channel between the write path and
// its consumers (SSE streams, the webhook dispatcher). Delivery is
// best-effort: each subscriber owns a bounded buffer, and a slow consumer
// loses events rather than blocking the publisher.
package bus

import (
	"log/slog"
	"sync"
)

// Event type names. These double as the SSE event field and the outgoing
// webhook event name.
const (
	EventMessage             = "message"
	EventMessageEdited       = "message_edited"
	EventMessageDeleted      = "message_deleted"
	EventReactionAdded       = "reaction_added"
	EventReactionRemoved     = "reaction_removed"
	EventMessagePinned       = "message_pinned"
	EventMessageUnpinned     = "message_unpinned"
	EventRoomCreated         = "room_created"
	EventRoomUpdated         = "room_updated"
	EventRoomArchived        = "room_archived"
	EventRoomUnarchived      = "room_unarchived"
	EventRoomDeleted         = "room_deleted"
	EventRoomBookmarked      = "room_bookmarked"
	EventRoomUnbookmarked    = "room_unbookmarked"
	EventFileUploaded        = "file_uploaded"
	EventFileDeleted         = "file_deleted"
	EventPresenceJoined      = "presence_joined"
	EventPresenceLeft        = "presence_left"
	EventTyping              = "typing"
	EventReadPositionUpdated = "read_position_updated"
	EventProfileUpdated      = "profile_updated"
	EventProfileDeleted      = "profile_deleted"

	// EventLag is synthesized locally per subscriber, never published.
	EventLag = "lag"
)

// Event is one broadcast item. RoomID is empty for global events (profile
// changes); Data is the JSON-serializable payload.
type Event struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id,omitempty"`
	Seq    int64  `json:"seq,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Lag is the payload of an EventLag marker: how many events the subscriber
// missed since it last kept up.
type Lag struct {
	Missed int64 `json:"missed"`
}

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 1024

// Subscriber receives bus events. The channel is closed when either the
// subscriber cancels or the bus shuts down; a closed channel is terminal.
type Subscriber struct {
	C <-chan Event

	bus    *Bus
	ch     chan Event
	missed int64
	closed bool
}

// Bus fans events out to subscribers.
type Bus struct {
	mu        sync.Mutex
	subs      map[*Subscriber]struct{}
	closed    bool
	onPublish func(eventType string)
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new subscriber. Returns nil after Close.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	s := &Subscriber{bus: b, ch: make(chan Event, subscriberBuffer)}
	s.C = s.ch
	b.subs[s] = struct{}{}
	return s
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// more than once.
func (s *Subscriber) Unsubscribe() {
	if s == nil {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	s.closeLocked()
}

// closeLocked must run with bus.mu held.
func (s *Subscriber) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.ch)
}

// OnPublish registers a callback invoked for every published event, used
// for counting. The callback runs under the bus lock and must not block.
func (b *Bus) OnPublish(fn func(eventType string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Publish delivers e to every subscriber without blocking. A subscriber
// whose buffer is full misses the event; once its buffer drains enough, a
// lag marker with the miss count is delivered ahead of the next event.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.onPublish != nil {
		b.onPublish(e.Type)
	}
	for s := range b.subs {
		s.trySend(e)
	}
}

func (s *Subscriber) trySend(e Event) {
	if s.missed > 0 {
		// The lag marker and the event must land together, in order.
		if cap(s.ch)-len(s.ch) < 2 {
			s.missed++
			return
		}
		s.ch <- Event{Type: EventLag, Data: Lag{Missed: s.missed}}
		s.missed = 0
		s.ch <- e
		return
	}
	select {
	case s.ch <- e:
	default:
		s.missed = 1
		slog.Warn("event bus subscriber lagging", "event", e.Type)
	}
}

// Close shuts the bus down and closes every subscriber channel. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closeLocked()
	}
}

// Len reports the current subscriber count.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
