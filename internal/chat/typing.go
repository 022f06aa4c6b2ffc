package chat

import (
	"context"
	"sync"
	"time"

	"parley/server/internal/bus"
)

// typingTracker deduplicates typing signals: at most one event per
// (room, sender) within the dedup window. Entries are pruned lazily so the
// map cannot grow without bound.
type typingTracker struct {
	mu        sync.Mutex
	last      map[typingKey]time.Time
	lastPrune time.Time
}

type typingKey struct {
	roomID string
	sender string
}

func newTypingTracker() *typingTracker {
	return &typingTracker{last: make(map[typingKey]time.Time), lastPrune: time.Now()}
}

// shouldEmit records a typing signal and reports whether it falls outside
// the dedup window.
func (t *typingTracker) shouldEmit(roomID, sender string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastPrune) > typingRetention {
		for k, at := range t.last {
			if now.Sub(at) > typingRetention {
				delete(t.last, k)
			}
		}
		t.lastPrune = now
	}

	k := typingKey{roomID: roomID, sender: sender}
	if at, ok := t.last[k]; ok && now.Sub(at) < typingDedup {
		return false
	}
	t.last[k] = now
	return true
}

// typingEvent is the payload for typing events.
type typingEvent struct {
	RoomID string `json:"room_id"`
	Sender string `json:"sender"`
}

// Typing publishes an ephemeral typing event for the sender, suppressed
// within the dedup window. Nothing is persisted. Returns true when an event
// was actually published.
func (e *Engine) Typing(ctx context.Context, roomID, sender string) (bool, error) {
	sender, err := ValidateSender(sender)
	if err != nil {
		return false, err
	}
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	if !e.typing.shouldEmit(room.ID, sender, time.Now()) {
		return false, nil
	}
	e.publish(bus.EventTyping, room.ID, 0, typingEvent{RoomID: room.ID, Sender: sender})
	return true, nil
}
