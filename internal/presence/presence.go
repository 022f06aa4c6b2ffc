// Package presence tracks which senders hold open event streams, per room.
// State is in-memory only: a restart empties it, and reconnecting clients
// rebuild it.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Entry is one present sender in one room.
type Entry struct {
	Sender     string    `json:"sender"`
	SenderType string    `json:"sender_type,omitempty"`
	Streams    int       `json:"streams"`
	Since      time.Time `json:"connected_at"`
}

// Tracker reference-counts stream connections per (room, sender). A sender
// with two open streams in a room is present once; presence changes only on
// the first join and the last leave.
type Tracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Entry
}

func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string]map[string]*Entry)}
}

// Join records a stream connection. Returns true when this is the sender's
// first stream in the room, i.e. the sender just became present. A non-empty
// senderType refreshes the stored one.
func (t *Tracker) Join(roomID, sender, senderType string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	senders := t.rooms[roomID]
	if senders == nil {
		senders = make(map[string]*Entry)
		t.rooms[roomID] = senders
	}
	e := senders[sender]
	if e == nil {
		senders[sender] = &Entry{Sender: sender, SenderType: senderType, Streams: 1, Since: time.Now().UTC()}
		return true
	}
	e.Streams++
	if senderType != "" {
		e.SenderType = senderType
	}
	return false
}

// Leave records a stream disconnect. Returns true when this was the sender's
// last stream in the room, i.e. the sender just became absent. Unbalanced
// leaves are ignored.
func (t *Tracker) Leave(roomID, sender string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	senders := t.rooms[roomID]
	if senders == nil {
		return false
	}
	e := senders[sender]
	if e == nil {
		return false
	}
	e.Streams--
	if e.Streams > 0 {
		return false
	}
	delete(senders, sender)
	if len(senders) == 0 {
		delete(t.rooms, roomID)
	}
	return true
}

// Room returns the senders present in one room, sorted by sender.
func (t *Tracker) Room(roomID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedEntries(t.rooms[roomID])
}

// All returns presence for every room with at least one present sender.
func (t *Tracker) All() map[string][]Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]Entry, len(t.rooms))
	for roomID, senders := range t.rooms {
		out[roomID] = sortedEntries(senders)
	}
	return out
}

// Count returns the number of present senders in one room.
func (t *Tracker) Count(roomID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms[roomID])
}

func sortedEntries(senders map[string]*Entry) []Entry {
	out := make([]Entry, 0, len(senders))
	for _, e := range senders {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sender < out[j].Sender })
	return out
}
