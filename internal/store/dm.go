package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// DMRoomName returns the canonical room name for a participant pair:
// "dm:<a>:<b>" with the participants lowercased and sorted, so either
// ordering of the pair resolves to the same room.
func DMRoomName(a, b string) string {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// dmParticipants splits a canonical DM room name back into its pair.
func dmParticipants(name string) (string, string, bool) {
	if !strings.HasPrefix(name, "dm:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, "dm:")
	i := strings.Index(rest, ":")
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// GetOrCreateDMRoom resolves the DM room for a pair, creating it on first
// use. The created flag reports whether this call created it.
func (s *Store) GetOrCreateDMRoom(ctx context.Context, a, b string) (Room, bool, error) {
	name := DMRoomName(a, b)
	r, err := s.GetRoomByName(ctx, name)
	if err == nil {
		r.AdminKey = ""
		return r, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Room{}, false, err
	}

	lo, hi, _ := dmParticipants(name)
	r, err = s.CreateRoom(ctx, CreateRoomParams{
		Name:        name,
		Description: "DM between " + lo + " and " + hi,
		CreatedBy:   a,
		RoomType:    "dm",
	})
	if errors.Is(err, ErrConflict) {
		// Lost the race to a concurrent first message; the room exists now.
		r, err = s.GetRoomByName(ctx, name)
		if err != nil {
			return Room{}, false, err
		}
		r.AdminKey = ""
		return r, false, nil
	}
	if err != nil {
		return Room{}, false, err
	}
	r.AdminKey = ""
	return r, true, nil
}

// DMConversation is one row of a sender's DM inbox.
type DMConversation struct {
	RoomID       string    `json:"room_id"`
	RoomName     string    `json:"room_name"`
	Other        string    `json:"other"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	MessageCount int       `json:"message_count"`
	UnreadCount  int       `json:"unread_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListDMConversations returns every DM room the sender participates in,
// most recently active first, each with its last message and the sender's
// unread count.
func (s *Store) ListDMConversations(ctx context.Context, sender string) ([]DMConversation, error) {
	lowered := strings.ToLower(strings.TrimSpace(sender))
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.name, r.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.room_id = r.id),
			(SELECT COUNT(*) FROM messages m
				WHERE m.room_id = r.id
				AND m.sender != ?
				AND m.seq > COALESCE((SELECT rp.last_read_seq FROM read_positions rp
					WHERE rp.room_id = r.id AND rp.sender = ?), 0))
		 FROM rooms r
		 WHERE r.room_type = 'dm'
		   AND (r.name LIKE 'dm:' || ? || ':%' ESCAPE '\' OR r.name LIKE 'dm:%:' || ? ESCAPE '\')
		 ORDER BY r.updated_at DESC`,
		sender, sender, likePattern(lowered), likePattern(lowered))
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []DMConversation
	for rows.Next() {
		var (
			c         DMConversation
			updatedAt int64
		)
		if err := rows.Scan(&c.RoomID, &c.RoomName, &updatedAt, &c.MessageCount, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.UpdatedAt = millisToTime(updatedAt)
		a, b, ok := dmParticipants(c.RoomName)
		if !ok {
			continue
		}
		if a == lowered {
			c.Other = b
		} else if b == lowered {
			c.Other = a
		} else {
			// LIKE matched a substring, not a participant.
			continue
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		last, err := s.lastMessage(ctx, out[i].RoomID)
		if err != nil {
			return nil, err
		}
		out[i].LastMessage = last
	}
	return out, nil
}

func (s *Store) lastMessage(ctx context.Context, roomID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.room_id = ? ORDER BY m.seq DESC LIMIT 1`, roomID)
	m, err := scanMessage(row, false)
	if errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
