package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Reaction is one (message, sender, emoji) row.
type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Sender    string    `json:"sender"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ToggleReaction adds the reaction if absent and removes it if present.
// Returns true when the reaction now exists.
func (s *Store) ToggleReaction(ctx context.Context, messageID, sender, emoji string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND sender = ? AND emoji = ?`,
		messageID, sender, emoji)
	if err != nil {
		return false, translate(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reactions (id, message_id, sender, emoji, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), messageID, sender, emoji, nowMilli())
	if err != nil {
		return false, translate(err)
	}
	return true, nil
}

// RemoveReaction deletes one reaction row. Missing rows are ErrNotFound.
func (s *Store) RemoveReaction(ctx context.Context, messageID, sender, emoji string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND sender = ? AND emoji = ?`,
		messageID, sender, emoji)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListReactions returns a message's reactions in insertion order.
func (s *Store) ListReactions(ctx context.Context, messageID string) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, sender, emoji, created_at
		 FROM reactions WHERE message_id = ? ORDER BY created_at ASC, id ASC`, messageID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []Reaction
	for rows.Next() {
		var (
			r         Reaction
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Sender, &r.Emoji, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = millisToTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RoomReactions returns all reactions in a room grouped by message id.
func (s *Store) RoomReactions(ctx context.Context, roomID string) (map[string][]Reaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT x.id, x.message_id, x.sender, x.emoji, x.created_at
		 FROM reactions x
		 JOIN messages m ON m.id = x.message_id
		 WHERE m.room_id = ?
		 ORDER BY x.created_at ASC, x.id ASC`, roomID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	out := make(map[string][]Reaction)
	for rows.Next() {
		var (
			r         Reaction
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Sender, &r.Emoji, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = millisToTime(createdAt)
		out[r.MessageID] = append(out[r.MessageID], r)
	}
	return out, rows.Err()
}
