package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ReadPosition is one (room, sender) high-water mark.
type ReadPosition struct {
	RoomID      string    `json:"room_id"`
	Sender      string    `json:"sender"`
	LastReadSeq int64     `json:"last_read_seq"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UpsertReadPosition advances a read position. Updates are monotonic: the
// stored value is max(old, new), so a stale client can never move the mark
// backwards.
func (s *Store) UpsertReadPosition(ctx context.Context, roomID, sender string, seq int64) (ReadPosition, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := nowMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO read_positions (room_id, sender, last_read_seq, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(room_id, sender) DO UPDATE SET
			last_read_seq = MAX(last_read_seq, excluded.last_read_seq),
			updated_at = excluded.updated_at`,
		roomID, sender, seq, now)
	if err != nil {
		return ReadPosition{}, translate(err)
	}
	return s.GetReadPosition(ctx, roomID, sender)
}

// GetReadPosition returns the stored mark, or a zero mark when none exists.
func (s *Store) GetReadPosition(ctx context.Context, roomID, sender string) (ReadPosition, error) {
	var (
		rp        ReadPosition
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT room_id, sender, last_read_seq, updated_at
		 FROM read_positions WHERE room_id = ? AND sender = ?`, roomID, sender,
	).Scan(&rp.RoomID, &rp.Sender, &rp.LastReadSeq, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ReadPosition{RoomID: roomID, Sender: sender}, nil
	}
	if err != nil {
		return ReadPosition{}, err
	}
	rp.UpdatedAt = millisToTime(updatedAt)
	return rp, nil
}

// RoomUnread summarizes one room's unread state for a sender.
type RoomUnread struct {
	RoomID      string `json:"room_id"`
	RoomName    string `json:"room_name"`
	UnreadCount int    `json:"unread_count"`
	LastReadSeq int64  `json:"last_read_seq"`
	LatestSeq   int64  `json:"latest_seq"`
}

// UnreadCounts returns, for every room holding messages past the sender's
// read position, the unread count and cursor pair. The sender's own
// messages do not count as unread.
func (s *Store) UnreadCounts(ctx context.Context, sender string) ([]RoomUnread, error) {
	q := `SELECT m.room_id, r.name,
		COUNT(*) FILTER (WHERE m.sender != ?),
		COALESCE(rp.last_read_seq, 0),
		MAX(m.seq)
		FROM messages m
		JOIN rooms r ON r.id = m.room_id
		LEFT JOIN read_positions rp ON rp.room_id = m.room_id AND rp.sender = ?
		WHERE m.seq > COALESCE(rp.last_read_seq, 0)
		GROUP BY m.room_id, r.name
		HAVING COUNT(*) FILTER (WHERE m.sender != ?) > 0
		ORDER BY MAX(m.seq) DESC`
	rows, err := s.db.QueryContext(ctx, q, sender, sender, sender)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []RoomUnread
	for rows.Next() {
		var ru RoomUnread
		if err := rows.Scan(&ru.RoomID, &ru.RoomName, &ru.UnreadCount, &ru.LastReadSeq, &ru.LatestSeq); err != nil {
			return nil, err
		}
		out = append(out, ru)
	}
	return out, rows.Err()
}
