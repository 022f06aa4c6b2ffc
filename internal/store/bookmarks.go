package store

import (
	"context"
	"time"
)

// Bookmark marks a room as favored by one sender.
type Bookmark struct {
	RoomID    string    `json:"room_id"`
	RoomName  string    `json:"room_name,omitempty"`
	Sender    string    `json:"sender"`
	CreatedAt time.Time `json:"created_at"`
}

// AddBookmark inserts a bookmark; repeating the insert is a no-op.
func (s *Store) AddBookmark(ctx context.Context, roomID, sender string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO bookmarks (room_id, sender, created_at) VALUES (?, ?, ?)`,
		roomID, sender, nowMilli())
	return translate(err)
}

// RemoveBookmark deletes a bookmark. Missing rows are ErrNotFound.
func (s *Store) RemoveBookmark(ctx context.Context, roomID, sender string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM bookmarks WHERE room_id = ? AND sender = ?`, roomID, sender)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBookmarks returns a sender's bookmarks, newest first, with room names.
func (s *Store) ListBookmarks(ctx context.Context, sender string) ([]Bookmark, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT b.room_id, r.name, b.sender, b.created_at
		 FROM bookmarks b
		 JOIN rooms r ON r.id = b.room_id
		 WHERE b.sender = ?
		 ORDER BY b.created_at DESC`, sender)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []Bookmark
	for rows.Next() {
		var (
			b         Bookmark
			createdAt int64
		)
		if err := rows.Scan(&b.RoomID, &b.RoomName, &b.Sender, &createdAt); err != nil {
			return nil, err
		}
		b.CreatedAt = millisToTime(createdAt)
		out = append(out, b)
	}
	return out, rows.Err()
}
