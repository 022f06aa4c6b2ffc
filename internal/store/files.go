package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MaxFileSize bounds the decoded size of one uploaded file (5 MiB).
const MaxFileSize = 5 << 20

// File is an uploaded attachment. Content is omitted from listings and
// info responses.
type File struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	Sender      string    `json:"sender"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Content     []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	URL         string    `json:"url"`
}

// InsertFile stores the blob bytes alongside their metadata, in the row
// itself — no filesystem path dependence.
func (s *Store) InsertFile(ctx context.Context, roomID, sender, filename, contentType string, content []byte) (File, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := nowMilli()
	f := File{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		Sender:      sender,
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(content)),
		CreatedAt:   millisToTime(now),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, room_id, sender, filename, content_type, size, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, roomID, sender, filename, contentType, f.Size, content, now)
	if err != nil {
		return File{}, translate(err)
	}
	slog.Info("file stored", "file_id", f.ID, "room_id", roomID, "name", filename, "size", f.Size)
	return f, nil
}

// GetFile returns a file with its blob bytes.
func (s *Store) GetFile(ctx context.Context, id string) (File, error) {
	var (
		f         File
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, sender, filename, content_type, size, content, created_at
		 FROM files WHERE id = ?`, id,
	).Scan(&f.ID, &f.RoomID, &f.Sender, &f.Filename, &f.ContentType, &f.Size, &f.Content, &createdAt)
	if err != nil {
		return File{}, translate(err)
	}
	f.CreatedAt = millisToTime(createdAt)
	return f, nil
}

// GetFileInfo returns file metadata without the blob.
func (s *Store) GetFileInfo(ctx context.Context, id string) (File, error) {
	var (
		f         File
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, sender, filename, content_type, size, created_at
		 FROM files WHERE id = ?`, id,
	).Scan(&f.ID, &f.RoomID, &f.Sender, &f.Filename, &f.ContentType, &f.Size, &createdAt)
	if err != nil {
		return File{}, translate(err)
	}
	f.CreatedAt = millisToTime(createdAt)
	return f, nil
}

// ListFiles returns a room's files, newest first, without blobs.
func (s *Store) ListFiles(ctx context.Context, roomID string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender, filename, content_type, size, created_at
		 FROM files WHERE room_id = ? ORDER BY created_at DESC, id DESC`, roomID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var (
			f         File
			createdAt int64
		)
		if err := rows.Scan(&f.ID, &f.RoomID, &f.Sender, &f.Filename, &f.ContentType, &f.Size, &createdAt); err != nil {
			return nil, err
		}
		f.CreatedAt = millisToTime(createdAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFile removes a file row.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
