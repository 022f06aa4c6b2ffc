package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Room is a chat room. AdminKey is only populated on creation; every other
// read path leaves it empty.
type Room struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	CreatedBy   string     `json:"created_by,omitempty"`
	RoomType    string     `json:"room_type"`
	AdminKey    string     `json:"admin_key,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Bookmarked is set only by sender-scoped listings.
	Bookmarked bool `json:"bookmarked,omitempty"`
}

// CreateRoomParams carries the inputs for CreateRoom.
type CreateRoomParams struct {
	Name        string
	Description string
	CreatedBy   string
	RoomType    string // "" defaults to "room"
}

const roomColumns = `id, name, description, created_by, room_type, archived_at, created_at, updated_at`

// CreateRoom inserts a room and returns it with the one-time admin key set.
// A duplicate name surfaces as ErrConflict.
func (s *Store) CreateRoom(ctx context.Context, p CreateRoomParams) (Room, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	roomType := p.RoomType
	if roomType == "" {
		roomType = "room"
	}
	now := nowMilli()
	r := Room{
		ID:          uuid.NewString(),
		Name:        p.Name,
		Description: p.Description,
		CreatedBy:   p.CreatedBy,
		RoomType:    roomType,
		AdminKey:    NewAdminKey(),
		CreatedAt:   millisToTime(now),
		UpdatedAt:   millisToTime(now),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, description, created_by, admin_key, room_type, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Description, r.CreatedBy, r.AdminKey, r.RoomType, now, now,
	)
	if err != nil {
		return Room{}, translate(err)
	}
	slog.Info("room created", "room_id", r.ID, "name", r.Name, "room_type", r.RoomType)
	return r, nil
}

func scanRoom(row interface{ Scan(...any) error }) (Room, error) {
	var (
		r          Room
		archivedAt sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedBy, &r.RoomType,
		&archivedAt, &createdAt, &updatedAt)
	if err != nil {
		return Room{}, translate(err)
	}
	r.ArchivedAt = millisPtr(archivedAt)
	r.CreatedAt = millisToTime(createdAt)
	r.UpdatedAt = millisToTime(updatedAt)
	return r, nil
}

// GetRoom returns the room with the given id, without its admin key.
func (s *Store) GetRoom(ctx context.Context, id string) (Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id)
	return scanRoom(row)
}

// GetRoomByName returns the room with the given (case-sensitive) name.
func (s *Store) GetRoomByName(ctx context.Context, name string) (Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE name = ?`, name)
	return scanRoom(row)
}

// AdminKeyForRoom returns the stored admin key for comparison.
func (s *Store) AdminKeyForRoom(ctx context.Context, id string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT admin_key FROM rooms WHERE id = ?`, id).Scan(&key)
	if err != nil {
		return "", translate(err)
	}
	return key, nil
}

// ListRoomsParams filters ListRooms. DM rooms are always excluded.
type ListRoomsParams struct {
	IncludeArchived bool
	// Sender, when non-empty, annotates each room with that sender's
	// bookmark flag and orders bookmarked rooms first.
	Sender string
}

// ListRooms returns non-DM rooms, bookmarked first (when Sender is set),
// then most recently active first.
func (s *Store) ListRooms(ctx context.Context, p ListRoomsParams) ([]Room, error) {
	q := `SELECT r.id, r.name, r.description, r.created_by, r.room_type,
		r.archived_at, r.created_at, r.updated_at,
		CASE WHEN b.room_id IS NULL THEN 0 ELSE 1 END AS bookmarked
		FROM rooms r
		LEFT JOIN bookmarks b ON b.room_id = r.id AND b.sender = ?
		WHERE r.room_type != 'dm'`
	args := []any{p.Sender}
	if !p.IncludeArchived {
		q += ` AND r.archived_at IS NULL`
	}
	q += ` ORDER BY bookmarked DESC, r.updated_at DESC, r.name ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var (
			r          Room
			archivedAt sql.NullInt64
			createdAt  int64
			updatedAt  int64
			bookmarked int
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedBy, &r.RoomType,
			&archivedAt, &createdAt, &updatedAt, &bookmarked); err != nil {
			return nil, err
		}
		r.ArchivedAt = millisPtr(archivedAt)
		r.CreatedAt = millisToTime(createdAt)
		r.UpdatedAt = millisToTime(updatedAt)
		r.Bookmarked = p.Sender != "" && bookmarked == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRoom changes name and/or description. Nil fields are left unchanged.
func (s *Store) UpdateRoom(ctx context.Context, id string, name, description *string) (Room, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, err := s.GetRoom(ctx, id)
	if err != nil {
		return Room{}, err
	}
	if name != nil {
		cur.Name = *name
	}
	if description != nil {
		cur.Description = *description
	}
	now := nowMilli()
	_, err = s.db.ExecContext(ctx,
		`UPDATE rooms SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		cur.Name, cur.Description, now, id)
	if err != nil {
		return Room{}, translate(err)
	}
	cur.UpdatedAt = millisToTime(now)
	return cur, nil
}

// SetRoomArchived archives (true) or unarchives (false) a room.
func (s *Store) SetRoomArchived(ctx context.Context, id string, archived bool) (Room, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := nowMilli()
	var archivedAt any
	if archived {
		archivedAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET archived_at = ?, updated_at = ? WHERE id = ?`,
		archivedAt, now, id)
	if err != nil {
		return Room{}, translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Room{}, ErrNotFound
	}
	slog.Info("room archive state changed", "room_id", id, "archived", archived)
	return s.GetRoom(ctx, id)
}

// DeleteRoom removes a room. Messages, files, webhooks, bookmarks and read
// positions cascade; the FTS rows for its messages are removed explicitly
// since the virtual table has no foreign keys.
func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages_fts WHERE id IN (SELECT id FROM messages WHERE room_id = ?)`, id); err != nil {
		return translate(err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("room deleted", "room_id", id)
	return nil
}

// TouchRoom bumps a room's updated_at. Used by writes outside the message
// insert transaction (file uploads).
func (s *Store) TouchRoom(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET updated_at = ? WHERE id = ?`, nowMilli(), id)
	return translate(err)
}
