package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is a persisted chat message. Seq is the global monotonic ordering
// key; it never changes after insert.
type Message struct {
	ID         string          `json:"id"`
	RoomID     string          `json:"room_id"`
	Sender     string          `json:"sender"`
	SenderType *string         `json:"sender_type,omitempty"`
	Content    string          `json:"content"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	ReplyTo    *string         `json:"reply_to,omitempty"`
	Seq        int64           `json:"seq"`
	CreatedAt  time.Time       `json:"created_at"`
	EditedAt   *time.Time      `json:"edited_at,omitempty"`
	PinnedAt   *time.Time      `json:"pinned_at,omitempty"`
	PinnedBy   *string         `json:"pinned_by,omitempty"`
	EditCount  int             `json:"edit_count"`

	// RoomName is populated only by cross-room queries (activity, search).
	RoomName string `json:"room_name,omitempty"`
}

// MessageEdit is one row of a message's edit history.
type MessageEdit struct {
	ID              string    `json:"id"`
	MessageID       string    `json:"message_id"`
	PreviousContent string    `json:"previous_content"`
	Editor          string    `json:"editor"`
	EditedAt        time.Time `json:"edited_at"`
}

// messageColumns selects a full message row plus the derived edit_count.
// Callers alias the messages table as m.
const messageColumns = `m.id, m.room_id, m.sender, m.sender_type, m.content,
	m.metadata, m.reply_to, m.seq, m.created_at, m.edited_at, m.pinned_at, m.pinned_by,
	(SELECT COUNT(*) FROM message_edits e WHERE e.message_id = m.id) AS edit_count`

func scanMessage(row interface{ Scan(...any) error }, withRoomName bool) (Message, error) {
	var (
		m          Message
		senderType sql.NullString
		metadata   sql.NullString
		replyTo    sql.NullString
		createdAt  int64
		editedAt   sql.NullInt64
		pinnedAt   sql.NullInt64
		pinnedBy   sql.NullString
		roomName   sql.NullString
	)
	dest := []any{&m.ID, &m.RoomID, &m.Sender, &senderType, &m.Content,
		&metadata, &replyTo, &m.Seq, &createdAt, &editedAt, &pinnedAt, &pinnedBy, &m.EditCount}
	if withRoomName {
		dest = append(dest, &roomName)
	}
	if err := row.Scan(dest...); err != nil {
		return Message{}, translate(err)
	}
	if senderType.Valid {
		m.SenderType = &senderType.String
	}
	if metadata.Valid && metadata.String != "" {
		m.Metadata = json.RawMessage(metadata.String)
	}
	if replyTo.Valid {
		m.ReplyTo = &replyTo.String
	}
	m.CreatedAt = millisToTime(createdAt)
	m.EditedAt = millisPtr(editedAt)
	m.PinnedAt = millisPtr(pinnedAt)
	if pinnedBy.Valid {
		m.PinnedBy = &pinnedBy.String
	}
	if roomName.Valid {
		m.RoomName = roomName.String
	}
	return m, nil
}

// InsertMessageParams carries validated inputs for InsertMessage.
type InsertMessageParams struct {
	RoomID     string
	Sender     string
	SenderType *string
	Content    string
	Metadata   json.RawMessage
	ReplyTo    *string
}

// InsertMessage allocates the next seq and inserts the message, bumping the
// room's updated_at and mirroring the FTS row — all in one write transaction,
// so seq allocation is total-order across rooms.
func (s *Store) InsertMessage(ctx context.Context, p InsertMessageParams) (Message, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages`).Scan(&seq); err != nil {
		return Message{}, err
	}

	now := nowMilli()
	m := Message{
		ID:         uuid.NewString(),
		RoomID:     p.RoomID,
		Sender:     p.Sender,
		SenderType: p.SenderType,
		Content:    p.Content,
		Metadata:   p.Metadata,
		ReplyTo:    p.ReplyTo,
		Seq:        seq,
		CreatedAt:  millisToTime(now),
	}
	var metadata any
	if len(p.Metadata) > 0 {
		metadata = string(p.Metadata)
	}
	var senderType any
	if p.SenderType != nil {
		senderType = *p.SenderType
	}
	var replyTo any
	if p.ReplyTo != nil {
		replyTo = *p.ReplyTo
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender, sender_type, content, metadata, reply_to, seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RoomID, m.Sender, senderType, m.Content, metadata, replyTo, seq, now,
	); err != nil {
		return Message{}, translate(err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE rooms SET updated_at = ? WHERE id = ?`, now, p.RoomID); err != nil {
		return Message{}, translate(err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages_fts (id, content, sender) VALUES (?, ?, ?)`,
		m.ID, m.Content, m.Sender); err != nil {
		return Message{}, translate(err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	slog.Debug("message persisted", "msg_id", m.ID, "room_id", m.RoomID, "seq", seq)
	return m, nil
}

// GetMessage returns one message by id within a room.
func (s *Store) GetMessage(ctx context.Context, roomID, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages m WHERE m.id = ? AND m.room_id = ?`, id, roomID)
	return scanMessage(row, false)
}

// UpdateMessage applies an edit: the previous content is appended to the
// edit history, content and edited_at are replaced, metadata optionally so,
// and the FTS row is refreshed. Seq, room, sender and created_at are
// untouched.
func (s *Store) UpdateMessage(ctx context.Context, roomID, id, editor, content string, metadata json.RawMessage) (Message, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, err := s.GetMessage(ctx, roomID, id)
	if err != nil {
		return Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	now := nowMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_edits (id, message_id, previous_content, editor, edited_at)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), id, cur.Content, editor, now); err != nil {
		return Message{}, translate(err)
	}
	if len(metadata) > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET content = ?, edited_at = ?, metadata = ? WHERE id = ?`,
			content, now, string(metadata), id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET content = ?, edited_at = ? WHERE id = ?`,
			content, now, id)
	}
	if err != nil {
		return Message{}, translate(err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages_fts SET content = ? WHERE id = ?`, content, id); err != nil {
		return Message{}, translate(err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	slog.Debug("message edited", "msg_id", id, "editor", editor)
	return s.GetMessage(ctx, roomID, id)
}

// DeleteMessage removes a message; reactions and edit history cascade, the
// FTS row is removed explicitly.
func (s *Store) DeleteMessage(ctx context.Context, roomID, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages_fts WHERE id = ?`, id); err != nil {
		return translate(err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND room_id = ?`, id, roomID)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Debug("message deleted", "msg_id", id, "room_id", roomID)
	return nil
}

// MessageFilter narrows message listings. Nil cursor fields are ignored.
type MessageFilter struct {
	Sender         string
	SenderType     string
	ExcludeSenders []string
	Since          *time.Time // created_at >
	Before         *time.Time // created_at <
	AfterSeq       *int64     // seq >
	BeforeSeq      *int64     // seq <
	Limit          int
}

func (f MessageFilter) where(args *[]any) string {
	var conds []string
	if f.Sender != "" {
		conds = append(conds, `m.sender = ?`)
		*args = append(*args, f.Sender)
	}
	if f.SenderType != "" {
		conds = append(conds, `m.sender_type = ?`)
		*args = append(*args, f.SenderType)
	}
	for _, ex := range f.ExcludeSenders {
		conds = append(conds, `m.sender != ?`)
		*args = append(*args, ex)
	}
	if f.Since != nil {
		conds = append(conds, `m.created_at > ?`)
		*args = append(*args, f.Since.UnixMilli())
	}
	if f.Before != nil {
		conds = append(conds, `m.created_at < ?`)
		*args = append(*args, f.Before.UnixMilli())
	}
	if f.AfterSeq != nil {
		conds = append(conds, `m.seq > ?`)
		*args = append(*args, *f.AfterSeq)
	}
	if f.BeforeSeq != nil {
		conds = append(conds, `m.seq < ?`)
		*args = append(*args, *f.BeforeSeq)
	}
	if len(conds) == 0 {
		return ""
	}
	return ` AND ` + strings.Join(conds, ` AND `)
}

func (f MessageFilter) limit() int {
	if f.Limit <= 0 {
		return 50
	}
	return f.Limit
}

// ListMessages returns messages in a room, ascending by seq. When BeforeSeq
// is set without AfterSeq the query runs descending and the slice is
// reversed, so the most recent N before the cursor come back in
// chronological order.
func (s *Store) ListMessages(ctx context.Context, roomID string, f MessageFilter) ([]Message, error) {
	args := []any{roomID}
	q := `SELECT ` + messageColumns + ` FROM messages m WHERE m.room_id = ?` + f.where(&args)

	newestFirst := f.BeforeSeq != nil && f.AfterSeq == nil
	if newestFirst {
		q += ` ORDER BY m.seq DESC`
	} else {
		q += ` ORDER BY m.seq ASC`
	}
	q += ` LIMIT ?`
	args = append(args, f.limit())

	msgs, err := s.queryMessages(ctx, q, args, false)
	if err != nil {
		return nil, err
	}
	if newestFirst {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// ActivityFeed returns a newest-first cross-room feed with room names.
func (s *Store) ActivityFeed(ctx context.Context, f MessageFilter) ([]Message, error) {
	var args []any
	q := `SELECT ` + messageColumns + `, r.name AS room_name
		FROM messages m JOIN rooms r ON r.id = m.room_id
		WHERE 1=1` + f.where(&args) + ` ORDER BY m.seq DESC LIMIT ?`
	args = append(args, f.limit())
	return s.queryMessages(ctx, q, args, true)
}

func (s *Store) queryMessages(ctx context.Context, q string, args []any, withRoomName bool) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows, withRoomName)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListEdits returns a message's edit history, oldest first.
func (s *Store) ListEdits(ctx context.Context, messageID string) ([]MessageEdit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, previous_content, editor, edited_at
		 FROM message_edits WHERE message_id = ? ORDER BY edited_at ASC, id ASC`, messageID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []MessageEdit
	for rows.Next() {
		var (
			e        MessageEdit
			editedAt int64
		)
		if err := rows.Scan(&e.ID, &e.MessageID, &e.PreviousContent, &e.Editor, &editedAt); err != nil {
			return nil, err
		}
		e.EditedAt = millisToTime(editedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RepliesTo returns direct replies to a message within a room, ascending seq.
func (s *Store) RepliesTo(ctx context.Context, roomID, parentID string) ([]Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages m
		WHERE m.room_id = ? AND m.reply_to = ? ORDER BY m.seq ASC`
	return s.queryMessages(ctx, q, []any{roomID, parentID}, false)
}

// MaxSeq returns the highest allocated seq, 0 when no messages exist.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages`).Scan(&seq)
	return seq, err
}

// PinMessage pins a message. Pinning an already-pinned message is a conflict.
func (s *Store) PinMessage(ctx context.Context, roomID, id, pinnedBy string) (Message, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, err := s.GetMessage(ctx, roomID, id)
	if err != nil {
		return Message{}, err
	}
	if cur.PinnedAt != nil {
		return Message{}, ErrConflict
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET pinned_at = ?, pinned_by = ? WHERE id = ?`,
		nowMilli(), pinnedBy, id); err != nil {
		return Message{}, translate(err)
	}
	return s.GetMessage(ctx, roomID, id)
}

// UnpinMessage clears the pin. Unpinning a non-pinned message is invalid.
func (s *Store) UnpinMessage(ctx context.Context, roomID, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, err := s.GetMessage(ctx, roomID, id)
	if err != nil {
		return err
	}
	if cur.PinnedAt == nil {
		return ErrInvalid
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET pinned_at = NULL, pinned_by = NULL WHERE id = ?`, id)
	return translate(err)
}

// ListPins returns a room's pinned messages, most recently pinned first.
func (s *Store) ListPins(ctx context.Context, roomID string) ([]Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages m
		WHERE m.room_id = ? AND m.pinned_at IS NOT NULL ORDER BY m.pinned_at DESC`
	return s.queryMessages(ctx, q, []any{roomID}, false)
}
