package store

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"
)

// FTSUpsert refreshes the full-text row for a message from its stored state.
func (s *Store) FTSUpsert(ctx context.Context, messageID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var content, sender string
	err := s.db.QueryRowContext(ctx,
		`SELECT content, sender FROM messages WHERE id = ?`, messageID,
	).Scan(&content, &sender)
	if err != nil {
		return translate(err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages_fts WHERE id = ?`, messageID); err != nil {
		return translate(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages_fts (id, content, sender) VALUES (?, ?, ?)`,
		messageID, content, sender)
	return translate(err)
}

// FTSDelete removes a message's full-text row.
func (s *Store) FTSDelete(ctx context.Context, messageID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages_fts WHERE id = ?`, messageID)
	return translate(err)
}

// FTSRebuild drops and repopulates the entire full-text index from the
// messages table.
func (s *Store) FTSRebuild(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages_fts`); err != nil {
		return translate(err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages_fts (id, content, sender)
		 SELECT id, content, sender FROM messages`); err != nil {
		return translate(err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("fts index rebuilt")
	return nil
}

// SearchParams narrows Search.
type SearchParams struct {
	Query      string
	RoomID     string
	Sender     string
	SenderType string
	Limit      int
}

// ftsQuery tokenizes raw user input into a safe MATCH expression: split on
// whitespace, strip everything but alphanumerics, '_', '-' and ''', quote
// each term. Returns "" when nothing searchable remains.
func ftsQuery(raw string) string {
	keep := func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_' || r == '-' || r == '\'':
			return r
		case r > 127: // non-ASCII passes through for unicode61
			return r
		}
		return -1
	}
	var terms []string
	for _, tok := range strings.Fields(raw) {
		tok = strings.Map(keep, tok)
		if tok == "" {
			continue
		}
		terms = append(terms, `"`+tok+`"`)
	}
	return strings.Join(terms, " ")
}

// Search runs a ranked full-text query over message content and sender. An
// unparseable FTS query falls back to an escaped LIKE substring search
// ordered by seq descending.
func (s *Store) Search(ctx context.Context, p SearchParams) ([]Message, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}

	match := ftsQuery(p.Query)
	if match != "" {
		msgs, err := s.searchFTS(ctx, match, p, limit)
		if err == nil {
			return msgs, nil
		}
		slog.Debug("fts query failed, falling back to LIKE", "q", p.Query, "err", err)
	}
	return s.searchLike(ctx, p, limit)
}

func (s *Store) searchFTS(ctx context.Context, match string, p SearchParams, limit int) ([]Message, error) {
	q := `SELECT ` + messageColumns + `, r.name AS room_name
		FROM messages_fts f
		JOIN messages m ON m.id = f.id
		JOIN rooms r ON r.id = m.room_id
		WHERE messages_fts MATCH ?`
	args := []any{match}
	q, args = appendSearchFilters(q, args, p)
	q += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)
	return s.queryMessages(ctx, q, args, true)
}

func (s *Store) searchLike(ctx context.Context, p SearchParams, limit int) ([]Message, error) {
	q := `SELECT ` + messageColumns + `, r.name AS room_name
		FROM messages m
		JOIN rooms r ON r.id = m.room_id
		WHERE m.content LIKE ? ESCAPE '\'`
	args := []any{"%" + likePattern(p.Query) + "%"}
	q, args = appendSearchFilters(q, args, p)
	q += ` ORDER BY m.seq DESC LIMIT ?`
	args = append(args, limit)
	return s.queryMessages(ctx, q, args, true)
}

func appendSearchFilters(q string, args []any, p SearchParams) (string, []any) {
	if p.RoomID != "" {
		q += ` AND m.room_id = ?`
		args = append(args, p.RoomID)
	}
	if p.Sender != "" {
		q += ` AND m.sender = ?`
		args = append(args, p.Sender)
	}
	if p.SenderType != "" {
		q += ` AND m.sender_type = ?`
		args = append(args, p.SenderType)
	}
	return q, args
}

// MentionsParams narrows Mentions.
type MentionsParams struct {
	Target   string
	RoomID   string
	AfterSeq *int64
	Limit    int
}

// Mentions returns messages containing @target, excluding the target's own
// messages, ascending by seq.
func (s *Store) Mentions(ctx context.Context, p MentionsParams) ([]Message, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageColumns + `, r.name AS room_name
		FROM messages m
		JOIN rooms r ON r.id = m.room_id
		WHERE m.content LIKE ? ESCAPE '\' AND m.sender != ?`
	args := []any{"%@" + likePattern(p.Target) + "%", p.Target}
	if p.RoomID != "" {
		q += ` AND m.room_id = ?`
		args = append(args, p.RoomID)
	}
	if p.AfterSeq != nil {
		q += ` AND m.seq > ?`
		args = append(args, *p.AfterSeq)
	}
	q += ` ORDER BY m.seq ASC LIMIT ?`
	args = append(args, limit)
	return s.queryMessages(ctx, q, args, true)
}

// RoomMentions summarizes unread mentions of a target in one room.
type RoomMentions struct {
	RoomID       string `json:"room_id"`
	RoomName     string `json:"room_name"`
	OldestSeq    int64  `json:"oldest_seq"`
	NewestSeq    int64  `json:"newest_seq"`
	MentionCount int    `json:"mention_count"`
}

// UnreadMentions reports, per room, mentions of target past the target's
// read position.
func (s *Store) UnreadMentions(ctx context.Context, target string) ([]RoomMentions, error) {
	q := `SELECT m.room_id, r.name, MIN(m.seq), MAX(m.seq), COUNT(*)
		FROM messages m
		JOIN rooms r ON r.id = m.room_id
		LEFT JOIN read_positions rp ON rp.room_id = m.room_id AND rp.sender = ?
		WHERE m.content LIKE ? ESCAPE '\'
		  AND m.sender != ?
		  AND m.seq > COALESCE(rp.last_read_seq, 0)
		GROUP BY m.room_id, r.name
		ORDER BY MAX(m.seq) DESC`
	rows, err := s.db.QueryContext(ctx, q, target, "%@"+likePattern(target)+"%", target)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []RoomMentions
	for rows.Next() {
		var rm RoomMentions
		if err := rows.Scan(&rm.RoomID, &rm.RoomName, &rm.OldestSeq, &rm.NewestSeq, &rm.MentionCount); err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}

// Stats is the aggregate served by /stats and the CLI status subcommand.
type Stats struct {
	Rooms         int            `json:"rooms"`
	Messages      int            `json:"messages"`
	ActiveSenders int            `json:"active_senders_1h"`
	SenderTypes   map[string]int `json:"sender_types"`
	MaxSeq        int64          `json:"max_seq"`
}

// GetStats aggregates room/message counts, senders active in the last hour
// and the sender-type breakdown.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	st := Stats{SenderTypes: map[string]int{}}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rooms WHERE room_type != 'dm'`).Scan(&st.Rooms); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages`).Scan(&st.Messages); err != nil {
		return Stats{}, err
	}
	cutoff := time.Now().Add(-time.Hour).UnixMilli()
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT sender) FROM messages WHERE created_at > ?`, cutoff).Scan(&st.ActiveSenders); err != nil {
		return Stats{}, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(sender_type, 'unknown'), COUNT(*) FROM messages GROUP BY sender_type`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st2 sql.NullString
			n   int
		)
		if err := rows.Scan(&st2, &n); err != nil {
			return Stats{}, err
		}
		key := "unknown"
		if st2.Valid && st2.String != "" {
			key = st2.String
		}
		st.SenderTypes[key] += n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	seq, err := s.MaxSeq(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.MaxSeq = seq
	return st, nil
}
