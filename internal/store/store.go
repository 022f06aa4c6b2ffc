// Package store provides persistent chat state backed by an embedded SQLite
// database. It owns the database lifecycle and exposes typed operations used
// by the rest of the server.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
//
// Concurrency: SQLite allows one writer at a time. All mutating operations
// take writeMu so the serialization point is explicit and seq allocation is
// total-order; reads run concurrently on the connection pool.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Error kinds surfaced to callers. The HTTP layer maps these to statuses.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrInvalid   = errors.New("invalid")
	ErrForbidden = errors.New("forbidden")
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — rooms
	`CREATE TABLE IF NOT EXISTS rooms (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		created_by  TEXT NOT NULL DEFAULT '',
		admin_key   TEXT NOT NULL,
		room_type   TEXT NOT NULL DEFAULT 'room',
		archived_at INTEGER,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	)`,
	// v2 — messages with the global monotonic seq
	`CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		room_id     TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		sender      TEXT NOT NULL,
		sender_type TEXT,
		content     TEXT NOT NULL,
		metadata    TEXT,
		reply_to    TEXT,
		seq         INTEGER NOT NULL UNIQUE,
		created_at  INTEGER NOT NULL,
		edited_at   INTEGER,
		pinned_at   INTEGER,
		pinned_by   TEXT
	)`,
	// v3 — message lookup index
	`CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room_id, seq)`,
	// v4 — edit history, appended on each successful edit
	`CREATE TABLE IF NOT EXISTS message_edits (
		id               TEXT PRIMARY KEY,
		message_id       TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		previous_content TEXT NOT NULL,
		editor           TEXT NOT NULL,
		edited_at        INTEGER NOT NULL
	)`,
	// v5 — reactions
	`CREATE TABLE IF NOT EXISTS reactions (
		id         TEXT PRIMARY KEY,
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		sender     TEXT NOT NULL,
		emoji      TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(message_id, sender, emoji)
	)`,
	// v6 — file attachments; blob bytes live in the row, no disk paths
	`CREATE TABLE IF NOT EXISTS files (
		id           TEXT PRIMARY KEY,
		room_id      TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		sender       TEXT NOT NULL,
		filename     TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size         INTEGER NOT NULL CHECK(size >= 0),
		content      BLOB NOT NULL,
		created_at   INTEGER NOT NULL
	)`,
	// v7 — read positions, monotonic per (room, sender)
	`CREATE TABLE IF NOT EXISTS read_positions (
		room_id       TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		sender        TEXT NOT NULL,
		last_read_seq INTEGER NOT NULL CHECK(last_read_seq >= 0),
		updated_at    INTEGER NOT NULL,
		PRIMARY KEY(room_id, sender)
	)`,
	// v8 — sender profiles
	`CREATE TABLE IF NOT EXISTS profiles (
		sender       TEXT PRIMARY KEY,
		display_name TEXT,
		sender_type  TEXT,
		avatar_url   TEXT,
		bio          TEXT,
		status_text  TEXT,
		metadata     TEXT,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	)`,
	// v9 — room bookmarks
	`CREATE TABLE IF NOT EXISTS bookmarks (
		room_id    TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		sender     TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY(room_id, sender)
	)`,
	// v10 — outgoing webhooks
	`CREATE TABLE IF NOT EXISTS webhooks (
		id         TEXT PRIMARY KEY,
		room_id    TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		url        TEXT NOT NULL,
		events     TEXT NOT NULL DEFAULT '*',
		secret     TEXT,
		active     INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	// v11 — incoming webhooks
	`CREATE TABLE IF NOT EXISTS incoming_webhooks (
		id         TEXT PRIMARY KEY,
		room_id    TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		token      TEXT NOT NULL UNIQUE,
		active     INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	// v12 — webhook delivery audit log. Append-only; intentionally no FK so
	// rows outlive their webhook.
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id               TEXT PRIMARY KEY,
		delivery_group   TEXT NOT NULL,
		webhook_id       TEXT NOT NULL,
		event            TEXT NOT NULL,
		url              TEXT NOT NULL,
		attempt          INTEGER NOT NULL,
		status           TEXT NOT NULL,
		status_code      INTEGER,
		error_message    TEXT NOT NULL DEFAULT '',
		response_time_ms INTEGER NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL
	)`,
	// v13 — delivery log lookup by retry group
	`CREATE INDEX IF NOT EXISTS idx_deliveries_group ON webhook_deliveries(delivery_group)`,
	// v14 — full-text index mirroring messages(content, sender)
	`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
		id UNINDEXED, content, sender, tokenize='porter unicode61'
	)`,
	// v15 — secondary message indexes for time cursors and thread walks
	`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_reply_to ON messages(reply_to)`,
}

// DefaultRoomName is seeded on first startup so the server is usable
// immediately.
const DefaultRoomName = "general"

// Store wraps the SQLite database and exposes chat-state operations.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (or creates) the SQLite database at path, applies any pending
// migrations and seeds the default room. Use ":memory:" for ephemeral
// in-process storage (tests).
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	// WAL for concurrent readers, foreign keys for cascades, busy timeout to
	// avoid SQLITE_BUSY under writer contention. The _pragma form applies to
	// every pooled connection.
	dsn := "file:" + url.PathEscape(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Allow multiple read connections but serialise writes via writeMu. An
	// in-memory database is private to its connection, so it gets exactly one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.seedDefaultRoom(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed default room: %w", err)
	}
	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}

func (s *Store) seedDefaultRoom(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rooms WHERE name = ?`, DefaultRoomName,
	).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := s.CreateRoom(ctx, CreateRoomParams{
		Name:        DefaultRoomName,
		Description: "General discussion",
		CreatedBy:   "system",
	})
	return err
}

// Backup creates a copy of the database at the given path using SQLite's
// backup API through VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath)
	return err
}

// Optimize runs PRAGMA optimize for SQLite query planner statistics.
func (s *Store) Optimize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA optimize`)
	return err
}

// NewAdminKey returns a fresh per-room bearer key of the form chat_<hex>.
func NewAdminKey() string {
	return "chat_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// nowMilli is the single clock used for persisted timestamps.
func nowMilli() int64 {
	return time.Now().UnixMilli()
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func millisPtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := millisToTime(ms.Int64)
	return &t
}

// translate maps raw sqlite errors onto the store's error kinds. Constraint
// classification is by message text; the driver does not export stable codes
// for it.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"),
		strings.Contains(msg, "CHECK constraint failed"):
		return fmt.Errorf("%w: %s", ErrInvalid, msg)
	}
	return err
}

// likePattern escapes %, _ and \ in s for use in a LIKE … ESCAPE '\' clause.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
