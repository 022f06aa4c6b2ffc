package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Webhook is an outgoing webhook registration. Events is "*" or a
// comma-separated set of event names.
type Webhook struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	URL       string    `json:"url"`
	Events    string    `json:"events"`
	Secret    *string   `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Matches reports whether this webhook subscribes to the named event.
func (w Webhook) Matches(event string) bool {
	if w.Events == "*" {
		return true
	}
	for _, e := range strings.Split(w.Events, ",") {
		if strings.TrimSpace(e) == event {
			return true
		}
	}
	return false
}

// validateWebhookURL accepts http and https targets only.
func validateWebhookURL(url string) error {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("%w: url must begin with http:// or https://", ErrInvalid)
	}
	return nil
}

// CreateWebhook registers an outgoing webhook.
func (s *Store) CreateWebhook(ctx context.Context, w Webhook) (Webhook, error) {
	if err := validateWebhookURL(w.URL); err != nil {
		return Webhook{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := nowMilli()
	w.ID = uuid.NewString()
	w.Active = true
	w.CreatedAt = millisToTime(now)
	if w.Events == "" {
		w.Events = "*"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, room_id, url, events, secret, active, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		w.ID, w.RoomID, w.URL, w.Events, w.Secret, w.CreatedBy, now)
	if err != nil {
		return Webhook{}, translate(err)
	}
	slog.Info("webhook created", "webhook_id", w.ID, "room_id", w.RoomID, "events", w.Events)
	return w, nil
}

func scanWebhook(row interface{ Scan(...any) error }) (Webhook, error) {
	var (
		w         Webhook
		secret    sql.NullString
		active    int
		createdAt int64
	)
	err := row.Scan(&w.ID, &w.RoomID, &w.URL, &w.Events, &secret, &active, &w.CreatedBy, &createdAt)
	if err != nil {
		return Webhook{}, translate(err)
	}
	if secret.Valid {
		w.Secret = &secret.String
	}
	w.Active = active == 1
	w.CreatedAt = millisToTime(createdAt)
	return w, nil
}

const webhookColumns = `id, room_id, url, events, secret, active, created_by, created_at`

// GetWebhook returns one outgoing webhook scoped to a room.
func (s *Store) GetWebhook(ctx context.Context, roomID, id string) (Webhook, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = ? AND room_id = ?`, id, roomID)
	return scanWebhook(row)
}

// ListWebhooks returns a room's outgoing webhooks.
func (s *Store) ListWebhooks(ctx context.Context, roomID string) ([]Webhook, error) {
	return s.queryWebhooks(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE room_id = ? ORDER BY created_at ASC`, roomID)
}

// ActiveWebhooks returns the active outgoing webhooks for a room. Used by
// the dispatcher on its own read-only path.
func (s *Store) ActiveWebhooks(ctx context.Context, roomID string) ([]Webhook, error) {
	return s.queryWebhooks(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE room_id = ? AND active = 1`, roomID)
}

func (s *Store) queryWebhooks(ctx context.Context, q string, args ...any) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWebhook changes url, events, secret and/or active. Nil fields are
// left unchanged.
func (s *Store) UpdateWebhook(ctx context.Context, roomID, id string, url, events, secret *string, active *bool) (Webhook, error) {
	if url != nil {
		if err := validateWebhookURL(*url); err != nil {
			return Webhook{}, err
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, err := s.GetWebhook(ctx, roomID, id)
	if err != nil {
		return Webhook{}, err
	}
	if url != nil {
		cur.URL = *url
	}
	if events != nil {
		cur.Events = *events
	}
	if secret != nil {
		cur.Secret = secret
	}
	if active != nil {
		cur.Active = *active
	}
	activeInt := 0
	if cur.Active {
		activeInt = 1
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE webhooks SET url = ?, events = ?, secret = ?, active = ? WHERE id = ?`,
		cur.URL, cur.Events, cur.Secret, activeInt, id)
	if err != nil {
		return Webhook{}, translate(err)
	}
	return cur, nil
}

// DeleteWebhook removes an outgoing webhook.
func (s *Store) DeleteWebhook(ctx context.Context, roomID, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhooks WHERE id = ? AND room_id = ?`, id, roomID)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncomingWebhook lets external systems post messages through an opaque
// token URL.
type IncomingWebhook struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Name      string    `json:"name"`
	Token     string    `json:"token,omitempty"`
	Active    bool      `json:"active"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateIncomingWebhook registers an incoming webhook with a fresh token.
func (s *Store) CreateIncomingWebhook(ctx context.Context, roomID, name, createdBy string) (IncomingWebhook, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := nowMilli()
	w := IncomingWebhook{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Name:      name,
		Token:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		Active:    true,
		CreatedBy: createdBy,
		CreatedAt: millisToTime(now),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incoming_webhooks (id, room_id, name, token, active, created_by, created_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		w.ID, w.RoomID, w.Name, w.Token, w.CreatedBy, now)
	if err != nil {
		return IncomingWebhook{}, translate(err)
	}
	return w, nil
}

func scanIncomingWebhook(row interface{ Scan(...any) error }) (IncomingWebhook, error) {
	var (
		w         IncomingWebhook
		active    int
		createdAt int64
	)
	err := row.Scan(&w.ID, &w.RoomID, &w.Name, &w.Token, &active, &w.CreatedBy, &createdAt)
	if err != nil {
		return IncomingWebhook{}, translate(err)
	}
	w.Active = active == 1
	w.CreatedAt = millisToTime(createdAt)
	return w, nil
}

const incomingWebhookColumns = `id, room_id, name, token, active, created_by, created_at`

// GetIncomingWebhookByToken resolves an active incoming webhook by token.
func (s *Store) GetIncomingWebhookByToken(ctx context.Context, token string) (IncomingWebhook, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+incomingWebhookColumns+` FROM incoming_webhooks WHERE token = ? AND active = 1`, token)
	return scanIncomingWebhook(row)
}

// ListIncomingWebhooks returns a room's incoming webhooks.
func (s *Store) ListIncomingWebhooks(ctx context.Context, roomID string) ([]IncomingWebhook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+incomingWebhookColumns+` FROM incoming_webhooks WHERE room_id = ? ORDER BY created_at ASC`, roomID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []IncomingWebhook
	for rows.Next() {
		w, err := scanIncomingWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteIncomingWebhook removes an incoming webhook.
func (s *Store) DeleteIncomingWebhook(ctx context.Context, roomID, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM incoming_webhooks WHERE id = ? AND room_id = ?`, id, roomID)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeliveryLogEntry is one webhook delivery attempt. Rows sharing a
// delivery_group belong to one (event, webhook) delivery and its retries.
type DeliveryLogEntry struct {
	ID             string    `json:"id"`
	DeliveryGroup  string    `json:"delivery_group"`
	WebhookID      string    `json:"webhook_id"`
	Event          string    `json:"event"`
	URL            string    `json:"url"`
	Attempt        int       `json:"attempt"`
	Status         string    `json:"status"` // "success" | "failed"
	StatusCode     *int      `json:"status_code,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// InsertDeliveryLog appends one delivery attempt row.
func (s *Store) InsertDeliveryLog(ctx context.Context, e DeliveryLogEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries
			(id, delivery_group, webhook_id, event, url, attempt, status, status_code, error_message, response_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), e.DeliveryGroup, e.WebhookID, e.Event, e.URL, e.Attempt,
		e.Status, e.StatusCode, e.ErrorMessage, e.ResponseTimeMs, nowMilli())
	return translate(err)
}

// ListDeliveries returns recent delivery log rows for one webhook, newest
// first.
func (s *Store) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]DeliveryLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, delivery_group, webhook_id, event, url, attempt, status, status_code, error_message, response_time_ms, created_at
		 FROM webhook_deliveries WHERE webhook_id = ?
		 ORDER BY created_at DESC, attempt DESC LIMIT ?`, webhookID, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []DeliveryLogEntry
	for rows.Next() {
		var (
			e          DeliveryLogEntry
			statusCode sql.NullInt64
			createdAt  int64
		)
		if err := rows.Scan(&e.ID, &e.DeliveryGroup, &e.WebhookID, &e.Event, &e.URL,
			&e.Attempt, &e.Status, &statusCode, &e.ErrorMessage, &e.ResponseTimeMs, &createdAt); err != nil {
			return nil, err
		}
		if statusCode.Valid {
			v := int(statusCode.Int64)
			e.StatusCode = &v
		}
		e.CreatedAt = millisToTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeliveriesByGroup returns every attempt in one delivery group, in attempt
// order.
func (s *Store) DeliveriesByGroup(ctx context.Context, group string) ([]DeliveryLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, delivery_group, webhook_id, event, url, attempt, status, status_code, error_message, response_time_ms, created_at
		 FROM webhook_deliveries WHERE delivery_group = ? ORDER BY attempt ASC`, group)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []DeliveryLogEntry
	for rows.Next() {
		var (
			e          DeliveryLogEntry
			statusCode sql.NullInt64
			createdAt  int64
		)
		if err := rows.Scan(&e.ID, &e.DeliveryGroup, &e.WebhookID, &e.Event, &e.URL,
			&e.Attempt, &e.Status, &statusCode, &e.ErrorMessage, &e.ResponseTimeMs, &createdAt); err != nil {
			return nil, err
		}
		if statusCode.Valid {
			v := int(statusCode.Int64)
			e.StatusCode = &v
		}
		e.CreatedAt = millisToTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
