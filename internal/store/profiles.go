package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Profile is self-declared sender identity. All fields other than the
// sender key are optional.
type Profile struct {
	Sender      string          `json:"sender"`
	DisplayName *string         `json:"display_name,omitempty"`
	SenderType  *string         `json:"sender_type,omitempty"`
	AvatarURL   *string         `json:"avatar_url,omitempty"`
	Bio         *string         `json:"bio,omitempty"`
	StatusText  *string         `json:"status_text,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// UpsertProfile merges the given fields into the stored profile: absent
// (nil) fields preserve their prior value.
func (s *Store) UpsertProfile(ctx context.Context, p Profile) (Profile, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := nowMilli()
	var metadata any
	if len(p.Metadata) > 0 {
		metadata = string(p.Metadata)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (sender, display_name, sender_type, avatar_url, bio, status_text, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(sender) DO UPDATE SET
			display_name = COALESCE(excluded.display_name, display_name),
			sender_type  = COALESCE(excluded.sender_type, sender_type),
			avatar_url   = COALESCE(excluded.avatar_url, avatar_url),
			bio          = COALESCE(excluded.bio, bio),
			status_text  = COALESCE(excluded.status_text, status_text),
			metadata     = COALESCE(excluded.metadata, metadata),
			updated_at   = excluded.updated_at`,
		p.Sender, p.DisplayName, p.SenderType, p.AvatarURL, p.Bio, p.StatusText, metadata, now, now)
	if err != nil {
		return Profile{}, translate(err)
	}
	return s.GetProfile(ctx, p.Sender)
}

func scanProfile(row interface{ Scan(...any) error }) (Profile, error) {
	var (
		p           Profile
		displayName sql.NullString
		senderType  sql.NullString
		avatarURL   sql.NullString
		bio         sql.NullString
		statusText  sql.NullString
		metadata    sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(&p.Sender, &displayName, &senderType, &avatarURL, &bio,
		&statusText, &metadata, &createdAt, &updatedAt)
	if err != nil {
		return Profile{}, translate(err)
	}
	if displayName.Valid {
		p.DisplayName = &displayName.String
	}
	if senderType.Valid {
		p.SenderType = &senderType.String
	}
	if avatarURL.Valid {
		p.AvatarURL = &avatarURL.String
	}
	if bio.Valid {
		p.Bio = &bio.String
	}
	if statusText.Valid {
		p.StatusText = &statusText.String
	}
	if metadata.Valid && metadata.String != "" {
		p.Metadata = json.RawMessage(metadata.String)
	}
	p.CreatedAt = millisToTime(createdAt)
	p.UpdatedAt = millisToTime(updatedAt)
	return p, nil
}

const profileColumns = `sender, display_name, sender_type, avatar_url, bio, status_text, metadata, created_at, updated_at`

// GetProfile returns one profile by sender.
func (s *Store) GetProfile(ctx context.Context, sender string) (Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE sender = ?`, sender)
	return scanProfile(row)
}

// ListProfiles returns all profiles, optionally filtered by sender type.
func (s *Store) ListProfiles(ctx context.Context, senderType string) ([]Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM profiles`
	var args []any
	if senderType != "" {
		q += ` WHERE sender_type = ?`
		args = append(args, senderType)
	}
	q += ` ORDER BY sender ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProfile removes a profile.
func (s *Store) DeleteProfile(ctx context.Context, sender string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE sender = ?`, sender)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Participant is a sender aggregated from a room's messages, enriched with
// profile fields when a profile exists.
type Participant struct {
	Sender       string     `json:"sender"`
	SenderType   *string    `json:"sender_type,omitempty"`
	DisplayName  *string    `json:"display_name,omitempty"`
	AvatarURL    *string    `json:"avatar_url,omitempty"`
	MessageCount int        `json:"message_count"`
	FirstActive  *time.Time `json:"first_active,omitempty"`
	LastActive   time.Time  `json:"last_active"`
}

// Participants aggregates senders with at least one message in the room.
func (s *Store) Participants(ctx context.Context, roomID string) ([]Participant, error) {
	q := `SELECT m.sender, MAX(COALESCE(m.sender_type, '')), COUNT(*),
		MIN(m.created_at), MAX(m.created_at),
		p.display_name, p.avatar_url, p.sender_type
		FROM messages m
		LEFT JOIN profiles p ON p.sender = m.sender
		WHERE m.room_id = ?
		GROUP BY m.sender
		ORDER BY MAX(m.created_at) DESC`
	rows, err := s.db.QueryContext(ctx, q, roomID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var (
			pt                Participant
			msgSenderType     string
			firstActive       int64
			lastActive        int64
			displayName       sql.NullString
			avatarURL         sql.NullString
			profileSenderType sql.NullString
		)
		if err := rows.Scan(&pt.Sender, &msgSenderType, &pt.MessageCount,
			&firstActive, &lastActive, &displayName, &avatarURL, &profileSenderType); err != nil {
			return nil, err
		}
		// Profile sender_type wins over the per-message one.
		switch {
		case profileSenderType.Valid && profileSenderType.String != "":
			pt.SenderType = &profileSenderType.String
		case msgSenderType != "":
			v := msgSenderType
			pt.SenderType = &v
		}
		if displayName.Valid {
			pt.DisplayName = &displayName.String
		}
		if avatarURL.Valid {
			pt.AvatarURL = &avatarURL.String
		}
		ft := millisToTime(firstActive)
		pt.FirstActive = &ft
		pt.LastActive = millisToTime(lastActive)
		out = append(out, pt)
	}
	return out, rows.Err()
}
