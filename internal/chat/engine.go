// Package chat implements the message engine: validation, persistence via
// the store, and event publication on every mutation. HTTP handlers stay
// thin; all chat semantics live here.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"parley/server/internal/bus"
	"parley/server/internal/store"
)

// Engine coordinates the store and the event bus.
type Engine struct {
	store *store.Store
	bus   *bus.Bus

	typing *typingTracker
}

func NewEngine(st *store.Store, b *bus.Bus) *Engine {
	return &Engine{store: st, bus: b, typing: newTypingTracker()}
}

// Store exposes the underlying store for read-only paths that need no
// engine semantics (stats, exports).
func (e *Engine) Store() *store.Store { return e.store }

// publish tags the event with the room and hands it to the bus.
func (e *Engine) publish(eventType, roomID string, seq int64, data any) {
	e.bus.Publish(bus.Event{Type: eventType, RoomID: roomID, Seq: seq, Data: data})
}

// ResolveRoom looks a room up by id first, then by name.
func (e *Engine) ResolveRoom(ctx context.Context, idOrName string) (store.Room, error) {
	r, err := e.store.GetRoom(ctx, idOrName)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Room{}, err
	}
	return e.store.GetRoomByName(ctx, idOrName)
}

// CreateRoom validates and creates a room, publishing room_created.
func (e *Engine) CreateRoom(ctx context.Context, name, description, createdBy string) (store.Room, error) {
	name, err := ValidateName(name, MaxRoomNameLength)
	if err != nil {
		return store.Room{}, fmt.Errorf("room name %w", err)
	}
	r, err := e.store.CreateRoom(ctx, store.CreateRoomParams{
		Name: name, Description: description, CreatedBy: createdBy,
	})
	if err != nil {
		return store.Room{}, err
	}
	public := r
	public.AdminKey = ""
	e.publish(bus.EventRoomCreated, r.ID, 0, public)
	return r, nil
}

// UpdateRoom applies a partial update and publishes room_updated.
func (e *Engine) UpdateRoom(ctx context.Context, roomID string, name, description *string) (store.Room, error) {
	if name != nil {
		n, err := ValidateName(*name, MaxRoomNameLength)
		if err != nil {
			return store.Room{}, fmt.Errorf("room name %w", err)
		}
		name = &n
	}
	r, err := e.store.UpdateRoom(ctx, roomID, name, description)
	if err != nil {
		return store.Room{}, err
	}
	e.publish(bus.EventRoomUpdated, r.ID, 0, r)
	return r, nil
}

// SetRoomArchived archives or unarchives, publishing the matching event.
func (e *Engine) SetRoomArchived(ctx context.Context, roomID string, archived bool) (store.Room, error) {
	r, err := e.store.SetRoomArchived(ctx, roomID, archived)
	if err != nil {
		return store.Room{}, err
	}
	ev := bus.EventRoomArchived
	if !archived {
		ev = bus.EventRoomUnarchived
	}
	e.publish(ev, r.ID, 0, r)
	return r, nil
}

// DeleteRoom removes a room and everything in it, publishing room_deleted.
func (e *Engine) DeleteRoom(ctx context.Context, roomID string) error {
	if err := e.store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	e.publish(bus.EventRoomDeleted, roomID, 0, map[string]string{"room_id": roomID})
	return nil
}

// SendParams carries one message submission.
type SendParams struct {
	RoomID     string
	Sender     string
	SenderType *string
	Content    string
	Metadata   json.RawMessage
	ReplyTo    *string
}

// Send validates and persists a message, then publishes message.
// Posting into an archived room is invalid, as is replying to a message
// outside the target room.
func (e *Engine) Send(ctx context.Context, p SendParams) (store.Message, error) {
	sender, err := ValidateSender(p.Sender)
	if err != nil {
		return store.Message{}, err
	}
	content, err := ValidateContent(p.Content)
	if err != nil {
		return store.Message{}, err
	}
	if err := ValidateMetadata(p.Metadata); err != nil {
		return store.Message{}, err
	}

	room, err := e.store.GetRoom(ctx, p.RoomID)
	if err != nil {
		return store.Message{}, err
	}
	if room.ArchivedAt != nil {
		return store.Message{}, fmt.Errorf("%w: room is archived", store.ErrInvalid)
	}
	if p.ReplyTo != nil {
		if _, err := e.store.GetMessage(ctx, room.ID, *p.ReplyTo); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.Message{}, fmt.Errorf("%w: reply_to message not in room", store.ErrInvalid)
			}
			return store.Message{}, err
		}
	}

	m, err := e.store.InsertMessage(ctx, store.InsertMessageParams{
		RoomID:     room.ID,
		Sender:     sender,
		SenderType: effectiveSenderType(p.SenderType, p.Metadata),
		Content:    content,
		Metadata:   p.Metadata,
		ReplyTo:    p.ReplyTo,
	})
	if err != nil {
		return store.Message{}, err
	}
	e.publish(bus.EventMessage, room.ID, m.Seq, m)
	return m, nil
}

// effectiveSenderType resolves a message's sender type: the top-level
// override wins, else a "sender_type" key inside the metadata object, else
// null.
func effectiveSenderType(override *string, metadata json.RawMessage) *string {
	if override != nil {
		return override
	}
	if len(metadata) == 0 {
		return nil
	}
	var embedded struct {
		SenderType *string `json:"sender_type"`
	}
	if err := json.Unmarshal(metadata, &embedded); err != nil {
		return nil
	}
	if embedded.SenderType == nil || *embedded.SenderType == "" {
		return nil
	}
	return embedded.SenderType
}

// Edit replaces a message's content, keeping its seq and recording the old
// content in the edit history. Only the original sender may edit.
func (e *Engine) Edit(ctx context.Context, roomID, messageID, editor, content string, metadata json.RawMessage) (store.Message, error) {
	editor, err := ValidateSender(editor)
	if err != nil {
		return store.Message{}, err
	}
	content, err = ValidateContent(content)
	if err != nil {
		return store.Message{}, err
	}
	if err := ValidateMetadata(metadata); err != nil {
		return store.Message{}, err
	}

	cur, err := e.store.GetMessage(ctx, roomID, messageID)
	if err != nil {
		return store.Message{}, err
	}
	if cur.Sender != editor {
		return store.Message{}, fmt.Errorf("%w: only the sender may edit", store.ErrForbidden)
	}

	m, err := e.store.UpdateMessage(ctx, roomID, messageID, editor, content, metadata)
	if err != nil {
		return store.Message{}, err
	}
	e.publish(bus.EventMessageEdited, roomID, m.Seq, m)
	return m, nil
}

// Delete removes a message and publishes message_deleted with its last
// known seq.
func (e *Engine) Delete(ctx context.Context, roomID, messageID string) error {
	cur, err := e.store.GetMessage(ctx, roomID, messageID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteMessage(ctx, roomID, messageID); err != nil {
		return err
	}
	e.publish(bus.EventMessageDeleted, roomID, cur.Seq, map[string]any{
		"id": messageID, "room_id": roomID, "seq": cur.Seq,
	})
	return nil
}

// reactionEvent is the payload for reaction_added / reaction_removed.
type reactionEvent struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
	Sender    string `json:"sender"`
	Emoji     string `json:"emoji"`
}

// ToggleReaction flips a (message, sender, emoji) reaction and publishes the
// matching event. Returns true when the reaction now exists.
func (e *Engine) ToggleReaction(ctx context.Context, roomID, messageID, sender, emoji string) (bool, error) {
	sender, err := ValidateSender(sender)
	if err != nil {
		return false, err
	}
	emoji, err = ValidateName(emoji, MaxEmojiLength)
	if err != nil {
		return false, fmt.Errorf("emoji %w", err)
	}
	if _, err := e.store.GetMessage(ctx, roomID, messageID); err != nil {
		return false, err
	}

	added, err := e.store.ToggleReaction(ctx, messageID, sender, emoji)
	if err != nil {
		return false, err
	}
	ev := bus.EventReactionAdded
	if !added {
		ev = bus.EventReactionRemoved
	}
	e.publish(ev, roomID, 0, reactionEvent{MessageID: messageID, RoomID: roomID, Sender: sender, Emoji: emoji})
	return added, nil
}

// RemoveReaction deletes a specific reaction and publishes reaction_removed.
func (e *Engine) RemoveReaction(ctx context.Context, roomID, messageID, sender, emoji string) error {
	if _, err := e.store.GetMessage(ctx, roomID, messageID); err != nil {
		return err
	}
	if err := e.store.RemoveReaction(ctx, messageID, sender, emoji); err != nil {
		return err
	}
	e.publish(bus.EventReactionRemoved, roomID, 0, reactionEvent{MessageID: messageID, RoomID: roomID, Sender: sender, Emoji: emoji})
	return nil
}

// Pin pins a message and publishes message_pinned. Pinning twice conflicts.
func (e *Engine) Pin(ctx context.Context, roomID, messageID, pinnedBy string) (store.Message, error) {
	pinnedBy, err := ValidateSender(pinnedBy)
	if err != nil {
		return store.Message{}, err
	}
	m, err := e.store.PinMessage(ctx, roomID, messageID, pinnedBy)
	if err != nil {
		return store.Message{}, err
	}
	e.publish(bus.EventMessagePinned, roomID, m.Seq, m)
	return m, nil
}

// Unpin clears a pin and publishes message_unpinned.
func (e *Engine) Unpin(ctx context.Context, roomID, messageID string) error {
	if err := e.store.UnpinMessage(ctx, roomID, messageID); err != nil {
		return err
	}
	e.publish(bus.EventMessageUnpinned, roomID, 0, map[string]string{
		"id": messageID, "room_id": roomID,
	})
	return nil
}

// MarkRead advances a read position (monotonically) and publishes
// read_position_updated. The referenced seq must not exceed the allocated
// maximum.
func (e *Engine) MarkRead(ctx context.Context, roomID, sender string, seq int64) (store.ReadPosition, error) {
	sender, err := ValidateSender(sender)
	if err != nil {
		return store.ReadPosition{}, err
	}
	if seq < 0 {
		return store.ReadPosition{}, fmt.Errorf("%w: seq must not be negative", store.ErrInvalid)
	}
	max, err := e.store.MaxSeq(ctx)
	if err != nil {
		return store.ReadPosition{}, err
	}
	if seq > max {
		return store.ReadPosition{}, fmt.Errorf("%w: seq %d past latest %d", store.ErrInvalid, seq, max)
	}
	if _, err := e.store.GetRoom(ctx, roomID); err != nil {
		return store.ReadPosition{}, err
	}

	rp, err := e.store.UpsertReadPosition(ctx, roomID, sender, seq)
	if err != nil {
		return store.ReadPosition{}, err
	}
	e.publish(bus.EventReadPositionUpdated, roomID, rp.LastReadSeq, rp)
	return rp, nil
}

// UpsertProfile merges profile fields and publishes profile_updated (a
// global event — no room).
func (e *Engine) UpsertProfile(ctx context.Context, p store.Profile) (store.Profile, error) {
	sender, err := ValidateSender(p.Sender)
	if err != nil {
		return store.Profile{}, err
	}
	p.Sender = sender
	if err := ValidateMetadata(p.Metadata); err != nil {
		return store.Profile{}, err
	}
	out, err := e.store.UpsertProfile(ctx, p)
	if err != nil {
		return store.Profile{}, err
	}
	e.publish(bus.EventProfileUpdated, "", 0, out)
	return out, nil
}

// DeleteProfile removes a profile and publishes profile_deleted.
func (e *Engine) DeleteProfile(ctx context.Context, sender string) error {
	if err := e.store.DeleteProfile(ctx, sender); err != nil {
		return err
	}
	e.publish(bus.EventProfileDeleted, "", 0, map[string]string{"sender": sender})
	return nil
}

// UploadFile stores an attachment and publishes file_uploaded. Size is
// bounded by store.MaxFileSize.
func (e *Engine) UploadFile(ctx context.Context, roomID, sender, filename, contentType string, content []byte) (store.File, error) {
	sender, err := ValidateSender(sender)
	if err != nil {
		return store.File{}, err
	}
	filename, err = ValidateName(filename, 255)
	if err != nil {
		return store.File{}, fmt.Errorf("filename %w", err)
	}
	if len(content) == 0 {
		return store.File{}, fmt.Errorf("%w: file is empty", store.ErrInvalid)
	}
	if len(content) > store.MaxFileSize {
		return store.File{}, fmt.Errorf("%w: file exceeds %d bytes", store.ErrInvalid, store.MaxFileSize)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return store.File{}, err
	}
	if room.ArchivedAt != nil {
		return store.File{}, fmt.Errorf("%w: room is archived", store.ErrInvalid)
	}

	f, err := e.store.InsertFile(ctx, room.ID, sender, filename, contentType, content)
	if err != nil {
		return store.File{}, err
	}
	if err := e.store.TouchRoom(ctx, room.ID); err != nil {
		slog.Warn("bump room activity after upload", "room_id", room.ID, "err", err)
	}
	f.URL = "/api/v1/files/" + f.ID
	e.publish(bus.EventFileUploaded, room.ID, 0, f)
	return f, nil
}

// BroadcastResult is the per-room outcome of a Broadcast call.
type BroadcastResult struct {
	RoomID  string         `json:"room_id"`
	Message *store.Message `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Broadcast sends one message to up to MaxBroadcastRooms rooms. Failures
// are per-room; one archived room does not stop the rest.
func (e *Engine) Broadcast(ctx context.Context, roomIDs []string, p SendParams) ([]BroadcastResult, error) {
	if len(roomIDs) == 0 {
		return nil, fmt.Errorf("%w: no rooms given", store.ErrInvalid)
	}
	if len(roomIDs) > MaxBroadcastRooms {
		return nil, fmt.Errorf("%w: at most %d rooms per broadcast", store.ErrInvalid, MaxBroadcastRooms)
	}

	out := make([]BroadcastResult, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		sp := p
		sp.RoomID = roomID
		sp.ReplyTo = nil
		m, err := e.Send(ctx, sp)
		res := BroadcastResult{RoomID: roomID}
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Message = &m
		}
		out = append(out, res)
	}
	return out, nil
}

// SendDM resolves (or creates) the canonical DM room for the pair and sends
// into it. The returned bool reports whether this call created the room.
func (e *Engine) SendDM(ctx context.Context, from, to string, p SendParams) (store.Message, store.Room, bool, error) {
	from, err := ValidateSender(from)
	if err != nil {
		return store.Message{}, store.Room{}, false, err
	}
	to, err = ValidateSender(to)
	if err != nil {
		return store.Message{}, store.Room{}, false, fmt.Errorf("recipient %w", err)
	}
	if store.DMRoomName(from, from) == store.DMRoomName(from, to) {
		return store.Message{}, store.Room{}, false, fmt.Errorf("%w: cannot DM yourself", store.ErrInvalid)
	}

	room, created, err := e.store.GetOrCreateDMRoom(ctx, from, to)
	if err != nil {
		return store.Message{}, store.Room{}, false, err
	}
	if created {
		e.publish(bus.EventRoomCreated, room.ID, 0, room)
	}
	p.RoomID = room.ID
	p.Sender = from
	m, err := e.Send(ctx, p)
	if err != nil {
		return store.Message{}, store.Room{}, created, err
	}
	return m, room, created, nil
}

// AddBookmark records a bookmark (idempotently) and publishes
// room_bookmarked.
func (e *Engine) AddBookmark(ctx context.Context, roomID, sender string) error {
	sender, err := ValidateSender(sender)
	if err != nil {
		return err
	}
	if err := e.store.AddBookmark(ctx, roomID, sender); err != nil {
		return err
	}
	e.publish(bus.EventRoomBookmarked, roomID, 0, map[string]string{
		"room_id": roomID, "sender": sender,
	})
	return nil
}

// RemoveBookmark drops a bookmark and publishes room_unbookmarked.
func (e *Engine) RemoveBookmark(ctx context.Context, roomID, sender string) error {
	if err := e.store.RemoveBookmark(ctx, roomID, sender); err != nil {
		return err
	}
	e.publish(bus.EventRoomUnbookmarked, roomID, 0, map[string]string{
		"room_id": roomID, "sender": sender,
	})
	return nil
}

// DeleteFile removes an attachment and publishes file_deleted.
func (e *Engine) DeleteFile(ctx context.Context, id string) error {
	f, err := e.store.GetFileInfo(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteFile(ctx, id); err != nil {
		return err
	}
	e.publish(bus.EventFileDeleted, f.RoomID, 0, map[string]string{
		"id": id, "room_id": f.RoomID,
	})
	return nil
}
