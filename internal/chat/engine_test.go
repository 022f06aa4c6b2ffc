package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"parley/server/internal/bus"
	"parley/server/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *bus.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	b := bus.New()
	t.Cleanup(b.Close)
	return NewEngine(st, b), b
}

func mustRoom(t *testing.T, e *Engine, name string) store.Room {
	t.Helper()
	r, err := e.CreateRoom(context.Background(), name, "", "test")
	if err != nil {
		t.Fatalf("create room %q: %v", name, err)
	}
	return r
}

func mustSend(t *testing.T, e *Engine, roomID, sender, content string) store.Message {
	t.Helper()
	m, err := e.Send(context.Background(), SendParams{RoomID: roomID, Sender: sender, Content: content})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return m
}

func drainUntil(t *testing.T, sub *bus.Subscriber, eventType string) bus.Event {
	t.Helper()
	for i := 0; i < 100; i++ {
		select {
		case e := <-sub.C:
			if e.Type == eventType {
				return e
			}
		default:
			t.Fatalf("no %s event on bus", eventType)
		}
	}
	t.Fatalf("no %s event within 100 events", eventType)
	return bus.Event{}
}

func TestSendValidates(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustRoom(t, e, "dev")

	cases := []struct {
		name string
		p    SendParams
	}{
		{"empty sender", SendParams{RoomID: r.ID, Sender: "  ", Content: "hi"}},
		{"long sender", SendParams{RoomID: r.ID, Sender: strings.Repeat("x", MaxSenderLength+1), Content: "hi"}},
		{"empty content", SendParams{RoomID: r.ID, Sender: "alice", Content: " \n "}},
		{"long content", SendParams{RoomID: r.ID, Sender: "alice", Content: strings.Repeat("y", MaxContentLength+1)}},
		{"bad metadata", SendParams{RoomID: r.ID, Sender: "alice", Content: "hi", Metadata: []byte(`[1,2]`)}},
	}
	for _, tc := range cases {
		if _, err := e.Send(ctx, tc.p); !errors.Is(err, store.ErrInvalid) {
			t.Errorf("%s: got %v, want ErrInvalid", tc.name, err)
		}
	}

	// Whitespace is trimmed, not rejected.
	m := mustSend(t, e, r.ID, "  alice  ", "  hello  ")
	if m.Sender != "alice" || m.Content != "hello" {
		t.Errorf("trim: %q / %q", m.Sender, m.Content)
	}
}

func TestSenderTypeResolution(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustRoom(t, e, "dev")

	// Falls back to metadata.sender_type when no top-level value is given.
	m, err := e.Send(ctx, SendParams{RoomID: r.ID, Sender: "forge", Content: "hi",
		Metadata: []byte(`{"sender_type":"agent","task":"review"}`)})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.SenderType == nil || *m.SenderType != "agent" {
		t.Errorf("sender type from metadata: %v", m.SenderType)
	}

	// The top-level override wins over metadata.
	human := "human"
	m, err = e.Send(ctx, SendParams{RoomID: r.ID, Sender: "ada", Content: "hi",
		SenderType: &human, Metadata: []byte(`{"sender_type":"agent"}`)})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.SenderType == nil || *m.SenderType != "human" {
		t.Errorf("override lost: %v", m.SenderType)
	}

	// Neither present: stays null.
	m = mustSend(t, e, r.ID, "bob", "plain")
	if m.SenderType != nil {
		t.Errorf("sender type should be null, got %q", *m.SenderType)
	}
}

func TestSendPublishesEvent(t *testing.T) {
	e, b := newTestEngine(t)
	r := mustRoom(t, e, "dev")

	sub := b.Subscribe()
	defer sub.Unsubscribe()

	m := mustSend(t, e, r.ID, "alice", "hello")
	ev := drainUntil(t, sub, bus.EventMessage)
	if ev.RoomID != r.ID || ev.Seq != m.Seq {
		t.Errorf("event: %+v", ev)
	}
}

func TestSendToArchivedRoom(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustRoom(t, e, "dev")
	if _, err := e.SetRoomArchived(ctx, r.ID, true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	_, err := e.Send(ctx, SendParams{RoomID: r.ID, Sender: "alice", Content: "hi"})
	if !errors.Is(err, store.ErrInvalid) {
		t.Errorf("archived room: got %v, want ErrInvalid", err)
	}
}

func TestReplyMustBeInRoom(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r1 := mustRoom(t, e, "one")
	r2 := mustRoom(t, e, "two")
	parent := mustSend(t, e, r1.ID, "alice", "root")

	_, err := e.Send(ctx, SendParams{RoomID: r2.ID, Sender: "bob", Content: "re", ReplyTo: &parent.ID})
	if !errors.Is(err, store.ErrInvalid) {
		t.Errorf("cross-room reply: got %v, want ErrInvalid", err)
	}

	m, err := e.Send(ctx, SendParams{RoomID: r1.ID, Sender: "bob", Content: "re", ReplyTo: &parent.ID})
	if err != nil {
		t.Fatalf("same-room reply: %v", err)
	}
	if m.ReplyTo == nil || *m.ReplyTo != parent.ID {
		t.Error("reply_to not stored")
	}
}

func TestEditOnlyBySender(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustRoom(t, e, "dev")
	m := mustSend(t, e, r.ID, "alice", "first")

	if _, err := e.Edit(ctx, r.ID, m.ID, "mallory", "changed", nil); !errors.Is(err, store.ErrForbidden) {
		t.Errorf("foreign edit: got %v, want ErrForbidden", err)
	}
	got, err := e.Edit(ctx, r.ID, m.ID, "alice", "second", nil)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got.Content != "second" || got.Seq != m.Seq {
		t.Errorf("edit result: %+v", got)
	}
}

func TestThreadAssembly(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustRoom(t, e, "dev")

	root := mustSend(t, e, r.ID, "alice", "root")
	re1, err := e.Send(ctx, SendParams{RoomID: r.ID, Sender: "bob", Content: "reply 1", ReplyTo: &root.ID})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	re2, err := e.Send(ctx, SendParams{RoomID: r.ID, Sender: "carol", Content: "reply 2", ReplyTo: &root.ID})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	nested, err := e.Send(ctx, SendParams{RoomID: r.ID, Sender: "alice", Content: "nested", ReplyTo: &re1.ID})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Asking for a leaf resolves the same thread as asking for the root.
	th, err := e.Thread(ctx, r.ID, nested.ID)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if th.Root.ID != root.ID {
		t.Errorf("root: got %q, want %q", th.Root.ID, root.ID)
	}
	if th.TotalReplies != 3 {
		t.Fatalf("total replies: got %d, want 3", th.TotalReplies)
	}
	depths := map[string]int{}
	for _, tm := range th.Replies {
		if tm.ID == root.ID {
			t.Error("root repeated in reply list")
		}
		depths[tm.ID] = tm.Depth
	}
	if depths[re1.ID] != 1 || depths[re2.ID] != 1 || depths[nested.ID] != 2 {
		t.Errorf("depths: %v", depths)
	}
	// Replies come back in seq order regardless of walk order.
	for i := 1; i < len(th.Replies); i++ {
		if th.Replies[i].Seq < th.Replies[i-1].Seq {
			t.Errorf("replies out of seq order: %v then %v", th.Replies[i-1].Seq, th.Replies[i].Seq)
		}
	}
}

func TestThreadDanglingParent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustRoom(t, e, "dev")

	root := mustSend(t, e, r.ID, "alice", "root")
	re, err := e.Send(ctx, SendParams{RoomID: r.ID, Sender: "bob", Content: "reply", ReplyTo: &root.ID})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := e.Delete(ctx, r.ID, root.ID); err != nil {
		t.Fatalf("delete root: %v", err)
	}

	th, err := e.Thread(ctx, r.ID, re.ID)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	// The orphan becomes its own root, with no replies of its own.
	if th.Root.ID != re.ID || th.TotalReplies != 0 {
		t.Errorf("orphan thread: root %q replies %d", th.Root.ID, th.TotalReplies)
	}
}

func TestMarkReadBounds(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustRoom(t, e, "dev")
	m := mustSend(t, e, r.ID, "alice", "one")

	if _, err := e.MarkRead(ctx, r.ID, "bob", m.Seq+100); !errors.Is(err, store.ErrInvalid) {
		t.Errorf("future seq: got %v, want ErrInvalid", err)
	}
	rp, err := e.MarkRead(ctx, r.ID, "bob", m.Seq)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if rp.LastReadSeq != m.Seq {
		t.Errorf("last_read_seq: got %d, want %d", rp.LastReadSeq, m.Seq)
	}
}

func TestTypingDedup(t *testing.T) {
	e, b := newTestEngine(t)
	r := mustRoom(t, e, "dev")
	ctx := context.Background()

	sub := b.Subscribe()
	defer sub.Unsubscribe()

	emitted, err := e.Typing(ctx, r.ID, "alice")
	if err != nil {
		t.Fatalf("typing: %v", err)
	}
	if !emitted {
		t.Error("first signal should emit")
	}
	emitted, err = e.Typing(ctx, r.ID, "alice")
	if err != nil {
		t.Fatalf("typing: %v", err)
	}
	if emitted {
		t.Error("second signal inside the window should be suppressed")
	}

	// A different sender is not affected.
	emitted, err = e.Typing(ctx, r.ID, "bob")
	if err != nil {
		t.Fatalf("typing: %v", err)
	}
	if !emitted {
		t.Error("other sender should emit")
	}
}

func TestBroadcastLimits(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	rooms := make([]string, MaxBroadcastRooms+1)
	for i := range rooms {
		rooms[i] = "r"
	}
	_, err := e.Broadcast(ctx, rooms, SendParams{Sender: "alice", Content: "hi"})
	if !errors.Is(err, store.ErrInvalid) {
		t.Errorf("too many rooms: got %v, want ErrInvalid", err)
	}
}

func TestBroadcastPartialFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	ok := mustRoom(t, e, "ok")
	bad := mustRoom(t, e, "bad")
	if _, err := e.SetRoomArchived(ctx, bad.ID, true); err != nil {
		t.Fatalf("archive: %v", err)
	}

	results, err := e.Broadcast(ctx, []string{ok.ID, bad.ID}, SendParams{Sender: "alice", Content: "announce"})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results: got %d, want 2", len(results))
	}
	if results[0].Message == nil || results[0].Error != "" {
		t.Errorf("ok room: %+v", results[0])
	}
	if results[1].Message != nil || results[1].Error == "" {
		t.Errorf("archived room: %+v", results[1])
	}
}

func TestSendDM(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, _, _, err := e.SendDM(ctx, "alice", "Alice", SendParams{Content: "hi me"}); !errors.Is(err, store.ErrInvalid) {
		t.Error("self-DM should be invalid")
	}

	m1, room1, created, err := e.SendDM(ctx, "alice", "bob", SendParams{Content: "hey"})
	if err != nil {
		t.Fatalf("dm: %v", err)
	}
	if !created {
		t.Error("first DM should create the conversation room")
	}
	if room1.Description != "DM between alice and bob" {
		t.Errorf("description: %q", room1.Description)
	}
	m2, room2, created, err := e.SendDM(ctx, "Bob", "ALICE", SendParams{Content: "yo"})
	if err != nil {
		t.Fatalf("dm back: %v", err)
	}
	if created {
		t.Error("second DM should reuse the conversation room")
	}
	if room1.ID != room2.ID {
		t.Error("pair resolved to different rooms")
	}
	if m2.Seq <= m1.Seq {
		t.Errorf("seq order: %d then %d", m1.Seq, m2.Seq)
	}
}

func TestExportFormats(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	r := mustRoom(t, e, "dev")
	mustSend(t, e, r.ID, "alice", "hello, world")
	mustSend(t, e, r.ID, "bob", "line two")

	body, ct, err := e.Export(ctx, r.ID, ExportJSON, ExportOptions{})
	if err != nil {
		t.Fatalf("json export: %v", err)
	}
	if ct != "application/json" || !strings.Contains(string(body), `"hello, world"`) {
		t.Errorf("json export: ct=%q", ct)
	}

	body, _, err = e.Export(ctx, r.ID, ExportMarkdown, ExportOptions{})
	if err != nil {
		t.Fatalf("markdown export: %v", err)
	}
	if !strings.Contains(string(body), "# dev") || !strings.Contains(string(body), "**alice**") {
		t.Errorf("markdown export:\n%s", body)
	}

	body, _, err = e.Export(ctx, r.ID, ExportCSV, ExportOptions{})
	if err != nil {
		t.Fatalf("csv export: %v", err)
	}
	if !strings.Contains(string(body), `"hello, world"`) {
		t.Errorf("csv export:\n%s", body)
	}

	if _, _, err := e.Export(ctx, r.ID, "xml", ExportOptions{}); !errors.Is(err, store.ErrInvalid) {
		t.Errorf("unknown format: got %v, want ErrInvalid", err)
	}
}
