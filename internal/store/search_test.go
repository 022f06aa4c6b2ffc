package store

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestSearchRanksAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r1 := mustRoom(t, s, "dev")
	r2 := mustRoom(t, s, "random")

	mustMessage(t, s, r1.ID, "alice", "deploying the release tonight")
	mustMessage(t, s, r2.ID, "bob", "release notes are ready")
	mustMessage(t, s, r1.ID, "carol", "lunch anyone")

	hits, err := s.Search(ctx, SearchParams{Query: "release"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits: got %d, want 2", len(hits))
	}
	for _, h := range hits {
		if h.RoomName == "" {
			t.Error("search hit missing room name")
		}
	}

	hits, err = s.Search(ctx, SearchParams{Query: "release", RoomID: r1.ID})
	if err != nil {
		t.Fatalf("scoped search: %v", err)
	}
	if len(hits) != 1 || hits[0].Sender != "alice" {
		t.Errorf("room-scoped hits: %+v", contents(hits))
	}
}

func TestSearchStemming(t *testing.T) {
	s := newTestStore(t)
	r := mustRoom(t, s, "dev")
	mustMessage(t, s, r.ID, "alice", "deploying to production")

	// The porter tokenizer stems "deploys" and "deploying" to the same root.
	hits, err := s.Search(context.Background(), SearchParams{Query: "deploys"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("stemmed hits: got %d, want 1", len(hits))
	}
}

func TestSearchHostileInput(t *testing.T) {
	s := newTestStore(t)
	r := mustRoom(t, s, "dev")
	mustMessage(t, s, r.ID, "alice", "hello world")

	// Unbalanced quotes and operators must not error out.
	for _, q := range []string{`"hello`, `hello AND`, `(((`, `*`, `-`} {
		if _, err := s.Search(context.Background(), SearchParams{Query: q}); err != nil {
			t.Errorf("query %q: %v", q, err)
		}
	}
}

func TestMentions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := mustRoom(t, s, "dev")

	mustMessage(t, s, r.ID, "bob", "ping @alice about the review")
	mustMessage(t, s, r.ID, "alice", "note to self @alice")
	mustMessage(t, s, r.ID, "carol", "nothing here")

	hits, err := s.Mentions(ctx, MentionsParams{Target: "alice"})
	if err != nil {
		t.Fatalf("mentions: %v", err)
	}
	// Self-mentions are excluded.
	if len(hits) != 1 || hits[0].Sender != "bob" {
		t.Errorf("mentions: %+v", contents(hits))
	}

	unread, err := s.UnreadMentions(ctx, "alice")
	if err != nil {
		t.Fatalf("unread mentions: %v", err)
	}
	if len(unread) != 1 || unread[0].MentionCount != 1 {
		t.Errorf("unread mentions: %+v", unread)
	}

	// Past the read position, nothing remains.
	if _, err := s.UpsertReadPosition(ctx, r.ID, "alice", hits[0].Seq); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	unread, err = s.UnreadMentions(ctx, "alice")
	if err != nil {
		t.Fatalf("unread mentions: %v", err)
	}
	if len(unread) != 0 {
		t.Errorf("unread after catch-up: %+v", unread)
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := mustRoom(t, s, "dev")
	mustMessage(t, s, r.ID, "alice", "one")
	mustMessage(t, s, r.ID, "bob", "two")
	if _, _, err := s.GetOrCreateDMRoom(ctx, "alice", "bob"); err != nil {
		t.Fatalf("dm: %v", err)
	}

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	// general + dev; the dm room is excluded.
	if st.Rooms != 2 {
		t.Errorf("rooms: got %d, want 2", st.Rooms)
	}
	if st.Messages != 2 {
		t.Errorf("messages: got %d, want 2", st.Messages)
	}
	if st.ActiveSenders != 2 {
		t.Errorf("active senders: got %d, want 2", st.ActiveSenders)
	}
	if st.MaxSeq != 2 {
		t.Errorf("max seq: got %d, want 2", st.MaxSeq)
	}
}

func TestProfileUpsertMerges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	name := "Alice"
	bio := "infra"
	if _, err := s.UpsertProfile(ctx, Profile{Sender: "alice", DisplayName: &name, Bio: &bio}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A later partial update preserves fields it omits.
	status := "on call"
	p, err := s.UpsertProfile(ctx, Profile{Sender: "alice", StatusText: &status})
	if err != nil {
		t.Fatalf("partial upsert: %v", err)
	}
	if p.DisplayName == nil || *p.DisplayName != "Alice" {
		t.Error("display_name lost on partial update")
	}
	if p.Bio == nil || *p.Bio != "infra" {
		t.Error("bio lost on partial update")
	}
	if p.StatusText == nil || *p.StatusText != "on call" {
		t.Error("status_text not applied")
	}

	if err := s.DeleteProfile(ctx, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetProfile(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get deleted: got %v, want ErrNotFound", err)
	}
}

func TestParticipants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := mustRoom(t, s, "dev")

	mustMessage(t, s, r.ID, "alice", "one")
	mustMessage(t, s, r.ID, "alice", "two")
	mustMessage(t, s, r.ID, "bob", "three")

	name := "Alice L"
	if _, err := s.UpsertProfile(ctx, Profile{Sender: "alice", DisplayName: &name}); err != nil {
		t.Fatalf("upsert profile: %v", err)
	}

	parts, err := s.Participants(ctx, r.ID)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("participants: got %d, want 2", len(parts))
	}
	for _, p := range parts {
		switch p.Sender {
		case "alice":
			if p.MessageCount != 2 {
				t.Errorf("alice count: got %d, want 2", p.MessageCount)
			}
			if p.DisplayName == nil || *p.DisplayName != "Alice L" {
				t.Error("alice display name not joined from profile")
			}
		case "bob":
			if p.MessageCount != 1 {
				t.Errorf("bob count: got %d, want 1", p.MessageCount)
			}
		}
	}
}

func TestFilesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := mustRoom(t, s, "dev")

	content := []byte("%PDF-1.4 not really")
	f, err := s.InsertFile(ctx, r.ID, "alice", "doc.pdf", "application/pdf", content)
	if err != nil {
		t.Fatalf("insert file: %v", err)
	}
	if f.Size != int64(len(content)) {
		t.Errorf("size: got %d, want %d", f.Size, len(content))
	}

	got, err := s.GetFile(ctx, f.ID)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	if !bytes.Equal(got.Content, content) {
		t.Error("blob bytes differ")
	}

	info, err := s.GetFileInfo(ctx, f.ID)
	if err != nil {
		t.Fatalf("file info: %v", err)
	}
	if info.Content != nil {
		t.Error("info carried blob bytes")
	}

	list, err := s.ListFiles(ctx, r.ID)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(list) != 1 || list[0].Content != nil {
		t.Errorf("listing: %+v", list)
	}

	if err := s.DeleteFile(ctx, f.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetFile(ctx, f.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get deleted: got %v, want ErrNotFound", err)
	}
}

func TestWebhookMatches(t *testing.T) {
	w := Webhook{Events: "*"}
	if !w.Matches("message") {
		t.Error("wildcard should match")
	}
	w.Events = "message, message_deleted"
	if !w.Matches("message_deleted") {
		t.Error("listed event should match")
	}
	if w.Matches("reaction_added") {
		t.Error("unlisted event should not match")
	}
}

func TestWebhookCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := mustRoom(t, s, "dev")

	secret := "s3cret"
	w, err := s.CreateWebhook(ctx, Webhook{RoomID: r.ID, URL: "http://example.test/hook", Secret: &secret, CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if w.Events != "*" {
		t.Errorf("default events: got %q, want *", w.Events)
	}

	active, err := s.ActiveWebhooks(ctx, r.ID)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active: got %d, want 1", len(active))
	}

	off := false
	if _, err := s.UpdateWebhook(ctx, r.ID, w.ID, nil, nil, nil, &off); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	active, err = s.ActiveWebhooks(ctx, r.ID)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("deactivated webhook still active: %d", len(active))
	}

	if err := s.DeleteWebhook(ctx, r.ID, w.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteWebhook(ctx, r.ID, w.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestIncomingWebhookToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := mustRoom(t, s, "dev")

	w, err := s.CreateIncomingWebhook(ctx, r.ID, "ci-bot", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if w.Token == "" {
		t.Fatal("no token issued")
	}

	got, err := s.GetIncomingWebhookByToken(ctx, w.Token)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != w.ID || got.RoomID != r.ID {
		t.Errorf("lookup mismatch: %+v", got)
	}

	if _, err := s.GetIncomingWebhookByToken(ctx, "bogus"); !errors.Is(err, ErrNotFound) {
		t.Errorf("bogus token: got %v, want ErrNotFound", err)
	}
}

func TestDeliveryLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := 500
	for attempt := 1; attempt <= 3; attempt++ {
		status := "failed"
		if attempt == 3 {
			status = "success"
			code = 200
		}
		err := s.InsertDeliveryLog(ctx, DeliveryLogEntry{
			DeliveryGroup: "grp-1",
			WebhookID:     "wh-1",
			Event:         "message",
			URL:           "http://example.test/hook",
			Attempt:       attempt,
			Status:        status,
			StatusCode:    &code,
		})
		if err != nil {
			t.Fatalf("insert attempt %d: %v", attempt, err)
		}
	}

	group, err := s.DeliveriesByGroup(ctx, "grp-1")
	if err != nil {
		t.Fatalf("by group: %v", err)
	}
	if len(group) != 3 {
		t.Fatalf("group rows: got %d, want 3", len(group))
	}
	if group[0].Attempt != 1 || group[2].Attempt != 3 {
		t.Errorf("attempt order: %d..%d", group[0].Attempt, group[2].Attempt)
	}
	if group[2].Status != "success" {
		t.Errorf("final status: got %q", group[2].Status)
	}

	list, err := s.ListDeliveries(ctx, "wh-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Errorf("list rows: got %d, want 3", len(list))
	}
}
