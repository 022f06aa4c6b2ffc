package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"parley/server/internal/bus"
	"parley/server/internal/presence"
	"parley/server/internal/store"
)

type testEnv struct {
	store    *store.Store
	bus      *bus.Bus
	presence *presence.Tracker
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.New()
	t.Cleanup(b.Close)
	pr := presence.NewTracker()

	e := echo.New()
	svc := NewService(st, b, pr, 100*time.Millisecond)
	e.GET("/rooms/:room/stream", svc.Handle)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &testEnv{store: st, bus: b, presence: pr, server: srv}
}

// sseFrame is one parsed event/data pair.
type sseFrame struct {
	Event string
	Data  string
}

// readFrames reads up to n frames or stops at the deadline.
func readFrames(t *testing.T, body *bufio.Scanner, n int) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	for body.Scan() {
		line := body.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.Event != "" {
				frames = append(frames, cur)
				cur = sseFrame{}
				if len(frames) >= n {
					return frames
				}
			}
		}
	}
	return frames
}

func (env *testEnv) open(t *testing.T, ctx context.Context, path string) *bufio.Scanner {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+path, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type: %q", ct)
	}
	return bufio.NewScanner(resp.Body)
}

func TestStreamReplaysMissedMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room, err := env.store.GetRoomByName(ctx, store.DefaultRoomName)
	if err != nil {
		t.Fatalf("default room: %v", err)
	}
	for _, c := range []string{"one", "two", "three"} {
		if _, err := env.store.InsertMessage(ctx, store.InsertMessageParams{
			RoomID: room.ID, Sender: "alice", Content: c,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	sc := env.open(t, streamCtx, "/rooms/"+room.ID+"/stream?after=1")

	frames := readFrames(t, sc, 2)
	if len(frames) != 2 {
		t.Fatalf("frames: got %d, want 2", len(frames))
	}
	for i, want := range []string{"two", "three"} {
		if frames[i].Event != bus.EventMessage {
			t.Errorf("frame %d event: %q", i, frames[i].Event)
		}
		var m store.Message
		if err := json.Unmarshal([]byte(frames[i].Data), &m); err != nil {
			t.Fatalf("frame %d data: %v", i, err)
		}
		if m.Content != want {
			t.Errorf("frame %d content: got %q, want %q", i, m.Content, want)
		}
	}
}

func TestStreamForwardsLiveEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room, err := env.store.GetRoomByName(ctx, store.DefaultRoomName)
	if err != nil {
		t.Fatalf("default room: %v", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	sc := env.open(t, streamCtx, "/rooms/"+room.ID+"/stream")

	// Give the handler a moment to subscribe, then publish.
	time.Sleep(50 * time.Millisecond)
	env.bus.Publish(bus.Event{
		Type: bus.EventMessage, RoomID: room.ID, Seq: 1,
		Data: map[string]string{"content": "live"},
	})
	env.bus.Publish(bus.Event{
		Type: bus.EventMessage, RoomID: "other-room", Seq: 2,
		Data: map[string]string{"content": "elsewhere"},
	})
	env.bus.Publish(bus.Event{
		Type: bus.EventTyping, RoomID: room.ID,
		Data: map[string]string{"sender": "bob"},
	})

	frames := readFrames(t, sc, 2)
	if len(frames) != 2 {
		t.Fatalf("frames: got %d, want 2", len(frames))
	}
	if frames[0].Event != bus.EventMessage || !strings.Contains(frames[0].Data, "live") {
		t.Errorf("frame 0: %+v", frames[0])
	}
	// The other-room event is filtered; typing comes straight through.
	if frames[1].Event != bus.EventTyping {
		t.Errorf("frame 1: %+v", frames[1])
	}
}

func TestStreamHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room, err := env.store.GetRoomByName(ctx, store.DefaultRoomName)
	if err != nil {
		t.Fatalf("default room: %v", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	sc := env.open(t, streamCtx, "/rooms/"+room.ID+"/stream")

	frames := readFrames(t, sc, 1)
	if len(frames) != 1 || frames[0].Event != "heartbeat" {
		t.Fatalf("frames: %+v", frames)
	}
	var hb map[string]string
	if err := json.Unmarshal([]byte(frames[0].Data), &hb); err != nil {
		t.Fatalf("heartbeat data: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, hb["time"]); err != nil {
		t.Errorf("heartbeat time: %v", err)
	}
}

func TestStreamPresenceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room, err := env.store.GetRoomByName(ctx, store.DefaultRoomName)
	if err != nil {
		t.Fatalf("default room: %v", err)
	}

	sub := env.bus.Subscribe()
	defer sub.Unsubscribe()

	streamCtx, cancel := context.WithCancel(ctx)
	sc := env.open(t, streamCtx, "/rooms/"+room.ID+"/stream?sender=alice")

	// The join event fires once the handler starts.
	select {
	case e := <-sub.C:
		if e.Type != bus.EventPresenceJoined || e.RoomID != room.ID {
			t.Errorf("join event: %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no presence_joined event")
	}
	if env.presence.Count(room.ID) != 1 {
		t.Errorf("present: got %d, want 1", env.presence.Count(room.ID))
	}

	// The stream itself sees its own join too.
	frames := readFrames(t, sc, 1)
	if len(frames) != 1 || frames[0].Event != bus.EventPresenceJoined {
		t.Errorf("own join frame: %+v", frames)
	}

	cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-sub.C:
			if e.Type == bus.EventPresenceLeft {
				if env.presence.Count(room.ID) != 0 {
					t.Errorf("present after leave: %d", env.presence.Count(room.ID))
				}
				return
			}
		case <-deadline:
			t.Fatal("no presence_left event")
		}
	}
}

func TestStreamUnknownRoom(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/rooms/nope/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("unknown room should not open a stream")
	}
}
