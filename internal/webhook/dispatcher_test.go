package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"parley/server/internal/bus"
	"parley/server/internal/metrics"
	"parley/server/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store, *bus.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	b := bus.New()
	t.Cleanup(b.Close)

	d := NewDispatcher(st, b, metrics.New())
	d.backoff = func(int) time.Duration { return time.Millisecond }
	return d, st, b
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDeliverySignedAndLogged(t *testing.T) {
	d, st, b := newTestDispatcher(t)
	ctx := context.Background()

	var got atomic.Pointer[http.Request]
	var body atomic.Pointer[[]byte]
	recv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		body.Store(&buf)
		got.Store(r.Clone(context.Background()))
		w.WriteHeader(http.StatusOK)
	}))
	defer recv.Close()

	room, err := st.GetRoomByName(ctx, store.DefaultRoomName)
	if err != nil {
		t.Fatalf("default room: %v", err)
	}
	secret := "topsecret"
	hook, err := st.CreateWebhook(ctx, store.Webhook{RoomID: room.ID, URL: recv.URL, Secret: &secret})
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	runDispatcher(t, d)
	time.Sleep(20 * time.Millisecond) // let Run subscribe
	b.Publish(bus.Event{
		Type: bus.EventMessage, RoomID: room.ID, Seq: 1,
		Data: map[string]string{"content": "hello"},
	})

	waitFor(t, "delivery", func() bool { return got.Load() != nil })
	r := got.Load()
	if r.Header.Get("X-Chat-Event") != bus.EventMessage {
		t.Errorf("event header: %q", r.Header.Get("X-Chat-Event"))
	}
	if r.Header.Get("X-Chat-Webhook-Id") != hook.ID {
		t.Errorf("webhook id header: %q", r.Header.Get("X-Chat-Webhook-Id"))
	}
	sig := r.Header.Get("X-Chat-Signature")
	if !Verify(secret, *body.Load(), sig) {
		t.Errorf("signature does not verify: %q", sig)
	}

	var p Payload
	if err := json.Unmarshal(*body.Load(), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Event != bus.EventMessage || p.RoomID != room.ID || p.RoomName != room.Name {
		t.Errorf("payload: %+v", p)
	}

	waitFor(t, "delivery log", func() bool {
		logs, err := st.ListDeliveries(ctx, hook.ID, 10)
		return err == nil && len(logs) == 1 && logs[0].Status == "success"
	})
	if n := testutil.ToFloat64(d.metrics.WebhookDeliveries.WithLabelValues("success")); n != 1 {
		t.Errorf("success deliveries counted: got %v, want 1", n)
	}
}

func TestRetryUntilSuccess(t *testing.T) {
	d, st, b := newTestDispatcher(t)
	ctx := context.Background()

	var calls atomic.Int32
	recv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer recv.Close()

	room, err := st.GetRoomByName(ctx, store.DefaultRoomName)
	if err != nil {
		t.Fatalf("default room: %v", err)
	}
	hook, err := st.CreateWebhook(ctx, store.Webhook{RoomID: room.ID, URL: recv.URL})
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	runDispatcher(t, d)
	time.Sleep(20 * time.Millisecond)
	b.Publish(bus.Event{Type: bus.EventMessage, RoomID: room.ID, Seq: 1})

	waitFor(t, "three attempts", func() bool { return calls.Load() == 3 })
	waitFor(t, "full delivery log", func() bool {
		logs, err := st.ListDeliveries(ctx, hook.ID, 10)
		return err == nil && len(logs) == 3
	})

	logs, err := st.ListDeliveries(ctx, hook.ID, 10)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	group := logs[0].DeliveryGroup
	var succeeded int
	for _, l := range logs {
		if l.DeliveryGroup != group {
			t.Error("attempts did not share a delivery group")
		}
		if l.Status == "success" {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Errorf("successes: got %d, want 1", succeeded)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	d, st, b := newTestDispatcher(t)
	ctx := context.Background()

	var calls atomic.Int32
	recv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer recv.Close()

	room, err := st.GetRoomByName(ctx, store.DefaultRoomName)
	if err != nil {
		t.Fatalf("default room: %v", err)
	}
	hook, err := st.CreateWebhook(ctx, store.Webhook{RoomID: room.ID, URL: recv.URL})
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	runDispatcher(t, d)
	time.Sleep(20 * time.Millisecond)
	b.Publish(bus.Event{Type: bus.EventMessage, RoomID: room.ID, Seq: 1})

	waitFor(t, "all attempts logged", func() bool {
		logs, err := st.ListDeliveries(ctx, hook.ID, 10)
		return err == nil && len(logs) == maxAttempts
	})
	// No further attempts arrive.
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != maxAttempts {
		t.Errorf("attempts: got %d, want %d", n, maxAttempts)
	}
}

func TestEventFilters(t *testing.T) {
	d, st, b := newTestDispatcher(t)
	ctx := context.Background()

	var calls atomic.Int32
	recv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer recv.Close()

	room, err := st.GetRoomByName(ctx, store.DefaultRoomName)
	if err != nil {
		t.Fatalf("default room: %v", err)
	}
	events := bus.EventMessageDeleted
	if _, err := st.CreateWebhook(ctx, store.Webhook{RoomID: room.ID, URL: recv.URL, Events: events}); err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	runDispatcher(t, d)
	time.Sleep(20 * time.Millisecond)

	// Not subscribed; ephemeral; wrong room — none should deliver.
	b.Publish(bus.Event{Type: bus.EventMessage, RoomID: room.ID})
	b.Publish(bus.Event{Type: bus.EventTyping, RoomID: room.ID})
	b.Publish(bus.Event{Type: bus.EventMessageDeleted, RoomID: "elsewhere"})
	// Subscribed.
	b.Publish(bus.Event{Type: bus.EventMessageDeleted, RoomID: room.ID})

	waitFor(t, "one delivery", func() bool { return calls.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("deliveries: got %d, want 1", n)
	}
}

func TestPresenceEventsDeliver(t *testing.T) {
	d, st, b := newTestDispatcher(t)
	ctx := context.Background()

	var got atomic.Pointer[http.Request]
	recv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Clone(context.Background()))
		w.WriteHeader(http.StatusOK)
	}))
	defer recv.Close()

	room, err := st.GetRoomByName(ctx, store.DefaultRoomName)
	if err != nil {
		t.Fatalf("default room: %v", err)
	}
	if _, err := st.CreateWebhook(ctx, store.Webhook{RoomID: room.ID, URL: recv.URL}); err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	runDispatcher(t, d)
	time.Sleep(20 * time.Millisecond)
	b.Publish(bus.Event{
		Type: bus.EventPresenceJoined, RoomID: room.ID,
		Data: map[string]string{"room_id": room.ID, "sender": "alice"},
	})

	// Presence carries a room, so it fans out like any room event.
	waitFor(t, "presence delivery", func() bool { return got.Load() != nil })
	if ev := got.Load().Header.Get("X-Chat-Event"); ev != bus.EventPresenceJoined {
		t.Errorf("event header: %q", ev)
	}
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"event":"message"}`)
	sig := Sign("secret", body)
	if !Verify("secret", body, sig) {
		t.Error("signature should verify")
	}
	if Verify("wrong", body, sig) {
		t.Error("wrong secret should not verify")
	}
	if Verify("secret", []byte("tampered"), sig) {
		t.Error("tampered body should not verify")
	}
}
