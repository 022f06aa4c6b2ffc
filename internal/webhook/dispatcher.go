// Package webhook delivers room events to registered outgoing webhooks.
// Delivery is at-most-once per event: the dispatcher consumes the bus on a
// best-effort subscription and never re-reads history after a restart.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/server/internal/bus"
	"parley/server/internal/metrics"
	"parley/server/internal/store"
)

const (
	// maxAttempts bounds retries per (event, webhook) delivery.
	maxAttempts = 3

	// requestTimeout is the per-attempt HTTP client timeout.
	requestTimeout = 10 * time.Second
)

// backoff returns the sleep before the given retry attempt (2, 3, ...).
func backoff(attempt int) time.Duration {
	if attempt <= 2 {
		return 2 * time.Second
	}
	return 4 * time.Second
}

// Payload is the JSON body posted to webhook endpoints.
type Payload struct {
	Event     string    `json:"event"`
	RoomID    string    `json:"room_id"`
	RoomName  string    `json:"room_name,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher consumes bus events and fans them out to matching webhooks.
type Dispatcher struct {
	store   *store.Store
	bus     *bus.Bus
	client  *http.Client
	metrics *metrics.Metrics

	// backoff is swapped out in tests.
	backoff func(attempt int) time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(st *store.Store, b *bus.Bus, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		store:   st,
		bus:     b,
		client:  &http.Client{Timeout: requestTimeout},
		metrics: m,
		backoff: backoff,
	}
}

// Run consumes the bus until ctx is cancelled or the bus closes. In-flight
// deliveries finish before Run returns.
func (d *Dispatcher) Run(ctx context.Context) {
	sub := d.bus.Subscribe()
	if sub == nil {
		return
	}
	defer sub.Unsubscribe()
	defer d.wg.Wait()

	slog.Info("webhook dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("webhook dispatcher stopping")
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if e.Type == bus.EventLag {
				// Missed events are gone; deliveries stay at-most-once.
				if lag, ok := e.Data.(bus.Lag); ok {
					slog.Warn("webhook dispatcher lagged, events skipped", "missed", lag.Missed)
				}
				continue
			}
			d.handle(ctx, e)
		}
	}
}

// dispatchable reports whether an event type fans out to webhooks. Typing,
// read positions and the room-less profile events are skipped; everything
// carrying a room, presence included, is delivered.
func dispatchable(eventType string) bool {
	switch eventType {
	case bus.EventTyping,
		bus.EventReadPositionUpdated,
		bus.EventProfileUpdated,
		bus.EventProfileDeleted:
		return false
	}
	return true
}

func (d *Dispatcher) handle(ctx context.Context, e bus.Event) {
	if !dispatchable(e.Type) || e.RoomID == "" {
		return
	}
	hooks, err := d.store.ActiveWebhooks(ctx, e.RoomID)
	if err != nil {
		slog.Error("load webhooks", "room_id", e.RoomID, "err", err)
		return
	}
	if len(hooks) == 0 {
		return
	}

	var roomName string
	if room, err := d.store.GetRoom(ctx, e.RoomID); err == nil {
		roomName = room.Name
	}
	p := Payload{
		Event:     e.Type,
		RoomID:    e.RoomID,
		RoomName:  roomName,
		Data:      e.Data,
		Timestamp: time.Now().UTC(),
	}
	for _, h := range hooks {
		if !h.Matches(e.Type) {
			continue
		}
		hook := h
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(ctx, hook, p)
		}()
	}
}

// deliver posts the payload with up to maxAttempts tries, logging each
// attempt under a shared delivery group. A started attempt always completes,
// but cancellation stops further retries.
func (d *Dispatcher) deliver(ctx context.Context, hook store.Webhook, p Payload) {
	body, err := json.Marshal(p)
	if err != nil {
		slog.Error("marshal webhook payload", "webhook_id", hook.ID, "err", err)
		return
	}
	group := uuid.NewString()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		code, attemptErr := d.post(hook, body, p.Event)
		entry := store.DeliveryLogEntry{
			DeliveryGroup:  group,
			WebhookID:      hook.ID,
			Event:          p.Event,
			URL:            hook.URL,
			Attempt:        attempt,
			ResponseTimeMs: time.Since(start).Milliseconds(),
		}
		if code != 0 {
			entry.StatusCode = &code
		}
		if attemptErr == nil && code >= 200 && code < 300 {
			entry.Status = "success"
		} else {
			entry.Status = "failed"
			if attemptErr != nil {
				entry.ErrorMessage = attemptErr.Error()
			} else {
				entry.ErrorMessage = fmt.Sprintf("status %d", code)
			}
		}
		if d.metrics != nil {
			d.metrics.WebhookDeliveries.WithLabelValues(entry.Status).Inc()
		}
		// Log with a background context so shutdown does not lose the row.
		if err := d.store.InsertDeliveryLog(context.Background(), entry); err != nil {
			slog.Error("record webhook delivery", "webhook_id", hook.ID, "err", err)
		}
		if entry.Status == "success" {
			slog.Debug("webhook delivered", "webhook_id", hook.ID, "event", p.Event, "attempt", attempt)
			return
		}
		slog.Warn("webhook delivery failed", "webhook_id", hook.ID, "event", p.Event,
			"attempt", attempt, "err", entry.ErrorMessage)
		if attempt == maxAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.backoff(attempt + 1)):
		}
	}
}

// post performs one HTTP attempt. The attempt itself is not tied to the run
// context: once started it finishes or times out on its own.
func (d *Dispatcher) post(hook store.Webhook, body []byte, event string) (int, error) {
	req, err := http.NewRequest(http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Chat-Event", event)
	req.Header.Set("X-Chat-Webhook-Id", hook.ID)
	if hook.Secret != nil && *hook.Secret != "" {
		req.Header.Set("X-Chat-Signature", Sign(*hook.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// Sign computes the payload signature: "sha256=" + hex(HMAC-SHA256(secret, body)).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the body, in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
