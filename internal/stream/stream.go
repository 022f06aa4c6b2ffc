// Package stream serves live room events over Server-Sent Events. Each
// connection replays a bounded window of missed messages, then forwards bus
// events for its room until the client disconnects.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"parley/server/internal/bus"
	"parley/server/internal/presence"
	"parley/server/internal/store"
)

// ReplayLimit caps how many missed messages one connection replays before
// going live. Clients needing more page through the history endpoint.
const ReplayLimit = 100

// Service wires SSE connections to the bus and the presence tracker.
type Service struct {
	store     *store.Store
	bus       *bus.Bus
	presence  *presence.Tracker
	heartbeat time.Duration
}

func NewService(st *store.Store, b *bus.Bus, pr *presence.Tracker, heartbeat time.Duration) *Service {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Service{store: st, bus: b, presence: pr, heartbeat: heartbeat}
}

// Handle is the GET stream handler. Query parameters:
//
//	sender    — identifies the client for presence (optional)
//	after     — replay messages with seq strictly greater (optional)
//	since     — replay messages created after this RFC 3339 time (optional)
func (s *Service) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	room, err := s.store.GetRoom(ctx, c.Param("room"))
	if err != nil {
		return err
	}
	sender := c.QueryParam("sender")
	senderType := c.QueryParam("sender_type")

	var afterSeq *int64
	if v := c.QueryParam("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: after must be a non-negative integer", store.ErrInvalid)
		}
		afterSeq = &n
	}
	var since *time.Time
	if v := c.QueryParam("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("%w: since must be RFC 3339", store.ErrInvalid)
		}
		since = &ts
	}

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	// Subscribe before replaying so nothing falls between the two.
	sub := s.bus.Subscribe()
	if sub == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
	}
	defer sub.Unsubscribe()

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	if sender != "" {
		if s.presence.Join(room.ID, sender, senderType) {
			s.bus.Publish(bus.Event{
				Type:   bus.EventPresenceJoined,
				RoomID: room.ID,
				Data:   map[string]string{"room_id": room.ID, "sender": sender, "sender_type": senderType},
			})
		}
		defer func() {
			if s.presence.Leave(room.ID, sender) {
				s.bus.Publish(bus.Event{
					Type:   bus.EventPresenceLeft,
					RoomID: room.ID,
					Data:   map[string]string{"room_id": room.ID, "sender": sender},
				})
			}
		}()
	}

	// Replay window, oldest first. Live events at or below the replayed
	// high-water mark are dropped to avoid duplicates.
	var highWater int64
	if afterSeq != nil || since != nil {
		msgs, err := s.store.ListMessages(ctx, room.ID, store.MessageFilter{
			AfterSeq: afterSeq, Since: since, Limit: ReplayLimit,
		})
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := writeEvent(c.Response().Writer, bus.EventMessage, m); err != nil {
				return nil
			}
			highWater = m.Seq
		}
		flusher.Flush()
	}

	slog.Debug("stream opened", "room_id", room.ID, "sender", sender)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hb := map[string]string{"time": time.Now().UTC().Format(time.RFC3339)}
			if err := writeEvent(c.Response().Writer, "heartbeat", hb); err != nil {
				return nil
			}
			flusher.Flush()
		case e, ok := <-sub.C:
			if !ok {
				// Bus shut down; the connection ends cleanly.
				return nil
			}
			if !s.wants(room.ID, e) {
				continue
			}
			if e.Seq > 0 && e.Seq <= highWater && e.Type == bus.EventMessage {
				continue
			}
			if err := writeEvent(c.Response().Writer, e.Type, eventPayload(e)); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

// wants reports whether a connection to roomID should see event e. Profile
// events are global; everything else is room-scoped.
func (s *Service) wants(roomID string, e bus.Event) bool {
	switch e.Type {
	case bus.EventProfileUpdated, bus.EventProfileDeleted:
		return true
	case bus.EventLag:
		return true
	}
	return e.RoomID == roomID
}

// eventPayload unwraps the bus envelope: the SSE data field carries the
// domain payload, with the type already in the event field.
func eventPayload(e bus.Event) any {
	if e.Data != nil {
		return e.Data
	}
	return e
}

// writeEvent emits one SSE frame: "event: <name>\ndata: <json>\n\n".
func writeEvent(w interface{ Write([]byte) (int, error) }, name string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, body)
	return err
}
