package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"parley/server/internal/chat"
	"parley/server/internal/store"
)

type sendMessageRequest struct {
	Sender     string          `json:"sender"`
	SenderType *string         `json:"sender_type"`
	Content    string          `json:"content"`
	Metadata   json.RawMessage `json:"metadata"`
	ReplyTo    *string         `json:"reply_to"`
}

func (s *Server) handleSendMessage(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	m, err := s.engine.Send(c.Request().Context(), chat.SendParams{
		RoomID:     room.ID,
		Sender:     req.Sender,
		SenderType: req.SenderType,
		Content:    req.Content,
		Metadata:   req.Metadata,
		ReplyTo:    req.ReplyTo,
	})
	if err != nil {
		return err
	}
	if s.metrics != nil {
		st := "user"
		if m.SenderType != nil {
			st = *m.SenderType
		}
		s.metrics.MessagesSent.WithLabelValues(st).Inc()
	}
	return c.JSON(http.StatusCreated, m)
}

// messageFilter decodes the shared listing query parameters. "after" and
// "after_seq" are synonyms.
func messageFilter(c echo.Context) (store.MessageFilter, error) {
	var f store.MessageFilter
	f.Sender = c.QueryParam("sender")
	f.SenderType = c.QueryParam("sender_type")
	if ex := c.QueryParams()["exclude_sender"]; len(ex) > 0 {
		f.ExcludeSenders = ex
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			return f, echo.NewHTTPError(http.StatusBadRequest, "limit must be 1..500")
		}
		f.Limit = n
	}
	for _, p := range []struct {
		name string
		dst  **int64
	}{{"after", &f.AfterSeq}, {"after_seq", &f.AfterSeq}, {"before_seq", &f.BeforeSeq}} {
		v := c.QueryParam(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return f, echo.NewHTTPError(http.StatusBadRequest, p.name+" must be a non-negative integer")
		}
		*p.dst = &n
	}
	for name, dst := range map[string]**time.Time{"since": &f.Since, "before": &f.Before} {
		if v := c.QueryParam(name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, echo.NewHTTPError(http.StatusBadRequest, name+" must be RFC 3339")
			}
			*dst = &ts
		}
	}
	// latest=N is shorthand for "the most recent N", ignored when an
	// explicit seq cursor is present.
	if v := c.QueryParam("latest"); v != "" && f.AfterSeq == nil && f.BeforeSeq == nil {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			return f, echo.NewHTTPError(http.StatusBadRequest, "latest must be 1..500")
		}
		top := int64(math.MaxInt64)
		f.BeforeSeq = &top
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleListMessages(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	f, err := messageFilter(c)
	if err != nil {
		return err
	}
	msgs, err := s.store.ListMessages(c.Request().Context(), room.ID, f)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleGetMessage(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	m, err := s.store.GetMessage(c.Request().Context(), room.ID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

type editMessageRequest struct {
	Sender   string          `json:"sender"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata"`
}

func (s *Server) handleEditMessage(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	var req editMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	m, err := s.engine.Edit(c.Request().Context(), room.ID, c.Param("id"), req.Sender, req.Content, req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

// handleDeleteMessage allows the original sender (via ?sender=) or the room
// admin (via bearer key) to delete.
func (s *Server) handleDeleteMessage(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	m, err := s.store.GetMessage(ctx, room.ID, c.Param("id"))
	if err != nil {
		return err
	}

	if sender := c.QueryParam("sender"); sender != "" {
		if sender != m.Sender {
			return echo.NewHTTPError(http.StatusForbidden, "sender does not match")
		}
	} else {
		key := c.Request().Header.Get("X-Admin-Key")
		if key == "" {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "sender or admin key required")
		}
		want, err := s.store.AdminKeyForRoom(ctx, room.ID)
		if err != nil {
			return err
		}
		if key != want {
			return echo.NewHTTPError(http.StatusForbidden, "admin key mismatch")
		}
	}

	if err := s.engine.Delete(ctx, room.ID, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListEdits(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	// The message must exist in this room before its history is served.
	if _, err := s.store.GetMessage(c.Request().Context(), room.ID, c.Param("id")); err != nil {
		return err
	}
	edits, err := s.store.ListEdits(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if edits == nil {
		edits = []store.MessageEdit{}
	}
	return c.JSON(http.StatusOK, edits)
}

func (s *Server) handleThread(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	th, err := s.engine.Thread(c.Request().Context(), room.ID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, th)
}

type reactionRequest struct {
	Sender string `json:"sender"`
	Emoji  string `json:"emoji"`
}

func (s *Server) handleToggleReaction(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	var req reactionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	added, err := s.engine.ToggleReaction(c.Request().Context(), room.ID, c.Param("id"), req.Sender, req.Emoji)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"added": added})
}

func (s *Server) handleRemoveReaction(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	sender, emoji := c.QueryParam("sender"), c.QueryParam("emoji")
	if sender == "" || emoji == "" {
		var req reactionRequest
		if err := c.Bind(&req); err == nil {
			if sender == "" {
				sender = req.Sender
			}
			if emoji == "" {
				emoji = req.Emoji
			}
		}
	}
	if sender == "" || emoji == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sender and emoji are required")
	}
	if err := s.engine.RemoveReaction(c.Request().Context(), room.ID, c.Param("id"), sender, emoji); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListReactions(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	if _, err := s.store.GetMessage(c.Request().Context(), room.ID, c.Param("id")); err != nil {
		return err
	}
	reactions, err := s.store.ListReactions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if reactions == nil {
		reactions = []store.Reaction{}
	}
	return c.JSON(http.StatusOK, reactions)
}

func (s *Server) handleRoomReactions(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	grouped, err := s.store.RoomReactions(c.Request().Context(), room.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, grouped)
}

type pinRequest struct {
	Sender string `json:"sender"`
}

func (s *Server) handlePin(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	var req pinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	m, err := s.engine.Pin(c.Request().Context(), room.ID, c.Param("id"), req.Sender)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleUnpin(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	if err := s.engine.Unpin(c.Request().Context(), room.ID, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListPins(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	pins, err := s.store.ListPins(c.Request().Context(), room.ID)
	if err != nil {
		return err
	}
	if pins == nil {
		pins = []store.Message{}
	}
	return c.JSON(http.StatusOK, pins)
}

type markReadRequest struct {
	Sender string `json:"sender"`
	Seq    int64  `json:"seq"`
}

func (s *Server) handleMarkRead(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	var req markReadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	rp, err := s.engine.MarkRead(c.Request().Context(), room.ID, req.Sender, req.Seq)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rp)
}

func (s *Server) handleGetRead(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	sender := c.QueryParam("sender")
	if sender == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sender is required")
	}
	rp, err := s.store.GetReadPosition(c.Request().Context(), room.ID, sender)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rp)
}

func (s *Server) handleUnread(c echo.Context) error {
	sender := c.QueryParam("sender")
	if sender == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sender is required")
	}
	unread, err := s.store.UnreadCounts(c.Request().Context(), sender)
	if err != nil {
		return err
	}
	if unread == nil {
		unread = []store.RoomUnread{}
	}
	return c.JSON(http.StatusOK, unread)
}

type typingRequest struct {
	Sender string `json:"sender"`
}

func (s *Server) handleTyping(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	var req typingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	emitted, err := s.engine.Typing(c.Request().Context(), room.ID, req.Sender)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"emitted": emitted})
}
