package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"parley/server/internal/chat"
	"parley/server/internal/store"
)

// healthResponse is the payload for GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	MaxSeq  int64  `json:"max_seq"`
	Streams int    `json:"streams"`
}

func (s *Server) handleHealth(c echo.Context) error {
	max, err := s.store.MaxSeq(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		MaxSeq:  max,
		Streams: s.bus.Len(),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	st, err := s.store.GetStats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleActivity(c echo.Context) error {
	f, err := messageFilter(c)
	if err != nil {
		return err
	}
	msgs, err := s.store.ActivityFeed(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleSearch(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	p := store.SearchParams{
		Query:      q,
		Sender:     c.QueryParam("sender"),
		SenderType: c.QueryParam("sender_type"),
	}
	if roomParam := c.QueryParam("room"); roomParam != "" {
		room, err := s.engine.ResolveRoom(c.Request().Context(), roomParam)
		if err != nil {
			return err
		}
		p.RoomID = room.ID
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be 1..200")
		}
		p.Limit = n
	}
	msgs, err := s.store.Search(c.Request().Context(), p)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleMentions(c echo.Context) error {
	target := c.QueryParam("target")
	if target == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "target is required")
	}
	p := store.MentionsParams{Target: target}
	if roomParam := c.QueryParam("room"); roomParam != "" {
		room, err := s.engine.ResolveRoom(c.Request().Context(), roomParam)
		if err != nil {
			return err
		}
		p.RoomID = room.ID
	}
	// "after" and "after_seq" are accepted interchangeably.
	after := c.QueryParam("after")
	if after == "" {
		after = c.QueryParam("after_seq")
	}
	if after != "" {
		n, err := strconv.ParseInt(after, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "after must be a non-negative integer")
		}
		p.AfterSeq = &n
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be 1..200")
		}
		p.Limit = n
	}
	msgs, err := s.store.Mentions(c.Request().Context(), p)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleUnreadMentions(c echo.Context) error {
	target := c.QueryParam("target")
	if target == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "target is required")
	}
	out, err := s.store.UnreadMentions(c.Request().Context(), target)
	if err != nil {
		return err
	}
	if out == nil {
		out = []store.RoomMentions{}
	}
	return c.JSON(http.StatusOK, out)
}

type upsertProfileRequest struct {
	DisplayName *string         `json:"display_name"`
	SenderType  *string         `json:"sender_type"`
	AvatarURL   *string         `json:"avatar_url"`
	Bio         *string         `json:"bio"`
	StatusText  *string         `json:"status_text"`
	Metadata    json.RawMessage `json:"metadata"`
}

func (s *Server) handleUpsertProfile(c echo.Context) error {
	var req upsertProfileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	p, err := s.engine.UpsertProfile(c.Request().Context(), store.Profile{
		Sender:      c.Param("sender"),
		DisplayName: req.DisplayName,
		SenderType:  req.SenderType,
		AvatarURL:   req.AvatarURL,
		Bio:         req.Bio,
		StatusText:  req.StatusText,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleGetProfile(c echo.Context) error {
	p, err := s.store.GetProfile(c.Request().Context(), c.Param("sender"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleListProfiles(c echo.Context) error {
	list, err := s.store.ListProfiles(c.Request().Context(), c.QueryParam("sender_type"))
	if err != nil {
		return err
	}
	if list == nil {
		list = []store.Profile{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleDeleteProfile(c echo.Context) error {
	if err := s.engine.DeleteProfile(c.Request().Context(), c.Param("sender")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type sendDMRequest struct {
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata"`
}

type sendDMResponse struct {
	Message store.Message `json:"message"`
	RoomID  string        `json:"room_id"`
	Created bool          `json:"created"`
}

func (s *Server) handleSendDM(c echo.Context) error {
	var req sendDMRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	m, room, created, err := s.engine.SendDM(c.Request().Context(), req.Sender, req.Recipient, chat.SendParams{
		Content: req.Content, Metadata: req.Metadata,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sendDMResponse{Message: m, RoomID: room.ID, Created: created})
}

// handleGetDMRoom reads a DM conversation's history. Regular rooms are not
// reachable through this path.
func (s *Server) handleGetDMRoom(c echo.Context) error {
	ctx := c.Request().Context()
	room, err := s.engine.ResolveRoom(ctx, c.Param("room"))
	if err != nil {
		return err
	}
	if room.RoomType != "dm" {
		return store.ErrNotFound
	}
	f, err := messageFilter(c)
	if err != nil {
		return err
	}
	msgs, err := s.store.ListMessages(ctx, room.ID, f)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleListDMs(c echo.Context) error {
	sender := c.QueryParam("sender")
	if sender == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sender is required")
	}
	convs, err := s.store.ListDMConversations(c.Request().Context(), sender)
	if err != nil {
		return err
	}
	if convs == nil {
		convs = []store.DMConversation{}
	}
	return c.JSON(http.StatusOK, convs)
}

type broadcastRequest struct {
	Rooms      []string        `json:"rooms"`
	Sender     string          `json:"sender"`
	SenderType *string         `json:"sender_type"`
	Content    string          `json:"content"`
	Metadata   json.RawMessage `json:"metadata"`
}

func (s *Server) handleBroadcast(c echo.Context) error {
	var req broadcastRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	results, err := s.engine.Broadcast(c.Request().Context(), req.Rooms, chat.SendParams{
		Sender: req.Sender, SenderType: req.SenderType,
		Content: req.Content, Metadata: req.Metadata,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, results)
}

type uploadFileRequest struct {
	Sender      string `json:"sender"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	// Content is standard base64 of the file bytes.
	Content string `json:"content"`
}

func (s *Server) handleUploadFile(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	var req uploadFileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	raw, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "content must be base64")
	}
	if len(raw) > store.MaxFileSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file exceeds 5 MiB")
	}
	f, err := s.engine.UploadFile(c.Request().Context(), room.ID, req.Sender, req.Filename, req.ContentType, raw)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, f)
}

func (s *Server) handleListFiles(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	files, err := s.store.ListFiles(c.Request().Context(), room.ID)
	if err != nil {
		return err
	}
	for i := range files {
		files[i].URL = "/api/v1/files/" + files[i].ID
	}
	if files == nil {
		files = []store.File{}
	}
	return c.JSON(http.StatusOK, files)
}

func (s *Server) handleDownloadFile(c echo.Context) error {
	f, err := s.store.GetFile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	c.Response().Header().Set("Content-Disposition", `inline; filename="`+f.Filename+`"`)
	return c.Blob(http.StatusOK, f.ContentType, f.Content)
}

func (s *Server) handleFileInfo(c echo.Context) error {
	f, err := s.store.GetFileInfo(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	f.URL = "/api/v1/files/" + f.ID
	return c.JSON(http.StatusOK, f)
}

func (s *Server) handleDeleteFile(c echo.Context) error {
	if err := s.engine.DeleteFile(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type createWebhookRequest struct {
	URL       string  `json:"url"`
	Events    string  `json:"events"`
	Secret    *string `json:"secret"`
	CreatedBy string  `json:"created_by"`
}

func (s *Server) handleCreateWebhook(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	var req createWebhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.URL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url is required")
	}
	w, err := s.store.CreateWebhook(c.Request().Context(), store.Webhook{
		RoomID: room.ID, URL: req.URL, Events: req.Events,
		Secret: req.Secret, CreatedBy: req.CreatedBy,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, w)
}

func (s *Server) handleListWebhooks(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	hooks, err := s.store.ListWebhooks(c.Request().Context(), room.ID)
	if err != nil {
		return err
	}
	if hooks == nil {
		hooks = []store.Webhook{}
	}
	return c.JSON(http.StatusOK, hooks)
}

type updateWebhookRequest struct {
	URL    *string `json:"url"`
	Events *string `json:"events"`
	Secret *string `json:"secret"`
	Active *bool   `json:"active"`
}

func (s *Server) handleUpdateWebhook(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	var req updateWebhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	w, err := s.store.UpdateWebhook(c.Request().Context(), room.ID, c.Param("id"),
		req.URL, req.Events, req.Secret, req.Active)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

func (s *Server) handleDeleteWebhook(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	if err := s.store.DeleteWebhook(c.Request().Context(), room.ID, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListDeliveries(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	// The webhook must belong to this room.
	if _, err := s.store.GetWebhook(c.Request().Context(), room.ID, c.Param("id")); err != nil {
		return err
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be 1..500")
		}
		limit = n
	}
	logs, err := s.store.ListDeliveries(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []store.DeliveryLogEntry{}
	}
	return c.JSON(http.StatusOK, logs)
}

type createIncomingWebhookRequest struct {
	Name      string `json:"name"`
	CreatedBy string `json:"created_by"`
}

func (s *Server) handleCreateIncomingWebhook(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	var req createIncomingWebhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	w, err := s.store.CreateIncomingWebhook(c.Request().Context(), room.ID, req.Name, req.CreatedBy)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, w)
}

func (s *Server) handleListIncomingWebhooks(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	hooks, err := s.store.ListIncomingWebhooks(c.Request().Context(), room.ID)
	if err != nil {
		return err
	}
	// Tokens stay visible to the room admin only — this route is admin-gated.
	if hooks == nil {
		hooks = []store.IncomingWebhook{}
	}
	return c.JSON(http.StatusOK, hooks)
}

func (s *Server) handleDeleteIncomingWebhook(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	if err := s.store.DeleteIncomingWebhook(c.Request().Context(), room.ID, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type incomingHookRequest struct {
	Sender   string          `json:"sender"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata"`
}

// handleIncomingHook lets external systems post a message through an opaque
// token URL, bypassing the versioned API surface.
func (s *Server) handleIncomingHook(c echo.Context) error {
	hook, err := s.store.GetIncomingWebhookByToken(c.Request().Context(), c.Param("token"))
	if err != nil {
		return err
	}
	var req incomingHookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	sender := req.Sender
	if sender == "" {
		sender = hook.Name
	}
	senderType := "webhook"
	m, err := s.engine.Send(c.Request().Context(), chat.SendParams{
		RoomID:     hook.RoomID,
		Sender:     sender,
		SenderType: &senderType,
		Content:    req.Content,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, m)
}
