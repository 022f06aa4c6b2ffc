// Package httpapi exposes the chat service over HTTP. Handlers stay thin:
// they decode requests, call the engine or store, and encode the result.
// Error kinds from the store map onto HTTP statuses in one place.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"parley/server/internal/bus"
	"parley/server/internal/chat"
	"parley/server/internal/config"
	"parley/server/internal/metrics"
	"parley/server/internal/presence"
	"parley/server/internal/ratelimit"
	"parley/server/internal/store"
	"parley/server/internal/stream"
)

// Server wires the engine, stream service and supporting infrastructure
// into an Echo application.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	engine   *chat.Engine
	bus      *bus.Bus
	presence *presence.Tracker
	stream   *stream.Service
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	echo     *echo.Echo
	started  time.Time
}

// NewServer constructs the server and registers all routes.
func NewServer(cfg *config.Config, st *store.Store, eng *chat.Engine, b *bus.Bus, pr *presence.Tracker, m *metrics.Metrics) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		cfg:      cfg,
		store:    st,
		engine:   eng,
		bus:      b,
		presence: pr,
		stream:   stream.NewService(st, b, pr, cfg.HeartbeatInterval),
		limiter:  ratelimit.NewLimiter(),
		metrics:  m,
		echo:     e,
		started:  time.Now(),
	}

	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("http request",
				"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			if s.metrics != nil {
				s.metrics.HTTPRequests.WithLabelValues(v.Method, strconv.Itoa(v.Status/100*100)).Inc()
				s.metrics.HTTPDuration.WithLabelValues(v.Method).Observe(v.Latency.Seconds())
			}
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance (tests serve it directly).
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/health", s.handleHealth)
	e.POST("/hook/:token", s.handleIncomingHook, s.hookRateLimit)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
	if s.cfg.StaticDir != "" {
		if _, err := os.Stat(s.cfg.StaticDir); err == nil {
			e.Static("/", s.cfg.StaticDir)
		}
	}

	v1 := e.Group("/api/v1")
	v1.GET("/stats", s.handleStats)

	// Rooms.
	v1.POST("/rooms", s.handleCreateRoom, s.rateLimit(ratelimit.Rooms))
	v1.GET("/rooms", s.handleListRooms)
	v1.GET("/rooms/:room", s.handleGetRoom)
	v1.Match([]string{http.MethodPut, http.MethodPatch}, "/rooms/:room", s.handleUpdateRoom, s.requireAdmin)
	v1.DELETE("/rooms/:room", s.handleDeleteRoom, s.requireAdmin)
	v1.POST("/rooms/:room/archive", s.handleArchiveRoom, s.requireAdmin)
	v1.POST("/rooms/:room/unarchive", s.handleUnarchiveRoom, s.requireAdmin)
	v1.GET("/rooms/:room/export", s.handleExportRoom)
	v1.GET("/rooms/:room/participants", s.handleParticipants)

	// Messages.
	v1.POST("/rooms/:room/messages", s.handleSendMessage, s.rateLimit(ratelimit.Messages))
	v1.GET("/rooms/:room/messages", s.handleListMessages)
	v1.GET("/rooms/:room/messages/:id", s.handleGetMessage)
	v1.Match([]string{http.MethodPut, http.MethodPatch}, "/rooms/:room/messages/:id", s.handleEditMessage)
	v1.DELETE("/rooms/:room/messages/:id", s.handleDeleteMessage)
	v1.GET("/rooms/:room/messages/:id/edits", s.handleListEdits)
	v1.GET("/rooms/:room/messages/:id/thread", s.handleThread)

	// Reactions.
	v1.POST("/rooms/:room/messages/:id/reactions", s.handleToggleReaction)
	v1.DELETE("/rooms/:room/messages/:id/reactions", s.handleRemoveReaction)
	v1.GET("/rooms/:room/messages/:id/reactions", s.handleListReactions)
	v1.GET("/rooms/:room/reactions", s.handleRoomReactions)

	// Pins. Pinning is a moderation action, so writes are admin-gated.
	v1.POST("/rooms/:room/messages/:id/pin", s.handlePin, s.requireAdmin)
	v1.DELETE("/rooms/:room/messages/:id/pin", s.handleUnpin, s.requireAdmin)
	v1.GET("/rooms/:room/pins", s.handleListPins)

	// Read positions and unread state.
	v1.PUT("/rooms/:room/read", s.handleMarkRead)
	v1.GET("/rooms/:room/read", s.handleGetRead)
	v1.GET("/unread", s.handleUnread)

	// Streaming, typing, presence.
	v1.GET("/rooms/:room/stream", s.handleStream)
	v1.POST("/rooms/:room/typing", s.handleTyping)
	v1.GET("/rooms/:room/presence", s.handleRoomPresence)
	v1.GET("/presence", s.handleAllPresence)

	// Files.
	v1.POST("/rooms/:room/files", s.handleUploadFile, s.rateLimit(ratelimit.Uploads))
	v1.GET("/rooms/:room/files", s.handleListFiles)
	v1.GET("/files/:id", s.handleDownloadFile)
	v1.GET("/files/:id/info", s.handleFileInfo)
	v1.DELETE("/files/:id", s.handleDeleteFile)

	// Cross-room reads.
	v1.GET("/activity", s.handleActivity)
	v1.GET("/search", s.handleSearch)
	v1.GET("/mentions", s.handleMentions)
	v1.GET("/mentions/unread", s.handleUnreadMentions)

	// Profiles.
	v1.PUT("/profiles/:sender", s.handleUpsertProfile)
	v1.GET("/profiles/:sender", s.handleGetProfile)
	v1.GET("/profiles", s.handleListProfiles)
	v1.DELETE("/profiles/:sender", s.handleDeleteProfile)

	// DMs and broadcast.
	v1.POST("/dm", s.handleSendDM, s.rateLimit(ratelimit.DMs))
	v1.GET("/dm", s.handleListDMs)
	v1.GET("/dm/:room", s.handleGetDMRoom)
	v1.POST("/broadcast", s.handleBroadcast, s.rateLimit(ratelimit.Broadcast))

	// Bookmarks.
	v1.PUT("/rooms/:room/bookmark", s.handleAddBookmark)
	v1.DELETE("/rooms/:room/bookmark", s.handleRemoveBookmark)
	v1.GET("/bookmarks", s.handleListBookmarks)

	// Webhooks (admin-scoped, per room).
	v1.POST("/rooms/:room/webhooks", s.handleCreateWebhook, s.requireAdmin)
	v1.GET("/rooms/:room/webhooks", s.handleListWebhooks, s.requireAdmin)
	v1.PATCH("/rooms/:room/webhooks/:id", s.handleUpdateWebhook, s.requireAdmin)
	v1.DELETE("/rooms/:room/webhooks/:id", s.handleDeleteWebhook, s.requireAdmin)
	v1.GET("/rooms/:room/webhooks/:id/deliveries", s.handleListDeliveries, s.requireAdmin)
	v1.POST("/rooms/:room/incoming-webhooks", s.handleCreateIncomingWebhook, s.requireAdmin)
	v1.GET("/rooms/:room/incoming-webhooks", s.handleListIncomingWebhooks, s.requireAdmin)
	v1.DELETE("/rooms/:room/incoming-webhooks/:id", s.handleDeleteIncomingWebhook, s.requireAdmin)
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	slog.Info("http server listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutCtx)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// errorHandler maps store error kinds and echo errors onto statuses.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	msg := "internal server error"

	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		status = httpErr.Code
		if m, ok := httpErr.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(status)
		}
	case errors.Is(err, store.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, store.ErrForbidden):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, store.ErrConflict):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, store.ErrInvalid):
		status, msg = http.StatusBadRequest, err.Error()
	default:
		slog.Error("unhandled error", "method", c.Request().Method,
			"uri", c.Request().RequestURI, "err", err)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, errorBody{Error: msg})
}

// clientIP returns the caller's address for rate-limit keying: the first
// X-Forwarded-For entry when present, the socket address otherwise.
func clientIP(c echo.Context) string {
	if xff := c.Request().Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host := c.Request().RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

// handleStream tracks the open-connection gauge around the SSE handler.
func (s *Server) handleStream(c echo.Context) error {
	if s.metrics != nil {
		s.metrics.StreamsOpen.Inc()
		defer s.metrics.StreamsOpen.Dec()
	}
	return s.stream.Handle(c)
}

// rateLimitedBody is the 429 response payload.
type rateLimitedBody struct {
	Error          string `json:"error"`
	RetryAfterSecs int    `json:"retry_after_secs"`
	Limit          int    `json:"limit"`
	Remaining      int    `json:"remaining"`
}

// rateLimit enforces a token bucket per client IP for one limit class.
func (s *Server) rateLimit(lim ratelimit.Limit) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := s.limiter.Allow(lim, clientIP(c))
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.Allowed {
				if s.metrics != nil {
					s.metrics.RateLimited.WithLabelValues(lim.Name).Inc()
				}
				retry := int(res.RetryAfter.Seconds() + 0.5)
				if retry < 1 {
					retry = 1
				}
				h.Set("Retry-After", strconv.Itoa(retry))
				return c.JSON(http.StatusTooManyRequests, rateLimitedBody{
					Error:          "rate limit exceeded",
					RetryAfterSecs: retry,
					Limit:          res.Limit,
					Remaining:      res.Remaining,
				})
			}
			return next(c)
		}
	}
}

// hookRateLimit throttles incoming-webhook posts per token, so one noisy
// integration cannot starve the others.
func (s *Server) hookRateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		res := s.limiter.Allow(ratelimit.Hooks, c.Param("token"))
		if !res.Allowed {
			if s.metrics != nil {
				s.metrics.RateLimited.WithLabelValues(ratelimit.Hooks.Name).Inc()
			}
			retry := int(res.RetryAfter.Seconds() + 0.5)
			if retry < 1 {
				retry = 1
			}
			c.Response().Header().Set("Retry-After", strconv.Itoa(retry))
			return c.JSON(http.StatusTooManyRequests, rateLimitedBody{
				Error:          "rate limit exceeded",
				RetryAfterSecs: retry,
				Limit:          res.Limit,
				Remaining:      res.Remaining,
			})
		}
		return next(c)
	}
}

// requireAdmin checks the room's admin key, from Authorization: Bearer or
// X-Admin-Key.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		room, err := s.engine.ResolveRoom(c.Request().Context(), c.Param("room"))
		if err != nil {
			return err
		}

		key := c.Request().Header.Get("X-Admin-Key")
		if key == "" {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "admin key required")
		}
		want, err := s.store.AdminKeyForRoom(c.Request().Context(), room.ID)
		if err != nil {
			return err
		}
		if key != want {
			return echo.NewHTTPError(http.StatusForbidden, "admin key mismatch")
		}
		c.Set("room", room)
		return next(c)
	}
}

// resolveRoom loads the :room param, by id or name. Admin-gated handlers
// find it pre-resolved in the context.
func (s *Server) resolveRoom(c echo.Context) (store.Room, error) {
	if r, ok := c.Get("room").(store.Room); ok {
		return r, nil
	}
	return s.engine.ResolveRoom(c.Request().Context(), c.Param("room"))
}
