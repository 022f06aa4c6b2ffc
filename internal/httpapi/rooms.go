package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"parley/server/internal/chat"
	"parley/server/internal/store"
)

type createRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedBy   string `json:"created_by"`
}

// handleCreateRoom returns the room including its one-time admin key.
func (s *Server) handleCreateRoom(c echo.Context) error {
	var req createRoomRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	r, err := s.engine.CreateRoom(c.Request().Context(), req.Name, req.Description, req.CreatedBy)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, r)
}

func (s *Server) handleListRooms(c echo.Context) error {
	rooms, err := s.store.ListRooms(c.Request().Context(), store.ListRoomsParams{
		IncludeArchived: c.QueryParam("include_archived") == "true",
		Sender:          c.QueryParam("sender"),
	})
	if err != nil {
		return err
	}
	if rooms == nil {
		rooms = []store.Room{}
	}
	return c.JSON(http.StatusOK, rooms)
}

func (s *Server) handleGetRoom(c echo.Context) error {
	r, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

type updateRoomRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (s *Server) handleUpdateRoom(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	var req updateRoomRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	r, err := s.engine.UpdateRoom(c.Request().Context(), room.ID, req.Name, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleDeleteRoom(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	if err := s.engine.DeleteRoom(c.Request().Context(), room.ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleArchiveRoom(c echo.Context) error {
	return s.setArchived(c, true)
}

func (s *Server) handleUnarchiveRoom(c echo.Context) error {
	return s.setArchived(c, false)
}

func (s *Server) setArchived(c echo.Context, archived bool) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	r, err := s.engine.SetRoomArchived(c.Request().Context(), room.ID, archived)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleExportRoom(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	opts := chat.ExportOptions{
		Sender:          c.QueryParam("sender"),
		IncludeMetadata: c.QueryParam("include_metadata") == "true",
	}
	if v := c.QueryParam("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "after must be a non-negative integer")
		}
		opts.AfterSeq = &n
	}
	if v := c.QueryParam("before"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "before must be RFC 3339")
		}
		opts.Before = &ts
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		opts.Limit = n
	}
	body, contentType, err := s.engine.Export(c.Request().Context(), room.ID, c.QueryParam("format"), opts)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, contentType, body)
}

func (s *Server) handleParticipants(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	parts, err := s.store.Participants(c.Request().Context(), room.ID)
	if err != nil {
		return err
	}
	if parts == nil {
		parts = []store.Participant{}
	}
	return c.JSON(http.StatusOK, parts)
}

func (s *Server) handleRoomPresence(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.presence.Room(room.ID))
}

func (s *Server) handleAllPresence(c echo.Context) error {
	return c.JSON(http.StatusOK, s.presence.All())
}

type bookmarkRequest struct {
	Sender string `json:"sender"`
}

func (s *Server) handleAddBookmark(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	var req bookmarkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if req.Sender == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sender is required")
	}
	if err := s.engine.AddBookmark(c.Request().Context(), room.ID, req.Sender); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRemoveBookmark(c echo.Context) error {
	room, err := s.resolveRoom(c)
	if err != nil {
		return err
	}
	sender := c.QueryParam("sender")
	if sender == "" {
		var req bookmarkRequest
		if err := c.Bind(&req); err == nil {
			sender = req.Sender
		}
	}
	if sender == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sender is required")
	}
	if err := s.engine.RemoveBookmark(c.Request().Context(), room.ID, sender); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListBookmarks(c echo.Context) error {
	sender := c.QueryParam("sender")
	if sender == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sender is required")
	}
	list, err := s.store.ListBookmarks(c.Request().Context(), sender)
	if err != nil {
		return err
	}
	if list == nil {
		list = []store.Bookmark{}
	}
	return c.JSON(http.StatusOK, list)
}
