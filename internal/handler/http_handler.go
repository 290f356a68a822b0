package handler

import (
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"

	"github.com/Gaurav153fr/yt-remote/internal/domain"
	"github.com/Gaurav153fr/yt-remote/internal/lifecycle"
	"github.com/Gaurav153fr/yt-remote/internal/registry"
	"github.com/Gaurav153fr/yt-remote/internal/service"
	pkglog "github.com/Gaurav153fr/yt-remote/pkg/log"
	"github.com/Gaurav153fr/yt-remote/pkg/response"
	"github.com/gin-gonic/gin"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Templates parses the embedded HTML pages.
func Templates() *template.Template {
	return template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))
}

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	service service.RelayService
	feed    *lifecycle.Feed
	metrics http.Handler
}

// NewHTTPHandler creates a new HTTP handler. feed and metrics may be nil,
// which leaves their routes out.
func NewHTTPHandler(svc service.RelayService, feed *lifecycle.Feed, metrics http.Handler) *HTTPHandler {
	return &HTTPHandler{service: svc, feed: feed, metrics: metrics}
}

// RegisterRoutes registers HTTP routes. The engine must have Templates set.
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/", h.Index)
	r.GET("/health", h.Health)
	r.GET("/room/:code", h.RoomPage)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	api := r.Group("/api/v1")
	{
		api.GET("/rooms/:code", h.GetRoom)
		api.GET("/rooms/:code/state", h.GetRoomState)
		api.GET("/stats", h.GetStats)
		if h.feed != nil {
			api.GET("/events", h.StreamAllEvents)
			api.GET("/rooms/:code/events", h.StreamRoomEvents)
		}
	}
}

// Index renders the landing page.
func (h *HTTPHandler) Index(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		stats = &service.Stats{}
	}
	c.HTML(http.StatusOK, "index.tmpl", gin.H{
		"Host":        c.Request.Host,
		"Rooms":       stats.Rooms,
		"Connections": stats.Connections,
	})
}

// Health handles health check requests.
func (h *HTTPHandler) Health(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopping"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": stats.Connections,
		"rooms":       stats.Rooms,
	})
}

// RoomPage renders a room, or a plain not-found body for unknown codes.
func (h *HTTPHandler) RoomPage(c *gin.Context) {
	info, err := h.service.RoomInfo(c.Request.Context(), c.Param("code"))
	if err != nil {
		if errors.Is(err, registry.ErrRoomNotFound) {
			c.String(http.StatusNotFound, domain.TextRoomNotFound)
			return
		}
		l := pkglog.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to load room")
		c.String(http.StatusInternalServerError, "internal error")
		return
	}
	c.HTML(http.StatusOK, "room.tmpl", info)
}

// GetRoom returns a room's membership summary and cached state.
func (h *HTTPHandler) GetRoom(c *gin.Context) {
	ctx := c.Request.Context()
	l := pkglog.Ctx(ctx)

	info, err := h.service.RoomInfo(ctx, c.Param("code"))
	if err != nil {
		if errors.Is(err, registry.ErrRoomNotFound) {
			response.NotFound(c, domain.ErrCodeRoomNotFound, domain.TextRoomNotFound)
			return
		}
		l.Error().Err(err).Msg("failed to get room")
		response.InternalError(c, "failed to get room")
		return
	}

	response.Success(c, info)
}

// GetRoomState returns only the cached state-bearing payloads.
func (h *HTTPHandler) GetRoomState(c *gin.Context) {
	ctx := c.Request.Context()
	l := pkglog.Ctx(ctx)

	state, err := h.service.LastState(ctx, c.Param("code"))
	if err != nil {
		if errors.Is(err, registry.ErrRoomNotFound) {
			response.NotFound(c, domain.ErrCodeRoomNotFound, domain.TextRoomNotFound)
			return
		}
		l.Error().Err(err).Msg("failed to get room state")
		response.InternalError(c, "failed to get room state")
		return
	}

	response.Success(c, gin.H{"state": state})
}

// GetStats returns relay-wide counters.
func (h *HTTPHandler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		response.ServiceUnavailable(c, "relay is shutting down")
		return
	}
	response.Success(c, stats)
}

// StreamRoomEvents streams one room's lifecycle events as server-sent events.
func (h *HTTPHandler) StreamRoomEvents(c *gin.Context) {
	ctx := c.Request.Context()
	l := pkglog.Ctx(ctx)

	info, err := h.service.RoomInfo(ctx, c.Param("code"))
	if err != nil {
		if errors.Is(err, registry.ErrRoomNotFound) {
			response.NotFound(c, domain.ErrCodeRoomNotFound, domain.TextRoomNotFound)
			return
		}
		l.Error().Err(err).Msg("failed to get room")
		response.InternalError(c, "failed to get room")
		return
	}

	w, err := h.feed.WatchRoom(info.Code)
	if err != nil {
		l.Error().Err(err).Str(pkglog.FieldRoomCode, info.Code).Msg("failed to watch room")
		response.ServiceUnavailable(c, "event stream unavailable")
		return
	}
	h.stream(c, w)
}

// StreamAllEvents streams the lifecycle events of every room.
func (h *HTTPHandler) StreamAllEvents(c *gin.Context) {
	w, err := h.feed.WatchAll()
	if err != nil {
		l := pkglog.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to watch rooms")
		response.ServiceUnavailable(c, "event stream unavailable")
		return
	}
	h.stream(c, w)
}

func (h *HTTPHandler) stream(c *gin.Context, w *lifecycle.Watcher) {
	defer w.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	// Send headers now so clients see the stream open before the first event.
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case ev, ok := <-w.C:
			if !ok {
				return false
			}
			c.SSEvent(ev.Type, *ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
