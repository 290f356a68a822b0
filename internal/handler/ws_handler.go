package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/Gaurav153fr/yt-remote/internal/domain"
	"github.com/Gaurav153fr/yt-remote/internal/hub"
	"github.com/Gaurav153fr/yt-remote/internal/service"
	pkglog "github.com/Gaurav153fr/yt-remote/pkg/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSHandler handles WebSocket connections.
type WSHandler struct {
	hub      *hub.Hub
	service  service.RelayService
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WebSocket handler. allowedOrigins may contain
// "*" to accept any origin.
func NewWSHandler(h *hub.Hub, svc service.RelayService, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		hub:     h,
		service: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Browser extensions and native clients send no Origin.
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// HandleWebSocket handles WebSocket upgrade and message routing.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := pkglog.Ctx(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	clientID := uuid.New().String()
	client := hub.NewClient(h.hub, conn, clientID)

	cl := l.With().Str(pkglog.FieldConnID, clientID).Logger()
	ctx := pkglog.WithLogger(pkglog.Detach(r.Context()), cl)

	client.SetDisconnectHandler(func(c *hub.Client) {
		if err := h.service.HandleDisconnect(ctx, c.ID); err != nil && !errors.Is(err, hub.ErrStopped) {
			cl.Error().Err(err).Msg("disconnect handler error")
		}
	})

	if err := h.hub.Register(client); err != nil {
		cl.Warn().Err(err).Msg("hub not accepting connections")
		conn.Close()
		return
	}
	if err := h.service.HandleConnect(ctx, clientID); err != nil {
		cl.Warn().Err(err).Msg("connect handler error")
	}

	go client.WritePump()
	go client.ReadPump(func(c *hub.Client, message []byte) {
		h.handleMessage(ctx, c, message)
	})
}

func (h *WSHandler) handleMessage(ctx context.Context, client *hub.Client, message []byte) {
	l := pkglog.Ctx(ctx)

	var msg domain.InboundMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid message format"))
		return
	}

	var err error
	switch msg.Type {
	case domain.MsgTypeCreateRoom:
		err = h.service.HandleCreateRoom(ctx, client.ID)

	case domain.MsgTypeJoinRoom, domain.MsgTypeLeaveRoom:
		code := roomCodeOf(&msg)
		if code == "" {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Missing room code"))
			return
		}
		if msg.Type == domain.MsgTypeJoinRoom {
			err = h.service.HandleJoinRoom(ctx, client.ID, code)
		} else {
			err = h.service.HandleLeaveRoom(ctx, client.ID, code)
		}

	case domain.MsgTypeSong, domain.MsgTypeQueue, domain.MsgTypeNextSong, domain.MsgTypePrevSong,
		domain.MsgTypePlayPause, domain.MsgTypeUpdateQueue, domain.MsgTypeSlider:
		if msg.RoomCode == "" {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Missing room code"))
			return
		}
		err = h.service.HandleRelay(ctx, client.ID, msg.Type, msg.RoomCode, msg.Data)

	case domain.MsgTypeMessage:
		err = h.service.HandleMessage(ctx, client.ID, msg.Data)

	case domain.MsgTypePing:
		client.SendMessage(domain.NewPong())

	default:
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Unknown message type"))
	}

	if err != nil && !errors.Is(err, hub.ErrStopped) {
		l.Error().Err(err).Str(pkglog.FieldEvent, msg.Type).Msg("failed to handle message")
	}
}

// roomCodeOf accepts the code either in room_code or, as older clients send
// it, as a bare JSON string in data.
func roomCodeOf(msg *domain.InboundMessage) string {
	if msg.RoomCode != "" {
		return msg.RoomCode
	}
	var code string
	if len(msg.Data) > 0 && json.Unmarshal(msg.Data, &code) == nil {
		return code
	}
	return ""
}

// RegisterRoutes registers the WebSocket route.
func (h *WSHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws", gin.WrapF(h.HandleWebSocket))
}
