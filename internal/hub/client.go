package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Gaurav153fr/yt-remote/internal/domain"
	pkglog "github.com/Gaurav153fr/yt-remote/pkg/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// DisconnectHandler is called when a client disconnects.
type DisconnectHandler func(*Client)

// Client represents a connected WebSocket client.
type Client struct {
	ID   string
	Hub  *Hub
	Conn *websocket.Conn

	// Send is written only by the hub loop, which also closes it.
	Send chan []byte

	limiter           *rate.Limiter
	disconnectHandler DisconnectHandler
	closeOnce         sync.Once
}

// NewClient creates a client for conn with the hub's buffer and rate settings.
func NewClient(h *Hub, conn *websocket.Conn, id string) *Client {
	cfg := h.Config()

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		ID:      id,
		Hub:     h,
		Conn:    conn,
		Send:    make(chan []byte, cfg.SendBuffer),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// SetDisconnectHandler sets the handler to be called on disconnect.
func (c *Client) SetDisconnectHandler(handler DisconnectHandler) {
	c.disconnectHandler = handler
}

// SendMessage encodes message and queues it for this client through the hub
// loop. Use it from outside the loop; loop code calls Hub.Deliver.
func (c *Client) SendMessage(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.Hub.Do(func() {
		c.Hub.Deliver(c.ID, data)
	})
}

// ReadPump pumps messages from the WebSocket connection to the handler.
// Messages over the rate limit are answered with RATE_LIMITED and dropped.
func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer c.close()

	cfg := c.Hub.Config()
	c.Conn.SetReadLimit(cfg.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l := pkglog.L()
				l.Error().Err(err).Str(pkglog.FieldConnID, c.ID).Msg("websocket error")
			}
			break
		}

		if !c.limiter.Allow() {
			c.SendMessage(domain.NewErrorMessage(domain.ErrCodeRateLimited, domain.TextRateLimited))
			continue
		}

		handler(c, message)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	cfg := c.Hub.Config()
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close runs the disconnect handler and unregisters the client exactly once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.disconnectHandler != nil {
			c.disconnectHandler(c)
		}
		c.Hub.Unregister(c)
		c.Conn.Close()
	})
}
