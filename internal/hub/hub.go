package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/Gaurav153fr/yt-remote/internal/config"
	pkglog "github.com/Gaurav153fr/yt-remote/pkg/log"
)

// ErrStopped is returned for work submitted after the hub loop has exited.
var ErrStopped = errors.New("hub stopped")

// Hub owns every connected client and runs the single event loop. All room
// state is mutated from callbacks executed by Run, one at a time, in the
// order they were submitted.
type Hub struct {
	clients  map[string]*Client
	commands chan func()
	done     chan struct{}
	count    atomic.Int64
	config   config.WebSocketConfig

	onDrop func(connID string)
}

// NewHub creates a new Hub.
func NewHub(cfg config.WebSocketConfig) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &Hub{
		clients:  make(map[string]*Client),
		commands: make(chan func(), 1024),
		done:     make(chan struct{}),
		config:   cfg,
	}
}

// OnDeliveryDropped registers a callback for clients dropped because their
// send buffer was full. It runs on the loop. Set it before Run.
func (h *Hub) OnDeliveryDropped(fn func(connID string)) {
	h.onDrop = fn
}

// Run starts the hub's main loop and blocks until ctx is done. On exit every
// client's send channel is closed, which makes its write pump hang up.
func (h *Hub) Run(ctx context.Context) error {
	l := pkglog.L()
	l.Info().Msg("hub loop started")

	for {
		select {
		case fn := <-h.commands:
			fn()

		case <-ctx.Done():
			close(h.done)
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.Send)
			}
			h.count.Store(0)
			l.Info().Msg("hub loop stopped")
			return nil
		}
	}
}

// Do queues fn to run on the loop. It must not be called from the loop
// itself, since a full queue would deadlock.
func (h *Hub) Do(fn func()) error {
	select {
	case <-h.done:
		return ErrStopped
	default:
	}

	select {
	case h.commands <- fn:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

// Call runs fn on the loop and waits for it to finish.
func (h *Hub) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := h.Do(func() {
		fn()
		close(finished)
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrStopped
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) error {
	return h.Do(func() {
		h.clients[client.ID] = client
		h.count.Add(1)
		l := pkglog.L()
		l.Debug().Str(pkglog.FieldConnID, client.ID).Msg("client registered")
	})
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(client *Client) error {
	return h.Do(func() {
		h.remove(client.ID)
	})
}

// Deliver queues data on the client's send buffer. A full buffer means the
// client cannot keep up; it is dropped instead of stalling the loop. Must be
// called on the loop.
func (h *Hub) Deliver(connID string, data []byte) {
	client, ok := h.clients[connID]
	if !ok {
		return
	}

	select {
	case client.Send <- data:
	default:
		l := pkglog.L()
		l.Warn().Str(pkglog.FieldConnID, connID).Msg("send buffer full, dropping client")
		h.remove(connID)
		if h.onDrop != nil {
			h.onDrop(connID)
		}
	}
}

// SendTo encodes message and delivers it to one client. Must be called on
// the loop.
func (h *Hub) SendTo(connID string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	h.Deliver(connID, data)
	return nil
}

// ClientCount returns the number of registered clients. Safe from any goroutine.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Config returns the websocket settings clients are created with.
func (h *Hub) Config() config.WebSocketConfig {
	return h.config
}

func (h *Hub) remove(connID string) {
	client, ok := h.clients[connID]
	if !ok {
		return
	}
	delete(h.clients, connID)
	close(client.Send)
	h.count.Add(-1)
	l := pkglog.L()
	l.Debug().Str(pkglog.FieldConnID, connID).Msg("client unregistered")
}
