package service

import (
	"context"
	"encoding/json"
	"time"
)

// RelayService handles room and relay operations. Handle* methods queue the
// work on the hub loop and return without waiting; replies reach clients
// through the hub. They only fail when the hub has stopped.
type RelayService interface {
	// HandleConnect records a new connection.
	HandleConnect(ctx context.Context, connID string) error

	// HandleCreateRoom creates a room and joins the creator to it.
	HandleCreateRoom(ctx context.Context, connID string) error

	// HandleJoinRoom handles a client joining a room.
	HandleJoinRoom(ctx context.Context, connID, code string) error

	// HandleLeaveRoom handles a client leaving a room.
	HandleLeaveRoom(ctx context.Context, connID, code string) error

	// HandleRelay fans a playback event out to the other members of a room.
	HandleRelay(ctx context.Context, connID, event, code string, data json.RawMessage) error

	// HandleMessage broadcasts a free-form message to every room of the sender.
	HandleMessage(ctx context.Context, connID string, data json.RawMessage) error

	// HandleDisconnect removes the connection from all its rooms.
	HandleDisconnect(ctx context.Context, connID string) error

	// RoomInfo returns a read-only view of a room.
	RoomInfo(ctx context.Context, code string) (*RoomInfo, error)

	// LastState returns the cached state-bearing payloads of a room.
	LastState(ctx context.Context, code string) (map[string]json.RawMessage, error)

	// Stats returns global counters.
	Stats(ctx context.Context) (*Stats, error)
}

// RoomInfo is the HTTP view of a room.
type RoomInfo struct {
	Code            string                     `json:"code"`
	MemberCount     int                        `json:"member_count"`
	HasBroadcaster  bool                       `json:"has_broadcaster"`
	EvictionPending bool                       `json:"eviction_pending"`
	CreatedAt       time.Time                  `json:"created_at"`
	State           map[string]json.RawMessage `json:"state,omitempty"`
}

// Stats summarises the relay.
type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}
