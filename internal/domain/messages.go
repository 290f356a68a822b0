package domain

import "encoding/json"

// WebSocket message types from client.
const (
	MsgTypeCreateRoom  = "createRoom"
	MsgTypeJoinRoom    = "joinRoom"
	MsgTypeLeaveRoom   = "leaveRoom"
	MsgTypeSong        = "song"
	MsgTypeQueue       = "queue"
	MsgTypeNextSong    = "nextSong"
	MsgTypePrevSong    = "prevSong"
	MsgTypePlayPause   = "play_pause"
	MsgTypeUpdateQueue = "updateQueue"
	MsgTypeSlider      = "slider"
	MsgTypeMessage     = "message"
	MsgTypePing        = "ping"
)

// WebSocket message types to client.
const (
	MsgTypeRoomCreated = "roomCreated"
	MsgTypeJoinedRoom  = "joinedRoom"
	MsgTypeLeftRoom    = "leftRoom"
	MsgTypeRoomUpdate  = "roomUpdate"
	MsgTypeError       = "errorMessage"
	MsgTypePong        = "pong"
)

// InboundMessage is the envelope for every client message. RoomCode is
// empty for createRoom, message and ping.
type InboundMessage struct {
	Type     string          `json:"type"`
	RoomCode string          `json:"room_code,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Server -> Client messages

// RoomCreatedMessage is sent to the creator of a room.
type RoomCreatedMessage struct {
	Type     string `json:"type"`
	RoomCode string `json:"room_code"`
}

// JoinedRoomMessage confirms a join. State holds the room's cached
// state-bearing payloads keyed by event type.
type JoinedRoomMessage struct {
	Type        string                     `json:"type"`
	RoomCode    string                     `json:"room_code"`
	MemberCount int                        `json:"member_count"`
	State       map[string]json.RawMessage `json:"state,omitempty"`
}

// LeftRoomMessage confirms an explicit leave.
type LeftRoomMessage struct {
	Type     string `json:"type"`
	RoomCode string `json:"room_code"`
}

// RoomUpdateMessage is sent to room members when membership changes.
type RoomUpdateMessage struct {
	Type        string `json:"type"`
	RoomCode    string `json:"room_code"`
	MemberCount int    `json:"member_count"`
	Message     string `json:"message"`
}

// RelayMessage carries a relayed event to other members.
type RelayMessage struct {
	Type     string          `json:"type"`
	RoomCode string          `json:"room_code"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// PongMessage answers an application-level ping.
type PongMessage struct {
	Type string `json:"type"`
}

// ErrorMessage is sent when an error occurs. It only ever goes to the
// connection that caused it.
type ErrorMessage struct {
	Type string `json:"type"`
	Code string `json:"code"`
	Text string `json:"text"`
}

// Error codes
const (
	ErrCodeRoomNotFound   = "ROOM_NOT_FOUND"
	ErrCodeAlreadyMember  = "ALREADY_MEMBER"
	ErrCodeNotMember      = "NOT_MEMBER"
	ErrCodeNotBroadcaster = "NOT_BROADCASTER"
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// Client-facing texts.
const (
	TextRoomNotFound   = "Room not found!"
	TextAlreadyMember  = "You are already in this room!"
	TextNotMember      = "You are not in this room!"
	TextNotBroadcaster = "Only the room's broadcaster can publish playback state"
	TextRateLimited    = "Slow down, too many events"
)

// NewErrorMessage creates a new error message.
func NewErrorMessage(code, text string) *ErrorMessage {
	return &ErrorMessage{
		Type: MsgTypeError,
		Code: code,
		Text: text,
	}
}

// NewPong creates a pong reply.
func NewPong() *PongMessage {
	return &PongMessage{Type: MsgTypePong}
}
