package pubsub

import "fmt"

// Channel naming conventions for the session relay.
const (
	// Relay -> observers (dashboards, sibling instances)
	ChannelRoomLifecycle = "relay:room:%s:to_observers"

	// PatternRoomLifecycle matches the lifecycle channel of every room.
	PatternRoomLifecycle = "relay:room:*:to_observers"
)

// Event types published on the lifecycle channel.
const (
	EventRoomCreated        = "room_created"
	EventMemberJoined       = "member_joined"
	EventMemberLeft         = "member_left"
	EventRoomEvicted        = "room_evicted"
	EventBroadcasterChanged = "broadcaster_changed"
)

// RoomLifecycleChannel returns the lifecycle channel for one room.
func RoomLifecycleChannel(roomCode string) string {
	return fmt.Sprintf(ChannelRoomLifecycle, roomCode)
}

// RoomCreatedPayload is published when a connection creates a room.
type RoomCreatedPayload struct {
	RoomCode  string `json:"room_code"`
	CreatorID string `json:"creator_id"`
}

// MembershipPayload is published on member_joined and member_left.
type MembershipPayload struct {
	RoomCode    string `json:"room_code"`
	ConnID      string `json:"conn_id"`
	MemberCount int    `json:"member_count"`
	Reason      string `json:"reason,omitempty"` // "explicit", "disconnect"
}

// RoomEvictedPayload is published when an empty room outlives its grace period.
type RoomEvictedPayload struct {
	RoomCode string `json:"room_code"`
	EmptyFor string `json:"empty_for"`
}

// BroadcasterChangedPayload is published when the authoritative broadcaster changes.
// An empty BroadcasterID means the role is vacant.
type BroadcasterChangedPayload struct {
	RoomCode      string `json:"room_code"`
	BroadcasterID string `json:"broadcaster_id"`
}
