package relay

import (
	"encoding/json"
	"maps"
	"slices"
)

// StateCache keeps the latest payload of every state-bearing event per room
// so late joiners can be caught up. Like the registry it belongs to the
// event loop and is not safe for concurrent use.
type StateCache struct {
	rooms map[string]map[string]json.RawMessage
}

// NewStateCache creates an empty cache.
func NewStateCache() *StateCache {
	return &StateCache{rooms: make(map[string]map[string]json.RawMessage)}
}

// Put replaces the cached payload for event in room code.
func (c *StateCache) Put(code, event string, data json.RawMessage) {
	state, ok := c.rooms[code]
	if !ok {
		state = make(map[string]json.RawMessage)
		c.rooms[code] = state
	}
	state[event] = slices.Clone(data)
}

// Get returns a copy of the room's cached state, or nil when nothing has
// been published yet.
func (c *StateCache) Get(code string) map[string]json.RawMessage {
	state, ok := c.rooms[code]
	if !ok || len(state) == 0 {
		return nil
	}
	return maps.Clone(state)
}

// Drop forgets a room, typically on eviction.
func (c *StateCache) Drop(code string) {
	delete(c.rooms, code)
}

// Len returns the number of rooms with cached state.
func (c *StateCache) Len() int {
	return len(c.rooms)
}
