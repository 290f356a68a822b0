package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/Gaurav153fr/yt-remote/internal/domain"
)

var (
	ErrUnknownEvent = errors.New("unknown relay event")
	ErrSenderNotIn  = errors.New("sender is not a member of the room")
)

// Policy describes how one event type fans out.
type Policy struct {
	// IncludeSelf delivers the event back to the sender too.
	IncludeSelf bool
	// StateBearing events are cached for late joiners and may only be
	// published by the room's broadcaster.
	StateBearing bool
	// CarriesPayload forwards the client's data; control signals drop it.
	CarriesPayload bool
	// AllRooms fans out to every room the sender belongs to.
	AllRooms bool
}

var policies = map[string]Policy{
	domain.MsgTypeSong:        {StateBearing: true, CarriesPayload: true},
	domain.MsgTypeQueue:       {StateBearing: true, CarriesPayload: true},
	domain.MsgTypeNextSong:    {},
	domain.MsgTypePrevSong:    {},
	domain.MsgTypePlayPause:   {},
	domain.MsgTypeUpdateQueue: {},
	domain.MsgTypeSlider:      {CarriesPayload: true},
	domain.MsgTypeMessage:     {IncludeSelf: true, CarriesPayload: true, AllRooms: true},
}

// PolicyFor returns the fan-out policy for event.
func PolicyFor(event string) (Policy, bool) {
	p, ok := policies[event]
	return p, ok
}

// Sink delivers an encoded message to one connection. Delivery is
// best-effort: unknown or gone connections are skipped silently.
type Sink interface {
	Deliver(connID string, data []byte)
}

// Directory answers membership questions. The room registry implements it.
type Directory interface {
	Members(code string) []string
	RoomsOf(connID string) []string
}

// Config tunes per-deployment semantics.
type Config struct {
	MessageIncludeSelf bool
}

// Relay fans events out to room members and records state-bearing payloads.
type Relay struct {
	dir   Directory
	sink  Sink
	cache *StateCache
	cfg   Config
}

// New creates a Relay.
func New(dir Directory, sink Sink, cache *StateCache, cfg Config) *Relay {
	if cache == nil {
		cache = NewStateCache()
	}
	return &Relay{dir: dir, sink: sink, cache: cache, cfg: cfg}
}

// Cache returns the relay's state cache.
func (r *Relay) Cache() *StateCache {
	return r.cache
}

// Forward delivers event from sender to the other members of room code and
// returns the number of deliveries. An unknown room is a no-op.
func (r *Relay) Forward(senderID, code, event string, data json.RawMessage) (int, error) {
	p, ok := PolicyFor(event)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if p.AllRooms {
		return r.ForwardToAll(senderID, event, data)
	}

	members := r.dir.Members(code)
	if members == nil {
		return 0, nil
	}
	if !slices.Contains(members, senderID) {
		return 0, ErrSenderNotIn
	}

	var payload json.RawMessage
	if p.CarriesPayload {
		payload = data
	}
	n, err := r.fanOut(members, senderID, p.IncludeSelf, &domain.RelayMessage{
		Type:     event,
		RoomCode: code,
		Data:     payload,
	})
	if err != nil {
		return n, err
	}

	if p.StateBearing && hasPayload(data) {
		r.cache.Put(code, event, data)
	}
	return n, nil
}

// ForwardToAll delivers event to every room the sender belongs to, once per
// room, tagged with that room's code. Rooms the sender is not in never see it.
func (r *Relay) ForwardToAll(senderID, event string, data json.RawMessage) (int, error) {
	p, ok := PolicyFor(event)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	includeSelf := p.IncludeSelf
	if event == domain.MsgTypeMessage {
		includeSelf = r.cfg.MessageIncludeSelf
	}

	total := 0
	for _, code := range r.dir.RoomsOf(senderID) {
		members := r.dir.Members(code)
		if members == nil {
			continue
		}
		n, err := r.fanOut(members, senderID, includeSelf, &domain.RelayMessage{
			Type:     event,
			RoomCode: code,
			Data:     data,
		})
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Send encodes msg once and delivers it to each recipient.
func (r *Relay) Send(recipients []string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	for _, id := range recipients {
		r.sink.Deliver(id, data)
	}
	return nil
}

func (r *Relay) fanOut(members []string, senderID string, includeSelf bool, msg *domain.RelayMessage) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	n := 0
	for _, id := range members {
		if id == senderID && !includeSelf {
			continue
		}
		r.sink.Deliver(id, data)
		n++
	}
	return n, nil
}

// hasPayload reports whether data holds a value; a JSON null counts as absent.
func hasPayload(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
