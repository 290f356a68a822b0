package registry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrAlreadyMember      = errors.New("already a member of room")
	ErrNotMember          = errors.New("not a member of room")
	ErrNotBroadcaster     = errors.New("room has another broadcaster")
	ErrCodeSpaceExhausted = errors.New("no free room code")
)

// Config controls code generation and eviction.
type Config struct {
	CodeLength   int
	CodeAttempts int
	GracePeriod  time.Duration
}

type room struct {
	code        string
	createdAt   time.Time
	members     []string
	broadcaster string
}

// Snapshot is a copy of a room's state, safe to keep after the loop step.
type Snapshot struct {
	Code            string
	Members         []string
	Broadcaster     string
	CreatedAt       time.Time
	EvictionPending bool
}

// MemberCount returns len(Members).
func (s Snapshot) MemberCount() int {
	return len(s.Members)
}

// Membership describes a room right after a join or leave.
type Membership struct {
	Code    string
	ConnID  string
	Members []string

	// BroadcasterVacated is set when the leaving connection held the
	// broadcaster role.
	BroadcasterVacated bool

	// EvictionScheduled is set when the leave emptied the room.
	EvictionScheduled bool
}

// MemberCount returns len(Members).
func (m Membership) MemberCount() int {
	return len(m.Members)
}

// Registry owns rooms and the connection-to-rooms index. It is confined to
// one event loop: every method must be called from the goroutine that runs
// the callbacks handed to the Poster.
type Registry struct {
	cfg       Config
	codes     CodeGenerator
	rooms     map[string]*room
	conns     map[string][]string // connID -> room codes in join order
	scheduler *Scheduler

	onEvict     func(Snapshot, time.Duration)
	onCollision func(code string)
}

// New creates a Registry. post must run callbacks on the registry's loop.
func New(cfg Config, codes CodeGenerator, post Poster) *Registry {
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 6
	}
	if cfg.CodeAttempts <= 0 {
		cfg.CodeAttempts = 8
	}
	if codes == nil {
		codes = NewRandomGenerator()
	}
	return &Registry{
		cfg:       cfg,
		codes:     codes,
		rooms:     make(map[string]*room),
		conns:     make(map[string][]string),
		scheduler: NewScheduler(cfg.GracePeriod, post),
	}
}

// OnEvict registers a callback for rooms deleted after their grace period.
func (r *Registry) OnEvict(fn func(snap Snapshot, emptyFor time.Duration)) {
	r.onEvict = fn
}

// OnCollision registers a callback for generated codes that were already live.
func (r *Registry) OnCollision(fn func(code string)) {
	r.onCollision = fn
}

// CreateRoom creates an empty room under a fresh code. Colliding candidates
// are re-rolled; after CodeAttempts failures the code is lengthened by two
// for another round before giving up.
func (r *Registry) CreateRoom() (string, error) {
	for _, length := range []int{r.cfg.CodeLength, r.cfg.CodeLength + 2} {
		for i := 0; i < r.cfg.CodeAttempts; i++ {
			code := NormalizeCode(r.codes.Generate(length))
			if code == "" {
				continue
			}
			if _, taken := r.rooms[code]; taken {
				if r.onCollision != nil {
					r.onCollision(code)
				}
				continue
			}
			r.rooms[code] = &room{code: code, createdAt: time.Now()}
			return code, nil
		}
	}
	return "", fmt.Errorf("create room after %d attempts: %w", 2*r.cfg.CodeAttempts, ErrCodeSpaceExhausted)
}

// Join adds connID to the room and cancels any pending eviction.
func (r *Registry) Join(connID, code string) (Membership, error) {
	code = NormalizeCode(code)
	rm, ok := r.rooms[code]
	if !ok {
		return Membership{}, ErrRoomNotFound
	}
	if slices.Contains(rm.members, connID) {
		return Membership{}, ErrAlreadyMember
	}

	rm.members = append(rm.members, connID)
	r.conns[connID] = append(r.conns[connID], code)
	r.scheduler.Cancel(code)

	return Membership{
		Code:    code,
		ConnID:  connID,
		Members: slices.Clone(rm.members),
	}, nil
}

// Leave removes connID from the room. The last leave starts the grace period.
func (r *Registry) Leave(connID, code string) (Membership, error) {
	code = NormalizeCode(code)
	rm, ok := r.rooms[code]
	if !ok {
		return Membership{}, ErrRoomNotFound
	}
	idx := slices.Index(rm.members, connID)
	if idx < 0 {
		return Membership{}, ErrNotMember
	}

	rm.members = slices.Delete(rm.members, idx, idx+1)
	r.dropConnRoom(connID, code)

	m := Membership{
		Code:    code,
		ConnID:  connID,
		Members: slices.Clone(rm.members),
	}
	if rm.broadcaster == connID {
		rm.broadcaster = ""
		m.BroadcasterVacated = true
	}
	if len(rm.members) == 0 {
		r.scheduler.Schedule(code, r.expire)
		m.EvictionScheduled = true
	}
	return m, nil
}

// Disconnect leaves every room connID belongs to. Rooms that vanished in the
// meantime are skipped. Calling it again for the same connection is a no-op.
func (r *Registry) Disconnect(connID string) []Membership {
	codes := slices.Clone(r.conns[connID])
	out := make([]Membership, 0, len(codes))
	for _, code := range codes {
		m, err := r.Leave(connID, code)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	delete(r.conns, connID)
	return out
}

// ClaimBroadcaster makes connID the room's broadcaster if the role is
// vacant. changed reports whether the role moved.
func (r *Registry) ClaimBroadcaster(connID, code string) (changed bool, err error) {
	code = NormalizeCode(code)
	rm, ok := r.rooms[code]
	if !ok {
		return false, ErrRoomNotFound
	}
	if !slices.Contains(rm.members, connID) {
		return false, ErrNotMember
	}
	switch rm.broadcaster {
	case connID:
		return false, nil
	case "":
		rm.broadcaster = connID
		return true, nil
	default:
		return false, ErrNotBroadcaster
	}
}

// Room returns a snapshot of the room.
func (r *Registry) Room(code string) (Snapshot, bool) {
	code = NormalizeCode(code)
	rm, ok := r.rooms[code]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Code:            rm.code,
		Members:         slices.Clone(rm.members),
		Broadcaster:     rm.broadcaster,
		CreatedAt:       rm.createdAt,
		EvictionPending: r.scheduler.Pending(code),
	}, true
}

// Exists reports whether code names a live room.
func (r *Registry) Exists(code string) bool {
	_, ok := r.rooms[NormalizeCode(code)]
	return ok
}

// Members returns the room's members in join order, or nil for an unknown room.
func (r *Registry) Members(code string) []string {
	rm, ok := r.rooms[NormalizeCode(code)]
	if !ok {
		return nil
	}
	return slices.Clone(rm.members)
}

// RoomsOf returns the codes connID belongs to, in join order.
func (r *Registry) RoomsOf(connID string) []string {
	return slices.Clone(r.conns[connID])
}

// IsMember reports whether connID is in the room.
func (r *Registry) IsMember(connID, code string) bool {
	rm, ok := r.rooms[NormalizeCode(code)]
	return ok && slices.Contains(rm.members, connID)
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	return len(r.rooms)
}

// Close cancels every pending eviction. Rooms stay in memory.
func (r *Registry) Close() {
	r.scheduler.Stop()
}

func (r *Registry) expire(code string, emptyFor time.Duration) {
	rm, ok := r.rooms[code]
	if !ok || len(rm.members) > 0 {
		return
	}
	snap, _ := r.Room(code)
	delete(r.rooms, code)
	if r.onEvict != nil {
		r.onEvict(snap, emptyFor)
	}
}

func (r *Registry) dropConnRoom(connID, code string) {
	codes := r.conns[connID]
	if i := slices.Index(codes, code); i >= 0 {
		codes = slices.Delete(codes, i, i+1)
	}
	if len(codes) == 0 {
		delete(r.conns, connID)
		return
	}
	r.conns[connID] = codes
}
