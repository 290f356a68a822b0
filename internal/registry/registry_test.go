package registry

import (
	"fmt"
	mrand "math/rand/v2"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLoop stands in for the hub: posted callbacks queue up until the test
// runs them on its own goroutine.
type testLoop struct {
	ch chan func()
}

func newTestLoop() *testLoop {
	return &testLoop{ch: make(chan func(), 64)}
}

func (l *testLoop) post(fn func()) error {
	l.ch <- fn
	return nil
}

func (l *testLoop) runNext(t *testing.T, timeout time.Duration) bool {
	t.Helper()
	select {
	case fn := <-l.ch:
		fn()
		return true
	case <-time.After(timeout):
		return false
	}
}

// scriptedGenerator returns the given codes in order, then repeats the last.
type scriptedGenerator struct {
	codes []string
	i     int
}

func (g *scriptedGenerator) Generate(int) string {
	code := g.codes[min(g.i, len(g.codes)-1)]
	g.i++
	return code
}

type fixedGenerator struct{}

func (fixedGenerator) Generate(length int) string {
	return strings.Repeat("A", length)
}

func newTestRegistry(t *testing.T, grace time.Duration, gen CodeGenerator) (*Registry, *testLoop) {
	t.Helper()
	loop := newTestLoop()
	r := New(Config{CodeLength: 6, CodeAttempts: 8, GracePeriod: grace}, gen, loop.post)
	t.Cleanup(r.Close)
	return r, loop
}

func TestCreateRoomCodesAreUnique(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour, NewSeededGenerator(42))

	seen := make(map[string]bool)
	for i := 0; i < 2000; i++ {
		code, err := r.CreateRoom()
		require.NoError(t, err)
		require.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true

		for _, ch := range code {
			require.Contains(t, CodeAlphabet, string(ch))
		}
	}
	assert.Equal(t, 2000, r.Len())
}

func TestCreateRoomRetriesOnCollision(t *testing.T) {
	gen := &scriptedGenerator{codes: []string{"ABCDEF", "ABCDEF", "ABCDEF", "GHJKLM"}}
	r, _ := newTestRegistry(t, time.Hour, gen)

	var collisions []string
	r.OnCollision(func(code string) { collisions = append(collisions, code) })

	first, err := r.CreateRoom()
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF", first)

	second, err := r.CreateRoom()
	require.NoError(t, err)
	assert.Equal(t, "GHJKLM", second)
	assert.Equal(t, []string{"ABCDEF", "ABCDEF"}, collisions)

	snap, ok := r.Room("ABCDEF")
	require.True(t, ok)
	assert.Empty(t, snap.Members, "collision must not overwrite the live room")
}

func TestCreateRoomFallsBackToLongerCode(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour, fixedGenerator{})

	collisions := 0
	r.OnCollision(func(string) { collisions++ })

	short, err := r.CreateRoom()
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", short)

	long, err := r.CreateRoom()
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAA", long)
	assert.Equal(t, 8, collisions)

	_, err = r.CreateRoom()
	require.ErrorIs(t, err, ErrCodeSpaceExhausted)
	assert.Equal(t, 2, r.Len())
}

func TestCreateRoomStartsEmptyWithoutTimer(t *testing.T) {
	r, loop := newTestRegistry(t, 10*time.Millisecond, NewSeededGenerator(1))

	code, err := r.CreateRoom()
	require.NoError(t, err)

	snap, ok := r.Room(code)
	require.True(t, ok)
	assert.Empty(t, snap.Members)
	assert.Empty(t, snap.Broadcaster)
	assert.False(t, snap.EvictionPending)
	assert.False(t, loop.runNext(t, 50*time.Millisecond), "no eviction may be posted for a fresh room")
}

func TestJoinUnknownRoom(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour, NewSeededGenerator(2))
	code, err := r.CreateRoom()
	require.NoError(t, err)
	_, err = r.Join("c1", code)
	require.NoError(t, err)

	_, err = r.Join("c2", "ZZZZZZ")
	require.ErrorIs(t, err, ErrRoomNotFound)

	assert.Empty(t, r.RoomsOf("c2"))
	assert.Equal(t, []string{"c1"}, r.Members(code))
	assert.Equal(t, 1, r.Len())
}

func TestJoinTwiceIsRejected(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour, NewSeededGenerator(3))
	code, err := r.CreateRoom()
	require.NoError(t, err)

	_, err = r.Join("c1", code)
	require.NoError(t, err)

	_, err = r.Join("c1", code)
	require.ErrorIs(t, err, ErrAlreadyMember)
	assert.Len(t, r.Members(code), 1)
	assert.Equal(t, []string{code}, r.RoomsOf("c1"))
}

func TestJoinCountsIncreaseInJoinOrder(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour, NewSeededGenerator(4))
	code, err := r.CreateRoom()
	require.NoError(t, err)

	var want []string
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("c%d", i)
		m, err := r.Join(id, code)
		require.NoError(t, err)
		want = append(want, id)
		assert.Equal(t, i, m.MemberCount())
		assert.Equal(t, want, m.Members)
	}
}

func TestCodesMatchCaseInsensitively(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour, &scriptedGenerator{codes: []string{"K7QX2M"}})
	code, err := r.CreateRoom()
	require.NoError(t, err)

	m, err := r.Join("c1", "  k7qx2m ")
	require.NoError(t, err)
	assert.Equal(t, code, m.Code)
	assert.True(t, r.IsMember("c1", "k7qx2m"))
	assert.True(t, r.Exists("K7qx2m"))
}

func TestLeaveErrors(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour, NewSeededGenerator(5))
	code, err := r.CreateRoom()
	require.NoError(t, err)

	_, err = r.Leave("c1", "NOPE99")
	require.ErrorIs(t, err, ErrRoomNotFound)

	_, err = r.Leave("c1", code)
	require.ErrorIs(t, err, ErrNotMember)
}

func TestLastLeaveEvictsAfterGracePeriod(t *testing.T) {
	r, loop := newTestRegistry(t, 20*time.Millisecond, NewSeededGenerator(6))
	code, err := r.CreateRoom()
	require.NoError(t, err)
	_, err = r.Join("c1", code)
	require.NoError(t, err)

	var evicted []string
	r.OnEvict(func(snap Snapshot, emptyFor time.Duration) {
		evicted = append(evicted, snap.Code)
		assert.GreaterOrEqual(t, emptyFor, 20*time.Millisecond)
	})

	m, err := r.Leave("c1", code)
	require.NoError(t, err)
	assert.True(t, m.EvictionScheduled)
	assert.Equal(t, 0, m.MemberCount())

	snap, ok := r.Room(code)
	require.True(t, ok)
	assert.True(t, snap.EvictionPending)

	require.True(t, loop.runNext(t, time.Second))
	assert.Equal(t, []string{code}, evicted)
	assert.False(t, r.Exists(code))

	_, err = r.Join("c2", code)
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRejoinCancelsEviction(t *testing.T) {
	r, loop := newTestRegistry(t, 40*time.Millisecond, NewSeededGenerator(7))
	code, err := r.CreateRoom()
	require.NoError(t, err)
	_, err = r.Join("c1", code)
	require.NoError(t, err)
	_, err = r.Leave("c1", code)
	require.NoError(t, err)

	_, err = r.Join("c2", code)
	require.NoError(t, err)

	snap, ok := r.Room(code)
	require.True(t, ok)
	assert.False(t, snap.EvictionPending)
	assert.False(t, loop.runNext(t, 120*time.Millisecond), "canceled timer must not post")
	assert.True(t, r.Exists(code))
}

func TestTimerThatAlreadyFiredIsIgnoredAfterRejoin(t *testing.T) {
	r, loop := newTestRegistry(t, 5*time.Millisecond, NewSeededGenerator(8))
	code, err := r.CreateRoom()
	require.NoError(t, err)
	_, err = r.Join("c1", code)
	require.NoError(t, err)
	_, err = r.Leave("c1", code)
	require.NoError(t, err)

	// Let the timer fire and queue its callback, then join before the loop
	// gets to run it.
	var fired func()
	select {
	case fired = <-loop.ch:
	case <-time.After(time.Second):
		t.Fatal("eviction timer never fired")
	}

	_, err = r.Join("c2", code)
	require.NoError(t, err)

	evicted := false
	r.OnEvict(func(Snapshot, time.Duration) { evicted = true })
	fired()

	assert.False(t, evicted)
	assert.True(t, r.Exists(code))
	assert.Equal(t, []string{"c2"}, r.Members(code))
}

func TestRescheduleSupersedesPreviousTimer(t *testing.T) {
	r, loop := newTestRegistry(t, 5*time.Millisecond, NewSeededGenerator(9))
	code, err := r.CreateRoom()
	require.NoError(t, err)
	_, err = r.Join("c1", code)
	require.NoError(t, err)
	_, err = r.Leave("c1", code)
	require.NoError(t, err)

	var stale func()
	select {
	case stale = <-loop.ch:
	case <-time.After(time.Second):
		t.Fatal("eviction timer never fired")
	}

	// A join and leave inside the window start a fresh grace period.
	_, err = r.Join("c2", code)
	require.NoError(t, err)
	_, err = r.Leave("c2", code)
	require.NoError(t, err)

	evictions := 0
	r.OnEvict(func(Snapshot, time.Duration) { evictions++ })

	stale()
	assert.Equal(t, 0, evictions, "superseded timer must not evict")
	assert.True(t, r.Exists(code))

	require.True(t, loop.runNext(t, time.Second))
	assert.Equal(t, 1, evictions)
	assert.False(t, r.Exists(code))
}

func TestDisconnectLeavesEveryRoomOnce(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour, NewSeededGenerator(10))
	a, err := r.CreateRoom()
	require.NoError(t, err)
	b, err := r.CreateRoom()
	require.NoError(t, err)

	for _, code := range []string{a, b} {
		_, err = r.Join("x", code)
		require.NoError(t, err)
	}
	_, err = r.Join("y", a)
	require.NoError(t, err)

	ms := r.Disconnect("x")
	require.Len(t, ms, 2)
	assert.Equal(t, a, ms[0].Code)
	assert.Equal(t, []string{"y"}, ms[0].Members)
	assert.False(t, ms[0].EvictionScheduled)
	assert.Equal(t, b, ms[1].Code)
	assert.True(t, ms[1].EvictionScheduled)

	assert.Empty(t, r.RoomsOf("x"))
	assert.Empty(t, r.Disconnect("x"), "second disconnect is a no-op")
}

func TestBroadcasterRole(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour, NewSeededGenerator(11))
	code, err := r.CreateRoom()
	require.NoError(t, err)
	_, err = r.Join("x", code)
	require.NoError(t, err)
	_, err = r.Join("y", code)
	require.NoError(t, err)

	changed, err := r.ClaimBroadcaster("x", code)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = r.ClaimBroadcaster("x", code)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = r.ClaimBroadcaster("y", code)
	require.ErrorIs(t, err, ErrNotBroadcaster)

	_, err = r.ClaimBroadcaster("z", code)
	require.ErrorIs(t, err, ErrNotMember)

	m, err := r.Leave("x", code)
	require.NoError(t, err)
	assert.True(t, m.BroadcasterVacated)

	changed, err = r.ClaimBroadcaster("y", code)
	require.NoError(t, err)
	assert.True(t, changed)

	snap, _ := r.Room(code)
	assert.Equal(t, "y", snap.Broadcaster)
}

// Random join/leave/disconnect sequences must keep the room and connection
// indexes consistent, and timers must run only for empty rooms.
func TestRandomOperationsKeepIndexesConsistent(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour, NewSeededGenerator(12))
	rng := mrand.New(mrand.NewPCG(12, 34))

	var codes []string
	for i := 0; i < 5; i++ {
		code, err := r.CreateRoom()
		require.NoError(t, err)
		codes = append(codes, code)
	}
	conns := []string{"c1", "c2", "c3", "c4", "c5", "c6"}

	for step := 0; step < 3000; step++ {
		conn := conns[rng.IntN(len(conns))]
		code := codes[rng.IntN(len(codes))]
		switch rng.IntN(5) {
		case 0, 1:
			_, _ = r.Join(conn, code)
		case 2, 3:
			_, _ = r.Leave(conn, code)
		case 4:
			r.Disconnect(conn)
		}

		for _, code := range codes {
			snap, ok := r.Room(code)
			require.True(t, ok)
			if snap.EvictionPending {
				require.Empty(t, snap.Members, "step %d: timer on nonempty room", step)
			}
			for _, member := range snap.Members {
				require.Contains(t, r.RoomsOf(member), code, "step %d", step)
			}
		}
		for _, conn := range conns {
			for _, code := range r.RoomsOf(conn) {
				require.True(t, slices.Contains(r.Members(code), conn), "step %d", step)
			}
		}
	}
}
