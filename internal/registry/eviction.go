package registry

import (
	"time"
)

// Poster hands a callback to the event loop that owns registry state.
type Poster func(fn func()) error

type pendingEviction struct {
	timer *time.Timer
	seq   uint64
	since time.Time
}

// Scheduler runs deferred deletions of empty rooms. Timers fire on their own
// goroutine but only post back to the event loop; the expiry callback itself
// always runs on the loop. Scheduler is not safe for concurrent use.
type Scheduler struct {
	grace   time.Duration
	post    Poster
	pending map[string]*pendingEviction
	seq     uint64
}

// NewScheduler creates a Scheduler with the given grace period.
func NewScheduler(grace time.Duration, post Poster) *Scheduler {
	return &Scheduler{
		grace:   grace,
		post:    post,
		pending: make(map[string]*pendingEviction),
	}
}

// Schedule starts the grace period for code and supersedes any timer
// already pending for it. expire runs on the loop once the period elapses,
// unless Cancel or a later Schedule came first.
func (s *Scheduler) Schedule(code string, expire func(code string, emptyFor time.Duration)) {
	s.Cancel(code)

	s.seq++
	seq := s.seq
	p := &pendingEviction{seq: seq, since: time.Now()}
	p.timer = time.AfterFunc(s.grace, func() {
		_ = s.post(func() {
			cur, ok := s.pending[code]
			if !ok || cur.seq != seq {
				return
			}
			delete(s.pending, code)
			expire(code, time.Since(cur.since))
		})
	})
	s.pending[code] = p
}

// Cancel stops the pending timer for code. It reports whether one was pending.
func (s *Scheduler) Cancel(code string) bool {
	p, ok := s.pending[code]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.pending, code)
	return true
}

// Pending reports whether code has a running grace period.
func (s *Scheduler) Pending(code string) bool {
	_, ok := s.pending[code]
	return ok
}

// Len returns the number of running grace periods.
func (s *Scheduler) Len() int {
	return len(s.pending)
}

// Stop cancels every pending timer.
func (s *Scheduler) Stop() {
	for code, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, code)
	}
}
