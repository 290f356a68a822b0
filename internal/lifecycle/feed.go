package lifecycle

import (
	"context"
	"errors"
	"sync"

	pkglog "github.com/Gaurav153fr/yt-remote/pkg/log"
	"github.com/Gaurav153fr/yt-remote/pkg/pubsub"
)

// ErrFeedClosed is returned by Watch calls after Close.
var ErrFeedClosed = errors.New("lifecycle feed closed")

// Feed lets any number of observers follow lifecycle events. Observers of
// the same room share one bus subscription, and the subscription is released
// when the last of them stops watching.
type Feed struct {
	bus    pubsub.Subscriber
	buffer int

	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	key      string
	cancel   context.CancelFunc
	watchers map[*Watcher]struct{}
}

// Watcher receives events on C until Close is called or the feed shuts down,
// after which C is closed. A watcher that falls behind misses events.
type Watcher struct {
	C <-chan *pubsub.Event

	ch     chan *pubsub.Event
	feed   *Feed
	topic  *topic
	closed bool // guarded by feed.mu
}

// NewFeed creates a Feed reading from bus. buffer is the per-watcher backlog.
func NewFeed(bus pubsub.Subscriber, buffer int) *Feed {
	if buffer <= 0 {
		buffer = 32
	}
	return &Feed{
		bus:    bus,
		buffer: buffer,
		topics: make(map[string]*topic),
	}
}

// WatchRoom follows the lifecycle channel of one room.
func (f *Feed) WatchRoom(code string) (*Watcher, error) {
	return f.watch(pubsub.RoomLifecycleChannel(code), false)
}

// WatchAll follows every room.
func (f *Feed) WatchAll() (*Watcher, error) {
	return f.watch(pubsub.PatternRoomLifecycle, true)
}

func (f *Feed) watch(key string, pattern bool) (*Watcher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrFeedClosed
	}

	t, ok := f.topics[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())

		var (
			events <-chan *pubsub.Event
			err    error
		)
		if pattern {
			events, err = f.bus.SubscribePattern(ctx, key)
		} else {
			events, err = f.bus.Subscribe(ctx, key)
		}
		if err != nil {
			cancel()
			return nil, err
		}

		t = &topic{key: key, cancel: cancel, watchers: make(map[*Watcher]struct{})}
		f.topics[key] = t
		go f.pump(t, events)
	}

	ch := make(chan *pubsub.Event, f.buffer)
	w := &Watcher{C: ch, ch: ch, feed: f, topic: t}
	t.watchers[w] = struct{}{}
	return w, nil
}

// pump fans bus events out to the topic's watchers until the bus closes the
// subscription.
func (f *Feed) pump(t *topic, events <-chan *pubsub.Event) {
	for ev := range events {
		f.mu.Lock()
		for w := range t.watchers {
			select {
			case w.ch <- ev:
			default:
				l := pkglog.L()
				l.Debug().Str(pkglog.FieldEvent, ev.Type).Str(pkglog.FieldRoomCode, ev.RoomCode).Msg("lifecycle watcher behind, event skipped")
			}
		}
		f.mu.Unlock()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for w := range t.watchers {
		w.closeLocked()
	}
	t.watchers = nil
	if f.topics[t.key] == t {
		delete(f.topics, t.key)
		t.cancel()
	}
}

// Close stops the watcher and closes C. It is safe to call more than once.
func (w *Watcher) Close() {
	f := w.feed
	f.mu.Lock()
	defer f.mu.Unlock()

	if w.closed {
		return
	}
	delete(w.topic.watchers, w)
	w.closeLocked()

	if len(w.topic.watchers) == 0 && f.topics[w.topic.key] == w.topic {
		f.releaseLocked(w.topic)
	}
}

func (w *Watcher) closeLocked() {
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
}

// releaseLocked drops the bus subscription behind t. Unsubscribe runs under
// f.mu so a new watcher cannot subscribe the same key in between.
func (f *Feed) releaseLocked(t *topic) {
	delete(f.topics, t.key)
	t.cancel()
	if err := f.bus.Unsubscribe(context.Background(), t.key); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Str("channel", t.key).Msg("lifecycle feed: unsubscribe failed")
	}
}

// Close ends every watcher and releases all bus subscriptions.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for _, t := range f.topics {
		for w := range t.watchers {
			w.closeLocked()
		}
		t.watchers = nil
		f.releaseLocked(t)
	}
}
