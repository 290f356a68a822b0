package pubsub

import (
	"context"
	"errors"
	"path"
	"sync"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("pubsub: closed")

type memorySubscription struct {
	key     string
	pattern bool
	ch      chan *Event
	cancel  context.CancelFunc
}

// MemoryPubSub is an in-process PubSub. It serves single-instance
// deployments and tests; patterns use glob syntax like Redis PSUBSCRIBE.
type MemoryPubSub struct {
	mu     sync.RWMutex
	subs   map[string]*memorySubscription
	closed bool
}

// NewMemoryPubSub creates an empty in-process bus.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]*memorySubscription)}
}

// Publish delivers the event to every matching subscriber without blocking.
// Subscribers whose buffer is full miss the event.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	for _, sub := range m.subs {
		if !sub.matches(channel) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe subscribes to a specific channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return m.subscribe(ctx, channel, false)
}

// SubscribePattern subscribes to channels matching a glob pattern.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	return m.subscribe(ctx, pattern, true)
}

func (m *MemoryPubSub) subscribe(ctx context.Context, key string, pattern bool) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if existing, ok := m.subs[key]; ok {
		existing.cancel()
		close(existing.ch)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		key:     key,
		pattern: pattern,
		ch:      make(chan *Event, 100),
		cancel:  cancel,
	}
	m.subs[key] = sub

	go func() {
		<-subCtx.Done()
		m.drop(sub)
	}()

	return sub.ch, nil
}

// Unsubscribe unsubscribes from a channel or pattern.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.RLock()
	sub, ok := m.subs[channel]
	m.mu.RUnlock()

	if ok {
		sub.cancel()
		m.drop(sub)
	}
	return nil
}

// Close closes every subscription.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for key, sub := range m.subs {
		sub.cancel()
		close(sub.ch)
		delete(m.subs, key)
	}
	return nil
}

// drop removes sub if it is still the registered subscription for its key.
func (m *MemoryPubSub) drop(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.subs[sub.key]; ok && current == sub {
		delete(m.subs, sub.key)
		close(sub.ch)
	}
}

func (s *memorySubscription) matches(channel string) bool {
	if !s.pattern {
		return s.key == channel
	}
	ok, _ := path.Match(s.key, channel)
	return ok
}
