package lifecycle

import (
	"context"
	"time"

	pkglog "github.com/Gaurav153fr/yt-remote/pkg/log"
	"github.com/Gaurav153fr/yt-remote/pkg/pubsub"
	"github.com/prometheus/client_golang/prometheus"
)

// Emitter accepts room lifecycle events without blocking the caller.
type Emitter interface {
	Emit(eventType, roomCode string, payload interface{})
}

// Nop discards every event. Used when lifecycle publishing is disabled.
type Nop struct{}

func (Nop) Emit(string, string, interface{}) {}

// Publisher buffers lifecycle events and publishes them on the event bus
// from its own goroutine, so the hub loop never waits on Redis or Kafka.
type Publisher struct {
	bus     pubsub.Publisher
	events  chan *pubsub.Event
	dropped prometheus.Counter
}

// NewPublisher creates a Publisher with room for buffer pending events.
// dropped may be nil.
func NewPublisher(bus pubsub.Publisher, buffer int, dropped prometheus.Counter) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{
		bus:     bus,
		events:  make(chan *pubsub.Event, buffer),
		dropped: dropped,
	}
}

// Emit queues an event. A full buffer drops it.
func (p *Publisher) Emit(eventType, roomCode string, payload interface{}) {
	l := pkglog.L()

	event, err := pubsub.NewEvent(eventType, roomCode, payload)
	if err != nil {
		l.Error().Err(err).Str(pkglog.FieldEvent, eventType).Msg("failed to encode lifecycle event")
		return
	}

	select {
	case p.events <- event:
	default:
		if p.dropped != nil {
			p.dropped.Inc()
		}
		l.Warn().Str(pkglog.FieldEvent, eventType).Str(pkglog.FieldRoomCode, roomCode).Msg("lifecycle buffer full, event dropped")
	}
}

// Run publishes queued events until ctx is done, then flushes what is left.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case event := <-p.events:
			p.publish(ctx, event)
		case <-ctx.Done():
			p.flush()
			return nil
		}
	}
}

func (p *Publisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case event := <-p.events:
			p.publish(ctx, event)
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, event *pubsub.Event) {
	channel := pubsub.RoomLifecycleChannel(event.RoomCode)
	if err := p.bus.Publish(ctx, channel, event); err != nil {
		l := pkglog.L()
		l.Error().Err(err).Str(pkglog.FieldEvent, event.Type).Str(pkglog.FieldRoomCode, event.RoomCode).Msg("failed to publish lifecycle event")
	}
}
