package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gaurav153fr/yt-remote/internal/audit"
	"github.com/Gaurav153fr/yt-remote/internal/config"
	"github.com/Gaurav153fr/yt-remote/internal/domain"
	"github.com/Gaurav153fr/yt-remote/internal/hub"
	"github.com/Gaurav153fr/yt-remote/internal/lifecycle"
	"github.com/Gaurav153fr/yt-remote/internal/metrics"
	"github.com/Gaurav153fr/yt-remote/internal/registry"
	"github.com/Gaurav153fr/yt-remote/internal/relay"
	pkglog "github.com/Gaurav153fr/yt-remote/pkg/log"
	"github.com/Gaurav153fr/yt-remote/pkg/pubsub"
)

const (
	noticeJoined = "A new user joined room %s"
	noticeLeft   = "A user left the room"
)

type relayService struct {
	hub      *hub.Hub
	registry *registry.Registry
	relay    *relay.Relay
	cache    *relay.StateCache
	emitter  lifecycle.Emitter
	metrics  *metrics.Metrics
	cfg      config.RelayConfig
}

// NewRelayService creates a RelayService and hooks it into the registry's
// eviction and the hub's slow-consumer drops. Call it before the hub runs.
func NewRelayService(
	h *hub.Hub,
	reg *registry.Registry,
	rl *relay.Relay,
	emitter lifecycle.Emitter,
	m *metrics.Metrics,
	cfg config.RelayConfig,
) RelayService {
	if emitter == nil {
		emitter = lifecycle.Nop{}
	}
	s := &relayService{
		hub:      h,
		registry: reg,
		relay:    rl,
		cache:    rl.Cache(),
		emitter:  emitter,
		metrics:  m,
		cfg:      cfg,
	}
	reg.OnEvict(s.onEvict)
	reg.OnCollision(s.onCollision)
	h.OnDeliveryDropped(s.onDeliveryDropped)
	return s
}

func (s *relayService) HandleConnect(ctx context.Context, connID string) error {
	s.metrics.ConnectionsActive.Inc()
	l := pkglog.Ctx(ctx)
	l.Info().Msg("client connected")
	return nil
}

func (s *relayService) HandleCreateRoom(ctx context.Context, connID string) error {
	return s.hub.Do(func() { s.createRoom(ctx, connID) })
}

func (s *relayService) HandleJoinRoom(ctx context.Context, connID, code string) error {
	return s.hub.Do(func() { s.joinRoom(ctx, connID, code) })
}

func (s *relayService) HandleLeaveRoom(ctx context.Context, connID, code string) error {
	return s.hub.Do(func() { s.leaveRoom(ctx, connID, code) })
}

func (s *relayService) HandleRelay(ctx context.Context, connID, event, code string, data json.RawMessage) error {
	if _, ok := relay.PolicyFor(event); !ok {
		return fmt.Errorf("%w: %q", relay.ErrUnknownEvent, event)
	}
	return s.hub.Do(func() { s.forward(ctx, connID, event, code, data) })
}

func (s *relayService) HandleMessage(ctx context.Context, connID string, data json.RawMessage) error {
	return s.hub.Do(func() { s.message(ctx, connID, data) })
}

func (s *relayService) HandleDisconnect(ctx context.Context, connID string) error {
	s.metrics.ConnectionsActive.Dec()
	return s.hub.Do(func() { s.disconnect(ctx, connID) })
}

func (s *relayService) RoomInfo(ctx context.Context, code string) (*RoomInfo, error) {
	var info *RoomInfo
	err := s.hub.Call(ctx, func() {
		snap, ok := s.registry.Room(code)
		if !ok {
			return
		}
		info = &RoomInfo{
			Code:            snap.Code,
			MemberCount:     snap.MemberCount(),
			HasBroadcaster:  snap.Broadcaster != "",
			EvictionPending: snap.EvictionPending,
			CreatedAt:       snap.CreatedAt,
			State:           s.cache.Get(snap.Code),
		}
	})
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, registry.ErrRoomNotFound
	}
	return info, nil
}

func (s *relayService) LastState(ctx context.Context, code string) (map[string]json.RawMessage, error) {
	var (
		state  map[string]json.RawMessage
		exists bool
	)
	err := s.hub.Call(ctx, func() {
		code = registry.NormalizeCode(code)
		exists = s.registry.Exists(code)
		if exists {
			state = s.cache.Get(code)
		}
	})
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, registry.ErrRoomNotFound
	}
	return state, nil
}

func (s *relayService) Stats(ctx context.Context) (*Stats, error) {
	var rooms int
	if err := s.hub.Call(ctx, func() { rooms = s.registry.Len() }); err != nil {
		return nil, err
	}
	return &Stats{Rooms: rooms, Connections: s.hub.ClientCount()}, nil
}

// The methods below run on the hub loop.

func (s *relayService) createRoom(ctx context.Context, connID string) {
	l := pkglog.Ctx(ctx)

	code, err := s.registry.CreateRoom()
	if err != nil {
		l.Error().Err(err).Msg("failed to create room")
		s.sendError(connID, domain.ErrCodeInternalError, "Could not create a room, try again")
		return
	}
	s.metrics.RoomsCreated.Inc()
	s.updateRoomGauge()

	m, err := s.registry.Join(connID, code)
	if err != nil {
		l.Error().Err(err).Str(pkglog.FieldRoomCode, code).Msg("creator could not join new room")
		s.sendError(connID, domain.ErrCodeInternalError, "Could not create a room, try again")
		return
	}
	if _, err := s.registry.ClaimBroadcaster(connID, code); err != nil {
		l.Error().Err(err).Str(pkglog.FieldRoomCode, code).Msg("creator could not claim broadcaster role")
	}

	s.hub.SendTo(connID, &domain.RoomCreatedMessage{
		Type:     domain.MsgTypeRoomCreated,
		RoomCode: code,
	})
	s.sendRoomUpdate(m, fmt.Sprintf(noticeJoined, code))

	s.emitter.Emit(pubsub.EventRoomCreated, code, &pubsub.RoomCreatedPayload{
		RoomCode:  code,
		CreatorID: connID,
	})
	l.Info().Str(pkglog.FieldRoomCode, code).Msg("room created")
	audit.Log(ctx, audit.ActionCreateRoom, connID, code, "room created")
}

func (s *relayService) joinRoom(ctx context.Context, connID, code string) {
	l := pkglog.Ctx(ctx)
	code = registry.NormalizeCode(code)

	m, err := s.registry.Join(connID, code)
	switch {
	case errors.Is(err, registry.ErrRoomNotFound):
		s.sendError(connID, domain.ErrCodeRoomNotFound, domain.TextRoomNotFound)
		return
	case errors.Is(err, registry.ErrAlreadyMember):
		s.sendError(connID, domain.ErrCodeAlreadyMember, domain.TextAlreadyMember)
		return
	case err != nil:
		l.Error().Err(err).Str(pkglog.FieldRoomCode, code).Msg("join failed")
		s.sendError(connID, domain.ErrCodeInternalError, "Could not join the room")
		return
	}

	s.sendRoomUpdate(m, fmt.Sprintf(noticeJoined, m.Code))

	joined := &domain.JoinedRoomMessage{
		Type:        domain.MsgTypeJoinedRoom,
		RoomCode:    m.Code,
		MemberCount: m.MemberCount(),
	}
	if s.cfg.CatchUpOnJoin {
		joined.State = s.cache.Get(m.Code)
	}
	s.hub.SendTo(connID, joined)

	s.emitter.Emit(pubsub.EventMemberJoined, m.Code, &pubsub.MembershipPayload{
		RoomCode:    m.Code,
		ConnID:      connID,
		MemberCount: m.MemberCount(),
	})
	l.Info().Str(pkglog.FieldRoomCode, m.Code).Int(pkglog.FieldMemberCount, m.MemberCount()).Msg("joined room")
	audit.Log(ctx, audit.ActionJoinRoom, connID, m.Code, "joined room")
}

func (s *relayService) leaveRoom(ctx context.Context, connID, code string) {
	code = registry.NormalizeCode(code)

	m, err := s.registry.Leave(connID, code)
	switch {
	case errors.Is(err, registry.ErrRoomNotFound):
		s.sendError(connID, domain.ErrCodeRoomNotFound, domain.TextRoomNotFound)
		return
	case errors.Is(err, registry.ErrNotMember):
		s.sendError(connID, domain.ErrCodeNotMember, domain.TextNotMember)
		return
	case err != nil:
		l := pkglog.Ctx(ctx)
		l.Error().Err(err).Str(pkglog.FieldRoomCode, code).Msg("leave failed")
		return
	}

	s.hub.SendTo(connID, &domain.LeftRoomMessage{
		Type:     domain.MsgTypeLeftRoom,
		RoomCode: m.Code,
	})
	s.afterLeave(ctx, m, "explicit")
	audit.Log(ctx, audit.ActionLeaveRoom, connID, m.Code, "left room")
}

func (s *relayService) forward(ctx context.Context, connID, event, code string, data json.RawMessage) {
	l := pkglog.Ctx(ctx)
	code = registry.NormalizeCode(code)

	// Unknown rooms and rooms the sender never joined are fire-and-forget no-ops.
	if !s.registry.IsMember(connID, code) {
		l.Debug().Str(pkglog.FieldEvent, event).Str(pkglog.FieldRoomCode, code).Msg("relay from non-member dropped")
		return
	}

	if p, _ := relay.PolicyFor(event); p.StateBearing {
		changed, err := s.registry.ClaimBroadcaster(connID, code)
		if errors.Is(err, registry.ErrNotBroadcaster) {
			s.sendError(connID, domain.ErrCodeNotBroadcaster, domain.TextNotBroadcaster)
			return
		}
		if err != nil {
			l.Error().Err(err).Str(pkglog.FieldRoomCode, code).Msg("broadcaster check failed")
			return
		}
		if changed {
			s.emitter.Emit(pubsub.EventBroadcasterChanged, code, &pubsub.BroadcasterChangedPayload{
				RoomCode:      code,
				BroadcasterID: connID,
			})
			l.Info().Str(pkglog.FieldRoomCode, code).Msg("broadcaster role claimed")
		}
	}

	n, err := s.relay.Forward(connID, code, event, data)
	if err != nil {
		l.Error().Err(err).Str(pkglog.FieldEvent, event).Str(pkglog.FieldRoomCode, code).Msg("relay failed")
		return
	}
	s.metrics.EventsRelayed.WithLabelValues(event).Inc()
	l.Debug().Str(pkglog.FieldEvent, event).Str(pkglog.FieldRoomCode, code).Int("deliveries", n).Msg("event relayed")
}

func (s *relayService) message(ctx context.Context, connID string, data json.RawMessage) {
	l := pkglog.Ctx(ctx)

	n, err := s.relay.ForwardToAll(connID, domain.MsgTypeMessage, data)
	if err != nil {
		l.Error().Err(err).Str(pkglog.FieldEvent, domain.MsgTypeMessage).Msg("relay failed")
		return
	}
	s.metrics.EventsRelayed.WithLabelValues(domain.MsgTypeMessage).Inc()
	l.Debug().Str(pkglog.FieldEvent, domain.MsgTypeMessage).Int("deliveries", n).Msg("message relayed")
}

func (s *relayService) disconnect(ctx context.Context, connID string) {
	ms := s.registry.Disconnect(connID)

	codes := make([]string, 0, len(ms))
	for _, m := range ms {
		s.afterLeave(ctx, m, "disconnect")
		codes = append(codes, m.Code)
	}

	l := pkglog.Ctx(ctx)
	l.Info().Int("rooms", len(ms)).Msg("client disconnected")
	if len(ms) > 0 {
		audit.LogWithDetail(ctx, audit.ActionDisconnect, connID, "", strings.Join(codes, ","), "left all rooms on disconnect")
	}
}

func (s *relayService) afterLeave(ctx context.Context, m registry.Membership, reason string) {
	if m.MemberCount() > 0 {
		s.sendRoomUpdate(m, noticeLeft)
	}

	s.emitter.Emit(pubsub.EventMemberLeft, m.Code, &pubsub.MembershipPayload{
		RoomCode:    m.Code,
		ConnID:      m.ConnID,
		MemberCount: m.MemberCount(),
		Reason:      reason,
	})
	if m.BroadcasterVacated {
		s.emitter.Emit(pubsub.EventBroadcasterChanged, m.Code, &pubsub.BroadcasterChangedPayload{
			RoomCode: m.Code,
		})
	}

	l := pkglog.Ctx(ctx)
	evt := l.Info().Str(pkglog.FieldRoomCode, m.Code).Int(pkglog.FieldMemberCount, m.MemberCount()).Str("reason", reason)
	if m.EvictionScheduled {
		evt = evt.Bool("eviction_scheduled", true)
	}
	evt.Msg("left room")
}

func (s *relayService) onEvict(snap registry.Snapshot, emptyFor time.Duration) {
	s.cache.Drop(snap.Code)
	s.metrics.RoomsEvicted.Inc()
	s.updateRoomGauge()

	s.emitter.Emit(pubsub.EventRoomEvicted, snap.Code, &pubsub.RoomEvictedPayload{
		RoomCode: snap.Code,
		EmptyFor: emptyFor.Round(time.Millisecond).String(),
	})

	l := pkglog.L()
	l.Info().Str(pkglog.FieldRoomCode, snap.Code).Dur("empty_for", emptyFor).Msg("room evicted after grace period")
}

func (s *relayService) onCollision(code string) {
	s.metrics.CodeCollisions.Inc()
	l := pkglog.L()
	l.Warn().Str(pkglog.FieldRoomCode, code).Msg("room code collision, re-rolling")
}

func (s *relayService) onDeliveryDropped(connID string) {
	s.metrics.DeliveriesDropped.Inc()
}

func (s *relayService) sendRoomUpdate(m registry.Membership, notice string) {
	msg := &domain.RoomUpdateMessage{
		Type:        domain.MsgTypeRoomUpdate,
		RoomCode:    m.Code,
		MemberCount: m.MemberCount(),
		Message:     notice,
	}
	if err := s.relay.Send(m.Members, msg); err != nil {
		l := pkglog.L()
		l.Error().Err(err).Str(pkglog.FieldRoomCode, m.Code).Msg("failed to send room update")
	}
}

func (s *relayService) sendError(connID, code, text string) {
	s.hub.SendTo(connID, domain.NewErrorMessage(code, text))
}

func (s *relayService) updateRoomGauge() {
	s.metrics.RoomsActive.Set(float64(s.registry.Len()))
}
