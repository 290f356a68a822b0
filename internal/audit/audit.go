package audit

import (
	"context"

	"github.com/Gaurav153fr/yt-remote/pkg/log"
)

// Audit actions for the relay.
const (
	ActionCreateRoom = "relay.create_room"
	ActionJoinRoom   = "relay.join_room"
	ActionLeaveRoom  = "relay.leave_room"
	ActionDisconnect = "relay.disconnect"
)

// Field constants for audit entries.
const (
	FieldAction = "action"
	FieldDetail = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action, connID, roomCode, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldConnID, connID).
		Str(log.FieldRoomCode, roomCode).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action, connID, roomCode, detail, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldConnID, connID).
		Str(log.FieldRoomCode, roomCode).
		Str(FieldDetail, detail).
		Msg(msg)
}
