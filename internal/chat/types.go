package chat

import (
	"context"

	"github.com/andy6609/roomchat-server/internal/store"
)

const (
	commandPrefix = "#"

	maxChatLength = 512
	maxNameLength = 32

	historyDefault = 10
	historyMax     = 50
	searchMax      = 20
)

// Transport is what the dispatcher needs from the connection engine.
type Transport interface {
	Send(id int64, payload []byte) bool
	Broadcast(payload []byte, excludeID int64) int
	Disconnect(id int64) bool
}

// ModerationStore keeps bans and the admin audit trail across restarts.
type ModerationStore interface {
	AddBan(ctx context.Context, host, reason, bannedBy string) error
	RemoveBan(ctx context.Context, host string) (bool, error)
	Bans(ctx context.Context) ([]store.Ban, error)
	AppendAudit(ctx context.Context, actor, action, target, detail string) error
}

// Error codes carried on "ERR <code>: <text>" lines.
var (
	ErrUnknownCommand   = errorString("unknown_command")
	ErrUsage            = errorString("usage")
	ErrUserNotFound     = errorString("user_not_found")
	ErrCannotTargetSelf = errorString("cannot_target_self")
	ErrNotAdmin         = errorString("not_admin")
	ErrMuted            = errorString("muted")
	ErrRateLimited      = errorString("rate_limited")
	ErrRoomNotFound     = errorString("room_not_found")
	ErrRoomExists       = errorString("room_exists")
	ErrWrongPassword    = errorString("wrong_password")
	ErrNotOwner         = errorString("not_owner")
	ErrPermanentRoom    = errorString("permanent_room")
	ErrNotMuted         = errorString("not_muted")
	ErrNotBanned        = errorString("not_banned")
	ErrBanned           = errorString("banned")
	ErrServerFull       = errorString("server_full")
	ErrConnRateLimited  = errorString("too_many_connections")
)

type errorString string

func (e errorString) Error() string { return string(e) }

func systemLine(text string) string {
	return "SYSTEM: " + text
}

func errLine(code errorString, text string) string {
	return "ERR " + string(code) + ": " + text
}

// rejection is an admission refusal whose text is the line sent to the peer.
type rejection string

func (r rejection) Error() string { return string(r) }
