package domain

import (
	"fmt"
	"time"
)

// BotLevel is the bot-wide admin scale.
type BotLevel int

const (
	BotLevelNone   BotLevel = 0
	BotLevelJunior BotLevel = 1
	BotLevelSenior BotLevel = 2
	BotLevelMain   BotLevel = 3
)

func (l BotLevel) Valid() bool {
	return l >= BotLevelJunior && l <= BotLevelMain
}

func (l BotLevel) String() string {
	switch l {
	case BotLevelJunior:
		return "junior"
	case BotLevelSenior:
		return "senior"
	case BotLevelMain:
		return "main"
	case BotLevelNone:
		return "none"
	default:
		return fmt.Sprintf("bot-level(%d)", int(l))
	}
}

// ChatLevel is the chat-scoped admin scale.
type ChatLevel int

const (
	ChatLevelNone      ChatLevel = 0
	ChatLevelObserver  ChatLevel = 1
	ChatLevelHelper    ChatLevel = 2
	ChatLevelModerator ChatLevel = 3
	ChatLevelAdmin     ChatLevel = 4
	ChatLevelOwner     ChatLevel = 5
)

func (l ChatLevel) Valid() bool {
	return l >= ChatLevelObserver && l <= ChatLevelOwner
}

func (l ChatLevel) String() string {
	switch l {
	case ChatLevelObserver:
		return "observer"
	case ChatLevelHelper:
		return "helper"
	case ChatLevelModerator:
		return "moderator"
	case ChatLevelAdmin:
		return "admin"
	case ChatLevelOwner:
		return "owner"
	case ChatLevelNone:
		return "none"
	default:
		return fmt.Sprintf("chat-level(%d)", int(l))
	}
}

type BotAdminRecord struct {
	UserID  int64
	Level   BotLevel
	AddedBy int64
	AddedAt time.Time
}

type ChatAdminRecord struct {
	ChatID    int64
	UserID    int64
	Level     ChatLevel
	AddedBy   int64
	AddedAt   time.Time
	ExpiresAt *time.Time
}

// Expired reports whether the grant is past its deadline at now. Grants
// without a deadline never expire.
func (r ChatAdminRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

type AuditEntry struct {
	ID         string
	UserID     int64
	ActionType string
	Data       map[string]any
	ChatID     int64
	CreatedAt  time.Time
}

// Principal is the acting identity of an inbound event. ChatID is zero when
// the event carries no chat scope.
type Principal struct {
	UserID int64
	ChatID int64
}

// Audit action types.
const (
	ActionPromoteBotAdmin  = "admin.bot.promote"
	ActionDemoteBotAdmin   = "admin.bot.demote"
	ActionPromoteChatAdmin = "admin.chat.promote"
	ActionDemoteChatAdmin  = "admin.chat.demote"
	ActionExpireChatAdmin  = "admin.chat.expire"
	ActionPurgeExpired     = "maintenance.purge_expired"
	ActionSessionCreate    = "session.create"
	ActionSettingsUpdate   = "settings.update"
	ActionCacheInvalidate  = "cache.invalidate"
)
