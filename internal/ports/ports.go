package ports

import (
	"context"
	"time"

	"github.com/hanamilabs/telegram-bot-admin/internal/domain"
	"github.com/hanamilabs/telegram-bot-admin/internal/settings"
)

type ChatAdminKey struct {
	ChatID int64
	UserID int64
}

type AdminRepository interface {
	GetBotAdmin(ctx context.Context, userID int64) (domain.BotAdminRecord, bool, error)
	UpsertBotAdmin(ctx context.Context, record domain.BotAdminRecord) error
	RemoveBotAdmin(ctx context.Context, userID int64) (bool, error)
	ListBotAdmins(ctx context.Context) ([]domain.BotAdminRecord, error)

	GetChatAdmin(ctx context.Context, chatID int64, userID int64) (domain.ChatAdminRecord, bool, error)
	UpsertChatAdmin(ctx context.Context, record domain.ChatAdminRecord) error
	RemoveChatAdmin(ctx context.Context, chatID int64, userID int64) (bool, error)
	// RemoveChatAdminIfExpired deletes the grant only while it is still past
	// its deadline at now, so a concurrent re-promotion survives.
	RemoveChatAdminIfExpired(ctx context.Context, chatID int64, userID int64, now time.Time) (bool, error)
	ListChatAdmins(ctx context.Context, chatID int64) ([]domain.ChatAdminRecord, error)
	PurgeExpiredChatAdmins(ctx context.Context, now time.Time) ([]ChatAdminKey, error)
}

// AuditLog is write-only from the security layer's point of view.
type AuditLog interface {
	LogAction(ctx context.Context, entry domain.AuditEntry) error
}

type SettingsRepository interface {
	GetChatSettings(ctx context.Context, chatID int64) (settings.ChatSettings, bool, error)
	UpsertChatSettings(ctx context.Context, chatID int64, value settings.ChatSettings) error
}

type TelegramClient interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

// Now keeps the monotonic reading, so durations computed with Sub are immune
// to wall-clock adjustments.
func (SystemClock) Now() time.Time { return time.Now() }
