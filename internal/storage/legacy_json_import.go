package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hanamilabs/telegram-bot-admin/internal/domain"
)

type LegacyImportStats struct {
	BotAdmins  int `json:"botAdmins"`
	ChatAdmins int `json:"chatAdmins"`
	Skipped    int `json:"skipped"`
}

// ImportLegacyJSON loads admins.json and chat-admins.json from dataDir.
// Missing files are not an error. Rows with an invalid id or level, and chat
// grants already past their deadline, are skipped.
func (s *SQLiteStore) ImportLegacyJSON(ctx context.Context, dataDir string, now time.Time) (LegacyImportStats, error) {
	stats := LegacyImportStats{}
	base := strings.TrimSpace(dataDir)
	if base == "" {
		return stats, nil
	}

	var botRows []legacyBotAdminRow
	if err := readLegacyJSON(filepath.Join(base, "admins.json"), &botRows); err != nil {
		return stats, err
	}
	for _, row := range botRows {
		record, ok := row.record(now)
		if !ok {
			stats.Skipped++
			continue
		}
		if err := s.UpsertBotAdmin(ctx, record); err != nil {
			return stats, fmt.Errorf("import bot admin %d: %w", row.TelegramUserID, err)
		}
		stats.BotAdmins++
	}

	var chatRows []legacyChatAdminRow
	if err := readLegacyJSON(filepath.Join(base, "chat-admins.json"), &chatRows); err != nil {
		return stats, err
	}
	for _, row := range chatRows {
		record, ok := row.record(now)
		if !ok {
			stats.Skipped++
			continue
		}
		if err := s.UpsertChatAdmin(ctx, record); err != nil {
			return stats, fmt.Errorf("import chat admin %d/%d: %w", row.TelegramChatID, row.TelegramUserID, err)
		}
		stats.ChatAdmins++
	}

	return stats, nil
}

type legacyBotAdminRow struct {
	TelegramUserID int64 `json:"telegramUserId"`
	// Level defaults to main: the old format had a single admin tier.
	Level   int   `json:"level"`
	AddedBy int64 `json:"addedBy"`
}

func (r legacyBotAdminRow) record(now time.Time) (domain.BotAdminRecord, bool) {
	if r.TelegramUserID <= 0 {
		return domain.BotAdminRecord{}, false
	}
	level := domain.BotLevel(r.Level)
	if r.Level == 0 {
		level = domain.BotLevelMain
	}
	if !level.Valid() {
		return domain.BotAdminRecord{}, false
	}
	return domain.BotAdminRecord{UserID: r.TelegramUserID, Level: level, AddedBy: r.AddedBy, AddedAt: now}, true
}

type legacyChatAdminRow struct {
	TelegramChatID int64      `json:"telegramChatId"`
	TelegramUserID int64      `json:"telegramUserId"`
	Level          int        `json:"level"`
	AddedBy        int64      `json:"addedBy"`
	ExpiresAt      *time.Time `json:"expiresAt"`
}

func (r legacyChatAdminRow) record(now time.Time) (domain.ChatAdminRecord, bool) {
	level := domain.ChatLevel(r.Level)
	if r.TelegramChatID == 0 || r.TelegramUserID <= 0 || !level.Valid() {
		return domain.ChatAdminRecord{}, false
	}
	record := domain.ChatAdminRecord{
		ChatID:    r.TelegramChatID,
		UserID:    r.TelegramUserID,
		Level:     level,
		AddedBy:   r.AddedBy,
		AddedAt:   now,
		ExpiresAt: r.ExpiresAt,
	}
	if record.Expired(now) {
		return domain.ChatAdminRecord{}, false
	}
	return record, true
}

func readLegacyJSON(path string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(trimmed), out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
