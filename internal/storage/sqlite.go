package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hanamilabs/telegram-bot-admin/internal/config"
	"github.com/hanamilabs/telegram-bot-admin/internal/domain"
	"github.com/hanamilabs/telegram-bot-admin/internal/ports"
	"github.com/hanamilabs/telegram-bot-admin/internal/settings"
)

// SQLiteStore persists admin grants, chat settings and the audit log.
// Timestamps are stored as unix nanoseconds so range comparisons happen in
// SQL.
type SQLiteStore struct {
	db *sql.DB
}

func Open(cfg config.Config) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bot_admins (
			user_id INTEGER PRIMARY KEY,
			level INTEGER NOT NULL,
			added_by INTEGER NOT NULL DEFAULT 0,
			added_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chat_admins (
			chat_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			level INTEGER NOT NULL,
			added_by INTEGER NOT NULL DEFAULT 0,
			added_at INTEGER NOT NULL,
			expires_at INTEGER,
			PRIMARY KEY (chat_id, user_id)
		);`,
		`CREATE INDEX IF NOT EXISTS chat_admins_user ON chat_admins (user_id);`,
		`CREATE INDEX IF NOT EXISTS chat_admins_expires ON chat_admins (expires_at) WHERE expires_at IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS chat_settings (
			chat_id INTEGER PRIMARY KEY,
			settings TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			action_type TEXT NOT NULL,
			data TEXT,
			chat_id INTEGER,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS audit_log_created ON audit_log (created_at);`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("run migration query: %w", err)
		}
	}

	return nil
}

// SeedFromConfig makes every configured admin a Main bot admin unless a
// record for them already exists.
func (s *SQLiteStore) SeedFromConfig(ctx context.Context, adminIDs []int64) (int, error) {
	seeded := 0
	now := time.Now().UnixNano()
	for _, userID := range adminIDs {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO bot_admins (user_id, level, added_by, added_at)
			VALUES (?, ?, 0, ?)
			ON CONFLICT(user_id) DO NOTHING;
		`, userID, int(domain.BotLevelMain), now)
		if err != nil {
			return seeded, fmt.Errorf("seed admin %d: %w", userID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			seeded++
		}
	}
	return seeded, nil
}

func (s *SQLiteStore) GetBotAdmin(ctx context.Context, userID int64) (domain.BotAdminRecord, bool, error) {
	var rec domain.BotAdminRecord
	var level int
	var addedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, level, added_by, added_at FROM bot_admins WHERE user_id = ?;
	`, userID).Scan(&rec.UserID, &level, &rec.AddedBy, &addedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BotAdminRecord{}, false, nil
	}
	if err != nil {
		return domain.BotAdminRecord{}, false, err
	}
	rec.Level = domain.BotLevel(level)
	rec.AddedAt = fromNanos(addedAt)
	return rec, true, nil
}

func (s *SQLiteStore) UpsertBotAdmin(ctx context.Context, record domain.BotAdminRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_admins (user_id, level, added_by, added_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			level = excluded.level,
			added_by = excluded.added_by,
			added_at = excluded.added_at;
	`, record.UserID, int(record.Level), record.AddedBy, record.AddedAt.UnixNano())
	return err
}

func (s *SQLiteStore) RemoveBotAdmin(ctx context.Context, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bot_admins WHERE user_id = ?;`, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ListBotAdmins(ctx context.Context) ([]domain.BotAdminRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, level, added_by, added_at FROM bot_admins ORDER BY level DESC, user_id;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.BotAdminRecord, 0)
	for rows.Next() {
		var rec domain.BotAdminRecord
		var level int
		var addedAt int64
		if err := rows.Scan(&rec.UserID, &level, &rec.AddedBy, &addedAt); err != nil {
			return nil, err
		}
		rec.Level = domain.BotLevel(level)
		rec.AddedAt = fromNanos(addedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetChatAdmin(ctx context.Context, chatID int64, userID int64) (domain.ChatAdminRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, user_id, level, added_by, added_at, expires_at
		FROM chat_admins WHERE chat_id = ? AND user_id = ?;
	`, chatID, userID)
	rec, err := scanChatAdmin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ChatAdminRecord{}, false, nil
	}
	if err != nil {
		return domain.ChatAdminRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) UpsertChatAdmin(ctx context.Context, record domain.ChatAdminRecord) error {
	var expiresAt sql.NullInt64
	if record.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: record.ExpiresAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_admins (chat_id, user_id, level, added_by, added_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET
			level = excluded.level,
			added_by = excluded.added_by,
			added_at = excluded.added_at,
			expires_at = excluded.expires_at;
	`, record.ChatID, record.UserID, int(record.Level), record.AddedBy, record.AddedAt.UnixNano(), expiresAt)
	return err
}

func (s *SQLiteStore) RemoveChatAdmin(ctx context.Context, chatID int64, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_admins WHERE chat_id = ? AND user_id = ?;`, chatID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) RemoveChatAdminIfExpired(ctx context.Context, chatID int64, userID int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM chat_admins
		WHERE chat_id = ? AND user_id = ? AND expires_at IS NOT NULL AND expires_at < ?;
	`, chatID, userID, now.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ListChatAdmins(ctx context.Context, chatID int64) ([]domain.ChatAdminRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, user_id, level, added_by, added_at, expires_at
		FROM chat_admins WHERE chat_id = ? ORDER BY level DESC, user_id;
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ChatAdminRecord, 0)
	for rows.Next() {
		rec, err := scanChatAdmin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeExpiredChatAdmins removes every grant past its deadline in one
// transaction and returns the removed keys.
func (s *SQLiteStore) PurgeExpiredChatAdmins(ctx context.Context, now time.Time) ([]ports.ChatAdminKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cutoff := now.UnixNano()
	rows, err := tx.QueryContext(ctx, `
		SELECT chat_id, user_id FROM chat_admins WHERE expires_at IS NOT NULL AND expires_at < ?;
	`, cutoff)
	if err != nil {
		return nil, err
	}
	keys := make([]ports.ChatAdminKey, 0)
	for rows.Next() {
		var key ports.ChatAdminKey
		if err := rows.Scan(&key.ChatID, &key.UserID); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_admins WHERE expires_at IS NOT NULL AND expires_at < ?;`, cutoff); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *SQLiteStore) GetChatSettings(ctx context.Context, chatID int64) (settings.ChatSettings, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT settings FROM chat_settings WHERE chat_id = ?;`, chatID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.ChatSettings{}, false, nil
	}
	if err != nil {
		return settings.ChatSettings{}, false, err
	}
	var out settings.ChatSettings
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return settings.ChatSettings{}, false, fmt.Errorf("decode settings of chat %d: %w", chatID, err)
	}
	return out, true, nil
}

func (s *SQLiteStore) UpsertChatSettings(ctx context.Context, chatID int64, value settings.ChatSettings) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_settings (chat_id, settings, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			settings = excluded.settings,
			updated_at = excluded.updated_at;
	`, chatID, string(raw), time.Now().UnixNano())
	return err
}

func (s *SQLiteStore) LogAction(ctx context.Context, entry domain.AuditEntry) error {
	var data sql.NullString
	if len(entry.Data) > 0 {
		raw, err := json.Marshal(entry.Data)
		if err != nil {
			return fmt.Errorf("encode audit data: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}
	var chatID sql.NullInt64
	if entry.ChatID != 0 {
		chatID = sql.NullInt64{Int64: entry.ChatID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, user_id, action_type, data, chat_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, entry.ID, entry.UserID, entry.ActionType, data, chatID, entry.CreatedAt.UnixNano())
	return err
}

// RecentActions returns up to limit audit entries, newest first.
func (s *SQLiteStore) RecentActions(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, action_type, data, chat_id, created_at
		FROM audit_log ORDER BY created_at DESC, rowid DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var entry domain.AuditEntry
		var data sql.NullString
		var chatID sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.ActionType, &data, &chatID, &createdAt); err != nil {
			return nil, err
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &entry.Data); err != nil {
				return nil, fmt.Errorf("decode audit data %s: %w", entry.ID, err)
			}
		}
		entry.ChatID = chatID.Int64
		entry.CreatedAt = fromNanos(createdAt)
		out = append(out, entry)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChatAdmin(row rowScanner) (domain.ChatAdminRecord, error) {
	var rec domain.ChatAdminRecord
	var level int
	var addedAt int64
	var expiresAt sql.NullInt64
	if err := row.Scan(&rec.ChatID, &rec.UserID, &level, &rec.AddedBy, &addedAt, &expiresAt); err != nil {
		return domain.ChatAdminRecord{}, err
	}
	rec.Level = domain.ChatLevel(level)
	rec.AddedAt = fromNanos(addedAt)
	if expiresAt.Valid {
		t := fromNanos(expiresAt.Int64)
		rec.ExpiresAt = &t
	}
	return rec, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
