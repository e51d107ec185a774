package security

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hanamilabs/telegram-bot-admin/internal/domain"
	"github.com/hanamilabs/telegram-bot-admin/internal/ports"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errStoreDown = errors.New("store unavailable")

// memRepo is an in-memory AdminRepository that counts reads and can be told
// to fail.
type memRepo struct {
	mu       sync.Mutex
	bots     map[int64]domain.BotAdminRecord
	chats    map[ports.ChatAdminKey]domain.ChatAdminRecord
	audit    []domain.AuditEntry
	failing  atomic.Bool
	botReads atomic.Int64
	chatRead atomic.Int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		bots:  map[int64]domain.BotAdminRecord{},
		chats: map[ports.ChatAdminKey]domain.ChatAdminRecord{},
	}
}

func (r *memRepo) GetBotAdmin(_ context.Context, userID int64) (domain.BotAdminRecord, bool, error) {
	r.botReads.Add(1)
	if r.failing.Load() {
		return domain.BotAdminRecord{}, false, errStoreDown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.bots[userID]
	return rec, ok, nil
}

func (r *memRepo) UpsertBotAdmin(_ context.Context, record domain.BotAdminRecord) error {
	if r.failing.Load() {
		return errStoreDown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[record.UserID] = record
	return nil
}

func (r *memRepo) RemoveBotAdmin(_ context.Context, userID int64) (bool, error) {
	if r.failing.Load() {
		return false, errStoreDown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bots[userID]
	delete(r.bots, userID)
	return ok, nil
}

func (r *memRepo) ListBotAdmins(context.Context) ([]domain.BotAdminRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.BotAdminRecord, 0, len(r.bots))
	for _, rec := range r.bots {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *memRepo) GetChatAdmin(_ context.Context, chatID int64, userID int64) (domain.ChatAdminRecord, bool, error) {
	r.chatRead.Add(1)
	if r.failing.Load() {
		return domain.ChatAdminRecord{}, false, errStoreDown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.chats[ports.ChatAdminKey{ChatID: chatID, UserID: userID}]
	return rec, ok, nil
}

func (r *memRepo) UpsertChatAdmin(_ context.Context, record domain.ChatAdminRecord) error {
	if r.failing.Load() {
		return errStoreDown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats[ports.ChatAdminKey{ChatID: record.ChatID, UserID: record.UserID}] = record
	return nil
}

func (r *memRepo) RemoveChatAdmin(_ context.Context, chatID int64, userID int64) (bool, error) {
	if r.failing.Load() {
		return false, errStoreDown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ports.ChatAdminKey{ChatID: chatID, UserID: userID}
	_, ok := r.chats[key]
	delete(r.chats, key)
	return ok, nil
}

func (r *memRepo) RemoveChatAdminIfExpired(_ context.Context, chatID int64, userID int64, now time.Time) (bool, error) {
	if r.failing.Load() {
		return false, errStoreDown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ports.ChatAdminKey{ChatID: chatID, UserID: userID}
	rec, ok := r.chats[key]
	if !ok || !rec.Expired(now) {
		return false, nil
	}
	delete(r.chats, key)
	return true, nil
}

func (r *memRepo) ListChatAdmins(_ context.Context, chatID int64) ([]domain.ChatAdminRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ChatAdminRecord
	for key, rec := range r.chats {
		if key.ChatID == chatID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *memRepo) PurgeExpiredChatAdmins(_ context.Context, now time.Time) ([]ports.ChatAdminKey, error) {
	if r.failing.Load() {
		return nil, errStoreDown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ports.ChatAdminKey
	for key, rec := range r.chats {
		if rec.Expired(now) {
			delete(r.chats, key)
			out = append(out, key)
		}
	}
	return out, nil
}

func (r *memRepo) LogAction(_ context.Context, entry domain.AuditEntry) error {
	if r.failing.Load() {
		return errStoreDown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, entry)
	return nil
}

func (r *memRepo) auditEntries() []domain.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AuditEntry(nil), r.audit...)
}

func (r *memRepo) hasChatAdmin(chatID, userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.chats[ports.ChatAdminKey{ChatID: chatID, UserID: userID}]
	return ok
}

func chatKey(chatID, userID int64) ports.ChatAdminKey {
	return ports.ChatAdminKey{ChatID: chatID, UserID: userID}
}
