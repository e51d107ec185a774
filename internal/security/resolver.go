package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hanamilabs/telegram-bot-admin/internal/cache"
	"github.com/hanamilabs/telegram-bot-admin/internal/domain"
	"github.com/hanamilabs/telegram-bot-admin/internal/ports"
)

type botLookup struct {
	record domain.BotAdminRecord
	found  bool
}

type chatLookup struct {
	record domain.ChatAdminRecord
	found  bool
}

// Resolver answers "does this principal hold that capability" from the admin
// store through read-through caches. Absence is cached too, so every write
// path must go through the invalidation helpers below.
type Resolver struct {
	repo         ports.AdminRepository
	clock        ports.Clock
	logger       *slog.Logger
	registry     Registry
	policy       ChatPolicy
	storeTimeout time.Duration

	bots  *cache.Cache[int64, botLookup]
	chats *cache.Cache[ports.ChatAdminKey, chatLookup]

	expiring sync.Map
	cleanup  sync.WaitGroup
}

func NewResolver(
	repo ports.AdminRepository,
	clock ports.Clock,
	logger *slog.Logger,
	registry Registry,
	policy ChatPolicy,
	storeTimeout time.Duration,
) *Resolver {
	if storeTimeout <= 0 {
		storeTimeout = 3 * time.Second
	}
	return &Resolver{
		repo:         repo,
		clock:        clock,
		logger:       logger,
		registry:     registry,
		policy:       policy,
		storeTimeout: storeTimeout,
		bots:         cache.New[int64, botLookup](),
		chats:        cache.New[ports.ChatAdminKey, chatLookup](),
	}
}

func (r *Resolver) Registry() Registry {
	return r.registry
}

func (r *Resolver) Policy() ChatPolicy {
	return r.policy
}

// ResolveBotAdmin returns the bot-admin record of userID. A missing record is
// reported with found=false and a nil error.
func (r *Resolver) ResolveBotAdmin(ctx context.Context, userID int64) (domain.BotAdminRecord, bool, error) {
	res, err := r.bots.GetOrLoad(ctx, userID, func(ctx context.Context) (botLookup, error) {
		ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
		defer cancel()
		record, found, err := r.repo.GetBotAdmin(ctx, userID)
		if err != nil {
			return botLookup{}, err
		}
		return botLookup{record: record, found: found}, nil
	})
	if err != nil {
		return domain.BotAdminRecord{}, false, infraErr("resolve bot admin", err)
	}
	return res.record, res.found, nil
}

// ResolveChatAdmin returns the chat-admin record of userID in chatID. A record
// past its deadline is reported as missing and scheduled for removal.
func (r *Resolver) ResolveChatAdmin(ctx context.Context, userID int64, chatID int64) (domain.ChatAdminRecord, bool, error) {
	key := ports.ChatAdminKey{ChatID: chatID, UserID: userID}
	res, err := r.chats.GetOrLoad(ctx, key, func(ctx context.Context) (chatLookup, error) {
		ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
		defer cancel()
		record, found, err := r.repo.GetChatAdmin(ctx, chatID, userID)
		if err != nil {
			return chatLookup{}, err
		}
		return chatLookup{record: record, found: found}, nil
	})
	if err != nil {
		return domain.ChatAdminRecord{}, false, infraErr("resolve chat admin", err)
	}
	if !res.found {
		return domain.ChatAdminRecord{}, false, nil
	}
	if res.record.Expired(r.clock.Now()) {
		r.chats.Invalidate(key)
		r.expire(key)
		return domain.ChatAdminRecord{}, false, nil
	}
	return res.record, true, nil
}

// HasPermission grants when the bot-wide level meets the permission's
// requirement, or, for chat-scoped principals, when the chat-admin level's
// cumulative set carries the permission or the wildcard.
func (r *Resolver) HasPermission(ctx context.Context, principal domain.Principal, permission string) (bool, error) {
	bot, found, err := r.ResolveBotAdmin(ctx, principal.UserID)
	if err != nil {
		return false, err
	}
	if found {
		if required, ok := r.registry.RequiredLevel(permission); ok && bot.Level >= required {
			return true, nil
		}
	}

	if principal.ChatID == 0 {
		return false, nil
	}
	chat, found, err := r.ResolveChatAdmin(ctx, principal.UserID, principal.ChatID)
	if err != nil {
		return false, err
	}
	return found && r.policy.Allows(chat.Level, permission), nil
}

// InvalidateBotAdmin evicts the cached bot-admin lookup of userID.
func (r *Resolver) InvalidateBotAdmin(userID int64) {
	r.bots.Invalidate(userID)
}

// InvalidateChatAdmin evicts the cached chat-admin lookup of (chatID, userID).
func (r *Resolver) InvalidateChatAdmin(chatID int64, userID int64) {
	r.chats.Invalidate(ports.ChatAdminKey{ChatID: chatID, UserID: userID})
}

// Invalidate applies the scoped eviction rule: zero values mean "any".
func (r *Resolver) Invalidate(userID int64, chatID int64) {
	switch {
	case userID == 0 && chatID == 0:
		r.bots.InvalidateAll()
		r.chats.InvalidateAll()
	case chatID == 0:
		r.bots.Invalidate(userID)
		r.chats.InvalidateWhere(func(k ports.ChatAdminKey) bool { return k.UserID == userID })
	case userID == 0:
		r.chats.InvalidateWhere(func(k ports.ChatAdminKey) bool { return k.ChatID == chatID })
	default:
		r.bots.Invalidate(userID)
		r.chats.Invalidate(ports.ChatAdminKey{ChatID: chatID, UserID: userID})
	}
}

// CacheStats reports hit and miss counters of both caches.
func (r *Resolver) CacheStats() (bots cache.Stats, chats cache.Stats) {
	return r.bots.Stats(), r.chats.Stats()
}

// Wait blocks until every scheduled expiry removal has finished.
func (r *Resolver) Wait() {
	r.cleanup.Wait()
}

func (r *Resolver) expire(key ports.ChatAdminKey) {
	if _, busy := r.expiring.LoadOrStore(key, struct{}{}); busy {
		return
	}
	now := r.clock.Now()
	r.cleanup.Add(1)
	go func() {
		defer r.cleanup.Done()
		defer r.expiring.Delete(key)

		ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
		defer cancel()
		removed, err := r.repo.RemoveChatAdminIfExpired(ctx, key.ChatID, key.UserID, now)
		r.chats.Invalidate(key)
		if err != nil {
			r.logger.Error("remove expired chat admin failed", "error", infraErr("expire chat admin", err), "chat_id", key.ChatID, "user_id", key.UserID)
			return
		}
		if removed {
			r.logger.Info("expired chat admin removed", "reason", ErrExpiredGrant.Error(), "chat_id", key.ChatID, "user_id", key.UserID)
		}
	}()
}
