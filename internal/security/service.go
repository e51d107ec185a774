package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hanamilabs/telegram-bot-admin/internal/domain"
	"github.com/hanamilabs/telegram-bot-admin/internal/ports"
)

// Metrics observes access decisions. observability.Metrics implements it.
type Metrics interface {
	PermissionChecked(permission string, granted bool, err error)
	ThrottleDecision(action string, allowed bool)
	SessionValidated(ok bool)
}

type nopMetrics struct{}

func (nopMetrics) PermissionChecked(string, bool, error) {}
func (nopMetrics) ThrottleDecision(string, bool) {}
func (nopMetrics) SessionValidated(bool) {}

type ServiceDeps struct {
	Repo         ports.AdminRepository
	Audit        ports.AuditLog
	Sessions     SessionStore
	Clock        ports.Clock
	Logger       *slog.Logger
	Metrics      Metrics
	Registry     Registry
	Policy       ChatPolicy
	Limits       map[Tier]Limits
	StoreTimeout time.Duration
}

// Service is the access-control facade used by command handlers, the
// control API and maintenance jobs. Every admin write goes through it so the
// caches are evicted before the write is reported as done.
type Service struct {
	repo         ports.AdminRepository
	audit        ports.AuditLog
	sessions     SessionStore
	clock        ports.Clock
	logger       *slog.Logger
	metrics      Metrics
	storeTimeout time.Duration

	resolver *Resolver
	throttle *Throttle
}

func NewService(deps ServiceDeps) *Service {
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.StoreTimeout <= 0 {
		deps.StoreTimeout = 3 * time.Second
	}

	s := &Service{
		repo:         deps.Repo,
		audit:        deps.Audit,
		sessions:     deps.Sessions,
		clock:        deps.Clock,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		storeTimeout: deps.StoreTimeout,
	}
	s.resolver = NewResolver(deps.Repo, deps.Clock, deps.Logger, deps.Registry, deps.Policy, deps.StoreTimeout)
	s.throttle = NewThrottle(deps.Limits, s.tierOf, deps.Clock, deps.Logger)
	return s
}

func (s *Service) Resolver() *Resolver {
	return s.resolver
}

func (s *Service) Throttle() *Throttle {
	return s.throttle
}

// HasPermission reports whether userID holds permission, bot-wide or within
// chatID when it is non-zero. Store failures come back as an
// *InfrastructureError together with false.
func (s *Service) HasPermission(ctx context.Context, userID int64, permission string, chatID int64) (bool, error) {
	granted, err := s.resolver.HasPermission(ctx, domain.Principal{UserID: userID, ChatID: chatID}, permission)
	s.metrics.PermissionChecked(permission, granted, err)
	if err != nil {
		s.logger.Error("permission check failed", "error", err, "user_id", userID, "chat_id", chatID, "permission", permission)
		return false, err
	}
	return granted, nil
}

// Authorize is HasPermission in error form: nil, a *DeniedError or an
// *InfrastructureError.
func (s *Service) Authorize(ctx context.Context, principal domain.Principal, permission string) error {
	granted, err := s.HasPermission(ctx, principal.UserID, permission, principal.ChatID)
	if err != nil {
		return err
	}
	if !granted {
		return &DeniedError{UserID: principal.UserID, ChatID: principal.ChatID, Permission: permission}
	}
	return nil
}

func (s *Service) ThrottleAllow(ctx context.Context, userID int64, action string) bool {
	allowed := s.throttle.Allow(ctx, userID, action)
	s.metrics.ThrottleDecision(action, allowed)
	return allowed
}

func (s *Service) CreateSession(ctx context.Context, userID int64, payload map[string]string) (string, error) {
	token, err := s.sessions.Create(ctx, userID, payload)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	s.recordAudit(ctx, domain.AuditEntry{UserID: userID, ActionType: domain.ActionSessionCreate})
	return token, nil
}

// ValidateSession returns the user behind token. Unknown, expired and forged
// tokens all yield ok=false with a nil error.
func (s *Service) ValidateSession(ctx context.Context, token string) (int64, bool, error) {
	userID, ok, err := s.sessions.Validate(ctx, token)
	if err != nil {
		s.logger.Error("session validation failed", "error", err)
		return 0, false, err
	}
	s.metrics.SessionValidated(ok)
	return userID, ok, nil
}

func (s *Service) RevokeSession(ctx context.Context, token string) error {
	return s.sessions.Revoke(ctx, token)
}

// InvalidateAdminCache evicts cached admin lookups. Zero means "any" for
// both arguments.
func (s *Service) InvalidateAdminCache(userID int64, chatID int64) {
	s.resolver.Invalidate(userID, chatID)
}

func (s *Service) ResolveBotAdmin(ctx context.Context, userID int64) (domain.BotAdminRecord, bool, error) {
	return s.resolver.ResolveBotAdmin(ctx, userID)
}

func (s *Service) ResolveChatAdmin(ctx context.Context, userID int64, chatID int64) (domain.ChatAdminRecord, bool, error) {
	return s.resolver.ResolveChatAdmin(ctx, userID, chatID)
}

func (s *Service) PromoteBotAdmin(ctx context.Context, actorID int64, userID int64, level domain.BotLevel) (domain.BotAdminRecord, error) {
	if !level.Valid() {
		return domain.BotAdminRecord{}, fmt.Errorf("%w: bot level %d", ErrInvalidLevel, level)
	}
	record := domain.BotAdminRecord{UserID: userID, Level: level, AddedBy: actorID, AddedAt: s.clock.Now()}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	err := s.repo.UpsertBotAdmin(ctx, record)
	s.resolver.InvalidateBotAdmin(userID)
	if err != nil {
		return domain.BotAdminRecord{}, infraErr("promote bot admin", err)
	}

	s.recordAudit(ctx, domain.AuditEntry{
		UserID:     actorID,
		ActionType: domain.ActionPromoteBotAdmin,
		Data:       map[string]any{"target_user_id": userID, "level": int(level)},
	})
	s.logger.Info("bot admin promoted", "actor_id", actorID, "user_id", userID, "level", level.String())
	return record, nil
}

func (s *Service) DemoteBotAdmin(ctx context.Context, actorID int64, userID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	removed, err := s.repo.RemoveBotAdmin(ctx, userID)
	s.resolver.InvalidateBotAdmin(userID)
	if err != nil {
		return false, infraErr("demote bot admin", err)
	}
	if removed {
		s.recordAudit(ctx, domain.AuditEntry{
			UserID:     actorID,
			ActionType: domain.ActionDemoteBotAdmin,
			Data:       map[string]any{"target_user_id": userID},
		})
		s.logger.Info("bot admin demoted", "actor_id", actorID, "user_id", userID)
	}
	return removed, nil
}

// PromoteChatAdmin grants level in chatID. A positive ttl bounds the grant;
// zero makes it permanent.
func (s *Service) PromoteChatAdmin(ctx context.Context, actorID int64, chatID int64, userID int64, level domain.ChatLevel, ttl time.Duration) (domain.ChatAdminRecord, error) {
	if !level.Valid() {
		return domain.ChatAdminRecord{}, fmt.Errorf("%w: chat level %d", ErrInvalidLevel, level)
	}
	if chatID == 0 {
		return domain.ChatAdminRecord{}, errors.New("chat admin grant requires a chat id")
	}
	now := s.clock.Now()
	record := domain.ChatAdminRecord{ChatID: chatID, UserID: userID, Level: level, AddedBy: actorID, AddedAt: now}
	if ttl > 0 {
		expires := now.Add(ttl)
		record.ExpiresAt = &expires
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	err := s.repo.UpsertChatAdmin(ctx, record)
	s.resolver.InvalidateChatAdmin(chatID, userID)
	if err != nil {
		return domain.ChatAdminRecord{}, infraErr("promote chat admin", err)
	}

	data := map[string]any{"target_user_id": userID, "level": int(level)}
	if record.ExpiresAt != nil {
		data["expires_at"] = record.ExpiresAt.UTC().Format(time.RFC3339)
	}
	s.recordAudit(ctx, domain.AuditEntry{UserID: actorID, ActionType: domain.ActionPromoteChatAdmin, ChatID: chatID, Data: data})
	s.logger.Info("chat admin promoted", "actor_id", actorID, "chat_id", chatID, "user_id", userID, "level", level.String())
	return record, nil
}

func (s *Service) DemoteChatAdmin(ctx context.Context, actorID int64, chatID int64, userID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	removed, err := s.repo.RemoveChatAdmin(ctx, chatID, userID)
	s.resolver.InvalidateChatAdmin(chatID, userID)
	if err != nil {
		return false, infraErr("demote chat admin", err)
	}
	if removed {
		s.recordAudit(ctx, domain.AuditEntry{
			UserID:     actorID,
			ActionType: domain.ActionDemoteChatAdmin,
			ChatID:     chatID,
			Data:       map[string]any{"target_user_id": userID},
		})
		s.logger.Info("chat admin demoted", "actor_id", actorID, "chat_id", chatID, "user_id", userID)
	}
	return removed, nil
}

// PurgeExpiredChatAdmins deletes every grant past its deadline and evicts
// the matching cache keys.
func (s *Service) PurgeExpiredChatAdmins(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	keys, err := s.repo.PurgeExpiredChatAdmins(ctx, s.clock.Now())
	for _, key := range keys {
		s.resolver.InvalidateChatAdmin(key.ChatID, key.UserID)
	}
	if err != nil {
		return len(keys), infraErr("purge expired chat admins", err)
	}
	if len(keys) > 0 {
		s.recordAudit(ctx, domain.AuditEntry{ActionType: domain.ActionPurgeExpired, Data: map[string]any{"removed": len(keys)}})
		s.logger.Info("expired chat admins purged", "removed", len(keys))
	}
	return len(keys), nil
}

func (s *Service) ListBotAdmins(ctx context.Context) ([]domain.BotAdminRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	records, err := s.repo.ListBotAdmins(ctx)
	if err != nil {
		return nil, infraErr("list bot admins", err)
	}
	return records, nil
}

// ListChatAdmins returns the grants of chatID that are still in force.
func (s *Service) ListChatAdmins(ctx context.Context, chatID int64) ([]domain.ChatAdminRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	records, err := s.repo.ListChatAdmins(ctx, chatID)
	if err != nil {
		return nil, infraErr("list chat admins", err)
	}
	now := s.clock.Now()
	active := records[:0]
	for _, rec := range records {
		if !rec.Expired(now) {
			active = append(active, rec)
		}
	}
	return active, nil
}

// LogAction appends an audit entry with a fresh id and timestamp. Without
// an audit log it does nothing.
func (s *Service) LogAction(ctx context.Context, userID int64, actionType string, data map[string]any, chatID int64) error {
	if s.audit == nil {
		return nil
	}
	entry := domain.AuditEntry{
		ID:         uuid.NewString(),
		UserID:     userID,
		ActionType: actionType,
		Data:       data,
		ChatID:     chatID,
		CreatedAt:  s.clock.Now(),
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.audit.LogAction(ctx, entry); err != nil {
		return infraErr("log action", err)
	}
	return nil
}

// recordAudit appends an entry for a write that has already been applied; a
// failure is logged and does not undo the write.
func (s *Service) recordAudit(ctx context.Context, entry domain.AuditEntry) {
	if err := s.LogAction(context.WithoutCancel(ctx), entry.UserID, entry.ActionType, entry.Data, entry.ChatID); err != nil {
		s.logger.Error("audit append failed", "error", err, "action", entry.ActionType)
	}
}

func (s *Service) tierOf(ctx context.Context, userID int64) (Tier, error) {
	record, found, err := s.resolver.ResolveBotAdmin(ctx, userID)
	if err != nil {
		return TierAnonymous, err
	}
	if !found {
		return TierAnonymous, nil
	}
	return TierFor(record.Level), nil
}
