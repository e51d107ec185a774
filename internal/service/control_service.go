package service

import (
	"context"
	"time"

	"github.com/hanamilabs/telegram-bot-admin/internal/domain"
	"github.com/hanamilabs/telegram-bot-admin/internal/security"
)

// Identity describes an authenticated caller of the control API.
type Identity struct {
	UserID      int64    `json:"userId"`
	BotLevel    string   `json:"botLevel"`
	Permissions []string `json:"permissions"`
}

// ControlService exposes admin operations to the HTTP control API. Every
// method checks the actor's permission before acting.
type ControlService struct {
	security *security.Service
}

func NewControlService(sec *security.Service) *ControlService {
	return &ControlService{security: sec}
}

func (s *ControlService) Me(ctx context.Context, userID int64) (Identity, error) {
	identity := Identity{UserID: userID, BotLevel: domain.BotLevelNone.String(), Permissions: []string{}}
	record, found, err := s.security.ResolveBotAdmin(ctx, userID)
	if err != nil {
		return Identity{}, err
	}
	if found {
		identity.BotLevel = record.Level.String()
		identity.Permissions = s.security.Resolver().Registry().Granted(record.Level)
	}
	return identity, nil
}

func (s *ControlService) ListBotAdmins(ctx context.Context, actorID int64) ([]domain.BotAdminRecord, error) {
	if err := s.security.Authorize(ctx, domain.Principal{UserID: actorID}, security.PermAdminsView); err != nil {
		return nil, err
	}
	return s.security.ListBotAdmins(ctx)
}

func (s *ControlService) PromoteBotAdmin(ctx context.Context, actorID int64, userID int64, level domain.BotLevel) (domain.BotAdminRecord, error) {
	if err := s.security.Authorize(ctx, domain.Principal{UserID: actorID}, security.PermAdminsManage); err != nil {
		return domain.BotAdminRecord{}, err
	}
	return s.security.PromoteBotAdmin(ctx, actorID, userID, level)
}

func (s *ControlService) DemoteBotAdmin(ctx context.Context, actorID int64, userID int64) (bool, error) {
	if err := s.security.Authorize(ctx, domain.Principal{UserID: actorID}, security.PermAdminsManage); err != nil {
		return false, err
	}
	if actorID == userID {
		return false, ErrSelfDemotion
	}
	return s.security.DemoteBotAdmin(ctx, actorID, userID)
}

func (s *ControlService) PromoteChatAdmin(ctx context.Context, actorID int64, chatID int64, userID int64, level domain.ChatLevel, ttl time.Duration) (domain.ChatAdminRecord, error) {
	if err := authorizeChatGrant(ctx, s.security, domain.Principal{UserID: actorID, ChatID: chatID}, level); err != nil {
		return domain.ChatAdminRecord{}, err
	}
	return s.security.PromoteChatAdmin(ctx, actorID, chatID, userID, level, ttl)
}

func (s *ControlService) DemoteChatAdmin(ctx context.Context, actorID int64, chatID int64, userID int64) (bool, error) {
	if err := authorizeChatRevoke(ctx, s.security, domain.Principal{UserID: actorID, ChatID: chatID}, userID); err != nil {
		return false, err
	}
	return s.security.DemoteChatAdmin(ctx, actorID, chatID, userID)
}

func (s *ControlService) InvalidateCache(ctx context.Context, actorID int64, userID int64, chatID int64) error {
	if err := s.security.Authorize(ctx, domain.Principal{UserID: actorID}, security.PermSystemMaintain); err != nil {
		return err
	}
	s.security.InvalidateAdminCache(userID, chatID)
	return s.security.LogAction(ctx, actorID, domain.ActionCacheInvalidate, map[string]any{"user_id": userID, "chat_id": chatID}, 0)
}

func (s *ControlService) PurgeExpired(ctx context.Context, actorID int64) (int, error) {
	if err := s.security.Authorize(ctx, domain.Principal{UserID: actorID}, security.PermSystemMaintain); err != nil {
		return 0, err
	}
	return s.security.PurgeExpiredChatAdmins(ctx)
}

// authorizeChatGrant lets bot admins holding admins.manage grant any chat
// level. Chat-scoped grantors may only hand out levels below their own.
func authorizeChatGrant(ctx context.Context, sec *security.Service, actor domain.Principal, level domain.ChatLevel) error {
	botWide, err := sec.HasPermission(ctx, actor.UserID, security.PermAdminsManage, 0)
	if err != nil {
		return err
	}
	if botWide {
		return nil
	}
	if err := sec.Authorize(ctx, actor, security.PermAdminsManage); err != nil {
		return err
	}
	own, found, err := sec.ResolveChatAdmin(ctx, actor.UserID, actor.ChatID)
	if err != nil {
		return err
	}
	if !found || level >= own.Level {
		return &security.DeniedError{UserID: actor.UserID, ChatID: actor.ChatID, Permission: security.PermAdminsManage}
	}
	return nil
}

// authorizeChatRevoke mirrors authorizeChatGrant for removals: nobody drops
// their own grant, and chat-scoped grantors may only remove grants below
// their own level.
func authorizeChatRevoke(ctx context.Context, sec *security.Service, actor domain.Principal, target int64) error {
	if actor.UserID == target {
		return ErrSelfDemotion
	}
	botWide, err := sec.HasPermission(ctx, actor.UserID, security.PermAdminsManage, 0)
	if err != nil {
		return err
	}
	if botWide {
		return nil
	}
	if err := sec.Authorize(ctx, actor, security.PermAdminsManage); err != nil {
		return err
	}
	own, found, err := sec.ResolveChatAdmin(ctx, actor.UserID, actor.ChatID)
	if err != nil {
		return err
	}
	if !found {
		return &security.DeniedError{UserID: actor.UserID, ChatID: actor.ChatID, Permission: security.PermAdminsManage}
	}
	grant, found, err := sec.ResolveChatAdmin(ctx, target, actor.ChatID)
	if err != nil {
		return err
	}
	if found && grant.Level >= own.Level {
		return &security.DeniedError{UserID: actor.UserID, ChatID: actor.ChatID, Permission: security.PermAdminsManage}
	}
	return nil
}
