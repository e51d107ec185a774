package security

import (
	"context"

	"github.com/hanamilabs/telegram-bot-admin/internal/domain"
)

// Request is what a gated handler acts on.
type Request struct {
	UserID  int64
	ChatID  int64
	Command string
	Args    []string
	// Data is copied into the audit entry written by Audited.
	Data map[string]any
}

func (r Request) Principal() domain.Principal {
	return domain.Principal{UserID: r.UserID, ChatID: r.ChatID}
}

type Handler func(ctx context.Context, req Request) error

type Middleware func(Handler) Handler

// Chain wraps h so that the first middleware runs first.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// RequirePermission lets the request through only when its principal holds
// permission. Denials return a *DeniedError; store failures pass through as
// they are.
func (s *Service) RequirePermission(permission string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) error {
			if err := s.Authorize(ctx, req.Principal(), permission); err != nil {
				return err
			}
			return next(ctx, req)
		}
	}
}

// Throttled rejects with ErrThrottled once the caller is over budget for
// action.
func (s *Service) Throttled(action string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) error {
			if !s.ThrottleAllow(ctx, req.UserID, action) {
				return ErrThrottled
			}
			return next(ctx, req)
		}
	}
}

// Audited appends an audit entry of actionType after the handler succeeds.
func (s *Service) Audited(actionType string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) error {
			if err := next(ctx, req); err != nil {
				return err
			}
			s.recordAudit(ctx, domain.AuditEntry{UserID: req.UserID, ChatID: req.ChatID, ActionType: actionType, Data: req.Data})
			return nil
		}
	}
}
