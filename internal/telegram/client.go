package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnknownUser is returned when Telegram cannot map a username to an id.
var ErrUnknownUser = errors.New("telegram: unknown user")

type apiEnvelope struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// APIError is a Bot API reply with a non-2xx status.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

func newAPIError(method string, status int, raw []byte) *APIError {
	apiErr := &APIError{Method: method, Code: status}
	var env apiEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Description != "" {
		apiErr.Description = env.Description
		if env.ErrorCode != 0 {
			apiErr.Code = env.ErrorCode
		}
		if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}
	apiErr.Description = strings.TrimSpace(string(raw))
	if apiErr.Description == "" {
		apiErr.Description = http.StatusText(status)
	}
	return apiErr
}

// CheckConnectivity calls getMe and fails when the token is rejected or the
// API is unreachable.
func (a *API) CheckConnectivity(ctx context.Context) (User, error) {
	raw, err := a.request(ctx, "getMe", nil)
	if err != nil {
		return User{}, err
	}
	var me User
	if err := decodeResult(raw, &me); err != nil {
		return User{}, fmt.Errorf("telegram getMe: %w", err)
	}
	return me, nil
}

// ResolveUsername maps @name to a numeric id. The Bot API only knows users
// that have interacted with the bot or share a chat with it.
func (a *API) ResolveUsername(ctx context.Context, username string) (int64, error) {
	clean := strings.TrimSpace(username)
	if clean == "" || clean == "@" {
		return 0, fmt.Errorf("%w: empty username", ErrUnknownUser)
	}
	if !strings.HasPrefix(clean, "@") {
		clean = "@" + clean
	}

	raw, err := a.request(ctx, "getChat", map[string]any{"chat_id": clean})
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrUnknownUser, clean, err)
	}
	var chat struct {
		ID int64 `json:"id"`
	}
	if err := decodeResult(raw, &chat); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrUnknownUser, clean, err)
	}
	if chat.ID == 0 {
		return 0, fmt.Errorf("%w: %s: empty id", ErrUnknownUser, clean)
	}
	return chat.ID, nil
}

func decodeResult(raw []byte, out any) error {
	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	if !env.OK {
		reason := strings.TrimSpace(env.Description)
		if reason == "" {
			reason = "request not ok"
		}
		return errors.New(reason)
	}
	return json.Unmarshal(env.Result, out)
}
