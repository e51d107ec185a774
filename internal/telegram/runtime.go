package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://api.telegram.org"
	maxResponseBytes = 8 << 20
)

type API struct {
	botToken        string
	baseURL         string
	client          *http.Client
	pollingInterval time.Duration
	workers         int
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID      int64    `json:"message_id"`
	From           User     `json:"from"`
	Chat           Chat     `json:"chat"`
	Text           string   `json:"text"`
	ReplyToMessage *Message `json:"reply_to_message,omitempty"`
}

type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// IsPrivate reports whether the message came from a one-to-one chat with
// the bot. Group chats carry a chat scope for permission checks; private
// ones do not.
func (c Chat) IsPrivate() bool {
	return c.Type == "private"
}

type Option func(*API)

// WithBaseURL points the client at another Bot API server.
func WithBaseURL(baseURL string) Option {
	return func(a *API) { a.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithWorkers bounds the number of updates handled at once while polling.
func WithWorkers(n int) Option {
	return func(a *API) {
		if n > 0 {
			a.workers = n
		}
	}
}

func NewAPI(botToken string, timeout time.Duration, pollingInterval time.Duration, opts ...Option) *API {
	if pollingInterval <= 0 {
		pollingInterval = 2 * time.Second
	}
	a := &API{
		botToken:        botToken,
		baseURL:         defaultBaseURL,
		client:          &http.Client{Timeout: timeout},
		pollingInterval: pollingInterval,
		workers:         8,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) SendMessage(ctx context.Context, chatID int64, text string) error {
	body := map[string]any{"chat_id": chatID, "text": text}
	_, err := a.request(ctx, "sendMessage", body)
	return err
}

// PollUpdates long-polls getUpdates until ctx is done, handing each update
// to handler on a bounded set of goroutines. Rate-limit and server errors
// are retried with backoff; a rejected token ends polling. It waits for
// in-flight handlers before returning.
func (a *API) PollUpdates(ctx context.Context, handler func(context.Context, Update)) error {
	var offset int64
	var failures int
	workers := make(chan struct{}, a.workers)
	defer func() {
		for i := 0; i < cap(workers); i++ {
			workers <- struct{}{}
		}
	}()

	for ctx.Err() == nil {
		updates, err := a.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !retryable(err) {
				return err
			}
			failures++
			if !sleepCtx(ctx, pollBackoff(err, failures)) {
				return nil
			}
			continue
		}
		failures = 0

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			select {
			case workers <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			go func(u Update) {
				defer func() { <-workers }()
				handler(ctx, u)
			}(update)
		}

		if len(updates) == 0 && !sleepCtx(ctx, a.pollingInterval) {
			return nil
		}
	}
	return nil
}

func (a *API) SetupWebhook(ctx context.Context, webhookURL string) error {
	body := map[string]any{"url": webhookURL, "allowed_updates": []string{"message"}}
	_, err := a.request(ctx, "setWebhook", body)
	return err
}

func (a *API) DeleteWebhook(ctx context.Context) error {
	_, err := a.request(ctx, "deleteWebhook", map[string]bool{"drop_pending_updates": false})
	return err
}

// WebhookPath is the request path Telegram will post updates to.
func WebhookPath(webhookURL string) string {
	const fallback = "/telegram/webhook"
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fallback
	}
	p := strings.Trim(strings.TrimSpace(parsed.Path), "/")
	if p == "" {
		return fallback
	}
	return path.Clean("/" + p)
}

func ParseWebhookUpdate(body []byte) (Update, error) {
	var update Update
	if err := json.Unmarshal(body, &update); err != nil {
		return Update{}, fmt.Errorf("decode webhook update: %w", err)
	}
	return update, nil
}

func (a *API) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	raw, err := a.request(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         longPollSeconds(a.pollingInterval),
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := decodeResult(raw, &updates); err != nil {
		return nil, fmt.Errorf("telegram getUpdates: %w", err)
	}
	return updates, nil
}

func longPollSeconds(interval time.Duration) int {
	return min(max(int(interval/time.Second), 1), 50)
}

// pollBackoff honours retry_after on 429 and otherwise doubles from one
// second up to a minute.
func pollBackoff(err error, failures int) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	backoff := time.Second << min(failures-1, 6)
	return min(backoff, time.Minute)
}

// retryable reports whether polling should keep going after err. Transport
// failures, rate limits and 5xx are transient; other API errors are not.
func retryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (a *API) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", a.baseURL, a.botToken, method)
}

// request posts body as JSON (or issues a GET when body is nil) and returns
// the raw response. Non-2xx replies become *APIError.
func (a *API) request(ctx context.Context, apiMethod string, body any) ([]byte, error) {
	httpMethod := http.MethodGet
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("telegram %s: encode: %w", apiMethod, err)
		}
		httpMethod = http.MethodPost
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, a.endpoint(apiMethod), payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s: %w", apiMethod, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("telegram %s: read: %w", apiMethod, err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return nil, newAPIError(apiMethod, res.StatusCode, raw)
	}
	return raw, nil
}
