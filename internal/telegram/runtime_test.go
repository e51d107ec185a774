package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	api := NewAPI("TOKEN", time.Second, time.Second, WithBaseURL(srv.URL))
	require.NoError(t, api.SendMessage(context.Background(), -42, "hello"))
	assert.Equal(t, float64(-42), got["chat_id"])
	assert.Equal(t, "hello", got["text"])
}

func TestRequestErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"description":"bot was blocked"}`))
	}))
	defer srv.Close()

	api := NewAPI("TOKEN", time.Second, time.Second, WithBaseURL(srv.URL))
	err := api.SendMessage(context.Background(), 1, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bot was blocked")
}

func TestResolveUsername(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["chat_id"] == "@alice" {
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":777}}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	api := NewAPI("TOKEN", time.Second, time.Second, WithBaseURL(srv.URL))
	id, err := api.ResolveUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(777), id)

	_, err = api.ResolveUsername(context.Background(), "@bob")
	assert.True(t, errors.Is(err, ErrUnknownUser))

	_, err = api.ResolveUsername(context.Background(), " ")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestPollUpdatesAdvancesOffset(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var offsets []float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		offsets = append(offsets, body["offset"].(float64))
		mu.Unlock()
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"ok":true,"result":[
				{"update_id":10,"message":{"message_id":1,"from":{"id":5},"chat":{"id":5,"type":"private"},"text":"/start"}},
				{"update_id":11,"message":{"message_id":2,"from":{"id":6},"chat":{"id":-9,"type":"group"},"text":"/whoami"}}
			]}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
	}))
	defer srv.Close()

	api := NewAPI("TOKEN", time.Second, 10*time.Millisecond, WithBaseURL(srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- api.PollUpdates(ctx, func(_ context.Context, u Update) {
			if handled.Add(1) == 2 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("polling did not stop")
	}
	assert.Equal(t, int32(2), handled.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, float64(0), offsets[0])
	if len(offsets) > 1 {
		assert.Equal(t, float64(12), offsets[1])
	}
}

func TestPollUpdatesRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":1}}`))
			return
		case 2:
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":[{"update_id":3,"message":{"message_id":1,"from":{"id":5},"chat":{"id":5,"type":"private"},"text":"/start"}}]}`))
	}))
	defer srv.Close()

	api := NewAPI("TOKEN", time.Second, 10*time.Millisecond, WithBaseURL(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var handled atomic.Int32
	err := api.PollUpdates(ctx, func(context.Context, Update) {
		handled.Add(1)
		cancel()
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), handled.Load())
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestPollUpdatesStopsOnRejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}))
	defer srv.Close()

	api := NewAPI("TOKEN", time.Second, 10*time.Millisecond, WithBaseURL(srv.URL))
	err := api.PollUpdates(context.Background(), func(context.Context, Update) {})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Code)
	assert.Equal(t, "getUpdates", apiErr.Method)
}

func TestPollBackoff(t *testing.T) {
	assert.Equal(t, time.Second, pollBackoff(errors.New("dial"), 1))
	assert.Equal(t, 4*time.Second, pollBackoff(errors.New("dial"), 3))
	assert.Equal(t, time.Minute, pollBackoff(errors.New("dial"), 20))
	assert.Equal(t, 7*time.Second, pollBackoff(&APIError{Code: 429, RetryAfter: 7 * time.Second}, 1))
}

func TestWebhookPath(t *testing.T) {
	assert.Equal(t, "/hook/abc", WebhookPath("https://example.com/hook/abc/"))
	assert.Equal(t, "/telegram/webhook", WebhookPath("https://example.com"))
	assert.Equal(t, "/telegram/webhook", WebhookPath("::bad"))
}

func TestChatIsPrivate(t *testing.T) {
	update, err := ParseWebhookUpdate([]byte(`{"update_id":1,"message":{"chat":{"id":3,"type":"private"},"from":{"id":3},"text":"hi"}}`))
	require.NoError(t, err)
	require.NotNil(t, update.Message)
	assert.True(t, update.Message.Chat.IsPrivate())
}
