package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanamilabs/telegram-bot-admin/internal/config"
	"github.com/hanamilabs/telegram-bot-admin/internal/logging"
	"github.com/hanamilabs/telegram-bot-admin/internal/observability"
	"github.com/hanamilabs/telegram-bot-admin/internal/security"
	"github.com/hanamilabs/telegram-bot-admin/internal/service"
	"github.com/hanamilabs/telegram-bot-admin/internal/storage"
)

const ownerID = int64(1)

type stoppedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stoppedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type controlFixture struct {
	server   *ControlServer
	security *security.Service
	store    *storage.SQLiteStore
}

func newControlFixture(t *testing.T, checks map[string]HealthCheck) *controlFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(config.Config{DataDir: dir, DatabasePath: filepath.Join(dir, "botadmin.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	_, err = store.SeedFromConfig(context.Background(), []int64{ownerID})
	require.NoError(t, err)

	clock := &stoppedClock{now: time.Now()}
	signer, err := security.NewTokenSigner("control-secret-0123456789")
	require.NoError(t, err)
	metrics := observability.NewMetrics()
	sec := security.NewService(security.ServiceDeps{
		Repo:     store,
		Audit:    store,
		Sessions: security.NewMemorySessionStore(signer, clock, time.Hour),
		Clock:    clock,
		Logger:   logging.Discard(),
		Metrics:  metrics,
		Registry: security.DefaultRegistry(),
		Policy:   security.DefaultChatPolicy(),
		Limits: map[security.Tier]security.Limits{
			security.TierAnonymous: {PerSecond: 2, PerMinute: 20},
			security.TierJunior:    {PerSecond: 2, PerMinute: 20},
			security.TierSenior:    {PerSecond: 2, PerMinute: 20},
			security.TierMain:      {PerSecond: 50, PerMinute: 100},
		},
	})
	t.Cleanup(sec.Resolver().Wait)

	server := NewControlServer(ControlServerDeps{
		Logger:   logging.Discard(),
		Control:  service.NewControlService(sec),
		Security: sec,
		Metrics:  metrics,
		Checks:   checks,
	})
	return &controlFixture{server: server, security: sec, store: store}
}

func (f *controlFixture) token(t *testing.T, userID int64) string {
	t.Helper()
	token, err := f.security.CreateSession(context.Background(), userID, nil)
	require.NoError(t, err)
	return token
}

func (f *controlFixture) do(method string, path string, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthReportsChecks(t *testing.T) {
	f := newControlFixture(t, map[string]HealthCheck{
		"store":    func(context.Context) error { return nil },
		"telegram": func(context.Context) error { return errors.New("unreachable") },
	})

	rec := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, true, checks["store"].(map[string]any)["ok"])
	assert.Equal(t, "unreachable", checks["telegram"].(map[string]any)["error"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Len(t, rec.Header().Get("X-Request-Id"), 36)
}

func TestAPIRequiresSession(t *testing.T) {
	f := newControlFixture(t, nil)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/me", "forged.token", nil).Code)

	rec := f.do(http.MethodGet, "/api/me", f.token(t, ownerID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "main", decodeBody(t, rec)["botLevel"])
}

func TestRevokedSessionIsRejected(t *testing.T) {
	f := newControlFixture(t, nil)
	token := f.token(t, ownerID)
	require.NoError(t, f.security.RevokeSession(context.Background(), token))

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/me", token, nil).Code)
}

func TestBotAdminEndpoints(t *testing.T) {
	f := newControlFixture(t, nil)
	owner := f.token(t, ownerID)
	stranger := f.token(t, 99)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/admins/bot", stranger, map[string]any{"userId": 5, "level": 1}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/admins/bot", owner, map[string]any{"userId": 5, "level": 9}).Code)

	rec := f.do(http.MethodPost, "/api/admins/bot", owner, map[string]any{"userId": 5, "level": 2})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "senior", decodeBody(t, rec)["levelName"])

	rec = f.do(http.MethodGet, "/api/admins/bot", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["admins"], 2)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodDelete, "/api/admins/bot/1", owner, nil).Code)
	rec = f.do(http.MethodDelete, "/api/admins/bot/5", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["removed"])
}

func TestChatAdminEndpoints(t *testing.T) {
	f := newControlFixture(t, nil)
	owner := f.token(t, ownerID)

	rec := f.do(http.MethodPost, "/api/admins/chat", owner, map[string]any{"chatId": -100, "userId": 7, "level": 3, "ttl": "1h"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "moderator", body["levelName"])
	assert.NotEmpty(t, body["expiresAt"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/admins/chat", owner, map[string]any{"chatId": -100, "userId": 7, "level": 3, "ttl": "soon"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/admins/chat", owner, map[string]any{"userId": 7, "level": 3}).Code)

	rec = f.do(http.MethodDelete, "/api/admins/chat/-100/7", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["removed"])
}

func TestMaintenanceEndpoints(t *testing.T) {
	f := newControlFixture(t, nil)
	owner := f.token(t, ownerID)

	rec := f.do(http.MethodPost, "/api/maintenance/purge", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["removed"])

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/cache/invalidate", owner, map[string]any{"userId": 5}).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/cache/invalidate", f.token(t, 42), map[string]any{}).Code)
}

func TestPerUserThrottle(t *testing.T) {
	f := newControlFixture(t, nil)
	token := f.token(t, 77)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/me", token, nil).Code)
	}
	rec := f.do(http.MethodGet, "/api/me", token, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "too many requests", decodeBody(t, rec)["error"])
}

func TestStoreOutageIsServiceUnavailable(t *testing.T) {
	f := newControlFixture(t, nil)
	token := f.token(t, 55)
	require.NoError(t, f.store.Close())

	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/me", token, nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newControlFixture(t, nil)
	f.do(http.MethodGet, "/api/me", "", nil)

	rec := f.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "botadmin_http_requests_total")
}

func TestIPLimitIgnoresForwardedHeadersByDefault(t *testing.T) {
	f := newControlFixture(t, nil)
	newServer := func(trustProxy bool) *ControlServer {
		return NewControlServer(ControlServerDeps{
			Logger:              logging.Discard(),
			Control:             service.NewControlService(f.security),
			Security:            f.security,
			IPRequestsPerMinute: 2,
			TrustProxy:          trustProxy,
		})
	}
	health := func(server *ControlServer, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	direct := newServer(false)
	assert.Equal(t, http.StatusOK, health(direct, "203.0.113.1"))
	assert.Equal(t, http.StatusOK, health(direct, "203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, health(direct, "203.0.113.3"), "spoofed headers share the connection's budget")

	proxied := newServer(true)
	assert.Equal(t, http.StatusOK, health(proxied, "203.0.113.1"))
	assert.Equal(t, http.StatusOK, health(proxied, "203.0.113.2"))
	assert.Equal(t, http.StatusOK, health(proxied, "203.0.113.3"))
}

func TestIsServerClosed(t *testing.T) {
	assert.True(t, IsServerClosed(http.ErrServerClosed))
	assert.False(t, IsServerClosed(errors.New("boom")))
}
