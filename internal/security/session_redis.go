package security

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hanamilabs/telegram-bot-admin/internal/ports"
)

// RedisSessionStore keeps sessions in Redis; the key TTL carries the timeout
// and is restarted on every successful lookup.
type RedisSessionStore struct {
	client  *redis.Client
	signer  TokenSigner
	clock   ports.Clock
	timeout time.Duration
	prefix  string
}

type redisSession struct {
	UserID    int64             `json:"user_id"`
	Payload   map[string]string `json:"payload"`
	CreatedAt time.Time         `json:"created_at"`
}

func NewRedisSessionStore(client *redis.Client, signer TokenSigner, clock ports.Clock, timeout time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, signer: signer, clock: clock, timeout: timeout, prefix: "botadmin:session:"}
}

func (r *RedisSessionStore) Create(ctx context.Context, userID int64, payload map[string]string) (string, error) {
	now := r.clock.Now()
	token, err := r.signer.Issue(userID, now)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(redisSession{UserID: userID, Payload: copyPayload(payload), CreatedAt: now})
	if err != nil {
		return "", err
	}
	if err := r.client.Set(ctx, r.key(token), data, r.timeout).Err(); err != nil {
		return "", infraErr("create session", err)
	}
	return token, nil
}

func (r *RedisSessionStore) Validate(ctx context.Context, token string) (int64, bool, error) {
	sess, ok, err := r.Lookup(ctx, token)
	return sess.UserID, ok, err
}

func (r *RedisSessionStore) Lookup(ctx context.Context, token string) (Session, bool, error) {
	if _, ok := r.signer.Verify(token); !ok {
		return Session{}, false, nil
	}
	key := r.key(token)
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, false, nil
		}
		return Session{}, false, infraErr("lookup session", err)
	}
	// The key may lapse between GET and EXPIRE; a false result means it did.
	refreshed, err := r.client.Expire(ctx, key, r.timeout).Result()
	if err != nil {
		return Session{}, false, infraErr("refresh session", err)
	}
	if !refreshed {
		return Session{}, false, nil
	}
	var stored redisSession
	if err := json.Unmarshal(raw, &stored); err != nil {
		// A corrupt entry is as good as none.
		_ = r.client.Del(ctx, key).Err()
		return Session{}, false, nil
	}
	return Session{Token: token, UserID: stored.UserID, Payload: stored.Payload, CreatedAt: r.clock.Now()}, true, nil
}

func (r *RedisSessionStore) Revoke(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, r.key(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return infraErr("revoke session", err)
	}
	return nil
}

func (r *RedisSessionStore) key(token string) string {
	return r.prefix + token
}
