package security

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hanamilabs/telegram-bot-admin/internal/ports"
)

type Session struct {
	Token     string
	UserID    int64
	Payload   map[string]string
	CreatedAt time.Time
}

// SessionStore maps opaque tokens to identities with sliding expiry. Absent,
// expired and forged tokens are indistinguishable: all yield ok=false.
type SessionStore interface {
	Create(ctx context.Context, userID int64, payload map[string]string) (string, error)
	Validate(ctx context.Context, token string) (int64, bool, error)
	Lookup(ctx context.Context, token string) (Session, bool, error)
	Revoke(ctx context.Context, token string) error
}

const (
	tokenNonceSize = 32
	tokenBodySize  = tokenNonceSize + 8 + 8
)

// TokenSigner issues tokens made of a random nonce, the issue time and the
// user id, authenticated with HMAC-SHA256 under a server secret. Knowing a
// user id and the time of issue is not enough to forge one.
type TokenSigner struct {
	secret []byte
}

// NewTokenSigner uses secret, or a random per-process secret when empty.
func NewTokenSigner(secret string) (TokenSigner, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return TokenSigner{}, fmt.Errorf("generate session secret: %w", err)
		}
	}
	return TokenSigner{secret: key}, nil
}

func (s TokenSigner) Issue(userID int64, now time.Time) (string, error) {
	body := make([]byte, tokenBodySize)
	if _, err := rand.Read(body[:tokenNonceSize]); err != nil {
		return "", fmt.Errorf("generate session nonce: %w", err)
	}
	binary.BigEndian.PutUint64(body[tokenNonceSize:], uint64(now.UnixNano()))
	binary.BigEndian.PutUint64(body[tokenNonceSize+8:], uint64(userID))
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(s.sign(body)), nil
}

// Verify checks the token's shape and signature and returns the user id it
// was issued for.
func (s TokenSigner) Verify(token string) (int64, bool) {
	rawBody, rawMAC, found := strings.Cut(strings.TrimSpace(token), ".")
	if !found {
		return 0, false
	}
	body, err := base64.RawURLEncoding.DecodeString(rawBody)
	if err != nil || len(body) != tokenBodySize {
		return 0, false
	}
	mac, err := base64.RawURLEncoding.DecodeString(rawMAC)
	if err != nil || !hmac.Equal(mac, s.sign(body)) {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(body[tokenNonceSize+8:])), true
}

func (s TokenSigner) sign(body []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(body)
	return h.Sum(nil)
}

// MemorySessionStore keeps sessions in process memory.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	signer   TokenSigner
	clock    ports.Clock
	timeout  time.Duration
}

func NewMemorySessionStore(signer TokenSigner, clock ports.Clock, timeout time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		sessions: map[string]Session{},
		signer:   signer,
		clock:    clock,
		timeout:  timeout,
	}
}

func (m *MemorySessionStore) Create(_ context.Context, userID int64, payload map[string]string) (string, error) {
	now := m.clock.Now()
	token, err := m.signer.Issue(userID, now)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[token] = Session{Token: token, UserID: userID, Payload: copyPayload(payload), CreatedAt: now}
	return token, nil
}

func (m *MemorySessionStore) Validate(ctx context.Context, token string) (int64, bool, error) {
	sess, ok, err := m.Lookup(ctx, token)
	return sess.UserID, ok, err
}

// Lookup returns the session and restarts its timeout.
func (m *MemorySessionStore) Lookup(_ context.Context, token string) (Session, bool, error) {
	if _, ok := m.signer.Verify(token); !ok {
		return Session{}, false, nil
	}
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[token]
	if !ok {
		return Session{}, false, nil
	}
	if now.Sub(sess.CreatedAt) > m.timeout {
		delete(m.sessions, token)
		return Session{}, false, nil
	}
	sess.CreatedAt = now
	m.sessions[token] = sess
	sess.Payload = copyPayload(sess.Payload)
	return sess, true, nil
}

func (m *MemorySessionStore) Revoke(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

// Sweep removes sessions past their timeout and returns how many went.
func (m *MemorySessionStore) Sweep() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for token, sess := range m.sessions {
		if now.Sub(sess.CreatedAt) > m.timeout {
			delete(m.sessions, token)
			removed++
		}
	}
	return removed
}

func copyPayload(payload map[string]string) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
