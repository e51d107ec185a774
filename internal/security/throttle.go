package security

import (
	"context"
	"encoding/binary"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"github.com/hanamilabs/telegram-bot-admin/internal/domain"
	"github.com/hanamilabs/telegram-bot-admin/internal/ports"
)

const (
	throttleWindow = time.Minute
	throttleBurst  = time.Second
	throttleShards = 64
)

type Tier int

const (
	TierAnonymous Tier = iota
	TierJunior
	TierSenior
	TierMain
)

func (t Tier) String() string {
	switch t {
	case TierJunior:
		return "junior"
	case TierSenior:
		return "senior"
	case TierMain:
		return "main"
	default:
		return "anonymous"
	}
}

// TierFor maps a bot-admin level onto its throttle tier.
func TierFor(level domain.BotLevel) Tier {
	switch level {
	case domain.BotLevelJunior:
		return TierJunior
	case domain.BotLevelSenior:
		return TierSenior
	case domain.BotLevelMain:
		return TierMain
	default:
		return TierAnonymous
	}
}

type Limits struct {
	PerSecond int
	PerMinute int
}

// TierResolver looks up the tier of a user.
type TierResolver func(ctx context.Context, userID int64) (Tier, error)

type throttleKey struct {
	userID int64
	action string
}

type throttleShard struct {
	mu      sync.Mutex
	windows map[throttleKey][]time.Time
}

// Throttle is a per (user, action) sliding-window limiter. Each key keeps the
// timestamps of its accepted calls within the trailing minute; rejected calls
// are never recorded.
type Throttle struct {
	limits map[Tier]Limits
	tierOf TierResolver
	clock  ports.Clock
	logger *slog.Logger
	seed   maphash.Seed
	shards [throttleShards]throttleShard
}

func NewThrottle(limits map[Tier]Limits, tierOf TierResolver, clock ports.Clock, logger *slog.Logger) *Throttle {
	t := &Throttle{
		limits: make(map[Tier]Limits, len(limits)),
		tierOf: tierOf,
		clock:  clock,
		logger: logger,
		seed:   maphash.MakeSeed(),
	}
	for tier, l := range limits {
		t.limits[tier] = l
	}
	for i := range t.shards {
		t.shards[i].windows = map[throttleKey][]time.Time{}
	}
	return t
}

// Allow records and accepts the call when both the per-second and per-minute
// budgets of the caller's tier have room, and rejects it otherwise. A tier
// lookup failure falls back to the anonymous tier.
func (t *Throttle) Allow(ctx context.Context, userID int64, action string) bool {
	tier := TierAnonymous
	if t.tierOf != nil {
		resolved, err := t.tierOf(ctx, userID)
		if err != nil {
			t.logger.Warn("throttle tier lookup failed; using anonymous tier", "error", err, "user_id", userID)
		} else {
			tier = resolved
		}
	}
	return t.allow(userID, action, t.limitsFor(tier))
}

func (t *Throttle) allow(userID int64, action string, limits Limits) bool {
	key := throttleKey{userID: userID, action: action}
	shard := t.shard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := t.clock.Now()
	window := prune(shard.windows[key], now)

	recent := 0
	for i := len(window) - 1; i >= 0; i-- {
		if now.Sub(window[i]) >= throttleBurst {
			break
		}
		recent++
	}
	if recent >= limits.PerSecond || len(window) >= limits.PerMinute {
		t.store(shard, key, window)
		return false
	}
	shard.windows[key] = append(window, now)
	return true
}

// Reset forgets the window of one key.
func (t *Throttle) Reset(userID int64, action string) {
	key := throttleKey{userID: userID, action: action}
	shard := t.shard(key)
	shard.mu.Lock()
	delete(shard.windows, key)
	shard.mu.Unlock()
}

// Sweep drops windows with no entry in the trailing minute and returns how
// many keys were removed.
func (t *Throttle) Sweep() int {
	now := t.clock.Now()
	removed := 0
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		for key, window := range shard.windows {
			if len(prune(window, now)) == 0 {
				delete(shard.windows, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (t *Throttle) Len() int {
	n := 0
	for i := range t.shards {
		t.shards[i].mu.Lock()
		n += len(t.shards[i].windows)
		t.shards[i].mu.Unlock()
	}
	return n
}

func (t *Throttle) limitsFor(tier Tier) Limits {
	if l, ok := t.limits[tier]; ok {
		return l
	}
	// An unconfigured tier gets the anonymous limits, and with no anonymous
	// entry either, nothing is allowed.
	return t.limits[TierAnonymous]
}

func (t *Throttle) store(shard *throttleShard, key throttleKey, window []time.Time) {
	if len(window) == 0 {
		delete(shard.windows, key)
		return
	}
	shard.windows[key] = window
}

func (t *Throttle) shard(key throttleKey) *throttleShard {
	var h maphash.Hash
	h.SetSeed(t.seed)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key.userID))
	_, _ = h.Write(buf[:])
	_, _ = h.WriteString(key.action)
	return &t.shards[h.Sum64()%throttleShards]
}

// prune drops the leading timestamps that fell out of the trailing minute.
// Windows are append-only, so they stay sorted.
func prune(window []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(window) && now.Sub(window[i]) >= throttleWindow {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0:0], window[i:]...)
}
