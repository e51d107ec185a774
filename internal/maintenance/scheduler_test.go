package maintenance

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanamilabs/telegram-bot-admin/internal/config"
	"github.com/hanamilabs/telegram-bot-admin/internal/domain"
	"github.com/hanamilabs/telegram-bot-admin/internal/logging"
	"github.com/hanamilabs/telegram-bot-admin/internal/security"
	"github.com/hanamilabs/telegram-bot-admin/internal/storage"
)

type runRecorder struct {
	mu   sync.Mutex
	runs map[string]int
	errs map[string]int
}

func (r *runRecorder) MaintenanceRun(job string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs, r.errs = map[string]int{}, map[string]int{}
	}
	r.runs[job]++
	if err != nil {
		r.errs[job]++
	}
}

type movableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *movableClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New("every so often", nil, logging.Discard(), nil)
	assert.Error(t, err)

	_, err = New("@every 10m", nil, logging.Discard(), nil)
	assert.NoError(t, err)
}

func TestRunOnceContinuesPastFailures(t *testing.T) {
	rec := &runRecorder{}
	var order []string
	jobs := []Job{
		{Name: "a", Run: func(context.Context) error { order = append(order, "a"); return errors.New("boom") }},
		{Name: "b", Run: func(context.Context) error { order = append(order, "b"); return nil }},
	}
	s, err := New("@hourly", jobs, logging.Discard(), rec)
	require.NoError(t, err)

	err = s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a: boom")
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, rec.errs["a"])
	assert.Equal(t, 1, rec.runs["b"])
}

func TestStandardJobsPurgeAndSweep(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(config.Config{DataDir: dir, DatabasePath: filepath.Join(dir, "botadmin.db")})
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	clock := &movableClock{now: time.Now()}
	signer, err := security.NewTokenSigner("")
	require.NoError(t, err)
	sessions := security.NewMemorySessionStore(signer, clock, time.Minute)
	sec := security.NewService(security.ServiceDeps{
		Repo:     store,
		Audit:    store,
		Sessions: sessions,
		Clock:    clock,
		Logger:   logging.Discard(),
		Registry: security.DefaultRegistry(),
		Policy:   security.DefaultChatPolicy(),
		Limits:   map[security.Tier]security.Limits{security.TierAnonymous: {PerSecond: 5, PerMinute: 50}},
	})
	defer sec.Resolver().Wait()

	_, err = sec.PromoteChatAdmin(ctx, 1, -100, 7, domain.ChatLevelHelper, time.Minute)
	require.NoError(t, err)
	_, err = sec.PromoteChatAdmin(ctx, 1, -100, 8, domain.ChatLevelHelper, 0)
	require.NoError(t, err)
	_, err = sessions.Create(ctx, 7, nil)
	require.NoError(t, err)
	require.True(t, sec.ThrottleAllow(ctx, 7, "cmd:start"))
	require.Equal(t, 1, sec.Throttle().Len())

	clock.Advance(2 * time.Hour)

	rec := &runRecorder{}
	s, err := New("@every 10m", Jobs(sec, sessions), logging.Discard(), rec)
	require.NoError(t, err)
	require.NoError(t, s.RunOnce(ctx))

	_, found, err := store.GetChatAdmin(ctx, -100, 7)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = store.GetChatAdmin(ctx, -100, 8)
	require.NoError(t, err)
	assert.True(t, found)

	assert.Equal(t, 0, sec.Throttle().Len())
	assert.Equal(t, 0, sessions.Sweep(), "the job already swept the expired session")
	assert.Equal(t, 1, rec.runs["session_sweep"])
}

func TestJobsWithoutSessionSweeper(t *testing.T) {
	jobs := Jobs(nil, nil)
	names := make([]string, 0, len(jobs))
	for _, job := range jobs {
		names = append(names, job.Name)
	}
	assert.Equal(t, []string{"purge_expired", "throttle_sweep"}, names)
}

func TestRunFiresOnScheduleAndStops(t *testing.T) {
	var calls atomic.Int32
	fired := make(chan struct{}, 1)
	jobs := []Job{{Name: "tick", Run: func(context.Context) error {
		calls.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}}}
	s, err := New("@every 1s", jobs, logging.Discard(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("job never fired")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunLogsPanickingJob(t *testing.T) {
	var out lockedBuffer
	logger := slog.New(slog.NewJSONHandler(&out, nil))
	panicked := make(chan struct{}, 1)
	jobs := []Job{{Name: "boom", Run: func(context.Context) error {
		select {
		case panicked <- struct{}{}:
		default:
		}
		panic("job exploded")
	}}}
	s, err := New("@every 1s", jobs, logger, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-panicked:
	case <-time.After(5 * time.Second):
		t.Fatal("job never fired")
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Contains(t, out.String(), "job exploded")
	assert.Contains(t, out.String(), `"level":"ERROR"`)
}
