package service

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanamilabs/telegram-bot-admin/internal/config"
	"github.com/hanamilabs/telegram-bot-admin/internal/domain"
	"github.com/hanamilabs/telegram-bot-admin/internal/logging"
	"github.com/hanamilabs/telegram-bot-admin/internal/security"
	"github.com/hanamilabs/telegram-bot-admin/internal/storage"
	"github.com/hanamilabs/telegram-bot-admin/internal/telegram"
)

const (
	mainAdminID = int64(1)
	groupChatID = int64(-100)
)

type sentMessage struct {
	chatID int64
	text   string
}

type testTelegram struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (t *testTelegram) SendMessage(_ context.Context, chatID int64, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (t *testTelegram) last() sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return sentMessage{}
	}
	return t.sent[len(t.sent)-1]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testUsers map[string]int64

func (u testUsers) ResolveUsername(_ context.Context, username string) (int64, error) {
	if id, ok := u[strings.TrimPrefix(username, "@")]; ok {
		return id, nil
	}
	return 0, telegram.ErrUnknownUser
}

type commandFixture struct {
	commands *CommandService
	control  *ControlService
	security *security.Service
	store    *storage.SQLiteStore
	tg       *testTelegram
	clock    *testClock
}

func newCommandFixture(t *testing.T) *commandFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(config.Config{DataDir: dir, DatabasePath: filepath.Join(dir, "botadmin.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))
	_, err = store.SeedFromConfig(ctx, []int64{mainAdminID})
	require.NoError(t, err)

	clock := &testClock{now: time.Now()}
	signer, err := security.NewTokenSigner("fixture-secret-0123456789")
	require.NoError(t, err)
	sec := security.NewService(security.ServiceDeps{
		Repo:     store,
		Audit:    store,
		Sessions: security.NewMemorySessionStore(signer, clock, 30*time.Minute),
		Clock:    clock,
		Logger:   logging.Discard(),
		Registry: security.DefaultRegistry(),
		Policy:   security.DefaultChatPolicy(),
		Limits: map[security.Tier]security.Limits{
			security.TierAnonymous: {PerSecond: 1, PerMinute: 20},
			security.TierJunior:    {PerSecond: 2, PerMinute: 40},
			security.TierSenior:    {PerSecond: 3, PerMinute: 60},
			security.TierMain:      {PerSecond: 5, PerMinute: 120},
		},
		StoreTimeout: time.Second,
	})
	t.Cleanup(sec.Resolver().Wait)

	tg := &testTelegram{}
	return &commandFixture{
		commands: NewCommandService(logging.Discard(), tg, testUsers{"alice": 42}, sec, store, "http://127.0.0.1:4097"),
		control:  NewControlService(sec),
		security: sec,
		store:    store,
		tg:       tg,
		clock:    clock,
	}
}

// send delivers text from userID and returns the reply. Each call moves the
// clock past the per-second window so tests only hit throttling on purpose.
func (f *commandFixture) send(userID int64, chatID int64, text string) string {
	f.clock.Advance(1100 * time.Millisecond)
	chatType := "supergroup"
	if chatID == userID {
		chatType = "private"
	}
	f.commands.HandleUpdate(context.Background(), telegram.Update{Message: &telegram.Message{
		From: telegram.User{ID: userID},
		Chat: telegram.Chat{ID: chatID, Type: chatType},
		Text: text,
	}})
	return f.tg.last().text
}

func TestPromoteRequiresAdminsManage(t *testing.T) {
	f := newCommandFixture(t)

	assert.Equal(t, "User 5 is now a senior bot admin.", f.send(mainAdminID, mainAdminID, "/promote 5 2"))
	assert.Equal(t, replyNoAccess, f.send(5, 5, "/promote 6 1"))
	assert.Equal(t, "User 42 is now a junior bot admin.", f.send(mainAdminID, mainAdminID, "/promote @alice 1"))

	assert.Equal(t, "Usage: /promote <user> <1-3>", f.send(mainAdminID, mainAdminID, "/promote 5 9"))
	assert.Contains(t, f.send(mainAdminID, mainAdminID, "/promote @nobody 1"), "Unknown user")
}

func TestDemote(t *testing.T) {
	f := newCommandFixture(t)
	f.send(mainAdminID, mainAdminID, "/promote 5 1")

	assert.Equal(t, "User 5 is no longer a bot admin.", f.send(mainAdminID, mainAdminID, "/demote 5"))
	assert.Equal(t, "User 5 was not a bot admin.", f.send(mainAdminID, mainAdminID, "/demote 5"))
	assert.Equal(t, "You cannot demote yourself.", f.send(mainAdminID, mainAdminID, "/demote 1"))
}

func TestChatGrantInGroup(t *testing.T) {
	f := newCommandFixture(t)

	reply := f.send(mainAdminID, groupChatID, "/chatadmin 7 3 1h")
	assert.Contains(t, reply, "User 7 is now moderator here until")

	assert.Contains(t, f.send(7, groupChatID, "/settings"), "warn_limit: 3")
	assert.Equal(t, replyNoAccess, f.send(7, groupChatID, "/set warn_limit 5"))
	assert.Equal(t, replyNoAccess, f.send(7, groupChatID, "/chatadmin 8 2"), "moderators cannot grant")
	assert.Equal(t, replyNoAccess, f.send(7, 7, "/settings"), "chat grants do not apply in private chats")

	f.send(mainAdminID, groupChatID, "/chatadmin 9 5")
	assert.Equal(t, "warn_limit updated.", f.send(9, groupChatID, "/set warn_limit 5"))
	assert.Contains(t, f.send(9, groupChatID, "/settings"), "warn_limit: 5")

	assert.Contains(t, f.send(9, groupChatID, "/chatadmin 8 4"), "User 8 is now admin here.")
	assert.Equal(t, replyNoAccess, f.send(9, groupChatID, "/chatadmin 8 5"), "owners cannot mint owners")
	assert.Equal(t, replyNoAccess, f.send(9, groupChatID, "/promote 8 1"), "chat owners are not bot admins")

	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, replyNoAccess, f.send(7, groupChatID, "/settings"), "expired grant")
}

func TestDeniedCommandsDoNotSpendThrottleBudget(t *testing.T) {
	f := newCommandFixture(t)

	// The anonymous tier allows 20 calls a minute; denials must not count.
	for i := 0; i < 25; i++ {
		require.Equal(t, replyNoAccess, f.send(555, 555, "/promote 77 1"), "attempt %d", i+1)
	}
	assert.True(t, f.security.ThrottleAllow(context.Background(), 555, "cmd:promote"))
}

func TestUnchatAdminRespectsLevels(t *testing.T) {
	f := newCommandFixture(t)
	f.send(mainAdminID, groupChatID, "/chatadmin 10 5")
	f.send(mainAdminID, groupChatID, "/chatadmin 11 5")
	f.send(mainAdminID, groupChatID, "/chatadmin 12 2")

	assert.Equal(t, replyNoAccess, f.send(11, groupChatID, "/unchatadmin 10"), "owners cannot remove owners")
	assert.Equal(t, "You cannot demote yourself.", f.send(11, groupChatID, "/unchatadmin 11"))
	assert.Equal(t, "User 12 is no longer an admin here.", f.send(11, groupChatID, "/unchatadmin 12"))
	assert.Equal(t, "User 10 is no longer an admin here.", f.send(mainAdminID, groupChatID, "/unchatadmin 10"))

	_, found, err := f.store.GetChatAdmin(context.Background(), groupChatID, 11)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestChatGrantCappedBySettings(t *testing.T) {
	f := newCommandFixture(t)
	f.send(mainAdminID, groupChatID, "/set admin_grant_limit 30m")

	reply := f.send(mainAdminID, groupChatID, "/chatadmin 7 2")
	assert.Contains(t, reply, "until")

	rec, found, err := f.store.GetChatAdmin(context.Background(), groupChatID, 7)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, rec.ExpiresAt)
	assert.WithinDuration(t, f.clock.Now().Add(30*time.Minute), *rec.ExpiresAt, time.Second)
}

func TestReplyTargetsRepliedUser(t *testing.T) {
	f := newCommandFixture(t)
	f.clock.Advance(time.Second)
	f.commands.HandleUpdate(context.Background(), telegram.Update{Message: &telegram.Message{
		From:           telegram.User{ID: mainAdminID},
		Chat:           telegram.Chat{ID: groupChatID, Type: "group"},
		Text:           "/chatadmin 2",
		ReplyToMessage: &telegram.Message{From: telegram.User{ID: 77}},
	}})
	assert.Equal(t, "User 77 is now helper here.", f.tg.last().text)
}

func TestThrottledCommandReply(t *testing.T) {
	f := newCommandFixture(t)
	f.send(30, 30, "/start")
	f.commands.HandleUpdate(context.Background(), telegram.Update{Message: &telegram.Message{
		From: telegram.User{ID: 30},
		Chat: telegram.Chat{ID: 30, Type: "private"},
		Text: "/start",
	}})
	assert.Equal(t, replyThrottled, f.tg.last().text)
}

func TestWhoamiAndPanel(t *testing.T) {
	f := newCommandFixture(t)

	assert.Equal(t, "User id: 1\nBot admin level: main", f.send(mainAdminID, mainAdminID, "/whoami"))

	reply := f.send(mainAdminID, mainAdminID, "/panel")
	require.True(t, strings.HasPrefix(reply, "Control panel token:\n"))
	token := strings.Split(reply, "\n")[1]
	userID, ok, err := f.security.ValidateSession(context.Background(), token)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mainAdminID, userID)

	assert.Contains(t, f.send(mainAdminID, groupChatID, "/panel"), "private chat")
	assert.Equal(t, replyNoAccess, f.send(50, 50, "/panel"))
}

func TestStoreOutageRepliesRetry(t *testing.T) {
	f := newCommandFixture(t)
	require.NoError(t, f.store.Close())
	assert.Equal(t, replyRetry, f.send(60, 60, "/admins"))
}

func TestUnknownAndPlainMessages(t *testing.T) {
	f := newCommandFixture(t)
	assert.Equal(t, "Unknown command. Try /start.", f.send(3, 3, "/frobnicate"))

	before := len(f.tg.sent)
	f.send(3, 3, "hello there")
	assert.Len(t, f.tg.sent, before)
}

func TestBotSuffixIsStripped(t *testing.T) {
	f := newCommandFixture(t)
	assert.Contains(t, f.send(mainAdminID, groupChatID, "/whoami@AdminBot"), "Chat admin level: none")
}

func TestAuditTrailForSettings(t *testing.T) {
	f := newCommandFixture(t)
	f.send(mainAdminID, groupChatID, "/set welcome Hello all")

	entries, err := f.store.RecentActions(context.Background(), 5)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, domain.ActionSettingsUpdate, entries[0].ActionType)
	assert.Equal(t, groupChatID, entries[0].ChatID)
	assert.Equal(t, "welcome Hello all", entries[0].Data["args"])
}
