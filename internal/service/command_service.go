package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hanamilabs/telegram-bot-admin/internal/domain"
	"github.com/hanamilabs/telegram-bot-admin/internal/ports"
	"github.com/hanamilabs/telegram-bot-admin/internal/security"
	"github.com/hanamilabs/telegram-bot-admin/internal/settings"
	"github.com/hanamilabs/telegram-bot-admin/internal/telegram"
)

var (
	ErrSelfDemotion = errors.New("cannot demote yourself")
	errGroupOnly    = errors.New("group only")
	errPrivateOnly  = errors.New("private only")
)

const (
	replyNoAccess  = "No access."
	replyThrottled = "Too many requests, slow down."
	replyRetry     = "Temporary problem, try again later."
	replyFailed    = "Command failed."
)

// usageError carries the reply for a malformed command.
type usageError string

func (e usageError) Error() string { return string(e) }

type UsernameResolver interface {
	ResolveUsername(ctx context.Context, username string) (int64, error)
}

type command struct {
	usage      string
	permission string
	// botWide commands are checked without chat scope, so a chat grant
	// never unlocks them.
	botWide bool
	audit   string
	run     func(ctx context.Context, msg telegram.Message, req security.Request) (string, error)
}

// CommandService turns Telegram updates into gated admin commands.
type CommandService struct {
	logger      *slog.Logger
	telegramAPI ports.TelegramClient
	users       UsernameResolver
	security    *security.Service
	settings    ports.SettingsRepository
	queue       *KeyedQueue[ports.ChatAdminKey]
	panelURL    string

	commands map[string]command
	handlers map[string]security.Handler
}

func NewCommandService(
	logger *slog.Logger,
	telegramClient ports.TelegramClient,
	users UsernameResolver,
	sec *security.Service,
	settingsRepo ports.SettingsRepository,
	panelURL string,
) *CommandService {
	s := &CommandService{
		logger:      logger,
		telegramAPI: telegramClient,
		users:       users,
		security:    sec,
		settings:    settingsRepo,
		queue:       NewKeyedQueue[ports.ChatAdminKey](),
		panelURL:    panelURL,
	}
	s.commands = map[string]command{
		"start":       {usage: "/start", run: s.handleStart},
		"whoami":      {usage: "/whoami", run: s.handleWhoami},
		"admins":      {usage: "/admins", permission: security.PermAdminsView, run: s.handleAdmins},
		"promote":     {usage: "/promote <user> <1-3>", permission: security.PermAdminsManage, botWide: true, run: s.handlePromote},
		"demote":      {usage: "/demote <user>", permission: security.PermAdminsManage, botWide: true, run: s.handleDemote},
		"chatadmin":   {usage: "/chatadmin <user> <1-5> [duration]", permission: security.PermAdminsManage, run: s.handleChatAdmin},
		"unchatadmin": {usage: "/unchatadmin <user>", permission: security.PermAdminsManage, run: s.handleUnchatAdmin},
		"panel":       {usage: "/panel", permission: security.PermPanelAccess, botWide: true, run: s.handlePanel},
		"settings":    {usage: "/settings", permission: security.PermChatView, run: s.handleSettings},
		"set":         {usage: "/set <key> <value>", permission: security.PermSettingsEdit, audit: domain.ActionSettingsUpdate, run: s.handleSet},
	}
	s.handlers = make(map[string]security.Handler, len(s.commands))
	for name, cmd := range s.commands {
		s.handlers[name] = s.chain(name, cmd)
	}
	return s
}

// chain gates cmd by permission before throttling it, so denied callers
// never spend throttle budget.
func (s *CommandService) chain(name string, cmd command) security.Handler {
	var mws []security.Middleware
	if cmd.permission != "" {
		mws = append(mws, s.security.RequirePermission(cmd.permission))
	}
	mws = append(mws, s.security.Throttled("cmd:"+name))
	if cmd.audit != "" {
		mws = append(mws, s.security.Audited(cmd.audit))
	}
	run := cmd.run
	return security.Chain(func(ctx context.Context, req security.Request) error {
		msg, _ := messageFrom(ctx)
		text, err := run(ctx, msg, req)
		if err != nil {
			return err
		}
		return s.reply(ctx, msg, text)
	}, mws...)
}

// HandleUpdate runs one update. Updates of the same user in the same chat
// are processed one at a time, in arrival order.
func (s *CommandService) HandleUpdate(ctx context.Context, update telegram.Update) {
	if update.Message == nil {
		return
	}
	msg := *update.Message
	if msg.From.ID == 0 || msg.Chat.ID == 0 {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	fields := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	args := fields[1:]

	cmd, ok := s.commands[name]
	if !ok {
		_ = s.reply(ctx, msg, "Unknown command. Try /start.")
		return
	}
	if reply := msg.ReplyToMessage; reply != nil && reply.From.ID != 0 && takesTarget(name) {
		args = append([]string{strconv.FormatInt(reply.From.ID, 10)}, args...)
	}

	req := security.Request{
		UserID:  msg.From.ID,
		Command: name,
		Args:    args,
		Data:    map[string]any{"command": name, "args": strings.Join(args, " ")},
	}
	if !msg.Chat.IsPrivate() && !cmd.botWide {
		req.ChatID = msg.Chat.ID
	}

	queueKey := ports.ChatAdminKey{ChatID: msg.Chat.ID, UserID: msg.From.ID}
	err := s.queue.Run(ctx, queueKey, func(ctx context.Context) error {
		return s.handlers[name](withMessage(ctx, msg), req)
	})
	if err != nil {
		s.replyError(ctx, msg, cmd, err)
	}
}

func (s *CommandService) replyError(ctx context.Context, msg telegram.Message, cmd command, err error) {
	var usage usageError
	switch {
	case errors.Is(err, security.ErrThrottled):
		_ = s.reply(ctx, msg, replyThrottled)
	case errors.Is(err, security.ErrNotAuthorized):
		_ = s.reply(ctx, msg, replyNoAccess)
	case security.IsInfrastructure(err):
		s.logger.Error("command failed on infrastructure", "error", err, "chat_id", msg.Chat.ID, "user_id", msg.From.ID)
		_ = s.reply(ctx, msg, replyRetry)
	case errors.As(err, &usage):
		_ = s.reply(ctx, msg, string(usage))
	case errors.Is(err, security.ErrInvalidLevel):
		_ = s.reply(ctx, msg, "Usage: "+cmd.usage)
	case errors.Is(err, telegram.ErrUnknownUser):
		_ = s.reply(ctx, msg, "Unknown user. Use a numeric id or reply to their message.")
	case errors.Is(err, ErrSelfDemotion):
		_ = s.reply(ctx, msg, "You cannot demote yourself.")
	case errors.Is(err, errGroupOnly):
		_ = s.reply(ctx, msg, "This command works in group chats only.")
	case errors.Is(err, errPrivateOnly):
		_ = s.reply(ctx, msg, "Use this command in a private chat with the bot.")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error("command failed", "error", err, "chat_id", msg.Chat.ID, "user_id", msg.From.ID)
		_ = s.reply(ctx, msg, replyFailed)
	}
}

func (s *CommandService) handleStart(_ context.Context, _ telegram.Message, _ security.Request) (string, error) {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, "/"+name)
	}
	sort.Strings(names)
	return "Bot administration is ready.\nCommands: " + strings.Join(names, " "), nil
}

func (s *CommandService) handleWhoami(ctx context.Context, msg telegram.Message, req security.Request) (string, error) {
	lines := []string{fmt.Sprintf("User id: %d", req.UserID)}
	bot, found, err := s.security.ResolveBotAdmin(ctx, req.UserID)
	if err != nil {
		return "", err
	}
	if found {
		lines = append(lines, "Bot admin level: "+bot.Level.String())
	} else {
		lines = append(lines, "Bot admin level: none")
	}
	if !msg.Chat.IsPrivate() {
		chat, found, err := s.security.ResolveChatAdmin(ctx, req.UserID, msg.Chat.ID)
		if err != nil {
			return "", err
		}
		switch {
		case !found:
			lines = append(lines, "Chat admin level: none")
		case chat.ExpiresAt != nil:
			lines = append(lines, fmt.Sprintf("Chat admin level: %s (until %s)", chat.Level, chat.ExpiresAt.UTC().Format(time.RFC3339)))
		default:
			lines = append(lines, "Chat admin level: "+chat.Level.String())
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (s *CommandService) handleAdmins(ctx context.Context, msg telegram.Message, _ security.Request) (string, error) {
	if !msg.Chat.IsPrivate() {
		records, err := s.security.ListChatAdmins(ctx, msg.Chat.ID)
		if err != nil {
			return "", err
		}
		if len(records) == 0 {
			return "No chat admins.", nil
		}
		lines := []string{"Chat admins:"}
		for _, rec := range records {
			line := fmt.Sprintf("• %d: %s", rec.UserID, rec.Level)
			if rec.ExpiresAt != nil {
				line += " until " + rec.ExpiresAt.UTC().Format(time.RFC3339)
			}
			lines = append(lines, line)
		}
		return strings.Join(lines, "\n"), nil
	}

	records, err := s.security.ListBotAdmins(ctx)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "No bot admins.", nil
	}
	lines := []string{"Bot admins:"}
	for _, rec := range records {
		lines = append(lines, fmt.Sprintf("• %d: %s", rec.UserID, rec.Level))
	}
	return strings.Join(lines, "\n"), nil
}

func (s *CommandService) handlePromote(ctx context.Context, _ telegram.Message, req security.Request) (string, error) {
	if len(req.Args) != 2 {
		return "", usageError("Usage: " + s.commands["promote"].usage)
	}
	target, err := s.resolveTarget(ctx, req.Args[0])
	if err != nil {
		return "", err
	}
	level, err := strconv.Atoi(req.Args[1])
	if err != nil {
		return "", usageError("Usage: " + s.commands["promote"].usage)
	}
	record, err := s.security.PromoteBotAdmin(ctx, req.UserID, target, domain.BotLevel(level))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("User %d is now a %s bot admin.", record.UserID, record.Level), nil
}

func (s *CommandService) handleDemote(ctx context.Context, _ telegram.Message, req security.Request) (string, error) {
	if len(req.Args) != 1 {
		return "", usageError("Usage: " + s.commands["demote"].usage)
	}
	target, err := s.resolveTarget(ctx, req.Args[0])
	if err != nil {
		return "", err
	}
	if target == req.UserID {
		return "", ErrSelfDemotion
	}
	removed, err := s.security.DemoteBotAdmin(ctx, req.UserID, target)
	if err != nil {
		return "", err
	}
	if !removed {
		return fmt.Sprintf("User %d was not a bot admin.", target), nil
	}
	return fmt.Sprintf("User %d is no longer a bot admin.", target), nil
}

func (s *CommandService) handleChatAdmin(ctx context.Context, msg telegram.Message, req security.Request) (string, error) {
	if msg.Chat.IsPrivate() {
		return "", errGroupOnly
	}
	if len(req.Args) < 2 || len(req.Args) > 3 {
		return "", usageError("Usage: " + s.commands["chatadmin"].usage)
	}
	target, err := s.resolveTarget(ctx, req.Args[0])
	if err != nil {
		return "", err
	}
	level, err := strconv.Atoi(req.Args[1])
	if err != nil || !domain.ChatLevel(level).Valid() {
		return "", usageError("Usage: " + s.commands["chatadmin"].usage)
	}
	var ttl time.Duration
	if len(req.Args) == 3 {
		ttl, err = time.ParseDuration(req.Args[2])
		if err != nil || ttl <= 0 {
			return "", usageError("Duration must look like 90m or 24h.")
		}
	}

	if err := authorizeChatGrant(ctx, s.security, req.Principal(), domain.ChatLevel(level)); err != nil {
		return "", err
	}
	current, err := s.chatSettings(ctx, msg.Chat.ID)
	if err != nil {
		return "", err
	}
	if limit := current.AdminGrantLimit; limit != nil && *limit > 0 && (ttl == 0 || ttl > *limit) {
		ttl = *limit
	}

	record, err := s.security.PromoteChatAdmin(ctx, req.UserID, msg.Chat.ID, target, domain.ChatLevel(level), ttl)
	if err != nil {
		return "", err
	}
	if record.ExpiresAt != nil {
		return fmt.Sprintf("User %d is now %s here until %s.", target, record.Level, record.ExpiresAt.UTC().Format(time.RFC3339)), nil
	}
	return fmt.Sprintf("User %d is now %s here.", target, record.Level), nil
}

func (s *CommandService) handleUnchatAdmin(ctx context.Context, msg telegram.Message, req security.Request) (string, error) {
	if msg.Chat.IsPrivate() {
		return "", errGroupOnly
	}
	if len(req.Args) != 1 {
		return "", usageError("Usage: " + s.commands["unchatadmin"].usage)
	}
	target, err := s.resolveTarget(ctx, req.Args[0])
	if err != nil {
		return "", err
	}
	if err := authorizeChatRevoke(ctx, s.security, req.Principal(), target); err != nil {
		return "", err
	}
	removed, err := s.security.DemoteChatAdmin(ctx, req.UserID, msg.Chat.ID, target)
	if err != nil {
		return "", err
	}
	if !removed {
		return fmt.Sprintf("User %d had no admin grant here.", target), nil
	}
	return fmt.Sprintf("User %d is no longer an admin here.", target), nil
}

func (s *CommandService) handlePanel(ctx context.Context, msg telegram.Message, req security.Request) (string, error) {
	if !msg.Chat.IsPrivate() {
		return "", errPrivateOnly
	}
	token, err := s.security.CreateSession(ctx, req.UserID, map[string]string{"source": "telegram"})
	if err != nil {
		return "", err
	}
	text := "Control panel token:\n" + token
	if s.panelURL != "" {
		text += "\nSend it as a Bearer token to " + s.panelURL
	}
	return text, nil
}

func (s *CommandService) handleSettings(ctx context.Context, msg telegram.Message, _ security.Request) (string, error) {
	if msg.Chat.IsPrivate() {
		return "", errGroupOnly
	}
	current, err := s.chatSettings(ctx, msg.Chat.ID)
	if err != nil {
		return "", err
	}
	return "Chat settings:\n" + strings.Join(settings.Defaults().Merge(current).Lines(), "\n"), nil
}

func (s *CommandService) handleSet(ctx context.Context, msg telegram.Message, req security.Request) (string, error) {
	if msg.Chat.IsPrivate() {
		return "", errGroupOnly
	}
	if len(req.Args) < 2 {
		return "", usageError("Usage: /set <key> <value>\nKeys: " + strings.Join(settings.Keys(), ", "))
	}
	key := strings.ToLower(req.Args[0])
	value := strings.Join(req.Args[1:], " ")

	current, err := s.chatSettings(ctx, msg.Chat.ID)
	if err != nil {
		return "", err
	}
	if err := current.Set(key, value); err != nil {
		return "", usageError(err.Error())
	}
	if err := s.settings.UpsertChatSettings(ctx, msg.Chat.ID, current); err != nil {
		return "", security.WrapInfrastructure("save chat settings", err)
	}
	return fmt.Sprintf("%s updated.", key), nil
}

// chatSettings returns the overrides stored for chatID, empty when none are.
func (s *CommandService) chatSettings(ctx context.Context, chatID int64) (settings.ChatSettings, error) {
	current, _, err := s.settings.GetChatSettings(ctx, chatID)
	if err != nil {
		return settings.ChatSettings{}, security.WrapInfrastructure("load chat settings", err)
	}
	return current, nil
}

func (s *CommandService) resolveTarget(ctx context.Context, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "@") {
		if s.users == nil {
			return 0, telegram.ErrUnknownUser
		}
		return s.users.ResolveUsername(ctx, raw)
	}
	userID, err := parseTelegramID(raw)
	if err != nil {
		return 0, usageError("User must be a numeric id, an @username, or given by replying to their message.")
	}
	return userID, nil
}

func (s *CommandService) reply(ctx context.Context, msg telegram.Message, text string) error {
	if text == "" {
		return nil
	}
	if err := s.telegramAPI.SendMessage(ctx, msg.Chat.ID, text); err != nil {
		s.logger.Warn("send reply failed", "error", err, "chat_id", msg.Chat.ID)
	}
	return nil
}

func takesTarget(name string) bool {
	switch name {
	case "promote", "demote", "chatadmin", "unchatadmin":
		return true
	}
	return false
}

type messageKey struct{}

func withMessage(ctx context.Context, msg telegram.Message) context.Context {
	return context.WithValue(ctx, messageKey{}, msg)
}

func messageFrom(ctx context.Context) (telegram.Message, bool) {
	msg, ok := ctx.Value(messageKey{}).(telegram.Message)
	return msg, ok
}

func parseTelegramID(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("empty id")
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("invalid id")
	}
	return parsed, nil
}
