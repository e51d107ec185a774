package security

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hanamilabs/telegram-bot-admin/internal/domain"
)

// Wildcard in a chat permission set grants every capability.
const Wildcard = "*"

// Bot-wide capabilities.
const (
	PermUsersView        = "users.view"
	PermUsersBlock       = "users.block"
	PermUsersEdit        = "users.edit"
	PermBroadcastSend    = "broadcast.send"
	PermBroadcastManage  = "broadcast.manage"
	PermStatsView        = "stats.view"
	PermStatsExport      = "stats.export"
	PermCommandsManage   = "commands.manage"
	PermModerationManage = "moderation.manage"
	PermRatingManage     = "rating.manage"
	PermAdminsView       = "admins.view"
	PermAdminsManage     = "admins.manage"
	PermChatsManage      = "chats.manage"
	PermSettingsEdit     = "settings.edit"
	PermPanelAccess      = "panel.access"
	PermSystemMaintain   = "system.maintenance"
)

// Chat-scoped capabilities.
const (
	PermChatView       = "chat.view"
	PermChatStats      = "chat.stats"
	PermMessagesDelete = "messages.delete"
	PermUsersWarn      = "users.warn"
	PermUsersMute      = "users.mute"
	PermUsersKick      = "users.kick"
	PermUsersBan       = "users.ban"
	PermFiltersManage  = "filters.manage"
)

// Registry maps a permission name to the minimum bot-admin level holding it.
// It is immutable once built.
type Registry struct {
	required map[string]domain.BotLevel
}

func NewRegistry(required map[string]domain.BotLevel) (Registry, error) {
	out := make(map[string]domain.BotLevel, len(required))
	for name, level := range required {
		name = normalizePermission(name)
		if name == "" || name == Wildcard {
			return Registry{}, fmt.Errorf("permission name %q is not allowed", name)
		}
		if !level.Valid() {
			return Registry{}, fmt.Errorf("permission %s: %w: %d", name, ErrInvalidLevel, level)
		}
		out[name] = level
	}
	return Registry{required: out}, nil
}

// RequiredLevel returns the bot level needed for name, or false when name is
// not a bot-wide permission.
func (r Registry) RequiredLevel(name string) (domain.BotLevel, bool) {
	level, ok := r.required[normalizePermission(name)]
	return level, ok
}

// Granted lists the permissions a bot admin at level holds, sorted.
func (r Registry) Granted(level domain.BotLevel) []string {
	out := make([]string, 0, len(r.required))
	for name, required := range r.required {
		if level >= required {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r Registry) Names() []string {
	return r.Granted(domain.BotLevelMain)
}

// ChatPolicy holds the cumulative capability sets of each chat-admin level.
type ChatPolicy struct {
	sets map[domain.ChatLevel]map[string]struct{}
}

// NewChatPolicy builds the cumulative sets from the capabilities introduced at
// each level: level L holds its own entries plus those of every level below.
// The owner level always holds the wildcard.
func NewChatPolicy(introduced map[domain.ChatLevel][]string) (ChatPolicy, error) {
	for level := range introduced {
		if !level.Valid() {
			return ChatPolicy{}, fmt.Errorf("chat policy: %w: %d", ErrInvalidLevel, level)
		}
	}
	sets := make(map[domain.ChatLevel]map[string]struct{}, int(domain.ChatLevelOwner))
	acc := map[string]struct{}{}
	for level := domain.ChatLevelObserver; level <= domain.ChatLevelOwner; level++ {
		for _, name := range introduced[level] {
			if name = normalizePermission(name); name != "" {
				acc[name] = struct{}{}
			}
		}
		if level == domain.ChatLevelOwner {
			acc[Wildcard] = struct{}{}
		}
		set := make(map[string]struct{}, len(acc))
		for name := range acc {
			set[name] = struct{}{}
		}
		sets[level] = set
	}
	return ChatPolicy{sets: sets}, nil
}

// Allows reports whether a chat admin at level holds name.
func (p ChatPolicy) Allows(level domain.ChatLevel, name string) bool {
	set, ok := p.sets[level]
	if !ok {
		return false
	}
	if _, ok := set[Wildcard]; ok {
		return true
	}
	_, ok = set[normalizePermission(name)]
	return ok
}

// Set returns the sorted capability set of level, wildcard included.
func (p ChatPolicy) Set(level domain.ChatLevel) []string {
	set := p.sets[level]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry is the built-in bot-wide permission table.
func DefaultRegistry() Registry {
	r, err := NewRegistry(map[string]domain.BotLevel{
		PermUsersView:        domain.BotLevelJunior,
		PermStatsView:        domain.BotLevelJunior,
		PermAdminsView:       domain.BotLevelJunior,
		PermPanelAccess:      domain.BotLevelJunior,
		PermChatView:         domain.BotLevelJunior,
		PermChatStats:        domain.BotLevelJunior,
		PermMessagesDelete:   domain.BotLevelJunior,
		PermUsersWarn:        domain.BotLevelJunior,
		PermUsersBlock:       domain.BotLevelSenior,
		PermUsersEdit:        domain.BotLevelSenior,
		PermBroadcastSend:    domain.BotLevelSenior,
		PermStatsExport:      domain.BotLevelSenior,
		PermModerationManage: domain.BotLevelSenior,
		PermCommandsManage:   domain.BotLevelSenior,
		PermUsersMute:        domain.BotLevelSenior,
		PermUsersKick:        domain.BotLevelSenior,
		PermFiltersManage:    domain.BotLevelSenior,
		PermSettingsEdit:     domain.BotLevelSenior,
		PermUsersBan:         domain.BotLevelSenior,
		PermBroadcastManage:  domain.BotLevelMain,
		PermRatingManage:     domain.BotLevelMain,
		PermAdminsManage:     domain.BotLevelMain,
		PermChatsManage:      domain.BotLevelMain,
		PermSystemMaintain:   domain.BotLevelMain,
	})
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultChatPolicy is the built-in chat-admin ladder.
func DefaultChatPolicy() ChatPolicy {
	p, err := NewChatPolicy(map[domain.ChatLevel][]string{
		domain.ChatLevelObserver:  {PermChatView, PermChatStats},
		domain.ChatLevelHelper:    {PermMessagesDelete, PermUsersWarn},
		domain.ChatLevelModerator: {PermUsersMute, PermUsersKick, PermAdminsView},
		domain.ChatLevelAdmin:     {PermUsersBan, PermFiltersManage, PermSettingsEdit, PermCommandsManage},
	})
	if err != nil {
		panic(err)
	}
	return p
}

func normalizePermission(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
