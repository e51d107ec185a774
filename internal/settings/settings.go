// Package settings holds typed per-chat settings. Every field is optional:
// a nil pointer means "not set here", so layering an override on top of a
// base only replaces the fields the override actually carries.
package settings

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type ChatSettings struct {
	Antiflood       *bool          `json:"antiflood,omitempty"`
	FloodPerMinute  *int           `json:"floodPerMinute,omitempty"`
	DeleteLinks     *bool          `json:"deleteLinks,omitempty"`
	WelcomeMessage  *string        `json:"welcomeMessage,omitempty"`
	WarnLimit       *int           `json:"warnLimit,omitempty"`
	MuteDuration    *time.Duration `json:"muteDuration,omitempty"`
	AdminGrantLimit *time.Duration `json:"adminGrantLimit,omitempty"`
}

// Defaults are the values a chat starts from before any override is stored.
func Defaults() ChatSettings {
	return ChatSettings{
		Antiflood:      ptr(true),
		FloodPerMinute: ptr(20),
		DeleteLinks:    ptr(false),
		WelcomeMessage: ptr(""),
		WarnLimit:      ptr(3),
		MuteDuration:   ptr(time.Hour),
	}
}

// Merge returns s with every field present in override replacing the
// corresponding field of s.
func (s ChatSettings) Merge(override ChatSettings) ChatSettings {
	out := s
	if override.Antiflood != nil {
		out.Antiflood = ptr(*override.Antiflood)
	}
	if override.FloodPerMinute != nil {
		out.FloodPerMinute = ptr(*override.FloodPerMinute)
	}
	if override.DeleteLinks != nil {
		out.DeleteLinks = ptr(*override.DeleteLinks)
	}
	if override.WelcomeMessage != nil {
		out.WelcomeMessage = ptr(*override.WelcomeMessage)
	}
	if override.WarnLimit != nil {
		out.WarnLimit = ptr(*override.WarnLimit)
	}
	if override.MuteDuration != nil {
		out.MuteDuration = ptr(*override.MuteDuration)
	}
	if override.AdminGrantLimit != nil {
		out.AdminGrantLimit = ptr(*override.AdminGrantLimit)
	}
	return out
}

var keys = map[string]func(*ChatSettings, string) error{
	"antiflood": func(s *ChatSettings, raw string) error {
		v, err := parseSwitch(raw)
		if err != nil {
			return err
		}
		s.Antiflood = &v
		return nil
	},
	"flood_per_minute": func(s *ChatSettings, raw string) error {
		v, err := parsePositive(raw)
		if err != nil {
			return err
		}
		s.FloodPerMinute = &v
		return nil
	},
	"delete_links": func(s *ChatSettings, raw string) error {
		v, err := parseSwitch(raw)
		if err != nil {
			return err
		}
		s.DeleteLinks = &v
		return nil
	},
	"welcome": func(s *ChatSettings, raw string) error {
		v := strings.TrimSpace(raw)
		s.WelcomeMessage = &v
		return nil
	},
	"warn_limit": func(s *ChatSettings, raw string) error {
		v, err := parsePositive(raw)
		if err != nil {
			return err
		}
		s.WarnLimit = &v
		return nil
	},
	"mute_duration": func(s *ChatSettings, raw string) error {
		v, err := parseDuration(raw)
		if err != nil {
			return err
		}
		s.MuteDuration = &v
		return nil
	},
	"admin_grant_limit": func(s *ChatSettings, raw string) error {
		v, err := parseDuration(raw)
		if err != nil {
			return err
		}
		s.AdminGrantLimit = &v
		return nil
	},
}

// Keys lists the names accepted by Set, sorted.
func Keys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Set parses raw for the named key and stores it in s.
func (s *ChatSettings) Set(key string, raw string) error {
	setter, ok := keys[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return fmt.Errorf("unknown setting %q (known: %s)", key, strings.Join(Keys(), ", "))
	}
	if err := setter(s, raw); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// Lines renders the effective values as "key: value" lines in key order.
func (s ChatSettings) Lines() []string {
	values := map[string]string{
		"antiflood":         fmtBool(s.Antiflood),
		"flood_per_minute":  fmtInt(s.FloodPerMinute),
		"delete_links":      fmtBool(s.DeleteLinks),
		"welcome":           fmtString(s.WelcomeMessage),
		"warn_limit":        fmtInt(s.WarnLimit),
		"mute_duration":     fmtDuration(s.MuteDuration),
		"admin_grant_limit": fmtDuration(s.AdminGrantLimit),
	}
	out := make([]string, 0, len(values))
	for _, k := range Keys() {
		out = append(out, k+": "+values[k])
	}
	return out
}

func parseSwitch(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "yes", "enable", "enabled":
		return true, nil
	case "off", "no", "disable", "disabled":
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(raw))
}

func parsePositive(raw string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("must be > 0: got %d", v)
	}
	return v, nil
}

func parseDuration(raw string) (time.Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("must not be negative: got %s", v)
	}
	return v, nil
}

func fmtBool(v *bool) string {
	if v == nil {
		return "unset"
	}
	if *v {
		return "on"
	}
	return "off"
}

func fmtInt(v *int) string {
	if v == nil {
		return "unset"
	}
	return strconv.Itoa(*v)
}

func fmtString(v *string) string {
	if v == nil || *v == "" {
		return "unset"
	}
	return *v
}

func fmtDuration(v *time.Duration) string {
	if v == nil || *v == 0 {
		return "unset"
	}
	return v.String()
}

func ptr[T any](v T) *T {
	return &v
}
