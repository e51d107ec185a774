package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// TierLimits is the (per-second, per-minute) pair applied to one throttle tier.
type TierLimits struct {
	PerSecond int
	PerMinute int
}

type Config struct {
	BotToken           string        `envconfig:"BOT_TOKEN"`
	AdminUserIDsRaw    string        `envconfig:"ADMIN_USER_IDS"`
	BotTransport       string        `envconfig:"BOT_TRANSPORT" default:"polling" validate:"oneof=polling webhook"`
	WebhookURL         string        `envconfig:"WEBHOOK_URL"`
	WebhookListenAddr  string        `envconfig:"WEBHOOK_LISTEN_ADDR" default:":8090"`
	BotPollingInterval time.Duration `envconfig:"BOT_POLLING_INTERVAL" default:"2s"`
	BotRequestTimeout  time.Duration `envconfig:"BOT_REQUEST_TIMEOUT" default:"60s"`
	DataDir            string        `envconfig:"DATA_DIR" default:"./data"`
	ControlAddr        string        `envconfig:"CONTROL_ADDR" default:"127.0.0.1:4097"`
	// ControlTrustProxy takes the client IP from X-Forwarded-For/X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	ControlTrustProxy  bool          `envconfig:"CONTROL_TRUST_PROXY" default:"false"`
	ControlIPPerMinute int           `envconfig:"CONTROL_IP_PER_MINUTE" default:"120" validate:"gt=0"`

	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"3s" validate:"gt=0"`

	SessionBackend string        `envconfig:"SESSION_BACKEND" default:"memory" validate:"oneof=memory redis"`
	SessionSecret  string        `envconfig:"SESSION_SECRET"`
	SessionTimeout time.Duration `envconfig:"SESSION_TIMEOUT" default:"30m" validate:"gt=0"`
	RedisAddr      string        `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`

	ThrottleAnonPerSecond   int `envconfig:"THROTTLE_ANON_PER_SECOND" default:"1" validate:"gt=0"`
	ThrottleAnonPerMinute   int `envconfig:"THROTTLE_ANON_PER_MINUTE" default:"20" validate:"gt=0"`
	ThrottleJuniorPerSecond int `envconfig:"THROTTLE_JUNIOR_PER_SECOND" default:"2" validate:"gt=0"`
	ThrottleJuniorPerMinute int `envconfig:"THROTTLE_JUNIOR_PER_MINUTE" default:"40" validate:"gt=0"`
	ThrottleSeniorPerSecond int `envconfig:"THROTTLE_SENIOR_PER_SECOND" default:"3" validate:"gt=0"`
	ThrottleSeniorPerMinute int `envconfig:"THROTTLE_SENIOR_PER_MINUTE" default:"60" validate:"gt=0"`
	ThrottleMainPerSecond   int `envconfig:"THROTTLE_MAIN_PER_SECOND" default:"5" validate:"gt=0"`
	ThrottleMainPerMinute   int `envconfig:"THROTTLE_MAIN_PER_MINUTE" default:"120" validate:"gt=0"`

	MaintenanceSchedule string `envconfig:"MAINTENANCE_SCHEDULE" default:"@every 10m"`

	LogLevel      string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogMaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"10"`
	LogMaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"5"`
	LogMaxAgeDays int    `envconfig:"LOG_MAX_AGE_DAYS" default:"14"`

	// Derived from the raw values above.
	AdminUserIDs []int64 `ignored:"true"`
	DatabasePath string  `ignored:"true"`
	LogFilePath  string  `ignored:"true"`
}

// LoadFromEnv reads, derives and validates the configuration. A bot token is
// required only for commands that talk to Telegram; see RequireBot.
func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}

	adminIDs, err := parseInt64List(cfg.AdminUserIDsRaw)
	if err != nil {
		return Config{}, fmt.Errorf("parse ADMIN_USER_IDS: %w", err)
	}
	cfg.AdminUserIDs = adminIDs
	cfg.BotToken = strings.TrimSpace(cfg.BotToken)
	cfg.WebhookURL = strings.TrimSpace(cfg.WebhookURL)
	cfg.DataDir = defaultString(cfg.DataDir, "./data")
	cfg.DatabasePath = filepath.Join(cfg.DataDir, "botadmin.db")
	cfg.LogFilePath = filepath.Join(cfg.DataDir, "logs", "botadmin.log")

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RequireBot checks the settings needed to run the Telegram side of the process.
func (c Config) RequireBot() error {
	if c.BotToken == "" {
		return errors.New("BOT_TOKEN is required")
	}
	if len(c.AdminUserIDs) == 0 {
		return errors.New("ADMIN_USER_IDS is required")
	}
	return nil
}

// ThrottleTiers returns the limits keyed by tier name: anonymous, junior, senior, main.
func (c Config) ThrottleTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"anonymous": {PerSecond: c.ThrottleAnonPerSecond, PerMinute: c.ThrottleAnonPerMinute},
		"junior":    {PerSecond: c.ThrottleJuniorPerSecond, PerMinute: c.ThrottleJuniorPerMinute},
		"senior":    {PerSecond: c.ThrottleSeniorPerSecond, PerMinute: c.ThrottleSeniorPerMinute},
		"main":      {PerSecond: c.ThrottleMainPerSecond, PerMinute: c.ThrottleMainPerMinute},
	}
}

var structValidator = validator.New()

func validate(cfg Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			first := fieldErrs[0]
			return fmt.Errorf("invalid %s: failed %q (got %v)", first.Field(), first.Tag(), first.Value())
		}
		return err
	}
	if cfg.BotTransport == "webhook" && cfg.WebhookURL == "" {
		return errors.New("WEBHOOK_URL is required when BOT_TRANSPORT=webhook")
	}
	if cfg.BotTransport == "webhook" && strings.TrimSpace(cfg.WebhookListenAddr) == "" {
		return errors.New("WEBHOOK_LISTEN_ADDR is required when BOT_TRANSPORT=webhook")
	}
	if cfg.SessionBackend == "redis" && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("REDIS_ADDR is required when SESSION_BACKEND=redis")
	}
	if len(cfg.SessionSecret) > 0 && len(cfg.SessionSecret) < 16 {
		return fmt.Errorf("SESSION_SECRET must be at least 16 bytes: got %d", len(cfg.SessionSecret))
	}
	for name, tier := range cfg.ThrottleTiers() {
		if tier.PerMinute < tier.PerSecond {
			return fmt.Errorf("throttle tier %s: per-minute limit %d below per-second limit %d", name, tier.PerMinute, tier.PerSecond)
		}
	}
	return nil
}

func parseInt64List(raw string) ([]int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, ",")
	out := make([]int64, 0, len(parts))
	for _, part := range parts {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		v, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric ID %q: %w", item, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
