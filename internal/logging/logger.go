// Package logging builds the process logger: JSON records on stdout, mirrored
// into a size-rotated file under DATA_DIR.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hanamilabs/telegram-bot-admin/internal/config"
)

// New returns the service logger. Rotation limits come from the LOG_* keys.
// An empty LogFilePath logs to stdout only.
func New(cfg config.Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	if cfg.LogFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFilePath,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		})
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactSecrets,
	})
	return slog.New(handler).With("service", "botadmin"), nil
}

// Discard drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel accepts debug, info, warn and error in any case. Empty is info.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if strings.TrimSpace(level) == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", level, err)
	}
	return l, nil
}

// redactSecrets blanks attributes that carry bearer material.
func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	switch strings.ToLower(a.Key) {
	case "token", "session_token", "secret", "bot_token":
		return slog.String(a.Key, "[redacted]")
	}
	return a
}
