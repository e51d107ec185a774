package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanamilabs/telegram-bot-admin/internal/config"
	"github.com/hanamilabs/telegram-bot-admin/internal/domain"
	"github.com/hanamilabs/telegram-bot-admin/internal/logging"
)

// cliActor is recorded as the actor of writes made from the command line.
const cliActor = int64(0)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema, import legacy JSON and seed configured admins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, rt *core) error {
				stats, err := rt.store.ImportLegacyJSON(ctx, rt.cfg.DataDir, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migration complete (imported botAdmins=%d chatAdmins=%d skipped=%d)\n", stats.BotAdmins, stats.ChatAdmins, stats.Skipped)
				return nil
			})
		},
	}
}

func newImportJSONCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-json",
		Short: "Import admins.json and chat-admins.json from DATA_DIR",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, rt *core) error {
				stats, err := rt.store.ImportLegacyJSON(ctx, rt.cfg.DataDir, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "import complete: botAdmins=%d chatAdmins=%d skipped=%d\n", stats.BotAdmins, stats.ChatAdmins, stats.Skipped)
				return nil
			})
		},
	}
}

func newPromoteCmd() *cobra.Command {
	var chatID int64
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "promote <user-id> <level>",
		Short: "Grant a bot admin level (1-3), or a chat admin level (1-5) with --chat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			level, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("level must be a number: %w", err)
			}
			return withCore(cmd.Context(), func(ctx context.Context, rt *core) error {
				if chatID != 0 {
					record, err := rt.security.PromoteChatAdmin(ctx, cliActor, chatID, userID, domain.ChatLevel(level), ttl)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "user %d is now %s in chat %d\n", record.UserID, record.Level, record.ChatID)
					return nil
				}
				record, err := rt.security.PromoteBotAdmin(ctx, cliActor, userID, domain.BotLevel(level))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user %d is now a %s bot admin\n", record.UserID, record.Level)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", 0, "chat id for a chat-scoped grant (pass negative ids as --chat=-100)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "grant duration for chat-scoped grants (0 = permanent)")
	return cmd
}

func newDemoteCmd() *cobra.Command {
	var chatID int64
	cmd := &cobra.Command{
		Use:   "demote <user-id>",
		Short: "Remove a bot admin, or a chat admin with --chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return withCore(cmd.Context(), func(ctx context.Context, rt *core) error {
				var removed bool
				if chatID != 0 {
					removed, err = rt.security.DemoteChatAdmin(ctx, cliActor, chatID, userID)
				} else {
					removed, err = rt.security.DemoteBotAdmin(ctx, cliActor, userID)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed=%t\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", 0, "chat id for a chat-scoped grant (pass negative ids as --chat=-100)")
	return cmd
}

func newPurgeExpiredCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-expired",
		Short: "Delete chat admin grants past their expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd.Context(), func(ctx context.Context, rt *core) error {
				n, err := rt.security.PurgeExpiredChatAdmins(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired chat admin grants\n", n)
				return nil
			})
		},
	}
}

// withCore loads config, opens the core and runs fn against it.
func withCore(ctx context.Context, fn func(context.Context, *core) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg)
	if err != nil {
		return err
	}
	rt, err := openCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("user id must be a positive integer, got %q", raw)
	}
	return id, nil
}
