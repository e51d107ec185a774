package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hanamilabs/telegram-bot-admin/internal/app"
	"github.com/hanamilabs/telegram-bot-admin/internal/config"
	"github.com/hanamilabs/telegram-bot-admin/internal/logging"
	"github.com/hanamilabs/telegram-bot-admin/internal/maintenance"
	"github.com/hanamilabs/telegram-bot-admin/internal/service"
	"github.com/hanamilabs/telegram-bot-admin/internal/telegram"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the control API and the maintenance scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := cfg.RequireBot(); err != nil {
		return err
	}
	logger, err := logging.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	importStats, importErr := rt.store.ImportLegacyJSON(ctx, cfg.DataDir, time.Now())
	if importErr != nil {
		logger.Warn("legacy JSON import skipped", "error", importErr)
	} else if importStats.BotAdmins+importStats.ChatAdmins > 0 {
		logger.Info("legacy JSON import complete",
			"bot_admins", importStats.BotAdmins,
			"chat_admins", importStats.ChatAdmins,
			"skipped", importStats.Skipped,
		)
	}

	telegramAPI := telegram.NewAPI(cfg.BotToken, cfg.BotRequestTimeout, cfg.BotPollingInterval)
	commands := service.NewCommandService(logger, telegramAPI, telegramAPI, rt.security, rt.store, "http://"+cfg.ControlAddr)

	checks := map[string]app.HealthCheck{
		"store": rt.store.Ping,
		"telegram": func(ctx context.Context) error {
			_, err := telegramAPI.CheckConnectivity(ctx)
			return err
		},
	}
	if rt.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return rt.redis.Ping(ctx).Err() }
	}
	server := app.NewControlServer(app.ControlServerDeps{
		Addr:     cfg.ControlAddr,
		Logger:   logger,
		Control:  service.NewControlService(rt.security),
		Security: rt.security,
		Metrics:  rt.metrics,
		Checks:   checks,

		TrustProxy:          cfg.ControlTrustProxy,
		IPRequestsPerMinute: cfg.ControlIPPerMinute,
	})

	scheduler, err := maintenance.New(cfg.MaintenanceSchedule, maintenance.Jobs(rt.security, rt.sweeper), logger, rt.metrics)
	if err != nil {
		return err
	}

	var webhook *app.WebhookServer
	if cfg.BotTransport == "webhook" {
		if err := telegramAPI.SetupWebhook(ctx, cfg.WebhookURL); err != nil {
			return err
		}
		webhook = app.NewWebhookServer(cfg.WebhookListenAddr, telegram.WebhookPath(cfg.WebhookURL), commands.HandleUpdate, logger)
	} else if err := telegramAPI.DeleteWebhook(ctx); err != nil {
		logger.Warn("delete webhook failed before polling", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !app.IsServerClosed(err) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	if webhook != nil {
		g.Go(func() error {
			if err := webhook.ListenAndServe(); err != nil && !app.IsServerClosed(err) {
				return err
			}
			return nil
		})
	} else {
		g.Go(func() error {
			return telegramAPI.PollUpdates(gctx, commands.HandleUpdate)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if webhook != nil {
			if err := webhook.Shutdown(shutdownCtx); err != nil && !app.IsServerClosed(err) {
				return err
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil && !app.IsServerClosed(err) {
			return err
		}
		return nil
	})

	logger.Info("botadmin serving", "control_addr", cfg.ControlAddr, "transport", cfg.BotTransport, "session_backend", cfg.SessionBackend)
	return g.Wait()
}
