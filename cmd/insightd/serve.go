package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/budget"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/config"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/executor"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/ledger"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/notify"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/provider"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/runtime"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/scheduler"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/stream"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/trigger"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/web/api"
)

var servePort int

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane: scheduler, HTTP API and telemetry",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override web.port from the config")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(levelVar *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	return notify.NewMultiNotifier(notifiers...)
}

func buildProviders(cfg *config.Config) *provider.Registry {
	spacing := time.Duration(cfg.Providers.MinRequestInterval * float64(time.Second))
	anthropic := provider.NewAnthropicClient(cfg.Providers.AnthropicAPIKey, spacing)
	if cfg.Providers.AnthropicBaseURL != "" {
		anthropic.SetBaseURL(cfg.Providers.AnthropicBaseURL)
	}
	return provider.NewRegistry(anthropic)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(parseLevel(cfg.General.LogLevel))
	logger := newLogger(levelVar)

	store, err := ledger.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer store.Close()

	tracker := budget.New(store)
	gate := runtime.NewGate(store, tracker, logger)

	policy := executor.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelaySeconds) * time.Second,
		Timeout:     time.Duration(cfg.Retry.TimeoutMinutes) * time.Minute,
	}
	exec := executor.New(buildProviders(cfg), store, tracker, buildNotifier(cfg), policy, logger)

	sched := scheduler.New(store, gate, exec, cfg.SchedulerTick(), logger)

	gateway := trigger.New(store, gate, exec, logger)
	gateway.ResetsClock = cfg.Scheduler.ManualResetsClock

	broadcaster := stream.New(store, cfg.Telemetry.SubscriberCap, cfg.TelemetryTick(), logger)

	server := api.NewServer(store, gateway, broadcaster, cfg.ListenAddr(), cfg.Web.OperatorToken, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("control plane starting",
		"addr", cfg.ListenAddr(),
		"db", cfg.General.DatabasePath,
		"scheduler_tick", cfg.SchedulerTick(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return broadcaster.Run(gctx)
	})
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		// Only log_level applies live. Everything else needs a restart.
		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		err := config.Watch(gctx, path, logger, func(next *config.Config) {
			levelVar.Set(parseLevel(next.General.LogLevel))
		})
		if err != nil && gctx.Err() == nil {
			logger.Warn("config watcher stopped", "error", err)
		}
		return nil
	})

	err = g.Wait()
	gateway.Wait()

	if err != nil && ctx.Err() != nil {
		logger.Info("control plane stopped")
		return nil
	}
	return err
}
