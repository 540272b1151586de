package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/larkclaw/internal/agent"
	"github.com/nextlevelbuilder/larkclaw/internal/bus"
	"github.com/nextlevelbuilder/larkclaw/internal/channels"
	"github.com/nextlevelbuilder/larkclaw/internal/channels/feishu"
	"github.com/nextlevelbuilder/larkclaw/internal/config"
	"github.com/nextlevelbuilder/larkclaw/internal/gateway"
	"github.com/nextlevelbuilder/larkclaw/internal/metrics"
	"github.com/nextlevelbuilder/larkclaw/internal/tracing"
	"github.com/nextlevelbuilder/larkclaw/pkg/protocol"
)

const shutdownTimeout = 10 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the Feishu/Lark gateway (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	cfgPath, cfg, err := loadConfig()
	if err != nil {
		setupLogging("")
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Gateway.LogLevel)

	// First run: env vars carry credentials (Docker / CI) or the wizard is needed.
	if !cfg.Channels.Feishu.Enabled {
		if canAutoOnboard() {
			if !runAutoOnboard(cfgPath) {
				os.Exit(1)
			}
			_, cfg, _ = loadConfig()
		} else if _, statErr := os.Stat(cfgPath); statErr == nil {
			fmt.Println("Feishu channel is not enabled. Did you forget to load your secrets?")
			fmt.Println()
			fmt.Printf("  set -a; source %s; set +a; larkclaw\n", envFilePath(cfgPath))
			fmt.Println()
			fmt.Println("Or re-run the setup wizard:  larkclaw onboard")
			os.Exit(1)
		} else {
			fmt.Println("No configuration found. Starting setup wizard...")
			fmt.Println()
			runOnboard()
			return
		}
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if err := serveGateway(cfgPath, cfg); err != nil {
		slog.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
}

// serveGateway wires the channel, the agent runner and the ambient servers,
// and blocks until SIGINT/SIGTERM or a fatal component error.
func serveGateway(cfgPath string, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	delivery := metrics.Default()
	msgBus := bus.New()
	channelMgr := channels.NewManager(msgBus)
	channelMgr.SetReplyHooks(replyHooks())

	feishuCh, err := feishu.New(cfg.FeishuSnapshot(), msgBus, feishu.WithDeliveryMetrics(delivery))
	if err != nil {
		return fmt.Errorf("create feishu channel: %w", err)
	}
	channelMgr.RegisterChannel(feishuCh.Name(), feishuCh)

	runner := agent.NewExecRunner(cfg.Agent)

	if err := channelMgr.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	watcher, err := config.NewWatcher(cfgPath, cfg, func(updated *config.Config) {
		cfg.ReplaceFrom(updated)
		feishuCh.UpdateConfig(cfg.FeishuSnapshot())
		msgBus.Broadcast(bus.Event{Name: protocol.EventConfigReloaded, Payload: cfgPath})
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	} else if err := watcher.Start(ctx); err != nil {
		slog.Warn("config hot reload disabled", "error", err)
		watcher = nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		consumeInboundMessages(gctx, msgBus, channelMgr, runner)
		return nil
	})
	if addr := cfg.Gateway.MetricsAddr; addr != "" {
		ops := gateway.NewServer(addr, Version, channelMgr, msgBus)
		g.Go(func() error { return ops.Start(gctx) })
	}

	slog.Info("larkclaw gateway running",
		"version", Version,
		"connection_mode", cfg.Channels.Feishu.ConnectionMode,
		"agent", cfg.Agent.Command,
	)
	<-gctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		watcher.Stop()
	}
	_ = channelMgr.StopAll(shutdownCtx)
	stop()
	err = g.Wait()

	if tErr := shutdownTracing(shutdownCtx); tErr != nil {
		slog.Warn("tracing shutdown", "error", tErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// replyHooks logs delivery failures and reply outcomes for every session.
func replyHooks() channels.Hooks {
	return channels.Hooks{
		OnError: func(err error, info channels.DeliveryInfo) {
			slog.Warn("reply delivery failed",
				"kind", info.Kind.String(),
				"stage", info.Stage,
				"chunk", info.Chunk,
				"error", err,
			)
		},
		OnIdle: func(outcome channels.DeliveryOutcome) {
			slog.Debug("reply idle",
				"final_sends", outcome.FinalSends,
				"stream_updates", outcome.StreamUpdates,
				"media_sent", outcome.MediaSent,
				"errors", outcome.Errors,
			)
		},
	}
}
