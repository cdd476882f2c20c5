package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dingbridge/internal/agent"
	"dingbridge/internal/auth"
	"dingbridge/internal/bridge"
	"dingbridge/internal/bus"
	"dingbridge/internal/channel"
	"dingbridge/internal/config"
	"dingbridge/internal/dispatch"
	"dingbridge/internal/emitter"
	"dingbridge/internal/inbound"
	"dingbridge/internal/metrics"
	"dingbridge/internal/provider"
	"dingbridge/internal/stream"
	"dingbridge/internal/tool"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func runCmd() *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to DingTalk and serve agents",
		Long:  "Opens the stream session, serves agent turns and the health/metrics endpoints. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(!noWatch)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}

func runBridge(watch bool) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = newLogger(os.Stderr, cfg.General.LogLevel, cfg.General.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := metrics.SetupTracing(ctx, metrics.TraceConfig{
		ServiceName:    "dingbridge",
		ServiceVersion: version,
		Endpoint:       cfg.Metrics.OTLPEndpoint,
		Insecure:       cfg.Metrics.OTLPInsecure,
		SamplingRatio:  cfg.Metrics.SamplingRatio,
	})
	if err != nil {
		logger.Warn("tracing disabled", "err", err)
	}

	m := metrics.New()
	events := bus.NewEventBus(logger)

	creds := cfg.DingTalk.Credentials()
	if creds.Empty() {
		logger.Warn("dingtalk credentials not set; stream stays halted until the config provides them")
	}
	tokens := auth.NewTokenSource(auth.TokenSourceConfig{
		APIBase:     cfg.DingTalk.APIBase,
		Credentials: creds,
		Logger:      logger.With("component", "auth"),
	})

	planner, err := provider.NewFactory(cfg.Providers, logger).Chain(cfg.Runtime.Provider, cfg.Runtime.Fallbacks)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	tools := tool.NewRegistry(tool.RegistryConfig{
		MaxConcurrent:  cfg.Tools.MaxConcurrent,
		DefaultTimeout: cfg.Tools.Timeout.D(),
		Metrics:        m,
		Logger:         logger.With("component", "tool"),
	})
	if err := registerTools(tools, cfg); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	warnUnknownTools(cfg, tools)

	gate, closeLedger, err := openGate(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	defs, def, err := config.BuildAgents(cfg.Agents)
	if err != nil {
		return err
	}

	b := bridge.New(bridge.Config{
		Stream: stream.ManagerConfig{
			Transport: channel.NewDingTalkTransport(channel.DingTalkConfig{
				APIBase: cfg.DingTalk.APIBase,
				Topics:  []string{cfg.DingTalk.Topic},
				Logger:  logger.With("component", "transport"),
			}),
			Credentials: creds,
			Backoff: stream.Backoff{
				Base:   cfg.Stream.BackoffBase.D(),
				Cap:    cfg.Stream.BackoffCap.D(),
				Jitter: cfg.Stream.Jitter,
			},
			HeartbeatInterval:      cfg.Stream.HeartbeatInterval.D(),
			MissedHeartbeats:       cfg.Stream.MissedHeartbeats,
			MaxConsecutiveFailures: cfg.Stream.MaxConsecutiveFailures,
			IdleTimeout:            cfg.Stream.IdleTimeout.D(),
		},
		Gate:      gate,
		Router:    dispatch.NewRouter(defs, def, logger.With("component", "router")),
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
		Runtime: agent.NewRuntime(agent.RuntimeConfig{
			Provider:      planner,
			Tools:         tools,
			MaxIterations: cfg.Runtime.MaxIterations,
			TurnTimeout:   cfg.Runtime.TurnTimeout.D(),
			Fallback:      cfg.Runtime.Fallback,
			Metrics:       m,
			Logger:        logger.With("component", "agent"),
		}),
		Emitter: emitter.New(emitter.Config{
			URL:         cfg.Reply.URL,
			Credentials: tokens,
			MaxAttempts: cfg.Reply.MaxAttempts,
			BaseBackoff: cfg.Reply.BaseBackoff.D(),
			Events:      events,
			Metrics:     m,
			Logger:      logger.With("component", "emitter"),
		}),
		Tokens:  []bridge.CredentialSetter{tokens},
		Events:  events,
		Metrics: m,
		Logger:  logger,
	})

	if watch {
		w, err := config.NewWatcher(config.WatcherConfig{
			Path:      cfgPath,
			AgentsDir: cfg.AgentsDir,
			OnChange: func(next *config.Config) {
				if err := b.Reload(next); err != nil {
					logger.Error("config reload failed", "err", err)
				}
			},
			Logger: logger.With("component", "config"),
		})
		if err != nil {
			logger.Warn("config watch disabled", "err", err)
		} else {
			go w.Run(ctx)
		}
	}

	var srv *metrics.Server
	if cfg.Metrics.Listen != "" {
		srv = metrics.NewServer(metrics.ServerConfig{
			Listen:  cfg.Metrics.Listen,
			Health:  b,
			Metrics: m,
			Logger:  logger.With("component", "http"),
		})
		if err := srv.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	logger.Info("dingbridge started",
		"version", version,
		"provider", planner.Name(),
		"agents", len(cfg.Agents),
		"workers", cfg.Dispatch.Workers,
	)
	runErr := b.Run(ctx)
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "err", err)
		}
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "err", err)
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("shutdown complete")
	return nil
}

// openGate builds the dedup gate, with the SQLite ledger when enabled.
func openGate(ctx context.Context, cfg *config.Config) (*inbound.Gate, func(), error) {
	cache := inbound.NewCache(cfg.Dedup.TTL.D(), cfg.Dedup.MaxSize)
	gcfg := inbound.GateConfig{Cache: cache, Logger: logger.With("component", "dedup")}
	if !cfg.Dedup.Ledger {
		return inbound.NewGate(gcfg), func() {}, nil
	}

	path := filepath.Join(cfg.General.DataDir, "ledger.db")
	ledger, err := inbound.OpenLedger(path, cfg.Dedup.TTL.D(), logger.With("component", "ledger"))
	if err != nil {
		return nil, nil, fmt.Errorf("dedup ledger: %w", err)
	}
	go ledger.RunPruner(ctx, cfg.Dedup.TTL.D())
	gcfg.Ledger = ledger
	logger.Info("dedup ledger enabled", "path", path)
	return inbound.NewGate(gcfg), func() { ledger.Close() }, nil
}

// registerTools adds the built-in tools, plus the QA trace tools when a QA
// service is configured.
func registerTools(reg *tool.Registry, cfg *config.Config) error {
	if err := tool.RegisterBuiltins(reg, tool.DefaultWeather()); err != nil {
		return err
	}
	if cfg.Tools.QABaseURL == "" {
		return nil
	}
	return tool.RegisterQATools(reg, tool.NewQAClient(tool.QAClientConfig{
		BaseURL: cfg.Tools.QABaseURL,
		Logger:  logger.With("component", "qa"),
	}))
}

// warnUnknownTools logs agents that declare tools the registry lacks; such
// calls fail at runtime and the agent sees the error.
func warnUnknownTools(cfg *config.Config, reg *tool.Registry) {
	for _, a := range cfg.Agents {
		for _, name := range a.Tools {
			if !reg.Has(name) {
				logger.Warn("agent declares unregistered tool", "agent", a.Name, "tool", name)
			}
		}
	}
}
