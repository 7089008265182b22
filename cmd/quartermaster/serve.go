package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/stationops/quartermaster/internal/agent"
	"github.com/stationops/quartermaster/internal/agent/providers"
	"github.com/stationops/quartermaster/internal/api"
	"github.com/stationops/quartermaster/internal/config"
	"github.com/stationops/quartermaster/internal/events"
	"github.com/stationops/quartermaster/internal/observability"
	"github.com/stationops/quartermaster/internal/retry"
	"github.com/stationops/quartermaster/internal/service"
	"github.com/stationops/quartermaster/internal/sessions"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	log := observability.NewLogger(cfg.Logging, nil)
	metrics := observability.NewMetrics()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	store, err := sessions.NewSQLiteStore(ctx, &sessions.SQLiteConfig{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	cached := sessions.NewCachedStore(store)
	defer func() {
		if err := cached.Close(); err != nil {
			log.Warn("store close failed", "error", err)
		}
	}()

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	registry := agent.NewRegistry()

	bus := events.NewBus(events.DefaultBuffer)
	defer bus.Close()

	loop := agent.NewLoop(provider, registry, cached, bus, &agent.LoopConfig{
		MaxIterations:    cfg.Agent.MaxIterations,
		MaxTokens:        cfg.Agent.MaxTokens,
		Model:            cfg.Agent.Model,
		System:           cfg.Agent.System,
		HistoryLimit:     cfg.Agent.HistoryLimit,
		StreamRetries:    cfg.Agent.StreamRetries,
		StreamRetryDelay: cfg.Agent.StreamRetryDelay,
		StreamTimeout:    cfg.Agent.StreamTimeout,
		ToolTimeout:      cfg.Agent.ToolTimeout,
		ToolRetry: retry.Config{
			MaxRetries: cfg.Agent.ToolRetry.MaxRetries,
			BaseDelay:  cfg.Agent.ToolRetry.BaseDelay,
			MaxDelay:   cfg.Agent.ToolRetry.MaxDelay,
		},
	}, log, metrics)

	locker := sessions.NewLeaseLocker(cfg.Sessions.LeaseTTL)
	svc := service.NewAgentService(cached, locker, bus, loop, log, metrics)
	defer svc.Close()

	sweeper := sessions.NewSweeper(cached, cfg.Sessions.ExpiryTTL, cfg.Sessions.SweepInterval, log)
	go sweeper.Run(ctx)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.HTTPPort))
	server := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(svc, log, metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			"addr", addr,
			"provider", provider.Name(),
			"db", cfg.Database.Path)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	pc := cfg.Provider()
	switch cfg.LLM.DefaultProvider {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider: %q", cfg.LLM.DefaultProvider)
	}
}
