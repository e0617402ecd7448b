// Package main provides the entry point for the Stina server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pro-assist/stina-server/internal/config"
	"github.com/pro-assist/stina-server/internal/confirm"
	"github.com/pro-assist/stina-server/internal/event"
	"github.com/pro-assist/stina-server/internal/logging"
	"github.com/pro-assist/stina-server/internal/notify"
	"github.com/pro-assist/stina-server/internal/provider"
	"github.com/pro-assist/stina-server/internal/server"
	"github.com/pro-assist/stina-server/internal/session"
	"github.com/pro-assist/stina-server/internal/storage"
	"github.com/pro-assist/stina-server/internal/tool"
)

var (
	port      = flag.Int("port", 0, "Server port (overrides config)")
	directory = flag.String("directory", "", "Working directory")
	dataDir   = flag.String("data-dir", "", "Data directory (overrides config)")
	version   = flag.Bool("version", false, "Print version and exit")
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("stina-server %s (%s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// .env is optional
	_ = godotenv.Load()

	workDir := *directory
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "get working directory: %v\n", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if cfg.Port == 0 {
		cfg.Port = server.DefaultConfig().Port
	}
	if cfg.DataDir == "" {
		home, _ := os.UserHomeDir()
		cfg.DataDir = filepath.Join(home, ".stina", "data")
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Pretty: cfg.PrettyLogs})
	log := logging.Component("main")
	log.Info().Str("version", Version).Str("dataDir", cfg.DataDir).Msg("starting stina-server")

	ctx := context.Background()

	store := storage.New(cfg.DataDir)
	repo := storage.NewFileRepository(store)

	providers := initProviders(ctx, cfg)
	if providers.Len() == 0 {
		log.Warn().Msg("no providers configured; jobs will fail until one is")
	}

	tools := tool.NewRegistry()
	tools.Register(tool.NewCurrentTimeTool())

	bus := event.NewBus()
	confirmations := confirm.NewStore()
	notifier := notify.New(cfg.Retry.ToRetry())

	sessions := session.NewRegistry(func(userID string) (*session.Orchestrator, error) {
		orch := session.NewOrchestrator(ctx, userID, session.Deps{
			Repo:          repo,
			Providers:     providers,
			Tools:         tools,
			ModelConfig:   cfg,
			Bus:           bus,
			Confirmations: confirmations,
			SystemPrompt:  func() string { return cfg.SystemPrompt },
		})
		if err := orch.LoadLatestActive(ctx); err != nil {
			return nil, err
		}
		return orch, nil
	})

	serverConfig := server.DefaultConfig()
	serverConfig.Port = cfg.Port
	srv := server.New(serverConfig, server.Deps{
		Sessions:      sessions,
		Repo:          repo,
		Bus:           bus,
		Confirmations: confirmations,
		Notifier:      notifier,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	notifier.Close()
	bus.Close()
	log.Info().Msg("server stopped")
}

// initProviders registers every provider with credentials available. The
// first registered provider is the fallback when no model is configured,
// so the configured default goes first.
func initProviders(ctx context.Context, cfg *config.Config) *provider.Registry {
	registry := provider.NewRegistry()
	log := logging.Component("main")

	order := []string{"claude", "openai"}
	if cfg.Model != nil && cfg.Model.Provider != "" {
		for i, id := range order {
			if id == cfg.Model.Provider && i != 0 {
				order[0], order[i] = order[i], order[0]
			}
		}
	}

	for _, id := range order {
		pc := cfg.Providers[id]
		if pc.Disabled {
			continue
		}
		switch id {
		case "claude":
			p, err := provider.NewClaudeProvider(ctx, &provider.ClaudeConfig{
				APIKey:    pc.APIKey,
				BaseURL:   pc.BaseURL,
				Model:     pc.Model,
				MaxTokens: pc.MaxTokens,
			})
			if err != nil {
				log.Debug().Err(err).Msg("claude provider unavailable")
				continue
			}
			registry.Register(p)
		case "openai":
			p, err := provider.NewOpenAIProvider(ctx, &provider.OpenAIConfig{
				APIKey:    pc.APIKey,
				BaseURL:   pc.BaseURL,
				Model:     pc.Model,
				MaxTokens: pc.MaxTokens,
			})
			if err != nil {
				log.Debug().Err(err).Msg("openai provider unavailable")
				continue
			}
			registry.Register(p)
		}
	}
	return registry
}
