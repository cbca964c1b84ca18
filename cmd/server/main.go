package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/concierge/internal/agent"
	"github.com/eldtechnologies/concierge/internal/api"
	"github.com/eldtechnologies/concierge/internal/approval"
	"github.com/eldtechnologies/concierge/internal/config"
	"github.com/eldtechnologies/concierge/internal/handlers"
	"github.com/eldtechnologies/concierge/internal/intent"
	"github.com/eldtechnologies/concierge/internal/metrics"
	"github.com/eldtechnologies/concierge/internal/prompt"
	"github.com/eldtechnologies/concierge/internal/serializer"
	"github.com/eldtechnologies/concierge/internal/store"
	"github.com/eldtechnologies/concierge/internal/tools"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize the data store: PostgreSQL when configured, SQLite otherwise
	var dataStore store.DataStore
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		dataStore = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			logger.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("sqlite directory")
		}
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		dataStore = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite")
	}
	defer dataStore.Close()

	// Initialize Redis store
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	// Approvals live in Redis when available so they survive a restart
	// within their TTL; otherwise in memory, swept in the background.
	gauges := []handlers.Gauge{}
	var approvals approval.Store
	if redisStore != nil {
		approvals = redisStore.Approvals(cfg.ApprovalTTL)
	} else {
		mem := approval.NewMemoryStore(cfg.ApprovalTTL)
		go mem.Run(ctx, cfg.ApprovalTTL/2)
		approvals = mem
		gauges = append(gauges, handlers.Gauge{Name: "pending_approvals", Len: mem.Len})
	}
	broker := approval.NewBroker(approvals, approval.Config{Timeout: cfg.ApprovalTimeout}, logger)

	mutations := serializer.NewLocal()
	gauges = append(gauges, handlers.Gauge{Name: "serializer_chains", Len: mutations.Len})
	go reportChains(ctx, mutations)

	registry := tools.Calendar(dataStore, mutations)
	opts := agent.Options{MaxTokens: cfg.MaxTokens}
	calendar := agent.NewRunner(newModel(cfg, cfg.AgentProvider, logger), registry, opts, logger)
	qa := agent.NewRunner(newModel(cfg, cfg.QAProvider, logger), nil, opts, logger)

	h := handlers.NewHandler(handlers.Deps{
		Store:        dataStore,
		Redis:        redisStore,
		Broker:       broker,
		Calendar:     calendar,
		QA:           qa,
		Tools:        registry,
		Prompts:      prompt.NewBuilder(dataStore, cfg.Timezone, logger),
		Classifier:   intent.KeywordClassifier{},
		Gauges:       gauges,
		SystemPrompt: cfg.SystemPrompt,
		Model:        modelName(cfg, cfg.AgentProvider),
		Logger:       logger,
	})

	// Create router
	router := api.NewRouter(logger, cfg, h, redisStore)

	// Create server. Streams clear their own write deadline.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("agent_provider", cfg.AgentProvider).
			Str("qa_provider", cfg.QAProvider).
			Int("tools", registry.Len()).
			Msg("starting Concierge server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout; in-flight approvals resolve
	// as denials once their requests end.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	stop()

	logger.Info().Msg("server stopped")
}

// newModel returns the backend for provider, or nil when its API key is
// missing. Runs on a nil backend answer 500.
func newModel(cfg *config.Config, provider string, logger zerolog.Logger) agent.Model {
	switch provider {
	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			logger.Warn().Str("provider", provider).Msg("OPENAI_API_KEY not set")
			return nil
		}
		m, err := agent.NewOpenAIFromAPIKey(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
		if err != nil {
			logger.Error().Err(err).Msg("openai backend")
			return nil
		}
		return m
	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			logger.Warn().Str("provider", provider).Msg("ANTHROPIC_API_KEY not set")
			return nil
		}
		m, err := agent.NewAnthropicFromAPIKey(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		if err != nil {
			logger.Error().Err(err).Msg("anthropic backend")
			return nil
		}
		return m
	default:
		logger.Error().Str("provider", provider).Msg("unknown model provider")
		return nil
	}
}

func modelName(cfg *config.Config, provider string) string {
	if provider == config.ProviderOpenAI {
		return cfg.OpenAIModel
	}
	return cfg.AnthropicModel
}

// reportChains exports the serializer size until ctx ends.
func reportChains(ctx context.Context, s *serializer.Local) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		metrics.SerializerChains.Set(float64(s.Len()))
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
