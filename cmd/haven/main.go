package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/tmc/langchaingo/llms"

	"github.com/dhruvvootkuri/haven/api"
	"github.com/dhruvvootkuri/haven/internal/auth"
	"github.com/dhruvvootkuri/haven/internal/config"
	"github.com/dhruvvootkuri/haven/internal/dialogue"
	"github.com/dhruvvootkuri/haven/internal/emotion"
	"github.com/dhruvvootkuri/haven/internal/extract"
	"github.com/dhruvvootkuri/haven/internal/graph"
	"github.com/dhruvvootkuri/haven/internal/hub"
	"github.com/dhruvvootkuri/haven/internal/mcp"
	"github.com/dhruvvootkuri/haven/internal/ratelimit"
	"github.com/dhruvvootkuri/haven/internal/registry"
	"github.com/dhruvvootkuri/haven/internal/server"
	"github.com/dhruvvootkuri/haven/internal/service/calls"
	"github.com/dhruvvootkuri/haven/internal/storage"
	"github.com/dhruvvootkuri/haven/internal/telemetry"
	"github.com/dhruvvootkuri/haven/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("HAVEN_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("haven starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and bring the schema up to date.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// One LLM backend drives both the conversation engine and the emotion
	// chain's LLM strategy.
	llm, err := dialogue.NewLLM(cfg.LLMProvider, cfg.LLMModel, cfg.OllamaURL, llmAPIKey(cfg))
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	logger.Info("llm backend", "provider", cfg.LLMProvider, "model", cfg.LLMModel)
	engine := dialogue.NewEngine(llm, logger)

	strategies := emotionStrategies(cfg, llm)
	names := make([]string, len(strategies))
	for i, s := range strategies {
		names[i] = s.Name()
	}
	classifier := emotion.New(logger, strategies...)
	logger.Info("emotion chain", "strategies", names)

	// Optional collaborators.
	var extractor calls.Extractor
	if cfg.ExtractorURL != "" {
		extractor = extract.NewClient(cfg.ExtractorURL, cfg.ExtractorTimeout)
		logger.Info("entity extraction: enabled", "url", cfg.ExtractorURL)
	} else {
		logger.Info("entity extraction: disabled (no HAVEN_EXTRACTOR_URL)")
	}

	var projector calls.Projector = graph.NoopProjector{}
	if cfg.GraphURL != "" {
		projector = graph.NewHTTPProjector(cfg.GraphURL, cfg.GraphTimeout)
		logger.Info("graph projection: enabled", "url", cfg.GraphURL)
	} else {
		logger.Info("graph projection: disabled (no HAVEN_GRAPH_URL)")
	}

	// Assemble the call core.
	reg := registry.New()
	h := hub.NewSize(logger, cfg.HubBufferSize)
	callSvc := calls.New(db, reg, classifier, engine, h, extractor, projector, logger)

	// Create MCP server.
	mcpSrv := mcp.New(db, reg, logger, version)

	// Rate limiters: login attempts by IP, turn submission by call ID.
	authLimiter := newLimiter(cfg.AuthRatePerSec, cfg.AuthBurst, "auth", logger)
	if authLimiter != nil {
		defer func() { _ = authLimiter.Close() }()
	}
	turnLimiter := newLimiter(cfg.TurnRatePerSec, cfg.TurnBurst, "turn", logger)
	if turnLimiter != nil {
		defer func() { _ = turnLimiter.Close() }()
	}

	// Create and start HTTP server (MCP mounted at /mcp).
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		CallSvc:             callSvc,
		Hub:                 h,
		Logger:              logger,
		AuthLimiter:         authLimiter,
		TurnLimiter:         turnLimiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	// Seed staff account.
	if err := srv.Handlers().SeedStaff(ctx, cfg.SeedStaffEmail, cfg.SeedStaffName, cfg.SeedStaffPassword); err != nil {
		slog.Warn("staff seed failed", "error", err)
	}

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown in two phases, each with its own timeout.
	// Phase one stops accepting HTTP traffic and drains in-flight requests
	// (which may still append turns). Phase two finalizes any call left in
	// the registry so its transcript reaches Postgres rather than dying
	// with the process.
	slog.Info("haven shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	finalizeRemaining(callSvc, reg, logger)

	slog.Info("haven stopped")
	return nil
}

// llmAPIKey picks the credential matching the configured provider.
func llmAPIKey(cfg config.Config) string {
	switch cfg.LLMProvider {
	case dialogue.ProviderOpenAI:
		return cfg.OpenAIAPIKey
	case dialogue.ProviderAnthropic:
		return cfg.AnthropicAPIKey
	default:
		return ""
	}
}

// emotionStrategies assembles the classification chain: the affect
// provider when configured, then the LLM, then the keyword matcher that
// never fails.
func emotionStrategies(cfg config.Config, llm llms.Model) []emotion.Strategy {
	var strategies []emotion.Strategy
	if cfg.AffectURL != "" {
		strategies = append(strategies, emotion.NewProviderStrategy(cfg.AffectURL, cfg.AffectAPIKey, cfg.AffectTimeout))
	}
	return append(strategies, emotion.NewLLMStrategy(llm), emotion.NewKeywordStrategy())
}

// newLimiter builds a token bucket for one surface, or nil (disabled)
// when the configured rate is zero.
func newLimiter(rate float64, burst int, surface string, logger *slog.Logger) ratelimit.Limiter {
	if rate <= 0 {
		logger.Info("rate limiting: disabled", "surface", surface)
		return nil
	}
	logger.Info("rate limiting: in-process token bucket",
		"surface", surface, "rate_per_sec", rate, "burst", burst)
	return ratelimit.NewMemoryLimiter(rate, burst)
}

// finalizeRemaining ends every call still active at shutdown.
func finalizeRemaining(callSvc *calls.Service, reg *registry.Registry, logger *slog.Logger) {
	active := reg.ActiveCalls()
	if len(active) == 0 {
		return
	}
	logger.Info("finalizing remaining active calls", "count", len(active))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, call := range active {
		if err := callSvc.End(ctx, call.CallID); err != nil {
			logger.Warn("shutdown finalize failed", "call_id", call.CallID, "error", err)
		}
	}
}
