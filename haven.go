// Package haven is the public API for embedding the Haven call intake server.
//
// The case-management backend imports this package to run and extend the
// server without forking it:
//
//	app, err := haven.New(
//	    haven.WithVersion(version),
//	    haven.WithLogger(logger),
//	    haven.WithCallHook(caseRefreshHook{}),
//	    haven.WithExtraRoutes(staffDashboardRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: haven (root) imports
// internal/*, but internal/* never imports haven (root).  Public types
// (Call, Summary, etc.) are standalone structs with no internal imports;
// conversion helpers (toPublicCall) live here because this is the only
// file that sees both sides of the boundary.
package haven

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/dhruvvootkuri/haven/api"
	"github.com/dhruvvootkuri/haven/internal/auth"
	"github.com/dhruvvootkuri/haven/internal/config"
	"github.com/dhruvvootkuri/haven/internal/dialogue"
	"github.com/dhruvvootkuri/haven/internal/emotion"
	"github.com/dhruvvootkuri/haven/internal/extract"
	"github.com/dhruvvootkuri/haven/internal/graph"
	"github.com/dhruvvootkuri/haven/internal/hub"
	"github.com/dhruvvootkuri/haven/internal/mcp"
	"github.com/dhruvvootkuri/haven/internal/model"
	"github.com/dhruvvootkuri/haven/internal/ratelimit"
	"github.com/dhruvvootkuri/haven/internal/registry"
	"github.com/dhruvvootkuri/haven/internal/server"
	"github.com/dhruvvootkuri/haven/internal/service/calls"
	"github.com/dhruvvootkuri/haven/internal/storage"
	"github.com/dhruvvootkuri/haven/internal/telemetry"
	"github.com/dhruvvootkuri/haven/migrations"
)

// shutdownPhaseTimeout bounds each phase of graceful shutdown.
const shutdownPhaseTimeout = 10 * time.Second

// App is the Haven server lifecycle. Construct with New(), run with Run().
// App has no public fields; configure it through New() options.
type App struct {
	db           *storage.DB
	srv          *server.Server
	callSvc      *calls.Service
	reg          *registry.Registry
	authLimiter  ratelimit.Limiter // nil when disabled
	turnLimiter  ratelimit.Limiter // nil when disabled
	otelShutdown func(context.Context) error
	logger       *slog.Logger
}

// New initialises the Haven server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("haven starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run embedded migrations, then any extra filesystems.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify critical tables exist after migration.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'clients')`,
	).Scan(&schemaOK); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("critical table 'clients' does not exist after migration")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// One LLM backend drives the emotion chain's LLM strategy and, unless
	// an external Engine replaces it, the conversation engine.
	llm, err := dialogue.NewLLM(cfg.LLMProvider, cfg.LLMModel, cfg.OllamaURL, llmAPIKey(cfg))
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("llm: %w", err)
	}

	// Conversation engine: external override takes priority.
	var engine calls.Engine
	if o.engine != nil {
		engine = &engineAdapter{engine: o.engine}
		logger.Info("conversation engine: external")
	} else {
		engine = dialogue.NewEngine(llm, logger)
		logger.Info("conversation engine: llm", "provider", cfg.LLMProvider, "model", cfg.LLMModel)
	}

	// Emotion chain: registered strategies first, then the built-ins,
	// ending in the keyword matcher that never fails.
	var strategies []emotion.Strategy
	for _, s := range o.emotionStrategies {
		strategies = append(strategies, &strategyAdapter{strategy: s})
	}
	if cfg.AffectURL != "" {
		strategies = append(strategies, emotion.NewProviderStrategy(cfg.AffectURL, cfg.AffectAPIKey, cfg.AffectTimeout))
	}
	strategies = append(strategies, emotion.NewLLMStrategy(llm), emotion.NewKeywordStrategy())
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

	// Adapt call hooks from public haven.CallHook to internal calls.Hook.
	var hooks []calls.Hook
	for _, h := range o.callHooks {
		hooks = append(hooks, &callHookAdapter{hook: h})
	}

	// Assemble the call core.
	reg := registry.New()
	h := hub.NewSize(logger, cfg.HubBufferSize)
	callSvc := calls.New(db, reg, classifier, engine, h, extractor, projector, logger, hooks...)

	// MCP server.
	mcpSrv := mcp.New(db, reg, logger, version)

	// Rate limiters: login attempts by IP, turn submission by call ID.
	authLimiter := newLimiter(cfg.AuthRatePerSec, cfg.AuthBurst, "auth", logger)
	turnLimiter := newLimiter(cfg.TurnRatePerSec, cfg.TurnBurst, "turn", logger)

	// Adapt route registrars and middlewares to the server's plain func types.
	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	// Create HTTP server (MCP mounted at /mcp).
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		CallSvc:             callSvc,
		Hub:                 h,
		Logger:              logger,
		AuthLimiter:         authLimiter,
		TurnLimiter:         turnLimiter,
		MCPServer:           mcpSrv.MCPServer(),
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	// Seed staff account.
	if err := srv.Handlers().SeedStaff(context.Background(), cfg.SeedStaffEmail, cfg.SeedStaffName, cfg.SeedStaffPassword); err != nil {
		logger.Warn("staff seed failed", "error", err)
	}

	return &App{
		db:           db,
		srv:          srv,
		callSvc:      callSvc,
		reg:          reg,
		authLimiter:  authLimiter,
		turnLimiter:  turnLimiter,
		otelShutdown: otelShutdown,
		logger:       logger,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or a
// fatal server error occurs. On return, Shutdown has been called
// automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight ones,
// (2) finalize any call still in the registry so its transcript reaches
// Postgres rather than dying with the process.
// It then closes the rate limiters, database pool, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("haven shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownPhaseTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: finalize calls still live.
	if active := a.reg.ActiveCalls(); len(active) > 0 {
		a.logger.Info("finalizing remaining active calls", "count", len(active))
		finalizeCtx, finalizeCancel := context.WithTimeout(ctx, shutdownPhaseTimeout)
		for _, call := range active {
			if err := a.callSvc.End(finalizeCtx, call.CallID); err != nil {
				a.logger.Warn("shutdown finalize failed", "call_id", call.CallID, "error", err)
			}
		}
		finalizeCancel()
	}

	// Cleanup.
	if a.authLimiter != nil {
		_ = a.authLimiter.Close()
	}
	if a.turnLimiter != nil {
		_ = a.turnLimiter.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("haven stopped")
	return nil
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// engineAdapter wraps a haven.Engine to satisfy calls.Engine.
// It converts internal history messages to public ones at the boundary.
type engineAdapter struct {
	engine Engine
}

func (a *engineAdapter) Greeting(ctx context.Context) string {
	return a.engine.Greeting(ctx)
}

func (a *engineAdapter) NextTurn(ctx context.Context, history []model.ChatMessage, callerText string) dialogue.Turn {
	pub := make([]Message, len(history))
	for i, m := range history {
		pub[i] = Message{Role: string(m.Role), Content: m.Content}
	}
	turn := a.engine.NextTurn(ctx, pub, callerText)
	return dialogue.Turn{Text: turn.Text, Done: turn.Done}
}

func (a *engineAdapter) Summarize(ctx context.Context, transcript string) dialogue.Summary {
	s := a.engine.Summarize(ctx, transcript)
	return dialogue.Summary{
		Text: s.Text,
		OK:   s.OK,
		Fields: dialogue.ExtractedFields{
			Employment:         s.Fields.Employment,
			MonthlyIncome:      s.Fields.MonthlyIncome,
			Dependents:         s.Fields.Dependents,
			Veteran:            s.Fields.Veteran,
			Disability:         s.Fields.Disability,
			Documents:          s.Fields.Documents,
			LocationPreference: s.Fields.LocationPreference,
			UrgencyLevel:       s.Fields.UrgencyLevel,
			Notes:              s.Fields.Notes,
		},
	}
}

// strategyAdapter wraps a haven.EmotionStrategy to satisfy emotion.Strategy.
// The chain clamps labels and confidence on every strategy's output, so
// the adapter passes values through untouched.
type strategyAdapter struct {
	strategy EmotionStrategy
}

func (a *strategyAdapter) Name() string { return a.strategy.Name() }

func (a *strategyAdapter) Classify(ctx context.Context, text string) (emotion.Score, error) {
	score, err := a.strategy.Classify(ctx, text)
	if err != nil {
		return emotion.Score{}, err
	}
	return emotion.Score{Label: model.EmotionLabel(score.Label), Confidence: score.Confidence}, nil
}

// callHookAdapter wraps a haven.CallHook to satisfy calls.Hook.
// It converts internal model types to public haven types at the boundary.
type callHookAdapter struct {
	hook CallHook
}

func (a *callHookAdapter) OnCallStarted(ctx context.Context, call model.CallRecord) error {
	return a.hook.OnCallStarted(ctx, toPublicCall(call))
}

func (a *callHookAdapter) OnCallEnded(ctx context.Context, call model.CallRecord) error {
	return a.hook.OnCallEnded(ctx, toPublicCall(call))
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicCall converts an internal model.CallRecord to the public haven.Call.
// Lives here because this is the only file that imports both sides of the
// boundary.
func toPublicCall(c model.CallRecord) Call {
	var profile map[string]float64
	if len(c.EmotionProfile) > 0 {
		profile = make(map[string]float64, len(c.EmotionProfile))
		for label, frac := range c.EmotionProfile {
			profile[string(label)] = frac
		}
	}
	return Call{
		ID:             c.ID,
		ClientID:       c.ClientID,
		ExternalRef:    c.ExternalRef,
		Status:         string(c.Status),
		Transcript:     c.Transcript,
		EmotionProfile: profile,
		SentimentScore: c.SentimentScore,
		Summary:        c.Summary,
		StartedAt:      c.StartedAt,
		EndedAt:        c.EndedAt,
	}
}

// ── Helpers ────────────────────────────────────────────────────────────────────

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
