package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/dhruvvootkuri/haven/internal/auth"
	"github.com/dhruvvootkuri/haven/internal/hub"
	"github.com/dhruvvootkuri/haven/internal/ratelimit"
	"github.com/dhruvvootkuri/haven/internal/service/calls"
	"github.com/dhruvvootkuri/haven/internal/storage"
)

// Server is the Haven HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler exposes the fully wrapped root handler so tests can mount it
// on httptest servers.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): AuthLimiter, TurnLimiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB      *storage.DB
	JWTMgr  *auth.JWTManager
	CallSvc *calls.Service
	Hub     *hub.Hub
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	AuthLimiter ratelimit.Limiter // login attempts, keyed by client IP
	TurnLimiter ratelimit.Limiter // turn submission, keyed by call ID
	MCPServer   *mcpserver.MCPServer

	// Embedder extension points. ExtraRoutes register on the shared mux
	// and sit behind the same auth chain as the built-in API;
	// Middlewares wrap outermost, first registered outermost.
	ExtraRoutes []func(mux *http.ServeMux)
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// OpenAPISpec is the raw YAML served at GET /openapi.yaml. Empty
	// means the route responds 404.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		CallSvc:             cfg.CallSvc,
		Hub:                 cfg.Hub,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Lets 429 responses echo the request ID without the ratelimit
	// package importing this one.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	authRL := ratelimit.Middleware(cfg.AuthLimiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	turnRL := ratelimit.Middleware(cfg.TurnLimiter, callKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Login (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Call lifecycle. Turn submission is rate limited per call so a
	// misbehaving gateway cannot flood the LLM with one call's ID.
	mux.HandleFunc("POST /v1/calls", h.HandleStartCall)
	mux.Handle("POST /v1/calls/{call_id}/turns", turnRL(http.HandlerFunc(h.HandleSubmitTurn)))
	mux.HandleFunc("POST /v1/calls/{call_id}/end", h.HandleEndCall)
	mux.HandleFunc("GET /v1/calls/{call_id}/live", h.HandleLiveState)
	mux.HandleFunc("GET /v1/calls/{call_id}", h.HandleGetCall)

	// Client case management.
	mux.HandleFunc("POST /v1/clients", h.HandleCreateClient)
	mux.HandleFunc("GET /v1/clients", h.HandleListClients)
	mux.HandleFunc("GET /v1/clients/{client_id}", h.HandleGetClient)
	mux.HandleFunc("PATCH /v1/clients/{client_id}", h.HandleUpdateClient)
	mux.HandleFunc("GET /v1/clients/{client_id}/calls", h.HandleClientCalls)

	// Live transcript stream (token via query parameter).
	mux.HandleFunc("GET /v1/ws", h.HandleWebSocket)

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// API reference for staff tooling (auth required).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Embedder routes, registered after all built-in routes.
	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// Embedder middlewares wrap the whole chain; applying in reverse
	// keeps the first registered one outermost.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// callKeyFunc extracts the call ID path variable for rate limiting turn
// submissions. Returns empty string (no limit) when the route has no
// call ID; the handler will reject such requests anyway.
func callKeyFunc(r *http.Request) string {
	id := r.PathValue("call_id")
	if id == "" {
		return ""
	}
	return "call:" + id
}

// Handlers returns the underlying Handlers for access to SeedStaff etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
