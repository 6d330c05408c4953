package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dhruvvootkuri/haven/internal/auth"
	"github.com/dhruvvootkuri/haven/internal/hub"
	"github.com/dhruvvootkuri/haven/internal/model"
	"github.com/dhruvvootkuri/haven/internal/service/calls"
	"github.com/dhruvvootkuri/haven/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	callSvc             *calls.Service
	hub                 *hub.Hub
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps is the wiring bundle NewHandlers consumes.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	CallSvc             *calls.Service
	Hub                 *hub.Hub
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers assembles the handler set and stamps the uptime baseline.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		callSvc:             d.CallSvc,
		hub:                 d.Hub,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	staff, err := h.db.GetStaffByEmail(r.Context(), req.Email)
	if err != nil {
		// Burn a hash comparison so response timing does not reveal
		// whether the email exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, verr := auth.VerifyPassword(req.Password, staff.PasswordHash)
	if verr != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(staff)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:      status,
		Version:     h.version,
		Postgres:    pgStatus,
		ActiveCalls: h.callSvc.ActiveCount(),
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// SeedStaff ensures the bootstrap staff account exists with the given
// credentials. Called at startup; empty credentials skip seeding for
// deployments that manage staff rows directly.
func (h *Handlers) SeedStaff(ctx context.Context, email, name, password string) error {
	if email == "" || password == "" {
		h.logger.Info("no seed staff credentials configured, skipping staff seed")
		return nil
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("seed staff: hash password: %w", err)
	}
	if name == "" {
		name = "Haven Admin"
	}

	staff, err := h.db.UpsertStaff(ctx, model.Staff{
		Email:        email,
		Name:         name,
		PasswordHash: hash,
	})
	if err != nil {
		return fmt.Errorf("seed staff: %w", err)
	}

	h.logger.Info("seeded staff account", "email", staff.Email)
	return nil
}

// --- Shared helpers ---

func parseCallID(r *http.Request) (uuid.UUID, error) {
	callIDStr := r.PathValue("call_id")
	if callIDStr == "" {
		return uuid.Nil, fmt.Errorf("call_id is required")
	}
	id, err := uuid.Parse(callIDStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid call_id: %s", callIDStr)
	}
	return id, nil
}

func parseClientID(r *http.Request) (uuid.UUID, error) {
	clientIDStr := r.PathValue("client_id")
	if clientIDStr == "" {
		return uuid.Nil, fmt.Errorf("client_id is required")
	}
	id, err := uuid.Parse(clientIDStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid client_id: %s", clientIDStr)
	}
	return id, nil
}

// maxQueryLimit caps the limit query parameter on list endpoints.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// writeInternalError logs the underlying error and returns a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
