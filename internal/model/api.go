package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for caller-supplied text.
// These keep a single oversized request from fanning out into an
// unbounded number of classification calls or filling Postgres TEXT
// columns with caller-controlled garbage.
const (
	MaxTurnTextLen   = 16 * 1024 // 16 KB
	MaxClientNameLen = 200
	MaxPhoneLen      = 32
	MaxNotesLen      = 64 * 1024 // 64 KB
)

// ValidateTurnText checks the length limit on a submitted caller
// utterance. Empty text is valid: an empty turn is a documented no-op,
// not an error.
func ValidateTurnText(text string) error {
	if len(text) > MaxTurnTextLen {
		return fmt.Errorf("text exceeds maximum length of %d bytes", MaxTurnTextLen)
	}
	return nil
}

// ValidateClientName checks that a client name is present and within
// the length limit.
func ValidateClientName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > MaxClientNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxClientNameLen)
	}
	return nil
}

// ValidateClientStatus checks that a status value belongs to the closed
// set.
func ValidateClientStatus(s ClientStatus) error {
	switch s {
	case ClientStatusIntake, ClientStatusActive, ClientStatusHoused, ClientStatusInactive:
		return nil
	}
	return fmt.Errorf("invalid status %q", s)
}

// APIResponse wraps every single-object HTTP response.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse wraps paginated list responses. Pagination fields sit
// beside data, not inside it.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError wraps every error response.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta rides along on every response for request correlation.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Stable error codes carried in ErrorDetail.Code.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest carries the credentials for POST /auth/token.
type AuthTokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthTokenResponse returns the signed token from POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StartCallRequest is the request body for POST /v1/calls.
type StartCallRequest struct {
	ClientID    uuid.UUID `json:"client_id"`
	ExternalRef string    `json:"external_ref,omitempty"`
}

// StartCallResponse is the response for POST /v1/calls.
type StartCallResponse struct {
	CallID   uuid.UUID `json:"call_id"`
	Greeting string    `json:"greeting"`
}

// SubmitTurnRequest is the request body for POST /v1/calls/{call_id}/turns.
type SubmitTurnRequest struct {
	Text string `json:"text"`
}

// TurnResponse is the response for POST /v1/calls/{call_id}/turns.
type TurnResponse struct {
	AgentText        string            `json:"agent_text"`
	SentenceEmotions []SentenceEmotion `json:"sentence_emotions"`
	IsComplete       bool              `json:"is_complete"`
}

// EndCallResponse is the response for POST /v1/calls/{call_id}/end.
type EndCallResponse struct {
	Status string `json:"status"`
}

// LiveStateResponse is the response for GET /v1/calls/{call_id}/live.
// For a call not currently in the registry, Segments is empty, Active
// is false, and TurnIndex is 0.
type LiveStateResponse struct {
	Segments  []TranscriptSegment `json:"segments"`
	Active    bool                `json:"active"`
	TurnIndex int                 `json:"turn_index"`
}

// CreateClientRequest is the request body for POST /v1/clients.
type CreateClientRequest struct {
	Name   string        `json:"name"`
	Phone  *string       `json:"phone,omitempty"`
	Status *ClientStatus `json:"status,omitempty"` // defaults to intake
	Notes  *string       `json:"notes,omitempty"`
}

// UpdateClientRequest is the request body for PATCH /v1/clients/{client_id}.
// Absent fields are left untouched.
type UpdateClientRequest struct {
	Name               *string       `json:"name,omitempty"`
	Phone              *string       `json:"phone,omitempty"`
	Status             *ClientStatus `json:"status,omitempty"`
	Employment         *string       `json:"employment,omitempty"`
	MonthlyIncome      *float64      `json:"monthly_income,omitempty"`
	Dependents         *int          `json:"dependents,omitempty"`
	Veteran            *bool         `json:"veteran,omitempty"`
	Disability         *bool         `json:"disability,omitempty"`
	Documents          []string      `json:"documents,omitempty"`
	LocationPreference *string       `json:"location_preference,omitempty"`
	UrgencyLevel       *string       `json:"urgency_level,omitempty"`
	Notes              *string       `json:"notes,omitempty"`
}

// HealthResponse reports liveness from GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Postgres    string `json:"postgres"`
	ActiveCalls int    `json:"active_calls"`
	Uptime      int64  `json:"uptime_seconds"`
}
