package haven

import (
	"time"

	"github.com/google/uuid"
)

// EmotionLabel is one of the fixed emotion classes the server
// recognizes. Values outside the set never appear in responses.
type EmotionLabel string

const (
	EmotionAnxiety     EmotionLabel = "anxiety"
	EmotionSadness     EmotionLabel = "sadness"
	EmotionFrustration EmotionLabel = "frustration"
	EmotionHope        EmotionLabel = "hope"
	EmotionUrgency     EmotionLabel = "urgency"
	EmotionGratitude   EmotionLabel = "gratitude"
	EmotionNeutral     EmotionLabel = "neutral"
)

// Speaker identifies who produced a transcript segment.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// CallStatus is the lifecycle state of a persisted call record.
type CallStatus string

const (
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
)

// ClientStatus is where a client stands in the case-management pipeline.
type ClientStatus string

const (
	ClientStatusIntake   ClientStatus = "intake"
	ClientStatusActive   ClientStatus = "active"
	ClientStatusHoused   ClientStatus = "housed"
	ClientStatusInactive ClientStatus = "inactive"
)

// SentenceEmotion is the classification of a single sentence within an
// utterance.
type SentenceEmotion struct {
	Index      int          `json:"index"`
	Emotion    EmotionLabel `json:"emotion"`
	Confidence float64      `json:"confidence"`
	Text       string       `json:"text"`
}

// TranscriptSegment is one speaker's contribution in one turn of a
// live call.
type TranscriptSegment struct {
	Speaker          Speaker           `json:"speaker"`
	Text             string            `json:"text"`
	Emotion          EmotionLabel      `json:"emotion"`
	Confidence       float64           `json:"confidence"`
	Timestamp        time.Time         `json:"timestamp"`
	TurnIndex        int               `json:"turn_index"`
	SentenceEmotions []SentenceEmotion `json:"sentence_emotions,omitempty"`
}

// Call mirrors the server's persisted call record. Transcript, summary,
// and emotion fields are nil until the call has been finalized.
type Call struct {
	ID             uuid.UUID                `json:"id"`
	ClientID       uuid.UUID                `json:"client_id"`
	ExternalRef    *string                  `json:"external_ref,omitempty"`
	Status         CallStatus               `json:"status"`
	Transcript     *string                  `json:"transcript,omitempty"`
	EmotionProfile map[EmotionLabel]float64 `json:"emotion_profile,omitempty"`
	SentimentScore *float64                 `json:"sentiment_score,omitempty"`
	Summary        *string                  `json:"summary,omitempty"`
	StartedAt      time.Time                `json:"started_at"`
	EndedAt        *time.Time               `json:"ended_at,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
}

// ClientRecord mirrors the server's client record: a person receiving
// services. Named ClientRecord rather than Client because Client is the
// API client type in this package.
type ClientRecord struct {
	ID                 uuid.UUID                `json:"id"`
	Name               string                   `json:"name"`
	Phone              *string                  `json:"phone,omitempty"`
	Status             ClientStatus             `json:"status"`
	EmotionProfile     map[EmotionLabel]float64 `json:"emotion_profile,omitempty"`
	Employment         *string                  `json:"employment,omitempty"`
	MonthlyIncome      *float64                 `json:"monthly_income,omitempty"`
	Dependents         *int                     `json:"dependents,omitempty"`
	Veteran            *bool                    `json:"veteran,omitempty"`
	Disability         *bool                    `json:"disability,omitempty"`
	Documents          []string                 `json:"documents,omitempty"`
	LocationPreference *string                  `json:"location_preference,omitempty"`
	UrgencyLevel       *string                  `json:"urgency_level,omitempty"`
	Notes              *string                  `json:"notes,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

// --- Request types ---

// StartCallRequest is the input for Client.StartCall.
type StartCallRequest struct {
	ClientID uuid.UUID `json:"client_id"`

	// ExternalRef is the gateway's identifier for the underlying phone
	// call, carried through to the persisted record.
	ExternalRef string `json:"external_ref,omitempty"`
}

// CreateClientRequest is the input for Client.CreateClient.
type CreateClientRequest struct {
	Name   string        `json:"name"`
	Phone  *string       `json:"phone,omitempty"`
	Status *ClientStatus `json:"status,omitempty"` // defaults to intake
	Notes  *string       `json:"notes,omitempty"`
}

// UpdateClientRequest is the input for Client.UpdateClient.
// Nil fields are left untouched by the server.
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

// --- Response types ---

// StartCallResponse is the output of Client.StartCall.
type StartCallResponse struct {
	CallID   uuid.UUID `json:"call_id"`
	Greeting string    `json:"greeting"`
}

// TurnResponse is the output of Client.SubmitTurn.
type TurnResponse struct {
	AgentText        string            `json:"agent_text"`
	SentenceEmotions []SentenceEmotion `json:"sentence_emotions"`

	// IsComplete is true when the dialogue engine has ended the
	// conversation; the gateway should say goodbye and call EndCall.
	IsComplete bool `json:"is_complete"`
}

// EndCallResponse is the output of Client.EndCall.
type EndCallResponse struct {
	Status string `json:"status"`
}

// LiveState is the output of Client.LiveState. For a call that is not
// currently active, Segments is empty and Active is false.
type LiveState struct {
	Segments  []TranscriptSegment `json:"segments"`
	Active    bool                `json:"active"`
	TurnIndex int                 `json:"turn_index"`
}

// HealthResponse is the output of Client.Health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Postgres      string `json:"postgres"`
	ActiveCalls   int    `json:"active_calls"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// --- Pagination ---

// Page describes one page of a list response.
type Page struct {
	Total   int
	HasMore bool
	Limit   int
	Offset  int
}

// ClientsPage is the output of Client.ListClients.
type ClientsPage struct {
	Clients []ClientRecord
	Page
}

// CallsPage is the output of Client.ClientCalls.
type CallsPage struct {
	Calls []Call
	Page
}

// ListClientsOptions are optional filters for the ListClients method.
type ListClientsOptions struct {
	Status ClientStatus
	Limit  int
	Offset int
}

// PageOptions control pagination for list methods without filters.
type PageOptions struct {
	Limit  int
	Offset int
}
