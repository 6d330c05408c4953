package haven

import (
	"time"

	"github.com/google/uuid"
)

// Call is the public representation of a call record.
// It is a curated view of internal/model.CallRecord for use in extension
// interfaces. All fields are primitive, stdlib, or uuid types with no
// internal package imports, so it is safe to use from outside the module.
type Call struct {
	ID          uuid.UUID
	ClientID    uuid.UUID
	ExternalRef *string
	Status      string // in_progress | completed
	Transcript  *string
	// EmotionProfile is the normalized label distribution over the whole
	// conversation. Fractions sum to roughly 1.
	EmotionProfile map[string]float64
	// SentimentScore is the aggregate sentiment [-1.0, 1.0]. Higher is
	// more positive.
	SentimentScore *float64
	Summary        *string
	StartedAt      time.Time
	EndedAt        *time.Time
}

// Message is one entry in a call's conversation history.
type Message struct {
	Role    string // system | user | assistant
	Content string
}

// Turn is one agent reply from a conversation Engine.
type Turn struct {
	// Text is what the agent says next.
	Text string
	// Done marks the conversation complete; the call is finalized as soon
	// as the turn is recorded.
	Done bool
}

// ExtractedFields is the structured intake data pulled from a call.
// Nil means the caller did not state it, never that it is false or zero.
type ExtractedFields struct {
	Employment         *string
	MonthlyIncome      *float64
	Dependents         *int
	Veteran            *bool
	Disability         *bool
	Documents          []string
	LocationPreference *string
	UrgencyLevel       *string // low | medium | high | critical
	Notes              *string
}

// Summary is a post-call summarization result. OK false means generation
// failed; the finalizer then synthesizes a summary from the emotion
// profile and ignores Fields.
type Summary struct {
	Text   string
	Fields ExtractedFields
	OK     bool
}

// EmotionScore is a single-label classification of one text unit.
type EmotionScore struct {
	// Label should be one of the fixed emotion labels (anxiety, sadness,
	// frustration, hope, urgency, gratitude, neutral); anything else is
	// coerced to neutral at the chain boundary.
	Label string
	// Confidence in [0.0, 1.0]; clamped to the chain's bounds.
	Confidence float64
}
