// Package model defines the core domain types for Haven.
//
// Ephemeral call-session types (ActiveCall, TranscriptSegment) are owned
// by the in-memory registry and never persisted directly; Client and
// CallRecord correspond to database tables. Types use strong typing
// (UUIDs, time.Time, enums) and avoid interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ChatRole identifies the author of a conversation history message.
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage is one entry in a call's conversation history.
// History is append-only for the duration of the call.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// Speaker identifies who produced a transcript segment.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// Display returns the speaker name as rendered in transcripts.
func (s Speaker) Display() string {
	switch s {
	case SpeakerCaller:
		return "Caller"
	case SpeakerAgent:
		return "Agent"
	default:
		return string(s)
	}
}

// TranscriptSegment is a single recorded unit of transcript: one
// speaker's contribution in one turn. Immutable once appended; the
// registry only ever appends new segments, never rewrites old ones.
type TranscriptSegment struct {
	Speaker          Speaker           `json:"speaker"`
	Text             string            `json:"text"`
	Emotion          EmotionLabel      `json:"emotion"`
	Confidence       float64           `json:"confidence"`
	Timestamp        time.Time         `json:"timestamp"`
	TurnIndex        int               `json:"turn_index"`
	SentenceEmotions []SentenceEmotion `json:"sentence_emotions,omitempty"`
}

// ActiveCall is the in-memory session state for a call in progress.
// Owned exclusively by the registry, which hands out copies; mutating a
// returned value never affects registry state. An entry exists iff the
// call is currently in progress, and removal is the only terminal
// transition.
type ActiveCall struct {
	CallID      uuid.UUID           `json:"call_id"`
	ClientID    uuid.UUID           `json:"client_id"`
	ExternalRef string              `json:"external_ref,omitempty"`
	History     []ChatMessage       `json:"history"`
	Segments    []TranscriptSegment `json:"segments"`
	TurnIndex   int                 `json:"turn_index"`
	StartedAt   time.Time           `json:"started_at"`
}

// CallStatus represents the lifecycle state of a persisted call record.
type CallStatus string

const (
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
)

// CallRecord is the persisted form of a call, written when the call
// starts and completed by the finalizer.
type CallRecord struct {
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

// CallPatch is a partial update to a CallRecord. Nil fields are left
// unchanged by the storage layer.
type CallPatch struct {
	Status         *CallStatus
	Transcript     *string
	EmotionProfile map[EmotionLabel]float64
	SentimentScore *float64
	Summary        *string
	EndedAt        *time.Time
}
