package dialogue

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

const summarizeSystemPrompt = `You summarize a completed housing-intake call. Given the transcript, respond with a single JSON object and nothing else, using exactly these keys:

{"summary": string, "employment": string|null, "monthly_income": number|null, "dependents": number|null, "veteran": boolean|null, "disability": boolean|null, "documents": [string], "location_preference": string|null, "urgency_level": "low"|"medium"|"high"|"critical"|null, "notes": string|null}

"summary" is 2-4 plain sentences a case worker can read at a glance. Use null for anything the caller did not state; never guess. "documents" lists documents the caller said they have. "notes" captures anything important that fits no other field.`

// fallbackSummary stands in when summarization fails outright. The
// finalizer replaces it with an emotion-derived synthesis.
const fallbackSummary = "Call completed. Summary unavailable."

// ExtractedFields is the structured intake data pulled from a call.
// Nil means the caller did not state it, never that it is false or
// zero.
type ExtractedFields struct {
	Employment         *string  `json:"employment"`
	MonthlyIncome      *float64 `json:"monthly_income"`
	Dependents         *int     `json:"dependents"`
	Veteran            *bool    `json:"veteran"`
	Disability         *bool    `json:"disability"`
	Documents          []string `json:"documents"`
	LocationPreference *string  `json:"location_preference"`
	UrgencyLevel       *string  `json:"urgency_level"`
	Notes              *string  `json:"notes"`
}

// Summary is the post-call summarization result. OK is false when
// generation or parsing failed; Text then holds a generic fallback and
// Fields is zero.
type Summary struct {
	Text   string
	Fields ExtractedFields
	OK     bool
}

type summarizeResponse struct {
	Summary string `json:"summary"`
	ExtractedFields
}

// Summarize produces a short human-readable summary and structured
// intake fields from a full call transcript. It never returns an
// error: any failure yields Summary{Text: fallback, OK: false} and the
// caller decides what to persist.
func (e *Engine) Summarize(ctx context.Context, transcript string) Summary {
	failed := Summary{Text: fallbackSummary}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, summarizeSystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, transcript),
	}

	resp, err := e.llm.GenerateContent(ctx, messages)
	if err != nil {
		e.logger.Warn("dialogue: summarize generation failed", "error", err)
		return failed
	}
	if len(resp.Choices) == 0 {
		e.logger.Warn("dialogue: summarize returned no choices")
		return failed
	}

	var parsed summarizeResponse
	raw := stripCodeFence(resp.Choices[0].Content)
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		e.logger.Warn("dialogue: summarize returned unparseable payload", "error", err)
		return failed
	}
	if strings.TrimSpace(parsed.Summary) == "" {
		e.logger.Warn("dialogue: summarize returned empty summary")
		return failed
	}

	return Summary{
		Text:   strings.TrimSpace(parsed.Summary),
		Fields: parsed.ExtractedFields,
		OK:     true,
	}
}

// stripCodeFence unwraps replies of the form ```json ... ``` that chat
// models produce despite JSON-only instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
