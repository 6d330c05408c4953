package emotion

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/dhruvvootkuri/haven/internal/model"
)

// llmSystemPrompt constrains the model to a bare-label reply.
const llmSystemPrompt = `You classify the emotional tone of one utterance from a caller seeking housing assistance.
Reply with exactly one word from this list and nothing else:
anxiety, sadness, frustration, hope, urgency, gratitude, neutral`

// llmConfidence is reported for LLM classifications. The prompt yields
// a label only, so confidence is fixed mid-range.
const llmConfidence = 0.7

// LLMStrategy prompts a language model for a single-label
// classification. Used when the affect provider is unavailable.
type LLMStrategy struct {
	llm llms.Model
}

// NewLLMStrategy creates a strategy backed by the given model.
func NewLLMStrategy(llm llms.Model) *LLMStrategy {
	return &LLMStrategy{llm: llm}
}

// Name identifies the strategy in logs.
func (s *LLMStrategy) Name() string { return "llm" }

// Classify asks the model for a label. A generation failure or an
// unrecognizable reply is returned as an error so the chain falls
// through to the deterministic matcher.
func (s *LLMStrategy) Classify(ctx context.Context, text string) (Score, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, llmSystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, text),
	}

	resp, err := s.llm.GenerateContent(ctx, messages)
	if err != nil {
		return Score{}, fmt.Errorf("llm: generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Score{}, fmt.Errorf("llm: no response choices")
	}

	label, ok := parseLabelReply(resp.Choices[0].Content)
	if !ok {
		return Score{}, fmt.Errorf("llm: unrecognized label %q", resp.Choices[0].Content)
	}
	return Score{Label: label, Confidence: llmConfidence}, nil
}

// parseLabelReply extracts a label from a model reply. Exact matches
// are preferred; otherwise the first known label mentioned anywhere in
// the reply is used, to salvage replies like "Label: anxiety.".
func parseLabelReply(reply string) (model.EmotionLabel, bool) {
	cleaned := strings.ToLower(strings.TrimSpace(reply))
	cleaned = strings.Trim(cleaned, ".!\"'")
	for _, l := range model.AllEmotionLabels {
		if cleaned == string(l) {
			return l, true
		}
	}
	for _, l := range model.AllEmotionLabels {
		if strings.Contains(cleaned, string(l)) {
			return l, true
		}
	}
	return "", false
}
