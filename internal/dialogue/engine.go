// Package dialogue drives the intake conversation.
//
// Engine wraps a langchaingo model behind three operations: the next
// agent utterance for a turn, the opening greeting, and the post-call
// summary with structured field extraction. Every generation path has a
// static fallback, so a provider outage never ends a call or fails a
// turn.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/dhruvvootkuri/haven/internal/model"
)

// Supported LLM providers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// CompletionMarker is the in-band sentinel the model appends when the
// intake conversation has covered everything it needs. It is a protocol
// marker, never shown to the caller.
const CompletionMarker = "[CALL_COMPLETE]"

const systemPrompt = `You are Haven's intake assistant, speaking by voice with someone seeking housing support. Your goal is to understand their situation: current living situation, how long it has been unstable, employment and income, dependents in their care, veteran status, any disability, documents they hold, where they would prefer to be housed, and how urgent or unsafe things are right now.

You are speaking out loud. Keep every response to two or three short sentences in a warm, plain voice. Never use lists, headings, or any markup. Ask about one thing at a time.

When you have covered everything you need and have told the caller what happens next, append the marker ` + CompletionMarker + ` to the very end of your reply.`

// fallbackUtterance keeps the conversation alive when generation fails.
const fallbackUtterance = "I hear you. Tell me a little more about what's going on for you right now."

// fallbackGreeting opens the call when greeting generation fails.
const fallbackGreeting = "Hi, you've reached Haven. I'm here to help you find housing support. Can you tell me a bit about your situation?"

// NewLLM constructs the configured language model backend.
// For ollama, serverURL selects the server and apiKey is ignored; for
// openai and anthropic, apiKey is required.
func NewLLM(provider, modelName, serverURL, apiKey string) (llms.Model, error) {
	switch provider {
	case ProviderOllama:
		m, err := ollama.New(
			ollama.WithModel(modelName),
			ollama.WithServerURL(serverURL),
		)
		if err != nil {
			return nil, fmt.Errorf("dialogue: create ollama model: %w", err)
		}
		return m, nil

	case ProviderOpenAI:
		if apiKey == "" {
			return nil, fmt.Errorf("dialogue: openai api key required")
		}
		m, err := openai.New(
			openai.WithToken(apiKey),
			openai.WithModel(modelName),
		)
		if err != nil {
			return nil, fmt.Errorf("dialogue: create openai model: %w", err)
		}
		return m, nil

	case ProviderAnthropic:
		if apiKey == "" {
			return nil, fmt.Errorf("dialogue: anthropic api key required")
		}
		m, err := anthropic.New(
			anthropic.WithToken(apiKey),
			anthropic.WithModel(modelName),
		)
		if err != nil {
			return nil, fmt.Errorf("dialogue: create anthropic model: %w", err)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("dialogue: unsupported llm provider %q", provider)
	}
}

// Turn is the engine's reply for one exchange.
type Turn struct {
	Text string
	Done bool
}

// Engine produces agent utterances for the intake conversation.
type Engine struct {
	llm    llms.Model
	logger *slog.Logger
}

// NewEngine creates an engine around the given model.
func NewEngine(llm llms.Model, logger *slog.Logger) *Engine {
	return &Engine{llm: llm, logger: logger}
}

// NextTurn generates the agent's reply to the latest caller utterance.
// history is the conversation before that utterance; the engine
// prepends its own system directive and appends callerText as the
// final message. Generation failure is absorbed: the caller hears a
// generic continuation and the call stays open.
func (e *Engine) NextTurn(ctx context.Context, history []model.ChatMessage, callerText string) Turn {
	messages := make([]llms.MessageContent, 0, len(history)+2)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	for _, msg := range history {
		messages = append(messages, llms.TextParts(chatMessageType(msg.Role), msg.Content))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, callerText))

	resp, err := e.llm.GenerateContent(ctx, messages)
	if err != nil {
		e.logger.Warn("dialogue: generation failed, using fallback", "error", err)
		return Turn{Text: fallbackUtterance}
	}
	if len(resp.Choices) == 0 {
		e.logger.Warn("dialogue: generation returned no choices, using fallback")
		return Turn{Text: fallbackUtterance}
	}

	text, done := SplitCompletionMarker(resp.Choices[0].Content)
	if text == "" && !done {
		return Turn{Text: fallbackUtterance}
	}
	return Turn{Text: text, Done: done}
}

// Greeting produces the opening line for a new call. Failure falls back
// to a static greeting.
func (e *Engine) Greeting(ctx context.Context) string {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, "Please greet the caller and ask how you can help them today."),
	}

	resp, err := e.llm.GenerateContent(ctx, messages)
	if err != nil {
		e.logger.Warn("dialogue: greeting generation failed, using fallback", "error", err)
		return fallbackGreeting
	}
	if len(resp.Choices) == 0 {
		return fallbackGreeting
	}

	// A completion marker in a greeting is model noise; strip it and
	// ignore the flag.
	text, _ := SplitCompletionMarker(resp.Choices[0].Content)
	if text == "" {
		return fallbackGreeting
	}
	return text
}

// SplitCompletionMarker strips the completion sentinel from raw model
// output and reports whether it was present. This is the single place
// the marker is parsed; everything downstream deals in the returned
// flag. Matching is exact, so completion is never inferred from
// content.
func SplitCompletionMarker(raw string) (string, bool) {
	if !strings.Contains(raw, CompletionMarker) {
		return strings.TrimSpace(raw), false
	}
	stripped := strings.ReplaceAll(raw, CompletionMarker, "")
	return strings.TrimSpace(stripped), true
}

func chatMessageType(role model.ChatRole) llms.ChatMessageType {
	switch role {
	case model.RoleSystem:
		return llms.ChatMessageTypeSystem
	case model.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
