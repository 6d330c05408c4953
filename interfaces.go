package haven

import (
	"context"
	"net/http"
)

// Engine generates the agent's side of an intake conversation.
// When provided via WithEngine, replaces the built-in LLM engine.
// Methods return no error: implementations are expected to degrade to a
// fallback utterance rather than fail, so a model outage never drops a
// live call.
type Engine interface {
	// Greeting opens a new call.
	Greeting(ctx context.Context) string

	// NextTurn produces the agent's reply to one caller utterance.
	// history is the conversation as it stood before the utterance; the
	// utterance itself arrives separately in callerText.
	NextTurn(ctx context.Context, history []Message, callerText string) Turn

	// Summarize condenses a completed call's transcript into a short
	// summary and structured intake fields.
	Summarize(ctx context.Context, transcript string) Summary
}

// EmotionStrategy classifies one text unit. When provided via
// WithEmotionStrategy it is consulted before the built-in chain
// (affect provider, LLM prompt, keyword matcher); returning an error
// passes the text to the next strategy.
type EmotionStrategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Classify maps text to a label and confidence.
	Classify(ctx context.Context, text string) (EmotionScore, error)
}

// CallHook receives async notifications when a call starts or finishes.
// Multiple hooks may be registered via multiple WithCallHook calls.
// Hook methods run in goroutines with a bounded context; they must not
// block indefinitely. Failures are logged but never fail the call.
type CallHook interface {
	OnCallStarted(ctx context.Context, call Call) error
	OnCallEnded(ctx context.Context, call Call) error
}

// RouteRegistrar mounts extra routes on the App's mux. Mounted routes
// sit behind the same auth chain and OTEL instrumentation as the
// built-in ones, so they require a valid staff token.
// The function is called once during New() after all built-in routes
// are registered.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /health. Use for CORS, custom logging, or cross-cutting headers.
// Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
