// Package calls provides the call orchestration core: the turn state
// machine that drives a live intake conversation.
//
// Both the HTTP API and MCP server delegate to this service. It is the
// only writer of live call state (through the registry) and the only
// trigger of finalization, so turn ordering and the single terminal
// transition are enforced in one place.
package calls

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dhruvvootkuri/haven/internal/dialogue"
	"github.com/dhruvvootkuri/haven/internal/emotion"
	"github.com/dhruvvootkuri/haven/internal/graph"
	"github.com/dhruvvootkuri/haven/internal/hub"
	"github.com/dhruvvootkuri/haven/internal/model"
	"github.com/dhruvvootkuri/haven/internal/registry"
	"github.com/dhruvvootkuri/haven/internal/telemetry"
)

// agentConfidence is the fixed confidence tag on agent speech. Agent
// utterances are not independently classified.
const agentConfidence = 0.8

// Store is the slice of the storage layer the call core depends on.
type Store interface {
	GetClient(ctx context.Context, id uuid.UUID) (model.Client, error)
	UpdateClient(ctx context.Context, id uuid.UUID, patch model.ClientPatch) (model.Client, error)
	CreateCall(ctx context.Context, call model.CallRecord) (model.CallRecord, error)
	UpdateCall(ctx context.Context, id uuid.UUID, patch model.CallPatch) (model.CallRecord, error)
}

// Classifier analyzes caller speech.
type Classifier interface {
	Classify(ctx context.Context, text string) model.EmotionResult
	ClassifyUtterance(ctx context.Context, text string) emotion.Score
}

// Engine produces agent utterances and the post-call summary.
type Engine interface {
	NextTurn(ctx context.Context, history []model.ChatMessage, callerText string) dialogue.Turn
	Greeting(ctx context.Context) string
	Summarize(ctx context.Context, transcript string) dialogue.Summary
}

// Extractor pulls structured entities out of a transcript.
type Extractor interface {
	Entities(ctx context.Context, text string) (map[model.EntityCategory][]string, error)
}

// Projector records completed calls in the relationship graph.
type Projector interface {
	RecordCallCompletion(ctx context.Context, callID, clientID uuid.UUID, c graph.Completion) error
}

// Hook receives call lifecycle notifications. Hook methods run in
// their own goroutine with a bounded context; failures are logged and
// never surface to the caller.
type Hook interface {
	OnCallStarted(ctx context.Context, call model.CallRecord) error
	OnCallEnded(ctx context.Context, call model.CallRecord) error
}

// Service orchestrates intake calls end to end.
type Service struct {
	store      Store
	registry   *registry.Registry
	classifier Classifier
	engine     Engine
	hub        *hub.Hub
	extractor  Extractor
	projector  Projector
	hooks      []Hook
	logger     *slog.Logger

	classifyDuration metric.Float64Histogram
	generateDuration metric.Float64Histogram
	turnDuration     metric.Float64Histogram
}

// New creates the call service.
// extractor may be nil if no extraction service is configured; use
// graph.NoopProjector rather than a nil projector.
func New(store Store, reg *registry.Registry, classifier Classifier, engine Engine, h *hub.Hub, extractor Extractor, projector Projector, logger *slog.Logger, hooks ...Hook) *Service {
	meter := telemetry.Meter("haven/calls")
	classifyDur, _ := meter.Float64Histogram("haven.classify.duration",
		metric.WithDescription("Time to classify caller text (ms)"),
		metric.WithUnit("ms"),
	)
	generateDur, _ := meter.Float64Histogram("haven.generate.duration",
		metric.WithDescription("Time to generate an agent utterance (ms)"),
		metric.WithUnit("ms"),
	)
	turnDur, _ := meter.Float64Histogram("haven.turn.duration",
		metric.WithDescription("End-to-end turn processing time (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:            store,
		registry:         reg,
		classifier:       classifier,
		engine:           engine,
		hub:              h,
		extractor:        extractor,
		projector:        projector,
		hooks:            hooks,
		logger:           logger,
		classifyDuration: classifyDur,
		generateDuration: generateDur,
		turnDuration:     turnDur,
	}
}

// StartResult is the outcome of starting a call.
type StartResult struct {
	CallID   uuid.UUID
	Greeting string
}

// TurnResult is the orchestrator's answer for one caller turn.
type TurnResult struct {
	AgentText        string
	SentenceEmotions []model.SentenceEmotion
	IsComplete       bool
}

// LiveState is a point-in-time snapshot of a call's transcript, pulled
// from the registry rather than the hub.
type LiveState struct {
	Segments  []model.TranscriptSegment
	Active    bool
	TurnIndex int
}

// Start begins a new intake call for the given client and returns the
// agent's greeting.
func (s *Service) Start(ctx context.Context, clientID uuid.UUID, externalRef string) (StartResult, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("haven.client_id", clientID.String()))

	// 1. The client must exist before a call can reference it.
	if _, err := s.store.GetClient(ctx, clientID); err != nil {
		return StartResult{}, fmt.Errorf("start call: %w", err)
	}

	// 2. Register the live session.
	callID := uuid.New()
	call, err := s.registry.Create(callID, clientID, externalRef)
	if err != nil {
		return StartResult{}, fmt.Errorf("start call: %w", err)
	}

	// 3. Persist the in-progress record. Best effort: a storage outage
	//    must not keep the caller from speaking with the agent.
	record := model.CallRecord{ID: callID, ClientID: clientID, StartedAt: call.StartedAt}
	if externalRef != "" {
		record.ExternalRef = &externalRef
	}
	if _, err := s.store.CreateCall(ctx, record); err != nil {
		s.logger.Warn("calls: persist call record", "call_id", callID, "error", err)
	}

	// 4. Open with a greeting, recorded as the agent's first segment.
	genStart := time.Now()
	greeting := s.engine.Greeting(ctx)
	s.generateDuration.Record(ctx, float64(time.Since(genStart).Milliseconds()))

	s.registry.AppendHistory(callID, model.RoleAssistant, greeting)
	seg, ok := s.registry.AppendTranscript(callID, model.TranscriptSegment{
		Speaker:    model.SpeakerAgent,
		Text:       greeting,
		Emotion:    model.EmotionNeutral,
		Confidence: agentConfidence,
	})

	// 5. Announce the call, then its first segment.
	s.hub.PublishEvent(callID, clientID, hub.EventCallStarted, nil)
	if ok {
		s.hub.PublishTranscript(callID, clientID, seg)
	}

	record.Status = model.CallStatusInProgress
	s.notifyHooks(record, Hook.OnCallStarted, "call started")

	s.logger.Info("calls: started", "call_id", callID, "client_id", clientID)
	return StartResult{CallID: callID, Greeting: greeting}, nil
}

// notifyHooks fans one lifecycle notification out to every registered
// hook. Runs detached from the request so a slow hook cannot hold up
// the caller; each batch gets its own deadline and failures only log.
func (s *Service) notifyHooks(record model.CallRecord, notify func(Hook, context.Context, model.CallRecord) error, event string) {
	if len(s.hooks) == 0 {
		return
	}
	hooks := s.hooks
	logger := s.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, h := range hooks {
			if err := notify(h, ctx, record); err != nil {
				logger.Warn("calls: "+event+" hook failed", "call_id", record.ID, "error", err)
			}
		}
	}()
}

// ProcessTurn runs one caller exchange: classify the utterance, record
// and broadcast the caller's segment, generate the agent's reply, record
// and broadcast that, and finalize if the engine signaled completion.
//
// A second turn submitted while one is in flight for the same call is
// rejected with registry.ErrTurnInFlight rather than interleaved.
func (s *Service) ProcessTurn(ctx context.Context, callID uuid.UUID, callerText string) (TurnResult, error) {
	turnStart := time.Now()
	defer func() {
		s.turnDuration.Record(ctx, float64(time.Since(turnStart).Milliseconds()))
	}()

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("haven.call_id", callID.String()))

	// 1. Admission: the call must exist and have no other turn in flight.
	if err := s.registry.BeginTurn(callID); err != nil {
		return TurnResult{}, fmt.Errorf("process turn: %w", err)
	}
	defer s.registry.EndTurn(callID)

	// 2. An empty utterance is a no-op turn: nothing recorded, nothing
	//    broadcast.
	if strings.TrimSpace(callerText) == "" {
		return TurnResult{SentenceEmotions: []model.SentenceEmotion{}}, nil
	}

	call, ok := s.registry.Get(callID)
	if !ok {
		return TurnResult{}, fmt.Errorf("process turn: %w", registry.ErrCallNotFound)
	}

	// 3. Classify per-sentence and the whole utterance independently.
	//    The segment keeps the utterance-level label; the per-sentence
	//    breakdown rides along for the live view.
	classifyStart := time.Now()
	result := s.classifier.Classify(ctx, callerText)
	primary := s.classifier.ClassifyUtterance(ctx, callerText)
	s.classifyDuration.Record(ctx, float64(time.Since(classifyStart).Milliseconds()))

	// 4. Record the caller's side before attempting generation: if the
	//    turn aborts later, the utterance is still useful history and
	//    the call remains resumable.
	history := call.History
	s.registry.AppendHistory(callID, model.RoleUser, callerText)
	callerSeg, ok := s.registry.AppendTranscript(callID, model.TranscriptSegment{
		Speaker:          model.SpeakerCaller,
		Text:             callerText,
		Emotion:          primary.Label,
		Confidence:       primary.Confidence,
		SentenceEmotions: result.Sentences,
	})
	if !ok {
		return TurnResult{}, fmt.Errorf("process turn: %w", registry.ErrCallNotFound)
	}
	s.hub.PublishTranscript(callID, call.ClientID, callerSeg)

	// 5. Generate the agent's reply from the history as it stood before
	//    this utterance; the engine appends the utterance itself.
	//    Generation failures never surface here: the engine degrades to
	//    its fallback utterance.
	genStart := time.Now()
	turn := s.engine.NextTurn(ctx, history, callerText)
	s.generateDuration.Record(ctx, float64(time.Since(genStart).Milliseconds()))

	// 6. Record and broadcast the agent's side with its fixed tag.
	s.registry.AppendHistory(callID, model.RoleAssistant, turn.Text)
	agentSeg, ok := s.registry.AppendTranscript(callID, model.TranscriptSegment{
		Speaker:    model.SpeakerAgent,
		Text:       turn.Text,
		Emotion:    model.EmotionNeutral,
		Confidence: agentConfidence,
	})
	if ok {
		s.hub.PublishTranscript(callID, call.ClientID, agentSeg)
	}

	// 7. Completion runs the full finalization before the response goes
	//    back, so the caller's next request already sees the call gone.
	if turn.Done {
		s.finalize(ctx, callID)
	}

	return TurnResult{
		AgentText:        turn.Text,
		SentenceEmotions: result.Sentences,
		IsComplete:       turn.Done,
	}, nil
}

// End finishes a call on explicit request. It routes through the same
// finalization as engine-signaled completion, whether or not the engine
// had already signaled. Ending an absent call reports
// registry.ErrCallNotFound.
func (s *Service) End(ctx context.Context, callID uuid.UUID) error {
	if _, ok := s.registry.Get(callID); !ok {
		return fmt.Errorf("end call: %w", registry.ErrCallNotFound)
	}
	s.finalize(ctx, callID)
	return nil
}

// Live returns the current transcript snapshot for a call. A call not
// in the registry yields an inactive, empty state rather than an error.
func (s *Service) Live(callID uuid.UUID) LiveState {
	call, ok := s.registry.Get(callID)
	if !ok {
		return LiveState{Segments: []model.TranscriptSegment{}}
	}
	return LiveState{Segments: call.Segments, Active: true, TurnIndex: call.TurnIndex}
}

// ActiveCount reports how many calls are currently live.
func (s *Service) ActiveCount() int {
	return s.registry.Count()
}
