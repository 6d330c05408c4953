package calls_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhruvvootkuri/haven/internal/dialogue"
	"github.com/dhruvvootkuri/haven/internal/emotion"
	"github.com/dhruvvootkuri/haven/internal/graph"
	"github.com/dhruvvootkuri/haven/internal/hub"
	"github.com/dhruvvootkuri/haven/internal/model"
	"github.com/dhruvvootkuri/haven/internal/registry"
	"github.com/dhruvvootkuri/haven/internal/service/calls"
	"github.com/dhruvvootkuri/haven/internal/storage"
	"github.com/dhruvvootkuri/haven/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func ptr[T any](v T) *T { return &v }

// scriptedEngine returns canned turns in order, then repeats a filler
// prompt. Optional entered/block channels let a test hold a turn open.
type scriptedEngine struct {
	greeting string
	turns    []dialogue.Turn
	summary  dialogue.Summary

	entered chan struct{}
	block   chan struct{}

	mu        sync.Mutex
	nextCalls int
	histories [][]model.ChatMessage
}

func (e *scriptedEngine) Greeting(ctx context.Context) string { return e.greeting }

func (e *scriptedEngine) NextTurn(ctx context.Context, history []model.ChatMessage, callerText string) dialogue.Turn {
	e.mu.Lock()
	e.histories = append(e.histories, history)
	i := e.nextCalls
	e.nextCalls++
	entered, block := e.entered, e.block
	e.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if i >= len(e.turns) {
		return dialogue.Turn{Text: "Could you tell me a bit more about your situation?"}
	}
	return e.turns[i]
}

func (e *scriptedEngine) Summarize(ctx context.Context, transcript string) dialogue.Summary {
	return e.summary
}

func (e *scriptedEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextCalls
}

func (e *scriptedEngine) historyAt(i int) []model.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.histories[i]
}

type fakeExtractor struct {
	entities map[model.EntityCategory][]string
	err      error

	mu       sync.Mutex
	extracts int
}

func (f *fakeExtractor) Entities(ctx context.Context, text string) (map[model.EntityCategory][]string, error) {
	f.mu.Lock()
	f.extracts++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.entities, nil
}

func (f *fakeExtractor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extracts
}

type fakeProjector struct {
	err error

	mu      sync.Mutex
	records int
	last    graph.Completion
}

func (p *fakeProjector) RecordCallCompletion(ctx context.Context, callID, clientID uuid.UUID, c graph.Completion) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records++
	p.last = c
	return p.err
}

func newService(eng calls.Engine, ext calls.Extractor, proj calls.Projector) (*calls.Service, *registry.Registry, *hub.Hub) {
	logger := testutil.TestLogger()
	reg := registry.New()
	h := hub.New(logger)
	classifier := emotion.New(logger, emotion.NewKeywordStrategy())
	return calls.New(testDB, reg, classifier, eng, h, ext, proj, logger), reg, h
}

func createTestClient(t *testing.T, notes *string) model.Client {
	t.Helper()
	client, err := testDB.CreateClient(context.Background(), model.CreateClientRequest{
		Name:  "Test Caller " + uuid.New().String()[:8],
		Notes: notes,
	})
	require.NoError(t, err)
	return client
}

func recvEvent(t *testing.T, ch chan []byte) hub.Envelope {
	t.Helper()
	select {
	case raw := <-ch:
		var env hub.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for hub event")
		return hub.Envelope{}
	}
}

func TestStartCall(t *testing.T) {
	ctx := context.Background()
	client := createTestClient(t, nil)
	eng := &scriptedEngine{greeting: "Hello, this is Haven. How can I help you today?"}
	svc, reg, _ := newService(eng, nil, graph.NoopProjector{})

	result, err := svc.Start(ctx, client.ID, "vapi-abc")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, result.CallID)
	assert.Equal(t, eng.greeting, result.Greeting)

	call, ok := reg.Get(result.CallID)
	require.True(t, ok)
	assert.Equal(t, client.ID, call.ClientID)
	require.Len(t, call.Segments, 1)
	assert.Equal(t, model.SpeakerAgent, call.Segments[0].Speaker)
	assert.Equal(t, model.EmotionNeutral, call.Segments[0].Emotion)
	assert.Equal(t, 1, call.TurnIndex)

	rec, err := testDB.GetCall(ctx, result.CallID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusInProgress, rec.Status)
	assert.Equal(t, client.ID, rec.ClientID)
	require.NotNil(t, rec.ExternalRef)
	assert.Equal(t, "vapi-abc", *rec.ExternalRef)
}

func TestStartCallUnknownClient(t *testing.T) {
	svc, _, _ := newService(&scriptedEngine{greeting: "Hello."}, nil, graph.NoopProjector{})

	_, err := svc.Start(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessTurn(t *testing.T) {
	ctx := context.Background()
	client := createTestClient(t, nil)
	eng := &scriptedEngine{
		greeting: "Hello, this is Haven.",
		turns:    []dialogue.Turn{{Text: "I'm sorry to hear that. Where did you sleep last night?"}},
	}
	svc, reg, _ := newService(eng, nil, graph.NoopProjector{})

	started, err := svc.Start(ctx, client.ID, "")
	require.NoError(t, err)

	result, err := svc.ProcessTurn(ctx, started.CallID, "I lost my apartment last month. I'm scared.")
	require.NoError(t, err)
	assert.Equal(t, eng.turns[0].Text, result.AgentText)
	assert.False(t, result.IsComplete)
	assert.Len(t, result.SentenceEmotions, 2, "one entry per sentence")

	call, ok := reg.Get(started.CallID)
	require.True(t, ok)
	require.Len(t, call.Segments, 3, "greeting + caller + agent")
	assert.Equal(t, model.SpeakerCaller, call.Segments[1].Speaker)
	assert.Equal(t, "I lost my apartment last month. I'm scared.", call.Segments[1].Text)
	assert.Len(t, call.Segments[1].SentenceEmotions, 2)
	assert.Equal(t, model.SpeakerAgent, call.Segments[2].Speaker)
	assert.Equal(t, model.EmotionNeutral, call.Segments[2].Emotion)
	assert.InDelta(t, 0.8, call.Segments[2].Confidence, 0.001)
	assert.Equal(t, 3, call.TurnIndex)

	// The engine sees the history as it stood before this utterance and
	// receives the utterance separately.
	history := eng.historyAt(0)
	require.Len(t, history, 1)
	assert.Equal(t, model.RoleAssistant, history[0].Role)
}

func TestProcessTurnEmptyText(t *testing.T) {
	ctx := context.Background()
	client := createTestClient(t, nil)
	eng := &scriptedEngine{greeting: "Hello."}
	svc, reg, _ := newService(eng, nil, graph.NoopProjector{})

	started, err := svc.Start(ctx, client.ID, "")
	require.NoError(t, err)

	result, err := svc.ProcessTurn(ctx, started.CallID, "   \n\t")
	require.NoError(t, err)
	assert.Empty(t, result.AgentText)
	assert.Empty(t, result.SentenceEmotions)
	assert.False(t, result.IsComplete)

	assert.Equal(t, 0, eng.calls(), "no generation for an empty utterance")
	call, ok := reg.Get(started.CallID)
	require.True(t, ok)
	assert.Len(t, call.Segments, 1, "no segments recorded")
}

func TestProcessTurnUnknownCall(t *testing.T) {
	svc, _, _ := newService(&scriptedEngine{}, nil, graph.NoopProjector{})

	_, err := svc.ProcessTurn(context.Background(), uuid.New(), "hello?")
	assert.ErrorIs(t, err, registry.ErrCallNotFound)
}

func TestProcessTurnSingleFlight(t *testing.T) {
	ctx := context.Background()
	client := createTestClient(t, nil)
	eng := &scriptedEngine{
		greeting: "Hello.",
		entered:  make(chan struct{}, 1),
		block:    make(chan struct{}),
	}
	svc, _, _ := newService(eng, nil, graph.NoopProjector{})

	started, err := svc.Start(ctx, client.ID, "")
	require.NoError(t, err)

	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.ProcessTurn(ctx, started.CallID, "I need help with housing.")
		firstDone <- err
	}()

	// Wait until the first turn is inside generation, then submit a
	// second one for the same call.
	select {
	case <-eng.entered:
	case <-time.After(time.Second):
		t.Fatal("first turn never reached the engine")
	}
	_, err = svc.ProcessTurn(ctx, started.CallID, "hello? are you there?")
	assert.ErrorIs(t, err, registry.ErrTurnInFlight)

	close(eng.block)
	require.NoError(t, <-firstDone)

	// Once the first turn finishes the call accepts turns again.
	eng.block = nil
	_, err = svc.ProcessTurn(ctx, started.CallID, "okay, I can wait.")
	assert.NoError(t, err)
}

func TestCompletionFinalizes(t *testing.T) {
	ctx := context.Background()
	client := createTestClient(t, ptr("Referred by the downtown outreach team."))
	eng := &scriptedEngine{
		greeting: "Hello, this is Haven.",
		turns: []dialogue.Turn{
			{Text: "Thank you. A case worker will call you back today. Goodbye.", Done: true},
		},
		summary: dialogue.Summary{
			Text: "Caller lost housing last month and is sleeping in a car with two children.",
			OK:   true,
			Fields: dialogue.ExtractedFields{
				Employment:    ptr("part-time"),
				MonthlyIncome: ptr(850.0),
				Dependents:    ptr(2),
				Veteran:       ptr(false),
				Documents:     []string{"state ID"},
				UrgencyLevel:  ptr("high"),
				Notes:         ptr("Sleeping in a car with two children."),
			},
		},
	}
	ext := &fakeExtractor{entities: map[model.EntityCategory][]string{
		model.EntityHousingNeed:     {"emergency shelter"},
		model.EntityFamilySituation: {"two children"},
	}}
	proj := &fakeProjector{}
	svc, reg, _ := newService(eng, ext, proj)

	started, err := svc.Start(ctx, client.ID, "")
	require.NoError(t, err)

	result, err := svc.ProcessTurn(ctx, started.CallID, "My name is Maria. I have two kids and we sleep in my car. Please hurry.")
	require.NoError(t, err)
	assert.True(t, result.IsComplete)

	// The live session is gone before the response returns.
	_, ok := reg.Get(started.CallID)
	assert.False(t, ok)
	live := svc.Live(started.CallID)
	assert.False(t, live.Active)
	assert.Empty(t, live.Segments)

	rec, err := testDB.GetCall(ctx, started.CallID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusCompleted, rec.Status)
	require.NotNil(t, rec.EndedAt)
	require.NotNil(t, rec.Transcript)
	assert.Contains(t, *rec.Transcript, "Caller: My name is Maria.")
	assert.Contains(t, *rec.Transcript, "Agent: Hello, this is Haven.")
	require.NotNil(t, rec.Summary)
	assert.Equal(t, eng.summary.Text, *rec.Summary)
	assert.NotEmpty(t, rec.EmotionProfile)
	assert.NotNil(t, rec.SentimentScore)

	updated, err := testDB.GetClient(ctx, client.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.Employment)
	assert.Equal(t, "part-time", *updated.Employment)
	require.NotNil(t, updated.MonthlyIncome)
	assert.InDelta(t, 850.0, *updated.MonthlyIncome, 0.001)
	require.NotNil(t, updated.Dependents)
	assert.Equal(t, 2, *updated.Dependents)
	require.NotNil(t, updated.UrgencyLevel)
	assert.Equal(t, "high", *updated.UrgencyLevel)
	assert.Equal(t, []string{"state ID"}, updated.Documents)
	assert.NotEmpty(t, updated.EmotionProfile)
	require.NotNil(t, updated.Notes)
	assert.True(t, strings.HasPrefix(*updated.Notes, "Referred by the downtown outreach team."), "existing notes preserved")
	assert.Contains(t, *updated.Notes, "Sleeping in a car with two children.")
	assert.Contains(t, *updated.Notes, "Intake entities:")
	assert.Contains(t, *updated.Notes, "housing_need: emergency shelter")

	assert.Equal(t, 1, ext.calls())
	proj.mu.Lock()
	defer proj.mu.Unlock()
	assert.Equal(t, 1, proj.records)
	assert.Equal(t, string(model.CallStatusCompleted), proj.last.Status)
}

func TestEndCall(t *testing.T) {
	ctx := context.Background()
	client := createTestClient(t, nil)
	eng := &scriptedEngine{
		greeting: "Hello.",
		turns:    []dialogue.Turn{{Text: "Tell me more."}},
		summary:  dialogue.Summary{Text: "Brief call, caller hung up early.", OK: true},
	}
	svc, reg, _ := newService(eng, nil, graph.NoopProjector{})

	started, err := svc.Start(ctx, client.ID, "")
	require.NoError(t, err)
	_, err = svc.ProcessTurn(ctx, started.CallID, "I need somewhere to stay tonight.")
	require.NoError(t, err)

	require.NoError(t, svc.End(ctx, started.CallID))

	_, ok := reg.Get(started.CallID)
	assert.False(t, ok)
	rec, err := testDB.GetCall(ctx, started.CallID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusCompleted, rec.Status)
	assert.NotNil(t, rec.EndedAt)

	err = svc.End(ctx, started.CallID)
	assert.ErrorIs(t, err, registry.ErrCallNotFound)
}

func TestFinalizeAbsorbsEnrichmentFailures(t *testing.T) {
	ctx := context.Background()
	client := createTestClient(t, nil)
	eng := &scriptedEngine{
		greeting: "Hello.",
		summary:  dialogue.Summary{OK: false},
	}
	ext := &fakeExtractor{err: errors.New("extraction service unavailable")}
	proj := &fakeProjector{err: errors.New("graph service unavailable")}
	svc, reg, _ := newService(eng, ext, proj)

	started, err := svc.Start(ctx, client.ID, "")
	require.NoError(t, err)
	_, err = svc.ProcessTurn(ctx, started.CallID, "I'm really worried. Please help quickly.")
	require.NoError(t, err)

	require.NoError(t, svc.End(ctx, started.CallID))
	_, ok := reg.Get(started.CallID)
	assert.False(t, ok, "teardown completes despite enrichment failures")
	assert.GreaterOrEqual(t, ext.calls(), 1)

	rec, err := testDB.GetCall(ctx, started.CallID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusCompleted, rec.Status)
	require.NotNil(t, rec.Summary)
	assert.True(t, strings.HasPrefix(*rec.Summary, "Call completed. Detected primary emotions:"), "got %q", *rec.Summary)

	// Nothing extracted, so the client's notes stay untouched.
	updated, err := testDB.GetClient(ctx, client.ID)
	require.NoError(t, err)
	assert.Nil(t, updated.Notes)
}

func TestLiveSnapshot(t *testing.T) {
	ctx := context.Background()
	client := createTestClient(t, nil)
	eng := &scriptedEngine{greeting: "Hello.", turns: []dialogue.Turn{{Text: "Go on."}}}
	svc, _, _ := newService(eng, nil, graph.NoopProjector{})

	started, err := svc.Start(ctx, client.ID, "")
	require.NoError(t, err)
	_, err = svc.ProcessTurn(ctx, started.CallID, "I got evicted.")
	require.NoError(t, err)

	live := svc.Live(started.CallID)
	assert.True(t, live.Active)
	assert.Equal(t, 3, live.TurnIndex)
	require.Len(t, live.Segments, 3)
	assert.Equal(t, "I got evicted.", live.Segments[1].Text)

	absent := svc.Live(uuid.New())
	assert.False(t, absent.Active)
	assert.NotNil(t, absent.Segments)
	assert.Empty(t, absent.Segments)
}

func TestBroadcastSequence(t *testing.T) {
	ctx := context.Background()
	client := createTestClient(t, nil)
	eng := &scriptedEngine{
		greeting: "Hello, this is Haven.",
		turns:    []dialogue.Turn{{Text: "Goodbye.", Done: true}},
		summary:  dialogue.Summary{Text: "Short call.", OK: true},
	}
	svc, _, h := newService(eng, nil, graph.NoopProjector{})

	ch, err := h.Register(hub.ClientKey(client.ID))
	require.NoError(t, err)
	defer h.Unregister(ch)

	started, err := svc.Start(ctx, client.ID, "")
	require.NoError(t, err)
	_, err = svc.ProcessTurn(ctx, started.CallID, "That's all I needed, thank you.")
	require.NoError(t, err)

	types := []string{
		recvEvent(t, ch).Type,
		recvEvent(t, ch).Type,
		recvEvent(t, ch).Type,
		recvEvent(t, ch).Type,
	}
	ended := recvEvent(t, ch)
	assert.Equal(t, []string{
		hub.EventCallStarted,
		hub.EventTranscript,
		hub.EventTranscript,
		hub.EventTranscript,
	}, types)
	assert.Equal(t, hub.EventCallEnded, ended.Type)
	assert.Equal(t, started.CallID.String(), ended.CallID)

	var payload struct {
		Status  string `json:"status"`
		Summary string `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(ended.Data, &payload))
	assert.Equal(t, "completed", payload.Status)
	assert.Equal(t, "Short call.", payload.Summary)
}

// recordingHook captures lifecycle notifications on channels so the
// test can wait for the async delivery.
type recordingHook struct {
	started chan model.CallRecord
	ended   chan model.CallRecord
}

func (h *recordingHook) OnCallStarted(ctx context.Context, call model.CallRecord) error {
	h.started <- call
	return nil
}

func (h *recordingHook) OnCallEnded(ctx context.Context, call model.CallRecord) error {
	h.ended <- call
	return nil
}

type failingHook struct{}

func (failingHook) OnCallStarted(context.Context, model.CallRecord) error {
	return errors.New("webhook endpoint down")
}

func (failingHook) OnCallEnded(context.Context, model.CallRecord) error {
	return errors.New("webhook endpoint down")
}

func TestLifecycleHooks(t *testing.T) {
	ctx := context.Background()
	client := createTestClient(t, nil)
	eng := &scriptedEngine{
		greeting: "Hello.",
		turns:    []dialogue.Turn{{Text: "Goodbye.", Done: true}},
		summary:  dialogue.Summary{Text: "Caller checked shelter availability.", OK: true},
	}
	hook := &recordingHook{
		started: make(chan model.CallRecord, 1),
		ended:   make(chan model.CallRecord, 1),
	}

	logger := testutil.TestLogger()
	reg := registry.New()
	h := hub.New(logger)
	classifier := emotion.New(logger, emotion.NewKeywordStrategy())
	// The failing hook comes first: delivery must continue past it.
	svc := calls.New(testDB, reg, classifier, eng, h, nil, graph.NoopProjector{}, logger, failingHook{}, hook)

	started, err := svc.Start(ctx, client.ID, "gw-122")
	require.NoError(t, err)

	select {
	case rec := <-hook.started:
		assert.Equal(t, started.CallID, rec.ID)
		assert.Equal(t, client.ID, rec.ClientID)
		assert.Equal(t, model.CallStatusInProgress, rec.Status)
		require.NotNil(t, rec.ExternalRef)
		assert.Equal(t, "gw-122", *rec.ExternalRef)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the call started hook")
	}

	_, err = svc.ProcessTurn(ctx, started.CallID, "Do you have shelter beds tonight? Goodbye.")
	require.NoError(t, err)

	select {
	case rec := <-hook.ended:
		assert.Equal(t, started.CallID, rec.ID)
		assert.Equal(t, model.CallStatusCompleted, rec.Status)
		require.NotNil(t, rec.Summary)
		assert.Equal(t, "Caller checked shelter availability.", *rec.Summary)
		require.NotNil(t, rec.Transcript)
		assert.Contains(t, *rec.Transcript, "Caller: Do you have shelter beds tonight?")
		assert.NotNil(t, rec.EndedAt)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the call ended hook")
	}
}
