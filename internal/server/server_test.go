package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhruvvootkuri/haven/api"
	"github.com/dhruvvootkuri/haven/internal/auth"
	"github.com/dhruvvootkuri/haven/internal/dialogue"
	"github.com/dhruvvootkuri/haven/internal/emotion"
	"github.com/dhruvvootkuri/haven/internal/graph"
	"github.com/dhruvvootkuri/haven/internal/hub"
	"github.com/dhruvvootkuri/haven/internal/mcp"
	"github.com/dhruvvootkuri/haven/internal/model"
	"github.com/dhruvvootkuri/haven/internal/ratelimit"
	"github.com/dhruvvootkuri/haven/internal/registry"
	"github.com/dhruvvootkuri/haven/internal/server"
	"github.com/dhruvvootkuri/haven/internal/service/calls"
	"github.com/dhruvvootkuri/haven/internal/storage"
	"github.com/dhruvvootkuri/haven/internal/testutil"
)

const (
	testStaffEmail    = "worker@haven.test"
	testStaffPassword = "intake-line-2024"

	testGreeting = "Hello, this is Haven. How can I help you today?"
)

var (
	testSrv      *httptest.Server
	testDB       *storage.DB
	testRegistry *registry.Registry
	testHub      *hub.Hub
	testJWTMgr   *auth.JWTManager
	staffToken   string
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close()

	testJWTMgr, err = auth.NewJWTManager("", "", 24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: jwt manager: %v\n", err)
		return 1
	}

	testRegistry = registry.New()
	testHub = hub.New(logger)
	classifier := emotion.New(logger, emotion.NewKeywordStrategy())
	callSvc := calls.New(testDB, testRegistry, classifier, testEngine{}, testHub, nil, graph.NoopProjector{}, logger)
	mcpSrv := mcp.New(testDB, testRegistry, logger, "test")

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		JWTMgr:              testJWTMgr,
		CallSvc:             callSvc,
		Hub:                 testHub,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
		OpenAPISpec:         api.OpenAPISpec,
	})

	if err := srv.Handlers().SeedStaff(ctx, testStaffEmail, "Test Worker", testStaffPassword); err != nil {
		fmt.Fprintf(os.Stderr, "server test: seed staff: %v\n", err)
		return 1
	}

	testSrv = httptest.NewServer(srv.Handler())
	defer testSrv.Close()

	staffToken = getToken(testSrv.URL, testStaffEmail, testStaffPassword)

	return m.Run()
}

// testEngine scripts deterministic dialogue so HTTP tests never touch
// an LLM. Saying goodbye ends the call.
type testEngine struct{}

func (testEngine) Greeting(context.Context) string { return testGreeting }

func (testEngine) NextTurn(_ context.Context, _ []model.ChatMessage, callerText string) dialogue.Turn {
	if strings.Contains(strings.ToLower(callerText), "goodbye") {
		return dialogue.Turn{Text: "Thank you for calling. A case worker will follow up soon.", Done: true}
	}
	return dialogue.Turn{Text: "I understand. Could you tell me more about your situation?"}
}

func (testEngine) Summarize(context.Context, string) dialogue.Summary {
	return dialogue.Summary{Text: "Caller seeking assistance.", OK: true}
}

// getToken logs in over the wire. Panics on failure because it runs
// from TestMain before any *testing.T exists.
func getToken(baseURL, email, password string) string {
	body, _ := json.Marshal(model.AuthTokenRequest{Email: email, Password: password})
	resp, err := http.Post(baseURL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("token fetch: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		panic(fmt.Sprintf("token fetch: status %d: %s", resp.StatusCode, data))
	}
	var result struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil || result.Data.Token == "" {
		panic(fmt.Sprintf("token fetch: unusable response: %s", data))
	}
	return result.Data.Token
}

func authedRequest(method, url, token string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

// decodeData unmarshals the data field of the standard envelope into out.
func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope), "body: %s", string(data))
	require.NoError(t, json.Unmarshal(envelope.Data, out), "body: %s", string(data))
}

// errorCode extracts the error code of the standard error envelope.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var envelope struct {
		Error model.ErrorDetail `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(data, &envelope), "body: %s", string(data))
	return envelope.Error.Code
}

func createClientViaAPI(t *testing.T, name string) model.Client {
	t.Helper()
	resp, err := authedRequest("POST", testSrv.URL+"/v1/clients", staffToken,
		model.CreateClientRequest{Name: name})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var client model.Client
	decodeData(t, resp, &client)
	return client
}

func startCallViaAPI(t *testing.T, clientID uuid.UUID) model.StartCallResponse {
	t.Helper()
	resp, err := authedRequest("POST", testSrv.URL+"/v1/calls", staffToken,
		model.StartCallRequest{ClientID: clientID})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var started model.StartCallResponse
	decodeData(t, resp, &started)
	return started
}

func submitTurn(t *testing.T, callID uuid.UUID, text string) model.TurnResponse {
	t.Helper()
	resp, err := authedRequest("POST", testSrv.URL+"/v1/calls/"+callID.String()+"/turns", staffToken,
		model.SubmitTurnRequest{Text: text})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var turn model.TurnResponse
	decodeData(t, resp, &turn)
	return turn
}

func TestHealthEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health model.HealthResponse
	decodeData(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
	assert.Equal(t, "test", health.Version)
}

func TestRequestIDEcho(t *testing.T) {
	req, _ := http.NewRequest("GET", testSrv.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "req-echo-17")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "req-echo-17", resp.Header.Get("X-Request-ID"))

	var envelope struct {
		Meta model.ResponseMeta `json:"meta"`
	}
	data, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "req-echo-17", envelope.Meta.RequestID)
}

func TestOpenAPISpec(t *testing.T) {
	// Behind auth, unlike /health.
	unauthed, err := http.Get(testSrv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = unauthed.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, unauthed.StatusCode)

	resp, err := authedRequest("GET", testSrv.URL+"/openapi.yaml", staffToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	spec := string(body)
	assert.Contains(t, spec, "openapi: 3.1.0")
	assert.Contains(t, spec, "/v1/calls/{call_id}/turns:")
	assert.Contains(t, spec, "/v1/clients/{client_id}/calls:")
}

func TestAuthFlow(t *testing.T) {
	token := getToken(testSrv.URL, testStaffEmail, testStaffPassword)
	assert.NotEmpty(t, token)

	// Wrong password.
	body, _ := json.Marshal(model.AuthTokenRequest{Email: testStaffEmail, Password: "wrong"})
	resp, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Unknown email gets the same generic rejection.
	body, _ = json.Marshal(model.AuthTokenRequest{Email: "nobody@haven.test", Password: "whatever"})
	resp2, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, resp2))
}

func TestUnauthenticatedAccess(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/v1/clients")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Malformed authorization header.
	req, _ := http.NewRequest("GET", testSrv.URL+"/v1/clients", nil)
	req.Header.Set("Authorization", "Token abc")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestClientCRUD(t *testing.T) {
	client := createClientViaAPI(t, "Dana Whitfield")
	assert.Equal(t, model.ClientStatusIntake, client.Status)

	// Get.
	resp, err := authedRequest("GET", testSrv.URL+"/v1/clients/"+client.ID.String(), staffToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched model.Client
	decodeData(t, resp, &fetched)
	assert.Equal(t, "Dana Whitfield", fetched.Name)

	// Patch status and employment.
	active := model.ClientStatusActive
	employment := "part-time"
	resp2, err := authedRequest("PATCH", testSrv.URL+"/v1/clients/"+client.ID.String(), staffToken,
		model.UpdateClientRequest{Status: &active, Employment: &employment})
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var updated model.Client
	decodeData(t, resp2, &updated)
	assert.Equal(t, model.ClientStatusActive, updated.Status)
	require.NotNil(t, updated.Employment)
	assert.Equal(t, "part-time", *updated.Employment)
	assert.Equal(t, "Dana Whitfield", updated.Name, "untouched fields survive the patch")

	// List filtered by status.
	resp3, err := authedRequest("GET", testSrv.URL+"/v1/clients?status=active", staffToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	var list struct {
		Data  []model.Client `json:"data"`
		Total int            `json:"total"`
	}
	data, _ := io.ReadAll(resp3.Body)
	require.NoError(t, json.Unmarshal(data, &list))
	found := false
	for _, c := range list.Data {
		assert.Equal(t, model.ClientStatusActive, c.Status)
		if c.ID == client.ID {
			found = true
		}
	}
	assert.True(t, found, "updated client should appear in the active filter")
}

func TestClientValidation(t *testing.T) {
	// Empty name.
	resp, err := authedRequest("POST", testSrv.URL+"/v1/clients", staffToken,
		model.CreateClientRequest{Name: "   "})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, resp))

	// Unknown status filter value.
	resp2, err := authedRequest("GET", testSrv.URL+"/v1/clients?status=banned", staffToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	// Empty patch.
	client := createClientViaAPI(t, "Noel Baker")
	resp3, err := authedRequest("PATCH", testSrv.URL+"/v1/clients/"+client.ID.String(), staffToken,
		model.UpdateClientRequest{})
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)

	// Patch of an unknown client.
	name := "Ghost"
	resp4, err := authedRequest("PATCH", testSrv.URL+"/v1/clients/"+uuid.New().String(), staffToken,
		model.UpdateClientRequest{Name: &name})
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp4.StatusCode)
}

func TestRequestBodyLimit(t *testing.T) {
	notes := strings.Repeat("x", 2*1024*1024)
	resp, err := authedRequest("POST", testSrv.URL+"/v1/clients", staffToken,
		model.CreateClientRequest{Name: "Big Notes", Notes: &notes})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestCallFlow(t *testing.T) {
	client := createClientViaAPI(t, "Maria Lopez")
	started := startCallViaAPI(t, client.ID)
	assert.Equal(t, testGreeting, started.Greeting)
	require.NotEqual(t, uuid.Nil, started.CallID)

	// One caller turn.
	turn := submitTurn(t, started.CallID, "I lost my apartment last month and I'm scared.")
	assert.Equal(t, "I understand. Could you tell me more about your situation?", turn.AgentText)
	assert.NotEmpty(t, turn.SentenceEmotions)
	assert.False(t, turn.IsComplete)

	// Live state shows greeting + caller + reply.
	resp, err := authedRequest("GET", testSrv.URL+"/v1/calls/"+started.CallID.String()+"/live", staffToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var live model.LiveStateResponse
	decodeData(t, resp, &live)
	assert.True(t, live.Active)
	assert.Len(t, live.Segments, 3)
	assert.Equal(t, 3, live.TurnIndex)

	// Persisted record is still in progress.
	resp2, err := authedRequest("GET", testSrv.URL+"/v1/calls/"+started.CallID.String(), staffToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var record model.CallRecord
	decodeData(t, resp2, &record)
	assert.Equal(t, model.CallStatusInProgress, record.Status)

	// End the call.
	resp3, err := authedRequest("POST", testSrv.URL+"/v1/calls/"+started.CallID.String()+"/end", staffToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	var ended model.EndCallResponse
	decodeData(t, resp3, &ended)
	assert.Equal(t, "completed", ended.Status)

	// Live state goes inactive.
	resp4, err := authedRequest("GET", testSrv.URL+"/v1/calls/"+started.CallID.String()+"/live", staffToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	var liveAfter model.LiveStateResponse
	decodeData(t, resp4, &liveAfter)
	assert.False(t, liveAfter.Active)
	assert.Empty(t, liveAfter.Segments)

	// Finalized record carries transcript, summary, and emotion profile.
	resp5, err := authedRequest("GET", testSrv.URL+"/v1/calls/"+started.CallID.String(), staffToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp5.Body.Close() }()
	var final model.CallRecord
	decodeData(t, resp5, &final)
	assert.Equal(t, model.CallStatusCompleted, final.Status)
	require.NotNil(t, final.Transcript)
	assert.Contains(t, *final.Transcript, "Caller: I lost my apartment")
	require.NotNil(t, final.Summary)
	assert.Equal(t, "Caller seeking assistance.", *final.Summary)
	assert.NotNil(t, final.SentimentScore)
	assert.NotEmpty(t, final.EmotionProfile)
	assert.NotNil(t, final.EndedAt)

	// The call shows up in the client's history.
	resp6, err := authedRequest("GET", testSrv.URL+"/v1/clients/"+client.ID.String()+"/calls", staffToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp6.Body.Close() }()
	require.Equal(t, http.StatusOK, resp6.StatusCode)
	var history struct {
		Data  []model.CallRecord `json:"data"`
		Total int                `json:"total"`
	}
	data, _ := io.ReadAll(resp6.Body)
	require.NoError(t, json.Unmarshal(data, &history))
	require.Equal(t, 1, history.Total)
	assert.Equal(t, started.CallID, history.Data[0].ID)
}

func TestCallCompletionByEngine(t *testing.T) {
	client := createClientViaAPI(t, "Evan Ruiz")
	started := startCallViaAPI(t, client.ID)

	turn := submitTurn(t, started.CallID, "That's everything, goodbye.")
	assert.True(t, turn.IsComplete)

	// The engine's completion already finalized the call.
	resp, err := authedRequest("POST", testSrv.URL+"/v1/calls/"+started.CallID.String()+"/end", staffToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp2, err := authedRequest("GET", testSrv.URL+"/v1/calls/"+started.CallID.String(), staffToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	var record model.CallRecord
	decodeData(t, resp2, &record)
	assert.Equal(t, model.CallStatusCompleted, record.Status)
}

func TestStartCallErrors(t *testing.T) {
	// Unknown client.
	resp, err := authedRequest("POST", testSrv.URL+"/v1/calls", staffToken,
		model.StartCallRequest{ClientID: uuid.New()})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errorCode(t, resp))

	// Missing client_id.
	resp2, err := authedRequest("POST", testSrv.URL+"/v1/calls", staffToken, map[string]any{})
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestSubmitTurnErrors(t *testing.T) {
	// Unknown call.
	resp, err := authedRequest("POST", testSrv.URL+"/v1/calls/"+uuid.New().String()+"/turns", staffToken,
		model.SubmitTurnRequest{Text: "hello"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Malformed call id.
	resp2, err := authedRequest("POST", testSrv.URL+"/v1/calls/not-a-uuid/turns", staffToken,
		model.SubmitTurnRequest{Text: "hello"})
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	// Oversized turn text.
	client := createClientViaAPI(t, "Large Turn")
	started := startCallViaAPI(t, client.ID)
	resp3, err := authedRequest("POST", testSrv.URL+"/v1/calls/"+started.CallID.String()+"/turns", staffToken,
		model.SubmitTurnRequest{Text: strings.Repeat("a", model.MaxTurnTextLen+1)})
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, resp3))
}

func TestEmptyTurnIsNoOp(t *testing.T) {
	client := createClientViaAPI(t, "Quiet Caller")
	started := startCallViaAPI(t, client.ID)

	turn := submitTurn(t, started.CallID, "   ")
	assert.Empty(t, turn.AgentText)
	assert.Empty(t, turn.SentenceEmotions)
	assert.False(t, turn.IsComplete)

	resp, err := authedRequest("GET", testSrv.URL+"/v1/calls/"+started.CallID.String()+"/live", staffToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var live model.LiveStateResponse
	decodeData(t, resp, &live)
	assert.Len(t, live.Segments, 1, "only the greeting; empty turns add nothing")
}

func wsURL(query string) string {
	return "ws" + strings.TrimPrefix(testSrv.URL, "http") + "/v1/ws?" + query
}

func readEnvelope(t *testing.T, conn *websocket.Conn) hub.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env hub.Envelope
	require.NoError(t, json.Unmarshal(data, &env), "frame: %s", string(data))
	return env
}

func TestWebSocketStream(t *testing.T) {
	client := createClientViaAPI(t, "Stream Watcher")
	started := startCallViaAPI(t, client.ID)

	conn, resp, err := websocket.DefaultDialer.Dial(
		wsURL("call_id="+started.CallID.String()+"&token="+staffToken), nil)
	require.NoError(t, err)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = conn.Close() }()

	ack := readEnvelope(t, conn)
	assert.Equal(t, hub.EventConnected, ack.Type)

	submitTurn(t, started.CallID, "I'm sleeping in my car with my daughter.")

	callerSeg := readEnvelope(t, conn)
	require.Equal(t, hub.EventTranscript, callerSeg.Type)
	assert.Equal(t, started.CallID.String(), callerSeg.CallID)
	var seg model.TranscriptSegment
	require.NoError(t, json.Unmarshal(callerSeg.Data, &seg))
	assert.Equal(t, model.SpeakerCaller, seg.Speaker)
	assert.Equal(t, "I'm sleeping in my car with my daughter.", seg.Text)

	agentSeg := readEnvelope(t, conn)
	require.Equal(t, hub.EventTranscript, agentSeg.Type)
	require.NoError(t, json.Unmarshal(agentSeg.Data, &seg))
	assert.Equal(t, model.SpeakerAgent, seg.Speaker)

	// Ending the call emits call_ended with the finalization payload.
	endResp, err := authedRequest("POST", testSrv.URL+"/v1/calls/"+started.CallID.String()+"/end", staffToken, nil)
	require.NoError(t, err)
	_ = endResp.Body.Close()

	endedEnv := readEnvelope(t, conn)
	assert.Equal(t, hub.EventCallEnded, endedEnv.Type)
	var payload struct {
		Status  string `json:"status"`
		Summary string `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(endedEnv.Data, &payload))
	assert.Equal(t, "completed", payload.Status)
	assert.Equal(t, "Caller seeking assistance.", payload.Summary)
}

func TestWebSocketRejects(t *testing.T) {
	// No subscription keys.
	resp, err := http.Get(testSrv.URL + "/v1/ws?token=" + staffToken)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Bad token.
	resp2, err := http.Get(testSrv.URL + "/v1/ws?call_id=" + uuid.New().String() + "&token=garbage")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	// Malformed call id.
	resp3, err := http.Get(testSrv.URL + "/v1/ws?call_id=nope&token=" + staffToken)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

// newRateLimitedServer builds a second server around the shared deps
// with real limiters, so limit tests cannot starve the main suite.
func newRateLimitedServer(t *testing.T, authLimiter, turnLimiter ratelimit.Limiter) *httptest.Server {
	t.Helper()
	logger := testutil.TestLogger()
	classifier := emotion.New(logger, emotion.NewKeywordStrategy())
	callSvc := calls.New(testDB, testRegistry, classifier, testEngine{}, testHub, nil, graph.NoopProjector{}, logger)

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		JWTMgr:              testJWTMgr,
		CallSvc:             callSvc,
		Hub:                 testHub,
		Logger:              logger,
		AuthLimiter:         authLimiter,
		TurnLimiter:         turnLimiter,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestAuthRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.01, 2)
	defer func() { _ = limiter.Close() }()
	ts := newRateLimitedServer(t, limiter, nil)

	body, _ := json.Marshal(model.AuthTokenRequest{Email: testStaffEmail, Password: testStaffPassword})
	for i := 0; i < 2; i++ {
		resp, err := http.Post(ts.URL+"/auth/token", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := http.Post(ts.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	// 0.01 tokens/s: the drip interval is 100s and the hint reflects it.
	assert.Equal(t, "100", resp.Header.Get("Retry-After"))
	assert.Equal(t, model.ErrCodeRateLimited, errorCode(t, resp))
}

func TestTurnRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.01, 2)
	defer func() { _ = limiter.Close() }()
	ts := newRateLimitedServer(t, nil, limiter)

	client := createClientViaAPI(t, "Rapid Caller")
	started := startCallViaAPI(t, client.ID)

	turnBody := model.SubmitTurnRequest{Text: "hello"}
	for i := 0; i < 2; i++ {
		resp, err := authedRequest("POST", ts.URL+"/v1/calls/"+started.CallID.String()+"/turns", staffToken, turnBody)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := authedRequest("POST", ts.URL+"/v1/calls/"+started.CallID.String()+"/turns", staffToken, turnBody)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Other calls have their own budget.
	other := createClientViaAPI(t, "Calm Caller")
	otherStarted := startCallViaAPI(t, other.ID)
	resp2, err := authedRequest("POST", ts.URL+"/v1/calls/"+otherStarted.CallID.String()+"/turns", staffToken, turnBody)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

// newMCPClient creates an MCP client that connects to the test server's /mcp
// endpoint with the given bearer token for authentication.
func newMCPClient(t *testing.T, token string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		testSrv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}),
	)
	require.NoError(t, err)
	return c
}

func initMCP(t *testing.T, c *mcpclient.Client) {
	t.Helper()
	_, err := c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
}

func TestMCPInitialize(t *testing.T) {
	c := newMCPClient(t, staffToken)
	defer func() { _ = c.Close() }()

	initResult, err := c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "haven", initResult.ServerInfo.Name)
	assert.Equal(t, "test", initResult.ServerInfo.Version)
}

func TestMCPListTools(t *testing.T) {
	c := newMCPClient(t, staffToken)
	defer func() { _ = c.Close() }()
	initMCP(t, c)

	toolsResult, err := c.ListTools(context.Background(), mcplib.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, toolsResult.Tools, 3)

	toolNames := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		toolNames[tool.Name] = true
	}
	assert.True(t, toolNames["haven_client_lookup"], "expected haven_client_lookup tool")
	assert.True(t, toolNames["haven_active_calls"], "expected haven_active_calls tool")
	assert.True(t, toolNames["haven_call_transcript"], "expected haven_call_transcript tool")
}

func TestMCPUnauthenticated(t *testing.T) {
	c, err := mcpclient.NewStreamableHttpClient(testSrv.URL + "/mcp")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.Error(t, err)
}

func TestMCPClientLookupTool(t *testing.T) {
	client := createClientViaAPI(t, "Lookup Target")

	c := newMCPClient(t, staffToken)
	defer func() { _ = c.Close() }()
	initMCP(t, c)

	result, err := c.CallTool(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "haven_client_lookup",
			Arguments: map[string]any{"client_id": client.ID.String()},
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "lookup tool returned error: %v", result.Content)

	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "Lookup Target")
}
