package haven

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// userAgent identifies this SDK release to the server.
	userAgent = "haven-go/0.1.0"

	// defaultTimeout bounds each request when no HTTPClient is supplied.
	defaultTimeout = 30 * time.Second
)

// Config carries the settings for building a Client.
type Config struct {
	// BaseURL is the root URL of the Haven server, e.g. "http://localhost:8080".
	BaseURL string

	// Email is the staff account used to obtain tokens.
	Email string

	// Password is the staff account's password.
	Password string

	// HTTPClient, when set, replaces the default client. Its timeout
	// settings win over Timeout.
	HTTPClient *http.Client

	// Timeout bounds individual API requests. Zero means 30 seconds.
	Timeout time.Duration
}

// Client talks to the Haven call intake API. A single Client may be
// shared across goroutines; token refresh is serialized internally.
type Client struct {
	baseURL string
	httpc   *http.Client
	tokens  *tokenManager
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Email == "" || cfg.Password == "" {
		return nil, errors.New("haven: Config needs BaseURL, Email, and Password")
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	httpc := cfg.HTTPClient
	if httpc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpc = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: base,
		httpc:   httpc,
		tokens:  newTokenManager(base, cfg.Email, cfg.Password, httpc),
	}, nil
}

// ---------------------------------------------------------------------------
// Call lifecycle
// ---------------------------------------------------------------------------

// StartCall begins a call session for an existing client. The returned
// greeting is the opening line the voice gateway should speak.
func (c *Client) StartCall(ctx context.Context, req StartCallRequest) (*StartCallResponse, error) {
	var resp StartCallResponse
	if err := c.post(ctx, "/v1/calls", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitTurn sends one caller utterance and returns the agent's reply
// with per-sentence emotion labels. Empty text is a valid no-op turn.
// Returns a conflict error (see IsConflict) if a turn is already being
// processed for the same call.
func (c *Client) SubmitTurn(ctx context.Context, callID uuid.UUID, text string) (*TurnResponse, error) {
	body := map[string]any{"text": text}
	var resp TurnResponse
	if err := c.post(ctx, "/v1/calls/"+callID.String()+"/turns", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EndCall ends an active call and triggers finalization: transcript
// assembly, emotion aggregation, summarization, and client record
// updates. Ending a call that is not active returns a not-found error.
func (c *Client) EndCall(ctx context.Context, callID uuid.UUID) (*EndCallResponse, error) {
	var resp EndCallResponse
	if err := c.post(ctx, "/v1/calls/"+callID.String()+"/end", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LiveState returns the transcript accumulated so far for an
// in-progress call. A call that is not active yields an empty snapshot
// rather than an error, so callers can poll without racing teardown.
func (c *Client) LiveState(ctx context.Context, callID uuid.UUID) (*LiveState, error) {
	var resp LiveState
	if err := c.get(ctx, "/v1/calls/"+callID.String()+"/live", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetCall retrieves a persisted call record.
func (c *Client) GetCall(ctx context.Context, callID uuid.UUID) (*Call, error) {
	var resp Call
	if err := c.get(ctx, "/v1/calls/"+callID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Clients
// ---------------------------------------------------------------------------

// CreateClient creates a new client record. Status defaults to intake
// when not set.
func (c *Client) CreateClient(ctx context.Context, req CreateClientRequest) (*ClientRecord, error) {
	var resp ClientRecord
	if err := c.post(ctx, "/v1/clients", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetClient retrieves a client record.
func (c *Client) GetClient(ctx context.Context, clientID uuid.UUID) (*ClientRecord, error) {
	var resp ClientRecord
	if err := c.get(ctx, "/v1/clients/"+clientID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateClient partially updates a client record. Nil fields in the
// request are left untouched by the server.
func (c *Client) UpdateClient(ctx context.Context, clientID uuid.UUID, req UpdateClientRequest) (*ClientRecord, error) {
	var resp ClientRecord
	if err := c.patch(ctx, "/v1/clients/"+clientID.String(), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListClients lists client records, newest first, optionally filtered
// by pipeline status.
func (c *Client) ListClients(ctx context.Context, opts *ListClientsOptions) (*ClientsPage, error) {
	params := url.Values{}
	if opts != nil {
		params = pageQuery(opts.Limit, opts.Offset)
		if opts.Status != "" {
			params.Set("status", string(opts.Status))
		}
	}

	var clients []ClientRecord
	page, err := c.getList(ctx, withQuery("/v1/clients", params), &clients)
	if err != nil {
		return nil, err
	}
	return &ClientsPage{Clients: clients, Page: page}, nil
}

// ClientCalls lists a client's calls, newest first.
func (c *Client) ClientCalls(ctx context.Context, clientID uuid.UUID, opts *PageOptions) (*CallsPage, error) {
	params := url.Values{}
	if opts != nil {
		params = pageQuery(opts.Limit, opts.Offset)
	}

	var calls []Call
	page, err := c.getList(ctx, withQuery("/v1/clients/"+clientID.String()+"/calls", params), &calls)
	if err != nil {
		return nil, err
	}
	return &CallsPage{Calls: calls, Page: page}, nil
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health reports server liveness and the number of active calls. No
// token is sent, so it keeps working when the configured credentials
// are wrong or the auth endpoint is down.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}

	var out HealthResponse
	if err := decodeInto(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (c *Client) post(ctx context.Context, path string, body, dest any) error {
	return c.send(ctx, http.MethodPost, path, body, dest)
}

func (c *Client) patch(ctx context.Context, path string, body, dest any) error {
	return c.send(ctx, http.MethodPatch, path, body, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	return c.send(ctx, http.MethodGet, path, nil, dest)
}

// send runs one authenticated request end to end: build, attach token,
// execute, decode.
func (c *Client) send(ctx context.Context, method, path string, body, dest any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	return decodeInto(resp, dest)
}

// getList is the list-shaped sibling of send. Pagination fields ride
// beside data in list responses, so decoding goes through listEnvelope
// and the page metadata comes back to the caller.
func (c *Client) getList(ctx context.Context, path string, dest any) (Page, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Page{}, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return Page{}, err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return Page{}, err
	}
	return decodeListInto(resp, dest)
}

// newRequest builds a request with the standard headers. A nil body
// sends no payload and no Content-Type.
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("haven: encode %s %s body: %w", method, path, err)
		}
		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("haven: build %s %s: %w", method, path, err)
	}
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) roundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("haven: %s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// decodeInto drains and closes the response body, then unmarshals it
// into dest. Error statuses become *Error; 204 and nil dest decode
// nothing.
func decodeInto(resp *http.Response, dest any) error {
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("haven: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return errorFrom(resp.StatusCode, raw)
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return unwrap(raw, dest)
}

// listEnvelope matches the server's paginated list responses, where
// pagination fields sit beside data rather than inside it.
type listEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Total   int             `json:"total"`
	HasMore bool            `json:"has_more"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

func decodeListInto(resp *http.Response, dest any) (Page, error) {
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, fmt.Errorf("haven: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Page{}, errorFrom(resp.StatusCode, raw)
	}

	var envelope listEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Page{}, fmt.Errorf("haven: decode list response: %w", err)
	}
	if envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, dest); err != nil {
			return Page{}, fmt.Errorf("haven: decode list items: %w", err)
		}
	}
	return Page{
		Total:   envelope.Total,
		HasMore: envelope.HasMore,
		Limit:   envelope.Limit,
		Offset:  envelope.Offset,
	}, nil
}

// unwrap peels the server's { "data": ... } wrapper off raw and decodes
// what is inside into dest. A body that arrives without the wrapper
// decodes as-is.
func unwrap(raw []byte, dest any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("haven: decode response: %w", err)
	}
	if envelope.Data != nil {
		return json.Unmarshal(envelope.Data, dest)
	}
	return json.Unmarshal(raw, dest)
}

// errorFrom maps a non-2xx body to an *Error. The server wraps failures
// in { "error": { "code", "message" } }; responses minted elsewhere
// (proxies, load balancers) surface verbatim as the message.
func errorFrom(status int, raw []byte) *Error {
	var wire struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &wire); err == nil && wire.Error.Message != "" {
		return &Error{StatusCode: status, Code: wire.Error.Code, Message: wire.Error.Message}
	}
	return &Error{StatusCode: status, Code: http.StatusText(status), Message: string(raw)}
}

func pageQuery(limit, offset int) url.Values {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	return params
}

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}
