// Package graph projects call outcomes into the external relationship
// graph service. Projection is best-effort: callers log and discard any
// error rather than letting a graph outage surface to the caller.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultTimeout = 10 * time.Second

// Completion is the payload pushed to the graph when a call finishes.
type Completion struct {
	Status         string  `json:"status"`
	SentimentScore float64 `json:"sentiment_score"`
}

// Projector records call outcomes in the graph.
type Projector interface {
	RecordCallCompletion(ctx context.Context, callID, clientID uuid.UUID, c Completion) error
}

// HTTPProjector posts completions to the graph collaborator.
type HTTPProjector struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPProjector creates a projector for the given base URL. A
// non-positive timeout falls back to the default.
func NewHTTPProjector(baseURL string, timeout time.Duration) *HTTPProjector {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPProjector{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type completionRequest struct {
	CallID         string  `json:"call_id"`
	ClientID       string  `json:"client_id"`
	Status         string  `json:"status"`
	SentimentScore float64 `json:"sentiment_score"`
}

// RecordCallCompletion pushes a completion node for the call.
func (p *HTTPProjector) RecordCallCompletion(ctx context.Context, callID, clientID uuid.UUID, c Completion) error {
	body, err := json.Marshal(completionRequest{
		CallID:         callID.String(),
		ClientID:       clientID.String(),
		Status:         c.Status,
		SentimentScore: c.SentimentScore,
	})
	if err != nil {
		return fmt.Errorf("graph: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/graph/calls", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("graph: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("graph: unexpected status %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// NoopProjector drops completions. Used when no graph service is
// configured.
type NoopProjector struct{}

// RecordCallCompletion does nothing.
func (NoopProjector) RecordCallCompletion(context.Context, uuid.UUID, uuid.UUID, Completion) error {
	return nil
}
