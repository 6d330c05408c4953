package emotion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dhruvvootkuri/haven/internal/model"
)

// ProviderStrategy delegates classification to an external
// affect-analysis service. It is the preferred strategy when a provider
// URL is configured.
type ProviderStrategy struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewProviderStrategy creates a strategy that calls an affect-analysis
// API at baseURL. The timeout bounds each request so a hung provider
// cannot stall a turn.
func NewProviderStrategy(baseURL, apiKey string, timeout time.Duration) *ProviderStrategy {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ProviderStrategy{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name identifies the strategy in logs.
func (s *ProviderStrategy) Name() string { return "provider" }

type providerRequest struct {
	Text string `json:"text"`
}

type providerResponse struct {
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

// Classify posts the text to the provider. Any transport failure,
// non-OK status, or undecodable payload is returned as an error so the
// chain falls through to the next strategy.
func (s *ProviderStrategy) Classify(ctx context.Context, text string) (Score, error) {
	reqBody, err := json.Marshal(providerRequest{Text: text})
	if err != nil {
		return Score{}, fmt.Errorf("provider: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/analyze", bytes.NewReader(reqBody))
	if err != nil {
		return Score{}, fmt.Errorf("provider: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Score{}, fmt.Errorf("provider: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Score{}, fmt.Errorf("provider: status %d: %s", resp.StatusCode, string(body))
	}

	var result providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Score{}, fmt.Errorf("provider: decode response: %w", err)
	}
	if result.Emotion == "" {
		return Score{}, fmt.Errorf("provider: empty emotion returned")
	}

	return Score{
		Label:      model.EmotionLabel(result.Emotion),
		Confidence: result.Confidence,
	}, nil
}
