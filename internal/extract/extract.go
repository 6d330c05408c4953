// Package extract calls the external entity extraction service.
//
// The service pulls structured intake entities (housing needs, documents,
// health conditions) out of a call transcript. Extraction is an enrichment
// step: callers absorb any error here and finalize without entities.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dhruvvootkuri/haven/internal/model"
)

const defaultTimeout = 15 * time.Second

// Client talks to the entity extraction collaborator over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an extraction client for the given base URL. A
// non-positive timeout falls back to the default.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type extractRequest struct {
	Text string `json:"text"`
}

type extractResponse struct {
	Entities map[string][]string `json:"entities"`
}

// Entities extracts categorized intake entities from the transcript.
// Categories outside the supported set and blank values are dropped.
func (c *Client) Entities(ctx context.Context, text string) (map[model.EntityCategory][]string, error) {
	body, err := json.Marshal(extractRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("extract: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extract: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extract: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("extract: unexpected status %d: %s", resp.StatusCode, msg)
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("extract: decode response: %w", err)
	}

	entities := make(map[model.EntityCategory][]string)
	for rawCat, values := range out.Entities {
		cat := model.EntityCategory(rawCat)
		if !model.ValidEntityCategory(cat) {
			continue
		}
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			entities[cat] = append(entities[cat], v)
		}
	}
	return entities, nil
}
