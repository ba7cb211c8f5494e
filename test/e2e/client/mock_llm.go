package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// MockLLMClient provides operations against the mock LLM server for e2e
// testing. It talks directly to the mock-llm process, not the council API.
type MockLLMClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewMockLLMClient creates a new client for the mock LLM server.
func NewMockLLMClient(baseURL string) *MockLLMClient {
	return &MockLLMClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// MockStats contains call statistics from the mock LLM server.
type MockStats struct {
	TotalCalls   int64            `json:"total_calls"`
	CallsByModel map[string]int64 `json:"calls_by_model"`
}

// CapturedRequest is one recorded model call, as reported by the mock's
// /requests endpoint. For a council member, call 1 is the opinion prompt
// and call 2 the review prompt.
type CapturedRequest struct {
	Model     string `json:"model"`
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	CallIndex int    `json:"call_index"`
	Timestamp int64  `json:"timestamp"`
}

// GetStats retrieves call statistics from the mock LLM server.
func (c *MockLLMClient) GetStats(ctx context.Context) (*MockStats, error) {
	var stats MockStats
	if err := c.getJSON(ctx, "/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetRequests retrieves captured requests for a model. call filters by
// 1-indexed call number; 0 returns every captured call.
func (c *MockLLMClient) GetRequests(ctx context.Context, model string, call int) ([]CapturedRequest, error) {
	query := url.Values{}
	if model != "" {
		query.Set("model", model)
	}
	if call > 0 {
		query.Set("call", strconv.Itoa(call))
	}

	path := "/requests"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var payload struct {
		RequestsByModel map[string][]CapturedRequest `json:"requests_by_model"`
	}
	if err := c.getJSON(ctx, path, &payload); err != nil {
		return nil, err
	}
	return payload.RequestsByModel[model], nil
}

// Healthy probes the mock server's health endpoint.
func (c *MockLLMClient) Healthy(ctx context.Context) error {
	var status struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/health", &status); err != nil {
		return err
	}
	if status.Status != "ok" {
		return fmt.Errorf("mock LLM unhealthy: %s", status.Status)
	}
	return nil
}

func (c *MockLLMClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}
