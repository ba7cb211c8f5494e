// Package client provides test clients for e2e scenarios.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient provides HTTP operations for e2e tests.
// It communicates with the council server's REST surface.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTP client for e2e testing. The timeout is
// generous because a synchronous query spans a full deliberation.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 240 * time.Second,
		},
	}
}

// InfoResponse is the service identity returned from the root endpoint.
type InfoResponse struct {
	Message  string   `json:"message"`
	Version  string   `json:"version"`
	Status   string   `json:"status"`
	Members  []string `json:"members"`
	Chairman string   `json:"chairman"`
}

// HealthResponse reports per-service reachability from /healthz.
type HealthResponse struct {
	Status   string          `json:"status"`
	Services map[string]bool `json:"services"`
}

// MemberResponse is one first-stage answer in a deliberation result.
type MemberResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// MemberReview is one peer review in a deliberation result.
type MemberReview struct {
	Model  string `json:"model"`
	Review string `json:"review"`
}

// DeliberationResult is the final payload of a completed deliberation.
type DeliberationResult struct {
	Query           string           `json:"query"`
	Stage1Responses []MemberResponse `json:"stage1_responses"`
	Stage2Reviews   []MemberReview   `json:"stage2_reviews"`
	Stage3Final     string           `json:"stage3_final"`
}

// APIError is a non-2xx response from the council server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Info retrieves the service identity from the root endpoint.
func (c *HTTPClient) Info(ctx context.Context) (*InfoResponse, error) {
	var info InfoResponse
	if err := c.getJSON(ctx, "/", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Health retrieves the health report. The status code is returned alongside
// the body because a degraded council answers 503 with a full report.
func (c *HTTPClient) Health(ctx context.Context) (*HealthResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("unmarshal response: %w", err)
	}

	return &health, resp.StatusCode, nil
}

// Query runs a synchronous deliberation via POST /query.
func (c *HTTPClient) Query(ctx context.Context, query string) (*DeliberationResult, error) {
	data, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, body)
	}

	var result DeliberationResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &result, nil
}

// WaitForHealthy polls /healthz until the council reports every backend
// reachable or the context expires.
func (c *HTTPClient) WaitForHealthy(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for service to be healthy: %w", ctx.Err())
		case <-ticker.C:
			if _, status, err := c.Health(ctx); err == nil && status == http.StatusOK {
				return nil
			}
		}
	}
}

// MetricsText retrieves the raw Prometheus exposition from /metrics.
func (c *HTTPClient) MetricsText(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metrics", nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp.StatusCode, body)
	}

	return string(body), nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
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
		return apiError(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}

// apiError extracts the server's {"error": ...} body when present.
func apiError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return &APIError{StatusCode: status, Message: payload.Error}
	}
	return &APIError{StatusCode: status, Message: string(body)}
}
