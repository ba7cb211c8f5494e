// Package llm provides a provider-agnostic client for model-serving endpoints.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Client is a provider-agnostic model client.
type Client struct {
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
}

// Endpoint identifies one model-serving endpoint.
type Endpoint struct {
	// Provider selects the API shape ("ollama", "openai", "anthropic").
	Provider string

	// URL is the base URL of the serving endpoint.
	URL string

	// Model is the model name passed to the endpoint.
	Model string
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines a completion request.
type Request struct {
	// Messages is the chat history to send to the model.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption details for a model call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the completion result.
type Response struct {
	// RequestID uniquely identifies this call for log correlation.
	// Set by Complete().
	RequestID string

	// Content is the generated text, verbatim.
	Content string

	// Model is the actual model that was used.
	Model string

	// Usage contains token consumption metrics when the endpoint reports them.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a new model client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 15 * time.Minute, // Local inference can be slow
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends a completion request to the endpoint, applying the configured
// retry policy. The returned content is the model output verbatim.
func (c *Client) Complete(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	if ep.Model == "" {
		return nil, fmt.Errorf("endpoint model is required")
	}
	if ep.URL == "" {
		return nil, fmt.Errorf("endpoint URL is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	requestID := uuid.New().String()

	var lastErr error
	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			resp.RequestID = requestID
			return resp, nil
		}

		lastErr = err

		// Model errors mean the request itself cannot succeed
		if IsModelError(err) {
			return nil, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"request_id", requestID,
				"model", ep.Model,
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, NewUnavailableError(ctx.Err())
			case <-time.After(backoff):
				// Continue to retry
			}
		}
	}

	return nil, lastErr
}

// Healthy probes the endpoint's liveness URL. A nil error means the endpoint
// answered with a success status.
func (c *Client) Healthy(ctx context.Context, ep Endpoint) error {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return NewModelError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	url := provider.HealthURL(ep.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return NewModelError(fmt.Errorf("create health request: %w", err))
	}
	provider.SetHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewUnavailableError(fmt.Errorf("health probe failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return NewUnavailableError(fmt.Errorf("health probe returned status %d", resp.StatusCode))
	}
	return nil
}

// calculateBackoff computes exponential backoff duration with jitter.
// Jitter prevents thundering herd when multiple clients retry simultaneously.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	// Add jitter: +/- 25% to prevent synchronized retries
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP request to the model endpoint.
func (c *Client) doRequest(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewModelError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	// Build request URL
	url := provider.BuildURL(ep.URL)

	// Build request body
	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewModelError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending model request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"messages", len(req.Messages))

	// Create HTTP request
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewModelError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	// Execute request
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors and timeouts mean the endpoint is unavailable
		return nil, NewUnavailableError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	// Read response body with size limit to prevent memory exhaustion
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewUnavailableError(fmt.Errorf("read response body: %w", err))
	}

	// Handle HTTP errors
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	// Parse response
	resp, err := provider.ParseResponse(respBody, ep.Model)
	if err != nil {
		return nil, NewModelError(err)
	}
	return resp, nil
}

// classifyHTTPError determines whether an HTTP error leaves the endpoint
// unavailable or marks the request itself as failed.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("model API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is temporary
		return NewUnavailableError(err)
	case statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusBadGateway,
		statusCode == http.StatusGatewayTimeout:
		// Gateway and overload errors are temporary
		return NewUnavailableError(err)
	case statusCode >= 500:
		// Other 5xx errors are temporary
		return NewUnavailableError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Auth errors won't clear on retry
		return NewModelError(err)
	case statusCode == http.StatusBadRequest:
		// Bad requests won't clear on retry
		return NewModelError(err)
	default:
		// Unknown errors default to model-side failure
		return NewModelError(err)
	}
}
