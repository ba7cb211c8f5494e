package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/council/llm"
	_ "github.com/c360studio/council/llm/providers" // Register providers
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ollamaSuccess(content string) map[string]any {
	return map[string]any{
		"model":             "test-model",
		"response":          content,
		"done":              true,
		"done_reason":       "stop",
		"prompt_eval_count": 10,
		"eval_count":        8,
	}
}

func testEndpoint(url string) llm.Endpoint {
	return llm.Endpoint{Provider: "ollama", URL: url, Model: "test-model"}
}

func TestClient_Complete_Success(t *testing.T) {
	// Create a mock server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ollamaSuccess("Hello! How can I help you?"))
	}))
	defer server.Close()

	client := llm.NewClient()

	resp, err := client.Complete(context.Background(), testEndpoint(server.URL), llm.Request{
		Messages: []llm.Message{
			{Role: "user", Content: "Hello"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help you?", resp.Content)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
	assert.NotEmpty(t, resp.RequestID)
}

func TestClient_Complete_ContentVerbatim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaSuccess("  leading and trailing  \n"))
	}))
	defer server.Close()

	client := llm.NewClient()

	resp, err := client.Complete(context.Background(), testEndpoint(server.URL), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Hello"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "  leading and trailing  \n", resp.Content)
}

func TestClient_Complete_SingleAttemptByDefault(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Service temporarily unavailable"))
	}))
	defer server.Close()

	client := llm.NewClient()

	_, err := client.Complete(context.Background(), testEndpoint(server.URL), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Test"}},
	})

	require.Error(t, err)
	assert.True(t, llm.IsUnavailable(err))
	assert.Equal(t, int32(1), attempts.Load()) // No automatic retry
}

func TestClient_Complete_RetryOnUnavailable(t *testing.T) {
	var attempts atomic.Int32

	// Server that fails first 2 times, then succeeds
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt := attempts.Add(1)

		if attempt < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Service temporarily unavailable"))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ollamaSuccess("Success after retries"))
	}))
	defer server.Close()

	// Use shorter backoff for testing
	client := llm.NewClient(llm.WithRetryConfig(llm.RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       10 * time.Millisecond,
		BackoffMultiplier: 1.5,
		MaxBackoff:        100 * time.Millisecond,
	}))

	resp, err := client.Complete(context.Background(), testEndpoint(server.URL), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Test"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Success after retries", resp.Content)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_Complete_NoRetryOnModelError(t *testing.T) {
	var attempts atomic.Int32

	// Server that returns 401 Unauthorized
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("Invalid API key"))
	}))
	defer server.Close()

	client := llm.NewClient(llm.WithRetryConfig(llm.RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       1 * time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        10 * time.Millisecond,
	}))

	_, err := client.Complete(context.Background(), testEndpoint(server.URL), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Test"}},
	})

	require.Error(t, err)
	assert.True(t, llm.IsModelError(err))
	assert.False(t, llm.IsUnavailable(err))
	assert.Equal(t, int32(1), attempts.Load()) // Only one attempt
}

func TestClient_Complete_RateLimitRetry(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt := attempts.Add(1)

		if attempt == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("Rate limited"))
			return
		}

		json.NewEncoder(w).Encode(ollamaSuccess("Success"))
	}))
	defer server.Close()

	client := llm.NewClient(llm.WithRetryConfig(llm.RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       1 * time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        10 * time.Millisecond,
	}))

	resp, err := client.Complete(context.Background(), testEndpoint(server.URL), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Test"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Success", resp.Content)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClient_Complete_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate slow response
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := llm.NewClient()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, testEndpoint(server.URL), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Test"}},
	})

	require.Error(t, err)
	assert.True(t, llm.IsUnavailable(err))
	assert.Contains(t, err.Error(), "context")
}

func TestClient_Complete_ValidationErrors(t *testing.T) {
	client := llm.NewClient()

	tests := []struct {
		name    string
		ep      llm.Endpoint
		req     llm.Request
		wantErr string
	}{
		{
			name:    "empty model",
			ep:      llm.Endpoint{Provider: "ollama", URL: "http://localhost:11434"},
			req:     llm.Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}},
			wantErr: "endpoint model is required",
		},
		{
			name:    "empty URL",
			ep:      llm.Endpoint{Provider: "ollama", Model: "test-model"},
			req:     llm.Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}},
			wantErr: "endpoint URL is required",
		},
		{
			name:    "no messages",
			ep:      llm.Endpoint{Provider: "ollama", URL: "http://localhost:11434", Model: "test-model"},
			wantErr: "at least one message is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Complete(context.Background(), tt.ep, tt.req)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClient_Complete_UnknownProvider(t *testing.T) {
	client := llm.NewClient()

	_, err := client.Complete(context.Background(), llm.Endpoint{
		Provider: "no-such-provider",
		URL:      "http://localhost:11434",
		Model:    "test-model",
	}, llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})

	require.Error(t, err)
	assert.True(t, llm.IsModelError(err))
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestClient_Healthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"models":[]}`))
	}))
	defer server.Close()

	client := llm.NewClient()

	err := client.Healthy(context.Background(), testEndpoint(server.URL))
	require.NoError(t, err)
}

func TestClient_Healthy_Unreachable(t *testing.T) {
	// Grab a URL, then close the server so the probe fails to connect
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := llm.NewClient()

	err := client.Healthy(context.Background(), testEndpoint(url))
	require.Error(t, err)
	assert.True(t, llm.IsUnavailable(err))
}

func TestClient_Healthy_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := llm.NewClient()

	err := client.Healthy(context.Background(), testEndpoint(server.URL))
	require.Error(t, err)
	assert.True(t, llm.IsUnavailable(err))
}
