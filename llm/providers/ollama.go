package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/c360studio/council/llm"
)

// OllamaProvider implements Ollama's native generate API.
type OllamaProvider struct{}

func init() {
	llm.RegisterProvider(&OllamaProvider{})
}

// Name returns the provider identifier.
func (o *OllamaProvider) Name() string {
	return "ollama"
}

// BuildURL constructs the generate endpoint.
func (o *OllamaProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return baseURL + "/api/generate"
}

// HealthURL constructs the tags endpoint, which answers cheaply when the
// server is up.
func (o *OllamaProvider) HealthURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return baseURL + "/api/tags"
}

// SetHeaders adds provider-specific headers. Ollama needs none.
func (o *OllamaProvider) SetHeaders(_ *http.Request) {}

// ollamaRequest is the native generate request format.
type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

// BuildRequestBody creates the native generate request body. A system message
// maps to the system field; remaining message contents are joined into the
// prompt.
func (o *OllamaProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	var system string
	var parts []string

	for _, msg := range messages {
		if msg.Role == "system" {
			system = msg.Content
		} else {
			parts = append(parts, msg.Content)
		}
	}

	req := ollamaRequest{
		Model:  model,
		Prompt: strings.Join(parts, "\n\n"),
		System: system,
		Stream: false,
	}

	if temperature != nil || maxTokens > 0 {
		opts := &ollamaOptions{
			Temperature: temperature, // nil = use default, 0 = deterministic
		}
		if maxTokens > 0 {
			opts.NumPredict = &maxTokens
		}
		req.Options = opts
	}

	return json.Marshal(req)
}

// ollamaResponse is the native generate response format.
type ollamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// ParseResponse extracts content from the native generate response.
func (o *OllamaProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	var resp ollamaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse ollama response: %w", err)
	}

	return &llm.Response{
		Content: resp.Response,
		Model:   resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
		FinishReason: resp.DoneReason,
	}, nil
}
