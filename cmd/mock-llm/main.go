// Package main implements a mock LLM server for e2e testing.
// It serves Ollama-native /api/generate responses (plus OpenAI-compatible
// /v1/chat/completions) from plain-text fixture files, routing by the
// "model" field in the request. This eliminates the need for real models
// during deliberation wiring tests, making them fast, deterministic, and
// offline-capable. Every configured council member can point at the same
// mock instance with a distinct model name.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// Fixture files are text named by model (e.g., "llama3.txt" maps to model
// "llama3"). The file content is returned as the completion.
//
// Sequential fixtures: If numbered files exist (e.g., "llama3.1.txt",
// "llama3.2.txt"), the Nth call to that model returns the Nth fixture.
// After exhausting numbered fixtures, the base "llama3.txt" is used as a
// repeating fallback. For a council member this maps calls onto stages:
// the first call is its opinion, the second its peer review.
//
// The -delay flag adds simulated generation latency so streamed session
// progress is visible; -fail names models whose generate calls return 503,
// for exercising degraded deliberations.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// --- Ollama-native types ---

type generateRequest struct {
	Model   string           `json:"model"`
	Prompt  string           `json:"prompt"`
	System  string           `json:"system,omitempty"`
	Stream  bool             `json:"stream"`
	Options *generateOptions `json:"options,omitempty"`
}

type generateOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Model           string    `json:"model"`
	CreatedAt       time.Time `json:"created_at"`
	Response        string    `json:"response"`
	Done            bool      `json:"done"`
	DoneReason      string    `json:"done_reason"`
	PromptEvalCount int       `json:"prompt_eval_count"`
	EvalCount       int       `json:"eval_count"`
}

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Server ---

// capturedRequest stores the key fields of an incoming LLM request for test
// verification. Chat-style requests are flattened: the system message fills
// System, the remaining message contents fill Prompt.
type capturedRequest struct {
	Model     string `json:"model"`
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	CallIndex int    `json:"call_index"` // 1-indexed per-model call number
	Timestamp int64  `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string // model name → ordered fixture contents (sequential)
	failing  map[string]bool     // model name → generate calls return 503
	delay    time.Duration       // simulated generation latency
	calls    atomic.Int64        // total calls served

	// Per-model call counters for sequential fixture selection.
	modelCalls   map[string]*atomic.Int64
	modelCallsMu sync.Mutex // protects lazy init of modelCalls entries

	// Per-model request capture for prompt verification in e2e tests.
	modelRequests   map[string][]capturedRequest
	modelRequestsMu sync.Mutex
}

func newServer(fixtures map[string][]string, failing map[string]bool, delay time.Duration) *server {
	return &server{
		fixtures:      fixtures,
		failing:       failing,
		delay:         delay,
		modelCalls:    make(map[string]*atomic.Int64),
		modelRequests: make(map[string][]capturedRequest),
	}
}

// captureRequest stores a request for later retrieval via /requests endpoint.
func (s *server) captureRequest(model, system, prompt string, callIndex int) {
	s.modelRequestsMu.Lock()
	defer s.modelRequestsMu.Unlock()
	s.modelRequests[model] = append(s.modelRequests[model], capturedRequest{
		Model:     model,
		System:    system,
		Prompt:    prompt,
		CallIndex: callIndex,
		Timestamp: time.Now().UnixMilli(),
	})
}

// getModelCounter returns the call counter for a model, creating it lazily.
func (s *server) getModelCounter(model string) *atomic.Int64 {
	s.modelCallsMu.Lock()
	defer s.modelCallsMu.Unlock()
	if c, ok := s.modelCalls[model]; ok {
		return c
	}
	c := &atomic.Int64{}
	s.modelCalls[model] = c
	return c
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	delay := flag.Duration("delay", 0, "simulated generation latency per call")
	fail := flag.String("fail", "", "comma-separated model names whose generate calls return 503")
	flag.Parse()

	// Allow env var override
	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
	}
	log.Printf("Loaded %d model(s) from %s", len(fixtures), *fixtureDir)
	for model, seq := range fixtures {
		log.Printf("  model: %s (%d fixture(s))", model, len(seq))
	}

	failing := make(map[string]bool)
	for _, name := range strings.Split(*fail, ",") {
		if name = strings.TrimSpace(name); name != "" {
			failing[name] = true
			log.Printf("  failing model: %s", name)
		}
	}

	s := newServer(fixtures, failing, *delay)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/generate", s.handleGenerate)
	mux.HandleFunc("/api/tags", s.handleTags)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock LLM server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// completion resolves the fixture content for a call to model. The returned
// callIndex is 1-indexed.
func (s *server) completion(model string) (content string, callIndex int, ok bool) {
	// Resolve fixture sequence: try exact model name, then strip "mock-" prefix
	seq, found := s.fixtures[model]
	if !found {
		stripped := strings.TrimPrefix(model, "mock-")
		seq, found = s.fixtures[stripped]
	}
	if !found {
		return "", 0, false
	}

	// Select fixture from sequence based on per-model call count
	counter := s.getModelCounter(model)
	idx := int(counter.Add(1) - 1) // 0-indexed

	if idx < len(seq) {
		content = seq[idx]
	} else {
		content = seq[len(seq)-1] // repeat last fixture
	}
	return content, idx + 1, true
}

// handleGenerate serves Ollama's native generate API. This is what council
// members speak by default.
func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	log.Printf("[call %d] model=%s prompt=%d bytes system=%d bytes", callNum, req.Model, len(req.Prompt), len(req.System))

	if s.failing[req.Model] {
		log.Printf("[call %d] model=%s configured to fail", callNum, req.Model)
		http.Error(w, fmt.Sprintf("model %q is unavailable", req.Model), http.StatusServiceUnavailable)
		return
	}

	content, callIndex, ok := s.completion(req.Model)
	if !ok {
		log.Printf("[call %d] WARNING: no fixture for model=%q, returning error", callNum, req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}

	// Capture request for prompt verification (e2e /requests endpoint)
	s.captureRequest(req.Model, req.System, req.Prompt, callIndex)

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-r.Context().Done():
			return
		}
	}

	log.Printf("[call %d] model=%s call_index=%d", callNum, req.Model, callIndex)

	resp := generateResponse{
		Model:           req.Model,
		CreatedAt:       time.Now().UTC(),
		Response:        content,
		Done:            true,
		DoneReason:      "stop",
		PromptEvalCount: len(req.Prompt) / 4, // rough estimate
		EvalCount:       len(content) / 4,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
	log.Printf("[call %d] responded with %d bytes for model=%s", callNum, len(content), req.Model)
}

// handleTags returns the list of available mock models in Ollama's tags
// format. The council health check probes this endpoint.
func (s *server) handleTags(w http.ResponseWriter, _ *http.Request) {
	type tagEntry struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	}
	models := make([]tagEntry, 0, len(s.fixtures))
	for name := range s.fixtures {
		models = append(models, tagEntry{Name: name, Model: name})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"models": models,
	})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	log.Printf("[call %d] model=%s messages=%d", callNum, req.Model, len(req.Messages))

	if s.failing[req.Model] {
		log.Printf("[call %d] model=%s configured to fail", callNum, req.Model)
		http.Error(w, fmt.Sprintf("model %q is unavailable", req.Model), http.StatusServiceUnavailable)
		return
	}

	content, callIndex, ok := s.completion(req.Model)
	if !ok {
		log.Printf("[call %d] WARNING: no fixture for model=%q, returning error", callNum, req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}

	// Flatten messages for capture: system message → System, the rest → Prompt
	var system string
	var parts []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			system = msg.Content
		} else {
			parts = append(parts, msg.Content)
		}
	}
	s.captureRequest(req.Model, system, strings.Join(parts, "\n\n"), callIndex)

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-r.Context().Done():
			return
		}
	}

	log.Printf("[call %d] model=%s call_index=%d", callNum, req.Model, callIndex)

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index: 0,
				Message: chatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
	log.Printf("[call %d] responded with %d bytes for model=%s", callNum, len(content), req.Model)
}

// handleModels returns the list of available mock models (OpenAI-compatible).
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	var models []modelEntry
	for name := range s.fixtures {
		models = append(models, modelEntry{
			ID:      name,
			Object:  "model",
			OwnedBy: "mock-llm",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handleStats returns call counts for test assertions.
// Returns total_calls and per-model calls_by_model breakdown.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.modelCallsMu.Lock()
	callsByModel := make(map[string]int64, len(s.modelCalls))
	for model, counter := range s.modelCalls {
		callsByModel[model] = counter.Load()
	}
	s.modelCallsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_model": callsByModel,
	})
}

// handleRequests returns captured request bodies for test assertions.
// Query params:
//   - model: filter by model name (optional, returns all models if omitted)
//   - call: filter by call index, 1-indexed (optional)
//
// Returns {"requests_by_model": {"llama3": [...], ...}}. For a council
// member, call 1 is the opinion prompt and call 2 the review prompt, which
// is how e2e runs verify anonymization.
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter := r.URL.Query().Get("call")

	s.modelRequestsMu.Lock()
	result := make(map[string][]capturedRequest)
	for model, reqs := range s.modelRequests {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		if callFilter != "" {
			callIdx, err := strconv.Atoi(callFilter)
			if err == nil {
				for _, req := range reqs {
					if req.CallIndex == callIdx {
						result[model] = append(result[model], req)
					}
				}
				continue
			}
		}
		result[model] = reqs
	}
	s.modelRequestsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests_by_model": result,
	})
}

// numberedFileRe matches files like "llama3.1.txt", "qwen.2.txt".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.txt$`)

// loadFixtures reads text files from dir and returns a map of model→content
// sequence.
//
// For each model, fixtures are ordered:
//  1. Numbered files (model.1.txt, model.2.txt, ...) in numeric order
//  2. Base file (model.txt) appended as the final fallback
//
// If only model.txt exists, every call returns the same content.
func loadFixtures(dir string) (map[string][]string, error) {
	// Collect raw file data: base files and numbered files separately
	baseFiles := make(map[string]string)             // model → content
	numberedFiles := make(map[string]map[int]string) // model → {index → content}

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".txt") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		content := strings.TrimRight(string(data), "\n")

		// Check for numbered pattern: model.N.txt
		if matches := numberedFileRe.FindStringSubmatch(info.Name()); matches != nil {
			model := matches[1]
			index, _ := strconv.Atoi(matches[2])
			if numberedFiles[model] == nil {
				numberedFiles[model] = make(map[int]string)
			}
			numberedFiles[model][index] = content
			return nil
		}

		// Base file: model.txt
		model := strings.TrimSuffix(info.Name(), ".txt")
		baseFiles[model] = content
		return nil
	})

	if err != nil {
		return nil, err
	}

	// Build ordered sequences
	fixtures := make(map[string][]string)

	// Collect all model names
	allModels := make(map[string]bool)
	for m := range baseFiles {
		allModels[m] = true
	}
	for m := range numberedFiles {
		allModels[m] = true
	}

	for model := range allModels {
		var seq []string

		// Add numbered fixtures in order
		if numbered, ok := numberedFiles[model]; ok {
			// Get sorted indices
			indices := make([]int, 0, len(numbered))
			for idx := range numbered {
				indices = append(indices, idx)
			}
			sort.Ints(indices)

			for _, idx := range indices {
				seq = append(seq, numbered[idx])
			}
		}

		// Append base file as fallback
		if base, ok := baseFiles[model]; ok {
			seq = append(seq, base)
		}

		if len(seq) > 0 {
			fixtures[model] = seq
		}
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}

	return fixtures, nil
}
