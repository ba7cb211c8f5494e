package scenarios

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/council/test/e2e/client"
	"github.com/c360studio/council/test/e2e/config"
)

// DeliberationScenario tests the full three-stage deliberation over a
// WebSocket session: opinions, anonymized peer review, chairman synthesis.
type DeliberationScenario struct {
	name        string
	description string
	config      *config.Config
	http        *client.HTTPClient
	mock        *client.MockLLMClient
	ws          *client.SessionClient

	baseline *client.MockStats
	frames   []client.SessionFrame
	result   *client.DeliberationResult
}

// NewDeliberationScenario creates a new deliberation scenario.
func NewDeliberationScenario(cfg *config.Config) *DeliberationScenario {
	return &DeliberationScenario{
		name:        "deliberation",
		description: "Tests the three-stage deliberation streamed over a WebSocket session",
		config:      cfg,
	}
}

// Name returns the scenario name.
func (s *DeliberationScenario) Name() string {
	return s.name
}

// Description returns the scenario description.
func (s *DeliberationScenario) Description() string {
	return s.description
}

// Setup prepares the scenario environment.
func (s *DeliberationScenario) Setup(ctx context.Context) error {
	s.http = client.NewHTTPClient(s.config.APIURL)
	s.mock = client.NewMockLLMClient(s.config.MockLLMURL)

	setupCtx, cancel := context.WithTimeout(ctx, s.config.SetupTimeout)
	defer cancel()

	if err := s.mock.Healthy(setupCtx); err != nil {
		return fmt.Errorf("mock LLM not reachable: %w", err)
	}
	if err := s.http.WaitForHealthy(setupCtx); err != nil {
		return fmt.Errorf("service not healthy: %w", err)
	}

	// Mock call counters are cumulative across scenarios; assertions work
	// against the delta from this snapshot.
	baseline, err := s.mock.GetStats(setupCtx)
	if err != nil {
		return fmt.Errorf("snapshot mock stats: %w", err)
	}
	s.baseline = baseline

	return nil
}

// Execute runs the deliberation scenario.
func (s *DeliberationScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.name)
	defer result.Complete()

	query := "What is the capital of France?"
	result.SetDetail("query", query)

	if err := runStage(result, "open-session", func() error {
		dialCtx, cancel := context.WithTimeout(ctx, s.config.SetupTimeout)
		defer cancel()
		ws, err := client.DialSession(dialCtx, s.config.APIURL)
		if err != nil {
			return err
		}
		s.ws = ws
		return nil
	}); err != nil {
		return result, nil
	}

	if err := runStage(result, "run-deliberation", func() error {
		if err := s.ws.SendQuery(query); err != nil {
			return fmt.Errorf("send query: %w", err)
		}
		frames, err := s.ws.CollectDeliberation(s.config.FrameTimeout)
		s.frames = frames
		result.SetDetail("frame_count", len(frames))
		return err
	}); err != nil {
		return result, nil
	}

	if err := runStage(result, "verify-progress", func() error {
		return s.verifyProgress()
	}); err != nil {
		return result, nil
	}

	if err := runStage(result, "verify-result", func() error {
		return s.verifyResult(query, result)
	}); err != nil {
		return result, nil
	}

	if err := runStage(result, "verify-model-calls", func() error {
		return s.verifyModelCalls(ctx, result)
	}); err != nil {
		return result, nil
	}

	if err := runStage(result, "verify-captured-prompts", func() error {
		return s.verifyCapturedPrompts(ctx, query)
	}); err != nil {
		return result, nil
	}

	result.Success = true
	return result, nil
}

// Teardown cleans up after the scenario.
func (s *DeliberationScenario) Teardown(ctx context.Context) error {
	if s.ws != nil {
		return s.ws.Close()
	}
	return nil
}

// verifyProgress checks the streamed frame sequence: the three stage
// announcements in order, per-member completions, no error frames, and a
// terminal result frame.
func (s *DeliberationScenario) verifyProgress() error {
	if len(s.frames) == 0 {
		return fmt.Errorf("no frames received")
	}

	last := s.frames[len(s.frames)-1]
	if last.Type != "result" {
		return fmt.Errorf("terminal frame is %q, want result", last.Type)
	}

	var stageStarts []string
	var completions int
	for _, f := range s.frames {
		switch f.Type {
		case "error":
			return fmt.Errorf("received error frame: %s", f.Message)
		case "progress":
			if strings.Contains(f.Message, "response received from") {
				completions++
				continue
			}
			if !strings.Contains(f.Message, "no response from") {
				stageStarts = append(stageStarts, f.Message)
			}
		}
	}

	wantStarts := []string{
		"querying council members",
		"collecting peer reviews",
		"synthesizing final answer",
	}
	if len(stageStarts) != len(wantStarts) {
		return fmt.Errorf("stage announcements %v, want %v", stageStarts, wantStarts)
	}
	for i, want := range wantStarts {
		if stageStarts[i] != want {
			return fmt.Errorf("stage announcement %d is %q, want %q", i+1, stageStarts[i], want)
		}
	}

	// Opinions and reviews each complete once per member.
	wantCompletions := 2 * len(config.Members)
	if completions != wantCompletions {
		return fmt.Errorf("%d member completions, want %d", completions, wantCompletions)
	}

	// Stages never run backwards.
	rank := map[string]int{"stage1": 1, "stage2": 2, "stage3": 3}
	current := 0
	for _, f := range s.frames {
		if f.Stage == "" {
			continue
		}
		r, ok := rank[f.Stage]
		if !ok {
			return fmt.Errorf("unknown stage %q in frame", f.Stage)
		}
		if r < current {
			return fmt.Errorf("stage %q announced after stage %d", f.Stage, current)
		}
		current = r
	}

	return nil
}

// verifyResult checks the shape and content of the terminal result frame.
func (s *DeliberationScenario) verifyResult(query string, result *Result) error {
	last := s.frames[len(s.frames)-1]
	dr, err := last.Result()
	if err != nil {
		return err
	}
	s.result = dr

	if dr.Query != query {
		return fmt.Errorf("result query %q, want %q", dr.Query, query)
	}

	if len(dr.Stage1Responses) != len(config.Members) {
		return fmt.Errorf("%d stage1 responses, want %d", len(dr.Stage1Responses), len(config.Members))
	}
	for i, want := range config.Members {
		resp := dr.Stage1Responses[i]
		if resp.Model != want {
			return fmt.Errorf("stage1 response %d from %q, want %q", i, resp.Model, want)
		}
		if resp.Response == "" {
			return fmt.Errorf("stage1 response from %s is empty", resp.Model)
		}
	}

	if len(dr.Stage2Reviews) != len(config.Members) {
		return fmt.Errorf("%d stage2 reviews, want %d", len(dr.Stage2Reviews), len(config.Members))
	}
	for i, want := range config.Members {
		review := dr.Stage2Reviews[i]
		if review.Model != want {
			return fmt.Errorf("stage2 review %d from %q, want %q", i, review.Model, want)
		}
		if review.Review == "" {
			return fmt.Errorf("stage2 review from %s is empty", review.Model)
		}
	}

	if dr.Stage3Final == "" {
		return fmt.Errorf("stage3 final answer is empty")
	}

	result.SetDetail("final_answer", dr.Stage3Final)
	return nil
}

// verifyModelCalls checks the mock's per-model call deltas: two calls per
// member, one for the chairman.
func (s *DeliberationScenario) verifyModelCalls(ctx context.Context, result *Result) error {
	stats, err := s.mock.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("get mock stats: %w", err)
	}

	for _, member := range config.Members {
		delta := stats.CallsByModel[member] - s.baseline.CallsByModel[member]
		if delta != 2 {
			return fmt.Errorf("member %s called %d times, want 2", member, delta)
		}
	}

	chairDelta := stats.CallsByModel[config.Chairman] - s.baseline.CallsByModel[config.Chairman]
	if chairDelta != 1 {
		return fmt.Errorf("chairman called %d times, want 1", chairDelta)
	}

	totalDelta := stats.TotalCalls - s.baseline.TotalCalls
	result.SetDetail("model_calls", totalDelta)
	want := int64(2*len(config.Members) + 1)
	if totalDelta != want {
		return fmt.Errorf("%d total model calls, want %d", totalDelta, want)
	}

	return nil
}

// verifyCapturedPrompts inspects the prompts the mock recorded: the opinion
// call carries the bare query, and the review call carries every opinion
// anonymized, with no member identity leaked.
func (s *DeliberationScenario) verifyCapturedPrompts(ctx context.Context, query string) error {
	member := config.Members[0]
	base := int(s.baseline.CallsByModel[member])

	opinionReqs, err := s.mock.GetRequests(ctx, member, base+1)
	if err != nil {
		return fmt.Errorf("get opinion request: %w", err)
	}
	if len(opinionReqs) != 1 {
		return fmt.Errorf("%d captured opinion requests for %s, want 1", len(opinionReqs), member)
	}
	if opinionReqs[0].Prompt != query {
		return fmt.Errorf("opinion prompt %q, want the bare query", opinionReqs[0].Prompt)
	}
	if !strings.Contains(opinionReqs[0].System, "helpful and knowledgeable") {
		return fmt.Errorf("opinion system prompt missing assistant role: %q", opinionReqs[0].System)
	}

	reviewReqs, err := s.mock.GetRequests(ctx, member, base+2)
	if err != nil {
		return fmt.Errorf("get review request: %w", err)
	}
	if len(reviewReqs) != 1 {
		return fmt.Errorf("%d captured review requests for %s, want 1", len(reviewReqs), member)
	}
	prompt := reviewReqs[0].Prompt

	if !strings.Contains(prompt, "BEGINNING OF RESPONSE 1:") {
		return fmt.Errorf("review prompt missing anonymized response blocks")
	}

	// Every opinion appears in the review prompt, the reviewer's own included.
	for _, resp := range s.result.Stage1Responses {
		if !strings.Contains(prompt, resp.Response) {
			return fmt.Errorf("review prompt missing opinion from %s", resp.Model)
		}
	}

	// Anonymization: no model identity reaches the reviewers.
	for _, name := range append([]string{config.Chairman}, config.Members...) {
		if strings.Contains(prompt, name) {
			return fmt.Errorf("review prompt leaks member name %q", name)
		}
	}

	if !strings.Contains(reviewReqs[0].System, "critical evaluator") {
		return fmt.Errorf("review system prompt missing evaluator role: %q", reviewReqs[0].System)
	}

	return nil
}
