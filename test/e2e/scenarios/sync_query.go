package scenarios

import (
	"context"
	"fmt"

	"github.com/c360studio/council/test/e2e/client"
	"github.com/c360studio/council/test/e2e/config"
)

// SyncQueryScenario tests the synchronous POST /query path: one request, the
// full deliberation, the complete result in the response body.
type SyncQueryScenario struct {
	name        string
	description string
	config      *config.Config
	http        *client.HTTPClient
	mock        *client.MockLLMClient

	baseline *client.MockStats
	result   *client.DeliberationResult
}

// NewSyncQueryScenario creates a new synchronous query scenario.
func NewSyncQueryScenario(cfg *config.Config) *SyncQueryScenario {
	return &SyncQueryScenario{
		name:        "sync-query",
		description: "Tests a full deliberation through the synchronous POST /query endpoint",
		config:      cfg,
	}
}

// Name returns the scenario name.
func (s *SyncQueryScenario) Name() string {
	return s.name
}

// Description returns the scenario description.
func (s *SyncQueryScenario) Description() string {
	return s.description
}

// Setup prepares the scenario environment.
func (s *SyncQueryScenario) Setup(ctx context.Context) error {
	s.http = client.NewHTTPClient(s.config.APIURL)
	s.mock = client.NewMockLLMClient(s.config.MockLLMURL)

	setupCtx, cancel := context.WithTimeout(ctx, s.config.SetupTimeout)
	defer cancel()

	if err := s.http.WaitForHealthy(setupCtx); err != nil {
		return fmt.Errorf("service not healthy: %w", err)
	}

	baseline, err := s.mock.GetStats(setupCtx)
	if err != nil {
		return fmt.Errorf("snapshot mock stats: %w", err)
	}
	s.baseline = baseline

	return nil
}

// Execute runs the synchronous query scenario.
func (s *SyncQueryScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.name)
	defer result.Complete()

	query := "In one sentence, what is the capital of France?"
	result.SetDetail("query", query)

	if err := runStage(result, "run-query", func() error {
		queryCtx, cancel := context.WithTimeout(ctx, s.config.StageTimeout)
		defer cancel()
		dr, err := s.http.Query(queryCtx, query)
		if err != nil {
			return err
		}
		s.result = dr
		return nil
	}); err != nil {
		return result, nil
	}

	if err := runStage(result, "verify-result", func() error {
		return s.verifyResult(query, result)
	}); err != nil {
		return result, nil
	}

	if err := runStage(result, "verify-model-calls", func() error {
		return s.verifyModelCalls(ctx)
	}); err != nil {
		return result, nil
	}

	result.Success = true
	return result, nil
}

// Teardown cleans up after the scenario.
func (s *SyncQueryScenario) Teardown(ctx context.Context) error {
	return nil
}

// verifyResult checks the response body shape.
func (s *SyncQueryScenario) verifyResult(query string, result *Result) error {
	dr := s.result
	if dr.Query != query {
		return fmt.Errorf("result query %q, want %q", dr.Query, query)
	}

	if len(dr.Stage1Responses) != len(config.Members) {
		return fmt.Errorf("%d stage1 responses, want %d", len(dr.Stage1Responses), len(config.Members))
	}
	if len(dr.Stage2Reviews) != len(config.Members) {
		return fmt.Errorf("%d stage2 reviews, want %d", len(dr.Stage2Reviews), len(config.Members))
	}
	for i, want := range config.Members {
		if dr.Stage1Responses[i].Model != want {
			return fmt.Errorf("stage1 response %d from %q, want %q", i, dr.Stage1Responses[i].Model, want)
		}
		if dr.Stage2Reviews[i].Model != want {
			return fmt.Errorf("stage2 review %d from %q, want %q", i, dr.Stage2Reviews[i].Model, want)
		}
	}
	if dr.Stage3Final == "" {
		return fmt.Errorf("stage3 final answer is empty")
	}

	result.SetDetail("final_answer", dr.Stage3Final)
	return nil
}

// verifyModelCalls checks the same call pattern as the session path: two
// calls per member, one for the chairman.
func (s *SyncQueryScenario) verifyModelCalls(ctx context.Context) error {
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

	return nil
}
