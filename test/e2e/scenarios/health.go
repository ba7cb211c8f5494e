package scenarios

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/council/test/e2e/client"
	"github.com/c360studio/council/test/e2e/config"
)

// HealthScenario tests the service's observability surface: the info
// endpoint, per-backend health probes, and the Prometheus exposition.
type HealthScenario struct {
	name        string
	description string
	config      *config.Config
	http        *client.HTTPClient
}

// NewHealthScenario creates a new health scenario.
func NewHealthScenario(cfg *config.Config) *HealthScenario {
	return &HealthScenario{
		name:        "health",
		description: "Tests the info endpoint, health probes, and metrics exposition",
		config:      cfg,
	}
}

// Name returns the scenario name.
func (s *HealthScenario) Name() string {
	return s.name
}

// Description returns the scenario description.
func (s *HealthScenario) Description() string {
	return s.description
}

// Setup prepares the scenario environment.
func (s *HealthScenario) Setup(ctx context.Context) error {
	s.http = client.NewHTTPClient(s.config.APIURL)

	setupCtx, cancel := context.WithTimeout(ctx, s.config.SetupTimeout)
	defer cancel()

	if err := s.http.WaitForHealthy(setupCtx); err != nil {
		return fmt.Errorf("service not healthy: %w", err)
	}

	return nil
}

// Execute runs the health scenario.
func (s *HealthScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.name)
	defer result.Complete()

	if err := runStage(result, "verify-info", func() error {
		return s.verifyInfo(ctx, result)
	}); err != nil {
		return result, nil
	}

	if err := runStage(result, "verify-health", func() error {
		return s.verifyHealth(ctx, result)
	}); err != nil {
		return result, nil
	}

	if err := runStage(result, "verify-metrics", func() error {
		return s.verifyMetrics(ctx, result)
	}); err != nil {
		return result, nil
	}

	result.Success = true
	return result, nil
}

// Teardown cleans up after the scenario.
func (s *HealthScenario) Teardown(ctx context.Context) error {
	return nil
}

// verifyInfo checks the service identity reported by the root endpoint.
func (s *HealthScenario) verifyInfo(ctx context.Context, result *Result) error {
	info, err := s.http.Info(ctx)
	if err != nil {
		return fmt.Errorf("get info: %w", err)
	}

	result.SetDetail("version", info.Version)
	result.SetDetail("members", info.Members)

	if info.Message == "" {
		return fmt.Errorf("info message is empty")
	}
	if info.Status != "running" {
		return fmt.Errorf("info status %q, want running", info.Status)
	}
	if len(info.Members) != len(config.Members) {
		return fmt.Errorf("info lists %d members, want %d", len(info.Members), len(config.Members))
	}
	for i, want := range config.Members {
		if info.Members[i] != want {
			return fmt.Errorf("info member %d is %q, want %q", i, info.Members[i], want)
		}
	}
	if info.Chairman != config.Chairman {
		return fmt.Errorf("info chairman %q, want %q", info.Chairman, config.Chairman)
	}

	return nil
}

// verifyHealth checks that every backend probe passes. The e2e environment
// serves every member from the mock, so a degraded report is a failure.
func (s *HealthScenario) verifyHealth(ctx context.Context, result *Result) error {
	health, status, err := s.http.Health(ctx)
	if err != nil {
		return fmt.Errorf("get health: %w", err)
	}

	result.SetDetail("health_status", health.Status)
	result.SetDetail("services", health.Services)

	if status != 200 {
		return fmt.Errorf("healthz returned HTTP %d, want 200", status)
	}
	if health.Status != "healthy" {
		return fmt.Errorf("health status %q, want healthy", health.Status)
	}

	if len(health.Services) != len(config.Members)+1 {
		return fmt.Errorf("%d services reported, want %d", len(health.Services), len(config.Members)+1)
	}
	for _, member := range config.Members {
		key := "council_" + member
		healthy, ok := health.Services[key]
		if !ok {
			return fmt.Errorf("no probe result for %s", key)
		}
		if !healthy {
			return fmt.Errorf("%s reported unreachable", key)
		}
	}
	chairKey := "chairman_" + config.Chairman
	if healthy, ok := health.Services[chairKey]; !ok || !healthy {
		return fmt.Errorf("%s reported unreachable", chairKey)
	}

	return nil
}

// verifyMetrics checks the Prometheus exposition. Vector families only
// materialize after the first deliberation, so their absence is a warning
// rather than a failure.
func (s *HealthScenario) verifyMetrics(ctx context.Context, result *Result) error {
	text, err := s.http.MetricsText(ctx)
	if err != nil {
		return fmt.Errorf("get metrics: %w", err)
	}

	required := []string{
		"council_sessions_started_total",
		"council_active_sessions",
	}
	for _, family := range required {
		if !strings.Contains(text, family) {
			return fmt.Errorf("metrics exposition missing %s", family)
		}
	}

	observed := []string{
		"council_member_queries_total",
		"council_stage_duration_seconds",
		"council_sessions_finished_total",
	}
	var missing []string
	for _, family := range observed {
		if !strings.Contains(text, family) {
			missing = append(missing, family)
		}
	}
	if len(missing) > 0 {
		result.AddWarning(fmt.Sprintf("metric families not yet observed (no deliberation ran?): %s",
			strings.Join(missing, ", ")))
	}
	result.SetDetail("metric_families_missing", missing)

	return nil
}
