package scenarios

import (
	"context"
	"fmt"

	"github.com/c360studio/council/test/e2e/client"
	"github.com/c360studio/council/test/e2e/config"
)

// SessionValidationScenario tests session input handling: empty queries are
// rejected without closing the session, extra frames during a deliberation
// are dropped, a completed session closes cleanly, and malformed frames tear
// the session down.
type SessionValidationScenario struct {
	name        string
	description string
	config      *config.Config
	http        *client.HTTPClient
	mock        *client.MockLLMClient
	ws          *client.SessionClient
	ws2         *client.SessionClient

	baseline *client.MockStats
}

// NewSessionValidationScenario creates a new session validation scenario.
func NewSessionValidationScenario(cfg *config.Config) *SessionValidationScenario {
	return &SessionValidationScenario{
		name:        "session-validation",
		description: "Tests session query validation, frame dropping, and close behavior",
		config:      cfg,
	}
}

// Name returns the scenario name.
func (s *SessionValidationScenario) Name() string {
	return s.name
}

// Description returns the scenario description.
func (s *SessionValidationScenario) Description() string {
	return s.description
}

// Setup prepares the scenario environment.
func (s *SessionValidationScenario) Setup(ctx context.Context) error {
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

// Execute runs the session validation scenario.
func (s *SessionValidationScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.name)
	defer result.Complete()

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

	if err := runStage(result, "reject-empty-query", func() error {
		return s.rejectEmptyQuery()
	}); err != nil {
		return result, nil
	}

	if err := runStage(result, "run-after-rejection", func() error {
		return s.runAfterRejection(result)
	}); err != nil {
		return result, nil
	}

	if err := runStage(result, "close-after-result", func() error {
		return s.ws.ExpectClose(s.config.FrameTimeout)
	}); err != nil {
		return result, nil
	}

	if err := runStage(result, "verify-single-deliberation", func() error {
		return s.verifySingleDeliberation(ctx, result)
	}); err != nil {
		return result, nil
	}

	if err := runStage(result, "drop-malformed-frame", func() error {
		return s.dropMalformedFrame(ctx)
	}); err != nil {
		return result, nil
	}

	result.Success = true
	return result, nil
}

// Teardown cleans up after the scenario.
func (s *SessionValidationScenario) Teardown(ctx context.Context) error {
	if s.ws != nil {
		_ = s.ws.Close()
	}
	if s.ws2 != nil {
		_ = s.ws2.Close()
	}
	return nil
}

// rejectEmptyQuery sends a whitespace-only query and expects an error frame
// without the session closing.
func (s *SessionValidationScenario) rejectEmptyQuery() error {
	if err := s.ws.SendRaw([]byte(`{"query": "   "}`)); err != nil {
		return fmt.Errorf("send empty query: %w", err)
	}

	frame, err := s.ws.ReadFrame(s.config.FrameTimeout)
	if err != nil {
		return fmt.Errorf("read rejection frame: %w", err)
	}
	if frame.Type != "error" {
		return fmt.Errorf("frame type %q, want error", frame.Type)
	}
	if frame.Message != "No query provided" {
		return fmt.Errorf("rejection message %q, want %q", frame.Message, "No query provided")
	}

	return nil
}

// runAfterRejection submits a valid query on the same session, injects an
// extra query mid-deliberation, and expects a single clean result.
func (s *SessionValidationScenario) runAfterRejection(result *Result) error {
	if err := s.ws.SendQuery("What is the capital of France?"); err != nil {
		return fmt.Errorf("send query: %w", err)
	}

	// The session must have survived the rejected frame.
	first, err := s.ws.ReadFrame(s.config.FrameTimeout)
	if err != nil {
		return fmt.Errorf("read first frame: %w", err)
	}
	if first.Type != "progress" {
		return fmt.Errorf("first frame type %q, want progress", first.Type)
	}

	// A session carries one query; this frame must be dropped, not queued.
	if err := s.ws.SendQuery("ignore me"); err != nil {
		return fmt.Errorf("send extra query: %w", err)
	}

	frames, err := s.ws.CollectDeliberation(s.config.FrameTimeout)
	if err != nil {
		return err
	}
	result.SetDetail("frame_count", len(frames)+1)

	last := frames[len(frames)-1]
	if last.Type != "result" {
		return fmt.Errorf("terminal frame is %q, want result", last.Type)
	}
	for _, f := range frames {
		if f.Type == "error" {
			return fmt.Errorf("received error frame: %s", f.Message)
		}
	}

	dr, err := last.Result()
	if err != nil {
		return err
	}
	if dr.Stage3Final == "" {
		return fmt.Errorf("stage3 final answer is empty")
	}

	return nil
}

// verifySingleDeliberation confirms the dropped extra query triggered no
// second deliberation.
func (s *SessionValidationScenario) verifySingleDeliberation(ctx context.Context, result *Result) error {
	stats, err := s.mock.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("get mock stats: %w", err)
	}

	delta := stats.TotalCalls - s.baseline.TotalCalls
	result.SetDetail("model_calls", delta)
	want := int64(2*len(config.Members) + 1)
	if delta != want {
		return fmt.Errorf("%d model calls, want %d for a single deliberation", delta, want)
	}

	return nil
}

// dropMalformedFrame opens a fresh session, sends undecodable input, and
// expects the server to tear the session down without emitting frames.
func (s *SessionValidationScenario) dropMalformedFrame(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.config.SetupTimeout)
	defer cancel()
	ws2, err := client.DialSession(dialCtx, s.config.APIURL)
	if err != nil {
		return fmt.Errorf("dial second session: %w", err)
	}
	s.ws2 = ws2

	if err := ws2.SendRaw([]byte("not json")); err != nil {
		return fmt.Errorf("send malformed frame: %w", err)
	}

	frame, err := ws2.ReadFrame(s.config.FrameTimeout)
	if err == nil {
		return fmt.Errorf("expected session teardown, got frame type %q", frame.Type)
	}

	return nil
}
