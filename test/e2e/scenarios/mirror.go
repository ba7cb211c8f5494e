package scenarios

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/council/test/e2e/client"
	"github.com/c360studio/council/test/e2e/config"
)

// MirrorScenario tests the NATS session mirror: a deliberation driven over
// WebSocket publishes a started event, every progress notification, and the
// final result on the session subjects.
type MirrorScenario struct {
	name        string
	description string
	config      *config.Config
	http        *client.HTTPClient
	nats        *client.NATSClient
	ws          *client.SessionClient
	capture     *client.EventCapture
}

// NewMirrorScenario creates a new mirror scenario. It requires a NATS URL
// and a council server configured with mirroring enabled.
func NewMirrorScenario(cfg *config.Config) *MirrorScenario {
	return &MirrorScenario{
		name:        "mirror",
		description: "Tests session lifecycle events mirrored to NATS subjects",
		config:      cfg,
	}
}

// Name returns the scenario name.
func (s *MirrorScenario) Name() string {
	return s.name
}

// Description returns the scenario description.
func (s *MirrorScenario) Description() string {
	return s.description
}

// Setup prepares the scenario environment.
func (s *MirrorScenario) Setup(ctx context.Context) error {
	s.http = client.NewHTTPClient(s.config.APIURL)

	setupCtx, cancel := context.WithTimeout(ctx, s.config.SetupTimeout)
	defer cancel()

	if err := s.http.WaitForHealthy(setupCtx); err != nil {
		return fmt.Errorf("service not healthy: %w", err)
	}

	natsClient, err := client.NewNATSClient(s.config.NATSURL)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	s.nats = natsClient

	return nil
}

// Execute runs the mirror scenario.
func (s *MirrorScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.name)
	defer result.Complete()

	if err := runStage(result, "start-capture", func() error {
		capture, err := s.nats.CaptureEvents(config.SessionSubjectWildcard)
		if err != nil {
			return err
		}
		s.capture = capture
		return nil
	}); err != nil {
		return result, nil
	}

	if err := runStage(result, "run-deliberation", func() error {
		return s.runDeliberation(ctx)
	}); err != nil {
		return result, nil
	}

	if err := runStage(result, "verify-event-stream", func() error {
		return s.verifyEventStream(ctx, result)
	}); err != nil {
		return result, nil
	}

	result.Success = true
	return result, nil
}

// Teardown cleans up after the scenario.
func (s *MirrorScenario) Teardown(ctx context.Context) error {
	if s.capture != nil {
		_ = s.capture.Stop()
	}
	if s.ws != nil {
		_ = s.ws.Close()
	}
	if s.nats != nil {
		s.nats.Close()
	}
	return nil
}

// runDeliberation drives one WebSocket deliberation to completion while the
// capture listens.
func (s *MirrorScenario) runDeliberation(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.config.SetupTimeout)
	defer cancel()
	ws, err := client.DialSession(dialCtx, s.config.APIURL)
	if err != nil {
		return err
	}
	s.ws = ws

	if err := ws.SendQuery("What is the capital of France?"); err != nil {
		return fmt.Errorf("send query: %w", err)
	}

	frames, err := ws.CollectDeliberation(s.config.FrameTimeout)
	if err != nil {
		return err
	}
	if last := frames[len(frames)-1]; last.Type != "result" {
		return fmt.Errorf("terminal frame is %q, want result", last.Type)
	}

	return nil
}

// verifyEventStream checks the captured subjects, their ordering, and the
// event payloads.
func (s *MirrorScenario) verifyEventStream(ctx context.Context, result *Result) error {
	// One started, one progress per streamed notification, one result.
	wantProgress := 3 + 2*len(config.Members)
	wantTotal := wantProgress + 2

	waitCtx, cancel := context.WithTimeout(ctx, s.config.StageTimeout)
	defer cancel()
	if err := s.capture.WaitForCount(waitCtx, wantTotal); err != nil {
		return err
	}

	events := s.capture.Events()
	result.SetDetail("event_count", len(events))

	counts := map[string]int{}
	sessionIDs := map[string]bool{}
	for _, ev := range events {
		suffix := ev.Subject[strings.LastIndex(ev.Subject, ".")+1:]
		counts[suffix]++
		sessionIDs[ev.Event.SessionID] = true
	}
	result.SetDetail("events_by_type", counts)

	if counts["started"] != 1 {
		return fmt.Errorf("%d started events, want 1", counts["started"])
	}
	if counts["progress"] != wantProgress {
		return fmt.Errorf("%d progress events, want %d", counts["progress"], wantProgress)
	}
	if counts["result"] != 1 {
		return fmt.Errorf("%d result events, want 1", counts["result"])
	}
	if counts["failed"] != 0 || counts["aborted"] != 0 {
		return fmt.Errorf("unexpected terminal events: %d failed, %d aborted",
			counts["failed"], counts["aborted"])
	}

	// Every event belongs to the same session.
	if len(sessionIDs) != 1 {
		return fmt.Errorf("events span %d session IDs, want 1", len(sessionIDs))
	}
	for id := range sessionIDs {
		if id == "" {
			return fmt.Errorf("events carry an empty session ID")
		}
		result.SetDetail("session_id", id)
	}

	// Publish order: started first, result last.
	first := events[0]
	if !strings.HasSuffix(first.Subject, ".started") {
		return fmt.Errorf("first event on %s, want started", first.Subject)
	}
	if first.Event.Query == "" {
		return fmt.Errorf("started event carries no query")
	}
	last := events[len(events)-1]
	if !strings.HasSuffix(last.Subject, ".result") {
		return fmt.Errorf("last event on %s, want result", last.Subject)
	}
	if last.Event.Result == nil || last.Event.Result.Stage3Final == "" {
		return fmt.Errorf("result event carries no final answer")
	}

	for _, ev := range events {
		if strings.HasSuffix(ev.Subject, ".progress") && ev.Event.Message == "" {
			return fmt.Errorf("progress event on %s carries no message", ev.Subject)
		}
		if ev.Event.Timestamp.IsZero() {
			return fmt.Errorf("event on %s carries no timestamp", ev.Subject)
		}
	}

	return nil
}
