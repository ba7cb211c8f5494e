package council_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/council/config"
	"github.com/c360studio/council/council"
	"github.com/c360studio/council/llm"
	_ "github.com/c360studio/council/llm/providers" // Register providers
)

// generateRequest mirrors the ollama generate request the client sends.
type generateRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	System  string `json:"system"`
	Stream  bool   `json:"stream"`
	Options *struct {
		Temperature *float64 `json:"temperature"`
		NumPredict  *int     `json:"num_predict"`
	} `json:"options"`
}

// stageFor classifies a recorded request by its system prompt.
func stageFor(req generateRequest) council.Stage {
	switch {
	case strings.Contains(req.System, "critical evaluator"):
		return council.StageReviews
	case strings.Contains(req.System, "Chairman"):
		return council.StageSynthesis
	default:
		return council.StageOpinions
	}
}

// fakeCouncil is one backend serving every member and the chairman,
// dispatching on the requested model.
type fakeCouncil struct {
	server  *httptest.Server
	respond func(req generateRequest) (string, int)

	mu       sync.Mutex
	requests []generateRequest
}

func newFakeCouncil(t *testing.T, respond func(req generateRequest) (string, int)) *fakeCouncil {
	t.Helper()
	fc := &fakeCouncil{respond: respond}
	fc.server = httptest.NewServer(http.HandlerFunc(fc.handle))
	t.Cleanup(fc.server.Close)
	return fc
}

func (fc *fakeCouncil) handle(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fc.mu.Lock()
	fc.requests = append(fc.requests, req)
	fc.mu.Unlock()

	content, status := fc.respond(req)
	if status != http.StatusOK {
		http.Error(w, "model backend failure", status)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"model":    req.Model,
		"response": content,
		"done":     true,
	})
}

// recorded returns the captured requests for one model in one stage.
func (fc *fakeCouncil) recorded(model string, stage council.Stage) []generateRequest {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	var out []generateRequest
	for _, req := range fc.requests {
		if req.Model == model && stageFor(req) == stage {
			out = append(out, req)
		}
	}
	return out
}

func (fc *fakeCouncil) requestCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.requests)
}

// scripted responds with "<prefix>-<model>" per stage and a fixed chairman
// answer, with per-model per-stage failures injected via fail.
func scripted(fail map[string]council.Stage) func(generateRequest) (string, int) {
	return func(req generateRequest) (string, int) {
		stage := stageFor(req)
		if failStage, ok := fail[req.Model]; ok && (failStage == stage || failStage == "") {
			return "", http.StatusInternalServerError
		}
		switch stage {
		case council.StageOpinions:
			return "opinion-" + req.Model, http.StatusOK
		case council.StageReviews:
			return "review-" + req.Model, http.StatusOK
		default:
			return "final-answer", http.StatusOK
		}
	}
}

func councilConfig(url string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Council.Members = []config.MemberConfig{
		{Name: "alpha", URL: url},
		{Name: "beta", URL: url},
		{Name: "gamma", URL: url},
	}
	cfg.Council.Chairman = config.MemberConfig{Name: "chair", URL: url}
	cfg.Council.QueryTimeout = config.Duration(5 * time.Second)
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// noShuffle keeps anonymized responses in roster order for deterministic
// prompt assertions.
func noShuffle(int, func(i, j int)) {}

func newOrchestrator(cfg *config.Config, opts ...council.Option) *council.Orchestrator {
	base := []council.Option{
		council.WithLogger(quietLogger()),
		council.WithShuffle(noShuffle),
	}
	return council.NewOrchestrator(cfg, llm.NewClient(llm.WithLogger(quietLogger())), append(base, opts...)...)
}

func TestOrchestratorRunFullPipeline(t *testing.T) {
	fc := newFakeCouncil(t, scripted(nil))
	o := newOrchestrator(councilConfig(fc.server.URL))

	result, err := o.Run(context.Background(), "What is the airspeed of an unladen swallow?")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "What is the airspeed of an unladen swallow?", result.Query)
	assert.Equal(t, []council.Opinion{
		{Model: "alpha", Response: "opinion-alpha"},
		{Model: "beta", Response: "opinion-beta"},
		{Model: "gamma", Response: "opinion-gamma"},
	}, result.Opinions)
	assert.Equal(t, []council.Review{
		{Model: "alpha", Review: "review-alpha"},
		{Model: "beta", Review: "review-beta"},
		{Model: "gamma", Review: "review-gamma"},
	}, result.Reviews)
	assert.Equal(t, "final-answer", result.Final)
}

func TestOrchestratorStagePrompts(t *testing.T) {
	fc := newFakeCouncil(t, scripted(nil))
	o := newOrchestrator(councilConfig(fc.server.URL))

	_, err := o.Run(context.Background(), "test question")
	require.NoError(t, err)

	opinionReqs := fc.recorded("alpha", council.StageOpinions)
	require.Len(t, opinionReqs, 1)
	assert.Equal(t, "test question", opinionReqs[0].Prompt)
	assert.Contains(t, opinionReqs[0].System, "helpful and knowledgeable AI assistant")
	assert.False(t, opinionReqs[0].Stream)

	// Every reviewer sees the identical anonymized set, own answer included.
	var reviewPrompts []string
	for _, name := range []string{"alpha", "beta", "gamma"} {
		reqs := fc.recorded(name, council.StageReviews)
		require.Len(t, reqs, 1)
		reviewPrompts = append(reviewPrompts, reqs[0].Prompt)
	}
	assert.Equal(t, reviewPrompts[0], reviewPrompts[1])
	assert.Equal(t, reviewPrompts[0], reviewPrompts[2])
	assert.Contains(t, reviewPrompts[0], "ALL 3 responses")
	assert.Contains(t, reviewPrompts[0], "with IDs: 1, 2, 3")
	assert.Contains(t, reviewPrompts[0], "BEGINNING OF RESPONSE 1:\nopinion-alpha\nEND OF RESPONSE 1.")
	assert.Contains(t, reviewPrompts[0], "BEGINNING OF RESPONSE 3:\nopinion-gamma\nEND OF RESPONSE 3.")
	assert.NotContains(t, reviewPrompts[0], "alpha:", "anonymized prompt must not attribute responses")

	chairReqs := fc.recorded("chair", council.StageSynthesis)
	require.Len(t, chairReqs, 1)
	assert.Contains(t, chairReqs[0].System, "written by 3 models")
	assert.Contains(t, chairReqs[0].Prompt, "Original question: test question")
	assert.Contains(t, chairReqs[0].Prompt, "Response from beta:\nopinion-beta")
	assert.Contains(t, chairReqs[0].Prompt, "Review by gamma:\nreview-gamma")
}

func TestOrchestratorShuffleReordersAnonymizedResponses(t *testing.T) {
	fc := newFakeCouncil(t, scripted(nil))
	reverse := func(n int, swap func(i, j int)) {
		for i := 0; i < n/2; i++ {
			swap(i, n-1-i)
		}
	}
	o := newOrchestrator(councilConfig(fc.server.URL), council.WithShuffle(reverse))

	_, err := o.Run(context.Background(), "test question")
	require.NoError(t, err)

	reqs := fc.recorded("beta", council.StageReviews)
	require.Len(t, reqs, 1)
	// IDs were assigned in roster order before the shuffle, so the
	// reversed presentation leads with the last member's answer.
	assert.Contains(t, reqs[0].Prompt, "with IDs: 3, 2, 1")
	assert.Regexp(t, `(?s)BEGINNING OF RESPONSE 3:.*BEGINNING OF RESPONSE 1:`, reqs[0].Prompt)
}

func TestOrchestratorDeliberateEventSequence(t *testing.T) {
	fc := newFakeCouncil(t, scripted(nil))
	o := newOrchestrator(councilConfig(fc.server.URL))

	var events []council.Event
	for ev := range o.Deliberate(context.Background(), "test question") {
		events = append(events, ev)
	}

	// 3 stage transitions, 3 opinion completions, 3 review completions,
	// then the terminal result.
	require.Len(t, events, 10)

	var stageStarts []string
	for _, ev := range events {
		if ev.Type == council.EventProgress && !strings.Contains(ev.Message, "(") {
			stageStarts = append(stageStarts, ev.Message)
		}
	}
	assert.Equal(t, []string{
		"querying council members",
		"collecting peer reviews",
		"synthesizing final answer",
	}, stageStarts)

	assert.Equal(t, council.EventProgress, events[0].Type)
	assert.Equal(t, council.StageOpinions, events[0].Stage)

	last := events[len(events)-1]
	require.Equal(t, council.EventResult, last.Type)
	require.NotNil(t, last.Data)
	assert.Equal(t, "final-answer", last.Data.Final)

	// Stages never interleave on the event stream.
	lastStage := council.StageOpinions
	for _, ev := range events[:len(events)-1] {
		require.Equal(t, council.EventProgress, ev.Type)
		assert.NotEmpty(t, ev.Message)
		switch lastStage {
		case council.StageOpinions:
			if ev.Stage != council.StageOpinions {
				require.Equal(t, council.StageReviews, ev.Stage)
				lastStage = council.StageReviews
			}
		case council.StageReviews:
			if ev.Stage != council.StageReviews {
				require.Equal(t, council.StageSynthesis, ev.Stage)
				lastStage = council.StageSynthesis
			}
		}
	}
}

func TestOrchestratorPartialOpinionFailure(t *testing.T) {
	fc := newFakeCouncil(t, scripted(map[string]council.Stage{"gamma": council.StageOpinions}))
	o := newOrchestrator(councilConfig(fc.server.URL))

	result, err := o.Run(context.Background(), "test question")
	require.NoError(t, err)

	assert.Equal(t, []council.Opinion{
		{Model: "alpha", Response: "opinion-alpha"},
		{Model: "beta", Response: "opinion-beta"},
	}, result.Opinions)

	// The failed member still reviews the surviving answers.
	assert.Len(t, result.Reviews, 3)
	reqs := fc.recorded("gamma", council.StageReviews)
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Prompt, "ALL 2 responses")
	assert.Contains(t, reqs[0].Prompt, "with IDs: 1, 2")
	assert.NotContains(t, reqs[0].Prompt, "opinion-gamma")

	chairReqs := fc.recorded("chair", council.StageSynthesis)
	require.Len(t, chairReqs, 1)
	assert.NotContains(t, chairReqs[0].Prompt, "Response from gamma:")
}

func TestOrchestratorAllOpinionsFailFatal(t *testing.T) {
	fc := newFakeCouncil(t, scripted(map[string]council.Stage{
		"alpha": council.StageOpinions,
		"beta":  council.StageOpinions,
		"gamma": council.StageOpinions,
	}))
	o := newOrchestrator(councilConfig(fc.server.URL))

	result, err := o.Run(context.Background(), "test question")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, council.IsStageExhausted(err))
	assert.Contains(t, err.Error(), "stage1")

	// The pipeline never reached review or synthesis.
	assert.Empty(t, fc.recorded("alpha", council.StageReviews))
	assert.Empty(t, fc.recorded("chair", council.StageSynthesis))
}

func TestOrchestratorDeliberateEmitsErrorEvent(t *testing.T) {
	fc := newFakeCouncil(t, scripted(map[string]council.Stage{
		"alpha": council.StageOpinions,
		"beta":  council.StageOpinions,
		"gamma": council.StageOpinions,
	}))
	o := newOrchestrator(councilConfig(fc.server.URL))

	var terminal council.Event
	for ev := range o.Deliberate(context.Background(), "test question") {
		terminal = ev
	}
	assert.Equal(t, council.EventError, terminal.Type)
	assert.Contains(t, terminal.Message, "all council members failed during stage1")
}

func TestOrchestratorReviewExhaustionDegrades(t *testing.T) {
	fc := newFakeCouncil(t, scripted(map[string]council.Stage{
		"alpha": council.StageReviews,
		"beta":  council.StageReviews,
		"gamma": council.StageReviews,
	}))
	o := newOrchestrator(councilConfig(fc.server.URL))

	result, err := o.Run(context.Background(), "test question")
	require.NoError(t, err)

	assert.Len(t, result.Opinions, 3)
	assert.Empty(t, result.Reviews)
	assert.Equal(t, "final-answer", result.Final)
}

func TestOrchestratorChairmanFailureFatal(t *testing.T) {
	fc := newFakeCouncil(t, scripted(map[string]council.Stage{"chair": council.StageSynthesis}))
	o := newOrchestrator(councilConfig(fc.server.URL))

	result, err := o.Run(context.Background(), "test question")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "chairman synthesis failed")
}

func TestOrchestratorEmptyQueryRejected(t *testing.T) {
	fc := newFakeCouncil(t, scripted(nil))
	o := newOrchestrator(councilConfig(fc.server.URL))

	_, err := o.Run(context.Background(), "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query must not be empty")
	assert.Zero(t, fc.requestCount())
}

func TestOrchestratorCancellationSuppressesResult(t *testing.T) {
	// Hold every call open until the client goes away.
	blocked := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
		http.Error(w, "too late", http.StatusGatewayTimeout)
	}))
	t.Cleanup(blocked.Close)

	ctx, cancel := context.WithCancel(context.Background())
	o := newOrchestrator(councilConfig(blocked.URL))
	events := o.Deliberate(ctx, "test question")

	first, ok := <-events
	require.True(t, ok)
	assert.Equal(t, council.EventProgress, first.Type)
	cancel()

	done := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			assert.NotEqual(t, council.EventResult, ev.Type, "aborted session must not deliver a result")
			assert.NotEqual(t, council.EventError, ev.Type, "aborted session must not deliver an error")
		case <-done:
			t.Fatal("event channel did not close after cancellation")
		}
	}
}

func TestOrchestratorTemperatureResolution(t *testing.T) {
	fc := newFakeCouncil(t, scripted(nil))
	cfg := councilConfig(fc.server.URL)
	cfg.Council.Temperature = 0.7
	low := 0.2
	cfg.Council.Members[0].Temperature = &low

	o := newOrchestrator(cfg)
	_, err := o.Run(context.Background(), "test question")
	require.NoError(t, err)

	alphaReqs := fc.recorded("alpha", council.StageOpinions)
	require.Len(t, alphaReqs, 1)
	require.NotNil(t, alphaReqs[0].Options)
	require.NotNil(t, alphaReqs[0].Options.Temperature)
	assert.InDelta(t, 0.2, *alphaReqs[0].Options.Temperature, 1e-9)

	betaReqs := fc.recorded("beta", council.StageOpinions)
	require.Len(t, betaReqs, 1)
	require.NotNil(t, betaReqs[0].Options)
	require.NotNil(t, betaReqs[0].Options.Temperature)
	assert.InDelta(t, 0.7, *betaReqs[0].Options.Temperature, 1e-9)
}

func TestOrchestratorRosterAccessors(t *testing.T) {
	fc := newFakeCouncil(t, scripted(nil))
	o := newOrchestrator(councilConfig(fc.server.URL))

	members := o.Members()
	require.Len(t, members, 3)
	assert.Equal(t, "alpha", members[0].Name)
	assert.Equal(t, "ollama", members[0].Endpoint.Provider)

	members[0].Name = "mutated"
	assert.Equal(t, "alpha", o.Members()[0].Name)

	assert.Equal(t, "chair", o.Chairman().Name)
}
