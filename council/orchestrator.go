package council

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/c360studio/council/config"
	"github.com/c360studio/council/llm"
	"github.com/c360studio/council/metrics"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator and its stage runner.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithShuffle overrides the permutation applied to anonymized responses
// before peer review. Tests use this for deterministic ordering.
func WithShuffle(shuffle func(n int, swap func(i, j int))) Option {
	return func(o *Orchestrator) {
		o.shuffle = shuffle
	}
}

// AnonymousOpinion pairs a stage-1 response with its anonymous numeric ID.
// IDs are assigned 1-indexed in roster order before shuffling, so an ID
// never reveals the member's position in the presented set.
type AnonymousOpinion struct {
	ID   int
	Text string
}

// Orchestrator drives one query through the three deliberation stages.
// It holds an immutable snapshot of the council roster; a config reload
// takes effect by constructing a new Orchestrator.
type Orchestrator struct {
	members     []Member
	chairman    Member
	temperature float64
	timeout     time.Duration
	client      *llm.Client
	runner      *Runner
	logger      *slog.Logger
	shuffle     func(n int, swap func(i, j int))
}

// NewOrchestrator builds an Orchestrator from a validated configuration.
func NewOrchestrator(cfg *config.Config, client *llm.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		members:     MembersFromConfig(cfg.Council.Members),
		chairman:    MemberFromConfig(cfg.Council.Chairman),
		temperature: cfg.Council.Temperature,
		timeout:     cfg.Council.QueryTimeout.Std(),
		client:      client,
		logger:      slog.Default(),
		shuffle:     rand.Shuffle,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.runner = NewRunner(client, o.timeout, o.logger)
	return o
}

// Members returns the council roster in configured order.
func (o *Orchestrator) Members() []Member {
	return append([]Member(nil), o.members...)
}

// Chairman returns the synthesis member.
func (o *Orchestrator) Chairman() Member {
	return o.chairman
}

// Deliberate runs the full pipeline for query, streaming progress and the
// terminal result or error. The returned channel closes after the terminal
// event, or without one when ctx is canceled first: an aborted session
// produces no result.
func (o *Orchestrator) Deliberate(ctx context.Context, query string) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		emit := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		result, err := o.run(ctx, query, emit)
		switch {
		case ctx.Err() != nil:
			o.logger.Info("Deliberation aborted", "cause", ctx.Err())
		case err != nil:
			o.logger.Error("Deliberation failed", "error", err)
			emit(Event{Type: EventError, Message: err.Error()})
		default:
			emit(Event{Type: EventResult, Data: result})
		}
	}()
	return events
}

// Run executes a deliberation without progress streaming and returns the
// final result. Failure semantics match Deliberate.
func (o *Orchestrator) Run(ctx context.Context, query string) (*Result, error) {
	return o.run(ctx, query, func(Event) bool { return true })
}

func (o *Orchestrator) run(ctx context.Context, query string, emit func(Event) bool) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query must not be empty")
	}
	o.logger.Info("Deliberation started",
		"members", len(o.members),
		"chairman", o.chairman.Name)

	// Stage 1: every member answers independently.
	if !emit(Event{Type: EventProgress, Stage: StageOpinions, Message: "querying council members"}) {
		return nil, ctx.Err()
	}
	start := time.Now()
	outcomes, err := o.runner.Run(ctx, StageOpinions, o.members, o.opinionPrompt(query), emit)
	metrics.StageDuration.WithLabelValues(string(StageOpinions)).Observe(time.Since(start).Seconds())
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}
	opinions := collectOpinions(outcomes)
	o.logger.Info("Opinion stage complete",
		"answered", len(opinions),
		"members", len(o.members))

	// Stage 2: anonymized peer review. Every member reviews the same
	// shuffled set, own answer included.
	if !emit(Event{Type: EventProgress, Stage: StageReviews, Message: "collecting peer reviews"}) {
		return nil, ctx.Err()
	}
	anon := anonymize(opinions)
	o.shuffle(len(anon), func(i, j int) { anon[i], anon[j] = anon[j], anon[i] })
	start = time.Now()
	outcomes, err = o.runner.Run(ctx, StageReviews, o.members, o.reviewPrompt(query, anon), emit)
	metrics.StageDuration.WithLabelValues(string(StageReviews)).Observe(time.Since(start).Seconds())
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		// Synthesis still has the opinions to work from.
		o.logger.Warn("Review stage produced no reviews", "error", err)
	}
	reviews := collectReviews(outcomes)
	o.logger.Info("Review stage complete",
		"reviewed", len(reviews),
		"members", len(o.members))

	// Stage 3: chairman synthesis.
	if !emit(Event{Type: EventProgress, Stage: StageSynthesis, Message: "synthesizing final answer"}) {
		return nil, ctx.Err()
	}
	start = time.Now()
	final, err := o.synthesize(ctx, query, opinions, reviews)
	metrics.StageDuration.WithLabelValues(string(StageSynthesis)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("chairman synthesis failed: %w", err)
	}

	o.logger.Info("Deliberation complete",
		"opinions", len(opinions),
		"reviews", len(reviews))
	return &Result{
		Query:    query,
		Opinions: opinions,
		Reviews:  reviews,
		Final:    final,
	}, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, query string, opinions []Opinion, reviews []Review) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req := o.requestFor(o.chairman, ChairmanSystemPrompt(len(opinions)), SynthesisPrompt(query, opinions, reviews))
	start := time.Now()
	resp, err := o.client.Complete(callCtx, o.chairman.Endpoint, req)
	metrics.MemberLatency.WithLabelValues(o.chairman.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MemberQueries.WithLabelValues(o.chairman.Name, metrics.OutcomeError).Inc()
		return "", err
	}
	metrics.MemberQueries.WithLabelValues(o.chairman.Name, metrics.OutcomeSuccess).Inc()
	return resp.Content, nil
}

func (o *Orchestrator) opinionPrompt(query string) PromptBuilder {
	return func(m Member) llm.Request {
		return o.requestFor(m, AssistantSystemPrompt(), query)
	}
}

func (o *Orchestrator) reviewPrompt(query string, anon []AnonymousOpinion) PromptBuilder {
	prompt := ReviewPrompt(query, anon)
	return func(m Member) llm.Request {
		return o.requestFor(m, ReviewerSystemPrompt(), prompt)
	}
}

// requestFor resolves the effective temperature: the member's own setting
// when present, the council default otherwise.
func (o *Orchestrator) requestFor(m Member, system, prompt string) llm.Request {
	temp := o.temperature
	if m.Temperature != nil {
		temp = *m.Temperature
	}
	return llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Temperature: &temp,
	}
}

// anonymize assigns anonymous IDs in roster order. Callers shuffle the
// returned slice before presenting it to reviewers.
func anonymize(opinions []Opinion) []AnonymousOpinion {
	anon := make([]AnonymousOpinion, len(opinions))
	for i, op := range opinions {
		anon[i] = AnonymousOpinion{ID: i + 1, Text: op.Response}
	}
	return anon
}

func collectOpinions(outcomes []StageOutcome) []Opinion {
	opinions := make([]Opinion, 0, len(outcomes))
	for _, out := range outcomes {
		if out.Err != nil {
			continue
		}
		opinions = append(opinions, Opinion{Model: out.Member.Name, Response: out.Text})
	}
	return opinions
}

func collectReviews(outcomes []StageOutcome) []Review {
	reviews := make([]Review, 0, len(outcomes))
	for _, out := range outcomes {
		if out.Err != nil {
			continue
		}
		reviews = append(reviews, Review{Model: out.Member.Name, Review: out.Text})
	}
	return reviews
}
