package council

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/council/llm"
	"github.com/c360studio/council/metrics"
)

// PromptBuilder produces the request a member receives for a stage.
type PromptBuilder func(m Member) llm.Request

// StageOutcome is one member's result within a stage. A non-nil Err means
// the member contributed nothing to the stage.
type StageOutcome struct {
	Member Member
	Text   string
	Err    error
}

// Runner fans one stage out across the council. Members are queried
// concurrently; outcomes come back in roster order regardless of which
// member finished first.
type Runner struct {
	client  *llm.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner creates a Runner. timeout bounds each individual member call.
func NewRunner(client *llm.Client, timeout time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		client:  client,
		timeout: timeout,
		logger:  logger,
	}
}

// Run queries every member concurrently and returns their outcomes in roster
// order. Each completion, success or failure, emits one progress event
// through emit before aggregation. Returns a StageExhaustedError when every
// member failed; the outcomes still describe the individual failures.
func (r *Runner) Run(ctx context.Context, stage Stage, members []Member, build PromptBuilder, emit func(Event) bool) ([]StageOutcome, error) {
	outcomes := make([]StageOutcome, len(members))
	total := len(members)

	var wg sync.WaitGroup
	var completed atomic.Int32
	for i, m := range members {
		wg.Add(1)
		go func(idx int, member Member) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			start := time.Now()
			resp, err := r.client.Complete(callCtx, member.Endpoint, build(member))
			elapsed := time.Since(start)
			metrics.MemberLatency.WithLabelValues(member.Name).Observe(elapsed.Seconds())

			done := int(completed.Add(1))
			if err != nil {
				metrics.MemberQueries.WithLabelValues(member.Name, metrics.OutcomeError).Inc()
				r.logger.Warn("Council member call failed",
					"stage", stage,
					"member", member.Name,
					"elapsed", elapsed,
					"error", err)
				outcomes[idx] = StageOutcome{Member: member, Err: err}
				emit(Event{
					Type:    EventProgress,
					Stage:   stage,
					Message: fmt.Sprintf("no response from %s (%d/%d)", member.Name, done, total),
				})
				return
			}

			metrics.MemberQueries.WithLabelValues(member.Name, metrics.OutcomeSuccess).Inc()
			r.logger.Debug("Council member responded",
				"stage", stage,
				"member", member.Name,
				"elapsed", elapsed)
			outcomes[idx] = StageOutcome{Member: member, Text: resp.Content}
			emit(Event{
				Type:    EventProgress,
				Stage:   stage,
				Message: fmt.Sprintf("response received from %s (%d/%d)", member.Name, done, total),
			})
		}(i, m)
	}
	wg.Wait()

	failures := make(map[string]error)
	for _, out := range outcomes {
		if out.Err != nil {
			failures[out.Member.Name] = out.Err
		}
	}
	if len(failures) == total && total > 0 {
		return outcomes, &StageExhaustedError{Stage: stage, Causes: failures}
	}
	return outcomes, nil
}
