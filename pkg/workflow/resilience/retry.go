// Package resilience implements the retry, timeout, and compensation
// policies the coordinator applies around a step body.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kubernaut/workflow-engine/pkg/workflow/definition"
)

// DefaultClassifier retries every error except context.Canceled.
func DefaultClassifier(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// AttemptOutcome distinguishes why an attempt ended, so the caller can
// turn it into the right Step Execution Record status.
type AttemptOutcome int

const (
	OutcomeSuccess AttemptOutcome = iota
	OutcomeFailed
	OutcomeTimedOut
	OutcomeCancelled
)

// AttemptResult is the product of a single run of a step body.
type AttemptResult struct {
	Number  int
	Output  map[string]interface{}
	Err     error
	Outcome AttemptOutcome
}

// ladder computes the capped exponential delay between attempts using
// cenkalti/backoff's ExponentialBackOff as the underlying stepper
// (its own randomization is disabled so it doesn't compound with the
// uniform jitter layered on top in Runner.delayBefore).
type ladder struct {
	eb *backoff.ExponentialBackOff
}

func newLadder(policy definition.RetryPolicy) *ladder {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialDelay
	eb.MaxInterval = policy.MaxDelay
	eb.Multiplier = policy.Multiplier
	eb.RandomizationFactor = 0
	eb.Reset()
	return &ladder{eb: eb}
}

// next advances the ladder and returns the base (un-jittered) delay
// before the next attempt.
func (l *ladder) next() time.Duration {
	return l.eb.NextBackOff()
}

// Runner drives a single step's retry loop: invoke the body, classify
// failures, sleep between attempts with backoff + jitter, and report
// every attempt so the caller can persist a Step Execution Record for
// each one.
type Runner struct {
	rng *rand.Rand
}

// NewRunner returns a Runner. src seeds the jitter RNG; pass a
// deterministic source in tests that assert exact delays.
func NewRunner(src rand.Source) *Runner {
	if src == nil {
		src = rand.NewSource(1)
	}
	return &Runner{rng: rand.New(src)}
}

// delayBefore returns the total (base + jitter) delay to wait before
// the attempt-th run, where attempt is 1-based and attempt==1 never
// waits.
func (r *Runner) delayBefore(l *ladder, policy definition.RetryPolicy, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	base := l.next()
	if !policy.Jitter || base <= 0 {
		return base
	}
	jitter := time.Duration(r.rng.Int63n(int64(float64(base) * 0.1)))
	return base + jitter
}

// Execute runs body up to policy.MaxAttempts times, classifying
// failures with policy.Classifier (DefaultClassifier if nil), sleeping
// between attempts via clk. It invokes onAttempt after every attempt
// settles (success or failure) so the caller can persist a record
// before deciding whether to retry. timeout, if non-zero, bounds each
// individual attempt (the per-step timeout); ctx carries instance-wide
// cancellation.
func (r *Runner) Execute(
	ctx context.Context,
	policy definition.RetryPolicy,
	timeout time.Duration,
	sleep func(time.Duration),
	run func(ctx context.Context) (map[string]interface{}, error),
	onAttempt func(AttemptResult),
) AttemptResult {
	classifier := policy.Classifier
	if classifier == nil {
		classifier = DefaultClassifier
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	l := newLadder(policy)

	var last AttemptResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if d := r.delayBefore(l, policy, attempt); d > 0 {
				sleep(d)
			}
		}

		if ctx.Err() != nil {
			last = AttemptResult{Number: attempt, Err: ctx.Err(), Outcome: OutcomeCancelled}
			onAttempt(last)
			return last
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		output, err := run(attemptCtx)
		timedOut := timeout > 0 && errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		if cancel != nil {
			cancel()
		}

		switch {
		case err == nil:
			last = AttemptResult{Number: attempt, Output: output, Outcome: OutcomeSuccess}
			onAttempt(last)
			return last
		case timedOut:
			last = AttemptResult{Number: attempt, Err: err, Outcome: OutcomeTimedOut}
		case errors.Is(ctx.Err(), context.Canceled):
			last = AttemptResult{Number: attempt, Err: ctx.Err(), Outcome: OutcomeCancelled}
			onAttempt(last)
			return last
		default:
			last = AttemptResult{Number: attempt, Err: err, Outcome: OutcomeFailed}
		}
		onAttempt(last)

		if !classifier(last.Err) {
			return last
		}
	}
	return last
}
