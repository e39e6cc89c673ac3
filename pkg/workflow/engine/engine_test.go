package engine_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kubernaut/workflow-engine/pkg/workflow/clock"
	"github.com/kubernaut/workflow-engine/pkg/workflow/config"
	"github.com/kubernaut/workflow-engine/pkg/workflow/definition"
	"github.com/kubernaut/workflow-engine/pkg/workflow/engine"
	"github.com/kubernaut/workflow-engine/pkg/workflow/events"
	"github.com/kubernaut/workflow-engine/pkg/workflow/metrics"
	"github.com/kubernaut/workflow-engine/pkg/workflow/model"
	"github.com/kubernaut/workflow-engine/pkg/workflow/store/memstore"
	"github.com/kubernaut/workflow-engine/pkg/workflow/workerpool"
)

// newTestEngine wires an Engine against an in-memory store, the real
// clock, an isolated Prometheus registry, and a no-op event publisher
// — the fixture every scenario below reuses.
func newTestEngine() (*engine.Engine, *memstore.Store) {
	st := memstore.New()
	met := metrics.New(prometheus.NewRegistry())
	pool := workerpool.New(4, 16)
	cfg := &config.Config{
		WorkerPoolSize:             4,
		WorkerBacklog:              16,
		PersistenceRetryMax:        3,
		RecoveryPolicy:             config.PauseOnStartup,
		DefaultStalenessMultiplier: 2,
	}
	eng := engine.New(st, clock.Real{}, events.Multi{}, met, pool, cfg, logr.Discard())
	return eng, st
}

func waitFor(eng *engine.Engine, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	Expect(eng.Wait(ctx, id)).To(Succeed())
}

// trailStep appends id to the "trail" context key, honoring the
// read-snapshot/return-output contract: it reads the prior value out
// of the pre-wave snapshot and returns the whole new value under the
// shared "trail" output key.
func trailStep(id string) definition.StepBody {
	return func(sc definition.StepContext) (map[string]interface{}, error) {
		trail := id
		if prev, ok := sc.Get("trail"); ok {
			if s, ok := prev.(string); ok && s != "" {
				trail = s + "," + id
			}
		}
		return map[string]interface{}{"trail": trail}, nil
	}
}

func fastRetry() definition.RetryPolicy {
	return definition.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, Multiplier: 1}
}

func recordsForStep(st *memstore.Store, instanceID, stepID string) []*model.StepExecutionRecord {
	all, err := st.ListStepExecutions(context.Background(), instanceID)
	Expect(err).NotTo(HaveOccurred())
	var out []*model.StepExecutionRecord
	for _, r := range all {
		if r.StepID == stepID {
			out = append(out, r)
		}
	}
	return out
}

var _ = Describe("Engine", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("a linear three-step success", func() {
		It("runs A, B, C in order and accumulates the trail", func() {
			eng, st := newTestEngine()

			def, err := definition.NewBuilder("linear-trail").
				WithMode(definition.Parallel).
				AddStep(definition.StepDescriptor{ID: "A", Body: trailStep("A"), Timeout: time.Second, Retry: fastRetry(), OutputKey: "trail"}).
				AddStep(definition.StepDescriptor{ID: "B", DependsOn: []string{"A"}, Body: trailStep("B"), Timeout: time.Second, Retry: fastRetry(), OutputKey: "trail"}).
				AddStep(definition.StepDescriptor{ID: "C", DependsOn: []string{"B"}, Body: trailStep("C"), Timeout: time.Second, Retry: fastRetry(), OutputKey: "trail"}).
				Build()
			Expect(err).NotTo(HaveOccurred())

			id, err := eng.Start(ctx, def, nil)
			Expect(err).NotTo(HaveOccurred())
			waitFor(eng, id)

			snap, err := eng.GetInstance(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Status).To(Equal(model.StatusCompleted))

			var trail string
			Expect(json.Unmarshal(snap.Context["trail"], &trail)).To(Succeed())
			Expect(trail).To(Equal("A,B,C"))

			completedAt := func(stepID string) time.Time {
				recs := recordsForStep(st, id, stepID)
				Expect(recs).To(HaveLen(1))
				Expect(recs[0].CompletedAt).NotTo(BeNil())
				return *recs[0].CompletedAt
			}
			Expect(completedAt("A")).To(BeTemporally("<", completedAt("B")))
			Expect(completedAt("B")).To(BeTemporally("<", completedAt("C")))
		})
	})

	Describe("a diamond with a parallel wave", func() {
		It("runs B and C concurrently and waits for both before D", func() {
			eng, st := newTestEngine()

			sleepStep := func(id string, d time.Duration) definition.StepBody {
				return func(sc definition.StepContext) (map[string]interface{}, error) {
					time.Sleep(d)
					return map[string]interface{}{}, nil
				}
			}

			def, err := definition.NewBuilder("diamond").
				WithMode(definition.Parallel).
				AddStep(definition.StepDescriptor{ID: "A", Body: sleepStep("A", 0), Timeout: time.Second, Retry: fastRetry()}).
				AddStep(definition.StepDescriptor{ID: "B", DependsOn: []string{"A"}, Body: sleepStep("B", 100 * time.Millisecond), Timeout: time.Second, Retry: fastRetry()}).
				AddStep(definition.StepDescriptor{ID: "C", DependsOn: []string{"A"}, Body: sleepStep("C", 200 * time.Millisecond), Timeout: time.Second, Retry: fastRetry()}).
				AddStep(definition.StepDescriptor{ID: "D", DependsOn: []string{"B", "C"}, Body: sleepStep("D", 0), Timeout: time.Second, Retry: fastRetry()}).
				Build()
			Expect(err).NotTo(HaveOccurred())

			start := time.Now()
			id, err := eng.Start(ctx, def, nil)
			Expect(err).NotTo(HaveOccurred())
			waitFor(eng, id)
			total := time.Since(start)

			snap, err := eng.GetInstance(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Status).To(Equal(model.StatusCompleted))

			startedAt := func(stepID string) time.Time {
				recs := recordsForStep(st, id, stepID)
				Expect(recs).To(HaveLen(1))
				return recs[0].StartedAt
			}
			completedAt := func(stepID string) time.Time {
				recs := recordsForStep(st, id, stepID)
				Expect(recs[0].CompletedAt).NotTo(BeNil())
				return *recs[0].CompletedAt
			}

			Expect(startedAt("B").Sub(startedAt("C")).Abs()).To(BeNumerically("<", 50*time.Millisecond))
			Expect(startedAt("D")).To(BeTemporally(">=", completedAt("C")))
			Expect(total).To(BeNumerically("<", 350*time.Millisecond))
		})
	})

	Describe("retry then succeed", func() {
		It("records two failures and a third completed attempt", func() {
			eng, st := newTestEngine()

			var calls int
			var mu sync.Mutex
			body := func(sc definition.StepContext) (map[string]interface{}, error) {
				mu.Lock()
				calls++
				n := calls
				mu.Unlock()
				if n < 3 {
					return nil, &flakyError{}
				}
				return map[string]interface{}{}, nil
			}

			def, err := definition.NewBuilder("retry-then-succeed").
				AddStep(definition.StepDescriptor{
					ID:      "flaky",
					Body:    body,
					Timeout: time.Second,
					Retry:   definition.RetryPolicy{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, Multiplier: 2},
				}).
				Build()
			Expect(err).NotTo(HaveOccurred())

			id, err := eng.Start(ctx, def, nil)
			Expect(err).NotTo(HaveOccurred())
			waitFor(eng, id)

			snap, err := eng.GetInstance(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Status).To(Equal(model.StatusCompleted))

			recs := recordsForStep(st, id, "flaky")
			Expect(recs).To(HaveLen(3))
			byAttempt := map[int]*model.StepExecutionRecord{}
			for _, r := range recs {
				byAttempt[r.Attempt] = r
			}
			Expect(byAttempt[1].Status).To(Equal(model.StepFailed))
			Expect(byAttempt[2].Status).To(Equal(model.StepFailed))
			Expect(byAttempt[3].Status).To(Equal(model.StepCompleted))
		})
	})

	Describe("compensation on failure", func() {
		It("rolls back B then A after C exhausts its retries", func() {
			eng, st := newTestEngine()

			var order []string
			var mu sync.Mutex
			record := func(id string) {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
			}

			def, err := definition.NewBuilder("compensate-all").
				WithCompensationStrategy(definition.CompensateAll).
				AddStep(definition.StepDescriptor{
					ID:      "A",
					Body:    func(sc definition.StepContext) (map[string]interface{}, error) { return map[string]interface{}{"a": 1.0}, nil },
					Timeout: time.Second, Retry: fastRetry(), OutputKey: "a",
					Compensation: func(output, finalContext map[string]interface{}) error { record("A"); return nil },
				}).
				AddStep(definition.StepDescriptor{
					ID: "B", DependsOn: []string{"A"},
					Body:    func(sc definition.StepContext) (map[string]interface{}, error) { return map[string]interface{}{"b": 2.0}, nil },
					Timeout: time.Second, Retry: fastRetry(), OutputKey: "b",
					Compensation: func(output, finalContext map[string]interface{}) error { record("B"); return nil },
				}).
				AddStep(definition.StepDescriptor{
					ID: "C", DependsOn: []string{"B"},
					Body:    func(sc definition.StepContext) (map[string]interface{}, error) { return nil, &flakyError{} },
					Timeout: time.Second, Retry: fastRetry(),
				}).
				Build()
			Expect(err).NotTo(HaveOccurred())

			id, err := eng.Start(ctx, def, nil)
			Expect(err).NotTo(HaveOccurred())
			waitFor(eng, id)

			snap, err := eng.GetInstance(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Status).To(Equal(model.StatusFailed))

			Expect(eng.Compensate(ctx, def, id)).To(Succeed())

			snap, err = eng.GetInstance(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Status).To(Equal(model.StatusCompensated))
			Expect(order).To(Equal([]string{"B", "A"}))

			_ = st
		})
	})

	Describe("pause and resume", func() {
		It("stops after two steps and finishes the remaining three on resume", func() {
			eng, st := newTestEngine()

			reachedStep2 := make(chan struct{})
			proceed := make(chan struct{})

			noop := func(sc definition.StepContext) (map[string]interface{}, error) { return map[string]interface{}{}, nil }
			gated := func(sc definition.StepContext) (map[string]interface{}, error) {
				close(reachedStep2)
				<-proceed
				return map[string]interface{}{}, nil
			}

			def, err := definition.NewBuilder("pause-resume").
				WithMode(definition.Sequential).
				AddStep(definition.StepDescriptor{ID: "s1", Body: noop, Timeout: time.Second, Retry: fastRetry()}).
				AddStep(definition.StepDescriptor{ID: "s2", DependsOn: []string{"s1"}, Body: gated, Timeout: time.Second, Retry: fastRetry()}).
				AddStep(definition.StepDescriptor{ID: "s3", DependsOn: []string{"s2"}, Body: noop, Timeout: time.Second, Retry: fastRetry()}).
				AddStep(definition.StepDescriptor{ID: "s4", DependsOn: []string{"s3"}, Body: noop, Timeout: time.Second, Retry: fastRetry()}).
				AddStep(definition.StepDescriptor{ID: "s5", DependsOn: []string{"s4"}, Body: noop, Timeout: time.Second, Retry: fastRetry()}).
				Build()
			Expect(err).NotTo(HaveOccurred())

			id, err := eng.Start(ctx, def, nil)
			Expect(err).NotTo(HaveOccurred())

			<-reachedStep2
			Expect(eng.Pause(id)).To(Succeed())
			close(proceed)

			waitFor(eng, id)

			snap, err := eng.GetInstance(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Status).To(Equal(model.StatusPaused))
			Expect(snap.CompletedSteps).To(Equal(2))

			Expect(eng.Resume(ctx, def, id)).To(Succeed())
			waitFor(eng, id)

			snap, err = eng.GetInstance(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Status).To(Equal(model.StatusCompleted))
			Expect(snap.CompletedSteps).To(Equal(5))

			all, err := st.ListStepExecutions(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(5))
		})
	})

	Describe("a global timeout", func() {
		It("fails the instance before the step's own sleep completes", func() {
			eng, st := newTestEngine()

			body := func(sc definition.StepContext) (map[string]interface{}, error) {
				select {
				case <-time.After(500 * time.Millisecond):
					return map[string]interface{}{}, nil
				case <-sc.Done():
					return nil, sc.Err()
				}
			}

			def, err := definition.NewBuilder("global-timeout").
				WithGlobalTimeout(100 * time.Millisecond).
				AddStep(definition.StepDescriptor{ID: "slow", Body: body, Timeout: 10 * time.Second, Retry: fastRetry()}).
				Build()
			Expect(err).NotTo(HaveOccurred())

			start := time.Now()
			id, err := eng.Start(ctx, def, nil)
			Expect(err).NotTo(HaveOccurred())
			waitFor(eng, id)
			elapsed := time.Since(start)

			Expect(elapsed).To(BeNumerically("<", 350*time.Millisecond))

			snap, err := eng.GetInstance(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Status).To(Equal(model.StatusFailed))
			Expect(snap.FailureReason).To(ContainSubstring("exceeded its global timeout"))

			recs := recordsForStep(st, id, "slow")
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].Status).To(Or(Equal(model.StepTimedOut), Equal(model.StepFailed)))
		})
	})

	Describe("a parallel wave with multiple failures", func() {
		It("emits a StepFailed metric and event for every failing step, not just the first", func() {
			st := memstore.New()
			met := metrics.New(prometheus.NewRegistry())
			pool := workerpool.New(4, 16)
			cfg := &config.Config{
				WorkerPoolSize:             4,
				WorkerBacklog:              16,
				PersistenceRetryMax:        3,
				RecoveryPolicy:             config.PauseOnStartup,
				DefaultStalenessMultiplier: 2,
			}
			rec := &recordingPublisher{}
			eng := engine.New(st, clock.Real{}, rec, met, pool, cfg, logr.Discard())

			noop := func(sc definition.StepContext) (map[string]interface{}, error) { return map[string]interface{}{}, nil }
			failing := func(sc definition.StepContext) (map[string]interface{}, error) { return nil, &flakyError{} }

			def, err := definition.NewBuilder("multi-fail").
				WithMode(definition.Parallel).
				AddStep(definition.StepDescriptor{ID: "A", Body: noop, Timeout: time.Second, Retry: fastRetry()}).
				AddStep(definition.StepDescriptor{ID: "B", DependsOn: []string{"A"}, Body: failing, Timeout: time.Second, Retry: fastRetry()}).
				AddStep(definition.StepDescriptor{ID: "C", DependsOn: []string{"A"}, Body: failing, Timeout: time.Second, Retry: fastRetry()}).
				Build()
			Expect(err).NotTo(HaveOccurred())

			id, err := eng.Start(ctx, def, nil)
			Expect(err).NotTo(HaveOccurred())
			waitFor(eng, id)

			snap, err := eng.GetInstance(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Status).To(Equal(model.StatusFailed))
			Expect(snap.LastFailedStep).To(Equal("B"))

			Expect(testutil.ToFloat64(met.StepsFailed.WithLabelValues("multi-fail", "B"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(met.StepsFailed.WithLabelValues("multi-fail", "C"))).To(Equal(1.0))

			failedSteps := map[string]int{}
			for _, e := range rec.byType(events.StepFailed) {
				failedSteps[e.StepID]++
			}
			Expect(failedSteps).To(Equal(map[string]int{"B": 1, "C": 1}))
		})
	})

	Describe("cancellation while a step is in flight", func() {
		It("settles as CANCELLED after the step observes the signal, dispatching nothing further", func() {
			eng, st := newTestEngine()

			entered := make(chan struct{})
			body := func(sc definition.StepContext) (map[string]interface{}, error) {
				close(entered)
				<-sc.Done()
				return nil, sc.Err()
			}
			noop := func(sc definition.StepContext) (map[string]interface{}, error) { return map[string]interface{}{}, nil }

			def, err := definition.NewBuilder("cancel-in-flight").
				WithMode(definition.Sequential).
				AddStep(definition.StepDescriptor{ID: "blocking", Body: body, Timeout: 10 * time.Second, Retry: fastRetry()}).
				AddStep(definition.StepDescriptor{ID: "never", DependsOn: []string{"blocking"}, Body: noop, Timeout: time.Second, Retry: fastRetry()}).
				Build()
			Expect(err).NotTo(HaveOccurred())

			id, err := eng.Start(ctx, def, nil)
			Expect(err).NotTo(HaveOccurred())

			<-entered
			Expect(eng.Cancel(id)).To(Succeed())
			waitFor(eng, id)

			snap, err := eng.GetInstance(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Status).To(Equal(model.StatusCancelled))

			Expect(recordsForStep(st, id, "never")).To(BeEmpty())
		})
	})

	Describe("startup recovery", func() {
		It("pauses a RUNNING instance left behind by a prior process under PAUSE_ON_STARTUP", func() {
			eng, st := newTestEngine()

			now := time.Now()
			inst := &model.Instance{
				ID:           "orphaned-1",
				WorkflowName: "orphan-def",
				StepIDs:      []string{"only"},
				Status:       model.StatusRunning,
				CreatedAt:    now,
				StartedAt:    &now,
				Context:      map[string]json.RawMessage{},
				Version:      1,
			}
			Expect(st.CreateInstance(ctx, inst)).To(Succeed())

			Expect(eng.Recover(ctx, engine.StaticDefinitions{})).To(Succeed())

			snap, err := eng.GetInstance(ctx, "orphaned-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Status).To(Equal(model.StatusPaused))
		})

		It("re-drives a RUNNING instance to completion under RESUME_ON_STARTUP", func() {
			st := memstore.New()
			met := metrics.New(prometheus.NewRegistry())
			pool := workerpool.New(4, 16)
			cfg := &config.Config{
				WorkerPoolSize:             4,
				WorkerBacklog:              16,
				PersistenceRetryMax:        3,
				RecoveryPolicy:             config.ResumeOnStartup,
				DefaultStalenessMultiplier: 2,
			}
			eng := engine.New(st, clock.Real{}, events.Multi{}, met, pool, cfg, logr.Discard())

			def, err := definition.NewBuilder("resume-on-startup").
				WithMode(definition.Sequential).
				AddStep(definition.StepDescriptor{ID: "only", Body: trailStep("only"), Timeout: time.Second, Retry: fastRetry(), OutputKey: "trail"}).
				Build()
			Expect(err).NotTo(HaveOccurred())

			now := time.Now()
			inst := &model.Instance{
				ID:           "orphaned-2",
				WorkflowName: def.Name,
				StepIDs:      def.StepIDs(),
				Status:       model.StatusRunning,
				CreatedAt:    now,
				StartedAt:    &now,
				Context:      map[string]json.RawMessage{},
				Version:      1,
			}
			Expect(st.CreateInstance(ctx, inst)).To(Succeed())

			Expect(eng.Recover(ctx, engine.StaticDefinitions{def.Name: def})).To(Succeed())
			waitFor(eng, "orphaned-2")

			snap, err := eng.GetInstance(ctx, "orphaned-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Status).To(Equal(model.StatusCompleted))
		})
	})
})

type flakyError struct{}

func (e *flakyError) Error() string { return "flaky failure" }

// recordingPublisher captures every published event so tests can
// assert on the exact event stream. Publish may be called from
// concurrent step dispatch goroutines.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingPublisher) byType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
