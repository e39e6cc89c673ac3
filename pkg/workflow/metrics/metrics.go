// Package metrics declares the Prometheus collectors the coordinator
// records against, grouped the way a reconciler's Metrics struct is in
// the wider codebase: one struct of already-registered vectors, held
// by whatever owns the engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	LabelWorkflow = "workflow_name"
	LabelStep     = "step_id"
	LabelStatus   = "status"
)

// Metrics holds the engine's counters and histograms, all
// tagged with workflow name and, for step metrics, step id + terminal
// status.
type Metrics struct {
	WorkflowsStarted     *prometheus.CounterVec
	WorkflowsCompleted   *prometheus.CounterVec
	WorkflowsFailed      *prometheus.CounterVec
	WorkflowsCancelled   *prometheus.CounterVec
	WorkflowsCompensated *prometheus.CounterVec

	StepsExecuted    *prometheus.CounterVec
	StepsFailed      *prometheus.CounterVec
	StepsRetried     *prometheus.CounterVec
	StepsCompensated *prometheus.CounterVec

	WorkflowDuration *prometheus.HistogramVec
	StepDuration     *prometheus.HistogramVec
}

// New builds a Metrics struct registered against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the
// process-wide default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkflowsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_engine_workflows_started_total",
			Help: "Workflow instances started.",
		}, []string{LabelWorkflow}),
		WorkflowsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_engine_workflows_completed_total",
			Help: "Workflow instances completed successfully.",
		}, []string{LabelWorkflow}),
		WorkflowsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_engine_workflows_failed_total",
			Help: "Workflow instances that reached FAILED.",
		}, []string{LabelWorkflow}),
		WorkflowsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_engine_workflows_cancelled_total",
			Help: "Workflow instances cancelled.",
		}, []string{LabelWorkflow}),
		WorkflowsCompensated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_engine_workflows_compensated_total",
			Help: "Workflow instances that reached COMPENSATED.",
		}, []string{LabelWorkflow}),

		StepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_engine_steps_executed_total",
			Help: "Step executions that settled (completed or skipped).",
		}, []string{LabelWorkflow, LabelStep, LabelStatus}),
		StepsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_engine_steps_failed_total",
			Help: "Step executions that exhausted retries and failed.",
		}, []string{LabelWorkflow, LabelStep}),
		StepsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_engine_steps_retried_total",
			Help: "Step retry attempts made.",
		}, []string{LabelWorkflow, LabelStep}),
		StepsCompensated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_engine_steps_compensated_total",
			Help: "Step compensations run.",
		}, []string{LabelWorkflow, LabelStep}),

		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_engine_workflow_duration_seconds",
			Help:    "Wall-clock duration of a workflow instance from start to terminal status.",
			Buckets: prometheus.DefBuckets,
		}, []string{LabelWorkflow, LabelStatus}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_engine_step_duration_seconds",
			Help:    "Wall-clock duration of a single step execution attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{LabelWorkflow, LabelStep, LabelStatus}),
	}

	reg.MustRegister(
		m.WorkflowsStarted, m.WorkflowsCompleted, m.WorkflowsFailed, m.WorkflowsCancelled, m.WorkflowsCompensated,
		m.StepsExecuted, m.StepsFailed, m.StepsRetried, m.StepsCompensated,
		m.WorkflowDuration, m.StepDuration,
	)
	return m
}
