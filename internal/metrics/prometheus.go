package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrchestratorMetrics is the set of Prometheus collectors exported at
// /metrics on the orchestrator process.
type OrchestratorMetrics struct {
	JobsTotal          *prometheus.CounterVec
	AICycles           prometheus.Counter
	AIRetries          prometheus.Counter
	AISchemaRepairs    prometheus.Counter
	AcceptanceVerdicts *prometheus.CounterVec
	PipelineDuration   prometheus.Histogram
}

// NewOrchestratorMetrics builds and registers the orchestrator's
// collectors against reg.
func NewOrchestratorMetrics(reg prometheus.Registerer) *OrchestratorMetrics {
	m := &OrchestratorMetrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gweizero_jobs_total",
			Help: "Total analysis jobs reaching a terminal phase, by phase.",
		}, []string{"phase"}),
		AICycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gweizero_ai_cycles_total",
			Help: "Total AI optimizer cycles run.",
		}),
		AIRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gweizero_ai_retries_total",
			Help: "Total provider-level retries across the fallback plan.",
		}),
		AISchemaRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gweizero_ai_schema_repairs_total",
			Help: "Total schema-repair round trips issued to the AI.",
		}),
		AcceptanceVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gweizero_acceptance_verdicts_total",
			Help: "Acceptance validator verdicts, by accepted/rejected.",
		}, []string{"verdict"}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gweizero_pipeline_duration_seconds",
			Help:    "Wall-clock time from job creation to its terminal phase (completed, failed or cancelled).",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.JobsTotal, m.AICycles, m.AIRetries, m.AISchemaRepairs, m.AcceptanceVerdicts, m.PipelineDuration)
	return m
}

// ObservePipelineDuration records the elapsed time between a job's
// creation and its terminal transition.
func (m *OrchestratorMetrics) ObservePipelineDuration(d time.Duration) {
	m.PipelineDuration.Observe(d.Seconds())
}

// RecordTerminal implements job.Metrics.
func (m *OrchestratorMetrics) RecordTerminal(phase string) {
	m.JobsTotal.WithLabelValues(phase).Inc()
}

// RecordPipelineDuration implements job.Metrics.
func (m *OrchestratorMetrics) RecordPipelineDuration(d time.Duration) {
	m.ObservePipelineDuration(d)
}

// WorkerMetrics is the worker process's collector set: subprocess
// duration and job outcomes by status.
type WorkerMetrics struct {
	JobsTotal          *prometheus.CounterVec
	SubprocessDuration prometheus.Histogram
}

// NewWorkerMetrics builds and registers the worker's collectors
// against reg.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	m := &WorkerMetrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gweizero_worker_jobs_total",
			Help: "Total worker jobs reaching a terminal status, by status.",
		}, []string{"status"}),
		SubprocessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gweizero_worker_subprocess_duration_seconds",
			Help:    "Duration of the compile/deploy/measure subprocess run.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.JobsTotal, m.SubprocessDuration)
	return m
}

// ObserveSubprocessDuration records one subprocess run's wall-clock time.
func (m *WorkerMetrics) ObserveSubprocessDuration(d time.Duration) {
	m.SubprocessDuration.Observe(d.Seconds())
}
