package job

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gweizero/optimizer/internal/orchestrator/bus"
)

// Metrics is the narrow recorder the Registry reports terminal
// outcomes to. Defined here (rather than depending on the metrics
// package) to avoid an import cycle, since metrics.Reporter depends on
// job.View for the analysis-throughput report.
type Metrics interface {
	RecordTerminal(phase string)
	RecordPipelineDuration(d time.Duration)
}

// Pipeline is the collaborator that actually drives a job through its
// phases. The registry only owns lifecycle/dedup bookkeeping; running
// the pipeline is handed off so this package has no dependency on the
// AI/worker stack.
type Pipeline interface {
	Run(ctx context.Context, j *AnalysisJob)
}

// Registry creates, fetches, cancels, and dedupes analysis jobs, and
// emits their progress. It is a long-lived owned value passed into
// HTTP handlers, not a package-level global.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*AnalysisJob
	dedupe   DedupeMap
	bus      *bus.Bus[ProgressEvent]
	pipeline Pipeline
	metrics  Metrics
}

// NewRegistry constructs a Registry. The pipeline is wired after
// construction via SetPipeline to break the cmd-level wiring cycle
// between the registry and the pipeline's collaborators.
func NewRegistry(dedupe DedupeMap, b *bus.Bus[ProgressEvent]) *Registry {
	return &Registry{
		jobs:   make(map[string]*AnalysisJob),
		dedupe: dedupe,
		bus:    b,
	}
}

// SetPipeline wires the Pipeline collaborator.
func (r *Registry) SetPipeline(p Pipeline) {
	r.pipeline = p
}

// SetMetrics wires the optional Metrics recorder.
func (r *Registry) SetMetrics(m Metrics) {
	r.metrics = m
}

// CreateOrReuseResult is CreateOrReuseJob's return shape.
type CreateOrReuseResult struct {
	Job    *AnalysisJob
	Reused bool
}

// CreateOrReuseJob returns an existing job for source when its
// fingerprint maps to one that is still reusable, otherwise mints a
// new queued job and spawns its pipeline task.
func (r *Registry) CreateOrReuseJob(ctx context.Context, source string) CreateOrReuseResult {
	fp := Fingerprint(source)

	if existingID, ok := r.dedupe.Lookup(ctx, fp); ok {
		r.mu.RLock()
		existing, present := r.jobs[existingID]
		r.mu.RUnlock()
		if present && r.reusable(existing) {
			return CreateOrReuseResult{Job: existing, Reused: true}
		}
		// Mapping is stale: the prior job failed or was cancelled, or
		// the map layer already expired it. Invalidate and fall through.
		r.dedupe.Invalidate(ctx, fp)
	}

	j := newJob(source)
	r.mu.Lock()
	r.jobs[j.ID] = j
	r.mu.Unlock()

	r.dedupe.Store(ctx, fp, j.ID)
	r.emit(j, PhaseQueued, "Queued for analysis.")

	if r.pipeline != nil {
		go r.runPipeline(j)
	}

	return CreateOrReuseResult{Job: j, Reused: false}
}

// reusable rules out failed/cancelled jobs. A mapping only reaches
// here while its TTL is still live (the DedupeMap expires entries
// itself), so non-terminal and completed jobs are both reusable.
func (r *Registry) reusable(j *AnalysisJob) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !terminalPhases[j.Phase] {
		return true
	}
	return j.Phase == PhaseCompleted
}

func (r *Registry) runPipeline(j *AnalysisJob) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[registry] job %s pipeline panicked: %v", j.ID, rec)
			r.fail(j, "internal error")
		}
	}()
	r.pipeline.Run(j.AbortContext(), j)
}

// GetJob returns a job's public View.
func (r *Registry) GetJob(id string) (View, error) {
	r.mu.RLock()
	j, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return View{}, ErrNotFound
	}
	return j.View(), nil
}

// lookup returns the live job (for internal pipeline use).
func (r *Registry) lookup(id string) (*AnalysisJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// CancelJob requests cooperative cancellation. Idempotent on terminal
// jobs; emits a progress event in the job's current phase otherwise.
func (r *Registry) CancelJob(id string) (View, error) {
	j, ok := r.lookup(id)
	if !ok {
		return View{}, ErrNotFound
	}
	if j.RequestCancel() {
		r.emit(j, r.currentPhase(j), "Cancellation requested.")
	}
	return j.View(), nil
}

func (r *Registry) currentPhase(j *AnalysisJob) Phase {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Phase
}

// Emit appends a progress event to the job and publishes it on the bus.
// Exported so the Pipeline collaborator can drive progress without
// reaching into AnalysisJob internals.
func (r *Registry) Emit(j *AnalysisJob, phase Phase, message string) {
	r.emit(j, phase, message)
}

func (r *Registry) emit(j *AnalysisJob, phase Phase, message string) {
	ev := ProgressEvent{Phase: phase, Message: message, Timestamp: time.Now().UTC()}
	j.mu.Lock()
	j.Events = append(j.Events, ev)
	j.mu.Unlock()
	r.bus.Publish(j.ID, ev)
}

// Transition applies a phase transition and emits the corresponding
// start-of-phase event, or returns the error if the transition is
// illegal.
func (r *Registry) Transition(j *AnalysisJob, to Phase, message string) error {
	j.mu.Lock()
	err := Transition(j, to)
	j.mu.Unlock()
	if err != nil {
		return err
	}
	r.emit(j, to, message)
	return nil
}

// Complete finalizes a job as completed with its AnalysisResult.
func (r *Registry) Complete(j *AnalysisJob, result AnalysisResult) {
	j.mu.Lock()
	j.Phase = PhaseCompleted
	j.Result = &result
	j.UpdatedAt = time.Now().UTC()
	created := j.CreatedAt
	j.abortFunc()
	j.mu.Unlock()
	r.recordTerminal(PhaseCompleted, created)
	r.emit(j, PhaseCompleted, "Analysis completed.")
}

func (r *Registry) recordTerminal(phase Phase, createdAt time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordTerminal(string(phase))
	r.metrics.RecordPipelineDuration(time.Since(createdAt))
}

// Fail finalizes a job as failed. Any unhandled pipeline error that is
// not a cancel ends up here, with the error message as the reason.
func (r *Registry) Fail(j *AnalysisJob, reason string) {
	r.fail(j, reason)
}

func (r *Registry) fail(j *AnalysisJob, reason string) {
	j.mu.Lock()
	if terminalPhases[j.Phase] {
		j.mu.Unlock()
		return
	}
	j.Phase = PhaseFailed
	j.Err = reason
	j.UpdatedAt = time.Now().UTC()
	created := j.CreatedAt
	j.abortFunc()
	j.mu.Unlock()
	r.recordTerminal(PhaseFailed, created)
	r.emit(j, PhaseFailed, reason)
}

// Cancel finalizes a job as cancelled.
func (r *Registry) Cancel(j *AnalysisJob, reason string) {
	j.mu.Lock()
	if terminalPhases[j.Phase] {
		j.mu.Unlock()
		return
	}
	j.Phase = PhaseCancelled
	j.Err = reason
	j.UpdatedAt = time.Now().UTC()
	created := j.CreatedAt
	j.abortFunc()
	j.mu.Unlock()
	r.recordTerminal(PhaseCancelled, created)
	r.emit(j, PhaseCancelled, reason)
}

// Views returns a public snapshot of every job currently held in
// memory, for the analysis-throughput report.
func (r *Registry) Views() []View {
	r.mu.RLock()
	jobs := make([]*AnalysisJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()

	views := make([]View, len(jobs))
	for i, j := range jobs {
		views[i] = j.View()
	}
	return views
}

// Subscribe exposes the bus's backlog-then-live subscription for the
// SSE endpoint.
func (r *Registry) Subscribe(id string) (*bus.Subscription[ProgressEvent], error) {
	if _, ok := r.lookup(id); !ok {
		return nil, ErrNotFound
	}
	return r.bus.Subscribe(id), nil
}

// Unsubscribe detaches a subscription previously returned by Subscribe.
func (r *Registry) Unsubscribe(id string, sub *bus.Subscription[ProgressEvent]) {
	r.bus.Unsubscribe(id, sub)
}
