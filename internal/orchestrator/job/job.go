// Package job owns the analysis job lifecycle: creation, dedup,
// cancellation, and the progress/result state every job accumulates.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gweizero/optimizer/internal/gasmodel"
	"github.com/gweizero/optimizer/internal/solidity"
)

// Phase is an AnalysisJob's current phase-status.
type Phase string

const (
	PhaseQueued          Phase = "queued"
	PhaseStaticAnalysis  Phase = "static_analysis"
	PhaseDynamicAnalysis Phase = "dynamic_analysis"
	PhaseAIOptimization  Phase = "ai_optimization"
	PhaseCompleted       Phase = "completed"
	PhaseFailed          Phase = "failed"
	PhaseCancelled       Phase = "cancelled"
)

// terminalPhases are phases from which no further transition may occur.
var terminalPhases = map[Phase]bool{
	PhaseCompleted: true,
	PhaseFailed:    true,
	PhaseCancelled: true,
}

// validTransitions defines the only legal from→to edges. A job can
// never jump from queued straight to completed; it has to pass through
// the intermediate analysis phases.
var validTransitions = map[Phase]map[Phase]bool{
	PhaseQueued:          {PhaseStaticAnalysis: true, PhaseFailed: true, PhaseCancelled: true},
	PhaseStaticAnalysis:  {PhaseDynamicAnalysis: true, PhaseFailed: true, PhaseCancelled: true},
	PhaseDynamicAnalysis: {PhaseAIOptimization: true, PhaseFailed: true, PhaseCancelled: true},
	PhaseAIOptimization:  {PhaseCompleted: true, PhaseFailed: true, PhaseCancelled: true},
}

// ErrInvalidTransition is returned by Transition for a disallowed edge.
var ErrInvalidTransition = errors.New("job: invalid phase transition")

// ErrNotFound is returned when a job id is unknown to the registry.
var ErrNotFound = errors.New("job: not found")

// Transition validates and applies a phase change.
func Transition(j *AnalysisJob, to Phase) error {
	from := j.Phase
	if terminalPhases[from] {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	j.Phase = to
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// ProgressEvent is a single progress record. Events on a job are
// strictly non-decreasing in timestamp.
type ProgressEvent struct {
	Phase     Phase     `json:"phase"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AcceptanceChecks is the set of individual checks behind an acceptance
// verdict.
type AcceptanceChecks struct {
	Compiled                            bool    `json:"compiled"`
	ABICompatible                       bool    `json:"abiCompatible"`
	DeploymentGasRegressionPct          float64 `json:"deploymentGasRegressionPct"`
	AverageMutableFunctionRegressionPct float64 `json:"averageMutableFunctionRegressionPct"`
	Improved                            bool    `json:"improved"`
}

// AcceptanceVerdict is the accept/reject decision for a candidate,
// with the checks that led to it.
type AcceptanceVerdict struct {
	Accepted bool             `json:"accepted"`
	Reason   string           `json:"reason"`
	Checks   AcceptanceChecks `json:"checks"`
}

// AIEdit is one edit operation produced by the optimizer.
type AIEdit struct {
	Action    string `json:"action"` // replace|insert|delete
	LineStart int    `json:"lineStart"`
	LineEnd   int    `json:"lineEnd"`
	Before    string `json:"before"`
	After     string `json:"after"`
	Rationale string `json:"rationale"`
}

// AIMeta records provider bookkeeping for the AI result.
type AIMeta struct {
	Provider             string   `json:"provider"`
	Model                string   `json:"model"`
	Retries              int      `json:"retries"`
	SchemaRepairAttempts int      `json:"schemaRepairAttempts"`
	VerifierVerdict      string   `json:"verifierVerdict"`
	Warnings             []string `json:"warnings"`
}

// AIResult is the AI loop's output.
type AIResult struct {
	Optimizations        []string `json:"optimizations"`
	Edits                []AIEdit `json:"edits"`
	OptimizedSource      string   `json:"optimizedSource"`
	TotalEstimatedSaving string   `json:"totalEstimatedSaving"`
	Meta                 AIMeta   `json:"meta"`
}

// AnalysisResult is the job's terminal payload when status=completed.
type AnalysisResult struct {
	OriginalContract string                 `json:"originalContract"`
	StaticProfile    solidity.StaticProfile `json:"staticProfile"`
	BaselineProfile  gasmodel.GasProfile    `json:"baselineProfile"`
	AIOutput         AIResult               `json:"aiOutput"`
	OptimizedProfile *gasmodel.GasProfile   `json:"optimizedProfile"`
	Acceptance       AcceptanceVerdict      `json:"acceptance"`
	Attempts         int                    `json:"attempts"`
}

// AnalysisJob is the orchestrator's core entity. A job is created by
// submission, mutated only by its owning pipeline task and by cancel
// requests, and never deleted: completed jobs stay in memory for later
// proof derivation.
type AnalysisJob struct {
	mu sync.Mutex

	ID              string
	Source          string
	Phase           Phase
	Events          []ProgressEvent
	Result          *AnalysisResult
	Err             string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// abortCtx is cancelled by RequestCancel so in-flight worker polls
	// and AI HTTP calls unwind without waiting for the next phase
	// boundary.
	abortCtx  context.Context
	abortFunc context.CancelFunc
}

// View is the public, source-free projection of a job; the submitted
// source text is never leaked through it.
type View struct {
	ID        string          `json:"id"`
	Phase     Phase           `json:"status"`
	Events    []ProgressEvent `json:"events"`
	Result    *AnalysisResult `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// View snapshots the job under lock.
func (j *AnalysisJob) View() View {
	j.mu.Lock()
	defer j.mu.Unlock()
	events := make([]ProgressEvent, len(j.Events))
	copy(events, j.Events)
	return View{
		ID:        j.ID,
		Phase:     j.Phase,
		Events:    events,
		Result:    j.Result,
		Error:     j.Err,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// IsTerminal reports whether the job's current phase is terminal.
func (j *AnalysisJob) IsTerminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return terminalPhases[j.Phase]
}

// IsCancelRequested reports the cooperative cancellation flag.
func (j *AnalysisJob) IsCancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.CancelRequested
}

// AbortContext is the context the pipeline task passes into every
// remote call. It is cancelled when the job is cancelled.
func (j *AnalysisJob) AbortContext() context.Context {
	return j.abortCtx
}

// RequestCancel sets the flag idempotently and fires the abort
// context; returns whether it was newly set (false if already
// requested or already terminal).
func (j *AnalysisJob) RequestCancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if terminalPhases[j.Phase] {
		return false
	}
	already := j.CancelRequested
	j.CancelRequested = true
	j.abortFunc()
	return !already
}

// newJob mints a fresh, queued job.
func newJob(source string) *AnalysisJob {
	now := time.Now().UTC()
	ctx, cancel := context.WithCancel(context.Background())
	return &AnalysisJob{
		ID:        uuid.NewString(),
		Source:    source,
		Phase:     PhaseQueued,
		CreatedAt: now,
		UpdatedAt: now,
		abortCtx:  ctx,
		abortFunc: cancel,
	}
}
