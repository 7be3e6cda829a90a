// Package pipeline drives a single AnalysisJob through its three
// phases: static_analysis, dynamic_analysis, and ai_optimization,
// finalizing into an AnalysisResult or a terminal failure/cancellation.
package pipeline

import (
	"context"
	"fmt"

	"github.com/gweizero/optimizer/internal/gasmodel"
	"github.com/gweizero/optimizer/internal/orchestrator/job"
	"github.com/gweizero/optimizer/internal/solidity"
)

// WorkerClient obtains a gas profile for a source from the worker
// process.
type WorkerClient interface {
	GetGasProfile(ctx context.Context, source string) (gasmodel.GasProfile, error)
}

// Optimizer is the AI loop collaborator.
type Optimizer interface {
	Optimize(ctx context.Context, source string, baseline gasmodel.GasProfile, progress func(message string)) (job.AIResult, error)
}

// Acceptance validates a candidate source against the baseline.
type Acceptance interface {
	Validate(ctx context.Context, candidateSource string, baseline gasmodel.GasProfile, progress func(message string)) (verdict job.AcceptanceVerdict, optimized *gasmodel.GasProfile, attempts int, err error)
}

// Registry is the subset of job.Registry the pipeline needs: emitting
// progress and finalizing the job. Kept as a narrow interface so this
// package does not need the whole registry surface.
type Registry interface {
	Emit(j *job.AnalysisJob, phase job.Phase, message string)
	Transition(j *job.AnalysisJob, to job.Phase, message string) error
	Complete(j *job.AnalysisJob, result job.AnalysisResult)
	Fail(j *job.AnalysisJob, reason string)
	Cancel(j *job.AnalysisJob, reason string)
}

const cancelledReason = "Analysis cancelled by user."

// Pipeline is the three-phase driver.
type Pipeline struct {
	registry   Registry
	parser     solidity.Parser
	worker     WorkerClient
	optimizer  Optimizer
	acceptance Acceptance
}

// New constructs a Pipeline from its collaborators.
func New(registry Registry, parser solidity.Parser, worker WorkerClient, optimizer Optimizer, acceptance Acceptance) *Pipeline {
	return &Pipeline{
		registry:   registry,
		parser:     parser,
		worker:     worker,
		optimizer:  optimizer,
		acceptance: acceptance,
	}
}

// cancelled checks the cooperative cancellation flag and, if set,
// finalizes the job as cancelled. Checked at every phase boundary and
// after every suspension point.
func (p *Pipeline) cancelled(j *job.AnalysisJob) bool {
	if !j.IsCancelRequested() {
		return false
	}
	p.registry.Cancel(j, cancelledReason)
	return true
}

// failUnlessCancelled resolves a remote-call error: a cancel request
// always wins over whatever error the aborted call returned.
func (p *Pipeline) failUnlessCancelled(j *job.AnalysisJob, reason string) {
	if j.IsCancelRequested() {
		p.registry.Cancel(j, cancelledReason)
		return
	}
	p.registry.Fail(j, reason)
}

// Run implements job.Pipeline.
func (p *Pipeline) Run(ctx context.Context, j *job.AnalysisJob) {
	if p.cancelled(j) {
		return
	}
	if err := p.registry.Transition(j, job.PhaseStaticAnalysis, "Parsing Solidity source."); err != nil {
		p.registry.Fail(j, err.Error())
		return
	}

	staticProfile, err := p.parser.Parse(j.Source)
	if err != nil {
		p.registry.Fail(j, "Failed to parse Solidity code.")
		return
	}
	if p.cancelled(j) {
		return
	}

	if err := p.registry.Transition(j, job.PhaseDynamicAnalysis, "Measuring baseline gas."); err != nil {
		p.registry.Fail(j, err.Error())
		return
	}

	baseline, err := p.worker.GetGasProfile(ctx, j.Source)
	if err != nil {
		p.failUnlessCancelled(j, fmt.Sprintf("Baseline gas measurement failed: %s", err))
		return
	}
	if p.cancelled(j) {
		return
	}

	if err := p.registry.Transition(j, job.PhaseAIOptimization, "Starting AI optimization."); err != nil {
		p.registry.Fail(j, err.Error())
		return
	}

	progress := func(message string) {
		p.registry.Emit(j, job.PhaseAIOptimization, message)
	}

	aiResult, err := p.optimizer.Optimize(ctx, j.Source, baseline, progress)
	if err != nil {
		p.failUnlessCancelled(j, fmt.Sprintf("AI optimization failed: %s", err))
		return
	}
	if p.cancelled(j) {
		return
	}

	verdict, optimizedProfile, attempts, err := p.acceptance.Validate(ctx, aiResult.OptimizedSource, baseline, progress)
	if err != nil {
		p.failUnlessCancelled(j, fmt.Sprintf("Acceptance validation failed: %s", err))
		return
	}
	if p.cancelled(j) {
		return
	}

	// A rejection still completes the job; the optimized fields fall
	// back to the original source with the rejection surfaced as a
	// warning.
	if !verdict.Accepted {
		aiResult.OptimizedSource = j.Source
		aiResult.Meta.Warnings = append(aiResult.Meta.Warnings, verdict.Reason)
	}

	p.registry.Complete(j, job.AnalysisResult{
		OriginalContract: j.Source,
		StaticProfile:    staticProfile,
		BaselineProfile:  baseline,
		AIOutput:         aiResult,
		OptimizedProfile: optimizedProfile,
		Acceptance:       verdict,
		Attempts:         attempts,
	})
}
