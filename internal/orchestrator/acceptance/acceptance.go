// Package acceptance decides whether an optimized candidate replaces
// the baseline: ABI compatibility plus gas-regression checks, retried
// across a bounded number of attempts with at most one AI corrective
// retry when the candidate fails to compile.
package acceptance

import (
	"context"
	"fmt"
	"strings"

	"github.com/gweizero/optimizer/internal/gasmodel"
	"github.com/gweizero/optimizer/internal/metrics"
	"github.com/gweizero/optimizer/internal/orchestrator/job"
)

// WorkerClient compiles, deploys, and measures a candidate source.
type WorkerClient interface {
	GetGasProfile(ctx context.Context, source string) (gasmodel.GasProfile, error)
}

// Corrector performs the single allowed AI corrective retry when a
// candidate fails to compile/deploy/measure.
type Corrector interface {
	Correct(ctx context.Context, source, errorKind, hint string) (string, error)
}

// compileHints maps a coarse error-kind classification to a canned
// hint fed back to the corrector.
var compileHints = map[string]string{
	"compile": "The candidate failed to compile. Check for syntax errors introduced by the edits and ensure all braces and semicolons are balanced.",
	"deploy":  "The candidate failed to deploy. Ensure the constructor signature and visibility were preserved.",
	"measure": "Gas measurement failed for one or more functions. Ensure function signatures were not altered in a way that breaks the ABI.",
	"unknown": "The candidate failed compile/deploy/measure for an unspecified reason. Revert any edit that is not strictly necessary.",
}

func classifyError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "compile"):
		return "compile"
	case strings.Contains(msg, "deploy"):
		return "deploy"
	case strings.Contains(msg, "measure") || strings.Contains(msg, "estimat"):
		return "measure"
	default:
		return "unknown"
	}
}

// Validator runs the acceptance checks.
type Validator struct {
	worker       WorkerClient
	corrector    Corrector
	maxAttempts  int
	maxFnPct     float64
	maxDeployPct float64
	metrics      *metrics.OrchestratorMetrics
}

// New constructs a Validator.
func New(worker WorkerClient, corrector Corrector, maxAttempts int, maxFnRegressionPct, maxDeployRegressionPct float64) *Validator {
	return &Validator{
		worker:       worker,
		corrector:    corrector,
		maxAttempts:  maxAttempts,
		maxFnPct:     maxFnRegressionPct,
		maxDeployPct: maxDeployRegressionPct,
	}
}

// SetMetrics wires the optional Prometheus recorder.
func (v *Validator) SetMetrics(m *metrics.OrchestratorMetrics) {
	v.metrics = m
}

func (v *Validator) recordVerdict(accepted bool) {
	if v.metrics == nil {
		return
	}
	label := "rejected"
	if accepted {
		label = "accepted"
	}
	v.metrics.AcceptanceVerdicts.WithLabelValues(label).Inc()
}

// Validate implements pipeline.Acceptance. It recompiles and
// revalidates candidateSource up to maxAttempts times. An accepted
// verdict returns early with its attempt number; a rejected verdict
// keeps consuming attempts on the same candidate, and the last
// rejection is returned once attempts are exhausted. When an attempt
// raises during compile/deploy/measure, the corrector is invoked at
// most once per run, and a corrected candidate re-enters the loop.
func (v *Validator) Validate(ctx context.Context, candidateSource string, baseline gasmodel.GasProfile, progress func(string)) (job.AcceptanceVerdict, *gasmodel.GasProfile, int, error) {
	source := candidateSource
	correctorUsed := false
	var lastRejection *job.AcceptanceVerdict

	for attempt := 1; attempt <= v.maxAttempts; attempt++ {
		progress(fmt.Sprintf("Validating candidate (attempt %d/%d)...", attempt, v.maxAttempts))

		candidateProfile, err := v.worker.GetGasProfile(ctx, source)
		if err != nil {
			if ctx.Err() != nil {
				return job.AcceptanceVerdict{}, nil, attempt, ctx.Err()
			}
			if !correctorUsed && v.corrector != nil {
				correctorUsed = true
				kind := classifyError(err)
				hint := compileHints[kind]
				corrected, cErr := v.corrector.Correct(ctx, source, kind, hint)
				if cErr == nil && corrected != "" && corrected != source {
					source = corrected
				}
			}
			continue
		}

		verdict := decide(baseline, candidateProfile, v.maxFnPct, v.maxDeployPct)
		if verdict.Accepted {
			v.recordVerdict(true)
			p := candidateProfile
			return verdict, &p, attempt, nil
		}
		lastRejection = &verdict
	}

	v.recordVerdict(false)
	if lastRejection != nil {
		return *lastRejection, nil, v.maxAttempts, nil
	}
	return job.AcceptanceVerdict{
		Accepted: false,
		Reason:   fmt.Sprintf("No candidate passed acceptance after %d attempts.", v.maxAttempts),
	}, nil, v.maxAttempts, nil
}

// decide applies the acceptance checks in order: ABI compatibility,
// then the mutable-function regression threshold, then the deployment
// regression threshold.
func decide(baseline, candidate gasmodel.GasProfile, maxFnPct, maxDeployPct float64) job.AcceptanceVerdict {
	abiCompatible := gasmodel.ABICompatible(baseline.ABI, candidate.ABI)

	deployPct := gasmodel.RegressionPct(float64(baseline.DeploymentGas), float64(candidate.DeploymentGas))
	avgBefore := baseline.AverageMutableFunctionGas()
	avgAfter := candidate.AverageMutableFunctionGas()
	fnPct := gasmodel.RegressionPct(avgBefore, avgAfter)
	improved := candidate.DeploymentGas < baseline.DeploymentGas || avgAfter < avgBefore

	checks := job.AcceptanceChecks{
		Compiled:                            true,
		ABICompatible:                       abiCompatible,
		DeploymentGasRegressionPct:          deployPct,
		AverageMutableFunctionRegressionPct: fnPct,
		Improved:                            improved,
	}

	if !abiCompatible {
		return job.AcceptanceVerdict{Accepted: false, Reason: "ABI compatibility check failed.", Checks: checks}
	}
	if fnPct > maxFnPct {
		return job.AcceptanceVerdict{Accepted: false, Reason: "Average mutable-function gas regression exceeds threshold.", Checks: checks}
	}
	if deployPct > maxDeployPct {
		return job.AcceptanceVerdict{Accepted: false, Reason: "Deployment gas regression exceeds threshold.", Checks: checks}
	}
	if improved {
		return job.AcceptanceVerdict{Accepted: true, Reason: "Candidate accepted.", Checks: checks}
	}
	return job.AcceptanceVerdict{Accepted: true, Reason: "Candidate accepted (neutral gas result).", Checks: checks}
}
