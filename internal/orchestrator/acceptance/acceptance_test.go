package acceptance

import (
	"context"
	"errors"
	"testing"

	"github.com/gweizero/optimizer/internal/gasmodel"
)

// scriptedWorker returns canned profiles or errors in call order and
// records the sources it was asked to measure.
type scriptedWorker struct {
	replies []workerReply
	sources []string
}

type workerReply struct {
	profile gasmodel.GasProfile
	err     error
}

func (w *scriptedWorker) GetGasProfile(ctx context.Context, source string) (gasmodel.GasProfile, error) {
	w.sources = append(w.sources, source)
	if len(w.replies) == 0 {
		return gasmodel.GasProfile{}, errors.New("script exhausted")
	}
	r := w.replies[0]
	w.replies = w.replies[1:]
	return r.profile, r.err
}

type scriptedCorrector struct {
	corrected string
	err       error
	calls     int
	lastKind  string
}

func (c *scriptedCorrector) Correct(ctx context.Context, source, errorKind, hint string) (string, error) {
	c.calls++
	c.lastKind = errorKind
	return c.corrected, c.err
}

func mutableFn(gas uint64) map[string]gasmodel.FunctionGasEntry {
	return map[string]gasmodel.FunctionGasEntry{
		"f()": {Measured: true, GasUsed: gas, Mutability: gasmodel.MutabilityNonpayable},
	}
}

func abi(names ...string) []gasmodel.ABIFunction {
	fns := make([]gasmodel.ABIFunction, len(names))
	for i, n := range names {
		fns[i] = gasmodel.ABIFunction{Type: "function", Name: n, StateMutability: gasmodel.MutabilityNonpayable}
	}
	return fns
}

func profile(deployGas, fnGas uint64, abiNames ...string) gasmodel.GasProfile {
	return gasmodel.GasProfile{
		DeploymentGas: deployGas,
		Functions:     mutableFn(fnGas),
		ABI:           abi(abiNames...),
	}
}

func TestValidateAccepted(t *testing.T) {
	baseline := profile(200000, 100000, "f")
	worker := &scriptedWorker{replies: []workerReply{
		{profile: profile(180000, 80000, "f")},
	}}

	v := New(worker, nil, 3, 10, 20)
	verdict, optimized, attempts, err := v.Validate(context.Background(), "candidate", baseline, noProgress)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if !verdict.Accepted || verdict.Reason != "Candidate accepted." {
		t.Errorf("verdict = %+v", verdict)
	}
	if !verdict.Checks.Improved || !verdict.Checks.ABICompatible {
		t.Errorf("checks = %+v", verdict.Checks)
	}
	if optimized == nil || optimized.DeploymentGas != 180000 {
		t.Errorf("optimized profile = %+v", optimized)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestValidateAcceptedNeutral(t *testing.T) {
	baseline := profile(200000, 100000, "f")
	worker := &scriptedWorker{replies: []workerReply{
		{profile: profile(200000, 100000, "f")},
	}}

	v := New(worker, nil, 3, 10, 20)
	verdict, _, _, err := v.Validate(context.Background(), "candidate", baseline, noProgress)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if !verdict.Accepted || verdict.Reason != "Candidate accepted (neutral gas result)." {
		t.Errorf("verdict = %+v", verdict)
	}
	if verdict.Checks.Improved {
		t.Error("neutral result should not report improved")
	}
}

func TestValidateABIIncompatibleConsumesAllAttempts(t *testing.T) {
	baseline := profile(200000, 100000, "f")
	// Candidate adds a new external function; every attempt re-measures
	// and re-rejects the same candidate.
	bad := profile(180000, 80000, "f", "backdoor")
	worker := &scriptedWorker{replies: []workerReply{
		{profile: bad}, {profile: bad}, {profile: bad},
	}}

	v := New(worker, nil, 3, 10, 20)
	verdict, optimized, attempts, err := v.Validate(context.Background(), "candidate", baseline, noProgress)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if verdict.Accepted {
		t.Error("expected rejection")
	}
	if verdict.Reason != "ABI compatibility check failed." {
		t.Errorf("reason = %q", verdict.Reason)
	}
	if optimized != nil {
		t.Error("rejected candidate must not return an optimized profile")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestValidateRegressionThresholds(t *testing.T) {
	tests := []struct {
		name       string
		baseline   gasmodel.GasProfile
		candidate  gasmodel.GasProfile
		wantAccept bool
		wantReason string
	}{
		{
			"function regression over threshold",
			profile(200000, 100000, "f"),
			profile(200000, 111000, "f"), // +11% > 10%
			false,
			"Average mutable-function gas regression exceeds threshold.",
		},
		{
			"function regression at threshold passes",
			profile(200000, 100000, "f"),
			profile(200000, 110000, "f"), // exactly +10%
			true,
			"Candidate accepted (neutral gas result).",
		},
		{
			"deployment regression over threshold",
			profile(200000, 100000, "f"),
			profile(245000, 90000, "f"), // +22.5% > 20%
			false,
			"Deployment gas regression exceeds threshold.",
		},
		{
			"deployment regression at threshold passes",
			profile(200000, 100000, "f"),
			profile(240000, 90000, "f"), // exactly +20%
			true,
			"Candidate accepted.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worker := &scriptedWorker{replies: []workerReply{
				{profile: tt.candidate}, {profile: tt.candidate}, {profile: tt.candidate},
			}}
			v := New(worker, nil, 3, 10, 20)
			verdict, _, _, err := v.Validate(context.Background(), "candidate", tt.baseline, noProgress)
			if err != nil {
				t.Fatalf("Validate() error: %v", err)
			}
			if verdict.Accepted != tt.wantAccept {
				t.Errorf("accepted = %v, want %v (checks %+v)", verdict.Accepted, tt.wantAccept, verdict.Checks)
			}
			if verdict.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", verdict.Reason, tt.wantReason)
			}
		})
	}
}

func TestValidateCompileFailureExhaustsAttempts(t *testing.T) {
	baseline := profile(200000, 100000, "f")
	worker := &scriptedWorker{replies: []workerReply{
		{err: errors.New("compile error: unexpected token")},
		{err: errors.New("compile error: unexpected token")},
		{err: errors.New("compile error: unexpected token")},
	}}

	v := New(worker, nil, 3, 10, 20)
	verdict, _, attempts, err := v.Validate(context.Background(), "broken", baseline, noProgress)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if verdict.Accepted {
		t.Error("expected rejection")
	}
	if verdict.Reason != "No candidate passed acceptance after 3 attempts." {
		t.Errorf("reason = %q", verdict.Reason)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d", attempts)
	}
}

func TestValidateCorrectorRescuesCandidate(t *testing.T) {
	baseline := profile(200000, 100000, "f")
	worker := &scriptedWorker{replies: []workerReply{
		{err: errors.New("compile error: bad syntax")},
		{profile: profile(180000, 80000, "f")},
	}}
	corrector := &scriptedCorrector{corrected: "fixed candidate"}

	v := New(worker, corrector, 3, 10, 20)
	verdict, _, attempts, err := v.Validate(context.Background(), "broken candidate", baseline, noProgress)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if !verdict.Accepted {
		t.Errorf("verdict = %+v", verdict)
	}
	if corrector.calls != 1 || corrector.lastKind != "compile" {
		t.Errorf("corrector calls=%d kind=%q", corrector.calls, corrector.lastKind)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	// The corrected code, not the broken one, was re-measured.
	if worker.sources[1] != "fixed candidate" {
		t.Errorf("second measurement used %q", worker.sources[1])
	}
}

func TestValidateCorrectorUsedAtMostOnce(t *testing.T) {
	baseline := profile(200000, 100000, "f")
	worker := &scriptedWorker{replies: []workerReply{
		{err: errors.New("deploy error")},
		{err: errors.New("deploy error")},
		{err: errors.New("deploy error")},
	}}
	corrector := &scriptedCorrector{corrected: "still broken"}

	v := New(worker, corrector, 3, 10, 20)
	if _, _, _, err := v.Validate(context.Background(), "broken", baseline, noProgress); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if corrector.calls != 1 {
		t.Errorf("corrector called %d times, want 1", corrector.calls)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"compile error: bad token", "compile"},
		{"failed to deploy contract", "deploy"},
		{"gas estimation failed for f()", "measure"},
		{"could not measure function", "measure"},
		{"something else entirely", "unknown"},
	}
	for _, tt := range tests {
		if got := classifyError(errors.New(tt.msg)); got != tt.want {
			t.Errorf("classifyError(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func noProgress(string) {}
