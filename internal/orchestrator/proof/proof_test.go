package proof

import (
	"context"
	"errors"
	"testing"

	"github.com/gweizero/optimizer/internal/gasmodel"
	"github.com/gweizero/optimizer/internal/orchestrator/job"
)

func profileWithAvg(avg uint64) gasmodel.GasProfile {
	return gasmodel.GasProfile{
		DeploymentGas: 300000,
		Functions: map[string]gasmodel.FunctionGasEntry{
			"f()": {Measured: true, GasUsed: avg, Mutability: gasmodel.MutabilityNonpayable},
		},
		ContractName: "Demo",
	}
}

func acceptedResult(baselineAvg, optimizedAvg uint64) *job.AnalysisResult {
	optimized := profileWithAvg(optimizedAvg)
	return &job.AnalysisResult{
		OriginalContract: "contract Demo { original }",
		BaselineProfile:  profileWithAvg(baselineAvg),
		AIOutput:         job.AIResult{OptimizedSource: "contract Demo { optimized }"},
		OptimizedProfile: &optimized,
		Acceptance:       job.AcceptanceVerdict{Accepted: true},
	}
}

func TestBuildPayloadSavings(t *testing.T) {
	b := New(nil)

	payload, err := b.BuildPayload(acceptedResult(100000, 80000), "", "")
	if err != nil {
		t.Fatalf("BuildPayload() error: %v", err)
	}
	if payload.SavingsPercentBps != 2000 {
		t.Errorf("savingsPercentBps = %d, want 2000", payload.SavingsPercentBps)
	}
	if payload.OriginalGas != 100000 || payload.OptimizedGas != 80000 {
		t.Errorf("gas = %d/%d", payload.OriginalGas, payload.OptimizedGas)
	}
	if payload.ContractAddress != zeroAddress {
		t.Errorf("contractAddress = %q, want zero address", payload.ContractAddress)
	}
	if payload.ContractName != "Demo" {
		t.Errorf("contractName = %q", payload.ContractName)
	}
}

func TestBuildPayloadHashes(t *testing.T) {
	b := New(nil)
	result := acceptedResult(100000, 80000)

	payload, err := b.BuildPayload(result, "", "")
	if err != nil {
		t.Fatalf("BuildPayload() error: %v", err)
	}

	wantOriginal := keccak256Hex([]byte(result.OriginalContract))
	if payload.OriginalHash != wantOriginal {
		t.Errorf("originalHash = %s, want %s", payload.OriginalHash, wantOriginal)
	}
	wantOptimized := keccak256Hex([]byte(result.AIOutput.OptimizedSource))
	if payload.OptimizedHash != wantOptimized {
		t.Errorf("optimizedHash = %s, want %s", payload.OptimizedHash, wantOptimized)
	}
	if payload.OriginalHash == payload.OptimizedHash {
		t.Error("hashes should differ for differing sources")
	}
}

func TestKeccak256HexKnownVector(t *testing.T) {
	// keccak256("") is a well-known constant.
	if got := keccak256Hex(nil); got != "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470" {
		t.Errorf("keccak256Hex(nil) = %s", got)
	}
}

func TestBuildPayloadSavingsClamped(t *testing.T) {
	tests := []struct {
		name         string
		baselineAvg  uint64
		optimizedAvg uint64
		want         int
	}{
		{"near-total saving rounds up to 10000", 100000, 1, 10000},
		{"regression clamps at 0", 80000, 100000, 0},
		{"rounding", 100000, 66667, 3333},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(nil)
			payload, err := b.BuildPayload(acceptedResult(tt.baselineAvg, tt.optimizedAvg), "", "")
			if err != nil {
				t.Fatalf("BuildPayload() error: %v", err)
			}
			if payload.SavingsPercentBps != tt.want {
				t.Errorf("savingsPercentBps = %d, want %d", payload.SavingsPercentBps, tt.want)
			}
		})
	}
}

func TestBuildPayloadFallsBackToDeploymentGas(t *testing.T) {
	b := New(nil)
	result := acceptedResult(100000, 80000)
	result.BaselineProfile.Functions = nil
	result.OptimizedProfile.Functions = nil
	result.BaselineProfile.DeploymentGas = 400000
	result.OptimizedProfile.DeploymentGas = 300000

	payload, err := b.BuildPayload(result, "", "")
	if err != nil {
		t.Fatalf("BuildPayload() error: %v", err)
	}
	if payload.OriginalGas != 400000 || payload.OptimizedGas != 300000 {
		t.Errorf("gas = %d/%d, want deployment fallback", payload.OriginalGas, payload.OptimizedGas)
	}
	if payload.SavingsPercentBps != 2500 {
		t.Errorf("savingsPercentBps = %d, want 2500", payload.SavingsPercentBps)
	}
}

func TestBuildPayloadOverrides(t *testing.T) {
	b := New(nil)
	payload, err := b.BuildPayload(acceptedResult(100000, 80000), "0xabc123", "Renamed")
	if err != nil {
		t.Fatalf("BuildPayload() error: %v", err)
	}
	if payload.ContractAddress != "0xabc123" || payload.ContractName != "Renamed" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestBuildPayloadNotEligible(t *testing.T) {
	b := New(nil)

	tests := []struct {
		name   string
		result *job.AnalysisResult
	}{
		{"nil result", nil},
		{
			"rejected acceptance",
			func() *job.AnalysisResult {
				r := acceptedResult(100000, 80000)
				r.Acceptance.Accepted = false
				return r
			}(),
		},
		{
			"missing optimized profile",
			func() *job.AnalysisResult {
				r := acceptedResult(100000, 80000)
				r.OptimizedProfile = nil
				return r
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.BuildPayload(tt.result, "", ""); !errors.Is(err, ErrNotEligible) {
				t.Errorf("error = %v, want ErrNotEligible", err)
			}
		})
	}
}

// fakeRegistry records the submitted payload.
type fakeRegistry struct {
	submitted *Payload
	result    MintResult
	err       error
}

func (f *fakeRegistry) Submit(ctx context.Context, payload Payload) (MintResult, error) {
	f.submitted = &payload
	return f.result, f.err
}

func TestSubmit(t *testing.T) {
	reg := &fakeRegistry{result: MintResult{TxHash: "0xdead", TokenID: "7", RegistryAddress: "0xreg", ChainID: 1}}
	b := New(reg)

	payload, err := b.BuildPayload(acceptedResult(100000, 80000), "", "")
	if err != nil {
		t.Fatalf("BuildPayload() error: %v", err)
	}
	receipt, err := b.Submit(context.Background(), payload)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if receipt.TxHash != "0xdead" || receipt.TokenID != "7" {
		t.Errorf("receipt = %+v", receipt)
	}
	if reg.submitted == nil || reg.submitted.SavingsPercentBps != 2000 {
		t.Errorf("submitted = %+v", reg.submitted)
	}
}
