package optimizer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gweizero/optimizer/internal/gasmodel"
)

const originalSource = `pragma solidity ^0.8.20;

contract Demo {
    uint256[] private values;

    function seedValues(uint256[] memory input) external {
        for (uint256 i = 0; i < input.length; i++) {
            values.push(input[i]);
        }
    }
}
`

const optimizedSource = `pragma solidity ^0.8.20;

contract Demo {
    uint256[] private values;

    function seedValues(uint256[] calldata input) external {
        uint256 len = input.length;
        for (uint256 i = 0; i < len; ++i) {
            values.push(input[i]);
        }
    }
}
`

const validDraftJSON = `{
  "optimizations": ["use calldata", "cache array length"],
  "edits": [
    {"action": "replace", "lineStart": 6, "lineEnd": 8, "before": "memory", "after": "calldata", "rationale": "avoid copy"}
  ],
  "totalEstimatedSaving": "~4% per call"
}`

const approvedVerifyJSON = `{"approved": true, "summary": "edits are equivalent", "riskFlags": []}`

func testBaseline() gasmodel.GasProfile {
	return gasmodel.GasProfile{
		DeploymentGas: 250000,
		Functions: map[string]gasmodel.FunctionGasEntry{
			"seedValues(uint256[])": {Measured: true, GasUsed: 90000, Mutability: gasmodel.MutabilityNonpayable},
		},
	}
}

func newTestOptimizer(p Provider, maxCycles int) *Optimizer {
	return &Optimizer{
		plan: FallbackPlan{
			Slots:     []ProviderSlot{{Provider: p, Models: []string{"test-model"}}},
			Retries:   0,
			BaseDelay: time.Millisecond,
		},
		maxCycles: maxCycles,
	}
}

func noProgress(string) {}

func TestOptimizeHappyPath(t *testing.T) {
	p := &scriptedProvider{name: "fake", replies: []scriptedReply{
		ok(validDraftJSON),      // draft
		ok(optimizedSource),     // generate
		ok(approvedVerifyJSON),  // verify
	}}
	o := newTestOptimizer(p, 2)

	result, err := o.Optimize(context.Background(), originalSource, testBaseline(), noProgress)
	if err != nil {
		t.Fatalf("Optimize() error: %v", err)
	}
	if result.OptimizedSource != strings.TrimSpace(optimizedSource) {
		t.Errorf("optimized source mismatch:\n%s", result.OptimizedSource)
	}
	if len(result.Optimizations) != 2 {
		t.Errorf("optimizations = %v", result.Optimizations)
	}
	if result.TotalEstimatedSaving != "~4% per call" {
		t.Errorf("totalEstimatedSaving = %q", result.TotalEstimatedSaving)
	}
	if result.Meta.Provider != "fake" || result.Meta.Model != "test-model" {
		t.Errorf("meta = %+v", result.Meta)
	}
	if result.Meta.SchemaRepairAttempts != 0 {
		t.Errorf("schemaRepairAttempts = %d, want 0", result.Meta.SchemaRepairAttempts)
	}
	if result.Meta.VerifierVerdict != "edits are equivalent" {
		t.Errorf("verifierVerdict = %q", result.Meta.VerifierVerdict)
	}
}

func TestOptimizeSchemaRepair(t *testing.T) {
	p := &scriptedProvider{name: "fake", replies: []scriptedReply{
		ok(`{"optimizations": "oops"}`), // draft: wrong type
		ok(validDraftJSON),              // repair round
		ok(optimizedSource),             // generate
		ok(approvedVerifyJSON),          // verify
	}}
	o := newTestOptimizer(p, 2)

	result, err := o.Optimize(context.Background(), originalSource, testBaseline(), noProgress)
	if err != nil {
		t.Fatalf("Optimize() error: %v", err)
	}
	if result.Meta.SchemaRepairAttempts != 1 {
		t.Errorf("schemaRepairAttempts = %d, want 1", result.Meta.SchemaRepairAttempts)
	}
	if result.OptimizedSource != strings.TrimSpace(optimizedSource) {
		t.Error("repaired draft should continue through generate/verify")
	}
}

func TestOptimizeRepairFailsTwiceFeedsNextCycle(t *testing.T) {
	p := &scriptedProvider{name: "fake", replies: []scriptedReply{
		ok(`not json at all`),  // cycle 1 draft
		ok(`still not json`),   // cycle 1 repair fails too
		ok(validDraftJSON),     // cycle 2 draft
		ok(optimizedSource),    // cycle 2 generate
		ok(approvedVerifyJSON), // cycle 2 verify
	}}
	o := newTestOptimizer(p, 2)

	result, err := o.Optimize(context.Background(), originalSource, testBaseline(), noProgress)
	if err != nil {
		t.Fatalf("Optimize() error: %v", err)
	}
	if len(result.Meta.Warnings) != 1 || !strings.Contains(result.Meta.Warnings[0], "schema validation failed") {
		t.Errorf("warnings = %v", result.Meta.Warnings)
	}
	if result.Meta.SchemaRepairAttempts != 1 {
		t.Errorf("schemaRepairAttempts = %d, want 1", result.Meta.SchemaRepairAttempts)
	}
}

func TestOptimizeVerifierRejectionExhaustsCycles(t *testing.T) {
	rejected := `{"approved": false, "summary": "changes behavior", "riskFlags": ["semantics"]}`
	p := &scriptedProvider{name: "fake", replies: []scriptedReply{
		ok(validDraftJSON), ok(optimizedSource), ok(rejected), // cycle 1
		ok(validDraftJSON), ok(optimizedSource), ok(rejected), // cycle 2
	}}
	o := newTestOptimizer(p, 2)

	result, err := o.Optimize(context.Background(), originalSource, testBaseline(), noProgress)
	if err != nil {
		t.Fatalf("Optimize() error: %v", err)
	}
	if result.OptimizedSource != originalSource {
		t.Error("fallback result should return the original source")
	}
	if !strings.Contains(result.TotalEstimatedSaving, "Unavailable (AI failed:") {
		t.Errorf("totalEstimatedSaving = %q", result.TotalEstimatedSaving)
	}
	if len(result.Meta.Warnings) != 2 {
		t.Errorf("warnings = %v, want one per failed cycle", result.Meta.Warnings)
	}
}

func TestOptimizeProviderExhaustionIsFatal(t *testing.T) {
	p := &scriptedProvider{name: "fake", replies: []scriptedReply{
		fail("invalid api key"),
	}}
	o := newTestOptimizer(p, 2)

	_, err := o.Optimize(context.Background(), originalSource, testBaseline(), noProgress)
	if err == nil {
		t.Fatal("expected provider exhaustion to surface as error")
	}
	if !strings.Contains(err.Error(), "All providers/models failed") {
		t.Errorf("error = %q", err)
	}
}

func TestOptimizeFeedbackReachesNextDraft(t *testing.T) {
	rejected := `{"approved": false, "summary": "unsafe", "riskFlags": []}`
	p := &scriptedProvider{name: "fake", replies: []scriptedReply{
		ok(validDraftJSON), ok(optimizedSource), ok(rejected),
		ok(validDraftJSON), ok(optimizedSource), ok(approvedVerifyJSON),
	}}
	o := newTestOptimizer(p, 2)

	// Capture prompts via a wrapper provider.
	var prompts []string
	wrapper := &promptRecorder{inner: p, prompts: &prompts}
	o.plan.Slots[0].Provider = wrapper

	if _, err := o.Optimize(context.Background(), originalSource, testBaseline(), noProgress); err != nil {
		t.Fatalf("Optimize() error: %v", err)
	}

	// The 4th call is cycle 2's draft; it must carry the cycle 1
	// failure as feedback.
	if len(prompts) < 4 {
		t.Fatalf("got %d prompts", len(prompts))
	}
	if !strings.Contains(prompts[3], "verifier rejected: unsafe") {
		t.Errorf("cycle 2 draft prompt missing feedback:\n%s", prompts[3])
	}
}

type promptRecorder struct {
	inner   Provider
	prompts *[]string
}

func (p *promptRecorder) Name() string { return p.inner.Name() }

func (p *promptRecorder) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	*p.prompts = append(*p.prompts, userPrompt)
	return p.inner.Complete(ctx, model, systemPrompt, userPrompt)
}

func TestPostProcessSource(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"strips code fences",
			"```solidity\ncontract A {}\n```",
			"contract A {}",
		},
		{
			"rewrites unchecked loop increment",
			"for (uint256 i = 0; i < len; unchecked { ++i; })",
			"for (uint i = 0; i < len; ++i)",
		},
		{
			"rewrites require with custom error",
			"require(balance >= amount, InsufficientBalance());",
			"if (!(balance >= amount)) revert InsufficientBalance();",
		},
		{
			"leaves valid source alone",
			"contract A { function f() external {} }",
			"contract A { function f() external {} }",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := postProcessSource(tt.in); got != tt.want {
				t.Errorf("postProcessSource() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanityCheck(t *testing.T) {
	tests := []struct {
		name   string
		source string
		wantOK bool
	}{
		{"valid", "contract A { uint256 public x; function f() external {} }", true},
		{"empty", "", false},
		{"no contract token", "library Math { }", false},
		{"too short", "contract A{}", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := sanityCheck(tt.source)
			if (reason == "") != tt.wantOK {
				t.Errorf("sanityCheck(%q) = %q", tt.source, reason)
			}
		})
	}
}

func TestStaticAntiPatternCheck(t *testing.T) {
	tests := []struct {
		name   string
		source string
		wantOK bool
	}{
		{"clean source", "contract A { mapping(uint => uint) storage2; }", true},
		{"storage on value type", "function f(uint256 storage x) internal {}", false},
		{"require with custom error", "require(x > 0, BadInput());", false},
		{"nested unchecked", "unchecked { x++; unchecked { y++; } }", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := staticAntiPatternCheck(tt.source)
			if (reason == "") != tt.wantOK {
				t.Errorf("staticAntiPatternCheck() = %q", reason)
			}
		})
	}
}
