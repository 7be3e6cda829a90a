// Package gasmodel holds the wire-level types shared by the orchestrator
// and the worker: ABI descriptions, gas profiles, and mutability.
package gasmodel

import (
	"fmt"
	"strings"
)

// Mutability is a Solidity function's state mutability.
type Mutability string

const (
	MutabilityView       Mutability = "view"
	MutabilityPure       Mutability = "pure"
	MutabilityNonpayable Mutability = "nonpayable"
	MutabilityPayable    Mutability = "payable"
)

// ABIInput is a single ABI function input/output parameter.
type ABIInput struct {
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	InternalType string     `json:"internalType,omitempty"`
	Components   []ABIInput `json:"components,omitempty"`
}

// ABIFunction is one function fragment of a compiled contract's ABI.
type ABIFunction struct {
	Type            string     `json:"type"` // function|constructor|fallback|receive
	Name            string     `json:"name,omitempty"`
	Inputs          []ABIInput `json:"inputs,omitempty"`
	Outputs         []ABIInput `json:"outputs,omitempty"`
	StateMutability Mutability `json:"stateMutability,omitempty"`
}

// CanonicalSignature returns "name(type1,type2,...)" using
// ABI-canonical type names.
func (f ABIFunction) CanonicalSignature() string {
	types := make([]string, len(f.Inputs))
	for i, in := range f.Inputs {
		types[i] = in.Type
	}
	return fmt.Sprintf("%s(%s)", f.Name, strings.Join(types, ","))
}

// FunctionGasEntry is a tagged union: a function was either measured
// (gasUsed known) or left unmeasured (with a reason).
type FunctionGasEntry struct {
	Measured    bool       `json:"measured"`
	GasUsed     uint64     `json:"gasUsed,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Mutability  Mutability `json:"mutability"`
}

// GasProfile is the deployment gas plus per-function measured/unmeasured
// gas for one compiled contract.
type GasProfile struct {
	DeploymentGas uint64                       `json:"deploymentGas"`
	Functions     map[string]FunctionGasEntry  `json:"functions"`
	ABI           []ABIFunction                `json:"abi"`
	Bytecode      string                       `json:"bytecode"`
	ContractName  string                       `json:"contractName"`
}

// AverageMutableFunctionGas averages gasUsed over measured entries
// whose mutability is nonpayable or payable. Returns 0 when there are
// no such entries.
func (p GasProfile) AverageMutableFunctionGas() float64 {
	var sum float64
	var count int
	for _, entry := range p.Functions {
		if !entry.Measured {
			continue
		}
		if entry.Mutability != MutabilityNonpayable && entry.Mutability != MutabilityPayable {
			continue
		}
		sum += float64(entry.GasUsed)
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// RegressionPct computes the percent change from before to after:
// (after-before)/before*100, clamped to 0 when before<=0.
func RegressionPct(before, after float64) float64 {
	if before <= 0 {
		return 0
	}
	return (after - before) / before * 100
}

// abiEntryKey is the ABI-compatibility normalization form: name +
// input arity + mutability. It tolerates a parameter's data location
// changing (memory vs calldata) because ABI JSON does not encode data
// location at all, only the base type.
type abiEntryKey struct {
	name       string
	arity      int
	mutability Mutability
}

// ABICompatible reports whether candidate is ABI-compatible with
// baseline: the multiset of (name, input arity, mutability) must match
// exactly.
func ABICompatible(baseline, candidate []ABIFunction) bool {
	count := func(fns []ABIFunction) map[abiEntryKey]int {
		m := make(map[abiEntryKey]int, len(fns))
		for _, f := range fns {
			if f.Type != "function" {
				continue
			}
			k := abiEntryKey{name: f.Name, arity: len(f.Inputs), mutability: f.StateMutability}
			m[k]++
		}
		return m
	}

	base := count(baseline)
	cand := count(candidate)
	if len(base) != len(cand) {
		return false
	}
	for k, n := range base {
		if cand[k] != n {
			return false
		}
	}
	return true
}
