// Package solidity treats Solidity AST parsing as an external library
// collaborator: it returns a contract name and function list, nothing
// more. This package defines the interface the pipeline depends on and
// a minimal reference implementation good enough to drive the
// static_analysis phase without a real solc toolchain.
package solidity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gweizero/optimizer/internal/gasmodel"
)

// Function is one function declared by a contract, as surfaced by the
// static analysis phase.
type Function struct {
	Name       string              `json:"name"`
	Visibility string              `json:"visibility"`
	Mutability gasmodel.Mutability `json:"mutability"`
}

// StaticProfile is the result of parsing a single contract's source.
type StaticProfile struct {
	ContractName string     `json:"contractName"`
	Functions    []Function `json:"functions"`
}

// Parser returns a contract name and function list for Solidity source.
// Implementations may wrap a real AST parser or compiler frontend; this
// package's own implementation is a lightweight regex-based stand-in.
type Parser interface {
	Parse(source string) (StaticProfile, error)
}

// ErrParse is returned when source cannot be parsed at all.
type ErrParse struct {
	Detail string
}

func (e *ErrParse) Error() string {
	return fmt.Sprintf("solidity: parse failed: %s", e.Detail)
}

var (
	contractRe = regexp.MustCompile(`\bcontract\s+([A-Za-z_][A-Za-z0-9_]*)`)
	functionRe = regexp.MustCompile(`\bfunction\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(([^)]*)\)\s*([^{;]*)`)
)

// RegexParser is a minimal reference Parser: it locates the first
// `contract Name` declaration and every `function name(...) ...`
// signature, deriving visibility and mutability from the declaration's
// trailing keywords. It does not validate full Solidity grammar; it is
// deliberately just thorough enough to exercise the pipeline.
type RegexParser struct{}

// NewRegexParser constructs the reference Parser.
func NewRegexParser() *RegexParser {
	return &RegexParser{}
}

func (p *RegexParser) Parse(source string) (StaticProfile, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return StaticProfile{}, &ErrParse{Detail: "empty source"}
	}

	m := contractRe.FindStringSubmatch(trimmed)
	if m == nil {
		return StaticProfile{}, &ErrParse{Detail: "no contract declaration found"}
	}
	name := m[1]

	var fns []Function
	for _, fm := range functionRe.FindAllStringSubmatch(trimmed, -1) {
		tail := fm[3]
		fns = append(fns, Function{
			Name:       fm[1],
			Visibility: visibilityFrom(tail),
			Mutability: mutabilityFrom(tail),
		})
	}

	return StaticProfile{ContractName: name, Functions: fns}, nil
}

func visibilityFrom(tail string) string {
	switch {
	case strings.Contains(tail, "external"):
		return "external"
	case strings.Contains(tail, "internal"):
		return "internal"
	case strings.Contains(tail, "private"):
		return "private"
	default:
		return "public"
	}
}

func mutabilityFrom(tail string) gasmodel.Mutability {
	switch {
	case strings.Contains(tail, "view"):
		return gasmodel.MutabilityView
	case strings.Contains(tail, "pure"):
		return gasmodel.MutabilityPure
	case strings.Contains(tail, "payable"):
		return gasmodel.MutabilityPayable
	default:
		return gasmodel.MutabilityNonpayable
	}
}
