package optimizer

import (
	"fmt"
	"strings"

	"github.com/gweizero/optimizer/internal/gasmodel"
)

const (
	draftSystemPrompt    = "You are a Solidity gas-optimization assistant. Propose optimizations as structured JSON only, no markdown fences, no extra text."
	generateSystemPrompt = "You are a Solidity code generation assistant. Apply the given edits to the source and return a full compilable contract that preserves its ABI. Output source code only."
	verifySystemPrompt   = "You are a Solidity optimization verifier. Compare original and optimized sources and judge whether the optimization is safe. Output structured JSON only, no markdown fences, no extra text."
)

func buildDraftPrompt(source string, baseline gasmodel.GasProfile, feedback string) string {
	var b strings.Builder
	b.WriteString("Propose up to 3 gas optimizations for the following Solidity contract.\n\n")
	fmt.Fprintf(&b, "Baseline deployment gas: %d\n", baseline.DeploymentGas)
	b.WriteString("Source:\n")
	b.WriteString(source)
	b.WriteString("\n\n")
	if feedback != "" {
		fmt.Fprintf(&b, "The previous attempt failed for this reason, address it: %s\n\n", feedback)
	}
	b.WriteString(`Respond in the following JSON format ONLY (no markdown fences, no extra text):
{
  "optimizations": ["short optimization name", "..."],
  "edits": [
    {"action": "replace|insert|delete", "lineStart": 1, "lineEnd": 1, "before": "...", "after": "...", "rationale": "max 80 chars"}
  ],
  "totalEstimatedSaving": "e.g. ~3% deployment gas"
}`)
	return b.String()
}

func buildRepairPrompt(priorPrompt, badOutput string, schemaErrors []string) string {
	var b strings.Builder
	b.WriteString("Your previous JSON response failed schema validation.\n\n")
	b.WriteString("Original request:\n")
	b.WriteString(priorPrompt)
	b.WriteString("\n\nYour invalid response:\n")
	b.WriteString(badOutput)
	b.WriteString("\n\nSchema errors:\n")
	for _, e := range schemaErrors {
		b.WriteString("- ")
		b.WriteString(e)
		b.WriteString("\n")
	}
	b.WriteString("\nRespond again with ONLY valid JSON matching the original schema.")
	return b.String()
}

func buildGeneratePrompt(source string, draft draftPayload) string {
	var b strings.Builder
	b.WriteString("Apply these edits, return a full compilable source, preserve ABI.\n\n")
	b.WriteString("Original source:\n")
	b.WriteString(source)
	b.WriteString("\n\nEdits:\n")
	for i, e := range draft.Edits {
		fmt.Fprintf(&b, "%d. [%s] lines %d-%d: %s\n   before: %s\n   after: %s\n", i+1, e.Action, e.LineStart, e.LineEnd, e.Rationale, e.Before, e.After)
	}
	b.WriteString("\nReturn only the full optimized Solidity source, no explanation, no markdown fences.")
	return b.String()
}

func buildVerifyPrompt(original, optimized string, draft draftPayload, baseline gasmodel.GasProfile) string {
	var b strings.Builder
	b.WriteString("Verify the following optimization is safe and preserves behavior and ABI.\n\n")
	b.WriteString("Original:\n")
	b.WriteString(original)
	b.WriteString("\n\nOptimized:\n")
	b.WriteString(optimized)
	b.WriteString("\n\nClaimed edits:\n")
	for _, e := range draft.Edits {
		fmt.Fprintf(&b, "- [%s] %s\n", e.Action, e.Rationale)
	}
	fmt.Fprintf(&b, "\nBaseline deployment gas: %d\n", baseline.DeploymentGas)
	b.WriteString(`
Respond in the following JSON format ONLY (no markdown fences, no extra text):
{"approved": true|false, "summary": "short explanation", "riskFlags": ["..."]}`)
	return b.String()
}
