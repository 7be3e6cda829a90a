package optimizer

import (
	"context"
	"fmt"
)

// Corrector implements acceptance.Corrector using the same provider
// fallback plan as the main optimizer loop. It is invoked when a
// candidate fails compile/deploy/measure, feeding the error kind and a
// canned hint back to the AI.
type Corrector struct {
	plan FallbackPlan
}

// NewCorrector builds a Corrector sharing the Optimizer's fallback plan.
func (o *Optimizer) NewCorrector() *Corrector {
	return &Corrector{plan: o.plan}
}

const correctorSystemPrompt = "You are a Solidity code repair assistant. Fix the reported compile/deploy/measure failure while preserving the contract's ABI and behavior. Output source code only, no markdown fences, no explanation."

// Correct implements acceptance.Corrector.
func (c *Corrector) Correct(ctx context.Context, source, errorKind, hint string) (string, error) {
	prompt := fmt.Sprintf(
		"The following Solidity source failed during %s.\nHint: %s\n\nSource:\n%s\n\nReturn the corrected full source, preserving its ABI.",
		errorKind, hint, source,
	)
	raw, _, _, _, err := c.plan.Run(ctx, correctorSystemPrompt, prompt, nil)
	if err != nil {
		return "", fmt.Errorf("corrector: %w", err)
	}
	corrected := postProcessSource(raw)
	if reason := sanityCheck(corrected); reason != "" {
		return "", fmt.Errorf("corrector: %s", reason)
	}
	return corrected, nil
}
