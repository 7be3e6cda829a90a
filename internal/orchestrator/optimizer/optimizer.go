// Package optimizer implements the AI optimization loop: draft,
// schema-repair, generate, and verify, across a fallback plan of
// providers and models, up to a bounded number of cycles.
package optimizer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/gweizero/optimizer/internal/config"
	"github.com/gweizero/optimizer/internal/gasmodel"
	"github.com/gweizero/optimizer/internal/metrics"
	"github.com/gweizero/optimizer/internal/orchestrator/job"
)

// Optimizer drives the four-stage AI loop.
type Optimizer struct {
	plan      FallbackPlan
	maxCycles int
	metrics   *metrics.OrchestratorMetrics
}

// SetMetrics wires the optional Prometheus recorder.
func (o *Optimizer) SetMetrics(m *metrics.OrchestratorMetrics) {
	o.metrics = m
}

// New builds an Optimizer from configuration, constructing one
// Provider per configured entry.
func New(cfg *config.Orchestrator) (*Optimizer, error) {
	slots := make([]ProviderSlot, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		var p Provider
		switch pc.Name {
		case "anthropic":
			p = NewAnthropicProvider(pc.APIKey)
		case "openai":
			p = NewOpenAIProvider(pc.APIKey)
		case "ollama":
			p = NewOllamaProvider("")
		default:
			return nil, fmt.Errorf("optimizer: unknown provider %q", pc.Name)
		}
		slots = append(slots, ProviderSlot{Provider: p, Models: pc.Models})
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("optimizer: no providers configured")
	}
	return &Optimizer{
		plan: FallbackPlan{
			Slots:     slots,
			Retries:   cfg.ProviderRetries,
			BaseDelay: cfg.RetryBaseDelay,
		},
		maxCycles: cfg.MaxOptimizerCycles,
	}, nil
}

// cycleResult is the private outcome of one optimizer cycle.
type cycleResult struct {
	draft             draftPayload
	optimizedSource   string
	provider          string
	model             string
	schemaRepairCount int
	verifierSummary   string
}

// Optimize implements pipeline.Optimizer.
func (o *Optimizer) Optimize(ctx context.Context, source string, baseline gasmodel.GasProfile, progress func(string)) (job.AIResult, error) {
	var warnings []string
	var lastFailure string
	totalRetries := 0
	totalRepairs := 0
	var lastProvider, lastModel string

	for cycle := 0; cycle < o.maxCycles; cycle++ {
		if o.metrics != nil {
			o.metrics.AICycles.Inc()
		}
		result, retries, repairs, failReason, err := o.runCycle(ctx, source, baseline, lastFailure, progress)
		totalRetries += retries
		totalRepairs += repairs
		if o.metrics != nil {
			o.metrics.AIRetries.Add(float64(retries))
			o.metrics.AISchemaRepairs.Add(float64(repairs))
		}
		if err != nil {
			return job.AIResult{}, err
		}
		if failReason == "" {
			return job.AIResult{
				Optimizations:        result.draft.Optimizations,
				Edits:                 toJobEdits(result.draft.Edits),
				OptimizedSource:       result.optimizedSource,
				TotalEstimatedSaving:  result.draft.TotalEstimatedSaving,
				Meta: job.AIMeta{
					Provider:             result.provider,
					Model:                result.model,
					Retries:              totalRetries,
					SchemaRepairAttempts: totalRepairs,
					VerifierVerdict:      result.verifierSummary,
					Warnings:             warnings,
				},
			}, nil
		}
		warnings = append(warnings, fmt.Sprintf("cycle %d: %s", cycle+1, failReason))
		lastFailure = failReason
		lastProvider, lastModel = result.provider, result.model
	}

	return job.AIResult{
		Optimizations:        nil,
		Edits:                 nil,
		OptimizedSource:       source,
		TotalEstimatedSaving:  fmt.Sprintf("Unavailable (AI failed: %s)", lastFailure),
		Meta: job.AIMeta{
			Provider:             lastProvider,
			Model:                lastModel,
			Retries:              totalRetries,
			SchemaRepairAttempts: totalRepairs,
			Warnings:             warnings,
		},
	}, nil
}

// runCycle performs one draft/repair/generate/verify sub-pipeline.
// failReason is "" on success; otherwise the cycle failed softly and
// should feed back into the next cycle. err is only set for a fatal,
// non-retriable-at-the-cycle-level condition (provider exhaustion).
func (o *Optimizer) runCycle(ctx context.Context, source string, baseline gasmodel.GasProfile, feedback string, progress func(string)) (cycleResult, int, int, string, error) {
	retries := 0
	repairs := 0

	progress("Calling AI model...")
	draftPrompt := buildDraftPrompt(source, baseline, feedback)
	rawDraft, _, _, n, err := o.plan.Run(ctx, draftSystemPrompt, draftPrompt, nil)
	retries += n
	if err != nil {
		return cycleResult{}, retries, repairs, "", err
	}

	progress("Validating JSON...")
	draft, schemaErrs := parseDraft(rawDraft)
	if len(schemaErrs) > 0 {
		progress("Calling AI to repair...")
		repairPrompt := buildRepairPrompt(draftPrompt, rawDraft, schemaErrs)
		rawRepaired, _, _, n2, err := o.plan.Run(ctx, draftSystemPrompt, repairPrompt, nil)
		retries += n2
		repairs++
		if err != nil {
			return cycleResult{}, retries, repairs, "", err
		}
		draft, schemaErrs = parseDraft(rawRepaired)
		if len(schemaErrs) > 0 {
			return cycleResult{}, retries, repairs, fmt.Sprintf("schema validation failed: %s", strings.Join(schemaErrs, "; ")), nil
		}
	}

	genPrompt := buildGeneratePrompt(source, draft)
	rawGenerated, genProvider, genModel, n3, err := o.plan.Run(ctx, generateSystemPrompt, genPrompt, nil)
	retries += n3
	if err != nil {
		return cycleResult{}, retries, repairs, "", err
	}
	optimizedSource := postProcessSource(rawGenerated)
	if reason := sanityCheck(optimizedSource); reason != "" {
		return cycleResult{}, retries, repairs, reason, nil
	}

	if reason := staticAntiPatternCheck(optimizedSource); reason != "" {
		return cycleResult{}, retries, repairs, reason, nil
	}

	progress("Verifying optimization...")
	verifyPrompt := buildVerifyPrompt(source, optimizedSource, draft, baseline)
	rawVerify, _, _, n4, err := o.plan.Run(ctx, verifySystemPrompt, verifyPrompt, nil)
	retries += n4
	if err != nil {
		return cycleResult{}, retries, repairs, "", err
	}
	verdict, err := parseVerify(rawVerify)
	if err != nil {
		return cycleResult{}, retries, repairs, fmt.Sprintf("verifier response invalid: %s", err), nil
	}
	if !verdict.Approved {
		return cycleResult{}, retries, repairs, fmt.Sprintf("verifier rejected: %s", verdict.Summary), nil
	}

	return cycleResult{
		draft:             draft,
		optimizedSource:   optimizedSource,
		provider:          genProvider,
		model:             genModel,
		schemaRepairCount: repairs,
		verifierSummary:   verdict.Summary,
	}, retries, repairs, "", nil
}

func toJobEdits(edits []editJSON) []job.AIEdit {
	out := make([]job.AIEdit, len(edits))
	for i, e := range edits {
		out[i] = job.AIEdit{
			Action:    e.Action,
			LineStart: e.LineStart,
			LineEnd:   e.LineEnd,
			Before:    e.Before,
			After:     e.After,
			Rationale: e.Rationale,
		}
	}
	return out
}

// sanityCheck rejects obviously broken generator output: empty, no
// contract declaration, or implausibly short.
func sanityCheck(source string) string {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return "generated source is empty"
	}
	if !strings.Contains(trimmed, "contract ") {
		return "generated source does not contain a contract declaration"
	}
	if len(trimmed) < 40 {
		return "generated source is too short"
	}
	return ""
}

var (
	uncheckedIncrementRe = regexp.MustCompile(`for\s*\(\s*uint[0-9]*\s+(\w+)\s*=\s*([^;]+);\s*([^;]+);\s*unchecked\s*\{\s*\+\+\w+;\s*\}\s*\)`)
	requireCustomErrRe   = regexp.MustCompile(`require\s*\(\s*([^,]+?)\s*,\s*(\w+)\(\)\s*\)\s*;`)
	codeFenceRe          = regexp.MustCompile("(?s)```[a-zA-Z]*\\n?(.*?)```")
)

// postProcessSource strips code fences and rewrites two known invalid
// patterns the generator tends to emit: unchecked increments inside a
// for-header, and require with a custom error call.
func postProcessSource(raw string) string {
	s := strings.TrimSpace(raw)
	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	s = uncheckedIncrementRe.ReplaceAllString(s, "for (uint $1 = $2; $3; ++$1)")
	s = requireCustomErrRe.ReplaceAllString(s, "if (!($1)) revert $2();")
	return s
}

var antiPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"storage keyword on a value type", regexp.MustCompile(`\b(uint\d*|int\d*|bool|address)\s+storage\b`)},
	{"require with custom error call", requireCustomErrRe},
	{"malformed unchecked block", regexp.MustCompile(`unchecked\s*\{[^}]*unchecked\s*\{`)},
}

// staticAntiPatternCheck screens the candidate for constructs that are
// known not to compile, before spending a verifier AI call on it.
func staticAntiPatternCheck(source string) string {
	for _, ap := range antiPatterns {
		if ap.re.MatchString(source) {
			return fmt.Sprintf("static precheck failed: %s", ap.name)
		}
	}
	return ""
}
