package optimizer

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"
)

// Provider is a single AI endpoint capable of free-text completion
// against a named model. Anthropic/OpenAI/Ollama adapters implement
// this; a provider is an opaque text-in/text-out endpoint.
type Provider interface {
	// Name identifies the provider for progress messages and metadata.
	Name() string
	// Complete sends systemPrompt/userPrompt to the given model and
	// returns its raw text response.
	Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error)
}

// ProviderSlot pairs a Provider with its ordered model list.
type ProviderSlot struct {
	Provider Provider
	Models   []string
}

// FallbackPlan runs the ordered provider x model x retry plan: every
// model of every provider in order, with bounded retries per model.
type FallbackPlan struct {
	Slots     []ProviderSlot
	Retries   int
	BaseDelay time.Duration
}

// attempt records one (provider, model, retry) try for the final error
// message when every option is exhausted.
type attempt struct {
	provider string
	model    string
	retry    int
	err      error
}

// Run executes the fallback plan, invoking onAttempt before every try
// (so the caller can surface "Calling AI model..." progress) and
// returning the first successful completion.
func (p FallbackPlan) Run(ctx context.Context, systemPrompt, userPrompt string, onAttempt func(providerName, model string)) (text, providerName, model string, retries int, err error) {
	var attempts []attempt

	for _, slot := range p.Slots {
		for _, m := range slot.Models {
			for retry := 0; retry <= p.Retries; retry++ {
				if onAttempt != nil {
					onAttempt(slot.Provider.Name(), m)
				}
				result, callErr := slot.Provider.Complete(ctx, m, systemPrompt, userPrompt)
				if callErr == nil {
					return result, slot.Provider.Name(), m, retries, nil
				}

				attempts = append(attempts, attempt{provider: slot.Provider.Name(), model: m, retry: retry, err: callErr})

				if !isRetriable(callErr) {
					break
				}
				retries++
				if retry < p.Retries {
					delay := backoff(p.BaseDelay, retry)
					select {
					case <-ctx.Done():
						return "", "", "", retries, ctx.Err()
					case <-time.After(delay):
					}
				}
			}
		}
	}

	return "", "", "", retries, fmt.Errorf("All providers/models failed: %s", summarizeAttempts(attempts))
}

func summarizeAttempts(attempts []attempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, fmt.Sprintf("%s/%s#%d: %s", a.provider, a.model, a.retry, a.err))
	}
	return strings.Join(parts, "; ")
}

// retriableMarkers are the substrings that mark an error as transient,
// matched case-insensitively. Server-side 5xx statuses are matched
// numerically below rather than enumerated here.
var retriableMarkers = []string{
	"429", "timeout", "temporar", "rate", "fetch failed", "econnreset",
}

// serverStatusRe matches any standalone 5xx status code in an error
// message.
var serverStatusRe = regexp.MustCompile(`\b5\d\d\b`)

func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range retriableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return serverStatusRe.MatchString(msg)
}

// backoff computes base * 2^retry + jitter(0..150ms).
func backoff(base time.Duration, retry int) time.Duration {
	exp := base * time.Duration(1<<uint(retry))
	jitter := time.Duration(rand.Intn(150)) * time.Millisecond
	return exp + jitter
}
