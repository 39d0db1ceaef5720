// Package summarize synthesizes short summaries of submission results.
//
// The lifecycle engine calls the Synthesizer when a worker submits
// without a summary. Synthesis is strictly best-effort: the engine
// bounds the call with a timeout and falls back to a local heuristic on
// any failure, so a provider outage can never block a submission.
package summarize

import (
	"context"
	"fmt"
	"strings"
)

// maxSummaryLen caps the synthesized summary length.
const maxSummaryLen = 200

// Provider is one model backend able to produce a completion.
type Provider interface {
	// Complete returns the model's response to a prompt.
	Complete(ctx context.Context, prompt string) (string, error)

	// Name identifies the provider for logging.
	Name() string
}

// Synthesizer turns submission results into one-line summaries through
// a Provider.
type Synthesizer struct {
	provider Provider
}

// NewSynthesizer creates a synthesizer over the given provider.
func NewSynthesizer(provider Provider) *Synthesizer {
	return &Synthesizer{provider: provider}
}

// ProviderName identifies the backing provider for tracing and logs.
func (s *Synthesizer) ProviderName() string {
	if s.provider == nil {
		return ""
	}
	return s.provider.Name()
}

// Summarize produces a one-line summary of a submission result.
func (s *Synthesizer) Summarize(ctx context.Context, text string) (string, error) {
	if s.provider == nil {
		return "", fmt.Errorf("no provider configured")
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("nothing to summarize")
	}

	out, err := s.provider.Complete(ctx, buildPrompt(text))
	if err != nil {
		return "", fmt.Errorf("summary synthesis failed: %w", err)
	}
	return clean(out), nil
}

// buildPrompt frames the submission result for the model.
func buildPrompt(text string) string {
	return fmt.Sprintf(`Work result:
---
%s
---

Write a one-line summary of this work result for a reviewer scanning a
task board. Plain statement of what was produced, under 25 words, no
preamble, no quotes.`, text)
}

// clean normalizes model output into a single line.
func clean(out string) string {
	out = strings.TrimSpace(out)
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	out = strings.Trim(out, `"`)
	if len(out) > maxSummaryLen {
		cut := out[:maxSummaryLen]
		if i := strings.LastIndex(cut, " "); i > 0 {
			cut = cut[:i]
		}
		out = cut + "…"
	}
	return out
}
