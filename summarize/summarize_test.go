package summarize

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeProvider struct {
	response string
	err      error
	prompt   string
}

func (f *fakeProvider) Complete(ctx context.Context, prompt string) (string, error) {
	f.prompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func TestSummarize(t *testing.T) {
	p := &fakeProvider{response: "Configured the deploy pipeline."}
	s := NewSynthesizer(p)

	got, err := s.Summarize(context.Background(), "long result text about a deploy pipeline")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if got != "Configured the deploy pipeline." {
		t.Errorf("summary = %q", got)
	}
	if !strings.Contains(p.prompt, "deploy pipeline") {
		t.Error("prompt should include the source text")
	}
}

func TestSummarizeNilProvider(t *testing.T) {
	s := NewSynthesizer(nil)
	if _, err := s.Summarize(context.Background(), "text"); err == nil {
		t.Error("expected error with nil provider")
	}
}

func TestSummarizeEmptyText(t *testing.T) {
	s := NewSynthesizer(&fakeProvider{response: "x"})
	if _, err := s.Summarize(context.Background(), "   "); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestSummarizeProviderError(t *testing.T) {
	s := NewSynthesizer(&fakeProvider{err: errors.New("upstream down")})
	if _, err := s.Summarize(context.Background(), "text"); err == nil {
		t.Error("expected provider error to surface")
	}
}

func TestCleanFirstLine(t *testing.T) {
	p := &fakeProvider{response: "\"First line summary.\"\nSecond line should be dropped."}
	s := NewSynthesizer(p)

	got, err := s.Summarize(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if got != "First line summary." {
		t.Errorf("clean = %q, want first line without quotes", got)
	}
}

func TestCleanCapsLength(t *testing.T) {
	p := &fakeProvider{response: strings.Repeat("word ", 100)}
	s := NewSynthesizer(p)

	got, err := s.Summarize(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if len([]rune(got)) > maxSummaryLen+1 {
		t.Errorf("summary length %d exceeds cap", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Error("truncated summary should end with ellipsis")
	}
}

func TestProviderConfigValidation(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{Model: "m"}); err == nil {
		t.Error("anthropic: expected error without api key")
	}
	if _, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k"}); err == nil {
		t.Error("anthropic: expected error without model")
	}
	if _, err := NewOpenAIProvider(OpenAIConfig{Model: "m"}); err == nil {
		t.Error("openai: expected error without api key")
	}
	if _, err := NewGoogleProvider(GoogleConfig{Model: "m"}); err == nil {
		t.Error("google: expected error without api key")
	}
}
