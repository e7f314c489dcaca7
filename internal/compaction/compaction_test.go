package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeSummarizer returns canned summaries in order and records what it was
// asked to summarize.
type fakeSummarizer struct {
	summaries []string
	calls     [][]*Message
	configs   []*SummarizationConfig
	err       error
}

func (s *fakeSummarizer) GenerateSummary(ctx context.Context, messages []*Message, config *SummarizationConfig) (string, error) {
	s.calls = append(s.calls, messages)
	s.configs = append(s.configs, config)
	if s.err != nil {
		return "", s.err
	}
	idx := len(s.calls) - 1
	if idx < len(s.summaries) {
		return s.summaries[idx], nil
	}
	return "summary", nil
}

func msg(role, content string) *Message {
	return &Message{Role: role, Content: content}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(msg("user", tt.content)); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.content), got, tt.want)
		}
	}
	if EstimateTokens(nil) != 0 {
		t.Error("nil message must estimate to 0")
	}
}

func TestChunkMessagesByMaxTokens(t *testing.T) {
	messages := []*Message{
		msg("user", strings.Repeat("a", 40)),      // 10 tokens
		msg("assistant", strings.Repeat("b", 40)), // 10 tokens
		msg("user", strings.Repeat("c", 40)),      // 10 tokens
	}

	chunks := ChunkMessagesByMaxTokens(messages, 20)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 2 || len(chunks[1]) != 1 {
		t.Errorf("unexpected chunk sizes %d/%d", len(chunks[0]), len(chunks[1]))
	}

	// A single message over the limit gets its own chunk.
	big := []*Message{msg("user", "hi"), msg("user", strings.Repeat("x", 400)), msg("user", "bye")}
	chunks = ChunkMessagesByMaxTokens(big, 10)
	if len(chunks) != 3 {
		t.Fatalf("expected oversized message isolated into its own chunk, got %d chunks", len(chunks))
	}

	if ChunkMessagesByMaxTokens(nil, 10) != nil {
		t.Error("empty input must chunk to nil")
	}
}

func TestIsOversizedForSummary(t *testing.T) {
	small := msg("user", strings.Repeat("a", 40))
	huge := msg("tool_result", strings.Repeat("a", 4000))

	if IsOversizedForSummary(small, 1000) {
		t.Error("small message must not be oversized")
	}
	if !IsOversizedForSummary(huge, 1000) {
		t.Error("message above half the window must be oversized")
	}
	if IsOversizedForSummary(huge, 0) {
		t.Error("zero window must never report oversized")
	}
}

func TestSummarizeChunksSinglePass(t *testing.T) {
	summarizer := &fakeSummarizer{summaries: []string{"the gist"}}
	got, err := SummarizeChunks(context.Background(), []*Message{msg("user", "hello"), msg("assistant", "hi")}, summarizer, nil)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got != "the gist" {
		t.Errorf("expected single-pass summary, got %q", got)
	}
	if len(summarizer.calls) != 1 {
		t.Errorf("expected one summarizer call, got %d", len(summarizer.calls))
	}
}

func TestSummarizeChunksMergesMultipleChunks(t *testing.T) {
	summarizer := &fakeSummarizer{summaries: []string{"part one", "part two", "merged"}}
	messages := []*Message{
		msg("user", strings.Repeat("a", 400)),
		msg("user", strings.Repeat("b", 400)),
	}

	got, err := SummarizeChunks(context.Background(), messages, summarizer, &SummarizationConfig{
		MaxChunkTokens: 100,
		ContextWindow:  DefaultContextWindow,
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got != "merged" {
		t.Errorf("expected merged summary, got %q", got)
	}
	// Two chunk passes plus one merge pass.
	if len(summarizer.calls) != 3 {
		t.Fatalf("expected 3 summarizer calls, got %d", len(summarizer.calls))
	}
	mergeCfg := summarizer.configs[2]
	if !strings.Contains(mergeCfg.CustomInstructions, "Merge these chunk summaries") {
		t.Errorf("merge pass must carry merge instructions, got %q", mergeCfg.CustomInstructions)
	}
}

func TestSummarizeWithFallbackNotesOversized(t *testing.T) {
	summarizer := &fakeSummarizer{summaries: []string{"normal summary"}}
	messages := []*Message{
		msg("user", "keep me"),
		msg("tool_result", strings.Repeat("x", 400)),
	}

	got, err := SummarizeWithFallback(context.Background(), messages, summarizer, &SummarizationConfig{
		MaxChunkTokens: 1000,
		ContextWindow:  100,
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !strings.Contains(got, "normal summary") {
		t.Errorf("expected normal summary in output, got %q", got)
	}
	if !strings.Contains(got, "Oversized tool_result message") {
		t.Errorf("expected oversized note in output, got %q", got)
	}
	// The oversized message must never reach the summarizer.
	for _, call := range summarizer.calls {
		for _, m := range call {
			if len(m.Content) >= 400 {
				t.Error("oversized message leaked into a summarizer call")
			}
		}
	}
}

func TestSummarizeWithFallbackEmptyAndNil(t *testing.T) {
	if got, err := SummarizeWithFallback(context.Background(), nil, &fakeSummarizer{}, nil); err != nil || got != DefaultSummaryFallback {
		t.Errorf("empty history: got (%q, %v)", got, err)
	}
	if _, err := SummarizeWithFallback(context.Background(), []*Message{msg("user", "x")}, nil, nil); err == nil {
		t.Error("nil summarizer must error")
	}
}

func TestSummarizeWithFallbackPropagatesErrors(t *testing.T) {
	summarizer := &fakeSummarizer{err: errors.New("model unavailable")}
	_, err := SummarizeWithFallback(context.Background(), []*Message{msg("user", "x")}, summarizer, nil)
	if err == nil || !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected wrapped summarizer error, got %v", err)
	}
}

func TestSummarizeWithFallbackAllOversized(t *testing.T) {
	summarizer := &fakeSummarizer{}
	messages := []*Message{msg("tool_result", strings.Repeat("x", 4000))}

	got, err := SummarizeWithFallback(context.Background(), messages, summarizer, &SummarizationConfig{ContextWindow: 100})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !strings.Contains(got, DefaultSummaryFallback) {
		t.Errorf("expected fallback text when nothing is summarizable, got %q", got)
	}
	if len(summarizer.calls) != 0 {
		t.Error("summarizer must not be called when every message is oversized")
	}
}
