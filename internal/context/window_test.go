package context

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestNewWindowForModel(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"claude-3-5-sonnet", 200000},
		{"claude-3-5-sonnet-20241022", 200000}, // prefix match
		{"gpt-4", 8192},
		{"gpt-4-turbo-preview", 128000}, // longest prefix wins over "gpt-4"
		{"totally-unknown-model", DefaultContextWindow},
	}
	for _, tt := range tests {
		w := NewWindowForModel(tt.model)
		if got := w.Info().TotalTokens; got != tt.want {
			t.Errorf("NewWindowForModel(%q) total = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestWindowAccounting(t *testing.T) {
	w := NewWindow(1000, "test")
	added := w.AddText(strings.Repeat("x", 400)) // 100 tokens
	if added != 100 {
		t.Errorf("AddText returned %d, want 100", added)
	}

	info := w.Info()
	if info.UsedTokens != 100 || info.RemainingTokens != 900 {
		t.Errorf("unexpected accounting %+v", info)
	}
	if info.UsedPercent != 10.0 {
		t.Errorf("UsedPercent = %.1f, want 10.0", info.UsedPercent)
	}
}

func TestWindowInfoStatus(t *testing.T) {
	tests := []struct {
		remaining int
		status    string
	}{
		{WarnBelowTokens + 1, "ok"},
		{WarnBelowTokens - 1, "warning"},
		{MinContextWindow - 1, "critical"},
	}
	for _, tt := range tests {
		info := &WindowInfo{TotalTokens: 200000, RemainingTokens: tt.remaining}
		if got := info.Status(); got != tt.status {
			t.Errorf("remaining=%d: Status() = %q, want %q", tt.remaining, got, tt.status)
		}
	}
}

func TestWindowNeverReportsNegativeRemaining(t *testing.T) {
	w := NewWindow(10, "test")
	w.AddText(strings.Repeat("x", 400))
	if got := w.Info().RemainingTokens; got != 0 {
		t.Errorf("RemainingTokens = %d, want 0", got)
	}
}

func TestTruncateFitsWithinBudget(t *testing.T) {
	messages := []Message{
		{Role: "user", Tokens: 100},
		{Role: "assistant", Tokens: 100},
		{Role: "user", Tokens: 100},
		{Role: "assistant", Tokens: 100},
	}

	final, result := NewTruncator(250).Truncate(messages)
	if result.RemovedCount != 2 {
		t.Fatalf("expected 2 removed, got %d", result.RemovedCount)
	}
	if result.TokensFreed != 200 {
		t.Errorf("TokensFreed = %d, want 200", result.TokensFreed)
	}
	if len(final) != 2 || final[0].Role != "user" || final[1].Role != "assistant" {
		t.Errorf("expected the newest two messages to survive, got %+v", final)
	}
}

func TestTruncateKeepsSystemAndPinned(t *testing.T) {
	messages := []Message{
		{Role: "system", IsSystem: true, Tokens: 50},
		{Role: "user", Tokens: 100},
		{Role: "user", Pinned: true, Tokens: 100},
		{Role: "user", Tokens: 100},
	}

	final, result := NewTruncator(260).Truncate(messages)
	if result.RemovedCount != 1 {
		t.Fatalf("expected 1 removed, got %d", result.RemovedCount)
	}
	if len(final) != 3 {
		t.Fatalf("expected 3 survivors, got %d", len(final))
	}
	if !final[0].IsSystem {
		t.Error("system message must survive at the front")
	}
	if !final[1].Pinned {
		t.Error("pinned message must survive")
	}
}

func TestTruncateNoOpWhenUnderBudget(t *testing.T) {
	messages := []Message{{Role: "user", Tokens: 10}, {Role: "assistant", Tokens: 10}}
	final, result := NewTruncator(100).Truncate(messages)
	if result.RemovedCount != 0 || len(final) != 2 {
		t.Errorf("under-budget input must pass through, got %+v", result)
	}
}

func TestTruncateEstimatesMissingTokens(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: strings.Repeat("a", 400)}, // ~100 tokens, estimated
		{Role: "user", Content: strings.Repeat("b", 400)},
	}
	_, result := NewTruncator(150).Truncate(messages)
	if result.RemovedCount != 1 {
		t.Errorf("expected estimation-driven removal, got %+v", result)
	}
}
