package venice

import (
	"testing"

	"github.com/kestrelhq/conclave/internal/llm"
)

func TestNewDefaults(t *testing.T) {
	p, err := New(Config{APIKey: "test-api-key"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if p.Name() != "venice" {
		t.Errorf("expected provider name venice, got %q", p.Name())
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestCapabilitiesFromCatalog(t *testing.T) {
	p, err := New(Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	tests := []struct {
		model string
		want  llm.ToolCapability
	}{
		{"llama-3.3-70b", llm.ToolsSupported},
		{"qwen-2.5-coder-32b", llm.ToolsUnsupported},
		{"some-future-model", llm.ToolsModelDependent},
	}
	for _, tt := range tests {
		if got := p.Capabilities(tt.model).Tools; got != tt.want {
			t.Errorf("Capabilities(%q).Tools = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestIsPrivateModel(t *testing.T) {
	if !IsPrivateModel("llama-3.3-70b") {
		t.Error("llama-3.3-70b should be private")
	}
	if IsPrivateModel("gpt-4o") {
		t.Error("gpt-4o is anonymized, not private")
	}
	if IsPrivateModel("unknown") {
		t.Error("unknown models are not private")
	}
}
