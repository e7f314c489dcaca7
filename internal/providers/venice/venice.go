// Package venice adapts Venice AI to the internal/llm Provider contract.
//
// Venice exposes an OpenAI-compatible chat API at a different base URL, so
// this package wraps the openai adapter rather than re-implementing the wire
// format. What stays Venice-specific: the privacy-mode model catalog and the
// default private model choice.
package venice

import (
	"context"

	"github.com/kestrelhq/conclave/internal/llm"
	"github.com/kestrelhq/conclave/internal/providers/openai"
)

// BaseURL is the Venice AI API endpoint.
const BaseURL = "https://api.venice.ai/api/v1"

// DefaultModel is the default private model when none is specified.
const DefaultModel = "llama-3.3-70b"

// PrivacyMode describes how Venice routes a model's traffic: "private"
// models run with no logging, "anonymized" models proxy to upstream vendors
// with identifying metadata stripped.
type PrivacyMode string

const (
	PrivacyPrivate    PrivacyMode = "private"
	PrivacyAnonymized PrivacyMode = "anonymized"
)

// ModelCatalogEntry describes a Venice model's capabilities.
type ModelCatalogEntry struct {
	ID            string
	Privacy       PrivacyMode
	SupportsTools bool
	ContextWindow int
}

// Catalog lists the models this adapter knows about. Venice adds models
// frequently; unknown IDs still work, they just report model-dependent tool
// support.
func Catalog() []ModelCatalogEntry {
	return []ModelCatalogEntry{
		{ID: "llama-3.3-70b", Privacy: PrivacyPrivate, SupportsTools: true, ContextWindow: 65536},
		{ID: "llama-3.2-3b", Privacy: PrivacyPrivate, SupportsTools: false, ContextWindow: 131072},
		{ID: "qwen-2.5-coder-32b", Privacy: PrivacyPrivate, SupportsTools: false, ContextWindow: 32768},
		{ID: "deepseek-r1-671b", Privacy: PrivacyPrivate, SupportsTools: false, ContextWindow: 131072},
		{ID: "claude-3-5-sonnet-20241022", Privacy: PrivacyAnonymized, SupportsTools: true, ContextWindow: 200000},
		{ID: "gpt-4o", Privacy: PrivacyAnonymized, SupportsTools: true, ContextWindow: 128000},
	}
}

// GetModelInfo returns catalog details for modelID, or nil if unknown.
func GetModelInfo(modelID string) *ModelCatalogEntry {
	for _, entry := range Catalog() {
		if entry.ID == modelID {
			return &entry
		}
	}
	return nil
}

// IsPrivateModel reports whether modelID runs fully private (no logging).
func IsPrivateModel(modelID string) bool {
	info := GetModelInfo(modelID)
	return info != nil && info.Privacy == PrivacyPrivate
}

// Config holds the adapter's settings. Only APIKey is required.
type Config struct {
	APIKey       string
	DefaultModel string
}

// Provider implements llm.Provider for Venice AI.
type Provider struct {
	inner *openai.Provider
}

// New validates config and builds a Provider.
func New(cfg Config) (*Provider, error) {
	model := cfg.DefaultModel
	if model == "" {
		model = DefaultModel
	}
	inner, err := openai.New(openai.Config{
		APIKey:       cfg.APIKey,
		BaseURL:      BaseURL,
		DefaultModel: model,
		ProviderName: "venice",
	})
	if err != nil {
		return nil, err
	}
	return &Provider{inner: inner}, nil
}

func (p *Provider) Name() string { return "venice" }

// Capabilities reports per-model tool support from the catalog, falling back
// to model-dependent for IDs the catalog doesn't know.
func (p *Provider) Capabilities(model string) llm.Capabilities {
	info := GetModelInfo(model)
	if info == nil {
		return llm.Capabilities{Tools: llm.ToolsModelDependent}
	}
	if info.SupportsTools {
		return llm.Capabilities{Tools: llm.ToolsSupported}
	}
	return llm.Capabilities{Tools: llm.ToolsUnsupported}
}

func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return p.inner.Chat(ctx, req)
}
