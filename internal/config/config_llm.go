package config

// LLMConfig declares the provider pool and routing behavior.
type LLMConfig struct {
	// DefaultProvider is tried first; FallbackChain names the failover order
	// after it.
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
	FallbackChain   []string                     `yaml:"fallback_chain"`

	// Tiers enables light/heavy model routing per message.
	Tiers TierConfig `yaml:"tiers"`

	// Bedrock configures AWS Bedrock model discovery for the bedrock
	// provider entry.
	Bedrock BedrockConfig `yaml:"bedrock"`
}

// LLMProviderConfig configures one provider entry. The map key selects the
// adapter: anthropic, openai, venice, bedrock.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	LightModel   string `yaml:"light_model"`
	HeavyModel   string `yaml:"heavy_model"`

	// Region applies to the bedrock adapter.
	Region string `yaml:"region"`
}

// TierConfig controls light/heavy routing.
type TierConfig struct {
	Enabled bool `yaml:"enabled"`
}

// BedrockConfig configures AWS Bedrock model discovery.
type BedrockConfig struct {
	Enabled              bool     `yaml:"enabled"`
	Region               string   `yaml:"region"`
	RefreshInterval      string   `yaml:"refresh_interval"`
	ProviderFilter       []string `yaml:"provider_filter"`
	DefaultContextWindow int      `yaml:"default_context_window"`
	DefaultMaxTokens     int      `yaml:"default_max_tokens"`
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.Providers == nil {
		cfg.Providers = map[string]LLMProviderConfig{}
	}
	if cfg.DefaultProvider == "" && len(cfg.Providers) > 0 {
		if _, ok := cfg.Providers["anthropic"]; ok {
			cfg.DefaultProvider = "anthropic"
		}
	}
	if cfg.Bedrock.Region == "" {
		cfg.Bedrock.Region = "us-east-1"
	}
	if cfg.Bedrock.RefreshInterval == "" {
		cfg.Bedrock.RefreshInterval = "1h"
	}
	if cfg.Bedrock.DefaultContextWindow == 0 {
		cfg.Bedrock.DefaultContextWindow = 32000
	}
	if cfg.Bedrock.DefaultMaxTokens == 0 {
		cfg.Bedrock.DefaultMaxTokens = 4096
	}
}
