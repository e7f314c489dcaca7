// Package config holds the typed configuration graph for the control plane
// and its YAML/JSON5 loading pipeline ($include resolution, strict decoding,
// defaults, environment overrides, validation).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kestrelhq/conclave/internal/audit"
)

// Config is the root configuration structure.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	LLM           LLMConfig           `yaml:"llm"`
	Session       SessionConfig       `yaml:"session"`
	Tools         ToolsConfig         `yaml:"tools"`
	Subagents     SubagentsConfig     `yaml:"subagents"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Confirmations ConfirmationsConfig `yaml:"confirmations"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Audit         audit.Config        `yaml:"audit"`
}

// Load reads, decodes, defaults, env-overrides, and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	if version, ok := raw["version"]; ok {
		if v, ok := asInt(version); ok {
			if err := ValidateVersion(v); err != nil {
				return nil, err
			}
		}
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a fully-defaulted in-memory Config, for embedding callers
// that don't load a file.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	applyServerDefaults(&cfg.Server)
	applyLLMDefaults(&cfg.LLM)
	applySessionDefaults(&cfg.Session)
	applyToolsDefaults(&cfg.Tools)
	applySubagentsDefaults(&cfg.Subagents)
	applySchedulerDefaults(&cfg.Scheduler)
	applyConfirmationsDefaults(&cfg.Confirmations)
	applyLoggingDefaults(&cfg.Logging)
	applyObservabilityDefaults(&cfg.Observability)
	if cfg.Audit.Output == "" {
		enabled := cfg.Audit.Enabled
		cfg.Audit = audit.DefaultConfig()
		cfg.Audit.Enabled = enabled
	}
}

// applyEnvOverrides maps well-known environment variables onto the config so
// API keys never have to live in the file.
func applyEnvOverrides(cfg *Config) {
	setProviderKey := func(name, env string) {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return
		}
		provider := cfg.LLM.Providers[name]
		if provider.APIKey == "" {
			provider.APIKey = value
		}
		if cfg.LLM.Providers == nil {
			cfg.LLM.Providers = map[string]LLMProviderConfig{}
		}
		cfg.LLM.Providers[name] = provider
	}
	setProviderKey("anthropic", "ANTHROPIC_API_KEY")
	setProviderKey("openai", "OPENAI_API_KEY")
	setProviderKey("venice", "VENICE_API_KEY")

	if level := strings.TrimSpace(os.Getenv("CONCLAVE_LOG_LEVEL")); level != "" {
		cfg.Logging.Level = level
	}
}

// ConfigValidationError aggregates every problem found during validation so
// an operator can fix a config in one pass.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid configuration:\n  - %s", strings.Join(e.Issues, "\n  - "))
}

func validateConfig(cfg *Config) error {
	var issues []string

	if cfg.LLM.DefaultProvider != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			issues = append(issues, fmt.Sprintf("llm.default_provider %q is not declared in llm.providers", cfg.LLM.DefaultProvider))
		}
	}
	for _, name := range cfg.LLM.FallbackChain {
		if _, ok := cfg.LLM.Providers[name]; !ok {
			issues = append(issues, fmt.Sprintf("llm.fallback_chain entry %q is not declared in llm.providers", name))
		}
	}
	if cfg.Session.MaxHistoryMessages < 0 {
		issues = append(issues, "session.max_history_messages must not be negative")
	}
	if cfg.Tools.MaxIterationsPerTurn <= 0 {
		issues = append(issues, "tools.max_iterations_per_turn must be positive")
	}
	if cfg.Tools.SessionCallLimit <= 0 {
		issues = append(issues, "tools.session_call_limit must be positive")
	}
	switch cfg.Tools.SensitivePolicy {
	case "always_confirm", "audit_only":
	default:
		issues = append(issues, fmt.Sprintf("tools.sensitive_policy %q must be always_confirm or audit_only", cfg.Tools.SensitivePolicy))
	}
	if cfg.Subagents.MaxPerUser <= 0 || cfg.Subagents.MaxGlobal <= 0 {
		issues = append(issues, "subagents.max_per_user and subagents.max_global must be positive")
	}
	if cfg.Subagents.MaxPerUser > cfg.Subagents.MaxGlobal {
		issues = append(issues, "subagents.max_per_user must not exceed subagents.max_global")
	}
	if cfg.Confirmations.TTL > 5*time.Minute {
		issues = append(issues, "confirmations.ttl must not exceed 5m")
	}
	for i, task := range cfg.Scheduler.Tasks {
		if strings.TrimSpace(task.Name) == "" {
			issues = append(issues, fmt.Sprintf("scheduler.tasks[%d] is missing a name", i))
		}
		if strings.TrimSpace(task.Cron) == "" {
			issues = append(issues, fmt.Sprintf("scheduler.tasks[%d] (%s) is missing a cron expression", i, task.Name))
		}
	}
	switch cfg.Logging.Format {
	case "", "text", "json":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be text or json", cfg.Logging.Format))
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
