package config

import "time"

// ToolsConfig controls tool dispatch behavior in the registry and the
// orchestrator's tool-use loop.
type ToolsConfig struct {
	// MaxIterationsPerTurn caps tool calls inside one user turn.
	MaxIterationsPerTurn int `yaml:"max_iterations_per_turn"`

	// SessionCallLimit and SessionCallWindow bound tool calls per
	// (user, channel) across turns.
	SessionCallLimit  int           `yaml:"session_call_limit"`
	SessionCallWindow time.Duration `yaml:"session_call_window"`

	// CallTimeout bounds each tool execution.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// SensitivePolicy is "always_confirm" or "audit_only".
	SensitivePolicy string `yaml:"sensitive_policy"`

	// RateLimits configures per-skill sliding-window budgets.
	RateLimits map[string]ToolRateLimitConfig `yaml:"rate_limits"`

	// ResultGuard redacts and truncates tool output before the LLM sees it.
	ResultGuard ResultGuardConfig `yaml:"result_guard"`

	// Policy is the allow/deny policy applied to every dispatch. An empty
	// policy permits every registered tool.
	Policy ToolPolicyConfig `yaml:"policy"`

	// SkillsDir is where markdown-defined skills are discovered.
	SkillsDir string `yaml:"skills_dir"`
}

// ToolPolicyConfig declares the registry's tool policy.
type ToolPolicyConfig struct {
	Profile string              `yaml:"profile"`
	Allow   []string            `yaml:"allow"`
	Deny    []string            `yaml:"deny"`
	Groups  map[string][]string `yaml:"groups"`
}

// IsZero reports whether no policy was configured.
func (c ToolPolicyConfig) IsZero() bool {
	return c.Profile == "" && len(c.Allow) == 0 && len(c.Deny) == 0
}

// ToolRateLimitConfig is one skill's sliding-window budget.
type ToolRateLimitConfig struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// ResultGuardConfig tunes tool-result redaction.
type ResultGuardConfig struct {
	MaxChars        int      `yaml:"max_chars"`
	Denylist        []string `yaml:"denylist"`
	SanitizeSecrets *bool    `yaml:"sanitize_secrets"`
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.MaxIterationsPerTurn == 0 {
		cfg.MaxIterationsPerTurn = 10
	}
	if cfg.SessionCallLimit == 0 {
		cfg.SessionCallLimit = 50
	}
	if cfg.SessionCallWindow == 0 {
		cfg.SessionCallWindow = time.Hour
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.SensitivePolicy == "" {
		cfg.SensitivePolicy = "always_confirm"
	}
}

// SubagentsConfig bounds sub-agent runs.
type SubagentsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxPerUser      int           `yaml:"max_per_user"`
	MaxGlobal       int           `yaml:"max_global"`
	SyncTimeout     time.Duration `yaml:"sync_timeout"`
	AsyncTimeout    time.Duration `yaml:"async_timeout"`
	ArchiveTTL      time.Duration `yaml:"archive_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MaxToolCalls    int           `yaml:"max_tool_calls"`
	MaxTokenBudget  int           `yaml:"max_token_budget"`
	TranscriptLimit int           `yaml:"transcript_limit"`
	Workers         int           `yaml:"workers"`
}

func applySubagentsDefaults(cfg *SubagentsConfig) {
	if cfg.MaxPerUser == 0 {
		cfg.MaxPerUser = 3
	}
	if cfg.MaxGlobal == 0 {
		cfg.MaxGlobal = 10
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = 2 * time.Minute
	}
	if cfg.AsyncTimeout == 0 {
		cfg.AsyncTimeout = 10 * time.Minute
	}
	if cfg.ArchiveTTL == 0 {
		cfg.ArchiveTTL = 30 * time.Minute
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.MaxToolCalls == 0 {
		cfg.MaxToolCalls = 15
	}
	if cfg.MaxTokenBudget == 0 {
		cfg.MaxTokenBudget = 200_000
	}
	if cfg.TranscriptLimit == 0 {
		cfg.TranscriptLimit = 100
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
}

// SchedulerConfig declares cron-driven tasks and engine tuning.
type SchedulerConfig struct {
	TickInterval time.Duration         `yaml:"tick_interval"`
	Tasks        []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig declares (or overrides) one registered task.
type ScheduledTaskConfig struct {
	Name    string `yaml:"name"`
	Cron    string `yaml:"cron"`
	Enabled *bool  `yaml:"enabled"`
}

func applySchedulerDefaults(cfg *SchedulerConfig) {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
}

// ConfirmationsConfig tunes the confirmation token store.
type ConfirmationsConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func applyConfirmationsDefaults(cfg *ConfirmationsConfig) {
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
}
