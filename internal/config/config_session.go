package config

import "time"

// SessionConfig controls conversation history and its compaction.
type SessionConfig struct {
	// MaxHistoryMessages caps in-memory history per (user, channel) key.
	MaxHistoryMessages int `yaml:"max_history_messages"`

	// Compaction summarizes old history through the light-tier model.
	Compaction CompactionConfig `yaml:"compaction"`

	// ContextPruning trims stale tool results from the in-memory window
	// before each turn, independent of compaction.
	ContextPruning ContextPruningConfig `yaml:"context_pruning"`

	// MemoryIngestion forwards substantial user messages to the external
	// memory service when one is wired.
	MemoryIngestion MemoryIngestionConfig `yaml:"memory_ingestion"`
}

// CompactionConfig tunes summary compaction.
type CompactionConfig struct {
	Enabled  bool `yaml:"enabled"`
	KeepTail int  `yaml:"keep_tail"`
}

// MemoryIngestionConfig tunes the fire-and-forget memory hook.
type MemoryIngestionConfig struct {
	Enabled  bool `yaml:"enabled"`
	MinChars int  `yaml:"min_chars"`
}

// ContextPruningConfig controls in-memory tool result pruning for sessions.
type ContextPruningConfig struct {
	Mode                 string                  `yaml:"mode"`
	TTL                  *time.Duration          `yaml:"ttl"`
	KeepLastAssistants   *int                    `yaml:"keep_last_assistants"`
	SoftTrimRatio        *float64                `yaml:"soft_trim_ratio"`
	HardClearRatio       *float64                `yaml:"hard_clear_ratio"`
	MinPrunableToolChars *int                    `yaml:"min_prunable_tool_chars"`
	Tools                ContextPruningToolMatch `yaml:"tools"`
	SoftTrim             ContextPruningSoftTrim  `yaml:"soft_trim"`
	HardClear            ContextPruningHardClear `yaml:"hard_clear"`
}

// ContextPruningToolMatch selects which tool results can be trimmed.
type ContextPruningToolMatch struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// ContextPruningSoftTrim configures soft trimming of tool result content.
type ContextPruningSoftTrim struct {
	MaxChars  *int `yaml:"max_chars"`
	HeadChars *int `yaml:"head_chars"`
	TailChars *int `yaml:"tail_chars"`
}

// ContextPruningHardClear configures hard clearing of tool result content.
type ContextPruningHardClear struct {
	Enabled     *bool  `yaml:"enabled"`
	Placeholder string `yaml:"placeholder"`
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.MaxHistoryMessages == 0 {
		cfg.MaxHistoryMessages = 1000
	}
	if cfg.Compaction.KeepTail == 0 {
		cfg.Compaction.KeepTail = 10
	}
	if cfg.MemoryIngestion.MinChars == 0 {
		cfg.MemoryIngestion.MinChars = 50
	}
}
