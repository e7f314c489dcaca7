package models

import "time"

// SubagentStatus is the lifecycle state of a SubagentRun.
type SubagentStatus string

const (
	SubagentAccepted  SubagentStatus = "accepted"
	SubagentRunning   SubagentStatus = "running"
	SubagentCompleted SubagentStatus = "completed"
	SubagentFailed    SubagentStatus = "failed"
	SubagentCancelled SubagentStatus = "cancelled"
	SubagentTimeout   SubagentStatus = "timeout"
)

// SubagentMode distinguishes whether a run was spawned in the background or
// awaited synchronously inside the parent's tool call.
type SubagentMode string

const (
	ModeSync  SubagentMode = "sync"
	ModeAsync SubagentMode = "async"
)

// TranscriptEntry is one bounded entry in a SubagentRun's transcript.
type TranscriptEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SubagentRun is the record tracked in SubagentManager's activeRuns map.
type SubagentRun struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Channel       ChannelType       `json:"channel"`
	ParentRunID   string            `json:"parent_run_id,omitempty"`
	Task          string            `json:"task"`
	Status        SubagentStatus    `json:"status"`
	Mode          SubagentMode      `json:"mode"`
	Model         string            `json:"model,omitempty"`
	Provider      string            `json:"provider,omitempty"`
	Result        string            `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	InputTokens   int               `json:"input_tokens"`
	OutputTokens  int               `json:"output_tokens"`
	ToolCallCount int               `json:"tool_call_count"`
	TimeoutMs     int64             `json:"timeout_ms"`
	Transcript    []TranscriptEntry `json:"transcript,omitempty"`
	AllowedTools  []string          `json:"allowed_tools,omitempty"`
	BlockedTools  []string          `json:"blocked_tools,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// ConfirmationToken gates a single future invocation of one tool, for one
// user, with one set of arguments.
type ConfirmationToken struct {
	Token       string    `json:"token"`
	UserID      string    `json:"user_id"`
	SkillName   string    `json:"skill_name"`
	ToolName    string    `json:"tool_name"`
	Input       string    `json:"input"`
	Description string    `json:"description"`
	ExpiresAt   time.Time `json:"expires_at"`
	TempDir     string    `json:"temp_dir,omitempty"`
	Consumed    bool      `json:"consumed"`
}

// ScheduledTaskMetadata tracks the last run's outcome and the next run time.
type ScheduledTaskMetadata struct {
	LastRun        *time.Time `json:"last_run,omitempty"`
	LastResult     string     `json:"last_result,omitempty"` // "success" | "failure"
	LastDurationMs int64      `json:"last_duration_ms,omitempty"`
	NextRun        *time.Time `json:"next_run,omitempty"`
}

// ScheduledTask is the registry entry TaskScheduler drives off its cron
// engine. Names are unique; re-registering a name replaces the task.
type ScheduledTask struct {
	Name           string                `json:"name"`
	CronExpression string                `json:"cron_expression"`
	Enabled        bool                  `json:"enabled"`
	Metadata       ScheduledTaskMetadata `json:"metadata"`
}
