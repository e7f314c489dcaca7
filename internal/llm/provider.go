// Package llm defines the provider-facing contract the Orchestrator and
// SubagentManager consume (spec.md §6, "LLM provider contract (consumed)").
// Concrete adapters (internal/providers/anthropic, internal/providers/openai,
// internal/providers/bedrock, internal/providers/venice) implement Provider;
// the core never imports a provider SDK directly.
package llm

import (
	"context"
	"time"

	"github.com/kestrelhq/conclave/pkg/models"
)

// StopReason mirrors spec.md §6's stopReason enum.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopError     StopReason = "error"
)

// ToolCapability describes how a provider supports tool use, per spec.md
// §6's "capabilities.tools ∈ {true, false, model_dependent}" hint.
type ToolCapability string

const (
	ToolsSupported      ToolCapability = "true"
	ToolsUnsupported    ToolCapability = "false"
	ToolsModelDependent ToolCapability = "model_dependent"
)

// Capabilities advertises what a provider can do so the Orchestrator knows
// whether to offer tool definitions on a given call.
type Capabilities struct {
	Tools ToolCapability
}

// ContentBlockType enumerates the kinds of blocks a message's content may
// hold, per spec.md §6's message shape.
type ContentBlockType string

const (
	BlockText       ContentBlockType = "text"
	BlockToolUse    ContentBlockType = "tool_use"
	BlockToolResult ContentBlockType = "tool_result"
)

// ContentBlock is one element of a multi-part message content list.
type ContentBlock struct {
	Type ContentBlockType

	// Text is set when Type == BlockText.
	Text string

	// ID, Name, Input are set when Type == BlockToolUse.
	ID    string
	Name  string
	Input map[string]any

	// ToolUseID, Content are set when Type == BlockToolResult.
	ToolUseID string
	Content   string
	IsError   bool
}

// MessageRole is the author of a Message (spec.md §6 restricts this to
// "user" and "assistant"; tool results are carried as content blocks inside
// a user message per the wire contract).
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn in the conversation sent to a provider. Content is
// either a plain string or a list of ContentBlock; Blocks is non-nil only
// when the message carries tool_use/tool_result parts.
type Message struct {
	Role   MessageRole
	Text   string
	Blocks []ContentBlock
}

// ToolCall is a provider's request to execute a named tool.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// Usage reports token consumption for one Chat call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatRequest is the input to Provider.Chat, matching spec.md §6's
// chat({model, system, messages, tools?, maxTokens, signal?}) contract. Go
// expresses signal? as the ctx passed to Chat rather than a separate field.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []models.ToolDefinition
	MaxTokens int
}

// ChatResponse is the provider's reply.
type ChatResponse struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
	Model      string
	Provider   string
}

// Provider is the contract every concrete LLM backend implements.
type Provider interface {
	// Name identifies the provider for logging, metrics, and failover notices.
	Name() string

	// Capabilities reports tool-use support for model.
	Capabilities(model string) Capabilities

	// Chat sends one turn to the model. ctx carries cancellation/deadline in
	// place of spec.md's optional signal parameter.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Tier is the message classification from spec.md §4.9 step 5 and the
// GLOSSARY: "light" (cheap/fast) or "heavy" (capable), escalated mid-turn
// when a heavy-tool hint fires.
type Tier string

const (
	TierLight Tier = "light"
	TierHeavy Tier = "heavy"
)

// Selection is what a ProviderManager hands back for one user's turn.
type Selection struct {
	Provider Provider
	Model    string

	// FailedOver and OriginalProvider are set when the manager silently
	// routed around an unhealthy provider (spec.md §4.9 step 11, §9).
	FailedOver       bool
	OriginalProvider string
}

// ErrAllProvidersUnavailable is the one sentinel the Orchestrator's error
// boundary (spec.md §4.9.1, "Orchestrator error boundary") is permitted to
// let propagate out of handleMessage's inner logic, converted at the
// caller into a user-friendly apology.
type ErrAllProvidersUnavailable struct {
	Tried []string
}

func (e *ErrAllProvidersUnavailable) Error() string {
	return "all LLM providers are currently unavailable"
}

// ProviderManager is the contract consumed from SubagentManager and the
// Orchestrator for provider/model selection and usage accounting (spec.md
// §6, "Provider manager contract (consumed)").
type ProviderManager interface {
	GetForUser(ctx context.Context, userID string) (Selection, error)
	GetForUserTiered(ctx context.Context, userID string, tier Tier) (Selection, error)
	IsTierEnabled() bool
	TrackUsage(providerName, model string, usage Usage, tier Tier)
}

// Clock abstracts time.Now for deterministic tests across the package,
// matching internal/cron's WithNow convention.
type Clock func() time.Time
