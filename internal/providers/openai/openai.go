// Package openai adapts OpenAI-compatible chat completion APIs to the
// internal/llm Provider contract. Venice builds on this adapter with a
// different base URL.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kestrelhq/conclave/internal/llm"
	"github.com/kestrelhq/conclave/pkg/models"
)

// DefaultModel is used when a request leaves Model empty.
const DefaultModel = "gpt-4o"

// Config holds the adapter's settings. Only APIKey is required.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string

	// ProviderName overrides the reported provider name, for
	// OpenAI-compatible backends routed through this adapter.
	ProviderName string
}

// Provider implements llm.Provider over go-openai. Safe for concurrent use.
type Provider struct {
	client       *openai.Client
	defaultModel string
	name         string
}

// New validates config and builds a Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Provider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		name:         cfg.ProviderName,
	}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities(model string) llm.Capabilities {
	return llm.Capabilities{Tools: llm.ToolsModelDependent}
}

// Chat sends one non-streaming chat completion request.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:     p.model(req.Model),
		Messages:  convertMessages(req.Messages, req.System),
		MaxTokens: req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices in response", p.name)
	}
	choice := resp.Choices[0]

	out := &llm.ChatResponse{
		Text:       choice.Message.Content,
		StopReason: convertFinishReason(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		Model:    resp.Model,
		Provider: p.name,
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return nil, fmt.Errorf("%s: tool call arguments for %s: %w", p.name, tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	return out, nil
}

func (p *Provider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

func convertFinishReason(reason openai.FinishReason) llm.StopReason {
	switch reason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return llm.StopToolUse
	case openai.FinishReasonLength:
		return llm.StopMaxTokens
	case openai.FinishReasonStop:
		return llm.StopEndTurn
	default:
		return llm.StopReason(reason)
	}
}

// convertMessages flattens llm content blocks into the OpenAI role scheme:
// tool_use blocks become assistant tool_calls, tool_result blocks become
// standalone role=tool messages.
func convertMessages(messages []llm.Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == llm.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}

		if len(msg.Blocks) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: msg.Text})
			continue
		}

		base := openai.ChatCompletionMessage{Role: role}
		var toolResults []openai.ChatCompletionMessage
		for _, block := range msg.Blocks {
			switch block.Type {
			case llm.BlockText:
				base.Content += block.Text
			case llm.BlockToolUse:
				args, _ := json.Marshal(block.Input)
				base.ToolCalls = append(base.ToolCalls, openai.ToolCall{
					ID:       block.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: block.Name, Arguments: string(args)},
				})
			case llm.BlockToolResult:
				toolResults = append(toolResults, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    block.Content,
					ToolCallID: block.ToolUseID,
				})
			}
		}
		if base.Content != "" || len(base.ToolCalls) > 0 {
			out = append(out, base)
		}
		out = append(out, toolResults...)
	}
	return out
}

func convertTools(defs []models.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params := map[string]any{
			"type":       "object",
			"properties": def.InputSchema.Properties,
		}
		if len(def.InputSchema.Required) > 0 {
			params["required"] = def.InputSchema.Required
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
