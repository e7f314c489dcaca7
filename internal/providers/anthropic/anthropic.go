// Package anthropic adapts the Anthropic Messages API to the internal/llm
// Provider contract.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kestrelhq/conclave/internal/llm"
	"github.com/kestrelhq/conclave/pkg/models"
)

// DefaultModel is used when a request leaves Model empty.
const DefaultModel = "claude-sonnet-4-20250514"

// Config holds the adapter's settings. Only APIKey is required.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Provider implements llm.Provider over the Anthropic SDK. Safe for
// concurrent use.
type Provider struct {
	client       anthropic.Client
	defaultModel string
}

// New validates config and builds a Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{
		client:       anthropic.NewClient(options...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Capabilities(model string) llm.Capabilities {
	return llm.Capabilities{Tools: llm.ToolsSupported}
}

// Chat sends one non-streaming Messages request.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  convertMessages(req.Messages),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	resp := &llm.ChatResponse{
		StopReason: convertStopReason(string(message.StopReason)),
		Usage: llm.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
		Model:    string(message.Model),
		Provider: p.Name(),
	}

	var text strings.Builder
	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			var input map[string]any
			if err := json.Unmarshal(b.Input, &input); err != nil {
				return nil, fmt.Errorf("anthropic: tool_use input for %s: %w", b.Name, err)
			}
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ID: b.ID, Name: b.Name, Input: input})
		}
	}
	resp.Text = text.String()
	return resp, nil
}

func (p *Provider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

func convertStopReason(reason string) llm.StopReason {
	switch reason {
	case "tool_use":
		return llm.StopToolUse
	case "max_tokens":
		return llm.StopMaxTokens
	case "end_turn", "stop_sequence":
		return llm.StopEndTurn
	default:
		return llm.StopReason(reason)
	}
}

// convertMessages maps llm.Message turns onto Anthropic content-block
// messages. Tool results ride in user messages; tool_use blocks ride in
// assistant messages, mirroring the wire contract.
func convertMessages(messages []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Text != "" {
			content = append(content, anthropic.NewTextBlock(msg.Text))
		}
		for _, block := range msg.Blocks {
			switch block.Type {
			case llm.BlockText:
				content = append(content, anthropic.NewTextBlock(block.Text))
			case llm.BlockToolUse:
				content = append(content, anthropic.NewToolUseBlock(block.ID, block.Input, block.Name))
			case llm.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(block.ToolUseID, block.Content, block.IsError))
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out
}

func convertTools(defs []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		raw, err := json.Marshal(map[string]any{
			"type":       "object",
			"properties": def.InputSchema.Properties,
			"required":   def.InputSchema.Required,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic: schema for %s: %w", def.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: schema for %s: %w", def.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("anthropic: schema for %s: missing tool definition", def.Name)
		}
		tool.OfTool.Description = anthropic.String(def.Description)
		out = append(out, tool)
	}
	return out, nil
}
