package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/kestrelhq/conclave/internal/llm"
	"github.com/kestrelhq/conclave/pkg/models"
)

// DefaultModel is used when a request leaves Model empty.
const DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"

// ProviderConfig holds the runtime adapter's settings. Credentials fall back
// to the ambient AWS credential chain when unset.
type ProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// Provider implements llm.Provider over the Bedrock Converse API. Model
// capabilities are answered from this package's discovery cache.
type Provider struct {
	client       *bedrockruntime.Client
	defaultModel string
	region       string
}

// NewProvider loads AWS config and builds a Provider.
func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}

	return &Provider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		region:       cfg.Region,
	}, nil
}

func (p *Provider) Name() string { return "bedrock" }

// Capabilities consults the discovery cache when it has data; Anthropic and
// most recent Bedrock chat models support tools, so the uncached answer is
// model-dependent rather than a hard no.
func (p *Provider) Capabilities(model string) llm.Capabilities {
	defs, err := DiscoverModels(context.Background(), &DiscoveryConfig{Region: p.region})
	if err == nil {
		for _, def := range defs {
			if def.ID == model {
				return llm.Capabilities{Tools: llm.ToolsSupported}
			}
		}
	}
	return llm.Capabilities{Tools: llm.ToolsModelDependent}
}

// Chat sends one non-streaming Converse request.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: convertMessages(req.Messages),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(req.MaxTokens)),
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = convertTools(req.Tools)
	}

	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	resp := &llm.ChatResponse{
		StopReason: convertStopReason(out.StopReason),
		Model:      model,
		Provider:   p.Name(),
	}
	if out.Usage != nil {
		resp.Usage = llm.Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
		}
	}

	message, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, errors.New("bedrock: unexpected converse output type")
	}

	var text strings.Builder
	for _, block := range message.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			text.WriteString(b.Value)
		case *types.ContentBlockMemberToolUse:
			var toolInput map[string]any
			if b.Value.Input != nil {
				if err := b.Value.Input.UnmarshalSmithyDocument(&toolInput); err != nil {
					return nil, fmt.Errorf("bedrock: tool input for %s: %w", aws.ToString(b.Value.Name), err)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:    aws.ToString(b.Value.ToolUseId),
				Name:  aws.ToString(b.Value.Name),
				Input: toolInput,
			})
		}
	}
	resp.Text = text.String()
	return resp, nil
}

func convertStopReason(reason types.StopReason) llm.StopReason {
	switch reason {
	case types.StopReasonToolUse:
		return llm.StopToolUse
	case types.StopReasonMaxTokens:
		return llm.StopMaxTokens
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return llm.StopEndTurn
	default:
		return llm.StopReason(reason)
	}
}

func convertMessages(messages []llm.Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		var content []types.ContentBlock
		if msg.Text != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Text})
		}
		for _, block := range msg.Blocks {
			switch block.Type {
			case llm.BlockText:
				content = append(content, &types.ContentBlockMemberText{Value: block.Text})
			case llm.BlockToolUse:
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(block.ID),
						Name:      aws.String(block.Name),
						Input:     document.NewLazyDocument(block.Input),
					},
				})
			case llm.BlockToolResult:
				status := types.ToolResultStatusSuccess
				if block.IsError {
					status = types.ToolResultStatusError
				}
				content = append(content, &types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(block.ToolUseID),
						Status:    status,
						Content: []types.ToolResultContentBlock{
							&types.ToolResultContentBlockMemberText{Value: block.Content},
						},
					},
				})
			}
		}
		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == llm.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: content})
	}
	return out
}

func convertTools(defs []models.ToolDefinition) *types.ToolConfiguration {
	tools := make([]types.Tool, 0, len(defs))
	for _, def := range defs {
		// Round-trip through JSON so the smithy document encoder only ever
		// sees maps and primitives, not tagged structs.
		var properties any = map[string]any{}
		if raw, err := json.Marshal(def.InputSchema.Properties); err == nil {
			_ = json.Unmarshal(raw, &properties)
		}
		schema := map[string]any{
			"type":       "object",
			"properties": properties,
		}
		if len(def.InputSchema.Required) > 0 {
			schema["required"] = def.InputSchema.Required
		}
		tools = append(tools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(def.Name),
				Description: aws.String(def.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: tools}
}
