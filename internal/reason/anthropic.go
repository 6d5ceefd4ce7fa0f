package reason

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicBackend implements Backend over the Anthropic Messages API.
type AnthropicBackend struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	// APIKey falls back to the ANTHROPIC_API_KEY environment variable.
	APIKey    string
	Model     anthropic.Model
	MaxTokens int64
}

// NewAnthropicBackend creates an Anthropic-backed reasoning client.
func NewAnthropicBackend(cfg AnthropicConfig) (*AnthropicBackend, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	return &AnthropicBackend{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Ask sends the conversation to the Messages API and maps tool-use
// blocks back to planned tool calls.
func (b *AnthropicBackend) Ask(ctx context.Context, memory []Message, systemPrompt string, tools []ToolSpec) (*Reply, error) {
	system, messages := convertMemory(memory, systemPrompt)

	resp, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     b.model,
		MaxTokens: b.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: messages,
		Tools:    convertTools(tools),
	})
	if err != nil {
		if isTokenLimitError(err) {
			return nil, fmt.Errorf("anthropic: %w", ErrTokenLimitExceeded)
		}
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	reply := &Reply{}
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			reply.Content += variant.Text
		case anthropic.ToolUseBlock:
			var args map[string]any
			if err := json.Unmarshal(variant.Input, &args); err != nil {
				return nil, fmt.Errorf("anthropic: undecodable tool input for %s: %w", variant.Name, err)
			}
			reply.ToolCalls = append(reply.ToolCalls, ToolCall{
				ID:   variant.ID,
				Name: variant.Name,
				Args: args,
			})
		}
	}
	return reply, nil
}

// convertMemory folds system messages into the system prompt and maps
// the rest onto the alternating user/assistant wire shape. Tool results
// ride as user text; the engine keeps its own structured record.
func convertMemory(memory []Message, systemPrompt string) (string, []anthropic.MessageParam) {
	system := systemPrompt
	var messages []anthropic.MessageParam
	for _, m := range memory {
		switch m.Role {
		case RoleSystem:
			system += "\n\n" + m.Content
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case RoleTool:
			content := m.Content
			if m.ToolCallID != "" {
				content = fmt.Sprintf("[tool result %s]\n%s", m.ToolCallID, m.Content)
			}
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, messages
}

func convertTools(tools []ToolSpec) []anthropic.ToolUnionParam {
	var params []anthropic.ToolUnionParam
	for _, t := range tools {
		properties := t.Parameters
		if properties == nil {
			properties = map[string]any{}
		}
		params = append(params, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: properties,
					Required:   t.Required,
				},
			},
		})
	}
	return params
}

// isTokenLimitError recognizes the API's context-window exhaustion
// response.
func isTokenLimitError(err error) bool {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	msg := strings.ToLower(apiErr.Error())
	return apiErr.StatusCode == 400 &&
		(strings.Contains(msg, "prompt is too long") || strings.Contains(msg, "context window"))
}
