package reason

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAnthropicBackendRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewAnthropicBackend(AnthropicConfig{})
	assert.Error(t, err)

	backend, err := NewAnthropicBackend(AnthropicConfig{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, anthropic.ModelClaudeSonnet4_20250514, backend.model)
	assert.Equal(t, int64(8192), backend.maxTokens)

	backend, err = NewAnthropicBackend(AnthropicConfig{
		APIKey:    "sk-test",
		Model:     anthropic.Model("claude-test"),
		MaxTokens: 1024,
	})
	require.NoError(t, err)
	assert.Equal(t, anthropic.Model("claude-test"), backend.model)
	assert.Equal(t, int64(1024), backend.maxTokens)
}

func TestConvertMemoryFoldsSystemMessages(t *testing.T) {
	memory := []Message{
		{Role: RoleUser, Content: "do the subtask"},
		{Role: RoleAssistant, Content: "running the tool"},
		{Role: RoleTool, Content: "tool output", ToolCallID: "c1"},
		{Role: RoleSystem, Content: "stop repeating yourself"},
	}

	system, messages := convertMemory(memory, "you are an agent")
	assert.Contains(t, system, "you are an agent")
	assert.Contains(t, system, "stop repeating yourself")

	// System messages never appear in the turn list; tool results ride
	// as user turns.
	require.Len(t, messages, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, messages[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, messages[1].Role)
	assert.Equal(t, anthropic.MessageParamRoleUser, messages[2].Role)
}

func TestConvertTools(t *testing.T) {
	params := convertTools([]ToolSpec{
		{
			Name:        "finish",
			Description: "end the subtask",
			Parameters:  map[string]any{"status": map[string]any{"type": "string"}},
			Required:    []string{"status"},
		},
		{Name: "bare", Description: "no schema"},
	})

	require.Len(t, params, 2)
	require.NotNil(t, params[0].OfTool)
	assert.Equal(t, "finish", params[0].OfTool.Name)
	assert.Equal(t, []string{"status"}, params[0].OfTool.InputSchema.Required)

	// A schemaless tool still gets a valid empty properties object.
	require.NotNil(t, params[1].OfTool)
	assert.NotNil(t, params[1].OfTool.InputSchema.Properties)
}
