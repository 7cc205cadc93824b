package openai

import (
	"testing"

	go_openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/steward/pkg/tools"
	"github.com/go-go-golems/steward/pkg/turns"
)

func TestBlocksToMessagesRoles(t *testing.T) {
	blocks := []turns.Block{
		turns.NewSystemTextBlock("be terse"),
		turns.NewUserTextBlock("hello"),
		turns.NewAssistantTextBlock("hi"),
	}

	messages, err := blocksToMessages(blocks)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, go_openai.ChatMessageRoleSystem, messages[0].Role)
	assert.Equal(t, go_openai.ChatMessageRoleUser, messages[1].Role)
	assert.Equal(t, go_openai.ChatMessageRoleAssistant, messages[2].Role)
}

func TestBlocksToMessagesToolRoundTrip(t *testing.T) {
	blocks := []turns.Block{
		turns.NewUserTextBlock("search for weather"),
		turns.NewToolCallBlock("call-1", "google_search", map[string]any{"query": "weather"}),
		turns.NewToolUseBlock("call-1", "google_search", map[string]any{"results": []string{"sunny"}}),
	}

	messages, err := blocksToMessages(blocks)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	call := messages[1]
	assert.Equal(t, go_openai.ChatMessageRoleAssistant, call.Role)
	require.Len(t, call.ToolCalls, 1)
	assert.Equal(t, "call-1", call.ToolCalls[0].ID)
	assert.Equal(t, "google_search", call.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"query": "weather"}`, call.ToolCalls[0].Function.Arguments)

	use := messages[2]
	assert.Equal(t, go_openai.ChatMessageRoleTool, use.Role)
	assert.Equal(t, "call-1", use.ToolCallID)
	assert.JSONEq(t, `{"results": ["sunny"]}`, use.Content)
}

func TestBlocksToMessagesCollapsesParallelToolCalls(t *testing.T) {
	blocks := []turns.Block{
		turns.NewToolCallBlock("call-1", "google_search", map[string]any{"query": "a"}),
		turns.NewToolCallBlock("call-2", "generate_image", map[string]any{"prompt": "b"}),
	}

	messages, err := blocksToMessages(blocks)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Len(t, messages[0].ToolCalls, 2)
}

func TestMakeToolsMapsDefinitions(t *testing.T) {
	registry := tools.NewRegistry()
	defs := registry.Definitions(tools.NewSet(tools.NameSelectTools, tools.NameRenderUI))

	out := makeTools(defs)
	require.Len(t, out, 2)
	for _, tool := range out {
		assert.Equal(t, go_openai.ToolTypeFunction, tool.Type)
		assert.NotEmpty(t, tool.Function.Name)
		assert.NotEmpty(t, tool.Function.Description)
	}
}

func TestToolChoiceMapping(t *testing.T) {
	assert.Equal(t, "auto", toolChoiceString(tools.ToolChoiceAuto))
	assert.Equal(t, "none", toolChoiceString(tools.ToolChoiceNone))
	assert.Equal(t, "required", toolChoiceString(tools.ToolChoiceRequired))
}

func TestMessageToBlocks(t *testing.T) {
	msg := go_openai.ChatCompletionMessage{
		Role:    go_openai.ChatMessageRoleAssistant,
		Content: "here you go",
		ToolCalls: []go_openai.ToolCall{{
			ID:   "call-1",
			Type: go_openai.ToolTypeFunction,
			Function: go_openai.FunctionCall{
				Name:      "render_ui",
				Arguments: `{"spec": "{}"}`,
			},
		}},
	}

	blocks := messageToBlocks(msg)
	require.Len(t, blocks, 2)
	assert.Equal(t, turns.BlockKindLLMText, blocks[0].Kind)
	assert.Equal(t, turns.BlockKindToolCall, blocks[1].Kind)
	assert.Equal(t, "render_ui", turns.BlockToolName(blocks[1]))
}

func TestMessageToBlocksMalformedArguments(t *testing.T) {
	msg := go_openai.ChatCompletionMessage{
		ToolCalls: []go_openai.ToolCall{{
			ID:       "call-1",
			Type:     go_openai.ToolTypeFunction,
			Function: go_openai.FunctionCall{Name: "render_ui", Arguments: "{not json"},
		}},
	}

	blocks := messageToBlocks(msg)
	require.Len(t, blocks, 1)
	args, ok := blocks[0].Payload[turns.PayloadKeyArgs].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "{not json", args["_raw"])
}
