package openai

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/steward/pkg/credits"
	"github.com/go-go-golems/steward/pkg/inference/engine"
	"github.com/go-go-golems/steward/pkg/tools"
	"github.com/go-go-golems/steward/pkg/turns"
)

// Engine implements inference against the OpenAI chat completions API.
type Engine struct {
	client *go_openai.Client
}

type Option func(*Engine)

func WithClient(client *go_openai.Client) Option {
	return func(e *Engine) {
		e.client = client
	}
}

func NewEngine(apiKey string, options ...Option) *Engine {
	e := &Engine{
		client: go_openai.NewClient(apiKey),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) RunStep(ctx context.Context, req engine.StepRequest) (engine.StepResult, error) {
	messages, err := blocksToMessages(req.History)
	if err != nil {
		return engine.StepResult{}, err
	}

	chatReq := go_openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxOutputUnits > 0 {
		chatReq.MaxTokens = req.MaxOutputUnits
	}
	if len(req.ActiveTools) > 0 {
		chatReq.Tools = makeTools(req.ActiveTools)
		chatReq.ToolChoice = toolChoiceString(req.ToolChoice)
	}

	log.Debug().
		Str("model", req.Model).
		Int("messages", len(messages)).
		Int("tools", len(chatReq.Tools)).
		Msg("running chat completion step")

	resp, err := e.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return engine.StepResult{}, errors.Wrap(err, "chat completion failed")
	}
	if len(resp.Choices) == 0 {
		return engine.StepResult{}, errors.New("chat completion returned no choices")
	}

	choice := resp.Choices[0]
	result := engine.StepResult{
		Blocks: messageToBlocks(choice.Message),
		Usage: credits.Usage{
			InputUnits:  resp.Usage.PromptTokens,
			OutputUnits: resp.Usage.CompletionTokens,
		},
		StopReason: stopReason(choice.FinishReason),
	}
	return result, nil
}

func makeTools(defs []tools.Definition) []go_openai.Tool {
	out := make([]go_openai.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, go_openai.Tool{
			Type: go_openai.ToolTypeFunction,
			Function: go_openai.FunctionDefinition{
				Name:        string(def.Name),
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return out
}

func toolChoiceString(choice tools.ToolChoice) any {
	switch choice {
	case tools.ToolChoiceRequired:
		return "required"
	case tools.ToolChoiceNone:
		return "none"
	default:
		return "auto"
	}
}

func stopReason(fr go_openai.FinishReason) engine.StopReason {
	switch fr {
	case go_openai.FinishReasonToolCalls, go_openai.FinishReasonFunctionCall:
		return engine.StopReasonToolCalls
	case go_openai.FinishReasonLength:
		return engine.StopReasonLength
	default:
		return engine.StopReasonEndTurn
	}
}

func blocksToMessages(blocks []turns.Block) ([]go_openai.ChatCompletionMessage, error) {
	messages := make([]go_openai.ChatCompletionMessage, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case turns.BlockKindSystem:
			messages = append(messages, go_openai.ChatCompletionMessage{
				Role:    go_openai.ChatMessageRoleSystem,
				Content: payloadString(b, turns.PayloadKeyText),
			})

		case turns.BlockKindUser:
			messages = append(messages, go_openai.ChatCompletionMessage{
				Role:    go_openai.ChatMessageRoleUser,
				Content: payloadString(b, turns.PayloadKeyText),
			})

		case turns.BlockKindLLMText:
			messages = append(messages, go_openai.ChatCompletionMessage{
				Role:    go_openai.ChatMessageRoleAssistant,
				Content: payloadString(b, turns.PayloadKeyText),
			})

		case turns.BlockKindToolCall:
			args, err := marshalPayload(b.Payload[turns.PayloadKeyArgs])
			if err != nil {
				return nil, errors.Wrapf(err, "failed to marshal arguments for tool call %s", payloadString(b, turns.PayloadKeyID))
			}
			// Consecutive tool calls from one step collapse into a single
			// assistant message, matching what the API originally returned.
			if n := len(messages); n > 0 &&
				messages[n-1].Role == go_openai.ChatMessageRoleAssistant &&
				len(messages[n-1].ToolCalls) > 0 {
				messages[n-1].ToolCalls = append(messages[n-1].ToolCalls, toolCall(b, args))
				continue
			}
			messages = append(messages, go_openai.ChatCompletionMessage{
				Role:      go_openai.ChatMessageRoleAssistant,
				ToolCalls: []go_openai.ToolCall{toolCall(b, args)},
			})

		case turns.BlockKindToolUse:
			content, err := marshalPayload(b.Payload[turns.PayloadKeyResult])
			if err != nil {
				return nil, errors.Wrapf(err, "failed to marshal result for tool use %s", payloadString(b, turns.PayloadKeyID))
			}
			messages = append(messages, go_openai.ChatCompletionMessage{
				Role:       go_openai.ChatMessageRoleTool,
				ToolCallID: payloadString(b, turns.PayloadKeyID),
				Content:    content,
			})
		}
	}
	return messages, nil
}

func toolCall(b turns.Block, args string) go_openai.ToolCall {
	return go_openai.ToolCall{
		ID:   payloadString(b, turns.PayloadKeyID),
		Type: go_openai.ToolTypeFunction,
		Function: go_openai.FunctionCall{
			Name:      payloadString(b, turns.PayloadKeyName),
			Arguments: args,
		},
	}
}

func messageToBlocks(msg go_openai.ChatCompletionMessage) []turns.Block {
	var blocks []turns.Block
	if msg.Content != "" {
		blocks = append(blocks, turns.NewAssistantTextBlock(msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			log.Warn().Err(err).
				Str("tool", tc.Function.Name).
				Msg("tool call arguments are not valid JSON, passing raw string")
			args = map[string]any{"_raw": tc.Function.Arguments}
		}
		blocks = append(blocks, turns.NewToolCallBlock(tc.ID, tc.Function.Name, args))
	}
	return blocks
}

func payloadString(b turns.Block, key string) string {
	if s, ok := b.Payload[key].(string); ok {
		return s
	}
	return ""
}

func marshalPayload(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
