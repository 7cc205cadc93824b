package engine

import (
	"context"

	"github.com/go-go-golems/steward/pkg/credits"
	"github.com/go-go-golems/steward/pkg/tools"
	"github.com/go-go-golems/steward/pkg/turns"
)

// StepRequest describes one model invocation inside a turn. History carries
// the full conversation so far; ActiveTools is the exact set the model may
// call on this step.
type StepRequest struct {
	Model          string
	History        []turns.Block
	ActiveTools    []tools.Definition
	ToolChoice     tools.ToolChoice
	MaxOutputUnits int
}

type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonToolCalls StopReason = "tool_calls"
	StopReasonLength    StopReason = "length"
)

// StepResult is the model's response for one step: assistant text and tool
// call blocks, plus the usage the provider reported for the invocation.
type StepResult struct {
	Blocks     []turns.Block
	Usage      credits.Usage
	StopReason StopReason
}

// Engine runs a single inference step against a model provider.
type Engine interface {
	RunStep(ctx context.Context, req StepRequest) (StepResult, error)
}
