package loop

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/steward/pkg/credits"
	"github.com/go-go-golems/steward/pkg/events"
	"github.com/go-go-golems/steward/pkg/inference/engine"
	"github.com/go-go-golems/steward/pkg/policy"
	"github.com/go-go-golems/steward/pkg/tools"
	"github.com/go-go-golems/steward/pkg/turns"
)

// DefaultFeature is the billing feature charged for ordinary chat turns.
const DefaultFeature = "chat"

type StopReason string

const (
	StopReasonEndTurn    StopReason = "end_turn"
	StopReasonStepBudget StopReason = "step_budget"
	StopReasonCancelled  StopReason = "cancelled"
)

// TurnResult is the outcome of a completed or denied turn.
type TurnResult struct {
	Denied       bool
	DenyCode     credits.Code
	DenyMessage  string
	StopReason   StopReason
	Steps        int
	Usage        credits.Usage
	ResponseText string
}

// Loop drives a turn through admission, the bounded step loop, and
// settlement.
type Loop struct {
	engine   engine.Engine
	ledger   credits.Ledger
	registry *tools.Registry
	executor *tools.Executor
	pricing  credits.Pricing
	feature  string
}

type Option func(*Loop)

func WithEngine(e engine.Engine) Option {
	return func(l *Loop) {
		l.engine = e
	}
}

func WithLedger(ledger credits.Ledger) Option {
	return func(l *Loop) {
		l.ledger = ledger
	}
}

func WithRegistry(r *tools.Registry) Option {
	return func(l *Loop) {
		l.registry = r
	}
}

func WithExecutor(e *tools.Executor) Option {
	return func(l *Loop) {
		l.executor = e
	}
}

func WithPricing(p credits.Pricing) Option {
	return func(l *Loop) {
		l.pricing = p
	}
}

func WithFeature(feature string) Option {
	return func(l *Loop) {
		l.feature = feature
	}
}

func NewLoop(options ...Option) (*Loop, error) {
	l := &Loop{
		registry: tools.NewRegistry(),
		pricing:  credits.DefaultPricing(),
		feature:  DefaultFeature,
	}
	for _, opt := range options {
		opt(l)
	}
	if l.engine == nil {
		return nil, errors.New("loop requires an inference engine")
	}
	if l.ledger == nil {
		return nil, errors.New("loop requires a credit ledger")
	}
	if l.executor == nil {
		l.executor = tools.NewExecutor()
	}
	return l, nil
}

// RunTurn executes one turn to completion. The turn is mutated in place:
// every step's blocks are appended as they are produced. Credits are checked
// before any model call and debited once at the end, regardless of how the
// turn stopped.
func (l *Loop) RunTurn(ctx context.Context, t *turns.Turn) (*TurnResult, error) {
	check, err := l.ledger.CheckCredits(ctx, t.Workspace, t.Model, l.feature, t.Principal)
	if err != nil {
		// Admission fails closed: an unreadable ledger denies the turn.
		log.Warn().Err(err).
			Str("workspace", t.Workspace).
			Msg("credit check failed, denying turn")
		return l.deny(ctx, t, credits.CodeNoAllocation), nil
	}
	if !check.Allowed {
		return l.deny(ctx, t, check.Code), nil
	}

	maxOutput, ok := l.pricing.CapOutput(t.Model, check.MaxOutputUnits, check.Remaining)
	if !ok {
		return l.deny(ctx, t, credits.CodeCreditsExhausted), nil
	}

	events.PublishEventToContext(ctx, events.NewTurnStartedEvent(t.ID, t.Workspace, t.Model, maxOutput))
	log.Info().
		Str("turn_id", t.ID).
		Str("workspace", t.Workspace).
		Str("model", t.Model).
		Int64("remaining", check.Remaining).
		Int("max_output_units", maxOutput).
		Msg("turn admitted")

	var total credits.Usage
	stopReason := StopReasonEndTurn

	for !policy.Done(t) {
		if ctx.Err() != nil {
			stopReason = StopReasonCancelled
			break
		}

		directive := policy.Decide(t, t.Steps)
		events.PublishEventToContext(ctx, events.NewStepDecidedEvent(
			t.ID, t.Workspace, directive.StepIndex,
			string(directive.Rule), string(directive.ToolChoice),
			setNames(directive.ActiveTools)))

		req := engine.StepRequest{
			Model:          t.Model,
			History:        t.History(),
			ActiveTools:    l.registry.Definitions(directive.ActiveTools),
			ToolChoice:     directive.ToolChoice,
			MaxOutputUnits: maxOutput,
		}
		result, err := l.engine.RunStep(ctx, req)
		if err != nil {
			l.settle(ctx, t, total)
			events.PublishEventToContext(ctx, events.NewErrorEvent(t.ID, t.Workspace, err))
			return nil, errors.Wrapf(err, "step %d failed", directive.StepIndex)
		}

		step := turns.AppendStep(t, result.Blocks...)
		total.Add(result.Usage)

		toolUsage, err := l.runStepTools(ctx, t, step)
		total.Add(toolUsage)
		if err != nil {
			l.settle(ctx, t, total)
			events.PublishEventToContext(ctx, events.NewErrorEvent(t.ID, t.Workspace, err))
			return nil, err
		}
	}

	if stopReason == StopReasonEndTurn {
		if last := turns.LastStep(t); last != nil && len(turns.StepToolCalls(*last)) > 0 {
			// The step cap fired while the model still wanted tools. This is
			// a normal completion, just with a different reason.
			stopReason = StopReasonStepBudget
		}
	}

	l.settle(ctx, t, total)

	res := &TurnResult{
		StopReason:   stopReason,
		Steps:        len(t.Steps),
		Usage:        total,
		ResponseText: finalText(t),
	}
	events.PublishEventToContext(ctx, events.NewTurnFinishedEvent(
		t.ID, t.Workspace, res.Steps, string(stopReason), total.OutputUnits))
	log.Info().
		Str("turn_id", t.ID).
		Int("steps", res.Steps).
		Str("stop_reason", string(stopReason)).
		Msg("turn finished")
	return res, nil
}

// runStepTools executes every tool call the model made in a step and appends
// the matching tool use blocks to the same step. It returns the usage the
// tools themselves incurred.
func (l *Loop) runStepTools(ctx context.Context, t *turns.Turn, step *turns.Step) (credits.Usage, error) {
	var usage credits.Usage
	for _, call := range turns.StepToolCalls(*step) {
		inv := tools.Invocation{
			ID:   blockString(call, turns.PayloadKeyID),
			Name: tools.Name(turns.BlockToolName(call)),
		}
		if args, ok := call.Payload[turns.PayloadKeyArgs].(map[string]any); ok {
			inv.Args = args
		}

		res, err := l.executor.Execute(ctx, t, inv)
		if err != nil {
			return usage, errors.Wrapf(err, "tool %s failed", inv.Name)
		}

		use := turns.NewToolUseBlock(inv.ID, string(inv.Name), res.Result)
		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Error()
			use.Payload[turns.PayloadKeyError] = errMsg
		}
		if res.Recovered {
			use = turns.WithBlockMetadata(use, map[string]any{turns.MetaKeyRecovered: true})
		}
		step.Blocks = append(step.Blocks, use)

		usage.Add(res.Usage)
		events.PublishEventToContext(ctx, events.NewToolExecutedEvent(t.ID, t.Workspace, string(inv.Name), errMsg))
	}
	return usage, nil
}

// settle debits accumulated usage. Settlement is best effort and survives
// caller cancellation.
func (l *Loop) settle(ctx context.Context, t *turns.Turn, usage credits.Usage) {
	if usage == (credits.Usage{}) {
		return
	}
	debitCtx := context.WithoutCancel(ctx)
	attribution := credits.Attribution{
		Feature: l.feature,
		Model:   t.Model,
		TurnID:  t.ID,
	}
	if err := l.ledger.Debit(debitCtx, t.Workspace, t.Principal, usage, attribution); err != nil {
		log.Warn().Err(err).
			Str("turn_id", t.ID).
			Str("workspace", t.Workspace).
			Msg("failed to debit turn usage")
	}
}

func (l *Loop) deny(ctx context.Context, t *turns.Turn, code credits.Code) *TurnResult {
	msg := code.Message()
	events.PublishEventToContext(ctx, events.NewTurnDeniedEvent(t.ID, t.Workspace, string(code), msg))
	log.Info().
		Str("turn_id", t.ID).
		Str("workspace", t.Workspace).
		Str("code", string(code)).
		Msg("turn denied")
	return &TurnResult{
		Denied:      true,
		DenyCode:    code,
		DenyMessage: msg,
	}
}

func finalText(t *turns.Turn) string {
	for i := len(t.Steps) - 1; i >= 0; i-- {
		var parts []string
		for _, b := range turns.FindBlocksByKind(t.Steps[i], turns.BlockKindLLMText) {
			if txt, ok := b.Payload[turns.PayloadKeyText].(string); ok && txt != "" {
				parts = append(parts, txt)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return ""
}

func setNames(s tools.Set) []string {
	names := s.Sorted()
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, string(n))
	}
	return out
}

func blockString(b turns.Block, key string) string {
	if s, ok := b.Payload[key].(string); ok {
		return s
	}
	return ""
}
