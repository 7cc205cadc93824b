package loop

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/steward/pkg/artifacts"
	"github.com/go-go-golems/steward/pkg/credits"
	"github.com/go-go-golems/steward/pkg/credits/reservation"
	"github.com/go-go-golems/steward/pkg/events"
	"github.com/go-go-golems/steward/pkg/inference/engine"
	"github.com/go-go-golems/steward/pkg/tools"
	"github.com/go-go-golems/steward/pkg/turns"
)

// scriptedEngine replays canned step results and records every request it
// received, so tests can assert on the tool sets the loop offered.
type scriptedEngine struct {
	script   []engine.StepResult
	requests []engine.StepRequest
	onStep   func(step int)
}

func (e *scriptedEngine) RunStep(ctx context.Context, req engine.StepRequest) (engine.StepResult, error) {
	step := len(e.requests)
	e.requests = append(e.requests, req)
	if e.onStep != nil {
		e.onStep(step)
	}
	if step < len(e.script) {
		return e.script[step], nil
	}
	return engine.StepResult{
		Blocks:     []turns.Block{turns.NewAssistantTextBlock("done")},
		StopReason: engine.StopReasonEndTurn,
	}, nil
}

type loopSearcher struct{}

func (loopSearcher) Search(ctx context.Context, query string) ([]tools.SearchResult, error) {
	return []tools.SearchResult{{Title: "hit", URL: "https://example.com"}}, nil
}

type loopImageGen struct{}

func (loopImageGen) GenerateImage(ctx context.Context, prompt string) ([]byte, string, error) {
	return []byte("png-bytes"), "image/png", nil
}

func selectToolsResult(names ...string) engine.StepResult {
	return engine.StepResult{
		Blocks: []turns.Block{
			turns.NewToolCallBlock("call-select", "select_tools", map[string]any{"tools": names}),
		},
		Usage:      credits.Usage{InputUnits: 10, OutputUnits: 20},
		StopReason: engine.StopReasonToolCalls,
	}
}

func textResult(text string) engine.StepResult {
	return engine.StepResult{
		Blocks:     []turns.Block{turns.NewAssistantTextBlock(text)},
		Usage:      credits.Usage{InputUnits: 10, OutputUnits: 100},
		StopReason: engine.StopReasonEndTurn,
	}
}

func newTestLoop(t *testing.T, eng engine.Engine, ledger credits.Ledger, opts ...Option) *Loop {
	t.Helper()
	l, err := NewLoop(append([]Option{
		WithEngine(eng),
		WithLedger(ledger),
		WithExecutor(tools.NewExecutor(tools.WithSearcher(loopSearcher{}))),
	}, opts...)...)
	require.NoError(t, err)
	return l
}

func newTestLedger(balance int64) *credits.InMemoryLedger {
	ledger := credits.NewInMemoryLedger(credits.DefaultPricing())
	ledger.SetAllocation("ws", credits.Allocation{Balance: balance, MaxOutputUnits: 4096})
	return ledger
}

func testTurn() *turns.Turn {
	return &turns.Turn{
		ID:        "turn-1",
		Workspace: "ws",
		Principal: "user-1",
		Model:     "gpt-4o-mini",
		Prompt:    []turns.Block{turns.NewUserTextBlock("hello")},
	}
}

func TestRunTurnDeniedWithoutAllocation(t *testing.T) {
	eng := &scriptedEngine{}
	ledger := credits.NewInMemoryLedger(credits.DefaultPricing())
	l := newTestLoop(t, eng, ledger)

	res, err := l.RunTurn(context.Background(), testTurn())
	require.NoError(t, err)
	assert.True(t, res.Denied)
	assert.Equal(t, credits.CodeNoAllocation, res.DenyCode)
	assert.NotEmpty(t, res.DenyMessage)
	assert.Empty(t, eng.requests, "a denied turn never reaches the model")
}

func TestRunTurnDeniedModelNotAllowed(t *testing.T) {
	ledger := credits.NewInMemoryLedger(credits.DefaultPricing())
	ledger.SetAllocation("ws", credits.Allocation{Balance: 100, AllowedModels: []string{"gpt-4o"}})
	l := newTestLoop(t, &scriptedEngine{}, ledger)

	res, err := l.RunTurn(context.Background(), testTurn())
	require.NoError(t, err)
	assert.True(t, res.Denied)
	assert.Equal(t, credits.CodeModelNotAllowed, res.DenyCode)
}

func TestRunTurnFirstStepOffersOnlyRoutingTool(t *testing.T) {
	eng := &scriptedEngine{script: []engine.StepResult{
		selectToolsResult("google_search"),
		textResult("the answer"),
	}}
	l := newTestLoop(t, eng, newTestLedger(1000))

	res, err := l.RunTurn(context.Background(), testTurn())
	require.NoError(t, err)
	require.False(t, res.Denied)

	require.NotEmpty(t, eng.requests)
	first := eng.requests[0]
	require.Len(t, first.ActiveTools, 1)
	assert.Equal(t, tools.NameSelectTools, first.ActiveTools[0].Name)
	assert.Equal(t, tools.ToolChoiceRequired, first.ToolChoice)
}

func TestRunTurnCompletesAndDebits(t *testing.T) {
	eng := &scriptedEngine{script: []engine.StepResult{
		selectToolsResult("google_search"),
		textResult("the answer"),
	}}
	ledger := newTestLedger(1000)
	l := newTestLoop(t, eng, ledger)

	tr := testTurn()
	res, err := l.RunTurn(context.Background(), tr)
	require.NoError(t, err)

	assert.Equal(t, StopReasonEndTurn, res.StopReason)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, "the answer", res.ResponseText)
	assert.Equal(t, 120, res.Usage.OutputUnits)

	// 120 output units at 1 credit per kilo rounds up to 1 credit.
	assert.Equal(t, int64(999), ledger.Balance("ws"))

	// The select_tools call got a matching tool_use block in the same step.
	require.Len(t, tr.Steps, 2)
	uses := turns.FindBlocksByKind(tr.Steps[0], turns.BlockKindToolUse)
	require.Len(t, uses, 1)
	assert.Equal(t, "select_tools", turns.BlockToolName(uses[0]))
}

func TestRunTurnSecondStepOffersSelectedTools(t *testing.T) {
	eng := &scriptedEngine{script: []engine.StepResult{
		selectToolsResult("google_search"),
		textResult("grounded answer"),
	}}
	l := newTestLoop(t, eng, newTestLedger(1000))

	_, err := l.RunTurn(context.Background(), testTurn())
	require.NoError(t, err)

	require.Len(t, eng.requests, 2)
	second := eng.requests[1]
	names := make([]tools.Name, 0, len(second.ActiveTools))
	for _, d := range second.ActiveTools {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []tools.Name{tools.NameGoogleSearch, tools.NameSelectTools}, names)
	assert.Equal(t, tools.ToolChoiceAuto, second.ToolChoice)
}

func TestRunTurnGroundingForcedUntilSearchCompletes(t *testing.T) {
	searchCall := engine.StepResult{
		Blocks: []turns.Block{
			turns.NewToolCallBlock("call-search", "google_search", map[string]any{"query": "weather"}),
		},
		Usage:      credits.Usage{OutputUnits: 10},
		StopReason: engine.StopReasonToolCalls,
	}
	eng := &scriptedEngine{script: []engine.StepResult{
		selectToolsResult("google_search"),
		searchCall,
		textResult("grounded answer"),
	}}
	l := newTestLoop(t, eng, newTestLedger(1000))

	tr := testTurn()
	tr.RequiresGrounding = true
	res, err := l.RunTurn(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, "grounded answer", res.ResponseText)
	assert.Equal(t, 1, res.Usage.SearchCount)

	require.Len(t, eng.requests, 3)
	assert.Equal(t, tools.ToolChoiceRequired, eng.requests[1].ToolChoice,
		"grounding stays forced until a search completes")
	assert.Equal(t, tools.ToolChoiceAuto, eng.requests[2].ToolChoice)
}

func TestRunTurnChargesImageExactlyOnce(t *testing.T) {
	// Ledger and reservation backend share one balance, the way the sqlite
	// wiring deploys them. The committed hold is the only image charge; the
	// end-of-turn settlement must not price the image again.
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	ledger, err := credits.NewSQLiteLedger(dsn, credits.DefaultPricing())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	require.NoError(t, ledger.SetAllocation(ctx, "ws",
		credits.Allocation{Balance: 1000, MaxOutputUnits: 4096}))

	backend, err := reservation.NewSQLiteBackend(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	eng := &scriptedEngine{script: []engine.StepResult{
		selectToolsResult("generate_image"),
		{
			Blocks: []turns.Block{
				turns.NewToolCallBlock("call-img", "generate_image", map[string]any{"prompt": "a lighthouse"}),
			},
			Usage:      credits.Usage{OutputUnits: 10},
			StopReason: engine.StopReasonToolCalls,
		},
		textResult("here is your image"),
	}}
	l, err := NewLoop(
		WithEngine(eng),
		WithLedger(ledger),
		WithExecutor(tools.NewExecutor(
			tools.WithImageGenerator(loopImageGen{}),
			tools.WithArtifactStore(artifacts.NewInMemoryStore()),
			tools.WithReservations(reservation.NewManager(backend)),
		)),
	)
	require.NoError(t, err)

	res, err := l.RunTurn(ctx, testTurn())
	require.NoError(t, err)
	require.False(t, res.Denied)
	assert.Equal(t, 1, res.Usage.ImageCount)

	// 1000 minus the 50 credit committed hold, minus 1 credit for 130
	// output units at the gpt-4o-mini rate. Nothing else may be deducted.
	balance, err := ledger.Balance(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, int64(949), balance)
}

func TestRunTurnStepBudgetIsNormalCompletion(t *testing.T) {
	// The model never stops calling tools; the circuit breaker must kick in.
	eng := &scriptedEngine{}
	eng.onStep = func(int) {}
	relentless := engine.StepResult{
		Blocks: []turns.Block{
			turns.NewToolCallBlock("call-n", "google_search", map[string]any{"query": "more"}),
		},
		Usage:      credits.Usage{OutputUnits: 1},
		StopReason: engine.StopReasonToolCalls,
	}
	script := make([]engine.StepResult, turns.DefaultMaxSteps+5)
	for i := range script {
		script[i] = relentless
	}
	eng.script = script

	l := newTestLoop(t, eng, newTestLedger(100000))

	res, err := l.RunTurn(context.Background(), testTurn())
	require.NoError(t, err, "hitting the step cap is not an error")
	assert.Equal(t, StopReasonStepBudget, res.StopReason)
	assert.Equal(t, turns.DefaultMaxSteps, res.Steps)
}

func TestRunTurnStepBudgetWithRenderStillForced(t *testing.T) {
	// The model keeps searching and never renders, so the forced ui rule is
	// still armed when the breaker fires. That is still normal completion.
	eng := &scriptedEngine{}
	relentless := engine.StepResult{
		Blocks: []turns.Block{
			turns.NewToolCallBlock("call-n", "google_search", map[string]any{"query": "more"}),
		},
		Usage:      credits.Usage{OutputUnits: 1},
		StopReason: engine.StopReasonToolCalls,
	}
	script := make([]engine.StepResult, turns.DefaultMaxSteps+5)
	for i := range script {
		script[i] = relentless
	}
	eng.script = script

	l := newTestLoop(t, eng, newTestLedger(100000))

	tr := testTurn()
	tr.RequiresUIRender = true
	res, err := l.RunTurn(context.Background(), tr)
	require.NoError(t, err, "an unsatisfied render obligation never turns the cap into an error")
	assert.Equal(t, StopReasonStepBudget, res.StopReason)
	assert.Equal(t, turns.DefaultMaxSteps, res.Steps)

	last := eng.requests[len(eng.requests)-1]
	assert.Equal(t, tools.ToolChoiceRequired, last.ToolChoice,
		"the render obligation was still being forced on the final step")
	names := make([]tools.Name, 0, len(last.ActiveTools))
	for _, d := range last.ActiveTools {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, tools.NameRenderUI)
}

func TestRunTurnCancellationStopsSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eng := &scriptedEngine{
		script: []engine.StepResult{selectToolsResult("google_search")},
		onStep: func(step int) {
			if step == 0 {
				cancel()
			}
		},
	}
	ledger := newTestLedger(1000)
	l := newTestLoop(t, eng, ledger)

	res, err := l.RunTurn(ctx, testTurn())
	require.NoError(t, err)
	assert.Equal(t, StopReasonCancelled, res.StopReason)
	assert.Equal(t, 1, res.Steps)
	assert.Equal(t, int64(999), ledger.Balance("ws"),
		"usage incurred before cancellation is still debited")
}

func TestRunTurnPublishesLifecycleEvents(t *testing.T) {
	eng := &scriptedEngine{script: []engine.StepResult{
		selectToolsResult("google_search"),
		textResult("answer"),
	}}
	l := newTestLoop(t, eng, newTestLedger(1000))

	sink := &events.CollectSink{}
	ctx := events.WithEventSinks(context.Background(), sink)

	_, err := l.RunTurn(ctx, testTurn())
	require.NoError(t, err)

	assert.Len(t, sink.ByType(events.EventTypeTurnStarted), 1)
	assert.Len(t, sink.ByType(events.EventTypeStepDecided), 2)
	assert.Len(t, sink.ByType(events.EventTypeToolExecuted), 1)
	assert.Len(t, sink.ByType(events.EventTypeTurnFinished), 1)
}

func TestRunTurnDeniedPublishesEvent(t *testing.T) {
	l := newTestLoop(t, &scriptedEngine{}, credits.NewInMemoryLedger(credits.DefaultPricing()))

	sink := &events.CollectSink{}
	ctx := events.WithEventSinks(context.Background(), sink)

	_, err := l.RunTurn(ctx, testTurn())
	require.NoError(t, err)
	require.Len(t, sink.ByType(events.EventTypeTurnDenied), 1)
}
