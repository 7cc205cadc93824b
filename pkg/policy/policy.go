package policy

import (
	"github.com/go-go-golems/steward/pkg/tools"
	"github.com/go-go-golems/steward/pkg/turns"
)

// Rule identifies which branch of the per-step decision produced a directive.
type Rule string

const (
	RuleInitial         Rule = "initial"
	RuleForcedGrounding Rule = "forced_grounding"
	RuleForcedUI        Rule = "forced_ui"
	RuleForcedUILatent  Rule = "forced_ui_latent"
	RuleRenderSatisfied Rule = "render_satisfied"
	RuleDefault         Rule = "default"
)

// Directive is the per-step decision: which tools the model may call on the
// next generation round and whether calling one is mandatory.
type Directive struct {
	StepIndex   int
	ActiveTools tools.Set
	ToolChoice  tools.ToolChoice
	Rule        Rule
}

// Decide computes the directive for the next step of a turn. It is a pure
// function of the turn's classification flags and the steps accumulated so
// far; evaluating it fresh each step keeps the state machine implicit in the
// data rather than in a persisted automaton.
func Decide(t *turns.Turn, steps []turns.Step) Directive {
	// The model must route through select_tools before anything else.
	if len(steps) == 0 {
		return Directive{
			StepIndex:   0,
			ActiveTools: tools.NewSet(tools.NameSelectTools),
			ToolChoice:  tools.ToolChoiceRequired,
			Rule:        RuleInitial,
		}
	}

	selected := tools.ExtractSelected(steps)
	if t.PrefersTabularText {
		// Tabular answers render as plain text; the model's nomination of
		// visual tools is dropped unless a forcing rule re-adds them.
		selected.Remove(tools.NameRenderUI, tools.NameGoogleSearch)
	}

	index := len(steps)
	renderFulfilled := turns.HasValidToolUse(steps, string(tools.NameRenderUI))

	switch {
	case t.RequiresGrounding && !turns.HasCompletedToolUse(steps, string(tools.NameGoogleSearch)):
		active := selected.Clone()
		active.Remove(tools.NameNoActionNeeded)
		active.Add(tools.NameGoogleSearch, tools.NameSelectTools)
		return Directive{
			StepIndex:   index,
			ActiveTools: active,
			ToolChoice:  tools.ToolChoiceRequired,
			Rule:        RuleForcedGrounding,
		}

	case t.RequiresUIRender && !t.PrefersTabularText && !renderFulfilled:
		return Directive{
			StepIndex:   index,
			ActiveTools: forcedRenderSet(selected),
			ToolChoice:  tools.ToolChoiceRequired,
			Rule:        RuleForcedUI,
		}

	case !t.PrefersTabularText && !renderFulfilled &&
		(selected.Contains(tools.NameRenderUI) || tools.WasEverSelected(steps, tools.NameRenderUI)):
		// Once the model signals intent to render UI it cannot escape into a
		// plain-text completion without fulfilling that intent.
		return Directive{
			StepIndex:   index,
			ActiveTools: forcedRenderSet(selected),
			ToolChoice:  tools.ToolChoiceRequired,
			Rule:        RuleForcedUILatent,
		}

	case renderFulfilled:
		// UI rendering is single-use per turn; drop it from the active set so
		// one response cannot emit duplicate renders.
		active := tools.BuildActive(selected)
		active.Remove(tools.NameRenderUI)
		return Directive{
			StepIndex:   index,
			ActiveTools: active,
			ToolChoice:  tools.ToolChoiceAuto,
			Rule:        RuleRenderSatisfied,
		}

	default:
		return Directive{
			StepIndex:   index,
			ActiveTools: tools.BuildActive(selected),
			ToolChoice:  tools.ToolChoiceAuto,
			Rule:        RuleDefault,
		}
	}
}

func forcedRenderSet(selected tools.Set) tools.Set {
	active := selected.Clone()
	active.Remove(tools.NameSelectTools, tools.NameNoActionNeeded)
	active.Add(tools.NameRenderUI, tools.NameSelectTools)
	return active
}

// Done reports whether the turn loop should stop: either the latest step
// produced no tool calls (natural stop) or the step budget is exhausted.
// Hitting the budget is a normal completion with whatever partial result
// exists, not an error.
func Done(t *turns.Turn) bool {
	if len(t.Steps) >= t.StepBudget() {
		return true
	}
	last := turns.LastStep(t)
	if last == nil {
		return false
	}
	return len(turns.StepToolCalls(*last)) == 0
}
