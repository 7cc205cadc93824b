package turns

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// BlockKind represents the kind of a block within a Step.
type BlockKind int

const (
	BlockKindUnknown BlockKind = iota
	BlockKindSystem
	BlockKindUser
	BlockKindLLMText
	BlockKindToolCall
	BlockKindToolUse
	BlockKindOther
)

// String returns a human-readable identifier for the BlockKind.
func (k BlockKind) String() string {
	switch k {
	case BlockKindSystem:
		return "system"
	case BlockKindUser:
		return "user"
	case BlockKindLLMText:
		return "llm_text"
	case BlockKindToolCall:
		return "tool_call"
	case BlockKindToolUse:
		return "tool_use"
	case BlockKindOther:
		return "other"
	default:
		return "unknown"
	}
}

// YAML serialization for BlockKind using stable string names
func (k BlockKind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

func (k *BlockKind) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		*k = BlockKindUnknown
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system":
		*k = BlockKindSystem
	case "user":
		*k = BlockKindUser
	case "llm_text":
		*k = BlockKindLLMText
	case "tool_call":
		*k = BlockKindToolCall
	case "tool_use":
		*k = BlockKindToolUse
	case "other":
		*k = BlockKindOther
	default:
		*k = BlockKindUnknown
	}
	return nil
}

// Block represents a single atomic unit within a Step.
type Block struct {
	ID      string         `yaml:"id,omitempty"`
	Kind    BlockKind      `yaml:"kind"`
	Role    string         `yaml:"role,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`
	// Metadata stores arbitrary metadata about the block
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

// Clone returns a deep-enough copy of the Block for independent mutation.
// Payload and Metadata maps are copied; reference-typed values inside remain shared.
func (b Block) Clone() Block {
	out := b
	if b.Payload != nil {
		cp := make(map[string]any, len(b.Payload))
		for k, v := range b.Payload {
			cp[k] = v
		}
		out.Payload = cp
	}
	if b.Metadata != nil {
		cp := make(map[string]any, len(b.Metadata))
		for k, v := range b.Metadata {
			cp[k] = v
		}
		out.Metadata = cp
	}
	return out
}

// Step is one generation round within a Turn. Blocks accumulate the model
// output and any tool calls and tool results produced during the round.
type Step struct {
	Index  int     `yaml:"index"`
	Blocks []Block `yaml:"blocks"`
}

// Clone returns a deep copy of the Step.
func (s Step) Clone() Step {
	out := Step{Index: s.Index}
	if len(s.Blocks) == 0 {
		return out
	}
	out.Blocks = make([]Block, len(s.Blocks))
	for i := range s.Blocks {
		out.Blocks[i] = s.Blocks[i].Clone()
	}
	return out
}

// Turn is one user-initiated request cycle through the agent loop.
// It carries the classification flags the policy engine evaluates each step
// and the ordered, append-only sequence of Steps produced so far.
// Turns live for one request and are not persisted by this package.
type Turn struct {
	ID        string `yaml:"id,omitempty"`
	Workspace string `yaml:"workspace,omitempty"`
	Principal string `yaml:"principal,omitempty"`
	Model     string `yaml:"model,omitempty"`

	RequiresGrounding  bool `yaml:"requires_grounding,omitempty"`
	RequiresUIRender   bool `yaml:"requires_ui_render,omitempty"`
	PrefersTabularText bool `yaml:"prefers_tabular_text,omitempty"`

	// MaxSteps caps the number of generation rounds; zero means DefaultMaxSteps.
	MaxSteps int `yaml:"max_steps,omitempty"`

	// Prompt holds the initial system/user blocks for the turn.
	Prompt []Block `yaml:"prompt,omitempty"`
	Steps  []Step  `yaml:"steps,omitempty"`
}

// DefaultMaxSteps is the hard circuit breaker against runaway agent loops.
const DefaultMaxSteps = 25

// StepBudget returns the effective maximum number of steps for the turn.
func (t *Turn) StepBudget() int {
	if t == nil || t.MaxSteps <= 0 {
		return DefaultMaxSteps
	}
	return t.MaxSteps
}

// Clone returns a deep copy of the Turn suitable for mutation without
// affecting the original.
func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	out := &Turn{
		ID:                 t.ID,
		Workspace:          t.Workspace,
		Principal:          t.Principal,
		Model:              t.Model,
		RequiresGrounding:  t.RequiresGrounding,
		RequiresUIRender:   t.RequiresUIRender,
		PrefersTabularText: t.PrefersTabularText,
		MaxSteps:           t.MaxSteps,
	}
	if len(t.Prompt) > 0 {
		out.Prompt = make([]Block, len(t.Prompt))
		for i := range t.Prompt {
			out.Prompt[i] = t.Prompt[i].Clone()
		}
	}
	if len(t.Steps) > 0 {
		out.Steps = make([]Step, len(t.Steps))
		for i := range t.Steps {
			out.Steps[i] = t.Steps[i].Clone()
		}
	}
	return out
}

// AppendStep appends a Step to the Turn, assigning the next ordinal index.
func AppendStep(t *Turn, blocks ...Block) *Step {
	t.Steps = append(t.Steps, Step{Index: len(t.Steps), Blocks: blocks})
	return &t.Steps[len(t.Steps)-1]
}

// LastStep returns the most recent Step, or nil when none exist.
func LastStep(t *Turn) *Step {
	if t == nil || len(t.Steps) == 0 {
		return nil
	}
	return &t.Steps[len(t.Steps)-1]
}

// History flattens the prompt and all step blocks into the ordered message
// history handed to the generation provider.
func (t *Turn) History() []Block {
	if t == nil {
		return nil
	}
	out := make([]Block, 0, len(t.Prompt))
	out = append(out, t.Prompt...)
	for _, s := range t.Steps {
		out = append(out, s.Blocks...)
	}
	return out
}

// FindBlocksByKind returns blocks of the requested kinds from the Step in order.
func FindBlocksByKind(s Step, kinds ...BlockKind) []Block {
	lookup := map[BlockKind]bool{}
	for _, k := range kinds {
		lookup[k] = true
	}
	ret := make([]Block, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		if lookup[b.Kind] {
			ret = append(ret, b)
		}
	}
	return ret
}
