package tools

import (
	"encoding/json"

	"github.com/go-go-golems/steward/pkg/turns"
)

// Selection cache over the steps of a single turn. The model nominates tools
// by calling select_tools; the latest call replaces the working set rather
// than merging into it. Nothing here is persisted across turns.

func decodeSelectArgs(raw any) []string {
	var args SelectToolsArgs
	switch v := raw.(type) {
	case SelectToolsArgs:
		args = v
	case *SelectToolsArgs:
		if v != nil {
			args = *v
		}
	case string:
		_ = json.Unmarshal([]byte(v), &args)
	case json.RawMessage:
		_ = json.Unmarshal(v, &args)
	default:
		if b, err := json.Marshal(v); err == nil {
			_ = json.Unmarshal(b, &args)
		}
	}
	return args.Tools
}

// ExtractSelected scans steps in order and returns the tool set of the most
// recent select_tools call. Each observed call replaces the working set; the
// model calling the routing tool again is the cache invalidation.
func ExtractSelected(steps []turns.Step) Set {
	selected := NewSet()
	for _, s := range steps {
		for _, b := range turns.StepToolCalls(s) {
			if turns.BlockToolName(b) != string(NameSelectTools) {
				continue
			}
			names := decodeSelectArgs(b.Payload[turns.PayloadKeyArgs])
			selected = NewSet()
			for _, n := range names {
				selected.Add(Name(n))
			}
		}
	}
	return selected
}

// WasEverSelected reports whether the tool appeared in any select_tools call,
// regardless of recency. Used to honor an earlier unfulfilled intent even
// after the model revised its selection.
func WasEverSelected(steps []turns.Step, tool Name) bool {
	for _, s := range steps {
		for _, b := range turns.StepToolCalls(s) {
			if turns.BlockToolName(b) != string(NameSelectTools) {
				continue
			}
			for _, n := range decodeSelectArgs(b.Payload[turns.PayloadKeyArgs]) {
				if Name(n) == tool {
					return true
				}
			}
		}
	}
	return false
}

// BuildActive returns the active tool set derived from a selection. The
// routing tool is always added back so the model retains the ability to
// revise its tool choice.
func BuildActive(selected Set) Set {
	active := selected.Clone()
	active.Add(NameSelectTools)
	return active
}
