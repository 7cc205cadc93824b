package turns

import "strings"

// Scanning helpers over the accumulated steps of a Turn. The policy engine
// is a pure function over this data, so everything here is read-only.

// BlockToolName extracts the tool name from a tool_call or tool_use block.
func BlockToolName(b Block) string {
	name, _ := b.Payload[PayloadKeyName].(string)
	return name
}

// StepToolCalls returns the tool_call blocks of a step in order.
func StepToolCalls(s Step) []Block {
	return FindBlocksByKind(s, BlockKindToolCall)
}

// HasToolCall reports whether any step contains a tool_call for the named tool.
func HasToolCall(steps []Step, name string) bool {
	for _, s := range steps {
		for _, b := range StepToolCalls(s) {
			if BlockToolName(b) == name {
				return true
			}
		}
	}
	return false
}

// HasCompletedToolUse reports whether any step contains a tool_use result for
// the named tool that did not end in an error.
func HasCompletedToolUse(steps []Step, name string) bool {
	for _, s := range steps {
		for _, b := range FindBlocksByKind(s, BlockKindToolUse) {
			if BlockToolName(b) != name {
				continue
			}
			if _, failed := b.Payload[PayloadKeyError]; failed {
				continue
			}
			return true
		}
	}
	return false
}

// HasValidToolUse is like HasCompletedToolUse but additionally rejects results
// the tool flagged as recovered-from-invalid-input. A degraded fallback result
// does not satisfy a forced-tool rule.
func HasValidToolUse(steps []Step, name string) bool {
	for _, s := range steps {
		for _, b := range FindBlocksByKind(s, BlockKindToolUse) {
			if BlockToolName(b) != name {
				continue
			}
			if _, failed := b.Payload[PayloadKeyError]; failed {
				continue
			}
			if recovered, _ := b.Metadata[MetaKeyRecovered].(bool); recovered {
				continue
			}
			return true
		}
	}
	return false
}

// AssistantText concatenates the llm_text blocks of all steps.
func AssistantText(t *Turn) string {
	if t == nil {
		return ""
	}
	var parts []string
	for _, s := range t.Steps {
		for _, b := range FindBlocksByKind(s, BlockKindLLMText) {
			if txt, _ := b.Payload[PayloadKeyText].(string); txt != "" {
				parts = append(parts, txt)
			}
		}
	}
	return strings.Join(parts, "\n")
}
