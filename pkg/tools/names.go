package tools

import "sort"

// Name is an opaque tool identifier from the fixed catalog.
type Name string

func (n Name) String() string { return string(n) }

// The tool catalog. select_tools is the routing tool and is always eligible
// to be active so the model can revise its tool choice at any step.
const (
	NameSelectTools    Name = "select_tools"
	NameGoogleSearch   Name = "google_search"
	NameRenderUI       Name = "render_ui"
	NameGenerateImage  Name = "generate_image"
	NameNoActionNeeded Name = "no_action_needed"
)

// ToolChoice defines how the model should choose tools on a step.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"     // Let the model decide
	ToolChoiceNone     ToolChoice = "none"     // Never call tools
	ToolChoiceRequired ToolChoice = "required" // Must call at least one tool
)

// Set is a set of tool names.
type Set map[Name]struct{}

// NewSet builds a Set from the given names.
func NewSet(names ...Name) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s Set) Contains(n Name) bool {
	_, ok := s[n]
	return ok
}

func (s Set) Add(names ...Name) Set {
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s Set) Remove(names ...Name) Set {
	for _, n := range names {
		delete(s, n)
	}
	return s
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for n := range s {
		out[n] = struct{}{}
	}
	return out
}

// Sorted returns the names in lexical order, for deterministic provider
// requests and log output.
func (s Set) Sorted() []Name {
	out := make([]Name, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Equal reports whether two sets contain the same names.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for n := range s {
		if !other.Contains(n) {
			return false
		}
	}
	return true
}
