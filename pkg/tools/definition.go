package tools

import (
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

// Definition describes a tool exposed to the model.
type Definition struct {
	Name        Name               `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// SelectToolsArgs is the argument payload of the routing tool.
type SelectToolsArgs struct {
	Tools []string `json:"tools" jsonschema:"title=tools,description=Names of the tools needed to answer the current request"`
}

// GoogleSearchArgs is the argument payload of the grounding tool.
type GoogleSearchArgs struct {
	Query string `json:"query" jsonschema:"title=query,description=Search query to ground the answer in"`
}

// RenderUIArgs is the argument payload of the UI render tool.
type RenderUIArgs struct {
	Spec string `json:"spec" jsonschema:"title=spec,description=Widget specification to render"`
}

// GenerateImageArgs is the argument payload of the metered image tool.
type GenerateImageArgs struct {
	Prompt string `json:"prompt" jsonschema:"title=prompt,description=Description of the image to generate"`
}

func reflectSchema(v any) *jsonschema.Schema {
	r := &jsonschema.Reflector{DoNotReference: true}
	return r.Reflect(v)
}

// CatalogDefinitions returns the definitions of the fixed tool catalog,
// keyed by name.
func CatalogDefinitions() map[Name]Definition {
	return map[Name]Definition{
		NameSelectTools: {
			Name:        NameSelectTools,
			Description: "Select the tools needed for the rest of this response. Call again at any time to revise the selection.",
			Parameters:  reflectSchema(&SelectToolsArgs{}),
		},
		NameGoogleSearch: {
			Name:        NameGoogleSearch,
			Description: "Search the web and return result snippets to ground the answer in.",
			Parameters:  reflectSchema(&GoogleSearchArgs{}),
		},
		NameRenderUI: {
			Name:        NameRenderUI,
			Description: "Render an interactive UI widget from a widget specification.",
			Parameters:  reflectSchema(&RenderUIArgs{}),
		},
		NameGenerateImage: {
			Name:        NameGenerateImage,
			Description: "Generate an image from a prompt and persist it. This operation is metered.",
			Parameters:  reflectSchema(&GenerateImageArgs{}),
		},
		NameNoActionNeeded: {
			Name:        NameNoActionNeeded,
			Description: "Signal that no tool work is required for this request.",
			Parameters:  reflectSchema(&struct{}{}),
		},
	}
}

// Registry holds tool definitions for the active catalog.
type Registry struct {
	defs map[Name]Definition
}

// NewRegistry creates a registry preloaded with the fixed catalog.
func NewRegistry() *Registry {
	return &Registry{defs: CatalogDefinitions()}
}

// Get retrieves a definition by name.
func (r *Registry) Get(name Name) (Definition, error) {
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, errors.Errorf("tool not found: %s", name)
	}
	return def, nil
}

// Definitions returns the definitions for the given set, in sorted name order.
// Unknown names are skipped; the policy engine only produces catalog names.
func (r *Registry) Definitions(active Set) []Definition {
	out := make([]Definition, 0, len(active))
	for _, n := range active.Sorted() {
		if def, ok := r.defs[n]; ok {
			out = append(out, def)
		}
	}
	return out
}

// Names returns all catalog names in sorted order.
func (r *Registry) Names() []Name {
	s := make(Set, len(r.defs))
	for n := range r.defs {
		s[n] = struct{}{}
	}
	return s.Sorted()
}
