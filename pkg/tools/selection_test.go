package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/go-go-golems/steward/pkg/turns"
)

func stepWithSelect(names ...string) turns.Step {
	return turns.Step{Blocks: []turns.Block{
		turns.NewToolCallBlock("c1", string(NameSelectTools), map[string]any{"tools": names}),
	}}
}

func TestExtractSelectedEmpty(t *testing.T) {
	assert.Empty(t, ExtractSelected(nil))
	assert.Empty(t, ExtractSelected([]turns.Step{{}}))
}

func TestExtractSelectedLatestWins(t *testing.T) {
	steps := []turns.Step{
		stepWithSelect("google_search", "render_ui"),
		stepWithSelect("generate_image"),
	}

	selected := ExtractSelected(steps)
	assert.True(t, selected.Equal(NewSet(NameGenerateImage)),
		"a later selection replaces the working set instead of merging into it")
}

func TestExtractSelectedEmptyReselectionClears(t *testing.T) {
	steps := []turns.Step{
		stepWithSelect("google_search"),
		stepWithSelect(),
	}

	assert.Empty(t, ExtractSelected(steps))
}

func TestExtractSelectedJSONStringArgs(t *testing.T) {
	// Providers sometimes hand back arguments as a raw JSON string.
	step := turns.Step{Blocks: []turns.Block{
		turns.NewToolCallBlock("c1", string(NameSelectTools), `{"tools": ["render_ui"]}`),
	}}

	selected := ExtractSelected([]turns.Step{step})
	assert.True(t, selected.Contains(NameRenderUI))
}

func TestWasEverSelected(t *testing.T) {
	steps := []turns.Step{
		stepWithSelect("render_ui"),
		stepWithSelect("google_search"),
	}

	assert.True(t, WasEverSelected(steps, NameRenderUI))
	assert.True(t, WasEverSelected(steps, NameGoogleSearch))
	assert.False(t, WasEverSelected(steps, NameGenerateImage))
}

func TestBuildActiveAlwaysIncludesRoutingTool(t *testing.T) {
	active := BuildActive(NewSet(NameGoogleSearch))
	assert.True(t, active.Contains(NameSelectTools))
	assert.True(t, active.Contains(NameGoogleSearch))

	active = BuildActive(NewSet())
	assert.True(t, active.Equal(NewSet(NameSelectTools)))
}

func TestRegistryDefinitionsSortedSubset(t *testing.T) {
	r := NewRegistry()
	defs := r.Definitions(NewSet(NameRenderUI, NameGoogleSearch))

	assert.Len(t, defs, 2)
	assert.Equal(t, NameGoogleSearch, defs[0].Name)
	assert.Equal(t, NameRenderUI, defs[1].Name)
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("launch_rockets")
	assert.Error(t, err)
}
