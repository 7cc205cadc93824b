package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/steward/pkg/artifacts"
	"github.com/go-go-golems/steward/pkg/credits"
	"github.com/go-go-golems/steward/pkg/credits/reservation"
	"github.com/go-go-golems/steward/pkg/turns"
)

// Invocation is a single tool call extracted from a model step.
type Invocation struct {
	ID   string
	Name Name
	Args map[string]any
}

// ExecResult carries the outcome of a tool invocation. Err is a tool-level
// failure that gets recorded on the tool use block; infrastructure failures
// are returned from Execute directly and abort the turn.
type ExecResult struct {
	Result    any
	Recovered bool
	Usage     credits.Usage
	Err       error
}

// SearchResult is one grounding hit returned by a Searcher.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher performs web grounding queries.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// ImageGenerator renders an image for a prompt and returns the encoded bytes
// and their content type.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (data []byte, contentType string, err error)
}

// Executor dispatches tool invocations to their implementations. Dispatch is
// closed: a name outside the catalog is an error, never a silent no-op.
type Executor struct {
	searcher     Searcher
	imageGen     ImageGenerator
	artifacts    artifacts.Store
	reservations *reservation.Manager
	pricing      credits.Pricing
}

type ExecutorOption func(*Executor)

func WithSearcher(s Searcher) ExecutorOption {
	return func(e *Executor) {
		e.searcher = s
	}
}

func WithImageGenerator(g ImageGenerator) ExecutorOption {
	return func(e *Executor) {
		e.imageGen = g
	}
}

func WithArtifactStore(store artifacts.Store) ExecutorOption {
	return func(e *Executor) {
		e.artifacts = store
	}
}

func WithReservations(m *reservation.Manager) ExecutorOption {
	return func(e *Executor) {
		e.reservations = m
	}
}

func WithPricing(p credits.Pricing) ExecutorOption {
	return func(e *Executor) {
		e.pricing = p
	}
}

func NewExecutor(options ...ExecutorOption) *Executor {
	e := &Executor{
		pricing: credits.DefaultPricing(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Execute runs one tool invocation for the given turn. The returned error is
// reserved for internal failures that must stop the turn; ordinary tool
// failures come back inside ExecResult.
func (e *Executor) Execute(ctx context.Context, t *turns.Turn, inv Invocation) (ExecResult, error) {
	log.Debug().
		Str("turn_id", t.ID).
		Str("tool", string(inv.Name)).
		Str("call_id", inv.ID).
		Msg("executing tool")

	switch inv.Name {
	case NameSelectTools:
		return e.execSelectTools(inv), nil
	case NameGoogleSearch:
		return e.execGoogleSearch(ctx, inv), nil
	case NameRenderUI:
		return e.execRenderUI(inv), nil
	case NameGenerateImage:
		return e.execGenerateImage(ctx, t, inv)
	case NameNoActionNeeded:
		return ExecResult{Result: map[string]any{"ok": true}}, nil
	default:
		return ExecResult{}, errors.Errorf("unknown tool: %s", inv.Name)
	}
}

func (e *Executor) execSelectTools(inv Invocation) ExecResult {
	var args SelectToolsArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return ExecResult{Err: errors.Wrap(err, "invalid select_tools arguments")}
	}
	return ExecResult{Result: map[string]any{"selected": args.Tools}}
}

func (e *Executor) execGoogleSearch(ctx context.Context, inv Invocation) ExecResult {
	if e.searcher == nil {
		return ExecResult{Err: errors.New("search is not configured")}
	}
	var args GoogleSearchArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return ExecResult{Err: errors.Wrap(err, "invalid google_search arguments")}
	}
	if strings.TrimSpace(args.Query) == "" {
		return ExecResult{Err: errors.New("search query is empty")}
	}

	results, err := e.searcher.Search(ctx, args.Query)
	if err != nil {
		return ExecResult{Err: errors.Wrap(err, "search failed")}
	}
	return ExecResult{
		Result: map[string]any{"query": args.Query, "results": results},
		Usage:  credits.Usage{SearchCount: 1},
	}
}

// execRenderUI validates the UI description before accepting it. A payload
// that only parses after repair is kept for the transcript but flagged
// recovered, so it does not count as a fulfilled render.
func (e *Executor) execRenderUI(inv Invocation) ExecResult {
	var args RenderUIArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return ExecResult{Err: errors.Wrap(err, "invalid render_ui arguments")}
	}

	spec, recovered, err := parseUISpec(args.Spec)
	if err != nil {
		return ExecResult{Err: err}
	}
	return ExecResult{
		Result:    map[string]any{"rendered": spec},
		Recovered: recovered,
	}
}

func parseUISpec(raw string) (map[string]any, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false, errors.New("ui spec is empty")
	}

	var spec map[string]any
	if err := json.Unmarshal([]byte(raw), &spec); err == nil {
		if err := checkUISpec(spec); err != nil {
			return nil, false, err
		}
		return spec, false, nil
	}

	// The model sometimes wraps the JSON in a markdown fence. Strip it and
	// retry, flagging the result as recovered.
	stripped := stripCodeFence(raw)
	if stripped == raw {
		return nil, false, errors.New("ui spec is not valid JSON")
	}
	if err := json.Unmarshal([]byte(stripped), &spec); err != nil {
		return nil, false, errors.New("ui spec is not valid JSON")
	}
	if err := checkUISpec(spec); err != nil {
		return nil, false, err
	}
	log.Debug().Msg("recovered ui spec from fenced payload")
	return spec, true, nil
}

func checkUISpec(spec map[string]any) error {
	typ, ok := spec["type"].(string)
	if !ok || typ == "" {
		return errors.New("ui spec is missing a type")
	}
	return nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// execGenerateImage reserves credits for the image up front and settles the
// reservation after the generation and upload either both succeed or fail.
// The uploaded artifact is removed again when the reservation is released.
func (e *Executor) execGenerateImage(ctx context.Context, t *turns.Turn, inv Invocation) (ExecResult, error) {
	if e.imageGen == nil {
		return ExecResult{Err: errors.New("image generation is not configured")}, nil
	}
	if e.artifacts == nil {
		return ExecResult{Err: errors.New("artifact storage is not configured")}, nil
	}
	if e.reservations == nil {
		return ExecResult{Err: errors.New("credit reservations are not configured")}, nil
	}

	var args GenerateImageArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return ExecResult{Err: errors.Wrap(err, "invalid generate_image arguments")}, nil
	}
	if strings.TrimSpace(args.Prompt) == "" {
		return ExecResult{Err: errors.New("image prompt is empty")}, nil
	}

	var artifactPath string
	attribution := credits.Attribution{
		Feature: "generate_image",
		Model:   t.Model,
		TurnID:  t.ID,
	}

	_, err := e.reservations.RunMetered(ctx, t.Workspace, t.Principal, e.pricing.ImagePrice, attribution,
		func(opCtx context.Context) (map[string]string, func(context.Context) error, error) {
			data, contentType, err := e.imageGen.GenerateImage(opCtx, args.Prompt)
			if err != nil {
				return nil, nil, errors.Wrap(err, "image generation failed")
			}

			path := fmt.Sprintf("%s/images/%s%s", t.Workspace, uuid.NewString(), extensionFor(contentType))
			url, err := e.artifacts.Upload(opCtx, path, data, contentType)
			if err != nil {
				return nil, nil, errors.Wrap(err, "artifact upload failed")
			}

			artifactPath = url
			cleanup := func(cleanupCtx context.Context) error {
				return e.artifacts.Delete(cleanupCtx, path)
			}
			return map[string]string{"artifact_path": path}, cleanup, nil
		})
	if err != nil {
		if errors.Is(err, reservation.ErrStateConflict) {
			return ExecResult{}, err
		}
		return ExecResult{Err: err, Usage: credits.Usage{}}, nil
	}

	return ExecResult{
		Result: map[string]any{"url": artifactPath},
		Usage:  credits.Usage{ImageCount: 1},
	}, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

func decodeArgs(raw map[string]any, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
