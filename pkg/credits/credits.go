package credits

import (
	"context"
)

// Code classifies an admission decision. Every non-empty code is terminal for
// the turn; none of them are retried.
type Code string

const (
	CodeFeatureNotAllowed Code = "FEATURE_NOT_ALLOWED"
	CodeModelNotAllowed   Code = "MODEL_NOT_ALLOWED"
	CodeCreditsExhausted  Code = "CREDITS_EXHAUSTED"
	CodeNoAllocation      Code = "NO_ALLOCATION"
)

// Message maps an admission code to a user-facing denial message.
func (c Code) Message() string {
	switch c {
	case CodeFeatureNotAllowed:
		return "This feature is not enabled for your workspace."
	case CodeModelNotAllowed:
		return "This model is not enabled for your workspace."
	case CodeCreditsExhausted:
		return "Your workspace has run out of credits."
	case CodeNoAllocation:
		return "No credit allocation was found for your workspace."
	default:
		return "Your request could not be admitted."
	}
}

// CheckResult is the outcome of a pre-flight admission check.
type CheckResult struct {
	Allowed   bool
	Remaining int64
	// MaxOutputUnits is the per-request output ceiling configured for the
	// workspace, before affordability capping.
	MaxOutputUnits int
	Code           Code
}

// Usage carries the resource counters of a completed turn.
type Usage struct {
	InputUnits     int `json:"input_units"`
	OutputUnits    int `json:"output_units"`
	ReasoningUnits int `json:"reasoning_units,omitempty"`
	SearchCount    int `json:"search_count,omitempty"`
	ImageCount     int `json:"image_count,omitempty"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputUnits += other.InputUnits
	u.OutputUnits += other.OutputUnits
	u.ReasoningUnits += other.ReasoningUnits
	u.SearchCount += other.SearchCount
	u.ImageCount += other.ImageCount
}

// Attribution ties a charge to its origin for accounting.
type Attribution struct {
	Feature string `json:"feature,omitempty"`
	Model   string `json:"model,omitempty"`
	TurnID  string `json:"turn_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Ledger is the accounting system tracking spendable balance per workspace.
//
// CheckCredits fails closed: when the allocation lookup errors, the result is
// not allowed. Debit is best-effort accounting after the fact; callers log
// debit failures and never surface them to the user, since the generation
// already happened.
type Ledger interface {
	CheckCredits(ctx context.Context, workspace, model, feature, principal string) (CheckResult, error)
	Debit(ctx context.Context, workspace, principal string, usage Usage, attribution Attribution) error
}
