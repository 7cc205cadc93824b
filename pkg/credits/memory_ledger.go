package credits

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Allocation is the per-workspace credit grant an InMemoryLedger serves.
type Allocation struct {
	Balance        int64
	MaxOutputUnits int
	// AllowedFeatures and AllowedModels are allow-lists; empty means allow all.
	AllowedFeatures []string
	AllowedModels   []string
}

// InMemoryLedger is a thread-safe in-memory Ledger used by tests and the demo
// binary. Pricing converts debited usage into balance decrements.
type InMemoryLedger struct {
	mu          sync.Mutex
	allocations map[string]*Allocation
	pricing     Pricing
}

// NewInMemoryLedger creates an empty in-memory ledger.
func NewInMemoryLedger(pricing Pricing) *InMemoryLedger {
	return &InMemoryLedger{
		allocations: make(map[string]*Allocation),
		pricing:     pricing,
	}
}

// SetAllocation installs or replaces the allocation for a workspace.
func (l *InMemoryLedger) SetAllocation(workspace string, alloc Allocation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := alloc
	l.allocations[workspace] = &cp
}

// Balance returns the current balance for a workspace.
func (l *InMemoryLedger) Balance(workspace string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.allocations[workspace]; ok {
		return a.Balance
	}
	return 0
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// CheckCredits implements Ledger.
func (l *InMemoryLedger) CheckCredits(ctx context.Context, workspace, model, feature, principal string) (CheckResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	alloc, ok := l.allocations[workspace]
	if !ok {
		return CheckResult{Allowed: false, Code: CodeNoAllocation}, nil
	}
	if len(alloc.AllowedFeatures) > 0 && !contains(alloc.AllowedFeatures, feature) {
		return CheckResult{Allowed: false, Remaining: alloc.Balance, Code: CodeFeatureNotAllowed}, nil
	}
	if len(alloc.AllowedModels) > 0 && !contains(alloc.AllowedModels, model) {
		return CheckResult{Allowed: false, Remaining: alloc.Balance, Code: CodeModelNotAllowed}, nil
	}
	if alloc.Balance <= 0 {
		return CheckResult{Allowed: false, Remaining: alloc.Balance, Code: CodeCreditsExhausted}, nil
	}
	return CheckResult{Allowed: true, Remaining: alloc.Balance, MaxOutputUnits: alloc.MaxOutputUnits}, nil
}

// Debit implements Ledger. The balance may go to zero but a debit is never
// rejected; charging happens after generation and is accounting, not gating.
func (l *InMemoryLedger) Debit(ctx context.Context, workspace, principal string, usage Usage, attribution Attribution) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	alloc, ok := l.allocations[workspace]
	if !ok {
		return errors.Errorf("no allocation for workspace %s", workspace)
	}
	cost := l.pricing.Cost(attribution.Model, usage)
	alloc.Balance -= cost
	if alloc.Balance < 0 {
		// Estimation undershot actual usage; clamp so the observable balance
		// never goes negative.
		log.Warn().Str("workspace", workspace).Int64("overshoot", -alloc.Balance).Msg("debit exceeded balance, clamping to zero")
		alloc.Balance = 0
	}
	return nil
}

var _ Ledger = (*InMemoryLedger)(nil)
