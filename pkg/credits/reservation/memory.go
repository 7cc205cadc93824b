package reservation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-go-golems/steward/pkg/credits"
)

// InMemoryBackend is a thread-safe in-memory Backend for tests and the demo
// binary. Balances are tracked per workspace; a hold deducts immediately.
type InMemoryBackend struct {
	mu           sync.Mutex
	balances     map[string]int64
	reservations map[string]*Reservation
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		balances:     make(map[string]int64),
		reservations: make(map[string]*Reservation),
	}
}

// SetBalance sets the reservable balance for a workspace.
func (b *InMemoryBackend) SetBalance(workspace string, balance int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[workspace] = balance
}

// Balance returns the current reservable balance for a workspace.
func (b *InMemoryBackend) Balance(workspace string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[workspace]
}

func (b *InMemoryBackend) Reserve(ctx context.Context, workspace, principal string, amount int64, attribution credits.Attribution) (*Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.balances[workspace] < amount {
		return nil, &Error{Code: CodeInsufficientCredits}
	}
	b.balances[workspace] -= amount

	res := &Reservation{
		ID:          uuid.NewString(),
		Workspace:   workspace,
		Principal:   principal,
		Amount:      amount,
		Status:      StatusHeld,
		Attribution: attribution,
		CreatedAt:   time.Now(),
	}
	b.reservations[res.ID] = res
	out := *res
	return &out, nil
}

func (b *InMemoryBackend) transitionError(res *Reservation) error {
	if res.Status == StatusCommitted {
		return &Error{Code: CodeAlreadyCommitted, ID: res.ID}
	}
	return &Error{Code: CodeAlreadyReleased, ID: res.ID}
}

func (b *InMemoryBackend) Commit(ctx context.Context, id string, resultMeta map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, ok := b.reservations[id]
	if !ok {
		return &Error{Code: CodeNotFound, ID: id}
	}
	if res.Status != StatusHeld {
		return b.transitionError(res)
	}
	res.Status = StatusCommitted
	res.Metadata = resultMeta
	return nil
}

func (b *InMemoryBackend) Release(ctx context.Context, id string, reasonMeta map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, ok := b.reservations[id]
	if !ok {
		return &Error{Code: CodeNotFound, ID: id}
	}
	if res.Status != StatusHeld {
		return b.transitionError(res)
	}
	res.Status = StatusReleased
	res.Metadata = reasonMeta
	b.balances[res.Workspace] += res.Amount
	return nil
}

func (b *InMemoryBackend) Get(ctx context.Context, id string) (*Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, ok := b.reservations[id]
	if !ok {
		return nil, &Error{Code: CodeNotFound, ID: id}
	}
	out := *res
	return &out, nil
}

var _ Backend = (*InMemoryBackend)(nil)
