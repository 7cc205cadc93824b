package reservation

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/steward/pkg/credits"
)

func newTestManager(balance int64) (*Manager, *InMemoryBackend) {
	backend := NewInMemoryBackend()
	backend.SetBalance("ws", balance)
	return NewManager(backend), backend
}

func TestReserveDeductsImmediately(t *testing.T) {
	m, backend := newTestManager(100)

	res, err := m.Reserve(context.Background(), "ws", "u", 30, credits.Attribution{})
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, res.Status)
	assert.Equal(t, int64(70), backend.Balance("ws"),
		"a hold deducts up front so concurrent turns cannot overdraft")
}

func TestReserveInsufficientCredits(t *testing.T) {
	m, backend := newTestManager(10)

	_, err := m.Reserve(context.Background(), "ws", "u", 30, credits.Attribution{})
	require.Error(t, err)
	assert.True(t, HasCode(err, CodeInsufficientCredits))
	assert.Equal(t, int64(10), backend.Balance("ws"), "a denied reserve deducts nothing")
}

func TestCommitIsFinal(t *testing.T) {
	m, _ := newTestManager(100)
	ctx := context.Background()

	res, err := m.Reserve(ctx, "ws", "u", 30, credits.Attribution{})
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, res.ID, map[string]string{"artifact_path": "p"}))

	err = m.Commit(ctx, res.ID, nil)
	assert.True(t, HasCode(err, CodeAlreadyCommitted), "a second commit is an error, never a silent success")

	err = m.Release(ctx, res.ID, nil)
	assert.True(t, HasCode(err, CodeAlreadyCommitted), "release after commit surfaces the committed state")
}

func TestReleaseRefundsOnce(t *testing.T) {
	m, backend := newTestManager(100)
	ctx := context.Background()

	res, err := m.Reserve(ctx, "ws", "u", 30, credits.Attribution{})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, res.ID, map[string]string{"reason": "test"}))
	assert.Equal(t, int64(100), backend.Balance("ws"))

	err = m.Release(ctx, res.ID, nil)
	assert.True(t, HasCode(err, CodeAlreadyReleased))
	assert.Equal(t, int64(100), backend.Balance("ws"), "a double release never refunds twice")

	err = m.Commit(ctx, res.ID, nil)
	assert.True(t, HasCode(err, CodeAlreadyReleased))
}

func TestTransitionUnknownReservation(t *testing.T) {
	m, _ := newTestManager(100)
	assert.True(t, HasCode(m.Commit(context.Background(), "no-such-id", nil), CodeNotFound))
	assert.True(t, HasCode(m.Release(context.Background(), "no-such-id", nil), CodeNotFound))
}

func TestRunMeteredCommitsOnSuccess(t *testing.T) {
	m, backend := newTestManager(100)

	meta, err := m.RunMetered(context.Background(), "ws", "u", 30, credits.Attribution{},
		func(ctx context.Context) (map[string]string, func(context.Context) error, error) {
			return map[string]string{"artifact_path": "a/b.png"}, nil, nil
		})
	require.NoError(t, err)
	assert.Equal(t, "a/b.png", meta["artifact_path"])
	assert.Equal(t, int64(70), backend.Balance("ws"), "a committed hold stays spent")
}

func TestRunMeteredReleasesOnFailure(t *testing.T) {
	m, backend := newTestManager(100)
	cleaned := false

	_, err := m.RunMetered(context.Background(), "ws", "u", 30, credits.Attribution{},
		func(ctx context.Context) (map[string]string, func(context.Context) error, error) {
			cleanup := func(context.Context) error {
				cleaned = true
				return nil
			}
			return nil, cleanup, errors.New("generation failed")
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generation failed")
	assert.True(t, cleaned, "partial artifacts are removed before the hold is released")
	assert.Equal(t, int64(100), backend.Balance("ws"))
}

func TestRunMeteredCancellationReleases(t *testing.T) {
	m, backend := newTestManager(100)
	cleaned := false

	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.RunMetered(ctx, "ws", "u", 30, credits.Attribution{},
		func(opCtx context.Context) (map[string]string, func(context.Context) error, error) {
			// The caller disconnects while the operation is in flight.
			cancel()
			cleanup := func(context.Context) error {
				cleaned = true
				return nil
			}
			return map[string]string{"artifact_path": "a/b.png"}, cleanup, nil
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, cleaned, "cleanup runs even when the result arrived after cancellation")
	assert.Equal(t, int64(100), backend.Balance("ws"), "cancellation never leaks a hold")
}

func TestRunMeteredReleasesOnPanic(t *testing.T) {
	m, backend := newTestManager(100)

	assert.Panics(t, func() {
		_, _ = m.RunMetered(context.Background(), "ws", "u", 30, credits.Attribution{},
			func(ctx context.Context) (map[string]string, func(context.Context) error, error) {
				panic("boom")
			})
	})
	assert.Equal(t, int64(100), backend.Balance("ws"))
}

func TestRunMeteredStateConflict(t *testing.T) {
	backend := NewInMemoryBackend()
	backend.SetBalance("ws", 100)
	m := NewManager(backend)

	// A racing path commits the reservation while the operation is failing.
	// The failure path must then report the consistency alarm, not the
	// original operation error.
	_, err := m.RunMetered(context.Background(), "ws", "u", 30, credits.Attribution{},
		func(ctx context.Context) (map[string]string, func(context.Context) error, error) {
			held := latestReservation(backend)
			require.NotNil(t, held)
			require.NoError(t, backend.Commit(ctx, held.ID, nil))
			return nil, nil, errors.New("operation failed")
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func latestReservation(b *InMemoryBackend) *Reservation {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.reservations {
		return r
	}
	return nil
}
