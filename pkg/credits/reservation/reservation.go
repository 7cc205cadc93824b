package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/steward/pkg/credits"
	"github.com/go-go-golems/steward/pkg/events"
)

// Status is the lifecycle state of a reservation. A reservation transitions
// held -> committed or held -> released exactly once; a second transition is
// a detectable error, never a silent success.
type Status string

const (
	StatusHeld      Status = "held"
	StatusCommitted Status = "committed"
	StatusReleased  Status = "released"
)

// Code classifies a reservation failure.
type Code string

const (
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"
	CodeAlreadyCommitted    Code = "RESERVATION_ALREADY_COMMITTED"
	CodeAlreadyReleased     Code = "RESERVATION_ALREADY_RELEASED"
	CodeNotFound            Code = "RESERVATION_NOT_FOUND"
)

// Error is a reservation failure with a machine-readable code.
type Error struct {
	Code Code
	ID   string
}

func (e *Error) Error() string {
	if e.ID == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: reservation %s", e.Code, e.ID)
}

// HasCode reports whether err carries the given reservation code.
func HasCode(err error, code Code) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == code
}

// ErrStateConflict indicates the system reached an unexpected
// dual-success/failure state: the operation failed but its reservation was
// already committed by a racing path. It is logged at alarm severity and
// surfaced instead of the original operation error.
var ErrStateConflict = errors.New("reservation state conflict: operation failed but reservation was committed")

// Reservation is a held, not-yet-final claim against a credit balance.
type Reservation struct {
	ID          string
	Workspace   string
	Principal   string
	Amount      int64
	Status      Status
	Attribution credits.Attribution
	Metadata    map[string]string
	CreatedAt   time.Time
}

// Backend provides atomic reserve/commit/release persistence. Holding a
// reservation deducts the amount from the reservable balance immediately so
// concurrent turns cannot overdraft; releasing refunds it.
type Backend interface {
	Reserve(ctx context.Context, workspace, principal string, amount int64, attribution credits.Attribution) (*Reservation, error)
	Commit(ctx context.Context, id string, resultMeta map[string]string) error
	Release(ctx context.Context, id string, reasonMeta map[string]string) error
	Get(ctx context.Context, id string) (*Reservation, error)
}

// Manager is a thin protocol wrapper over a Backend adding logging and the
// metered-operation usage pattern.
type Manager struct {
	backend Backend
}

func NewManager(backend Backend) *Manager {
	return &Manager{backend: backend}
}

// Reserve places a hold on the workspace balance. CodeInsufficientCredits is
// the only expected failure and is terminal for the operation.
func (m *Manager) Reserve(ctx context.Context, workspace, principal string, amount int64, attribution credits.Attribution) (*Reservation, error) {
	res, err := m.backend.Reserve(ctx, workspace, principal, amount, attribution)
	if err != nil {
		if HasCode(err, CodeInsufficientCredits) {
			log.Debug().Str("workspace", workspace).Int64("amount", amount).Msg("reservation denied, insufficient credits")
			return nil, err
		}
		return nil, errors.Wrap(err, "reserve")
	}
	log.Debug().Str("reservation_id", res.ID).Str("workspace", workspace).Int64("amount", amount).Msg("reservation held")
	events.PublishEventToContext(ctx, events.NewReservationEvent(
		events.EventTypeReservationHeld, attribution.TurnID, workspace, res.ID, amount))
	return res, nil
}

// Commit converts a held reservation into a permanent debit, attaching
// metadata that ties the charge to the produced artifact. Committing twice
// returns CodeAlreadyCommitted rather than silently succeeding.
func (m *Manager) Commit(ctx context.Context, id string, resultMeta map[string]string) error {
	err := m.backend.Commit(ctx, id, resultMeta)
	switch {
	case err == nil:
		log.Debug().Str("reservation_id", id).Msg("reservation committed")
		events.PublishEventToContext(ctx, events.NewReservationEvent(
			events.EventTypeReservationCommitted, "", "", id, 0))
		return nil
	case HasCode(err, CodeAlreadyCommitted), HasCode(err, CodeAlreadyReleased):
		log.Error().Err(err).Str("reservation_id", id).Msg("double transition on reservation commit")
		return err
	default:
		return errors.Wrap(err, "commit reservation")
	}
}

// Release refunds a held reservation. Releasing a committed reservation fails
// with CodeAlreadyCommitted, surfacing a consistency alarm to the caller.
func (m *Manager) Release(ctx context.Context, id string, reasonMeta map[string]string) error {
	err := m.backend.Release(ctx, id, reasonMeta)
	switch {
	case err == nil:
		log.Debug().Str("reservation_id", id).Msg("reservation released")
		events.PublishEventToContext(ctx, events.NewReservationEvent(
			events.EventTypeReservationReleased, "", "", id, 0))
		return nil
	case HasCode(err, CodeAlreadyCommitted):
		log.Error().Err(err).Str("reservation_id", id).Msg("release hit a committed reservation")
		return err
	case HasCode(err, CodeAlreadyReleased):
		log.Error().Err(err).Str("reservation_id", id).Msg("double release on reservation")
		return err
	default:
		return errors.Wrap(err, "release reservation")
	}
}

// Get returns the current state of a reservation.
func (m *Manager) Get(ctx context.Context, id string) (*Reservation, error) {
	return m.backend.Get(ctx, id)
}

// MeteredOp is the expensive external operation guarded by a reservation.
// On success it returns metadata tying the charge to the produced artifact
// (e.g. its storage path). cleanup, when non-nil, removes any partially
// created artifact and is invoked best-effort on failure.
type MeteredOp func(ctx context.Context) (resultMeta map[string]string, cleanup func(context.Context) error, err error)

// RunMetered implements the metered side-effect pattern: reserve, run the
// operation, then commit on success or clean up and release on failure.
//
// The release path is guaranteed to run on every exit, including context
// cancellation and panics: settlement uses a context detached from the
// caller's cancellation so a disconnecting client cannot leak a hold.
func (m *Manager) RunMetered(ctx context.Context, workspace, principal string, amount int64, attribution credits.Attribution, op MeteredOp) (map[string]string, error) {
	res, err := m.Reserve(ctx, workspace, principal, amount, attribution)
	if err != nil {
		return nil, err
	}

	settled := false
	var cleanup func(context.Context) error
	defer func() {
		if settled {
			return
		}
		settleCtx := context.WithoutCancel(ctx)
		if cleanup != nil {
			if cerr := cleanup(settleCtx); cerr != nil {
				// Cleanup failure is a separate, lower-severity failure domain.
				log.Warn().Err(cerr).Str("reservation_id", res.ID).Msg("artifact cleanup failed after metered operation failure")
			}
		}
		if rerr := m.Release(settleCtx, res.ID, map[string]string{"reason": "operation failed or cancelled"}); rerr != nil && !HasCode(rerr, CodeAlreadyReleased) {
			log.Error().Err(rerr).Str("reservation_id", res.ID).Msg("failed to release reservation on abandoned metered operation")
		}
	}()

	resultMeta, opCleanup, opErr := op(ctx)
	cleanup = opCleanup
	if opErr == nil {
		if ctx.Err() != nil {
			opErr = ctx.Err()
		}
	}
	if opErr != nil {
		settled = true
		settleCtx := context.WithoutCancel(ctx)
		if cleanup != nil {
			if cerr := cleanup(settleCtx); cerr != nil {
				log.Warn().Err(cerr).Str("reservation_id", res.ID).Msg("artifact cleanup failed after metered operation failure")
			}
		}
		reason := map[string]string{"reason": opErr.Error()}
		if rerr := m.Release(settleCtx, res.ID, reason); rerr != nil {
			if HasCode(rerr, CodeAlreadyCommitted) {
				// Dual-success/failure state: flag loudly instead of returning
				// the original operation error.
				return nil, ErrStateConflict
			}
			log.Error().Err(rerr).Str("reservation_id", res.ID).Msg("failed to release reservation after metered operation failure")
		}
		return nil, opErr
	}

	settled = true
	if err := m.Commit(context.WithoutCancel(ctx), res.ID, resultMeta); err != nil {
		return nil, err
	}
	return resultMeta, nil
}
