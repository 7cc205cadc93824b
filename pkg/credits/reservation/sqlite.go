package reservation

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/steward/pkg/credits"
)

// SQLiteBackend implements Backend on a SQLite database. It shares the
// credit_allocations table with credits.SQLiteLedger when opened on the same
// DSN, so holds and ledger debits draw from one balance.
//
// Status transitions use single-statement compare-and-swap updates
// (WHERE status = 'held'), which SQLite executes atomically.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite reservation backend")
	}
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	_, err := b.db.Exec(`
CREATE TABLE IF NOT EXISTS credit_allocations (
  workspace TEXT PRIMARY KEY,
  balance INTEGER NOT NULL,
  max_output_units INTEGER NOT NULL DEFAULT 0,
  allowed_features TEXT NOT NULL DEFAULT '',
  allowed_models TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS credit_reservations (
  id TEXT PRIMARY KEY,
  workspace TEXT NOT NULL,
  principal TEXT,
  amount INTEGER NOT NULL,
  status TEXT NOT NULL,
  attribution TEXT,
  metadata TEXT,
  created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_credit_reservations_workspace ON credit_reservations(workspace, status);
`)
	return errors.Wrap(err, "migrate sqlite reservation backend")
}

// Close releases the underlying database handle.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) Reserve(ctx context.Context, workspace, principal string, amount int64, attribution credits.Attribution) (*Reservation, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin reserve")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE credit_allocations SET balance = balance - ? WHERE workspace = ? AND balance >= ?`,
		amount, workspace, amount)
	if err != nil {
		return nil, errors.Wrap(err, "hold balance")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &Error{Code: CodeInsufficientCredits}
	}

	attr, _ := json.Marshal(attribution)
	r := &Reservation{
		ID:          uuid.NewString(),
		Workspace:   workspace,
		Principal:   principal,
		Amount:      amount,
		Status:      StatusHeld,
		Attribution: attribution,
		CreatedAt:   time.Now(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_reservations (id, workspace, principal, amount, status, attribution) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, workspace, principal, amount, string(StatusHeld), string(attr))
	if err != nil {
		return nil, errors.Wrap(err, "insert reservation")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit reserve")
	}
	return r, nil
}

// transitionError maps a failed status CAS to a coded error by inspecting
// the current row. Callers holding an open transaction on this database must
// end it first: a read through the pool blocks on the transaction's lock.
func (b *SQLiteBackend) transitionError(ctx context.Context, id string) error {
	row := b.db.QueryRowContext(ctx, `SELECT status FROM credit_reservations WHERE id = ?`, id)
	var status string
	switch err := row.Scan(&status); err {
	case nil:
	case sql.ErrNoRows:
		return &Error{Code: CodeNotFound, ID: id}
	default:
		return errors.Wrap(err, "inspect reservation status")
	}
	if Status(status) == StatusCommitted {
		return &Error{Code: CodeAlreadyCommitted, ID: id}
	}
	return &Error{Code: CodeAlreadyReleased, ID: id}
}

func (b *SQLiteBackend) Commit(ctx context.Context, id string, resultMeta map[string]string) error {
	meta, _ := json.Marshal(resultMeta)
	res, err := b.db.ExecContext(ctx,
		`UPDATE credit_reservations SET status = ?, metadata = ? WHERE id = ? AND status = ?`,
		string(StatusCommitted), string(meta), id, string(StatusHeld))
	if err != nil {
		return errors.Wrap(err, "commit reservation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return b.transitionError(ctx, id)
	}
	return nil
}

func (b *SQLiteBackend) Release(ctx context.Context, id string, reasonMeta map[string]string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin release")
	}
	defer func() { _ = tx.Rollback() }()

	meta, _ := json.Marshal(reasonMeta)
	res, err := tx.ExecContext(ctx,
		`UPDATE credit_reservations SET status = ?, metadata = ? WHERE id = ? AND status = ?`,
		string(StatusReleased), string(meta), id, string(StatusHeld))
	if err != nil {
		return errors.Wrap(err, "release reservation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return b.transitionError(ctx, id)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE credit_allocations SET balance = balance + (SELECT amount FROM credit_reservations WHERE id = ?) WHERE workspace = (SELECT workspace FROM credit_reservations WHERE id = ?)`,
		id, id)
	if err != nil {
		return errors.Wrap(err, "refund hold")
	}
	return errors.Wrap(tx.Commit(), "commit release")
}

func (b *SQLiteBackend) Get(ctx context.Context, id string) (*Reservation, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT id, workspace, principal, amount, status, attribution, metadata, created_at FROM credit_reservations WHERE id = ?`,
		id)
	var r Reservation
	var status, attr string
	var meta sql.NullString
	var principal sql.NullString
	switch err := row.Scan(&r.ID, &r.Workspace, &principal, &r.Amount, &status, &attr, &meta, &r.CreatedAt); err {
	case nil:
	case sql.ErrNoRows:
		return nil, &Error{Code: CodeNotFound, ID: id}
	default:
		return nil, errors.Wrap(err, "load reservation")
	}
	r.Principal = principal.String
	r.Status = Status(status)
	if attr != "" {
		_ = json.Unmarshal([]byte(attr), &r.Attribution)
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &r.Metadata)
	}
	return &r, nil
}

var _ Backend = (*SQLiteBackend)(nil)
