package credits

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SQLiteLedger implements Ledger on top of a SQLite database. It owns two
// small tables: one for allocations and one for the debit journal.
type SQLiteLedger struct {
	db      *sql.DB
	pricing Pricing
}

func NewSQLiteLedger(dsn string, pricing Pricing) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite ledger")
	}
	l := &SQLiteLedger{db: db, pricing: pricing}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	_, err := l.db.Exec(`
CREATE TABLE IF NOT EXISTS credit_allocations (
  workspace TEXT PRIMARY KEY,
  balance INTEGER NOT NULL,
  max_output_units INTEGER NOT NULL DEFAULT 0,
  allowed_features TEXT NOT NULL DEFAULT '',
  allowed_models TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS credit_debits (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  workspace TEXT NOT NULL,
  principal TEXT,
  amount INTEGER NOT NULL,
  feature TEXT,
  model TEXT,
  turn_id TEXT,
  detail TEXT,
  at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_credit_debits_workspace_at ON credit_debits(workspace, at);
`)
	return errors.Wrap(err, "migrate sqlite ledger")
}

// Close releases the underlying database handle.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// SetAllocation installs or replaces the allocation for a workspace.
// Allow-lists are stored comma-separated; empty means allow all.
func (l *SQLiteLedger) SetAllocation(ctx context.Context, workspace string, alloc Allocation) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO credit_allocations (workspace, balance, max_output_units, allowed_features, allowed_models)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(workspace) DO UPDATE SET
  balance = excluded.balance,
  max_output_units = excluded.max_output_units,
  allowed_features = excluded.allowed_features,
  allowed_models = excluded.allowed_models`,
		workspace, alloc.Balance, alloc.MaxOutputUnits,
		strings.Join(alloc.AllowedFeatures, ","), strings.Join(alloc.AllowedModels, ","))
	return errors.Wrap(err, "set allocation")
}

// Balance returns the current balance for a workspace, or zero when no
// allocation exists.
func (l *SQLiteLedger) Balance(ctx context.Context, workspace string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_allocations WHERE workspace = ?`, workspace).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, errors.Wrap(err, "read balance")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// CheckCredits implements Ledger. Lookup errors fail closed.
func (l *SQLiteLedger) CheckCredits(ctx context.Context, workspace, model, feature, principal string) (CheckResult, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT balance, max_output_units, allowed_features, allowed_models FROM credit_allocations WHERE workspace = ?`,
		workspace)
	var balance int64
	var maxOutput int
	var features, models string
	switch err := row.Scan(&balance, &maxOutput, &features, &models); err {
	case nil:
	case sql.ErrNoRows:
		return CheckResult{Allowed: false, Code: CodeNoAllocation}, nil
	default:
		log.Warn().Err(err).Str("workspace", workspace).Msg("allocation lookup failed, failing closed")
		return CheckResult{Allowed: false, Code: CodeNoAllocation}, nil
	}

	if fs := splitList(features); len(fs) > 0 && !contains(fs, feature) {
		return CheckResult{Allowed: false, Remaining: balance, Code: CodeFeatureNotAllowed}, nil
	}
	if ms := splitList(models); len(ms) > 0 && !contains(ms, model) {
		return CheckResult{Allowed: false, Remaining: balance, Code: CodeModelNotAllowed}, nil
	}
	if balance <= 0 {
		return CheckResult{Allowed: false, Remaining: balance, Code: CodeCreditsExhausted}, nil
	}
	return CheckResult{Allowed: true, Remaining: balance, MaxOutputUnits: maxOutput}, nil
}

// Debit implements Ledger. The decrement and journal entry commit together.
func (l *SQLiteLedger) Debit(ctx context.Context, workspace, principal string, usage Usage, attribution Attribution) error {
	cost := l.pricing.Cost(attribution.Model, usage)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin debit")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE credit_allocations SET balance = MAX(balance - ?, 0) WHERE workspace = ?`,
		cost, workspace)
	if err != nil {
		return errors.Wrap(err, "debit balance")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("no allocation for workspace %s", workspace)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_debits (workspace, principal, amount, feature, model, turn_id, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		workspace, principal, cost, attribution.Feature, attribution.Model, attribution.TurnID, attribution.Detail)
	if err != nil {
		return errors.Wrap(err, "record debit")
	}
	return errors.Wrap(tx.Commit(), "commit debit")
}

var _ Ledger = (*SQLiteLedger)(nil)
