package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/akl7777777/imei-intel/internal/ledger"
	"github.com/akl7777777/imei-intel/internal/model"
)

// Ledger is a ledger.Ledger over the imei_ledger table. Consume is a single
// conditional UPDATE, so capacity is checked and used in one statement.
type Ledger struct {
	db *DB
}

func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Name() string { return l.db.Backend() }

func (l *Ledger) HasCredit(ctx context.Context, tenantID string) (bool, bool, error) {
	e, err := l.Get(ctx, tenantID)
	if errors.Is(err, ledger.ErrNoAccount) {
		return false, true, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, e.Unlimited() || e.CreditsUsed < e.PlanCredits, nil
}

func (l *Ledger) Consume(ctx context.Context, tenantID string) error {
	res, err := l.db.sql.ExecContext(ctx,
		`UPDATE imei_ledger SET credits_used = credits_used + 1
		 WHERE tenant_id = ? AND (plan_credits < 0 OR credits_used < plan_credits)`,
		tenantID,
	)
	if err != nil {
		return fmt.Errorf("store: consume: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Nothing updated: tell a missing account from a full plan.
	if _, err := l.Get(ctx, tenantID); err != nil {
		return err
	}
	return ledger.ErrCreditExhausted
}

func (l *Ledger) SetPlan(ctx context.Context, tenantID string, planCredits int) error {
	if _, err := l.db.sql.ExecContext(ctx, l.db.dialect.upsertPlan, tenantID, planCredits); err != nil {
		return fmt.Errorf("store: set plan: %w", err)
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, tenantID string) (model.LedgerEntry, error) {
	e := model.LedgerEntry{TenantID: tenantID}
	err := l.db.sql.QueryRowContext(ctx,
		"SELECT plan_credits, credits_used FROM imei_ledger WHERE tenant_id = ?", tenantID,
	).Scan(&e.PlanCredits, &e.CreditsUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LedgerEntry{}, ledger.ErrNoAccount
	}
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("store: get ledger: %w", err)
	}
	return e, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
