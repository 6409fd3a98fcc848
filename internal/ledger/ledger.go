// Package ledger tracks per-tenant subscription credits for metered checks.
//
// A tenant without an entry is unmetered. An entry with PlanCredits -1 is
// unlimited but still counts usage.
package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/akl7777777/imei-intel/internal/model"
)

// Unlimited is the PlanCredits value of a plan with no cap.
const Unlimited = -1

var (
	// ErrCreditExhausted is returned by Consume when the plan is full.
	ErrCreditExhausted = errors.New("credit exhausted")
	// ErrNoAccount is returned for tenants with no ledger entry.
	ErrNoAccount = errors.New("no ledger account")
)

// Ledger is implemented by the memory, redis and SQL backends.
type Ledger interface {
	Name() string
	// HasCredit reports whether the tenant is metered and, if so, whether
	// it has a credit left. Unmetered tenants return (false, true, nil).
	HasCredit(ctx context.Context, tenantID string) (metered bool, ok bool, err error)
	// Consume uses one credit, atomically with the capacity check.
	Consume(ctx context.Context, tenantID string) error
	SetPlan(ctx context.Context, tenantID string, planCredits int) error
	Get(ctx context.Context, tenantID string) (model.LedgerEntry, error)
	Close() error
}

// Seed sets every plan in plans.
func Seed(ctx context.Context, l Ledger, plans map[string]int) error {
	for tenant, credits := range plans {
		if err := l.SetPlan(ctx, tenant, credits); err != nil {
			return err
		}
	}
	return nil
}

// Memory is an in-process Ledger.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*model.LedgerEntry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*model.LedgerEntry)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) HasCredit(_ context.Context, tenantID string) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[tenantID]
	if !ok {
		return false, true, nil
	}
	return true, e.Unlimited() || e.CreditsUsed < e.PlanCredits, nil
}

func (m *Memory) Consume(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[tenantID]
	if !ok {
		return ErrNoAccount
	}
	if !e.Unlimited() && e.CreditsUsed >= e.PlanCredits {
		return ErrCreditExhausted
	}
	e.CreditsUsed++
	return nil
}

// SetPlan creates the entry or changes its plan, keeping usage.
func (m *Memory) SetPlan(_ context.Context, tenantID string, planCredits int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[tenantID]; ok {
		e.PlanCredits = planCredits
		return nil
	}
	m.entries[tenantID] = &model.LedgerEntry{TenantID: tenantID, PlanCredits: planCredits}
	return nil
}

func (m *Memory) Get(_ context.Context, tenantID string) (model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[tenantID]
	if !ok {
		return model.LedgerEntry{}, ErrNoAccount
	}
	return *e, nil
}

func (m *Memory) Close() error { return nil }
