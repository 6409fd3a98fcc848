// Package events publishes verification outcomes for downstream consumers
// (billing reconciliation, analytics). Publishing is best effort.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akl7777777/imei-intel/internal/model"
)

// TypeVerificationCompleted is emitted after a provider-backed verification.
const TypeVerificationCompleted = "verification.completed"

type Event struct {
	ID             string              `json:"id"`
	Type           string              `json:"type"`
	OccurredAt     time.Time           `json:"occurredAt"`
	Identifier     string              `json:"identifier"`
	Mode           model.Mode          `json:"mode"`
	TenantID       string              `json:"tenantId,omitempty"`
	Provider       string              `json:"provider"`
	FraudScore     int                 `json:"fraudScore"`
	OverallStatus  model.OverallStatus `json:"overallStatus"`
	FlagKinds      []string            `json:"flagKinds"`
	CreditsCharged int                 `json:"creditsCharged"`
}

// Completed builds the event for a finished verification.
func Completed(res *model.VerificationResult, tenantID string, at time.Time) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           TypeVerificationCompleted,
		OccurredAt:     at.UTC(),
		Identifier:     res.Identifier,
		Mode:           res.Mode,
		TenantID:       tenantID,
		Provider:       res.Provider,
		FraudScore:     res.AI.FraudScore,
		OverallStatus:  res.AI.OverallStatus,
		FlagKinds:      res.AI.FlagKinds,
		CreditsCharged: res.CreditsCharged,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Memory keeps published events in order.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func (m *Memory) Close() error { return nil }
