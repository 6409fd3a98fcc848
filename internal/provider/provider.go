// Package provider talks to upstream IMEI verification services.
//
// A verification is asynchronous upstream: an order is created, then
// polled until it reaches a terminal status. Chain runs that exchange
// against each configured provider in order until one answers.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/akl7777777/imei-intel/internal/model"
)

// Attempt kinds. The first three are provider errors; unavailable marks a
// provider the chain skipped.
const (
	KindOrderFailed = "provider_order_failed"
	KindPollFailed  = "provider_poll_failed"
	KindTimeout     = "provider_timeout"
	KindUnavailable = "provider_unavailable"
)

// Order is a created verification order.
type Order struct {
	ID      string
	Status  string
	Payload map[string]any
}

// Provider is one upstream service.
type Provider interface {
	Name() string
	CreateOrder(ctx context.Context, identifier, serviceID string) (*Order, error)
	// PollResult returns the order's current body, including "status".
	PollResult(ctx context.Context, orderID string) (map[string]any, error)
	ServiceID(mode model.Mode) string
}

// Balancer is implemented by providers that expose an account balance.
type Balancer interface {
	Balance(ctx context.Context) (float64, error)
}

// Error is a failure of one provider. Message never contains the raw
// upstream payload beyond a short excerpt.
type Error struct {
	Provider string
	Kind     string
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// ExhaustedError is returned by Chain.Run when no provider produced a result.
type ExhaustedError struct {
	Attempts []model.Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return "all providers exhausted: no providers configured"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Provider + " (" + a.Kind + ")"
	}
	return "all providers exhausted: " + strings.Join(parts, ", ")
}

// Order statuses as reported upstream.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// classify maps an upstream status string to pending, done or failed.
func classify(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "done", "completed", "successful", "success":
		return StatusDone
	case "failed", "error", "unsuccessful", "rejected":
		return StatusFailed
	default:
		return StatusPending
	}
}

// upstreamMessage picks a human-readable reason from a failed body.
func upstreamMessage(body map[string]any) string {
	for _, k := range []string{"message", "error", "reason"} {
		if s, ok := body[k].(string); ok && s != "" {
			return truncate(s, 200)
		}
	}
	return "verification failed upstream"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
