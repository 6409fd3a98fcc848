package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/akl7777777/imei-intel/internal/model"
)

// Poll defaults.
const (
	DefaultMaxAttempts = 12
	DefaultInterval    = 2 * time.Second
)

// PollPolicy bounds how long one provider is polled.
type PollPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	// Sleep waits d or until ctx is done. Nil means SleepContext.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPollPolicy polls every 2s, 12 times.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{MaxAttempts: DefaultMaxAttempts, Interval: DefaultInterval, Sleep: SleepContext}
}

func (p PollPolicy) withDefaults() PollPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Interval < 0 {
		p.Interval = 0
	}
	if p.Sleep == nil {
		p.Sleep = SleepContext
	}
	return p
}

// SleepContext waits for d, returning ctx.Err() if ctx ends first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fetch creates an order for identifier on p and polls it to completion.
// It returns the final payload, a *Error, or ctx.Err() when canceled.
func Fetch(ctx context.Context, p Provider, policy PollPolicy, identifier string, mode model.Mode) (map[string]any, error) {
	policy = policy.withDefaults()

	order, err := p.CreateOrder(ctx, identifier, p.ServiceID(mode))
	if err != nil {
		return nil, err
	}
	switch classify(order.Status) {
	case StatusDone:
		return order.Payload, nil
	case StatusFailed:
		return nil, &Error{Provider: p.Name(), Kind: KindOrderFailed, Message: upstreamMessage(order.Payload)}
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := policy.Sleep(ctx, policy.Interval); err != nil {
			return nil, err
		}

		body, err := p.PollResult(ctx, order.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		status, _ := body["status"].(string)
		switch classify(status) {
		case StatusDone:
			return body, nil
		case StatusFailed:
			return nil, &Error{Provider: p.Name(), Kind: KindPollFailed, Message: upstreamMessage(body)}
		}
	}

	msg := fmt.Sprintf("no result after %d polls", policy.MaxAttempts)
	if lastErr != nil {
		msg += ": last error: " + truncate(lastErr.Error(), 200)
	}
	return nil, &Error{Provider: p.Name(), Kind: KindTimeout, Message: msg}
}
