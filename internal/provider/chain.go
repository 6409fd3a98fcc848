package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/akl7777777/imei-intel/internal/config"
	"github.com/akl7777777/imei-intel/internal/imei"
	"github.com/akl7777777/imei-intel/internal/logger"
	"github.com/akl7777777/imei-intel/internal/model"
)

// quotaWindow is the span of the per-provider outbound quota.
const quotaWindow = time.Minute

// Entry configures one provider in a chain.
type Entry struct {
	Provider  Provider
	Enabled   bool
	RateLimit int // max orders per minute, 0 = unlimited
	HasKey    bool
}

// member is an Entry plus its outbound call history.
type member struct {
	Entry

	mu        sync.Mutex
	callTimes []time.Time
}

// available reports whether the provider can take another order now
// without recording one. Used for status reporting.
func (m *member) available(now time.Time) (bool, string) {
	if ok, reason := m.usable(); !ok {
		return false, reason
	}
	if m.RateLimit <= 0 {
		return true, ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.prune(now) >= m.RateLimit {
		return false, "rate limit reached"
	}
	return true, ""
}

// tryAcquire checks the quota and records the call under one lock, so
// concurrent runs cannot overshoot RateLimit.
func (m *member) tryAcquire(now time.Time) (bool, string) {
	if ok, reason := m.usable(); !ok {
		return false, reason
	}
	if m.RateLimit <= 0 {
		return true, ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.prune(now) >= m.RateLimit {
		return false, "rate limit reached"
	}
	m.callTimes = append(m.callTimes, now)
	return true, ""
}

func (m *member) usable() (bool, string) {
	if !m.Enabled {
		return false, "disabled"
	}
	if !m.HasKey {
		return false, "no api key"
	}
	return true, ""
}

// prune drops calls outside the quota window and returns how many remain.
// m.mu must be held.
func (m *member) prune(now time.Time) int {
	cutoff := now.Add(-quotaWindow)
	valid := m.callTimes[:0]
	for _, t := range m.callTimes {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	m.callTimes = valid
	return len(valid)
}

func (m *member) usedLastMinute(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-quotaWindow)
	count := 0
	for _, t := range m.callTimes {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// Observer receives one call per provider exchange. outcome is "success",
// "canceled" or an attempt kind.
type Observer func(provider, outcome string, elapsed time.Duration)

// Chain tries providers in order, primary first.
type Chain struct {
	members  []*member
	policy   PollPolicy
	now      func() time.Time
	log      logrus.FieldLogger
	tracer   trace.Tracer
	observer Observer
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

func WithClock(now func() time.Time) ChainOption {
	return func(c *Chain) { c.now = now }
}

func WithLogger(log logrus.FieldLogger) ChainOption {
	return func(c *Chain) { c.log = logger.Component(log, "provider") }
}

func WithObserver(o Observer) ChainOption {
	return func(c *Chain) { c.observer = o }
}

func NewChain(entries []Entry, policy PollPolicy, opts ...ChainOption) *Chain {
	c := &Chain{
		policy: policy.withDefaults(),
		now:    time.Now,
		log:    logger.Component(nil, "provider"),
		tracer: otel.Tracer("github.com/akl7777777/imei-intel/internal/provider"),
	}
	for _, e := range entries {
		c.members = append(c.members, &member{Entry: e})
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Policy returns the poll policy in use.
func (c *Chain) Policy() PollPolicy {
	return c.policy
}

// Run fetches a payload from the first provider that answers. On failure of
// every provider it returns *ExhaustedError carrying one Attempt per
// provider. A canceled ctx stops the run with ctx.Err().
func (c *Chain) Run(ctx context.Context, identifier string, mode model.Mode) (map[string]any, string, []model.Attempt, error) {
	var attempts []model.Attempt
	log := c.log.WithFields(logrus.Fields{"tac": imei.TAC(identifier), "mode": mode})

	for _, m := range c.members {
		name := m.Provider.Name()

		if err := ctx.Err(); err != nil {
			return nil, "", attempts, err
		}

		if ok, reason := m.tryAcquire(c.now()); !ok {
			attempts = append(attempts, model.Attempt{Provider: name, Kind: KindUnavailable, Message: reason})
			c.observe(name, KindUnavailable, 0)
			log.WithField("provider", name).Debugf("skipped: %s", reason)
			continue
		}

		payload, err := c.fetch(ctx, m.Provider, identifier, mode)
		if err == nil {
			log.WithField("provider", name).Info("provider answered")
			return payload, name, attempts, nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, "", attempts, err
		}

		var perr *Error
		if !errors.As(err, &perr) {
			perr = &Error{Provider: name, Kind: KindOrderFailed, Message: err.Error()}
		}
		attempts = append(attempts, model.Attempt{Provider: name, Kind: perr.Kind, Message: perr.Message})
		log.WithFields(logrus.Fields{"provider": name, "kind": perr.Kind}).Warn(perr.Message)
	}

	log.Warn("all providers exhausted")
	return nil, "", attempts, &ExhaustedError{Attempts: attempts}
}

func (c *Chain) fetch(ctx context.Context, p Provider, identifier string, mode model.Mode) (map[string]any, error) {
	ctx, span := c.tracer.Start(ctx, "provider."+p.Name(), trace.WithAttributes(
		attribute.String("imei.mode", string(mode)),
		attribute.String("imei.tac", imei.TAC(identifier)),
	))
	defer span.End()

	start := c.now()
	payload, err := Fetch(ctx, p, c.policy, identifier, mode)
	elapsed := c.now().Sub(start)

	outcome := "success"
	var perr *Error
	switch {
	case err == nil:
	case errors.As(err, &perr):
		outcome = perr.Kind
	case ctx.Err() != nil:
		outcome = "canceled"
	default:
		outcome = KindOrderFailed
	}
	c.observe(p.Name(), outcome, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return payload, err
}

func (c *Chain) observe(provider, outcome string, elapsed time.Duration) {
	if c.observer != nil {
		c.observer(provider, outcome, elapsed)
	}
}

// Status reports each provider's availability and quota use. Balances are
// fetched from providers that support it, bounded by ctx.
func (c *Chain) Status(ctx context.Context) []model.ProviderStatus {
	now := c.now()
	out := make([]model.ProviderStatus, len(c.members))
	for i, m := range c.members {
		ok, _ := m.available(now)
		out[i] = model.ProviderStatus{
			Name:        m.Provider.Name(),
			Primary:     i == 0,
			Enabled:     m.Enabled,
			Available:   ok,
			RateLimit:   m.RateLimit,
			UsedLastMin: m.usedLastMinute(now),
			HasKey:      m.HasKey,
		}
		if b, isBalancer := m.Provider.(Balancer); isBalancer && m.Enabled && m.HasKey {
			if bal, err := b.Balance(ctx); err == nil {
				out[i].Balance = &bal
			} else {
				c.log.WithError(err).WithField("provider", m.Provider.Name()).Debug("balance unavailable")
			}
		}
	}
	return out
}

// Len returns the number of providers.
func (c *Chain) Len() int {
	return len(c.members)
}

// InitProviders builds the chain from config, primary first.
func InitProviders(cfg *config.Config, log logrus.FieldLogger, opts ...ChainOption) *Chain {
	log = logger.Component(log, "provider")

	entries := make([]Entry, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		client := NewHTTPClient(pc)
		entries = append(entries, Entry{
			Provider:  client,
			Enabled:   pc.IsEnabled(),
			RateLimit: pc.RateLimitPerMin,
			HasKey:    client.HasKey(),
		})
	}

	policy := PollPolicy{MaxAttempts: cfg.PollMaxAttempts, Interval: cfg.PollInterval}
	chain := NewChain(entries, policy, append([]ChainOption{WithLogger(log)}, opts...)...)

	log.Infof("initialized %d providers", len(entries))
	for _, e := range entries {
		status := "ready"
		switch {
		case !e.Enabled:
			status = "disabled"
		case !e.HasKey:
			status = "no key"
		}
		log.WithFields(logrus.Fields{"provider": e.Provider.Name(), "rate_limit": e.RateLimit}).Info(status)
	}
	return chain
}
