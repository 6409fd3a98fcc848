// Package cache holds verification results per identifier and mode.
//
// A Cache is an ordered list of tiers (in-process memory first, then an
// optional durable backend). Expiry is decided here, lazily, on read: a
// backend only stores entries with their write time.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akl7777777/imei-intel/internal/logger"
	"github.com/akl7777777/imei-intel/internal/model"
)

// DefaultTTL is how long a verification result stays valid.
const DefaultTTL = 24 * time.Hour

// ErrMiss is returned by a Backend that has no entry for a key.
var ErrMiss = errors.New("cache miss")

// Backend is one storage tier.
type Backend interface {
	Name() string
	Load(ctx context.Context, key string) (*model.CacheEntry, error)
	// Save stores e. ttl is a hint for backends that can expire natively.
	Save(ctx context.Context, key string, e *model.CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Size(ctx context.Context) int
	Close() error
}

type Cache struct {
	tiers []Backend
	ttl   time.Duration
	now   func() time.Time
	log   logrus.FieldLogger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Cache) { c.log = logger.Component(log, "cache") }
}

// New builds a cache over tiers, searched in order.
func New(ttl time.Duration, tiers []Backend, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		tiers: tiers,
		ttl:   ttl,
		now:   time.Now,
		log:   logger.Component(nil, "cache"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Key is the storage key for identifier and mode.
func Key(identifier string, mode model.Mode) string {
	return identifier + ":" + string(mode)
}

// Get returns a live entry. Expired entries and backend errors are misses.
// A hit in a lower tier is copied into the tiers above it.
func (c *Cache) Get(ctx context.Context, identifier string, mode model.Mode) (*model.CacheEntry, bool) {
	key := Key(identifier, mode)
	now := c.now()

	for i, tier := range c.tiers {
		e, err := tier.Load(ctx, key)
		if errors.Is(err, ErrMiss) {
			continue
		}
		if err != nil {
			c.log.WithError(err).WithField("tier", tier.Name()).Warn("cache read failed")
			continue
		}
		if c.expired(e, now) {
			if err := tier.Delete(ctx, key); err != nil {
				c.log.WithError(err).WithField("tier", tier.Name()).Debug("expired entry delete failed")
			}
			continue
		}

		for j := 0; j < i; j++ {
			if err := c.tiers[j].Save(ctx, key, e, c.remaining(e, now)); err != nil {
				c.log.WithError(err).WithField("tier", c.tiers[j].Name()).Warn("cache backfill failed")
			}
		}
		return e, true
	}
	return nil, false
}

// Put writes the entry to every tier, stamping StoredAt. It returns the
// first error but still attempts every tier.
func (c *Cache) Put(ctx context.Context, identifier string, mode model.Mode, e *model.CacheEntry) error {
	key := Key(identifier, mode)
	e.StoredAt = c.now().UTC()

	var firstErr error
	for _, tier := range c.tiers {
		if err := tier.Save(ctx, key, e, c.ttl); err != nil {
			c.log.WithError(err).WithField("tier", tier.Name()).Warn("cache write failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Cache) expired(e *model.CacheEntry, now time.Time) bool {
	return !now.Before(e.StoredAt.Add(c.ttl))
}

func (c *Cache) remaining(e *model.CacheEntry, now time.Time) time.Duration {
	return e.StoredAt.Add(c.ttl).Sub(now)
}

// TTL returns the entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Stats reports each tier's size.
func (c *Cache) Stats(ctx context.Context) []model.CacheTierStatus {
	out := make([]model.CacheTierStatus, len(c.tiers))
	for i, t := range c.tiers {
		out[i] = model.CacheTierStatus{Backend: t.Name(), Size: t.Size(ctx)}
	}
	return out
}

// Close closes every tier.
func (c *Cache) Close() error {
	var firstErr error
	for _, t := range c.tiers {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
