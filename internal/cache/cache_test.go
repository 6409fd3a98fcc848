package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akl7777777/imei-intel/internal/model"
)

const testIMEI = "490154203237518"

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newEntry(brand string) *model.CacheEntry {
	return &model.CacheEntry{
		Record: model.NormalizedRecord{
			Identifier: testIMEI,
			Device:     model.Device{Brand: brand},
		},
		Assessment: model.FraudAssessment{TrustScore: 100, OverallStatus: model.StatusClean},
		Provider:   "primary",
	}
}

func TestCacheHitWithinTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := New(DefaultTTL, []Backend{NewMemory()}, WithClock(clock.Now))

	require.NoError(t, c.Put(ctx, testIMEI, model.ModeFull, newEntry("Apple")))

	clock.Advance(23 * time.Hour)
	got, ok := c.Get(ctx, testIMEI, model.ModeFull)
	require.True(t, ok)
	assert.Equal(t, "Apple", got.Record.Device.Brand)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), got.StoredAt)
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	mem := NewMemory()
	c := New(DefaultTTL, []Backend{mem}, WithClock(clock.Now))

	require.NoError(t, c.Put(ctx, testIMEI, model.ModeFull, newEntry("Apple")))

	clock.Advance(DefaultTTL + time.Millisecond)
	_, ok := c.Get(ctx, testIMEI, model.ModeFull)
	assert.False(t, ok)
	assert.Equal(t, 0, mem.Size(ctx), "expired entry is dropped on read")
}

func TestCacheModesAreIndependent(t *testing.T) {
	ctx := context.Background()
	c := New(DefaultTTL, []Backend{NewMemory()})

	require.NoError(t, c.Put(ctx, testIMEI, model.ModeBasic, newEntry("Apple")))

	_, ok := c.Get(ctx, testIMEI, model.ModeFull)
	assert.False(t, ok)
	_, ok = c.Get(ctx, testIMEI, model.ModeBasic)
	assert.True(t, ok)
}

func TestCacheBackfillsUpperTier(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l1, l2 := NewMemory(), NewMemory()

	// Seed only the lower tier.
	seed := New(DefaultTTL, []Backend{l2}, WithClock(clock.Now))
	require.NoError(t, seed.Put(ctx, testIMEI, model.ModeFull, newEntry("Samsung")))

	c := New(DefaultTTL, []Backend{l1, l2}, WithClock(clock.Now))
	got, ok := c.Get(ctx, testIMEI, model.ModeFull)
	require.True(t, ok)
	assert.Equal(t, "Samsung", got.Record.Device.Brand)
	assert.Equal(t, 1, l1.Size(ctx))
}

type failingBackend struct{ *Memory }

func (f *failingBackend) Name() string { return "failing" }
func (f *failingBackend) Load(context.Context, string) (*model.CacheEntry, error) {
	return nil, errors.New("connection refused")
}
func (f *failingBackend) Save(context.Context, string, *model.CacheEntry, time.Duration) error {
	return errors.New("connection refused")
}

func TestCacheBackendErrorsAreMisses(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	c := New(DefaultTTL, []Backend{&failingBackend{Memory: NewMemory()}, mem})

	err := c.Put(ctx, testIMEI, model.ModeFull, newEntry("Apple"))
	assert.Error(t, err)
	assert.Equal(t, 1, mem.Size(ctx), "other tiers are still written")

	got, ok := c.Get(ctx, testIMEI, model.ModeFull)
	require.True(t, ok)
	assert.Equal(t, "Apple", got.Record.Device.Brand)
}

func TestRedisBackend(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	backend := NewRedis(client)
	clock := &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
	c := New(time.Hour, []Backend{backend}, WithClock(clock.Now))

	require.NoError(t, c.Put(ctx, testIMEI, model.ModeFull, newEntry("Google")))
	assert.Equal(t, 1, backend.Size(ctx))
	assert.Equal(t, time.Hour, mr.TTL(redisKeyPrefix+Key(testIMEI, model.ModeFull)))

	got, ok := c.Get(ctx, testIMEI, model.ModeFull)
	require.True(t, ok)
	assert.Equal(t, "Google", got.Record.Device.Brand)
	assert.True(t, clock.now.Equal(got.StoredAt))

	_, err := backend.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	clock.Advance(time.Hour)
	_, ok = c.Get(ctx, testIMEI, model.ModeFull)
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	c := New(0, []Backend{NewMemory()})
	require.NoError(t, c.Put(ctx, testIMEI, model.ModeFull, newEntry("Apple")))

	assert.Equal(t, DefaultTTL, c.TTL())
	assert.Equal(t, []model.CacheTierStatus{{Backend: "memory", Size: 1}}, c.Stats(ctx))
}
