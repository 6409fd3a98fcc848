// Package ledgertest holds the behaviour every ledger.Ledger must share.
package ledgertest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akl7777777/imei-intel/internal/ledger"
)

// Run exercises l, which must start empty.
func Run(t *testing.T, l ledger.Ledger) {
	t.Helper()
	ctx := context.Background()

	t.Run("unmetered tenant", func(t *testing.T) {
		metered, ok, err := l.HasCredit(ctx, "walk-in")
		require.NoError(t, err)
		assert.False(t, metered)
		assert.True(t, ok)

		assert.ErrorIs(t, l.Consume(ctx, "walk-in"), ledger.ErrNoAccount)
		_, err = l.Get(ctx, "walk-in")
		assert.ErrorIs(t, err, ledger.ErrNoAccount)
	})

	t.Run("plan fills up", func(t *testing.T) {
		require.NoError(t, l.SetPlan(ctx, "shop-10", 10))
		for i := 0; i < 10; i++ {
			_, ok, err := l.HasCredit(ctx, "shop-10")
			require.NoError(t, err)
			require.True(t, ok, "credit %d", i+1)
			require.NoError(t, l.Consume(ctx, "shop-10"))
		}

		metered, ok, err := l.HasCredit(ctx, "shop-10")
		require.NoError(t, err)
		assert.True(t, metered)
		assert.False(t, ok)
		assert.ErrorIs(t, l.Consume(ctx, "shop-10"), ledger.ErrCreditExhausted)

		e, err := l.Get(ctx, "shop-10")
		require.NoError(t, err)
		assert.Equal(t, 10, e.CreditsUsed)
		assert.Equal(t, 10, e.PlanCredits)
	})

	t.Run("unlimited plan counts usage", func(t *testing.T) {
		require.NoError(t, l.SetPlan(ctx, "chain", ledger.Unlimited))
		for i := 0; i < 25; i++ {
			require.NoError(t, l.Consume(ctx, "chain"))
		}
		_, ok, err := l.HasCredit(ctx, "chain")
		require.NoError(t, err)
		assert.True(t, ok)

		e, err := l.Get(ctx, "chain")
		require.NoError(t, err)
		assert.True(t, e.Unlimited())
		assert.Equal(t, 25, e.CreditsUsed)
	})

	t.Run("plan change keeps usage", func(t *testing.T) {
		require.NoError(t, l.SetPlan(ctx, "upgrade", 1))
		require.NoError(t, l.Consume(ctx, "upgrade"))
		require.NoError(t, l.SetPlan(ctx, "upgrade", 5))

		e, err := l.Get(ctx, "upgrade")
		require.NoError(t, err)
		assert.Equal(t, 5, e.PlanCredits)
		assert.Equal(t, 1, e.CreditsUsed)
	})

	t.Run("concurrent consume never overdraws", func(t *testing.T) {
		require.NoError(t, l.SetPlan(ctx, "busy", 3))

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if l.Consume(ctx, "busy") == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 3, succeeded)
		e, err := l.Get(ctx, "busy")
		require.NoError(t, err)
		assert.Equal(t, 3, e.CreditsUsed)
	})
}
