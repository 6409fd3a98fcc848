package provider

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akl7777777/imei-intel/internal/config"
	"github.com/akl7777777/imei-intel/internal/model"
	"github.com/akl7777777/imei-intel/internal/provider/providertest"
)

const testIMEI = "490154203237518"

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testPolicy(maxAttempts int) PollPolicy {
	return PollPolicy{MaxAttempts: maxAttempts, Interval: 2 * time.Second, Sleep: noSleep}
}

func newMock(t *testing.T) *providertest.MockServer {
	t.Helper()
	m := providertest.NewMockServer()
	t.Cleanup(m.Close)
	return m
}

func clientFor(m *providertest.MockServer, name string) *HTTPClient {
	return NewHTTPClient(config.ProviderConfig{
		Name:           name,
		BaseURL:        m.URL(),
		APIKey:         "test-key",
		BasicServiceID: "1",
		FullServiceID:  "12",
		Timeout:        2 * time.Second,
	})
}

func entryFor(m *providertest.MockServer, name string) Entry {
	return Entry{Provider: clientFor(m, name), Enabled: true, HasKey: true}
}

func TestFetchPollsUntilDone(t *testing.T) {
	m := newMock(t)
	m.Configure(func(m *providertest.MockServer) {
		m.PendingPolls = 2
		m.Result = providertest.IPhoneResult()
	})

	var slept []time.Duration
	policy := testPolicy(12)
	policy.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	payload, err := Fetch(context.Background(), clientFor(m, "primary"), policy, testIMEI, model.ModeFull)
	require.NoError(t, err)
	assert.Equal(t, "done", payload["status"])
	assert.Equal(t, testIMEI, payload["deviceId"])
	assert.Equal(t, 3, m.Polls())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}, slept)
}

func TestFetchDoneOnCreateSkipsPolling(t *testing.T) {
	m := newMock(t)
	m.Configure(func(m *providertest.MockServer) { m.DoneOnCreate = true })

	payload, err := Fetch(context.Background(), clientFor(m, "primary"), testPolicy(12), testIMEI, model.ModeBasic)
	require.NoError(t, err)
	assert.Equal(t, "done", payload["status"])
	assert.Equal(t, 0, m.Polls())
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name      string
		configure func(m *providertest.MockServer)
		apiKey    string
		kind      string
		contains  string
		maxPolls  int
	}{
		{
			name:      "create rejected",
			configure: func(m *providertest.MockServer) { m.CreateStatus = http.StatusInternalServerError },
			kind:      KindOrderFailed,
			contains:  "HTTP 500",
		},
		{
			name:      "bad api key",
			configure: func(m *providertest.MockServer) {},
			apiKey:    "wrong",
			kind:      KindOrderFailed,
			contains:  "HTTP 401",
		},
		{
			name:      "order failed upstream",
			configure: func(m *providertest.MockServer) { m.FailMessage = "IMEI not found in database" },
			kind:      KindPollFailed,
			contains:  "IMEI not found in database",
		},
		{
			name:      "never completes",
			configure: func(m *providertest.MockServer) { m.PendingPolls = 1000 },
			kind:      KindTimeout,
			contains:  "no result after 3 polls",
			maxPolls:  3,
		},
		{
			name:      "poll transport errors count as attempts",
			configure: func(m *providertest.MockServer) { m.PollStatus = http.StatusServiceUnavailable },
			kind:      KindTimeout,
			contains:  "HTTP 503",
			maxPolls:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMock(t)
			m.Configure(tt.configure)

			c := clientFor(m, "primary")
			if tt.apiKey != "" {
				c.apiKey = tt.apiKey
			}

			_, err := Fetch(context.Background(), c, testPolicy(3), testIMEI, model.ModeFull)
			var perr *Error
			require.True(t, errors.As(err, &perr), "got %v", err)
			assert.Equal(t, tt.kind, perr.Kind)
			assert.Equal(t, "primary", perr.Provider)
			assert.Contains(t, perr.Message, tt.contains)
			if tt.maxPolls > 0 {
				assert.Equal(t, tt.maxPolls, m.Polls())
			}
		})
	}
}

func TestFetchStopsOnCancel(t *testing.T) {
	m := newMock(t)
	m.Configure(func(m *providertest.MockServer) { m.PendingPolls = 1000 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	policy := testPolicy(12)
	policy.Sleep = func(ctx context.Context, d time.Duration) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return ctx.Err()
	}

	_, err := Fetch(ctx, clientFor(m, "primary"), policy, testIMEI, model.ModeFull)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, m.Polls())
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))
}

func TestServiceIDByMode(t *testing.T) {
	c := NewHTTPClient(config.ProviderConfig{Name: "p", BaseURL: "http://x/", BasicServiceID: "1", FullServiceID: "12"})
	assert.Equal(t, "1", c.ServiceID(model.ModeBasic))
	assert.Equal(t, "12", c.ServiceID(model.ModeFull))
	assert.Equal(t, "http://x", c.baseURL)
	assert.False(t, c.HasKey())
}

func TestChainFallsBackToSecondary(t *testing.T) {
	primary, secondary := newMock(t), newMock(t)
	primary.Configure(func(m *providertest.MockServer) { m.CreateStatus = http.StatusBadGateway })
	secondary.Configure(func(m *providertest.MockServer) { m.Result = providertest.IPhoneResult() })

	var (
		mu       sync.Mutex
		observed []string
	)
	chain := NewChain(
		[]Entry{entryFor(primary, "primary"), entryFor(secondary, "secondary")},
		testPolicy(12),
		WithObserver(func(provider, outcome string, _ time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			observed = append(observed, provider+"="+outcome)
		}),
	)

	payload, name, attempts, err := chain.Run(context.Background(), testIMEI, model.ModeFull)
	require.NoError(t, err)
	assert.Equal(t, "secondary", name)
	assert.Equal(t, "done", payload["status"])
	require.Len(t, attempts, 1)
	assert.Equal(t, model.Attempt{Provider: "primary", Kind: KindOrderFailed, Message: attempts[0].Message}, attempts[0])
	assert.Equal(t, []string{"primary=" + KindOrderFailed, "secondary=success"}, observed)
}

func TestChainExhausted(t *testing.T) {
	primary, secondary := newMock(t), newMock(t)
	primary.Configure(func(m *providertest.MockServer) { m.PendingPolls = 1000 })
	secondary.Configure(func(m *providertest.MockServer) { m.FailMessage = "invalid IMEI" })

	chain := NewChain([]Entry{entryFor(primary, "primary"), entryFor(secondary, "secondary")}, testPolicy(4))

	_, _, _, err := chain.Run(context.Background(), testIMEI, model.ModeBasic)
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, KindTimeout, exhausted.Attempts[0].Kind)
	assert.Equal(t, KindPollFailed, exhausted.Attempts[1].Kind)
	assert.Equal(t, "invalid IMEI", exhausted.Attempts[1].Message)
	assert.Contains(t, err.Error(), "primary (provider_timeout)")

	// Bounded by providers x MaxAttempts.
	assert.LessOrEqual(t, primary.Polls()+secondary.Polls(), 2*4)
}

func TestChainSkipsUnavailableProviders(t *testing.T) {
	limited, disabled, keyless, fallback := newMock(t), newMock(t), newMock(t), newMock(t)
	for _, m := range []*providertest.MockServer{limited, fallback} {
		m.Configure(func(m *providertest.MockServer) { m.DoneOnCreate = true })
	}

	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	chain := NewChain([]Entry{
		{Provider: clientFor(limited, "limited"), Enabled: true, HasKey: true, RateLimit: 1},
		{Provider: clientFor(disabled, "disabled"), Enabled: false, HasKey: true},
		{Provider: clientFor(keyless, "keyless"), Enabled: true, HasKey: false},
		entryFor(fallback, "fallback"),
	}, testPolicy(2), WithClock(func() time.Time { return now }))

	_, name, _, err := chain.Run(context.Background(), testIMEI, model.ModeBasic)
	require.NoError(t, err)
	assert.Equal(t, "limited", name)

	_, name, attempts, err := chain.Run(context.Background(), testIMEI, model.ModeBasic)
	require.NoError(t, err)
	assert.Equal(t, "fallback", name)
	require.Len(t, attempts, 3)
	for _, a := range attempts {
		assert.Equal(t, KindUnavailable, a.Kind, a.Provider)
	}
	assert.Equal(t, "rate limit reached", attempts[0].Message)
	assert.Equal(t, 0, disabled.Creates())
	assert.Equal(t, 0, keyless.Creates())

	// The quota frees up after a minute.
	now = now.Add(61 * time.Second)
	_, name, _, err = chain.Run(context.Background(), testIMEI, model.ModeBasic)
	require.NoError(t, err)
	assert.Equal(t, "limited", name)
}

func TestChainCanceled(t *testing.T) {
	m := newMock(t)
	chain := NewChain([]Entry{entryFor(m, "primary")}, testPolicy(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, _, err := chain.Run(ctx, testIMEI, model.ModeFull)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, m.Creates())
}

func TestChainStatus(t *testing.T) {
	m := newMock(t)
	m.Configure(func(m *providertest.MockServer) {
		m.DoneOnCreate = true
		m.Balance = 42.5
	})
	chain := NewChain([]Entry{
		{Provider: clientFor(m, "primary"), Enabled: true, HasKey: true, RateLimit: 10},
		{Provider: clientFor(m, "backup"), Enabled: false, HasKey: true},
	}, testPolicy(2))

	_, _, _, err := chain.Run(context.Background(), testIMEI, model.ModeBasic)
	require.NoError(t, err)

	status := chain.Status(context.Background())
	require.Len(t, status, 2)
	assert.True(t, status[0].Primary)
	assert.True(t, status[0].Available)
	assert.Equal(t, 1, status[0].UsedLastMin)
	require.NotNil(t, status[0].Balance)
	assert.Equal(t, 42.5, *status[0].Balance)

	assert.False(t, status[1].Primary)
	assert.False(t, status[1].Available)
	assert.Nil(t, status[1].Balance)
}

func TestInitProviders(t *testing.T) {
	disabled := false
	cfg := &config.Config{
		PollMaxAttempts: 5,
		PollInterval:    time.Second,
		Providers: []config.ProviderConfig{
			{Name: "imeicheck", BaseURL: "https://api.example.test/v1", APIKey: "k", BasicServiceID: "1", FullServiceID: "12", RateLimitPerMin: 30},
			{Name: "spare", BaseURL: "https://spare.example.test", BasicServiceID: "b", FullServiceID: "f", Enabled: &disabled},
		},
	}

	chain := InitProviders(cfg, nil)
	assert.Equal(t, 2, chain.Len())
	assert.Equal(t, 5, chain.Policy().MaxAttempts)
	assert.Equal(t, time.Second, chain.Policy().Interval)

	// The balance lookup has nowhere to go; keep it short.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	status := chain.Status(ctx)
	assert.Equal(t, "imeicheck", status[0].Name)
	assert.True(t, status[0].HasKey)
	assert.Equal(t, 30, status[0].RateLimit)
	assert.Equal(t, "spare", status[1].Name)
	assert.False(t, status[1].Enabled)
	assert.False(t, status[1].HasKey)
}

func TestClassify(t *testing.T) {
	for status, want := range map[string]string{
		"done": StatusDone, "Completed": StatusDone, "successful": StatusDone,
		"failed": StatusFailed, "ERROR": StatusFailed,
		"processing": StatusPending, "pending": StatusPending, "": StatusPending,
	} {
		assert.Equal(t, want, classify(status), status)
	}
}

func TestMemberQuotaHoldsUnderConcurrency(t *testing.T) {
	m := &member{Entry: Entry{Enabled: true, HasKey: true, RateLimit: 3}}
	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.tryAcquire(now); ok {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, acquired)
	assert.Equal(t, 3, m.usedLastMinute(now))

	ok, reason := m.available(now)
	assert.False(t, ok)
	assert.Equal(t, "rate limit reached", reason)
	assert.Equal(t, 3, m.usedLastMinute(now), "available does not record a call")
}
