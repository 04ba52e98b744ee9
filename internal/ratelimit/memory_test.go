package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemoryLimiter(rate, burst, WithClock(clock.Now))
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func TestMemoryLimiter_BurstThenDeny(t *testing.T) {
	m, _ := newLimiter(t, 1, 3)
	ctx := context.Background()

	for i := range 3 {
		d, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d is within the burst", i)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestMemoryLimiter_Refill(t *testing.T) {
	m, clock := newLimiter(t, 2, 1)
	ctx := context.Background()

	d, _ := m.Allow(ctx, "k1")
	require.True(t, d.Allowed)
	d, _ = m.Allow(ctx, "k1")
	require.False(t, d.Allowed)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)

	clock.Advance(500 * time.Millisecond)
	d, _ = m.Allow(ctx, "k1")
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_TokensCapAtBurst(t *testing.T) {
	m, clock := newLimiter(t, 1000, 3)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "k1")
	clock.Advance(time.Hour)

	for i := range 3 {
		d, _ := m.Allow(ctx, "k1")
		assert.True(t, d.Allowed, "request %d after idle", i)
	}
	d, _ := m.Allow(ctx, "k1")
	assert.False(t, d.Allowed)
}

func TestMemoryLimiter_IndependentKeys(t *testing.T) {
	m, _ := newLimiter(t, 1, 1)
	ctx := context.Background()

	d, _ := m.Allow(ctx, "a")
	assert.True(t, d.Allowed)
	d, _ = m.Allow(ctx, "a")
	assert.False(t, d.Allowed)
	d, _ = m.Allow(ctx, "b")
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, m.Len())
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	m, _ := newLimiter(t, 1, 50)
	ctx := context.Background()

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				d, err := m.Allow(ctx, "shared")
				if err == nil && d.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed, "a frozen clock admits exactly the burst")
}

func TestMemoryLimiter_EvictStale(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemoryLimiter(10, 5, WithClock(clock.Now), WithStaleAfter(time.Minute))
	defer m.Close()
	ctx := context.Background()

	_, _ = m.Allow(ctx, "stale")
	clock.Advance(2 * time.Minute)
	_, _ = m.Allow(ctx, "recent")

	m.evictStale()
	m.mu.Lock()
	_, staleExists := m.buckets["stale"]
	_, recentExists := m.buckets["recent"]
	m.mu.Unlock()
	assert.False(t, staleExists)
	assert.True(t, recentExists)
}

func TestMemoryLimiter_CloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		d, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	assert.NoError(t, l.Close())
}

func TestMiddleware(t *testing.T) {
	m, _ := newLimiter(t, 1, 1)
	h := Middleware(m, "runs", func(r *http.Request) string { return r.Header.Get("X-Client") },
		func(*http.Request) string { return "req-1" })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	do := func(client string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/agents/a/runs", nil)
		if client != "" {
			req.Header.Set("X-Client", client)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do("web").Code)
	limited := do("web")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Contains(t, limited.Body.String(), `"RATE_LIMITED"`)
	assert.Contains(t, limited.Body.String(), `"req-1"`)

	assert.Equal(t, http.StatusNoContent, do("").Code, "requests without a key skip the limit")
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	assert.Equal(t, "10.0.0.1", IPKeyFunc(req))
}
