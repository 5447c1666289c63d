package pesakit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenCache(t *testing.T) (*TokenCache, *SecureCache, *time.Time) {
	t.Helper()
	cache, clock := newTestCache(t)
	tc := NewTokenCache(cache)
	tc.now = cache.now
	return tc, cache, clock
}

func TestTokenCacheSetAndGet(t *testing.T) {
	tc, _, _ := newTestTokenCache(t)

	require.NoError(t, tc.SetToken("ck-live-1", "bearer-abc", time.Hour))
	token, ok := tc.Token("ck-live-1")
	require.True(t, ok)
	assert.Equal(t, "bearer-abc", token)

	_, ok = tc.Token("ck-live-2")
	assert.False(t, ok, "unknown consumer key must miss")
}

func TestTokenCacheTTLMargin(t *testing.T) {
	tc, cache, _ := newTestTokenCache(t)

	// One hour upstream lifetime stores for 55 minutes.
	require.NoError(t, tc.SetToken("ck", "tok", time.Hour))
	remaining, ok := cache.TTL(tokenCacheKey(hashConsumerKey("ck")))
	require.True(t, ok)
	assert.Equal(t, 55*time.Minute, remaining)
}

func TestTokenCacheTTLFloor(t *testing.T) {
	tc, cache, _ := newTestTokenCache(t)

	// Two minutes upstream lifetime still stores for the five minute floor;
	// the upstream expiry check below keeps correctness.
	require.NoError(t, tc.SetToken("ck", "tok", 2*time.Minute))
	remaining, ok := cache.TTL(tokenCacheKey(hashConsumerKey("ck")))
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, remaining)
}

func TestTokenCacheRejectsPastUpstreamExpiry(t *testing.T) {
	tc, cache, clock := newTestTokenCache(t)

	require.NoError(t, tc.SetToken("ck", "tok", 2*time.Minute))

	// Three minutes in, the cache entry is still alive (floor TTL) but the
	// upstream token has expired. It must not be served.
	*clock = clock.Add(3 * time.Minute)
	_, ok := tc.Token("ck")
	assert.False(t, ok)
	assert.False(t, cache.Has(tokenCacheKey(hashConsumerKey("ck"))), "stale record is dropped")
}

func TestTokenCacheConsumerKeyBinding(t *testing.T) {
	tc, cache, _ := newTestTokenCache(t)

	// A record whose hash does not match the key it is stored under must be
	// treated as foreign and dropped.
	rec := tokenRecord{
		Token:           "tok",
		IssuedAt:        tc.now().Unix(),
		ExpiresAt:       tc.now().Add(time.Hour).Unix(),
		ConsumerKeyHash: hashConsumerKey("someone-else"),
	}
	key := tokenCacheKey(hashConsumerKey("ck"))
	require.NoError(t, cache.Set(key, rec, time.Hour))

	_, ok := tc.Token("ck")
	assert.False(t, ok)
	assert.False(t, cache.Has(key))
}

func TestTokenCacheInvalidate(t *testing.T) {
	tc, _, _ := newTestTokenCache(t)

	require.NoError(t, tc.SetToken("ck", "tok", time.Hour))
	tc.InvalidateToken("ck")
	_, ok := tc.Token("ck")
	assert.False(t, ok)
}

func TestTokenCacheMetadataHidesToken(t *testing.T) {
	tc, _, clock := newTestTokenCache(t)

	require.NoError(t, tc.SetToken("ck", "tok", time.Hour))
	meta, ok := tc.TokenMetadata("ck")
	require.True(t, ok)

	assert.True(t, meta.Valid)
	assert.Equal(t, clock.Unix(), meta.IssuedAt.Unix())
	assert.Equal(t, clock.Add(time.Hour).Unix(), meta.ExpiresAt.Unix())
	assert.Equal(t, time.Hour, meta.TimeToExpiry)
}

func TestFetchTokenUsesCache(t *testing.T) {
	tc, _, _ := newTestTokenCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(ctx context.Context) (string, time.Duration, error) {
		calls.Add(1)
		return "fresh", time.Hour, nil
	}

	token, err := tc.FetchToken(ctx, "ck", fetch)
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)

	token, err = tc.FetchToken(ctx, "ck", fetch)
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)
	assert.Equal(t, int32(1), calls.Load(), "second call must be served from cache")
}

func TestFetchTokenEmptyResultFails(t *testing.T) {
	tc, _, _ := newTestTokenCache(t)

	_, err := tc.FetchToken(context.Background(), "ck", func(ctx context.Context) (string, time.Duration, error) {
		return "", time.Hour, nil
	})
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestFetchTokenPropagatesError(t *testing.T) {
	tc, _, _ := newTestTokenCache(t)

	boom := errors.New("provider down")
	_, err := tc.FetchToken(context.Background(), "ck", func(ctx context.Context) (string, time.Duration, error) {
		return "", 0, boom
	})
	assert.ErrorIs(t, err, boom)

	// A failed fetch leaves nothing cached; the next call retries.
	var calls atomic.Int32
	_, err = tc.FetchToken(context.Background(), "ck", func(ctx context.Context) (string, time.Duration, error) {
		calls.Add(1)
		return "tok", time.Hour, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchTokenSingleFlight(t *testing.T) {
	tc, _, _ := newTestTokenCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	gate := make(chan struct{})
	fetch := func(ctx context.Context) (string, time.Duration, error) {
		calls.Add(1)
		<-gate
		return "shared", time.Hour, nil
	}

	const workers = 8
	results := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := tc.FetchToken(ctx, "ck", fetch)
			assert.NoError(t, err)
			results[i] = token
		}(i)
	}

	// Give the workers time to pile onto the in-flight fetch, then let it
	// finish.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(2), "concurrent misses must collapse")
	for i, token := range results {
		assert.Equalf(t, "shared", token, "worker %d", i)
	}
}

func TestFetchTokenWaiterHonorsContext(t *testing.T) {
	tc, _, _ := newTestTokenCache(t)

	gate := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tc.FetchToken(context.Background(), "ck", func(ctx context.Context) (string, time.Duration, error) {
			<-gate
			return "tok", time.Hour, nil
		})
	}()

	// Wait until the owner holds the flight, then join with an expired
	// context.
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tc.FetchToken(ctx, "ck", func(ctx context.Context) (string, time.Duration, error) {
		return "other", time.Hour, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(gate)
	wg.Wait()
}
