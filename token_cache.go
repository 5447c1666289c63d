package pesakit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// tokenTTLMargin is subtracted from the upstream token lifetime so the
	// entry is evicted well before the provider rejects the token, forcing
	// a proactive refresh.
	tokenTTLMargin = 300 * time.Second
	// tokenTTLFloor is the minimum effective TTL for short-lived tokens.
	tokenTTLFloor = 300 * time.Second

	tokenKeyPrefix = "token:"
)

type tokenRecord struct {
	Token           string `json:"token"`
	IssuedAt        int64  `json:"issuedAt"`
	ExpiresAt       int64  `json:"expiresAt"`
	ConsumerKeyHash string `json:"consumerKeyHash"`
}

// TokenMetadata describes a cached credential without revealing its value.
// It feeds health and observability surfaces that must not leak secrets.
type TokenMetadata struct {
	IssuedAt     time.Time
	ExpiresAt    time.Time
	TimeToExpiry time.Duration
	Valid        bool
}

// TokenFetch obtains a fresh token from the provider, returning the token
// and its advertised lifetime.
type TokenFetch func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// TokenCache stores short-lived auth credentials in a SecureCache. Each
// entry is bound to the SHA-256 hash of the consumer key that produced it,
// so a cache key collision across credentials cannot leak a token.
type TokenCache struct {
	cache  *SecureCache
	flight flightGroup

	now func() time.Time
}

// NewTokenCache wraps cache for credential storage. The cache may be shared
// with other uses; token entries live under their own key prefix.
func NewTokenCache(cache *SecureCache) *TokenCache {
	return &TokenCache{cache: cache, now: time.Now}
}

// SetToken stores token for consumerKey with an effective TTL of
// max(5m, expiresIn-5m): the entry is evicted at least five minutes before
// the upstream token's real expiry.
func (tc *TokenCache) SetToken(consumerKey, token string, expiresIn time.Duration) error {
	now := tc.now()
	ttl := expiresIn - tokenTTLMargin
	if ttl < tokenTTLFloor {
		ttl = tokenTTLFloor
	}

	rec := tokenRecord{
		Token:           token,
		IssuedAt:        now.Unix(),
		ExpiresAt:       now.Add(expiresIn).Unix(),
		ConsumerKeyHash: hashConsumerKey(consumerKey),
	}
	return tc.cache.Set(tokenCacheKey(rec.ConsumerKeyHash), rec, ttl)
}

// Token returns the cached token for consumerKey. It misses, deleting the
// entry, when the record is absent, past its upstream expiry, or bound to
// a different consumer key hash.
func (tc *TokenCache) Token(consumerKey string) (string, bool) {
	rec, ok := tc.lookup(consumerKey)
	if !ok {
		return "", false
	}
	return rec.Token, true
}

// InvalidateToken removes the cached token for consumerKey.
func (tc *TokenCache) InvalidateToken(consumerKey string) {
	tc.cache.Del(tokenCacheKey(hashConsumerKey(consumerKey)))
}

// TokenMetadata returns expiry information for consumerKey's cached token
// without exposing the token itself.
func (tc *TokenCache) TokenMetadata(consumerKey string) (*TokenMetadata, bool) {
	rec, ok := tc.lookup(consumerKey)
	if !ok {
		return nil, false
	}

	now := tc.now()
	expiresAt := time.Unix(rec.ExpiresAt, 0)
	return &TokenMetadata{
		IssuedAt:     time.Unix(rec.IssuedAt, 0),
		ExpiresAt:    expiresAt,
		TimeToExpiry: expiresAt.Sub(now),
		Valid:        expiresAt.After(now),
	}, true
}

// FetchToken returns the cached token for consumerKey or, on a miss, calls
// fetch to obtain and store a fresh one. Concurrent misses for the same
// consumer key collapse into a single fetch; waiters share its outcome.
func (tc *TokenCache) FetchToken(ctx context.Context, consumerKey string, fetch TokenFetch) (string, error) {
	if token, ok := tc.Token(consumerKey); ok {
		return token, nil
	}

	hash := hashConsumerKey(consumerKey)
	value, err := tc.flight.do(ctx, hash, func() (any, error) {
		// Another flight may have refreshed while this caller queued.
		if token, ok := tc.Token(consumerKey); ok {
			return token, nil
		}

		token, expiresIn, err := fetch(ctx)
		if err != nil {
			return "", err
		}
		if token == "" {
			return "", ErrTokenNotFound
		}
		if err := tc.SetToken(consumerKey, token, expiresIn); err != nil {
			return "", err
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (tc *TokenCache) lookup(consumerKey string) (*tokenRecord, bool) {
	hash := hashConsumerKey(consumerKey)
	key := tokenCacheKey(hash)

	var rec tokenRecord
	if !tc.cache.Get(key, &rec) {
		return nil, false
	}
	if rec.ConsumerKeyHash != hash {
		// Key collision across credentials: the entry belongs to someone
		// else and must not be served.
		tc.cache.Del(key)
		return nil, false
	}
	if !time.Unix(rec.ExpiresAt, 0).After(tc.now()) {
		tc.cache.Del(key)
		return nil, false
	}
	return &rec, true
}

func hashConsumerKey(consumerKey string) string {
	sum := sha256.Sum256([]byte(consumerKey))
	return hex.EncodeToString(sum[:])
}

func tokenCacheKey(consumerKeyHash string) string {
	return tokenKeyPrefix + consumerKeyHash
}

// flightGroup merges concurrent calls for the same key: one caller owns the
// execution, the rest wait for its result or their own context.
type flightGroup struct {
	mu sync.Mutex
	m  map[string]*flightCall
}

type flightCall struct {
	done  chan struct{}
	value any
	err   error
}

func (g *flightGroup) do(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[string]*flightCall)
	}
	if c, ok := g.m[key]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.value, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c := &flightCall{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	c.value, c.err = fn()
	close(c.done)

	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	g.mu.Unlock()

	return c.value, c.err
}
