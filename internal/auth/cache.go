package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/storepulse/internal/metrics"
)

// CachedValidator remembers successful validations so reconnect storms do
// not re-verify the same token on every handshake
type CachedValidator struct {
	next    Validator
	entries *lru.TwoQueueCache
	ttl     time.Duration
	metrics *metrics.Metrics

	// now is replaced in tests
	now func() time.Time
}

// cacheItem represents an identity in the cache with an expiration time
type cacheItem struct {
	identity   *Identity
	expiration time.Time
}

// NewCachedValidator wraps next with a 2Q cache of the given capacity
func NewCachedValidator(next Validator, capacity int, ttl time.Duration) (*CachedValidator, error) {
	entries, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultConfig().CacheTTL
	}

	return &CachedValidator{
		next:    next,
		entries: entries,
		ttl:     ttl,
		metrics: metrics.GetMetrics(),
		now:     time.Now,
	}, nil
}

// Validate returns a cached identity or delegates to the wrapped validator.
// Failures are never cached.
func (c *CachedValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	key := tokenKey(token)
	now := c.now()

	if value, found := c.entries.Get(key); found {
		item := value.(cacheItem)
		if now.Before(item.expiration) {
			c.metrics.AuthCacheLookups.WithLabelValues("hit").Inc()
			identity := *item.identity
			return &identity, nil
		}
		c.entries.Remove(key)
		c.metrics.AuthCacheLookups.WithLabelValues("expired").Inc()
	} else {
		c.metrics.AuthCacheLookups.WithLabelValues("miss").Inc()
	}

	identity, err := c.next.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	// Never outlive the token itself
	expiration := now.Add(c.ttl)
	if !identity.ExpiresAt.IsZero() && identity.ExpiresAt.Before(expiration) {
		expiration = identity.ExpiresAt
	}

	stored := *identity
	c.entries.Add(key, cacheItem{identity: &stored, expiration: expiration})
	return identity, nil
}

// Purge drops every cached validation
func (c *CachedValidator) Purge() {
	c.entries.Purge()
}

// Len returns the number of cached validations
func (c *CachedValidator) Len() int {
	return c.entries.Len()
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
