package auth

import (
	"sync"
	"time"
)

// Past this many live nonces new ones are refused until old ones expire, so
// a flood of signed requests cannot grow the map without bound.
const maxLiveNonces = 100_000

// NonceCache remembers HMAC nonces until their replay window closes.
type NonceCache struct {
	mu         sync.Mutex
	nonces     map[string]time.Time
	defaultTTL time.Duration
	now        func() time.Time
}

func NewNonceCache(defaultTTL time.Duration) *NonceCache {
	if defaultTTL <= 0 {
		defaultTTL = 360 * time.Second
	}
	return &NonceCache{
		nonces:     map[string]time.Time{},
		defaultTTL: defaultTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// MarkIfNew records nonce and reports whether it was unseen. A zero
// expiresAt uses the cache's default TTL.
func (c *NonceCache) MarkIfNew(nonce string, expiresAt time.Time) bool {
	if nonce == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.evictExpired(now)

	if _, seen := c.nonces[nonce]; seen {
		return false
	}
	if len(c.nonces) >= maxLiveNonces {
		return false
	}
	if expiresAt.IsZero() {
		expiresAt = now.Add(c.defaultTTL)
	}
	c.nonces[nonce] = expiresAt
	return true
}

func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nonces)
}

func (c *NonceCache) evictExpired(now time.Time) {
	for n, exp := range c.nonces {
		if !exp.After(now) {
			delete(c.nonces, n)
		}
	}
}
