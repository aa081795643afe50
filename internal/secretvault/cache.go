package secretvault

import "time"

// cacheEntry holds a loaded record. A zero ttl never expires.
type cacheEntry[T any] struct {
	value     T
	loaded    bool
	expiresAt time.Time
}

func (c *cacheEntry[T]) store(v T, now time.Time, ttl time.Duration) {
	c.value = v
	c.loaded = true
	c.expiresAt = now.Add(ttl)
}

func (c *cacheEntry[T]) isExpired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.After(c.expiresAt)
}

// get returns the cached value, dropping it once expired.
func (c *cacheEntry[T]) get(now time.Time, ttl time.Duration) (T, bool) {
	if c.loaded && c.isExpired(now, ttl) {
		var zero T
		c.value, c.loaded = zero, false
	}
	return c.value, c.loaded
}
