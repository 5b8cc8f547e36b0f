// Package dedup provides time-windowed suppression of repeated alert keys.
package dedup

import (
	"sync"
	"time"
)

// Cache remembers when each key was last allowed through.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	maxWindow time.Duration
	now       func() time.Time
}

// New creates an empty Cache. now is the clock used for all checks; nil means
// time.Now.
func New(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		entries: make(map[string]time.Time),
		now:     now,
	}
}

// Check reports whether key was already recorded less than window ago. A
// duplicate leaves the recorded time untouched; otherwise the key is recorded
// at the current time and stale entries are pruned.
func (c *Cache) Check(key string, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.entries[key]; ok && now.Sub(last) < window {
		return true
	}
	c.entries[key] = now
	if window > c.maxWindow {
		c.maxWindow = window
	}
	c.prune(now)
	return false
}

// Forget drops key so the next Check for it is never a duplicate.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// prune removes entries older than twice the largest window seen, so a key
// checked with a shorter window is never dropped while a longer one may
// still need it.
func (c *Cache) prune(now time.Time) {
	cutoff := now.Add(-2 * c.maxWindow)
	for k, seen := range c.entries {
		if !seen.After(cutoff) {
			delete(c.entries, k)
		}
	}
}
