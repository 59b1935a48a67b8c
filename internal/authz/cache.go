package authz

import (
	"sync"
	"time"

	"github.com/craftdeck/craftdeck/internal/entitlements"
)

// roleCacheTTL bounds how stale a cached membership answer may be.
// Both hits and misses are cached so a burst of requests from a
// non-member cannot hammer the record store.
const roleCacheTTL = 20 * time.Second

type roleEntry struct {
	role      entitlements.Role
	member    bool
	expiresAt time.Time
}

// roleCache is an in-process TTL cache for membership lookups.
type roleCache struct {
	mu  sync.Mutex
	m   map[string]roleEntry
	ttl time.Duration
	now func() time.Time
}

func newRoleCache(ttl time.Duration) *roleCache {
	return &roleCache{
		m:   make(map[string]roleEntry),
		ttl: ttl,
		now: time.Now,
	}
}

func (c *roleCache) get(key string) (entitlements.Role, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.m, key)
		return "", false, false
	}
	return e.role, e.member, true
}

func (c *roleCache) put(key string, role entitlements.Role, member bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Opportunistically sweep expired entries so the map does not
	// grow without bound between lookups for the same keys.
	if len(c.m) > 4096 {
		now := c.now()
		for k, e := range c.m {
			if now.After(e.expiresAt) {
				delete(c.m, k)
			}
		}
	}
	c.m[key] = roleEntry{role: role, member: member, expiresAt: c.now().Add(c.ttl)}
}

func (c *roleCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}
