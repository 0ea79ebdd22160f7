package kernel

import (
	"sort"
	"sync"
	"time"
)

// DeviceAuth is the cached view of a device registry row consulted on
// every inbound message.
type DeviceAuth struct {
	SiteID    string
	Status    string
	TokenHash string
}

type authKey struct {
	tenantID string
	deviceID string
}

type authEntry struct {
	auth     DeviceAuth
	cachedAt time.Time
}

// AuthCache is an in-process TTL cache for device registry lookups.
// Keys carry the tenant, so a hit for (A, dev-1) can never be served to
// a lookup for (B, dev-1). When the cache is full the oldest 10% of
// entries are evicted to make room.
type AuthCache struct {
	mu      sync.Mutex
	entries map[authKey]authEntry
	ttl     time.Duration
	maxSize int
	clock   func() time.Time
}

func NewAuthCache(ttl time.Duration, maxSize int) *AuthCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &AuthCache{
		entries: make(map[authKey]authEntry),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   time.Now,
	}
}

// WithClock overrides the time source for tests.
func (c *AuthCache) WithClock(clock func() time.Time) *AuthCache {
	c.clock = clock
	return c
}

// Get returns the cached auth view if present and not expired.
func (c *AuthCache) Get(tenantID, deviceID string) (DeviceAuth, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := authKey{tenantID: tenantID, deviceID: deviceID}
	e, ok := c.entries[key]
	if !ok {
		return DeviceAuth{}, false
	}
	if c.clock().Sub(e.cachedAt) > c.ttl {
		delete(c.entries, key)
		return DeviceAuth{}, false
	}
	return e.auth, true
}

// Put stores an auth view, evicting the oldest entries when full.
func (c *AuthCache) Put(tenantID, deviceID string, auth DeviceAuth) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := authKey{tenantID: tenantID, deviceID: deviceID}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = authEntry{auth: auth, cachedAt: c.clock()}
}

// Invalidate drops a single entry, e.g. after a registry write.
func (c *AuthCache) Invalidate(tenantID, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, authKey{tenantID: tenantID, deviceID: deviceID})
}

// Len reports the number of cached entries.
func (c *AuthCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestLocked removes the oldest 10% of entries (at least one).
// Caller holds the lock.
func (c *AuthCache) evictOldestLocked() {
	type aged struct {
		key      authKey
		cachedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, cachedAt: e.cachedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].cachedAt.Before(all[j].cachedAt) })

	n := len(all) / 10
	if n < 1 {
		n = 1
	}
	for _, a := range all[:n] {
		delete(c.entries, a.key)
	}
}
