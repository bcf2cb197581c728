package chatsync

import (
	"sync"
	"time"
)

// DefaultListingTTL is how long a cached room listing stays fresh.
const DefaultListingTTL = 30 * time.Second

// listingCache is a short-lived cache of the most recent room listing. It is
// an optimization only, never required for correctness; invalidation happens
// on room switch and on explicit refresh.
type listingCache struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	rooms    []Room
	storedAt time.Time
	valid    bool
}

func newListingCache(ttl time.Duration) *listingCache {
	if ttl <= 0 {
		ttl = DefaultListingTTL
	}
	return &listingCache{ttl: ttl, now: time.Now}
}

func (c *listingCache) get() ([]Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || c.now().Sub(c.storedAt) > c.ttl {
		return nil, false
	}
	return append([]Room{}, c.rooms...), true
}

func (c *listingCache) put(rooms []Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = append([]Room{}, rooms...)
	c.storedAt = c.now()
	c.valid = true
}

func (c *listingCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = nil
	c.valid = false
}
