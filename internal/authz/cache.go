package authz

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/chronicle/internal/model"
)

// GrantCache is a short-TTL in-memory cache for resolved campaign roles.
// It eliminates two DB queries per request on the hot path. Only successful
// resolutions are cached; denials always re-query, so granting access takes
// effect immediately while revocation is bounded by the TTL plus explicit
// eviction on membership change.
type GrantCache struct {
	mu      sync.RWMutex
	entries map[grantKey]grantEntry
	ttl     time.Duration
	done    chan struct{}
}

type grantKey struct {
	campaignID uuid.UUID
	userID     uuid.UUID
}

type grantEntry struct {
	role      model.Role
	expiresAt time.Time
}

// NewGrantCache creates a new cache with the given TTL.
// Call Close to stop the background eviction goroutine.
func NewGrantCache(ttl time.Duration) *GrantCache {
	c := &GrantCache{
		entries: make(map[grantKey]grantEntry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached role and true if a valid entry exists.
func (c *GrantCache) Get(campaignID, userID uuid.UUID) (model.Role, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[grantKey{campaignID, userID}]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.role, true
}

// Set stores a resolved role with the configured TTL.
func (c *GrantCache) Set(campaignID, userID uuid.UUID, role model.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[grantKey{campaignID, userID}] = grantEntry{
		role:      role,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Evict removes one user's entry for a campaign.
func (c *GrantCache) Evict(campaignID, userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, grantKey{campaignID, userID})
}

// EvictCampaign removes every entry for a campaign.
func (c *GrantCache) EvictCampaign(campaignID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.campaignID == campaignID {
			delete(c.entries, k)
		}
	}
}

// Close stops the background eviction goroutine.
func (c *GrantCache) Close() {
	close(c.done)
}

// evictLoop removes expired entries every minute.
func (c *GrantCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *GrantCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
