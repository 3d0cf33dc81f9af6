package cache

import (
	gosync "sync"
	"time"
)

// Cache groups used by the read side and invalidated by the sync receiver.
const (
	GroupCommodities     = "commodities"
	GroupTradingSettings = "trading_settings"
)

// Invalidator drops every cached value belonging to a group. The sync
// receiver depends on nothing else from the cache layer.
type Invalidator interface {
	Invalidate(group string)
}

type entry struct {
	value     any
	expiresAt time.Time
}

// GroupCache is a small in-process TTL cache partitioned by group so that a
// whole group can be dropped at once.
type GroupCache struct {
	mu     gosync.RWMutex
	groups map[string]map[string]entry
	ttl    time.Duration
	clock  func() time.Time
}

// NewGroupCache builds a cache whose entries expire after ttl.
func NewGroupCache(ttl time.Duration) *GroupCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &GroupCache{
		groups: make(map[string]map[string]entry),
		ttl:    ttl,
		clock:  time.Now,
	}
}

// Get returns the cached value for (group, key) when present and fresh.
func (c *GroupCache) Get(group, key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys, ok := c.groups[group]
	if !ok {
		return nil, false
	}
	item, ok := keys[key]
	if !ok || c.clock().After(item.expiresAt) {
		return nil, false
	}
	return item.value, true
}

// Set stores a value under (group, key).
func (c *GroupCache) Set(group, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys, ok := c.groups[group]
	if !ok {
		keys = make(map[string]entry)
		c.groups[group] = keys
	}
	keys[key] = entry{value: value, expiresAt: c.clock().Add(c.ttl)}
}

// Invalidate drops the whole group.
func (c *GroupCache) Invalidate(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, group)
}
