// Package cache holds the authenticated-user lookup cache.
package cache

import (
	"sync"
	"time"

	"github.com/graphkb/graphkb/internal/model"
)

// UserCache caches resolved user records by username so that token
// verification does not hit the database on every request. Entries expire
// quickly; permission changes take at most one TTL to propagate.
type UserCache struct {
	capacity int
	ttl      time.Duration

	mu      sync.Mutex
	entries map[string]*userEntry
	order   []string // least recently used first
}

type userEntry struct {
	user      *model.User
	expiresAt time.Time
}

// NewUserCache returns an empty cache bounded to capacity entries, each
// living for at most ttl.
func NewUserCache(capacity int, ttl time.Duration) *UserCache {
	return &UserCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*userEntry, capacity),
	}
}

// Get returns the cached user by name. Expired entries are dropped on
// access.
func (c *UserCache) Get(name string) (*model.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.remove(name)
		return nil, false
	}
	c.touch(name)
	return entry.user, true
}

// Set stores a user under its name, evicting the least recently used entry
// when the cache is full.
func (c *UserCache) Set(name string, user *model.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := &userEntry{user: user, expiresAt: time.Now().Add(c.ttl)}
	if _, ok := c.entries[name]; ok {
		c.entries[name] = entry
		c.touch(name)
		return
	}
	if c.capacity > 0 && len(c.entries) >= c.capacity && len(c.order) > 0 {
		c.remove(c.order[0])
	}
	c.entries[name] = entry
	c.order = append(c.order, name)
}

// Invalidate drops a cached user, forcing the next lookup to hit the store.
func (c *UserCache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(name)
}

// Size returns the number of cached users.
func (c *UserCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *UserCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*userEntry, c.capacity)
	c.order = c.order[:0]
}

func (c *UserCache) remove(name string) {
	delete(c.entries, name)
	c.unlink(name)
}

// touch marks an entry as the most recently used.
func (c *UserCache) touch(name string) {
	c.unlink(name)
	c.order = append(c.order, name)
}

func (c *UserCache) unlink(name string) {
	for i, k := range c.order {
		if k == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
