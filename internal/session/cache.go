// Package session manages broker session lifecycle: login attempts, the
// in-memory session cache, durable session rows, and validity checks.
package session

import (
	"sync"

	"trade_gateway/internal/broker"
)

// Entry is one cached session. HandleMissing marks sessions restored from
// the database whose live handle could not be rebuilt; they stay restore
// eligible and are healed or re-authed on first use.
type Entry struct {
	Session       *broker.Session
	HandleMissing bool
}

// Cache is the in-memory session cache, keyed by broker/external_user_id.
// It is the only place live handles exist.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Entry)}
}

// cacheKey builds the canonical account key.
func cacheKey(brokerName, externalUserID string) string {
	return brokerName + "/" + externalUserID
}

// Get returns the cached entry, or nil.
func (c *Cache) Get(brokerName, externalUserID string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[cacheKey(brokerName, externalUserID)]
}

// Put stores an entry, replacing any previous one for the account.
func (c *Cache) Put(brokerName, externalUserID string, e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(brokerName, externalUserID)] = e
}

// Invalidate drops the cached entry for an account.
func (c *Cache) Invalidate(brokerName, externalUserID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(brokerName, externalUserID))
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
