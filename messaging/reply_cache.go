package messaging

import (
	"context"
	"sync"
	"time"
)

// CachedReply is a reply already sent for a request
type CachedReply struct {
	Body        []byte
	ContentType string
}

// ReplyCache remembers replies by correlation ID so a redelivered request is
// answered again without running its handler a second time
type ReplyCache interface {
	Get(ctx context.Context, correlationID string) (CachedReply, bool, error)
	Set(ctx context.Context, correlationID string, reply CachedReply) error
}

type memoryEntry struct {
	reply     CachedReply
	expiresAt time.Time
}

// MemoryReplyCache is a process-local ReplyCache with a fixed TTL
type MemoryReplyCache struct {
	ttl time.Duration

	mu        sync.Mutex
	entries   map[string]memoryEntry
	nextPrune time.Time
	now       func() time.Time
}

// NewMemoryReplyCache creates a cache keeping replies for ttl
func NewMemoryReplyCache(ttl time.Duration) *MemoryReplyCache {
	return &MemoryReplyCache{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the cached reply of correlationID
func (c *MemoryReplyCache) Get(ctx context.Context, correlationID string) (CachedReply, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[correlationID]
	if !ok {
		return CachedReply{}, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, correlationID)
		return CachedReply{}, false, nil
	}
	return entry.reply, true, nil
}

// Set stores reply. Expired entries are dropped at most once per ttl, so an
// entry lives no longer than twice the ttl.
func (c *MemoryReplyCache) Set(ctx context.Context, correlationID string, reply CachedReply) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !now.Before(c.nextPrune) {
		c.prune(now)
		c.nextPrune = now.Add(c.ttl)
	}
	c.entries[correlationID] = memoryEntry{reply: reply, expiresAt: now.Add(c.ttl)}
	return nil
}

// prune drops expired entries; caller holds c.mu
func (c *MemoryReplyCache) prune(now time.Time) {
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
}

// Len returns the number of entries, expired ones included
func (c *MemoryReplyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
