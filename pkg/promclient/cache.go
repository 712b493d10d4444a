package promclient

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Querier runs an instant query and returns the raw response body
type Querier interface {
	Query(ctx context.Context, expr string) ([]byte, error)
}

// ResponseCache is an LRU cache of response bodies with a fixed TTL
type ResponseCache struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	lru      *list.List
}

type cacheEntry struct {
	key      string
	body     []byte
	storedAt time.Time
	element  *list.Element
}

// CacheStats describes the cache contents
type CacheStats struct {
	Size     int `json:"size"`
	Capacity int `json:"capacity"`
	Expired  int `json:"expired"`
}

// NewResponseCache creates a cache holding at most capacity bodies
func NewResponseCache(capacity int, ttl time.Duration) *ResponseCache {
	if capacity < 1 {
		capacity = 1
	}
	return &ResponseCache{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]*cacheEntry),
		lru:      list.New(),
	}
}

// Get returns a cached body that has not expired
func (rc *ResponseCache) Get(expr string) ([]byte, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	key := cacheKey(expr)
	entry, ok := rc.entries[key]
	if !ok {
		return nil, false
	}
	if rc.now().Sub(entry.storedAt) > rc.ttl {
		rc.removeLocked(key)
		return nil, false
	}

	rc.lru.MoveToFront(entry.element)
	return entry.body, true
}

// Put stores body, evicting the least recently used entry when full
func (rc *ResponseCache) Put(expr string, body []byte) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	key := cacheKey(expr)
	if entry, ok := rc.entries[key]; ok {
		entry.body = body
		entry.storedAt = rc.now()
		rc.lru.MoveToFront(entry.element)
		return
	}

	entry := &cacheEntry{key: key, body: body, storedAt: rc.now()}
	entry.element = rc.lru.PushFront(entry)
	rc.entries[key] = entry

	if rc.lru.Len() > rc.capacity {
		if oldest := rc.lru.Back(); oldest != nil {
			rc.removeLocked(oldest.Value.(*cacheEntry).key)
		}
	}
}

// must hold lock
func (rc *ResponseCache) removeLocked(key string) {
	if entry, ok := rc.entries[key]; ok {
		rc.lru.Remove(entry.element)
		delete(rc.entries, key)
	}
}

// Clear drops every entry
func (rc *ResponseCache) Clear() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.entries = make(map[string]*cacheEntry)
	rc.lru = list.New()
}

// Stats counts entries, including expired ones not yet evicted
func (rc *ResponseCache) Stats() CacheStats {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	now := rc.now()
	expired := 0
	for _, entry := range rc.entries {
		if now.Sub(entry.storedAt) > rc.ttl {
			expired++
		}
	}
	return CacheStats{Size: len(rc.entries), Capacity: rc.capacity, Expired: expired}
}

func cacheKey(expr string) string {
	sum := sha256.Sum256([]byte(expr))
	return hex.EncodeToString(sum[:])
}

// CachedQuerier serves repeated expressions from a ResponseCache. Errors are
// never cached, so an open circuit is retried on the next call.
type CachedQuerier struct {
	next    Querier
	cache   *ResponseCache
	metrics Recorder
}

// NewCachedQuerier wraps next. A nil recorder disables cache metrics.
func NewCachedQuerier(next Querier, capacity int, ttl time.Duration, r Recorder) *CachedQuerier {
	if r == nil {
		r = nopRecorder{}
	}
	return &CachedQuerier{
		next:    next,
		cache:   NewResponseCache(capacity, ttl),
		metrics: r,
	}
}

// Query returns a cached body for expr or asks the wrapped querier
func (cq *CachedQuerier) Query(ctx context.Context, expr string) ([]byte, error) {
	if body, ok := cq.cache.Get(expr); ok {
		cq.metrics.CacheAccessed(true)
		return body, nil
	}
	cq.metrics.CacheAccessed(false)

	body, err := cq.next.Query(ctx, expr)
	if err != nil {
		return nil, err
	}
	cq.cache.Put(expr, body)
	return body, nil
}

// Cache exposes the underlying cache for stats and invalidation
func (cq *CachedQuerier) Cache() *ResponseCache {
	return cq.cache
}
