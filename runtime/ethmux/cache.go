package ethmux

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// requestCacheTTL is the fixed cache lifetime from spec.md §4.5: "hits
// younger than 1 s are served directly".
const requestCacheTTL = time.Second

// requestCacheEvictFraction is the share of entries a batch eviction
// removes once the cache is at capacity, per spec.md §3 ("evicts in
// batches of 10% when full").
const requestCacheEvictFraction = 0.10

type cacheValue struct {
	response   json.RawMessage
	insertedAt time.Time
}

// RequestCache is the ETH Multiplexer's bounded LRU of (chain_id, method,
// params) -> response. Grounded on the same golang-lru/v2 cache used by
// system/vfs's file-handle manager, wrapped with the batch-eviction rule
// (evict the oldest 10% on overflow rather than the single oldest entry
// the library evicts by default) and an explicit TTL check on read.
type RequestCache struct {
	mu       sync.Mutex
	capacity int
	cache    *lru.Cache[string, *cacheValue]
}

// NewRequestCache builds a cache holding at most capacity entries.
func NewRequestCache(capacity int) *RequestCache {
	if capacity <= 0 {
		capacity = 1000
	}
	c, _ := lru.New[string, *cacheValue](capacity)
	return &RequestCache{capacity: capacity, cache: c}
}

// CacheKey canonicalizes (chain_id, method, params) into the cache key, per
// spec.md §3's "canonical serialization of the request".
func CacheKey(chainID uint64, method string, params []any) string {
	raw, _ := json.Marshal(struct {
		ChainID uint64 `json:"chain_id"`
		Method  string `json:"method"`
		Params  []any  `json:"params"`
	}{ChainID: chainID, Method: method, Params: params})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached response for key if it exists and is younger than
// the TTL; a hit refreshes its LRU position via the library's own Get.
func (c *RequestCache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if time.Since(v.insertedAt) >= requestCacheTTL {
		c.cache.Remove(key)
		return nil, false
	}
	return v.response, true
}

// Put inserts or refreshes key's entry, batch-evicting the oldest 10% of
// entries first if the cache is at capacity.
func (c *RequestCache) Put(key string, response json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.cache.Peek(key); !ok && c.cache.Len() >= c.capacity {
		c.evictBatchLocked()
	}
	c.cache.Add(key, &cacheValue{response: response, insertedAt: time.Now()})
}

func (c *RequestCache) evictBatchLocked() {
	n := int(float64(c.capacity) * requestCacheEvictFraction)
	if n < 1 {
		n = 1
	}
	keys := c.cache.Keys()
	for i := 0; i < n && i < len(keys); i++ {
		c.cache.Remove(keys[i])
	}
}

// Len reports the current number of cached entries.
func (c *RequestCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
