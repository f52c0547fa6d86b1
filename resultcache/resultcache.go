// Package resultcache is the in-memory memoization layer in front of
// the result store: a verdict that's already cached short-circuits
// every probe, so repeat lookups for the same address are free and
// deterministic while the entry lives.
package resultcache

import (
	"container/list"
	"sync"

	"mailverify/models"
)

// Cache is a bounded memoization of address->VerificationResult.
// Eviction is true LRU — most-recently-read entries survive, one
// entry evicted at a time once maxSize is reached.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	ll      *list.List
	entries map[string]*list.Element
}

type entry struct {
	address string
	result  models.VerificationResult
}

func New(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache{
		maxSize: maxSize,
		ll:      list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Get returns the cached result for address, promoting it to
// most-recently-used on hit.
func (c *Cache) Get(address string) (models.VerificationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[address]
	if !ok {
		return models.VerificationResult{}, false
	}
	c.ll.MoveToFront(elem)
	return elem.Value.(*entry).result, true
}

// Put inserts or updates the cached result for address, evicting the
// least-recently-used entry if the cache is at capacity.
func (c *Cache) Put(result models.VerificationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[result.Address]; ok {
		elem.Value.(*entry).result = result
		c.ll.MoveToFront(elem)
		return
	}

	elem := c.ll.PushFront(&entry{address: result.Address, result: result})
	c.entries[result.Address] = elem

	for c.ll.Len() > c.maxSize {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).address)
	}
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
