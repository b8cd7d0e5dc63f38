package ledger

import (
	"container/list"
	"sync"
)

// IdempotencyLRU caches recently applied entries by idempotency key. It is
// tier 1 of the duplicate check; the store's FindEntry is tier 2 and the
// store's unique key is the final guard.
type IdempotencyLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key   string
	entry Entry
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Get returns the cached entry for key and promotes it.
func (lru *IdempotencyLRU) Get(key string) (Entry, bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	elem, ok := lru.cache[key]
	if !ok {
		return Entry{}, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).entry, true
}

// Add inserts key (or promotes it if present).
func (lru *IdempotencyLRU) Add(key string, entry Entry) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, ok := lru.cache[key]; ok {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key, entry: entry})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(*lruEntry).key)
		lru.evictions++
	}
}

func (lru *IdempotencyLRU) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.evictions
}
