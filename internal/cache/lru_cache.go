// Package cache holds recent query results so repeated searches skip the forest.
package cache

import (
	"container/list"
	"sync"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// LRUCache is a fixed-size least recently used cache. It is safe for
// concurrent use. A cache with maxSize <= 0 stores nothing.
type LRUCache[K comparable, V any] struct {
	mu         sync.Mutex
	maxSize    int
	cache      map[K]*list.Element
	doubleList *list.List

	hits, misses uint64
}

// Stats is a snapshot of cache usage.
type Stats struct {
	Size   int    `json:"size"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

func NewLRUCache[K comparable, V any](maxSize int) *LRUCache[K, V] {
	return &LRUCache[K, V]{
		maxSize:    maxSize,
		cache:      make(map[K]*list.Element),
		doubleList: list.New(),
	}
}

// Set adds or replaces key and marks it most recently used.
func (l *LRUCache[K, V]) Set(key K, value V) {
	if l.maxSize <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if element, exists := l.cache[key]; exists {
		l.doubleList.MoveToFront(element)
		element.Value.(*entry[K, V]).value = value
		return
	}

	l.cache[key] = l.doubleList.PushFront(&entry[K, V]{key: key, value: value})
	if l.doubleList.Len() > l.maxSize {
		l.removeElement(l.doubleList.Back())
	}
}

// Get returns the value for key and marks it most recently used.
func (l *LRUCache[K, V]) Get(key K) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	element, exists := l.cache[key]
	if !exists {
		l.misses++
		var zero V
		return zero, false
	}
	l.hits++
	l.doubleList.MoveToFront(element)
	return element.Value.(*entry[K, V]).value, true
}

func (l *LRUCache[K, V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doubleList.Len()
}

// Purge drops every entry, e.g. after the index behind the results changed.
func (l *LRUCache[K, V]) Purge() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[K]*list.Element)
	l.doubleList.Init()
}

func (l *LRUCache[K, V]) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Size: l.doubleList.Len(), Hits: l.hits, Misses: l.misses}
}

func (l *LRUCache[K, V]) removeElement(element *list.Element) {
	l.doubleList.Remove(element)
	delete(l.cache, element.Value.(*entry[K, V]).key)
}
