package engine

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sunbk201/reqhdr/internal/rule"
)

// MatchCache memoizes, per exact request URL, the rules that matched it.
// Store keeps the first entry written for a URL and returns it, so every
// caller observes the same slice for the lifetime of the cache.
type MatchCache interface {
	Lookup(url string) ([]*rule.Rule, bool)
	Store(url string, rules []*rule.Rule) []*rule.Rule
	Clear()
	Len() int
}

// NewMatchCache returns an unbounded cache when size is 0 and an LRU bounded
// to size entries otherwise.
func NewMatchCache(size int) MatchCache {
	if size <= 0 {
		return newMapCache()
	}
	c, err := lru.New[string, []*rule.Rule](size)
	if err != nil {
		return newMapCache()
	}
	return &lruCache{lru: c}
}

type mapCache struct {
	mu      sync.RWMutex
	entries map[string][]*rule.Rule
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string][]*rule.Rule)}
}

func (c *mapCache) Lookup(url string) ([]*rule.Rule, bool) {
	c.mu.RLock()
	rules, ok := c.entries[url]
	c.mu.RUnlock()
	return rules, ok
}

func (c *mapCache) Store(url string, rules []*rule.Rule) []*rule.Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[url]; ok {
		return existing
	}
	c.entries[url] = rules
	return rules
}

func (c *mapCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string][]*rule.Rule)
	c.mu.Unlock()
}

func (c *mapCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

type lruCache struct {
	lru *lru.Cache[string, []*rule.Rule]
}

func (c *lruCache) Lookup(url string) ([]*rule.Rule, bool) {
	return c.lru.Get(url)
}

func (c *lruCache) Store(url string, rules []*rule.Rule) []*rule.Rule {
	if existing, ok, _ := c.lru.PeekOrAdd(url, rules); ok {
		return existing
	}
	return rules
}

func (c *lruCache) Clear() {
	c.lru.Purge()
}

func (c *lruCache) Len() int {
	return c.lru.Len()
}
