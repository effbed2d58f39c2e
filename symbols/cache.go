package symbols

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/jnesss/xpc-recorder/xpc"
)

type entry struct {
	addr uint64
	err  error
}

// Cache memoizes lookups with LRU eviction. Misses are cached too, so a
// symbol the target does not export is searched for only once.
type Cache struct {
	src   xpc.Symbols
	cache *lru.Cache
}

// NewCache wraps src with a cache holding up to size names.
func NewCache(src xpc.Symbols, size int) (*Cache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{src: src, cache: cache}, nil
}

func (c *Cache) ResolveSymbol(name string) (uint64, error) {
	if v, ok := c.cache.Get(name); ok {
		e := v.(entry)
		return e.addr, e.err
	}
	addr, err := c.src.ResolveSymbol(name)
	c.cache.Add(name, entry{addr: addr, err: err})
	return addr, err
}

// Len returns the number of cached names.
func (c *Cache) Len() int { return c.cache.Len() }

// Purge drops every cached result, e.g. after a new image was loaded.
func (c *Cache) Purge() { c.cache.Purge() }
