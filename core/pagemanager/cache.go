package pagemanager

import (
	"container/list"

	"github.com/calderadb/caldera/core/page"
)

// cache maps page addresses to live pages with LRU ordering. Pinned pages
// (non-zero reference count) are never offered as eviction victims.
type cache struct {
	lru   *list.List // front = most recently used; values are *page.Page
	table map[uint64]*list.Element
}

func newCache() *cache {
	return &cache{
		lru:   list.New(),
		table: make(map[uint64]*list.Element),
	}
}

// get returns the cached page and bumps it to the front of the LRU.
func (c *cache) get(addr uint64) *page.Page {
	elem, ok := c.table[addr]
	if !ok {
		return nil
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*page.Page)
}

// peek returns the cached page without touching the LRU order.
func (c *cache) peek(addr uint64) *page.Page {
	elem, ok := c.table[addr]
	if !ok {
		return nil
	}
	return elem.Value.(*page.Page)
}

func (c *cache) put(p *page.Page) {
	if _, ok := c.table[p.Addr()]; ok {
		return
	}
	elem := c.lru.PushFront(p)
	p.SetCacheElem(elem)
	c.table[p.Addr()] = elem
}

func (c *cache) remove(p *page.Page) {
	elem, ok := c.table[p.Addr()]
	if !ok {
		return
	}
	c.lru.Remove(elem)
	delete(c.table, p.Addr())
	p.SetCacheElem(nil)
}

func (c *cache) len() int { return c.lru.Len() }

// totalBytes returns the memory held by cached page buffers.
func (c *cache) totalBytes(pageSize uint32) uint64 {
	return uint64(c.lru.Len()) * uint64(pageSize)
}

// victims collects up to max unpinned pages from the cold end of the LRU.
func (c *cache) victims(max int) []*page.Page {
	var out []*page.Page
	for elem := c.lru.Back(); elem != nil && len(out) < max; elem = elem.Prev() {
		p := elem.Value.(*page.Page)
		if p.Refs() == 0 {
			out = append(out, p)
		}
	}
	return out
}

// forEach visits every cached page. The callback must not mutate the cache.
func (c *cache) forEach(fn func(p *page.Page)) {
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		fn(elem.Value.(*page.Page))
	}
}
