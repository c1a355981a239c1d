package pagemanager

import "github.com/calderadb/caldera/core/page"

// Context is the transient per-request state threaded through every
// operation that touches pages. Its changeset is the ordered set of pages
// pinned by the current operation; no concurrent flush may remove a page
// while it sits in a changeset, and on commit the changeset becomes the
// unit of atomic write in the journal.
type Context struct {
	DbName    uint16
	Changeset Changeset
}

// NewContext creates a context for operations against the named database
// (0 for environment-level work).
func NewContext(dbName uint16) *Context {
	return &Context{
		DbName: dbName,
		Changeset: Changeset{
			index: make(map[uint64]*page.Page),
		},
	}
}

// Changeset is an ordered set of pinned pages.
type Changeset struct {
	pages []*page.Page
	index map[uint64]*page.Page
}

// Put pins the page and adds it to the set. Adding a page twice is a no-op.
func (cs *Changeset) Put(p *page.Page) {
	if _, ok := cs.index[p.Addr()]; ok {
		return
	}
	p.Retain()
	cs.pages = append(cs.pages, p)
	cs.index[p.Addr()] = p
}

func (cs *Changeset) Has(addr uint64) bool {
	_, ok := cs.index[addr]
	return ok
}

func (cs *Changeset) Get(addr uint64) *page.Page {
	return cs.index[addr]
}

// Pages returns the pages in insertion order.
func (cs *Changeset) Pages() []*page.Page { return cs.pages }

// DirtyPages returns the subset of pages that were modified.
func (cs *Changeset) DirtyPages() []*page.Page {
	var dirty []*page.Page
	for _, p := range cs.pages {
		if p.IsDirty() {
			dirty = append(dirty, p)
		}
	}
	return dirty
}

func (cs *Changeset) IsEmpty() bool { return len(cs.pages) == 0 }

// Clear unpins every page and empties the set.
func (cs *Changeset) Clear() {
	for _, p := range cs.pages {
		p.Release()
	}
	cs.pages = cs.pages[:0]
	for addr := range cs.index {
		delete(cs.index, addr)
	}
}
