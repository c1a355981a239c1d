package btree

import (
	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/page"
	"github.com/calderadb/caldera/core/pagemanager"
)

// CursorState describes how a B-tree cursor holds its position.
type CursorState uint8

const (
	// CursorNil has no position.
	CursorNil CursorState = iota
	// CursorCoupled points directly at (page, slot, duplicate index) and
	// pins the page.
	CursorCoupled
	// CursorUncoupled carries a materialised key copy and re-seeks
	// lazily.
	CursorUncoupled
)

// Cursor is the B-tree side of a database cursor. Cursors form an
// intrusive list on their tree; the tree walks the list on every in-place
// mutation to keep couplings meaningful.
type Cursor struct {
	tree  *Tree
	state CursorState

	page *page.Page
	slot int
	dup  int

	key []byte // uncoupled position

	prev, next *Cursor
}

// NewCursor creates a cursor and links it into the tree's cursor list.
func (t *Tree) NewCursor() *Cursor {
	c := &Cursor{tree: t, state: CursorNil}
	c.next = t.cursors
	if t.cursors != nil {
		t.cursors.prev = c
	}
	t.cursors = c
	return c
}

// Close unpins and unlinks the cursor.
func (c *Cursor) Close() {
	c.SetNil()
	if c.prev != nil {
		c.prev.next = c.next
	} else if c.tree.cursors == c {
		c.tree.cursors = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	}
	c.prev, c.next = nil, nil
}

func (c *Cursor) State() CursorState { return c.state }

// Position returns the coupled location; only meaningful in state
// CursorCoupled.
func (c *Cursor) Position() (*page.Page, int, int) { return c.page, c.slot, c.dup }

// DupIndex returns the duplicate index of the coupled position.
func (c *Cursor) DupIndex() int { return c.dup }

func (c *Cursor) couple(p *page.Page, slot, dup int) {
	c.release()
	p.Retain()
	c.page, c.slot, c.dup = p, slot, dup
	c.state = CursorCoupled
	c.key = nil
}

func (c *Cursor) release() {
	if c.state == CursorCoupled && c.page != nil {
		c.page.Release()
	}
	c.page = nil
}

// SetNil drops the position entirely.
func (c *Cursor) SetNil() {
	c.release()
	c.state = CursorNil
	c.key = nil
	c.slot, c.dup = 0, 0
}

// Uncouple converts the direct coupling into a materialised key copy.
func (c *Cursor) Uncouple(ctx *pagemanager.Context) error {
	if c.state != CursorCoupled {
		return nil
	}
	n := c.tree.nodeFor(c.page)
	key, err := n.key(ctx, c.slot)
	if err != nil {
		return err
	}
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	c.release()
	c.key = keyCopy
	c.state = CursorUncoupled
	return nil
}

// UncoupledKey returns the materialised key of an uncoupled cursor.
func (c *Cursor) UncoupledKey() []byte { return c.key }

// recouple re-seats an uncoupled cursor on its key (or the next greater
// one, which keeps forward iteration stable when the key was erased).
func (c *Cursor) recouple(ctx *pagemanager.Context) error {
	if c.state != CursorUncoupled {
		if c.state == CursorNil {
			return dberr.ErrKeyNotFound
		}
		return nil
	}
	_, _, err := c.tree.Find(ctx, c, c.key, FlagFindGEQ)
	return err
}

// Key returns a copy of the key at the cursor's position.
func (c *Cursor) Key(ctx *pagemanager.Context) ([]byte, error) {
	if err := c.recouple(ctx); err != nil {
		return nil, err
	}
	n := c.tree.nodeFor(c.page)
	key, err := n.key(ctx, c.slot)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

// Record returns the record at the cursor's position.
func (c *Cursor) Record(ctx *pagemanager.Context) ([]byte, error) {
	if err := c.recouple(ctx); err != nil {
		return nil, err
	}
	n := c.tree.nodeFor(c.page)
	return n.recs.record(ctx, c.slot, c.dup)
}

// RecordCount returns the duplicate count of the coupled key.
func (c *Cursor) RecordCount(ctx *pagemanager.Context) (int, error) {
	if err := c.recouple(ctx); err != nil {
		return 0, err
	}
	n := c.tree.nodeFor(c.page)
	return n.recs.recordCount(ctx, c.slot)
}

// Overwrite replaces the record at the cursor's position without moving
// the cursor.
func (c *Cursor) Overwrite(ctx *pagemanager.Context, record []byte) error {
	if err := c.recouple(ctx); err != nil {
		return err
	}
	n := c.tree.nodeFor(c.page)
	if err := n.recs.setRecord(ctx, c.slot, c.dup, record); err != nil {
		return err
	}
	n.page.SetDirty(true)
	return nil
}

// Clone produces an independent cursor at the same position.
func (c *Cursor) Clone() *Cursor {
	clone := c.tree.NewCursor()
	switch c.state {
	case CursorCoupled:
		clone.couple(c.page, c.slot, c.dup)
	case CursorUncoupled:
		clone.key = append([]byte(nil), c.key...)
		clone.state = CursorUncoupled
	}
	return clone
}

// MoveFirst positions the cursor on the first key of the tree.
func (c *Cursor) MoveFirst(ctx *pagemanager.Context) error {
	n, err := c.tree.leftmostLeaf(ctx)
	if err != nil {
		return err
	}
	if n.count() == 0 {
		if n, err = c.tree.nextLeaf(ctx, n); err != nil {
			return err
		}
		if n == nil {
			return dberr.ErrKeyNotFound
		}
	}
	c.couple(n.page, 0, 0)
	return nil
}

// MoveLast positions the cursor on the last key (and its last duplicate).
func (c *Cursor) MoveLast(ctx *pagemanager.Context) error {
	n, err := c.tree.rightmostLeaf(ctx, c.tree.rootAddr)
	if err != nil {
		return err
	}
	if n.count() == 0 {
		lastKey, err := c.tree.LastKey(ctx)
		if err != nil {
			return err
		}
		if _, _, err := c.tree.Find(ctx, c, lastKey, 0); err != nil {
			return err
		}
		n = c.tree.nodeFor(c.page)
	} else {
		c.couple(n.page, n.count()-1, 0)
	}
	dups, err := n.recs.recordCount(ctx, c.slot)
	if err != nil {
		return err
	}
	c.dup = dups - 1
	return nil
}

// MoveNext advances in comparator order, visiting duplicates in turn.
func (c *Cursor) MoveNext(ctx *pagemanager.Context) error {
	if c.state == CursorNil {
		return dberr.ErrKeyNotFound
	}
	if c.state == CursorUncoupled {
		key := c.key
		if _, _, err := c.tree.Find(ctx, c, key, FlagFindGEQ); err != nil {
			return err
		}
		// When the original key is gone the re-seek already advanced.
		n := c.tree.nodeFor(c.page)
		cur, err := n.key(ctx, c.slot)
		if err != nil {
			return err
		}
		if c.tree.cmp(cur, key) > 0 {
			return nil
		}
	}

	n := c.tree.nodeFor(c.page)
	dups, err := n.recs.recordCount(ctx, c.slot)
	if err != nil {
		return err
	}
	if c.dup+1 < dups {
		c.dup++
		return nil
	}
	if c.slot+1 < n.count() {
		c.couple(n.page, c.slot+1, 0)
		return nil
	}
	next, err := c.tree.nextLeaf(ctx, n)
	if err != nil {
		return err
	}
	if next == nil {
		return dberr.ErrKeyNotFound
	}
	c.couple(next.page, 0, 0)
	return nil
}

// MovePrevious steps back in comparator order.
func (c *Cursor) MovePrevious(ctx *pagemanager.Context) error {
	if c.state == CursorNil {
		return dberr.ErrKeyNotFound
	}
	if c.state == CursorUncoupled {
		key := c.key
		if _, _, err := c.tree.Find(ctx, c, key, FlagFindLEQ); err != nil {
			return err
		}
		n := c.tree.nodeFor(c.page)
		cur, err := n.key(ctx, c.slot)
		if err != nil {
			return err
		}
		if c.tree.cmp(cur, key) < 0 {
			return nil
		}
	}

	if c.dup > 0 {
		c.dup--
		return nil
	}
	n := c.tree.nodeFor(c.page)
	if c.slot > 0 {
		c.couple(n.page, c.slot-1, 0)
	} else {
		key, err := n.key(ctx, c.slot)
		if err != nil {
			return err
		}
		probe := append([]byte(nil), key...)
		if _, _, err := c.tree.Find(ctx, c, probe, FlagFindLT); err != nil {
			return err
		}
		n = c.tree.nodeFor(c.page)
	}
	dups, err := n.recs.recordCount(ctx, c.slot)
	if err != nil {
		return err
	}
	c.dup = dups - 1
	return nil
}

// --- cursor adjustment on in-place mutations ---

// forEachCursorOnPage visits every cursor coupled to the page.
func (t *Tree) forEachCursorOnPage(p *page.Page, fn func(c *Cursor)) {
	for c := t.cursors; c != nil; c = c.next {
		if c.state == CursorCoupled && c.page == p {
			fn(c)
		}
	}
}

// adjustAfterInsert shifts couplings so they keep pointing at the same
// logical key after a slot was opened.
func (t *Tree) adjustAfterInsert(p *page.Page, slot int, exclude *Cursor) {
	t.forEachCursorOnPage(p, func(c *Cursor) {
		if c != exclude && c.slot >= slot {
			c.slot++
		}
	})
}

func (t *Tree) adjustAfterDupInsert(p *page.Page, slot, dup int, exclude *Cursor) {
	t.forEachCursorOnPage(p, func(c *Cursor) {
		if c != exclude && c.slot == slot && c.dup >= dup {
			c.dup++
		}
	})
}

// adjustAfterErase applies the erase fix-up: cursors at the erased slot
// become nil, higher slots decrement.
func (t *Tree) adjustAfterErase(p *page.Page, slot int) {
	t.forEachCursorOnPage(p, func(c *Cursor) {
		if c.slot == slot {
			c.SetNil()
		} else if c.slot > slot {
			c.slot--
		}
	})
}

func (t *Tree) adjustAfterDupErase(p *page.Page, slot, dup int) {
	t.forEachCursorOnPage(p, func(c *Cursor) {
		if c.slot != slot {
			return
		}
		if c.dup == dup {
			c.SetNil()
		} else if c.dup > dup {
			c.dup--
		}
	})
}

// uncoupleAllOnPage materialises every coupling into the page; used when
// the page is split or merged and slots lose their meaning.
func (t *Tree) uncoupleAllOnPage(ctx *pagemanager.Context, p *page.Page) error {
	var firstErr error
	t.forEachCursorOnPage(p, func(c *Cursor) {
		if err := c.Uncouple(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

func (t *Tree) setNilAllOnPage(p *page.Page) {
	t.forEachCursorOnPage(p, func(c *Cursor) {
		c.SetNil()
	})
}
