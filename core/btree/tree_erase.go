package btree

import (
	"errors"

	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/page"
	"github.com/calderadb/caldera/core/pagemanager"
)

// Erase removes a key, or a single duplicate of it when dup >= 0. When the
// key layout is not delete-stable the erase may need more space than the
// node has; the driver then splits the node at its median and retries.
func (t *Tree) Erase(ctx *pagemanager.Context, cur *Cursor, key []byte, dup int, flags uint32) error {
	return t.erase(ctx, cur, key, dup, flags, true)
}

func (t *Tree) erase(ctx *pagemanager.Context, cur *Cursor, key []byte, dup int, flags uint32, allowRetry bool) error {
	n, path, err := t.descend(ctx, key)
	if err != nil {
		return err
	}
	slot, found, err := n.search(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return dberr.ErrKeyNotFound
	}

	recCount, err := n.recs.recordCount(ctx, slot)
	if err != nil {
		return err
	}
	if dup >= 0 && recCount > 1 {
		remaining, err := n.recs.eraseRecord(ctx, slot, dup)
		if err != nil {
			return err
		}
		n.page.SetDirty(true)
		if remaining > 0 {
			t.adjustAfterDupErase(n.page, slot, dup)
			return nil
		}
		// The last duplicate went away with the table; fall through and
		// remove the key itself.
	} else if dup > 0 {
		return dberr.ErrKeyNotFound
	}

	// Try the key first: a non-delete-stable layout may refuse, and at
	// that point no record storage has been touched yet.
	if err := n.keys.erase(ctx, n.count(), slot); err != nil {
		if errors.Is(err, dberr.ErrLimitsReached) && allowRetry {
			if splitErr := t.splitForErase(ctx, n, path); splitErr != nil {
				return splitErr
			}
			return t.erase(ctx, cur, key, dup, flags, false)
		}
		return err
	}
	if _, err := n.recs.eraseRecord(ctx, slot, -1); err != nil {
		return err
	}
	count := n.count()
	n.recs.eraseSlot(count, slot)
	n.setCount(count - 1)

	t.adjustAfterErase(n.page, slot)

	if n.count() == 0 {
		t.mergeEmptyLeaf(ctx, n, path)
	}
	return nil
}

// splitForErase splits the leaf the erase landed on so the retried erase
// finds room for the re-encoded key list.
func (t *Tree) splitForErase(ctx *pagemanager.Context, n *node, path []pathEntry) error {
	if len(path) == 0 {
		return t.splitRoot(ctx)
	}
	parent := t.nodeFor(path[len(path)-1].page)
	return t.splitChild(ctx, parent, n)
}

// mergeEmptyLeaf opportunistically unlinks a drained leaf from its parent
// and sibling chain and frees the page. Leaves reached through the parent's
// left-most pointer are kept; traversal skips empty leaves anyway.
func (t *Tree) mergeEmptyLeaf(ctx *pagemanager.Context, n *node, path []pathEntry) {
	if len(path) == 0 {
		return // the leaf is the root
	}
	entry := path[len(path)-1]
	ci := entry.childIdx
	if ci < 0 {
		return
	}
	parent := t.nodeFor(entry.page)

	leftAddr := parent.childAt(ci - 1)

	// Demote the separator: drop the parent's key and child pointer.
	if err := parent.keys.erase(ctx, parent.count(), ci); err != nil {
		// Opportunistic only; a refusing layout keeps the empty leaf.
		return
	}
	pcount := parent.count()
	parent.recs.eraseSlot(pcount, ci)
	parent.setCount(pcount - 1)

	// Bridge the sibling chain around the drained leaf.
	leftLeaf, err := t.rightmostLeaf(ctx, leftAddr)
	if err == nil && leftLeaf.isLeaf() {
		leftLeaf.setRightSibling(n.rightSibling())
	}

	if t.lastLeaf == n.page.Addr() {
		t.lastLeaf = 0
	}
	t.setNilAllOnPage(n.page)
	t.pm.Del(ctx, n.page, 1)

	// Shrink the tree when the root lost its last separator.
	if len(path) == 1 && parent.count() == 0 && entry.page.Addr() == t.rootAddr {
		t.shrinkRoot(ctx, parent)
	}
}

// shrinkRoot replaces an empty internal root with its only child.
func (t *Tree) shrinkRoot(ctx *pagemanager.Context, root *node) {
	childAddr := root.leftChild()
	p, err := t.pm.Fetch(ctx, childAddr, 0)
	if err != nil {
		return
	}
	p.SetType(page.TypeBtreeRoot)
	p.SetDirty(true)
	t.pm.Del(ctx, root.page, 1)
	t.rootChanged(childAddr)
}
