package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/page"
	"github.com/calderadb/caldera/core/pagemanager"
)

// Insert adds key/record to the tree. Nodes along the path that cannot
// host one more entry are split proactively on the way down. The cursor,
// when given, ends up coupled to the inserted or updated slot.
func (t *Tree) Insert(ctx *pagemanager.Context, cur *Cursor, key, record []byte, flags uint32) error {
	if err := ValidateKey(t.cfg.KeyType, t.cfg.KeySize, key); err != nil {
		return err
	}
	if flags&FlagDuplicate != 0 && !t.cfg.Duplicates {
		return fmt.Errorf("%w: database does not allow duplicate keys", dberr.ErrInvalidArgument)
	}

	if flags&FlagHintAppend != 0 && t.lastLeaf != 0 {
		if done, err := t.tryAppend(ctx, cur, key, record, flags); done || err != nil {
			return err
		}
	}

	p, err := t.pm.Fetch(ctx, t.rootAddr, 0)
	if err != nil {
		return err
	}
	n := t.nodeFor(p)
	if n.isFull(key) {
		if err := t.splitRoot(ctx); err != nil {
			return err
		}
		if p, err = t.pm.Fetch(ctx, t.rootAddr, 0); err != nil {
			return err
		}
		n = t.nodeFor(p)
	}

	for !n.isLeaf() {
		slot, found, err := n.search(ctx, key)
		if err != nil {
			return err
		}
		ci := slot - 1
		if found {
			ci = slot
		}
		cp, err := t.pm.Fetch(ctx, n.childAt(ci), 0)
		if err != nil {
			return err
		}
		cn := t.nodeFor(cp)
		if cn.isFull(key) {
			if err := t.splitChild(ctx, n, cn); err != nil {
				return err
			}
			// The parent gained a separator; re-pick the child.
			continue
		}
		p, n = cp, cn
	}

	return t.insertInLeaf(ctx, cur, n, key, record, flags)
}

// tryAppend services the append hint: when the key sorts after the
// current right-most key and the last leaf has room, skip the descent.
func (t *Tree) tryAppend(ctx *pagemanager.Context, cur *Cursor, key, record []byte, flags uint32) (bool, error) {
	p, err := t.pm.Fetch(ctx, t.lastLeaf, 0)
	if err != nil {
		return false, err
	}
	n := t.nodeFor(p)
	count := n.count()
	if count == 0 || n.isFull(key) || n.rightSibling() != 0 {
		return false, nil
	}
	last, err := n.key(ctx, count-1)
	if err != nil {
		return false, err
	}
	if t.cmp(key, last) <= 0 {
		return false, nil
	}
	return true, t.insertInLeaf(ctx, cur, n, key, record, flags)
}

func (t *Tree) insertInLeaf(ctx *pagemanager.Context, cur *Cursor, n *node, key, record []byte, flags uint32) error {
	slot, found, err := n.search(ctx, key)
	if err != nil {
		return err
	}
	if found {
		switch {
		case flags&FlagOverwrite != 0:
			if err := n.recs.setRecord(ctx, slot, 0, record); err != nil {
				return err
			}
			n.page.SetDirty(true)
			if cur != nil {
				cur.couple(n.page, slot, 0)
			}
			return nil
		case flags&FlagDuplicate != 0:
			return t.insertDuplicate(ctx, cur, n, slot, record, flags)
		default:
			return fmt.Errorf("%w: %q", dberr.ErrDuplicateKey, key)
		}
	}

	if err := n.insertAt(ctx, slot, key, record); err != nil {
		return err
	}
	t.adjustAfterInsert(n.page, slot, cur)
	if n.rightSibling() == 0 {
		t.lastLeaf = n.page.Addr()
	}
	if cur != nil {
		cur.couple(n.page, slot, 0)
	}
	return nil
}

// insertDuplicate appends a record to the key's duplicate list at the
// position requested by the flags (relative positions use the cursor's
// duplicate index).
func (t *Tree) insertDuplicate(ctx *pagemanager.Context, cur *Cursor, n *node, slot int, record []byte, flags uint32) error {
	pos := -1
	switch {
	case flags&FlagDuplicateInsertFirst != 0:
		pos = 0
	case flags&FlagDuplicateInsertLast != 0:
		pos = -1
	case flags&FlagDuplicateInsertBefore != 0 && cur != nil && cur.State() == CursorCoupled:
		pos = cur.dup
	case flags&FlagDuplicateInsertAfter != 0 && cur != nil && cur.State() == CursorCoupled:
		pos = cur.dup + 1
	}
	if err := n.recs.addDuplicate(ctx, slot, pos, record); err != nil {
		return err
	}
	n.page.SetDirty(true)
	if pos < 0 {
		count, err := n.recs.recordCount(ctx, slot)
		if err != nil {
			return err
		}
		pos = count - 1
	}
	t.adjustAfterDupInsert(n.page, slot, pos, cur)
	if cur != nil {
		cur.couple(n.page, slot, pos)
	}
	return nil
}

// splitRoot grows the tree one level: a new root with the old root as its
// left-most child, then a regular child split.
func (t *Tree) splitRoot(ctx *pagemanager.Context) error {
	oldRootPage, err := t.pm.Fetch(ctx, t.rootAddr, 0)
	if err != nil {
		return err
	}
	oldRoot := t.nodeFor(oldRootPage)

	newRootPage, err := t.pm.Alloc(ctx, page.TypeBtreeRoot, 0)
	if err != nil {
		return err
	}
	newRoot := t.initNode(newRootPage, false)
	newRoot.setLeftChild(oldRootPage.Addr())

	if oldRoot.isLeaf() {
		oldRootPage.SetType(page.TypeBtreeLeaf)
	} else {
		oldRootPage.SetType(page.TypeBtreeInternal)
	}
	oldRootPage.SetDirty(true)

	t.rootChanged(newRootPage.Addr())
	return t.splitChild(ctx, newRoot, oldRoot)
}

// splitChild splits a full child at its median, promotes the separator
// into the parent and hands the right half to a new sibling. The parent
// is guaranteed to have room (proactive splitting).
func (t *Tree) splitChild(ctx *pagemanager.Context, parent, child *node) error {
	count := child.count()
	if count < 2 {
		return errNotSplittable
	}
	pivot := count / 2

	leaf := child.isLeaf()
	pageType := page.TypeBtreeInternal
	if leaf {
		pageType = page.TypeBtreeLeaf
	}
	sibPage, err := t.pm.Alloc(ctx, pageType, 0)
	if err != nil {
		return err
	}
	sib := t.initNode(sibPage, leaf)

	var promoted []byte
	if leaf {
		if err := child.keys.moveTo(ctx, sib.keys, count, pivot, 0); err != nil {
			return err
		}
		child.recs.moveTo(sib.recs, count, pivot, 0)
		sib.setCount(count - pivot)
		child.setCount(pivot)

		sib.setRightSibling(child.rightSibling())
		child.setRightSibling(sibPage.Addr())
		if t.lastLeaf == child.page.Addr() {
			t.lastLeaf = sibPage.Addr()
		}

		// The promoted separator is the right sibling's first key.
		first, err := sib.key(ctx, 0)
		if err != nil {
			return err
		}
		promoted = make([]byte, len(first))
		copy(promoted, first)
	} else {
		// The median key moves up; its child becomes the sibling's
		// left-most child.
		median, err := child.key(ctx, pivot)
		if err != nil {
			return err
		}
		promoted = make([]byte, len(median))
		copy(promoted, median)

		sib.setLeftChild(child.childAt(pivot))
		if err := child.keys.moveTo(ctx, sib.keys, count, pivot+1, 0); err != nil {
			return err
		}
		child.recs.moveTo(sib.recs, count, pivot+1, 0)
		sib.setCount(count - pivot - 1)

		if err := child.keys.erase(ctx, pivot+1, pivot); err != nil {
			return err
		}
		child.setCount(pivot)
	}
	child.page.SetDirty(true)

	slot, _, err := parent.search(ctx, promoted)
	if err != nil {
		return err
	}
	var addrBytes [8]byte
	binary.LittleEndian.PutUint64(addrBytes[:], sibPage.Addr())
	if err := parent.insertAt(ctx, slot, promoted, addrBytes[:]); err != nil {
		return err
	}

	// Couplings into the split page are no longer meaningful.
	if err := t.uncoupleAllOnPage(ctx, child.page); err != nil {
		return err
	}
	return nil
}
