package btree

import (
	"encoding/binary"

	"github.com/calderadb/caldera/core/page"
	"github.com/calderadb/caldera/core/pagemanager"
)

// Node header within the page payload:
//   [0:4]   count u32
//   [4:8]   flags u32 (bit 0 = leaf)
//   [8:16]  right sibling address (leaves)
//   [16:24] left-most child address (internal)
// The key list and record list areas follow back to back.
const (
	nodeHeaderSize = 24
	nodeFlagLeaf   = 1
)

// node is the slotted-node decoder: a transient proxy over a page that
// exposes the key list, record list, count and flags.
type node struct {
	page *page.Page
	tree *Tree
	keys keyList
	recs recordList

	// capacity is the slot budget derived from the layout's entry size
	// estimates; variable layouts additionally space-check on insert.
	capacity int
}

// nodeFor builds the proxy and selects the layouts for the page.
func (t *Tree) nodeFor(p *page.Page) *node {
	n := &node{page: p, tree: t}
	leaf := n.isLeaf()

	var recs recordList
	if !leaf {
		recs = &internalRecordList{}
	} else if t.cfg.RecordSize != UnlimitedRecordSize && t.cfg.RecordSize != 0 && !t.cfg.Duplicates {
		recs = &fixedRecordList{size: int(t.cfg.RecordSize)}
	} else {
		recs = &defaultRecordList{blobs: t.blobs}
	}

	var keys keyList
	var keyEntryEstimate int
	if fixed := t.cfg.KeyType.FixedSize(); fixed != 0 ||
		(t.cfg.KeySize != UnlimitedKeySize && !t.cfg.KeyCompression) {
		size := int(fixed)
		if size == 0 {
			size = int(t.cfg.KeySize)
		}
		keys = &podKeyList{size: size}
		keyEntryEstimate = size
	} else if t.cfg.KeyCompression {
		keys = &compressedKeyList{}
		keyEntryEstimate = 24
	} else {
		keys = &varKeyList{blobs: t.blobs}
		keyEntryEstimate = varSlotSize + 32
	}

	usable := int(page.PayloadSize(t.pageSize())) - nodeHeaderSize
	capacity := usable / (keyEntryEstimate + recs.entrySize())
	keyArea := usable - capacity*recs.entrySize()

	payload := p.Payload()
	keys.open(payload[nodeHeaderSize : nodeHeaderSize+keyArea])
	recs.open(payload[nodeHeaderSize+keyArea:])

	n.keys = keys
	n.recs = recs
	n.capacity = capacity
	return n
}

func (n *node) header() []byte { return n.page.Payload() }

func (n *node) count() int {
	return int(binary.LittleEndian.Uint32(n.header()[0:4]))
}

func (n *node) setCount(c int) {
	binary.LittleEndian.PutUint32(n.header()[0:4], uint32(c))
	n.page.SetDirty(true)
}

func (n *node) isLeaf() bool {
	return binary.LittleEndian.Uint32(n.header()[4:8])&nodeFlagLeaf != 0
}

func (n *node) setLeaf(leaf bool) {
	flags := binary.LittleEndian.Uint32(n.header()[4:8])
	if leaf {
		flags |= nodeFlagLeaf
	} else {
		flags &^= nodeFlagLeaf
	}
	binary.LittleEndian.PutUint32(n.header()[4:8], flags)
	n.page.SetDirty(true)
}

func (n *node) rightSibling() uint64 {
	return binary.LittleEndian.Uint64(n.header()[8:16])
}

func (n *node) setRightSibling(addr uint64) {
	binary.LittleEndian.PutUint64(n.header()[8:16], addr)
	n.page.SetDirty(true)
}

func (n *node) leftChild() uint64 {
	return binary.LittleEndian.Uint64(n.header()[16:24])
}

func (n *node) setLeftChild(addr uint64) {
	binary.LittleEndian.PutUint64(n.header()[16:24], addr)
	n.page.SetDirty(true)
}

// childAt maps a separator index to a child address: -1 selects the
// left-most child, i >= 0 the subtree holding keys >= key[i].
func (n *node) childAt(i int) uint64 {
	if i < 0 {
		return n.leftChild()
	}
	return n.recs.(*internalRecordList).child(i)
}

func (n *node) key(ctx *pagemanager.Context, slot int) ([]byte, error) {
	return n.keys.key(ctx, n.count(), slot)
}

// isFull reports whether the node cannot host one more entry with the
// given key.
func (n *node) isFull(key []byte) bool {
	count := n.count()
	if count >= n.capacity {
		return true
	}
	return !n.keys.canInsert(count, key)
}

// search binary-searches the key list. It returns the insertion slot (the
// first slot whose key is >= the probe) and whether the probe was found.
func (n *node) search(ctx *pagemanager.Context, key []byte) (int, bool, error) {
	lo, hi := 0, n.count()
	for lo < hi {
		mid := (lo + hi) / 2
		k, err := n.key(ctx, mid)
		if err != nil {
			return 0, false, err
		}
		cmp := n.tree.cmp(k, key)
		if cmp < 0 {
			lo = mid + 1
		} else if cmp > 0 {
			hi = mid
		} else {
			return mid, true, nil
		}
	}
	return lo, false, nil
}

// insertAt opens a slot and stores key and record.
func (n *node) insertAt(ctx *pagemanager.Context, slot int, key, record []byte) error {
	count := n.count()
	if err := n.keys.insert(ctx, count, slot, key); err != nil {
		return err
	}
	n.recs.insertSlot(count, slot)
	if err := n.recs.setRecord(ctx, slot, 0, record); err != nil {
		return err
	}
	n.setCount(count + 1)
	return nil
}

// eraseAt removes the slot's key and entry. Record storage must already
// have been freed.
func (n *node) eraseAt(ctx *pagemanager.Context, slot int) error {
	count := n.count()
	if err := n.keys.erase(ctx, count, slot); err != nil {
		return err
	}
	n.recs.eraseSlot(count, slot)
	n.setCount(count - 1)
	return nil
}
