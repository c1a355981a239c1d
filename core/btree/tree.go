package btree

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/calderadb/caldera/core/blob"
	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/page"
	"github.com/calderadb/caldera/core/pagemanager"
)

// Tree is the ordered index of one database.
type Tree struct {
	pm    *pagemanager.PageManager
	blobs *blob.Manager
	cfg   Config
	cmp   CompareFunc
	log   *zap.Logger

	pgSize   uint32
	rootAddr uint64

	// lastLeaf caches the right-most leaf for the append hint.
	lastLeaf uint64

	// onRootChanged persists the new root address in the environment
	// header whenever the tree grows or shrinks a level.
	onRootChanged func(addr uint64)

	// cursors is the head of the intrusive list of open cursors; every
	// in-place mutation walks it to keep couplings meaningful.
	cursors *Cursor
}

// New builds a tree handle. Call Create for a fresh database or Open with
// the persisted root address.
func New(pm *pagemanager.PageManager, blobs *blob.Manager, cfg Config, pageSize uint32, log *zap.Logger) *Tree {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tree{
		pm:     pm,
		blobs:  blobs,
		cfg:    cfg,
		cmp:    CompareForKeyType(cfg.KeyType),
		log:    log.With(zap.String("component", "btree"), zap.Uint16("db", cfg.DbName)),
		pgSize: pageSize,
	}
}

func (t *Tree) pageSize() uint32   { return t.pgSize }
func (t *Tree) Config() Config     { return t.cfg }
func (t *Tree) Compare() CompareFunc { return t.cmp }

func (t *Tree) RootAddress() uint64 { return t.rootAddr }

func (t *Tree) SetRootChanged(fn func(addr uint64)) { t.onRootChanged = fn }

func (t *Tree) rootChanged(addr uint64) {
	t.rootAddr = addr
	if t.onRootChanged != nil {
		t.onRootChanged(addr)
	}
}

// Create allocates the root leaf of a fresh database.
func (t *Tree) Create(ctx *pagemanager.Context) error {
	p, err := t.pm.Alloc(ctx, page.TypeBtreeRoot, 0)
	if err != nil {
		return err
	}
	t.initNode(p, true)
	t.rootChanged(p.Addr())
	t.lastLeaf = p.Addr()
	return nil
}

// Open attaches the tree to its persisted root.
func (t *Tree) Open(rootAddr uint64) {
	t.rootAddr = rootAddr
	t.lastLeaf = 0
}

// initNode zeroes the node header and opens the layout proxies.
func (t *Tree) initNode(p *page.Page, leaf bool) *node {
	payload := p.Payload()
	clear(payload[:nodeHeaderSize])
	if leaf {
		payload[4] = nodeFlagLeaf
	}
	p.SetDirty(true)
	return t.nodeFor(p)
}

type pathEntry struct {
	page     *page.Page
	childIdx int // index passed to childAt: -1 .. count-1
}

// descend walks root to leaf following the separator rule and returns the
// leaf with the traversed path.
func (t *Tree) descend(ctx *pagemanager.Context, key []byte) (*node, []pathEntry, error) {
	p, err := t.pm.Fetch(ctx, t.rootAddr, 0)
	if err != nil {
		return nil, nil, err
	}
	n := t.nodeFor(p)
	var path []pathEntry
	for !n.isLeaf() {
		slot, found, err := n.search(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		ci := slot - 1
		if found {
			ci = slot
		}
		path = append(path, pathEntry{page: p, childIdx: ci})
		p, err = t.pm.Fetch(ctx, n.childAt(ci), 0)
		if err != nil {
			return nil, nil, err
		}
		n = t.nodeFor(p)
	}
	return n, path, nil
}

// leftmostLeaf descends the left spine.
func (t *Tree) leftmostLeaf(ctx *pagemanager.Context) (*node, error) {
	p, err := t.pm.Fetch(ctx, t.rootAddr, 0)
	if err != nil {
		return nil, err
	}
	n := t.nodeFor(p)
	for !n.isLeaf() {
		p, err = t.pm.Fetch(ctx, n.leftChild(), 0)
		if err != nil {
			return nil, err
		}
		n = t.nodeFor(p)
	}
	return n, nil
}

// rightmostLeaf descends the right spine from the given address.
func (t *Tree) rightmostLeaf(ctx *pagemanager.Context, addr uint64) (*node, error) {
	p, err := t.pm.Fetch(ctx, addr, 0)
	if err != nil {
		return nil, err
	}
	n := t.nodeFor(p)
	for !n.isLeaf() {
		ci := n.count() - 1
		p, err = t.pm.Fetch(ctx, n.childAt(ci), 0)
		if err != nil {
			return nil, err
		}
		n = t.nodeFor(p)
	}
	return n, nil
}

// nextLeaf follows right-sibling links, skipping empty leaves. Returns nil
// at the end of the chain.
func (t *Tree) nextLeaf(ctx *pagemanager.Context, n *node) (*node, error) {
	addr := n.rightSibling()
	for addr != 0 {
		p, err := t.pm.Fetch(ctx, addr, 0)
		if err != nil {
			return nil, err
		}
		next := t.nodeFor(p)
		if next.count() > 0 {
			return next, nil
		}
		addr = next.rightSibling()
	}
	return nil, nil
}

// prevLeafByPath returns the right-most non-empty leaf left of the leaf
// the path descends to, or nil when there is none.
func (t *Tree) prevLeafByPath(ctx *pagemanager.Context, path []pathEntry) (*node, error) {
	for level := len(path) - 1; level >= 0; level-- {
		entry := path[level]
		parent := t.nodeFor(entry.page)
		for ci := entry.childIdx - 1; ci >= -1; ci-- {
			leaf, err := t.rightmostLeaf(ctx, parent.childAt(ci))
			if err != nil {
				return nil, err
			}
			if leaf.count() > 0 {
				return leaf, nil
			}
		}
	}
	return nil, nil
}

// Find locates a key, optionally with approximate matching, couples the
// cursor and returns the matched key and its first record.
func (t *Tree) Find(ctx *pagemanager.Context, cur *Cursor, key []byte, flags uint32) ([]byte, []byte, error) {
	n, path, err := t.descend(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	slot, found, err := n.search(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case found && flags&(FlagFindLT|FlagFindGT) == 0:
		// exact match (also satisfies leq/geq)
	case flags&(FlagFindLT|FlagFindLEQ) != 0 && !(found && flags&FlagFindLEQ != 0):
		// greatest key below the probe
		slot--
		for slot < 0 {
			prev, err := t.prevLeafByPath(ctx, path)
			if err != nil {
				return nil, nil, err
			}
			if prev == nil {
				return nil, nil, dberr.ErrKeyNotFound
			}
			n, slot = prev, prev.count()-1
		}
	case flags&(FlagFindGT|FlagFindGEQ) != 0:
		if found && flags&FlagFindGT != 0 {
			slot++
		}
		for slot >= n.count() {
			next, err := t.nextLeaf(ctx, n)
			if err != nil {
				return nil, nil, err
			}
			if next == nil {
				return nil, nil, dberr.ErrKeyNotFound
			}
			n, slot = next, 0
		}
	case !found:
		return nil, nil, dberr.ErrKeyNotFound
	}

	matched, err := n.key(ctx, slot)
	if err != nil {
		return nil, nil, err
	}
	matchedCopy := make([]byte, len(matched))
	copy(matchedCopy, matched)

	rec, err := n.recs.record(ctx, slot, 0)
	if err != nil {
		return nil, nil, err
	}
	if cur != nil {
		cur.couple(n.page, slot, 0)
	}
	return matchedCopy, rec, nil
}

// LastKey returns a copy of the greatest key in the tree.
func (t *Tree) LastKey(ctx *pagemanager.Context) ([]byte, error) {
	n, err := t.rightmostLeaf(ctx, t.rootAddr)
	if err != nil {
		return nil, err
	}
	if n.count() == 0 {
		// The right-most leaf can be empty after erases; fall back to a
		// left-to-right walk.
		n, err = t.leftmostLeaf(ctx)
		if err != nil {
			return nil, err
		}
		if n.count() == 0 {
			if n, err = t.nextLeaf(ctx, n); err != nil {
				return nil, err
			}
		}
		var last *node
		for n != nil {
			last = n
			if n, err = t.nextLeaf(ctx, n); err != nil {
				return nil, err
			}
		}
		if last == nil {
			return nil, dberr.ErrKeyNotFound
		}
		n = last
	}
	k, err := n.key(ctx, n.count()-1)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(k))
	copy(out, k)
	return out, nil
}

// errNotSplittable is returned when a split is requested for a node with
// fewer than two keys.
var errNotSplittable = fmt.Errorf("%w: node too small to split", dberr.ErrInternal)
