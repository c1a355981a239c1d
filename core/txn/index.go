package txn

import "sort"

// Index is the per-database ordered map of keys with outstanding
// operations. It lets cursors merge pending ops with the B-tree without a
// tree traversal. Backed by a sorted slice; the set is small and lives
// only as long as its transactions.
type Index struct {
	cmp   func(a, b []byte) int
	nodes []*OpNode
}

func NewIndex(cmp func(a, b []byte) int) *Index {
	return &Index{cmp: cmp}
}

func (ix *Index) Len() int { return len(ix.nodes) }

func (ix *Index) search(key []byte) (int, bool) {
	i := sort.Search(len(ix.nodes), func(i int) bool {
		return ix.cmp(ix.nodes[i].key, key) >= 0
	})
	if i < len(ix.nodes) && ix.cmp(ix.nodes[i].key, key) == 0 {
		return i, true
	}
	return i, false
}

// Get returns the node for the key, or nil.
func (ix *Index) Get(key []byte) *OpNode {
	if i, ok := ix.search(key); ok {
		return ix.nodes[i]
	}
	return nil
}

// GetOrCreate returns the node for the key, inserting a fresh one in
// comparator order when missing.
func (ix *Index) GetOrCreate(key []byte) *OpNode {
	i, ok := ix.search(key)
	if ok {
		return ix.nodes[i]
	}
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	node := &OpNode{key: keyCopy}
	ix.nodes = append(ix.nodes, nil)
	copy(ix.nodes[i+1:], ix.nodes[i:])
	ix.nodes[i] = node
	return node
}

// Remove drops the node from the index.
func (ix *Index) Remove(node *OpNode) {
	if i, ok := ix.search(node.key); ok && ix.nodes[i] == node {
		ix.nodes = append(ix.nodes[:i], ix.nodes[i+1:]...)
	}
}

// First returns the smallest keyed node.
func (ix *Index) First() *OpNode {
	if len(ix.nodes) == 0 {
		return nil
	}
	return ix.nodes[0]
}

// Last returns the greatest keyed node.
func (ix *Index) Last() *OpNode {
	if len(ix.nodes) == 0 {
		return nil
	}
	return ix.nodes[len(ix.nodes)-1]
}

// NextAfter returns the smallest node with key > probe.
func (ix *Index) NextAfter(key []byte) *OpNode {
	i, ok := ix.search(key)
	if ok {
		i++
	}
	if i >= len(ix.nodes) {
		return nil
	}
	return ix.nodes[i]
}

// PrevBefore returns the greatest node with key < probe.
func (ix *Index) PrevBefore(key []byte) *OpNode {
	i, _ := ix.search(key)
	if i == 0 {
		return nil
	}
	return ix.nodes[i-1]
}

// Seek returns the smallest node with key >= probe.
func (ix *Index) Seek(key []byte) *OpNode {
	i, _ := ix.search(key)
	if i >= len(ix.nodes) {
		return nil
	}
	return ix.nodes[i]
}
