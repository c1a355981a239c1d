// Package txn implements the transaction lifecycle: per-key operation
// logs, MVCC-style conflict detection against pending operations of other
// transactions, and the ordered in-memory key index cursors merge against.
package txn

import (
	"fmt"

	"github.com/calderadb/caldera/core/dberr"
)

// OpKind is the kind of a pending operation.
type OpKind uint8

const (
	OpNop OpKind = iota
	OpInsert
	OpInsertOverwrite
	OpInsertDuplicate
	OpErase
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpInsertOverwrite:
		return "insert-overwrite"
	case OpInsertDuplicate:
		return "insert-dup"
	case OpErase:
		return "erase"
	default:
		return "nop"
	}
}

// IsInsert reports whether the op carries a record.
func (k OpKind) IsInsert() bool {
	return k == OpInsert || k == OpInsertOverwrite || k == OpInsertDuplicate
}

// State of a transaction.
type State uint8

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

// Txn flags.
const (
	// FlagTemporary marks the implicit transaction wrapping a single
	// auto-committed operation.
	FlagTemporary uint32 = 1 << iota
	FlagReadOnly
)

// Op is one pending operation for a {database, key} pair. It is owned by
// its transaction and additionally linked into the key's op node.
type Op struct {
	Kind   OpKind
	Record []byte
	// DupIdx is the duplicate index an erase targets (-1 = whole key).
	DupIdx int
	// Lsn is assigned when the operation is journaled.
	Lsn uint64
	// Flags preserves the original operation flags for replay on commit.
	Flags uint32

	txn  *Txn
	node *OpNode

	// oplist linkage within the node, oldest to newest across txns
	nodePrev, nodeNext *Op
	// chain of ops of the owning transaction, in execution order
	txnNext *Op

	// refs counts cursors coupled to this op.
	refs int
}

func (o *Op) Txn() *Txn     { return o.txn }
func (o *Op) Node() *OpNode { return o.node }
func (o *Op) Next() *Op     { return o.nodeNext }
func (o *Op) Prev() *Op     { return o.nodePrev }

func (o *Op) Retain()  { o.refs++ }
func (o *Op) Release() {
	if o.refs > 0 {
		o.refs--
	}
}
func (o *Op) Refs() int { return o.refs }

// OpNode collects all pending operations for one key. Owner is opaque to
// this package; the environment stores the owning database there so commit
// flush can route ops without a reverse import.
type OpNode struct {
	key    []byte
	oldest *Op
	newest *Op

	Owner any
}

func (n *OpNode) Key() []byte { return n.key }
func (n *OpNode) Oldest() *Op { return n.oldest }
func (n *OpNode) Newest() *Op { return n.newest }

// IsEmpty reports whether no ops remain.
func (n *OpNode) IsEmpty() bool { return n.oldest == nil }

// append links an op as the newest of the node.
func (n *OpNode) append(o *Op) {
	o.node = n
	o.nodePrev = n.newest
	if n.newest != nil {
		n.newest.nodeNext = o
	} else {
		n.oldest = o
	}
	n.newest = o
}

// remove unlinks an op from the node.
func (n *OpNode) remove(o *Op) {
	if o.nodePrev != nil {
		o.nodePrev.nodeNext = o.nodeNext
	} else {
		n.oldest = o.nodeNext
	}
	if o.nodeNext != nil {
		o.nodeNext.nodePrev = o.nodePrev
	} else {
		n.newest = o.nodePrev
	}
	o.nodePrev, o.nodeNext = nil, nil
	o.node = nil
}

// Conflicts reports whether another active transaction has a pending op
// on this key.
func (n *OpNode) Conflicts(t *Txn) bool {
	for o := n.newest; o != nil; o = o.nodePrev {
		if o.txn == t {
			continue
		}
		if o.txn.State() == StateActive {
			return true
		}
	}
	return false
}

// VisibleOp returns the newest op the transaction is allowed to observe:
// its own ops and ops of committed transactions. It reports a conflict
// when a newer op of another active transaction shadows the key.
func (n *OpNode) VisibleOp(t *Txn) (*Op, error) {
	for o := n.newest; o != nil; o = o.nodePrev {
		switch {
		case o.txn == t && t != nil:
			return o, nil
		case o.txn.State() == StateCommitted:
			return o, nil
		case o.txn.State() == StateAborted:
			continue
		default:
			// another active transaction
			return nil, dberr.ErrTxnConflict
		}
	}
	return nil, nil
}

// Txn is one transaction.
type Txn struct {
	id    uint64
	flags uint32
	state State

	// ops in execution order
	oldestOp *Op
	newestOp *Op

	// cursorRefs counts cursors attached to the transaction; commit and
	// abort refuse while any remain.
	cursorRefs int

	// journalFileIdx remembers which journal file holds the txn_begin
	// entry so the per-file counters balance.
	journalFileIdx int

	next, prev *Txn
}

func (t *Txn) ID() uint64    { return t.id }
func (t *Txn) State() State  { return t.state }
func (t *Txn) Flags() uint32 { return t.flags }

func (t *Txn) IsTemporary() bool { return t.flags&FlagTemporary != 0 }
func (t *Txn) IsReadOnly() bool  { return t.flags&FlagReadOnly != 0 }

func (t *Txn) JournalFileIdx() int       { return t.journalFileIdx }
func (t *Txn) SetJournalFileIdx(idx int) { t.journalFileIdx = idx }

func (t *Txn) RetainCursor() { t.cursorRefs++ }
func (t *Txn) ReleaseCursor() {
	if t.cursorRefs > 0 {
		t.cursorRefs--
	}
}
func (t *Txn) CursorRefs() int { return t.cursorRefs }

// OldestOp returns the first op of the transaction in execution order.
func (t *Txn) OldestOp() *Op { return t.oldestOp }

// NextInTxn iterates the transaction's op chain.
func (o *Op) NextInTxn() *Op { return o.txnNext }

// AddOp records a pending operation on the node.
func (t *Txn) AddOp(node *OpNode, kind OpKind, record []byte, dupIdx int, flags uint32) (*Op, error) {
	if t.state != StateActive {
		return nil, fmt.Errorf("%w: transaction %d is not active", dberr.ErrInvalidArgument, t.id)
	}
	if t.IsReadOnly() {
		return nil, fmt.Errorf("%w: transaction %d is read-only", dberr.ErrReadOnly, t.id)
	}
	o := &Op{
		Kind:   kind,
		Record: record,
		DupIdx: dupIdx,
		Flags:  flags,
		txn:    t,
	}
	node.append(o)
	if t.newestOp != nil {
		t.newestOp.txnNext = o
	} else {
		t.oldestOp = o
	}
	t.newestOp = o
	return o, nil
}

// Commit transitions to committed. The op list stays attached until the
// manager flushes it into the B-tree.
func (t *Txn) Commit() error {
	if t.state != StateActive {
		return fmt.Errorf("%w: transaction %d is not active", dberr.ErrInvalidArgument, t.id)
	}
	if t.cursorRefs > 0 {
		return fmt.Errorf("%w: transaction %d has %d attached cursors",
			dberr.ErrCursorStillOpen, t.id, t.cursorRefs)
	}
	t.state = StateCommitted
	return nil
}

// Abort transitions to aborted and discards the op list.
func (t *Txn) Abort() error {
	if t.state != StateActive {
		return fmt.Errorf("%w: transaction %d is not active", dberr.ErrInvalidArgument, t.id)
	}
	if t.cursorRefs > 0 {
		return fmt.Errorf("%w: transaction %d has %d attached cursors",
			dberr.ErrCursorStillOpen, t.id, t.cursorRefs)
	}
	t.state = StateAborted
	return nil
}

// DetachOps unlinks every op from its node and returns the ops in
// execution order. Emptied nodes are reported through removeNode.
func (t *Txn) DetachOps(removeNode func(*OpNode)) []*Op {
	var ops []*Op
	for o := t.oldestOp; o != nil; o = o.txnNext {
		node := o.node
		if node == nil {
			continue
		}
		node.remove(o)
		if node.IsEmpty() && removeNode != nil {
			removeNode(node)
		}
		ops = append(ops, o)
	}
	t.oldestOp, t.newestOp = nil, nil
	return ops
}

// Manager owns transaction lifecycle and ids.
type Manager struct {
	nextID uint64

	// open transactions, oldest first
	head, tail *Txn
}

func NewManager() *Manager {
	return &Manager{nextID: 1}
}

// Begin starts a transaction. Temporary transactions wrap auto-committed
// single operations and keep id 0 in the journal.
func (m *Manager) Begin(flags uint32) *Txn {
	t := &Txn{
		id:    m.nextID,
		flags: flags,
		state: StateActive,
	}
	m.nextID++
	t.prev = m.tail
	if m.tail != nil {
		m.tail.next = t
	} else {
		m.head = t
	}
	m.tail = t
	return t
}

// Remove unlinks a finished transaction.
func (m *Manager) Remove(t *Txn) {
	if t.prev != nil {
		t.prev.next = t.next
	} else if m.head == t {
		m.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else if m.tail == t {
		m.tail = t.prev
	}
	t.prev, t.next = nil, nil
}

// Oldest returns the oldest live transaction.
func (m *Manager) Oldest() *Txn { return m.head }

// ForEach visits every live transaction, oldest first.
func (m *Manager) ForEach(fn func(*Txn)) {
	for t := m.head; t != nil; {
		next := t.next
		fn(t)
		t = next
	}
}
