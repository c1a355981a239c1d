package txn

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calderadb/caldera/core/dberr"
)

func TestBeginAssignsMonotonicIDs(t *testing.T) {
	m := NewManager()
	t1 := m.Begin(0)
	t2 := m.Begin(0)
	require.Less(t, t1.ID(), t2.ID())
	require.Equal(t, StateActive, t1.State())
}

func TestIndexKeepsComparatorOrder(t *testing.T) {
	ix := NewIndex(bytes.Compare)
	for _, k := range []string{"mm", "aa", "zz", "ff"} {
		ix.GetOrCreate([]byte(k))
	}
	require.Equal(t, 4, ix.Len())
	require.Equal(t, []byte("aa"), ix.First().Key())
	require.Equal(t, []byte("zz"), ix.Last().Key())
	require.Equal(t, []byte("ff"), ix.NextAfter([]byte("aa")).Key())
	require.Equal(t, []byte("ff"), ix.NextAfter([]byte("bb")).Key())
	require.Equal(t, []byte("mm"), ix.PrevBefore([]byte("zz")).Key())
	require.Nil(t, ix.NextAfter([]byte("zz")))
	require.Nil(t, ix.PrevBefore([]byte("aa")))
	require.Equal(t, []byte("ff"), ix.Seek([]byte("ff")).Key())
}

func TestConflictsWithOtherActiveTxn(t *testing.T) {
	m := NewManager()
	ix := NewIndex(bytes.Compare)
	t1 := m.Begin(0)
	t2 := m.Begin(0)

	node := ix.GetOrCreate([]byte("k"))
	_, err := t1.AddOp(node, OpInsert, []byte("v"), -1, 0)
	require.NoError(t, err)

	require.True(t, node.Conflicts(t2))
	require.False(t, node.Conflicts(t1))

	_, err = node.VisibleOp(t2)
	require.ErrorIs(t, err, dberr.ErrTxnConflict)
}

func TestVisibleOpSeesCommittedAndSkipsAborted(t *testing.T) {
	m := NewManager()
	ix := NewIndex(bytes.Compare)

	t1 := m.Begin(0)
	node := ix.GetOrCreate([]byte("k"))
	op1, err := t1.AddOp(node, OpInsert, []byte("v1"), -1, 0)
	require.NoError(t, err)
	require.NoError(t, t1.Commit())

	t2 := m.Begin(0)
	visible, err := node.VisibleOp(t2)
	require.NoError(t, err)
	require.Same(t, op1, visible, "committed ops are visible to later txns")

	_, err = t2.AddOp(node, OpErase, nil, -1, 0)
	require.NoError(t, err)
	require.NoError(t, t2.Abort())

	t3 := m.Begin(0)
	visible, err = node.VisibleOp(t3)
	require.NoError(t, err)
	require.Same(t, op1, visible, "aborted ops are skipped")
}

func TestOverwriteWithinSameTxnShadowsOlderOp(t *testing.T) {
	m := NewManager()
	ix := NewIndex(bytes.Compare)
	t1 := m.Begin(0)
	node := ix.GetOrCreate([]byte("k"))

	_, err := t1.AddOp(node, OpInsert, []byte("old"), -1, 0)
	require.NoError(t, err)
	newer, err := t1.AddOp(node, OpInsertOverwrite, []byte("new"), -1, 0)
	require.NoError(t, err)

	visible, err := node.VisibleOp(t1)
	require.NoError(t, err)
	require.Same(t, newer, visible)
}

func TestCommitRefusedWithAttachedCursors(t *testing.T) {
	m := NewManager()
	t1 := m.Begin(0)
	t1.RetainCursor()
	require.ErrorIs(t, t1.Commit(), dberr.ErrCursorStillOpen)
	t1.ReleaseCursor()
	require.NoError(t, t1.Commit())
}

func TestReadOnlyTxnRejectsOps(t *testing.T) {
	m := NewManager()
	ix := NewIndex(bytes.Compare)
	t1 := m.Begin(FlagReadOnly)
	node := ix.GetOrCreate([]byte("k"))
	_, err := t1.AddOp(node, OpInsert, []byte("v"), -1, 0)
	require.ErrorIs(t, err, dberr.ErrReadOnly)
}

func TestDetachOpsEmptiesNodesInOrder(t *testing.T) {
	m := NewManager()
	ix := NewIndex(bytes.Compare)
	t1 := m.Begin(0)

	n1 := ix.GetOrCreate([]byte("a"))
	n2 := ix.GetOrCreate([]byte("b"))
	_, err := t1.AddOp(n1, OpInsert, []byte("1"), -1, 0)
	require.NoError(t, err)
	_, err = t1.AddOp(n2, OpInsert, []byte("2"), -1, 0)
	require.NoError(t, err)
	_, err = t1.AddOp(n1, OpErase, nil, -1, 0)
	require.NoError(t, err)

	var removed []*OpNode
	ops := t1.DetachOps(func(n *OpNode) {
		removed = append(removed, n)
		ix.Remove(n)
	})
	require.Len(t, ops, 3)
	require.Equal(t, OpInsert, ops[0].Kind)
	require.Equal(t, OpInsert, ops[1].Kind)
	require.Equal(t, OpErase, ops[2].Kind)
	require.Len(t, removed, 2)
	require.Zero(t, ix.Len())
}

func TestManagerRemoveUnlinks(t *testing.T) {
	m := NewManager()
	t1 := m.Begin(0)
	t2 := m.Begin(0)
	m.Remove(t1)
	require.Same(t, t2, m.Oldest())

	var seen int
	m.ForEach(func(*Txn) { seen++ })
	require.Equal(t, 1, seen)
}
