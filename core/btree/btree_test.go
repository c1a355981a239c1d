package btree

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calderadb/caldera/core/blob"
	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/device"
	"github.com/calderadb/caldera/core/pagemanager"
)

// A small page size forces deep trees with few keys.
const testPageSize = 1024

func newTestTree(t *testing.T, cfg Config) (*Tree, *pagemanager.Context) {
	t.Helper()
	dev := device.NewMemory(testPageSize, 0)
	require.NoError(t, dev.Create())
	pm := pagemanager.New(dev, pagemanager.Config{
		PageSize:       testPageSize,
		CacheSizeBytes: 16 << 20,
	}, nil)
	blobs := blob.NewManager(pm, testPageSize, nil)
	tree := New(pm, blobs, cfg, testPageSize, nil)
	ctx := pagemanager.NewContext(cfg.DbName)
	require.NoError(t, tree.Create(ctx))
	t.Cleanup(ctx.Changeset.Clear)
	return tree, ctx
}

func key5(i int) []byte { return []byte(fmt.Sprintf("%05d", i)) }

func TestInsertFindManyKeysAcrossSplits(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1})

	const n = 500
	order := rand.New(rand.NewSource(42)).Perm(n)
	for _, i := range order {
		require.NoError(t, tree.Insert(ctx, nil, key5(i), key5(i), 0))
	}
	for i := 0; i < n; i++ {
		_, rec, err := tree.Find(ctx, nil, key5(i), 0)
		require.NoError(t, err, "key %05d", i)
		require.Equal(t, key5(i), rec)
	}
	count, err := tree.Count(ctx, false)
	require.NoError(t, err)
	require.Equal(t, uint64(n), count)
}

func TestInsertDuplicateKeyRejectedWithoutPolicy(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1})
	require.NoError(t, tree.Insert(ctx, nil, []byte("k"), []byte("v1"), 0))
	err := tree.Insert(ctx, nil, []byte("k"), []byte("v2"), 0)
	require.ErrorIs(t, err, dberr.ErrDuplicateKey)
}

func TestOverwriteKeepsDuplicateCount(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1, Duplicates: true})
	require.NoError(t, tree.Insert(ctx, nil, []byte("k"), []byte("v1"), 0))
	require.NoError(t, tree.Insert(ctx, nil, []byte("k"), []byte("v2"), FlagDuplicate))

	cur := tree.NewCursor()
	defer cur.Close()
	_, _, err := tree.Find(ctx, cur, []byte("k"), 0)
	require.NoError(t, err)
	dups, err := cur.RecordCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, dups)

	require.NoError(t, tree.Insert(ctx, nil, []byte("k"), []byte("v3"), FlagOverwrite))
	dups, err = cur.RecordCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, dups, "overwrite must not grow the duplicate list")

	require.NoError(t, tree.Insert(ctx, nil, []byte("k"), []byte("v4"), FlagDuplicate))
	dups, err = cur.RecordCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, dups, "duplicate policy grows the list by one")
}

func TestEraseThenFindReturnsNotFound(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1})
	require.NoError(t, tree.Insert(ctx, nil, []byte("gone"), []byte("v"), 0))
	require.NoError(t, tree.Erase(ctx, nil, []byte("gone"), -1, 0))
	_, _, err := tree.Find(ctx, nil, []byte("gone"), 0)
	require.ErrorIs(t, err, dberr.ErrKeyNotFound)

	err = tree.Erase(ctx, nil, []byte("gone"), -1, 0)
	require.ErrorIs(t, err, dberr.ErrKeyNotFound)
}

func TestEraseManyShrinksTree(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1})
	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(ctx, nil, key5(i), key5(i), 0))
	}
	for i := 0; i < n; i += 2 {
		require.NoError(t, tree.Erase(ctx, nil, key5(i), -1, 0))
	}
	count, err := tree.Count(ctx, false)
	require.NoError(t, err)
	require.Equal(t, uint64(n/2), count)
	for i := 1; i < n; i += 2 {
		_, rec, err := tree.Find(ctx, nil, key5(i), 0)
		require.NoError(t, err)
		require.Equal(t, key5(i), rec)
	}
}

// Scenario from the suite seed: erase through a cursor, then re-iterate.
func TestCursorEraseAndReiterate(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1})
	require.NoError(t, tree.Insert(ctx, nil, []byte("aaaaa"), []byte("r1"), 0))
	require.NoError(t, tree.Insert(ctx, nil, []byte("bbbbb"), []byte("r2"), 0))
	require.NoError(t, tree.Insert(ctx, nil, []byte("ccccc"), []byte("r3"), 0))

	cur := tree.NewCursor()
	defer cur.Close()
	require.NoError(t, cur.MoveFirst(ctx))
	k, err := cur.Key(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("aaaaa"), k)

	require.NoError(t, cur.MoveNext(ctx))
	k, err = cur.Key(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("bbbbb"), k)

	require.NoError(t, tree.Erase(ctx, cur, []byte("bbbbb"), -1, 0))
	require.Equal(t, CursorNil, cur.State(), "erase makes the cursor nil")

	require.NoError(t, cur.MoveFirst(ctx))
	k, _ = cur.Key(ctx)
	require.Equal(t, []byte("aaaaa"), k)
	require.NoError(t, cur.MoveNext(ctx))
	k, _ = cur.Key(ctx)
	require.Equal(t, []byte("ccccc"), k)
	err = cur.MoveNext(ctx)
	require.ErrorIs(t, err, dberr.ErrKeyNotFound)
}

func TestCursorNextAfterLastIsNotFound(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1})
	require.NoError(t, tree.Insert(ctx, nil, []byte("only"), []byte("v"), 0))

	cur := tree.NewCursor()
	defer cur.Close()
	require.NoError(t, cur.MoveLast(ctx))
	require.ErrorIs(t, cur.MoveNext(ctx), dberr.ErrKeyNotFound)
}

func TestCursorTraversalIsOrdered(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1})
	const n = 200
	order := rand.New(rand.NewSource(7)).Perm(n)
	for _, i := range order {
		require.NoError(t, tree.Insert(ctx, nil, key5(i), key5(i), 0))
	}

	cur := tree.NewCursor()
	defer cur.Close()
	require.NoError(t, cur.MoveFirst(ctx))
	var prev []byte
	visited := 0
	for {
		k, err := cur.Key(ctx)
		require.NoError(t, err)
		if prev != nil {
			require.True(t, bytes.Compare(prev, k) < 0, "traversal must be ordered")
		}
		prev = append(prev[:0], k...)
		visited++
		if err := cur.MoveNext(ctx); err != nil {
			require.ErrorIs(t, err, dberr.ErrKeyNotFound)
			break
		}
	}
	require.Equal(t, n, visited)
}

func TestCursorAdjustmentOnInsert(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1})
	require.NoError(t, tree.Insert(ctx, nil, []byte("bb"), []byte("v"), 0))

	cur := tree.NewCursor()
	defer cur.Close()
	_, _, err := tree.Find(ctx, cur, []byte("bb"), 0)
	require.NoError(t, err)

	// Inserting before the coupled slot shifts the coupling.
	require.NoError(t, tree.Insert(ctx, nil, []byte("aa"), []byte("v"), 0))
	k, err := cur.Key(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("bb"), k)
}

func TestApproximateMatching(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1})
	for _, k := range []string{"bb", "dd", "ff"} {
		require.NoError(t, tree.Insert(ctx, nil, []byte(k), []byte("r-"+k), 0))
	}

	k, _, err := tree.Find(ctx, nil, []byte("cc"), FlagFindGEQ)
	require.NoError(t, err)
	require.Equal(t, []byte("dd"), k)

	k, _, err = tree.Find(ctx, nil, []byte("dd"), FlagFindGEQ)
	require.NoError(t, err)
	require.Equal(t, []byte("dd"), k)

	k, _, err = tree.Find(ctx, nil, []byte("dd"), FlagFindGT)
	require.NoError(t, err)
	require.Equal(t, []byte("ff"), k)

	k, _, err = tree.Find(ctx, nil, []byte("cc"), FlagFindLEQ)
	require.NoError(t, err)
	require.Equal(t, []byte("bb"), k)

	k, _, err = tree.Find(ctx, nil, []byte("dd"), FlagFindLT)
	require.NoError(t, err)
	require.Equal(t, []byte("bb"), k)

	_, _, err = tree.Find(ctx, nil, []byte("ff"), FlagFindGT)
	require.ErrorIs(t, err, dberr.ErrKeyNotFound)

	_, _, err = tree.Find(ctx, nil, []byte("bb"), FlagFindLT)
	require.ErrorIs(t, err, dberr.ErrKeyNotFound)
}

func TestApproximateMatchingCrossesLeaves(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1})
	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(ctx, nil, key5(i*2), key5(i*2), 0))
	}
	for i := 0; i < n-1; i++ {
		probe := key5(i*2 + 1)
		k, _, err := tree.Find(ctx, nil, probe, FlagFindGT)
		require.NoError(t, err)
		require.Equal(t, key5(i*2+2), k)

		k, _, err = tree.Find(ctx, nil, probe, FlagFindLT)
		require.NoError(t, err)
		require.Equal(t, key5(i*2), k)
	}
}

func TestOverflowKeysStoredAsBlobs(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1})

	long := func(i int) []byte {
		return append(bytes.Repeat([]byte{'x'}, 200), key5(i)...)
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Insert(ctx, nil, long(i), key5(i), 0))
	}
	for i := 0; i < 20; i++ {
		_, rec, err := tree.Find(ctx, nil, long(i), 0)
		require.NoError(t, err)
		require.Equal(t, key5(i), rec)
	}
	require.NoError(t, tree.Erase(ctx, nil, long(3), -1, 0))
	_, _, err := tree.Find(ctx, nil, long(3), 0)
	require.ErrorIs(t, err, dberr.ErrKeyNotFound)
}

func TestCompressedKeyLayout(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1, KeyCompression: true})

	const n = 150
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(ctx, nil, key5(i), key5(i), 0))
	}
	for i := 0; i < n; i++ {
		_, rec, err := tree.Find(ctx, nil, key5(i), 0)
		require.NoError(t, err)
		require.Equal(t, key5(i), rec)
	}
	for i := 0; i < n; i += 3 {
		require.NoError(t, tree.Erase(ctx, nil, key5(i), -1, 0))
	}
	count, err := tree.Count(ctx, false)
	require.NoError(t, err)
	require.Equal(t, uint64(n-50), count)
}

func TestFixedKeysUsePackedScan(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1, KeyType: KeyUInt32})

	for i := uint32(0); i < 100; i++ {
		key := []byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24)}
		require.NoError(t, tree.Insert(ctx, nil, key, []byte("v"), 0))
	}
	var packed, single int
	v := &probeVisitor{onPacked: func(count int) { packed += count }, onKey: func() { single++ }}
	require.NoError(t, tree.Scan(ctx, v, true))
	require.Equal(t, 100, packed, "POD keys arrive through the packed visitor")
	require.Zero(t, single)
}

type probeVisitor struct {
	onPacked func(count int)
	onKey    func()
}

func (v *probeVisitor) VisitKey(key []byte, dupCount uint32) error {
	v.onKey()
	return nil
}

func (v *probeVisitor) VisitPackedKeys(keys []byte, keySize, count int) error {
	v.onPacked(count)
	return nil
}

func TestNaNKeysRejected(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1, KeyType: KeyReal64})
	nan := []byte{0, 0, 0, 0, 0, 0, 0xf8, 0x7f} // IEEE-754 quiet NaN
	err := tree.Insert(ctx, nil, nan, []byte("v"), 0)
	require.ErrorIs(t, err, dberr.ErrInvalidArgument)
}

func TestEmptyKeyRejected(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1})
	err := tree.Insert(ctx, nil, nil, []byte("v"), 0)
	require.ErrorIs(t, err, dberr.ErrInvalidArgument)
}

func TestSplitKeepsLeafBalance(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1})

	// Fill a single leaf to the brink, then overflow it.
	p, err := tree.pm.Fetch(ctx, tree.RootAddress(), 0)
	require.NoError(t, err)
	root := tree.nodeFor(p)
	capacity := root.capacity

	for i := 0; i <= capacity; i++ {
		require.NoError(t, tree.Insert(ctx, nil, key5(i), key5(i), 0))
	}

	// The root must have split into two children holding every key.
	p, err = tree.pm.Fetch(ctx, tree.RootAddress(), 0)
	require.NoError(t, err)
	newRoot := tree.nodeFor(p)
	require.False(t, newRoot.isLeaf())
	require.Equal(t, 1, newRoot.count())

	leftPage, err := tree.pm.Fetch(ctx, newRoot.leftChild(), 0)
	require.NoError(t, err)
	left := tree.nodeFor(leftPage)
	rightPage, err := tree.pm.Fetch(ctx, newRoot.childAt(0), 0)
	require.NoError(t, err)
	right := tree.nodeFor(rightPage)

	require.Equal(t, capacity+1, left.count()+right.count())
	require.GreaterOrEqual(t, left.count(), capacity/2-1)
	require.GreaterOrEqual(t, right.count(), capacity/2-1)

	// The promoted separator equals the right sibling's first key.
	sep, err := newRoot.key(ctx, 0)
	require.NoError(t, err)
	first, err := right.key(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, first, sep)
}

func TestLastKey(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1})
	_, err := tree.LastKey(ctx)
	require.Error(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, tree.Insert(ctx, nil, key5(i), key5(i), 0))
	}
	last, err := tree.LastKey(ctx)
	require.NoError(t, err)
	require.Equal(t, key5(49), last)
}

func TestHintAppendFastPath(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1})
	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Insert(ctx, nil, key5(i), key5(i), FlagHintAppend))
	}
	count, err := tree.Count(ctx, false)
	require.NoError(t, err)
	require.Equal(t, uint64(100), count)

	// keys out of order still land correctly despite the hint
	require.NoError(t, tree.Insert(ctx, nil, []byte("00000a"), []byte("v"), FlagHintAppend))
	_, _, err = tree.Find(ctx, nil, []byte("00000a"), 0)
	require.NoError(t, err)
}

func TestEraseSingleDuplicateAdjustsCursors(t *testing.T) {
	tree, ctx := newTestTree(t, Config{DbName: 1, Duplicates: true})
	require.NoError(t, tree.Insert(ctx, nil, []byte("k"), []byte("r0"), 0))
	require.NoError(t, tree.Insert(ctx, nil, []byte("k"), []byte("r1"), FlagDuplicate))
	require.NoError(t, tree.Insert(ctx, nil, []byte("k"), []byte("r2"), FlagDuplicate))

	at0 := tree.NewCursor()
	at2 := tree.NewCursor()
	defer at0.Close()
	defer at2.Close()
	_, _, err := tree.Find(ctx, at0, []byte("k"), 0)
	require.NoError(t, err)
	_, _, err = tree.Find(ctx, at2, []byte("k"), 0)
	require.NoError(t, err)
	require.NoError(t, at2.MoveNext(ctx))
	require.NoError(t, at2.MoveNext(ctx))
	require.Equal(t, 2, at2.DupIndex())

	// erase duplicate 1: the higher index decrements, index 0 stays
	require.NoError(t, tree.Erase(ctx, nil, []byte("k"), 1, 0))
	require.Equal(t, 0, at0.DupIndex())
	require.Equal(t, 1, at2.DupIndex())

	rec, err := at2.Record(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("r2"), rec)
}

func TestEraseRetryPathReportsLimits(t *testing.T) {
	// the split+retry driver is internal; verify at least that erase on
	// a compressed layout stays correct under churn
	tree, ctx := newTestTree(t, Config{DbName: 1, KeyCompression: true})
	for i := 0; i < 60; i++ {
		require.NoError(t, tree.Insert(ctx, nil, key5(i), key5(i), 0))
	}
	for i := 59; i >= 0; i-- {
		err := tree.Erase(ctx, nil, key5(i), -1, 0)
		if err != nil {
			require.True(t, errors.Is(err, dberr.ErrLimitsReached))
		}
	}
}
