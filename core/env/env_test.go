package env

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calderadb/caldera/core/btree"
	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/induce"
)

func newTestEnv(t *testing.T, cfg Config) (*Env, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := Create(path, cfg)
	require.NoError(t, err)
	return e, path
}

func key5(i int) []byte { return []byte(fmt.Sprintf("%05d", i)) }

func TestInsertFindEraseWithoutTransactions(t *testing.T) {
	e, _ := newTestEnv(t, Config{})
	defer e.Close()
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)

	_, err = db.Insert(nil, []byte("hello"), []byte("world"), 0)
	require.NoError(t, err)

	_, rec, err := db.Find(nil, []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), rec)

	require.NoError(t, db.Erase(nil, []byte("hello"), 0))
	_, _, err = db.Find(nil, []byte("hello"), 0)
	require.ErrorIs(t, err, dberr.ErrKeyNotFound)
}

func TestInMemoryEnvironment(t *testing.T) {
	e, _ := newTestEnv(t, Config{InMemory: true})
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		_, err := db.Insert(nil, key5(i), key5(i), 0)
		require.NoError(t, err)
	}
	count, err := db.Count(nil, false)
	require.NoError(t, err)
	require.Equal(t, uint64(200), count)
	require.NoError(t, e.Close())
}

// Scenario 1: an erase through one cursor inside a transaction nils every
// cursor on the key, and the key is invisible without committing.
func TestTxnEraseNilsAllCursors(t *testing.T) {
	e, _ := newTestEnv(t, Config{EnableTransactions: true})
	defer e.Close()
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1, EnableDuplicates: true})
	require.NoError(t, err)

	t1, err := e.Begin(0)
	require.NoError(t, err)
	_, err = db.Insert(t1, []byte("k"), []byte("v1"), 0)
	require.NoError(t, err)

	c := db.Cursor(t1)
	defer c.Close()
	_, _, err = c.Find([]byte("k"), 0)
	require.NoError(t, err)

	c2 := c.Clone()
	defer c2.Close()
	_, _, err = c2.Find([]byte("k"), 0)
	require.NoError(t, err)

	require.NoError(t, c.Erase())
	require.True(t, c.IsNil())
	require.True(t, c2.IsNil())

	_, _, err = c2.Find([]byte("k"), 0)
	require.ErrorIs(t, err, dberr.ErrKeyNotFound, "the pending erase shadows the key before commit")
}

// Scenario 2: cursor traversal and cursor erase without transactions.
func TestCursorEraseWithoutTxn(t *testing.T) {
	e, _ := newTestEnv(t, Config{})
	defer e.Close()
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)

	for _, kv := range [][2]string{{"aaaaa", "r1"}, {"bbbbb", "r2"}, {"ccccc", "r3"}} {
		_, err := db.Insert(nil, []byte(kv[0]), []byte(kv[1]), 0)
		require.NoError(t, err)
	}

	c := db.Cursor(nil)
	defer c.Close()

	k, r, err := c.Move(CursorFirst)
	require.NoError(t, err)
	require.Equal(t, []byte("aaaaa"), k)
	require.Equal(t, []byte("r1"), r)

	k, r, err = c.Move(CursorNext)
	require.NoError(t, err)
	require.Equal(t, []byte("bbbbb"), k)
	require.Equal(t, []byte("r2"), r)

	require.NoError(t, c.Erase())
	require.True(t, c.IsNil())

	k, r, err = c.Move(CursorFirst)
	require.NoError(t, err)
	require.Equal(t, []byte("aaaaa"), k)
	require.Equal(t, []byte("r1"), r)

	k, r, err = c.Move(CursorNext)
	require.NoError(t, err)
	require.Equal(t, []byte("ccccc"), k)
	require.Equal(t, []byte("r3"), r)

	_, _, err = c.Move(CursorNext)
	require.ErrorIs(t, err, dberr.ErrKeyNotFound)
}

// Scenario 3: cursor merge of a pending insert with the B-tree, and the
// view after the transaction aborts.
func TestCursorMergesTxnOpsWithBtree(t *testing.T) {
	e, _ := newTestEnv(t, Config{EnableTransactions: true})
	defer e.Close()
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)

	_, err = db.Insert(nil, []byte("22222"), []byte("abcde"), 0)
	require.NoError(t, err)

	t1, err := e.Begin(0)
	require.NoError(t, err)
	_, err = db.Insert(t1, []byte("11111"), []byte("xyzab"), 0)
	require.NoError(t, err)

	c := db.Cursor(t1)
	defer c.Close()

	k, r, err := c.Move(CursorFirst)
	require.NoError(t, err)
	require.Equal(t, []byte("11111"), k)
	require.Equal(t, []byte("xyzab"), r)

	k, r, err = c.Move(CursorNext)
	require.NoError(t, err)
	require.Equal(t, []byte("22222"), k)
	require.Equal(t, []byte("abcde"), r)

	_, _, err = c.Move(CursorNext)
	require.ErrorIs(t, err, dberr.ErrKeyNotFound)

	require.NoError(t, e.Abort(t1))

	k, r, err = c.Move(CursorFirst)
	require.NoError(t, err)
	require.Equal(t, []byte("22222"), k)
	require.Equal(t, []byte("abcde"), r)
}

// Scenario 4: auto-committed inserts survive a crash through journal
// recovery.
func TestRecoveryReplaysJournal(t *testing.T) {
	e, path := newTestEnv(t, Config{EnableTransactions: true})
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)

	for i := 1; i <= 100; i++ {
		_, err := db.Insert(nil, key5(i), key5(i), 0)
		require.NoError(t, err)
	}
	e.SimulateCrash()

	e2, err := Open(path, Config{EnableTransactions: true})
	require.NoError(t, err)
	defer e2.Close()
	db2, err := e2.OpenDatabase(1)
	require.NoError(t, err)

	count, err := db2.Count(nil, false)
	require.NoError(t, err)
	require.Equal(t, uint64(100), count)

	_, rec, err := db2.Find(nil, []byte("00050"), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("00050"), rec)
}

// Scenario 5: overwrite through one cursor, erase through another, both
// inside one transaction.
func TestOverwriteThenEraseThroughTwoCursors(t *testing.T) {
	e, _ := newTestEnv(t, Config{EnableTransactions: true})
	defer e.Close()
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)

	_, err = db.Insert(nil, []byte("key"), []byte("original"), 0)
	require.NoError(t, err)

	t1, err := e.Begin(0)
	require.NoError(t, err)
	a := db.Cursor(t1)
	b := db.Cursor(t1)
	defer a.Close()
	defer b.Close()

	_, _, err = a.Find([]byte("key"), 0)
	require.NoError(t, err)
	_, _, err = b.Find([]byte("key"), 0)
	require.NoError(t, err)

	require.NoError(t, a.Overwrite([]byte("updated")))
	require.NoError(t, b.Erase())
	require.True(t, a.IsNil())
	require.True(t, b.IsNil())

	a.Close()
	b.Close()
	require.NoError(t, e.Commit(t1))

	_, _, err = db.Find(nil, []byte("key"), 0)
	require.ErrorIs(t, err, dberr.ErrKeyNotFound, "no record and no duplicates remain")
}

// Scenario 6: a failure injected at the changeset flush after the commit's
// journal write-out; recovery restores every committed key and clears the
// journal.
func TestInducedChangesetFlushFailure(t *testing.T) {
	defer induce.Reset()
	e, path := newTestEnv(t, Config{EnableTransactions: true, EnableFsync: true})
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)

	t1, err := e.Begin(0)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := db.Insert(t1, key5(i), key5(i), 0)
		require.NoError(t, err)
	}

	induce.Activate(induce.PointChangesetFlush, 1)
	err = e.Commit(t1)
	require.ErrorIs(t, err, dberr.ErrIO)
	induce.Reset()
	e.Close()

	e2, err := Open(path, Config{EnableTransactions: true, EnableFsync: true})
	require.NoError(t, err)
	defer e2.Close()

	db2, err := e2.OpenDatabase(1)
	require.NoError(t, err)
	count, err := db2.Count(nil, false)
	require.NoError(t, err)
	require.Equal(t, uint64(10), count)

	require.Zero(t, e2.Metrics().JournalBytes, "recovery clears the journal files")
}

func TestOpenCloseOpenLeavesFileIdentical(t *testing.T) {
	e, path := newTestEnv(t, Config{EnableTransactions: true})
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := db.Insert(nil, key5(i), key5(i), 0)
		require.NoError(t, err)
	}
	require.NoError(t, e.Close())

	before, err := os.ReadFile(path)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		info, err := os.Stat(fmt.Sprintf("%s.jrn%d", path, i))
		require.NoError(t, err)
		require.Zero(t, info.Size(), "clean shutdown truncates the journal")
	}

	e2, err := Open(path, Config{EnableTransactions: true})
	require.NoError(t, err)
	require.NoError(t, e2.Close())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after, "open-close with no writes keeps the file byte-identical")
}

func TestTxnConflictDetection(t *testing.T) {
	e, _ := newTestEnv(t, Config{EnableTransactions: true})
	defer e.Close()
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)

	t1, err := e.Begin(0)
	require.NoError(t, err)
	t2, err := e.Begin(0)
	require.NoError(t, err)

	_, err = db.Insert(t1, []byte("contended"), []byte("a"), 0)
	require.NoError(t, err)
	_, err = db.Insert(t2, []byte("contended"), []byte("b"), 0)
	require.ErrorIs(t, err, dberr.ErrTxnConflict)

	require.NoError(t, e.Abort(t1))
	_, err = db.Insert(t2, []byte("contended"), []byte("b"), 0)
	require.NoError(t, err)
	require.NoError(t, e.Commit(t2))

	_, rec, err := db.Find(nil, []byte("contended"), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), rec)
	require.Equal(t, uint64(1), e.Metrics().TxnConflicts)
}

func TestCommitRefusedWhileCursorCoupled(t *testing.T) {
	e, _ := newTestEnv(t, Config{EnableTransactions: true})
	defer e.Close()
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)

	t1, err := e.Begin(0)
	require.NoError(t, err)
	_, err = db.Insert(t1, []byte("k"), []byte("v"), 0)
	require.NoError(t, err)

	c := db.Cursor(t1)
	_, _, err = c.Find([]byte("k"), 0)
	require.NoError(t, err)

	require.ErrorIs(t, e.Commit(t1), dberr.ErrCursorStillOpen)
	c.Close()
	require.NoError(t, e.Commit(t1))
}

func TestRecordNumberDatabase(t *testing.T) {
	e, path := newTestEnv(t, Config{EnableTransactions: true})
	db, err := e.CreateDatabase(DatabaseConfig{Name: 2, RecordNumber32: true})
	require.NoError(t, err)

	k1, err := db.Insert(nil, nil, []byte("first"), 0)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 0, 0, 0}, k1)
	k2, err := db.Insert(nil, nil, []byte("second"), 0)
	require.NoError(t, err)
	require.Equal(t, []byte{2, 0, 0, 0}, k2)

	_, rec, err := db.Find(nil, k1, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), rec)
	require.NoError(t, e.Close())

	// the counter resumes from the greatest key after reopen
	e2, err := Open(path, Config{EnableTransactions: true})
	require.NoError(t, err)
	defer e2.Close()
	db2, err := e2.OpenDatabase(2)
	require.NoError(t, err)
	k3, err := db2.Insert(nil, nil, []byte("third"), 0)
	require.NoError(t, err)
	require.Equal(t, []byte{3, 0, 0, 0}, k3)
}

func TestPartialRecordWrites(t *testing.T) {
	e, _ := newTestEnv(t, Config{EnableTransactions: true})
	defer e.Close()
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)

	_, err = db.Insert(nil, []byte("k"), []byte("hello world"), 0)
	require.NoError(t, err)
	require.NoError(t, db.InsertPartial(nil, []byte("k"), []byte("WORLD"), 6, 5, 0))

	_, rec, err := db.Find(nil, []byte("k"), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello WORLD"), rec)

	// extending past the end grows the record
	require.NoError(t, db.InsertPartial(nil, []byte("k"), []byte("!!"), 11, 2, 0))
	_, rec, err = db.Find(nil, []byte("k"), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello WORLD!!"), rec)
}

func TestDuplicateTraversalThroughCursor(t *testing.T) {
	e, _ := newTestEnv(t, Config{})
	defer e.Close()
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1, EnableDuplicates: true})
	require.NoError(t, err)

	_, err = db.Insert(nil, []byte("k"), []byte("r1"), 0)
	require.NoError(t, err)
	_, err = db.Insert(nil, []byte("k"), []byte("r2"), btree.FlagDuplicate)
	require.NoError(t, err)
	_, err = db.Insert(nil, []byte("z"), []byte("r3"), 0)
	require.NoError(t, err)

	c := db.Cursor(nil)
	defer c.Close()

	k, r, err := c.Move(CursorFirst)
	require.NoError(t, err)
	require.Equal(t, []byte("k"), k)
	require.Equal(t, []byte("r1"), r)
	dups, err := c.DupCount()
	require.NoError(t, err)
	require.Equal(t, 2, dups)

	k, r, err = c.Move(CursorNext)
	require.NoError(t, err)
	require.Equal(t, []byte("k"), k)
	require.Equal(t, []byte("r2"), r, "NEXT visits the second duplicate first")

	k, r, err = c.Move(CursorNext)
	require.NoError(t, err)
	require.Equal(t, []byte("z"), k)

	_, _, err = c.Move(CursorNext)
	require.ErrorIs(t, err, dberr.ErrKeyNotFound)
}

func TestFirstDirectionalMoveActsAsFirstOrLast(t *testing.T) {
	e, _ := newTestEnv(t, Config{})
	defer e.Close()
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := db.Insert(nil, key5(i), key5(i), 0)
		require.NoError(t, err)
	}

	c := db.Cursor(nil)
	k, _, err := c.Move(CursorNext)
	require.NoError(t, err)
	require.Equal(t, key5(0), k)
	c.Close()

	c = db.Cursor(nil)
	defer c.Close()
	k, _, err = c.Move(CursorPrevious)
	require.NoError(t, err)
	require.Equal(t, key5(4), k)
}

func TestDirectionSwitchVisitsEachKeyOnce(t *testing.T) {
	e, _ := newTestEnv(t, Config{EnableTransactions: true})
	defer e.Close()
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := db.Insert(nil, key5(i), key5(i), 0)
		require.NoError(t, err)
	}

	c := db.Cursor(nil)
	defer c.Close()
	_, _, err = c.Move(CursorFirst)
	require.NoError(t, err)
	k, _, err := c.Move(CursorNext)
	require.NoError(t, err)
	require.Equal(t, key5(1), k)

	k, _, err = c.Move(CursorPrevious)
	require.NoError(t, err)
	require.Equal(t, key5(0), k, "switching direction steps back exactly one key")

	k, _, err = c.Move(CursorNext)
	require.NoError(t, err)
	require.Equal(t, key5(1), k)
}

func TestApproxFindMergesPendingOps(t *testing.T) {
	e, _ := newTestEnv(t, Config{EnableTransactions: true})
	defer e.Close()
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)

	_, err = db.Insert(nil, []byte("bbb"), []byte("2"), 0)
	require.NoError(t, err)
	t1, err := e.Begin(0)
	require.NoError(t, err)
	defer e.Abort(t1)
	_, err = db.Insert(t1, []byte("aaa"), []byte("1"), 0)
	require.NoError(t, err)

	k, rec, err := db.Find(t1, []byte("a"), btree.FlagFindGEQ)
	require.NoError(t, err)
	require.Equal(t, []byte("aaa"), k)
	require.Equal(t, []byte("1"), rec)

	k, rec, err = db.Find(t1, []byte("zzz"), btree.FlagFindLEQ)
	require.NoError(t, err)
	require.Equal(t, []byte("bbb"), k)
	require.Equal(t, []byte("2"), rec)

	// a pending erase hides the B-tree key from approximate matches
	require.NoError(t, db.Erase(t1, []byte("bbb"), 0))
	k, _, err = db.Find(t1, []byte("zzz"), btree.FlagFindLEQ)
	require.NoError(t, err)
	require.Equal(t, []byte("aaa"), k)
}

func TestDatabaseLifecycleErrors(t *testing.T) {
	e, _ := newTestEnv(t, Config{})
	defer e.Close()
	_, err := e.OpenDatabase(9)
	require.ErrorIs(t, err, dberr.ErrDatabaseNotFound)

	_, err = e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)
	_, err = e.CreateDatabase(DatabaseConfig{Name: 1})
	require.ErrorIs(t, err, dberr.ErrDatabaseExists)
}

func TestMetricsSnapshot(t *testing.T) {
	e, _ := newTestEnv(t, Config{EnableTransactions: true})
	defer e.Close()
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := db.Insert(nil, key5(i), key5(i), 0)
		require.NoError(t, err)
	}
	m := e.Metrics()
	require.Positive(t, m.PagesAllocated)
	require.Positive(t, m.PageFlushes)
	require.Positive(t, m.JournalBytes)
	require.Equal(t, uint64(10), m.TxnCommits)
	require.Positive(t, m.CurrentLsn)
}

func TestReadOnlyEnvironmentRejectsWrites(t *testing.T) {
	e, path := newTestEnv(t, Config{})
	db, err := e.CreateDatabase(DatabaseConfig{Name: 1})
	require.NoError(t, err)
	_, err = db.Insert(nil, []byte("k"), []byte("v"), 0)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2, err := Open(path, Config{ReadOnly: true})
	require.NoError(t, err)
	defer e2.Close()
	db2, err := e2.OpenDatabase(1)
	require.NoError(t, err)

	_, rec, err := db2.Find(nil, []byte("k"), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), rec)

	_, err = db2.Insert(nil, []byte("x"), []byte("y"), 0)
	require.ErrorIs(t, err, dberr.ErrReadOnly)
}

func TestDatabasesListing(t *testing.T) {
	e, _ := newTestEnv(t, Config{})
	defer e.Close()
	_, err := e.CreateDatabase(DatabaseConfig{Name: 3})
	require.NoError(t, err)
	_, err = e.CreateDatabase(DatabaseConfig{Name: 7, EnableDuplicates: true})
	require.NoError(t, err)

	infos := e.Databases()
	require.Len(t, infos, 2)
	require.Equal(t, uint16(3), infos[0].Name)
	require.Equal(t, uint16(7), infos[1].Name)
}
