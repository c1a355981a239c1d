package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calderadb/caldera/core/txn"
)

const testPageSize = 1024

func newTestJournal(t *testing.T, cfg Config) (*Journal, string) {
	t.Helper()
	base := filepath.Join(t.TempDir(), "db")
	cfg.BaseName = base
	j := New(cfg, testPageSize, nil)
	require.NoError(t, j.Create())
	t.Cleanup(func() { j.Close() })
	return j, base
}

// fakeTarget records every replay callback.
type fakeTarget struct {
	events []string
	pages  map[uint64][]byte
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{pages: make(map[uint64][]byte)}
}

func (f *fakeTarget) ApplyPageImage(addr uint64, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	f.pages[addr] = buf
	f.events = append(f.events, fmt.Sprintf("page:%d", addr))
	return nil
}

func (f *fakeTarget) SetLastBlobPage(addr uint64) {
	f.events = append(f.events, fmt.Sprintf("blobpage:%d", addr))
}

func (f *fakeTarget) ChangesetsDone() error {
	f.events = append(f.events, "changesets-done")
	return nil
}

func (f *fakeTarget) ReplayTxnBegin(id uint64) error {
	f.events = append(f.events, fmt.Sprintf("begin:%d", id))
	return nil
}

func (f *fakeTarget) ReplayTxnCommit(id uint64) error {
	f.events = append(f.events, fmt.Sprintf("commit:%d", id))
	return nil
}

func (f *fakeTarget) ReplayTxnAbort(id uint64) error {
	f.events = append(f.events, fmt.Sprintf("abort:%d", id))
	return nil
}

func (f *fakeTarget) ReplayInsert(dbname uint16, txnID uint64, key, record []byte,
	flags, partialSize, partialOffset uint32) error {
	f.events = append(f.events, fmt.Sprintf("insert:%d:%s=%s", txnID, key, record))
	return nil
}

func (f *fakeTarget) ReplayErase(dbname uint16, txnID uint64, key []byte,
	duplicate, flags uint32) error {
	f.events = append(f.events, fmt.Sprintf("erase:%d:%s", txnID, key))
	return nil
}

func TestAppendAndRecoverOps(t *testing.T) {
	j, _ := newTestJournal(t, Config{})
	mgr := txn.NewManager()

	t1 := mgr.Begin(0)
	require.NoError(t, j.AppendTxnBegin(t1, 1))
	require.NoError(t, j.AppendInsert(1, t1, 2, []byte("key1"), []byte("rec1"), 0, 0, 0))
	require.NoError(t, j.AppendErase(1, t1, 3, []byte("key0"), 0, 0))
	require.NoError(t, j.AppendTxnCommit(t1, 4))

	target := newFakeTarget()
	_, err := j.Recover(target, true)
	require.NoError(t, err)
	require.Equal(t, []string{
		"changesets-done",
		fmt.Sprintf("begin:%d", t1.ID()),
		fmt.Sprintf("insert:%d:key1=rec1", t1.ID()),
		fmt.Sprintf("erase:%d:key0", t1.ID()),
		fmt.Sprintf("commit:%d", t1.ID()),
	}, target.events)
}

func TestTemporaryTxnLogsAsIDZero(t *testing.T) {
	j, _ := newTestJournal(t, Config{})
	mgr := txn.NewManager()
	tmp := mgr.Begin(txn.FlagTemporary)

	require.NoError(t, j.AppendInsert(1, tmp, 1, []byte("k"), []byte("v"), 0, 0, 0))
	require.NoError(t, j.Flush())

	target := newFakeTarget()
	_, err := j.Recover(target, true)
	require.NoError(t, err)
	require.Equal(t, []string{"changesets-done", "insert:0:k=v"}, target.events)
}

func TestChangesetRedoSkipsOlderOps(t *testing.T) {
	j, _ := newTestJournal(t, Config{})
	mgr := txn.NewManager()
	tmp := mgr.Begin(txn.FlagTemporary)

	require.NoError(t, j.AppendInsert(1, tmp, 1, []byte("covered"), []byte("v"), 0, 0, 0))

	image := make([]byte, testPageSize)
	copy(image, "page image")
	require.NoError(t, j.AppendChangeset(2, []ChangesetPage{{Address: 4096, Data: image}}, 8192))

	tmp2 := mgr.Begin(txn.FlagTemporary)
	require.NoError(t, j.AppendInsert(1, tmp2, 3, []byte("after"), []byte("v2"), 0, 0, 0))
	require.NoError(t, j.Flush())

	target := newFakeTarget()
	maxLsn, err := j.Recover(target, true)
	require.NoError(t, err)
	require.Equal(t, uint64(3), maxLsn)
	require.Equal(t, []string{
		"page:4096",
		"blobpage:8192",
		"changesets-done",
		"insert:0:after=v2",
	}, target.events)
	require.Equal(t, image, target.pages[4096])
}

func TestRotationSwitchesFiles(t *testing.T) {
	j, base := newTestJournal(t, Config{SwitchThreshold: 2})
	mgr := txn.NewManager()

	for i := 0; i < 3; i++ {
		tmp := mgr.Begin(txn.FlagTemporary)
		require.NoError(t, j.AppendInsert(1, tmp, uint64(i+1),
			[]byte(fmt.Sprintf("k%d", i)), []byte("v"), 0, 0, 0))
	}
	require.NoError(t, j.Flush())

	info1, err := os.Stat(base + ".jrn1")
	require.NoError(t, err)
	require.Positive(t, info1.Size(), "the third op rotates into the second file")
}

func TestRotationKeepsOpenTxnFile(t *testing.T) {
	j, _ := newTestJournal(t, Config{SwitchThreshold: 1})
	mgr := txn.NewManager()

	open := mgr.Begin(0)
	require.NoError(t, j.AppendTxnBegin(open, 1)) // stays open in file 0

	// File 0 is at the threshold and file 1 has no open transactions, so
	// this begin rotates into file 1. Only the file taken over (file 1) is
	// truncated; file 0 keeps the open transaction's begin entry.
	other := mgr.Begin(0)
	require.NoError(t, j.AppendTxnBegin(other, 2))
	require.NoError(t, j.AppendTxnCommit(other, 3))
	require.NoError(t, j.Flush())

	// The open txn's file must never have been truncated: its begin
	// entry is still recoverable.
	target := newFakeTarget()
	_, err := j.Recover(target, true)
	require.NoError(t, err)
	require.Contains(t, target.events, fmt.Sprintf("begin:%d", open.ID()))
}

func TestClearTruncatesBothFiles(t *testing.T) {
	j, base := newTestJournal(t, Config{})
	mgr := txn.NewManager()
	tmp := mgr.Begin(txn.FlagTemporary)
	require.NoError(t, j.AppendInsert(1, tmp, 1, []byte("k"), []byte("v"), 0, 0, 0))
	require.NoError(t, j.Flush())
	require.Positive(t, j.Size())

	require.NoError(t, j.Clear())
	require.Zero(t, j.Size())
	for i := 0; i < 2; i++ {
		info, err := os.Stat(fmt.Sprintf("%s.jrn%d", base, i))
		require.NoError(t, err)
		require.Zero(t, info.Size())
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, kind := range []Compression{CompressionSnappy, CompressionLZ4} {
		t.Run(string(kind), func(t *testing.T) {
			j, _ := newTestJournal(t, Config{Compression: kind})
			mgr := txn.NewManager()
			tmp := mgr.Begin(txn.FlagTemporary)

			// highly repetitive payloads compress well
			key := []byte("kkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkk")
			rec := make([]byte, 512)
			require.NoError(t, j.AppendInsert(1, tmp, 1, key, rec, 0, 0, 0))

			image := make([]byte, testPageSize) // zeros compress to almost nothing
			require.NoError(t, j.AppendChangeset(2, []ChangesetPage{{Address: 0, Data: image}}, 0))
			require.NoError(t, j.Flush())

			target := newFakeTarget()
			_, err := j.Recover(target, true)
			require.NoError(t, err)
			require.Equal(t, image, target.pages[0])
			require.Contains(t, target.events, "changesets-done")
		})
	}
}

func TestRecoveryStopsAtTornEntry(t *testing.T) {
	j, base := newTestJournal(t, Config{})
	mgr := txn.NewManager()
	tmp := mgr.Begin(txn.FlagTemporary)
	require.NoError(t, j.AppendInsert(1, tmp, 1, []byte("intact"), []byte("v"), 0, 0, 0))
	tmp2 := mgr.Begin(txn.FlagTemporary)
	require.NoError(t, j.AppendInsert(1, tmp2, 2, []byte("torn"), []byte("v"), 0, 0, 0))
	require.NoError(t, j.Flush())

	// chop the tail of the active file mid-entry
	path := base + ".jrn0"
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-5))

	target := newFakeTarget()
	_, err = j.Recover(target, true)
	require.NoError(t, err)
	require.Equal(t, []string{"changesets-done", "insert:0:intact=v"}, target.events)
}

func TestExists(t *testing.T) {
	base := filepath.Join(t.TempDir(), "db")
	require.False(t, Exists(base))

	j := New(Config{BaseName: base}, testPageSize, nil)
	require.NoError(t, j.Create())
	defer j.Close()
	require.False(t, Exists(base), "empty files do not require recovery")

	mgr := txn.NewManager()
	tmp := mgr.Begin(txn.FlagTemporary)
	require.NoError(t, j.AppendInsert(1, tmp, 1, []byte("k"), []byte("v"), 0, 0, 0))
	require.NoError(t, j.Flush())
	require.True(t, Exists(base))
}
