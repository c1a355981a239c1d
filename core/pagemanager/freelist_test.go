package pagemanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreelistPutMergesAdjacentRuns(t *testing.T) {
	f := newFreelist(1024)

	f.put(4096, 1)
	f.put(5120, 2) // directly after the first run
	require.Equal(t, 1, f.count())
	require.Equal(t, uint64(3), f.runs[4096])

	f.put(3072, 1) // directly before
	require.Equal(t, 1, f.count())
	require.Equal(t, uint64(4), f.runs[3072])
}

func TestFreelistAllocSingleIsFirstFit(t *testing.T) {
	f := newFreelist(1024)
	f.put(8192, 1)
	f.put(2048, 1)

	addr, ok := f.allocSingle()
	require.True(t, ok)
	require.Equal(t, uint64(2048), addr, "lowest address wins")

	addr, ok = f.allocSingle()
	require.True(t, ok)
	require.Equal(t, uint64(8192), addr)

	_, ok = f.allocSingle()
	require.False(t, ok)
}

func TestFreelistAllocSingleSplitsRun(t *testing.T) {
	f := newFreelist(1024)
	f.put(4096, 3)

	addr, ok := f.allocSingle()
	require.True(t, ok)
	require.Equal(t, uint64(4096), addr)
	require.Equal(t, uint64(2), f.runs[4096+1024])
}

func TestFreelistAllocRunIsBestFit(t *testing.T) {
	f := newFreelist(1024)
	f.put(1024, 8)
	f.put(20480, 3)

	addr, ok := f.allocRun(3)
	require.True(t, ok)
	require.Equal(t, uint64(20480), addr, "the tighter run wins")

	// residual splitting
	addr, ok = f.allocRun(2)
	require.True(t, ok)
	require.Equal(t, uint64(1024), addr)
	require.Equal(t, uint64(6), f.runs[1024+2*1024])

	_, ok = f.allocRun(10)
	require.False(t, ok)
}

func TestFreelistEncodeDecodeRoundTrip(t *testing.T) {
	f := newFreelist(1024)
	f.put(1024, 2)
	f.put(8192, 5)
	f.put(65536, 1)

	g := newFreelist(1024)
	g.decode(f.encode())
	require.Equal(t, f.runs, g.runs)
}

func TestFreelistTrailingRun(t *testing.T) {
	f := newFreelist(1024)
	f.put(2048, 2) // covers [2048, 4096)

	addr, n, ok := f.trailingRun(4096)
	require.True(t, ok)
	require.Equal(t, uint64(2048), addr)
	require.Equal(t, uint64(2), n)

	_, _, ok = f.trailingRun(8192)
	require.False(t, ok)
}
