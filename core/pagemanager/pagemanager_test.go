package pagemanager

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calderadb/caldera/core/device"
	"github.com/calderadb/caldera/core/page"
)

const testPageSize = 1024

func newTestPM(t *testing.T) (*PageManager, device.Device) {
	t.Helper()
	dev := device.NewMemory(testPageSize, 0)
	require.NoError(t, dev.Create())
	pm := New(dev, Config{PageSize: testPageSize, CacheSizeBytes: 1 << 20}, nil)
	return pm, dev
}

func TestAllocAssignsSequentialAddresses(t *testing.T) {
	pm, _ := newTestPM(t)
	ctx := NewContext(0)
	defer ctx.Changeset.Clear()

	p0, err := pm.Alloc(ctx, page.TypeBlob, 0)
	require.NoError(t, err)
	p1, err := pm.Alloc(ctx, page.TypeBlob, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), p0.Addr())
	require.Equal(t, uint64(testPageSize), p1.Addr())
	require.True(t, p0.IsDirty())
	require.True(t, ctx.Changeset.Has(p1.Addr()))
}

func TestFetchReadsBackFlushedPage(t *testing.T) {
	pm, dev := newTestPM(t)
	ctx := NewContext(0)

	p, err := pm.Alloc(ctx, page.TypeBlob, 0)
	require.NoError(t, err)
	copy(p.Payload(), []byte("persisted payload"))
	require.NoError(t, pm.FlushAll())
	ctx.Changeset.Clear()

	// a second manager over the same device sees the data
	pm2 := New(dev, Config{PageSize: testPageSize, CacheSizeBytes: 1 << 20}, nil)
	ctx2 := NewContext(0)
	defer ctx2.Changeset.Clear()
	got, err := pm2.Fetch(ctx2, p.Addr(), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted payload"), got.Payload()[:17])
}

func TestFetchOnlyFromCache(t *testing.T) {
	pm, _ := newTestPM(t)
	ctx := NewContext(0)
	defer ctx.Changeset.Clear()

	_, err := pm.Fetch(ctx, 4096, FetchOnlyFromCache)
	require.Error(t, err)

	p, err := pm.Alloc(ctx, page.TypeBlob, 0)
	require.NoError(t, err)
	got, err := pm.Fetch(ctx, p.Addr(), FetchOnlyFromCache)
	require.NoError(t, err)
	require.Same(t, p, got)
}

func TestDelReturnsPagesToFreelist(t *testing.T) {
	pm, _ := newTestPM(t)
	ctx := NewContext(0)
	defer ctx.Changeset.Clear()

	p0, err := pm.Alloc(ctx, page.TypeBlob, 0)
	require.NoError(t, err)
	_, err = pm.Alloc(ctx, page.TypeBlob, 0)
	require.NoError(t, err)

	pm.Del(ctx, p0, 1)

	// the freed address is reused before the file grows
	p2, err := pm.Alloc(ctx, page.TypeBlob, 0)
	require.NoError(t, err)
	require.Equal(t, p0.Addr(), p2.Addr())
}

func TestAllocBlobPagesMarksContinuations(t *testing.T) {
	pm, _ := newTestPM(t)
	ctx := NewContext(0)
	defer ctx.Changeset.Clear()

	first, err := pm.AllocBlobPages(ctx, 3)
	require.NoError(t, err)
	require.False(t, first.IsWithoutHeader())
	require.Equal(t, page.TypeBlob, first.Type())

	next := ctx.Changeset.Get(first.Addr() + testPageSize)
	require.NotNil(t, next)
	require.True(t, next.IsWithoutHeader())
}

func TestStateStoreAndInitializeRoundTrip(t *testing.T) {
	pm, dev := newTestPM(t)
	ctx := NewContext(0)

	var pages []*page.Page
	for i := 0; i < 4; i++ {
		p, err := pm.Alloc(ctx, page.TypeBlob, 0)
		require.NoError(t, err)
		pages = append(pages, p)
	}
	pm.SetLastBlobPage(pages[3].Addr())
	ctx.Changeset.Clear()
	pm.Del(ctx, pages[1], 1)
	pm.Del(ctx, pages[2], 1)

	stateAddr, err := pm.StoreState(ctx)
	require.NoError(t, err)
	require.NotZero(t, stateAddr)
	require.NoError(t, pm.FlushAll())
	ctx.Changeset.Clear()

	pm2 := New(dev, Config{PageSize: testPageSize, CacheSizeBytes: 1 << 20}, nil)
	require.NoError(t, pm2.Initialize(stateAddr))
	require.Equal(t, pages[3].Addr(), pm2.LastBlobPage())

	// the restored freelist hands the freed pages back (merged run,
	// lowest address first)
	ctx2 := NewContext(0)
	defer ctx2.Changeset.Clear()
	p, err := pm2.Alloc(ctx2, page.TypeBlob, 0)
	require.NoError(t, err)
	require.Equal(t, pages[1].Addr(), p.Addr())
}

func TestCloseDatabaseEvictsTaggedPages(t *testing.T) {
	pm, _ := newTestPM(t)
	ctx := NewContext(7)

	p, err := pm.Alloc(ctx, page.TypeBtreeLeaf, 0)
	require.NoError(t, err)
	addr := p.Addr()
	ctx.Changeset.Clear()

	require.NoError(t, pm.CloseDatabase(ctx, 7))

	ctx2 := NewContext(7)
	defer ctx2.Changeset.Clear()
	_, err = pm.Fetch(ctx2, addr, FetchOnlyFromCache)
	require.Error(t, err, "page must be evicted after close")
}

func TestStatsCountersAdvance(t *testing.T) {
	pm, _ := newTestPM(t)
	ctx := NewContext(0)
	defer ctx.Changeset.Clear()

	p, err := pm.Alloc(ctx, page.TypeBlob, 0)
	require.NoError(t, err)
	_, err = pm.Fetch(ctx, p.Addr(), 0)
	require.NoError(t, err)
	require.NoError(t, pm.FlushAll())

	stats := pm.Stats()
	require.Equal(t, uint64(1), stats.PagesAllocated.Load())
	require.Equal(t, uint64(1), stats.CacheHits.Load())
	require.Equal(t, uint64(1), stats.PageFlushes.Load())
}
