// Package pagemanager allocates, fetches, pins, flushes, evicts and frees
// pages. It owns the page cache and the freelist and persists its own state
// into dedicated state pages referenced from the environment header.
package pagemanager

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/device"
	"github.com/calderadb/caldera/core/page"
)

// Fetch flags.
const (
	// FetchOnlyFromCache fails with ErrKeyNotFound when the page is not
	// already cached instead of reading from the device.
	FetchOnlyFromCache uint32 = 1 << iota
	// FetchReadOnly keeps the page out of the context's changeset.
	FetchReadOnly
	// FetchNoHeader reads a continuation page (the whole buffer is
	// payload, no header decode).
	FetchNoHeader
)

// Alloc flags.
const (
	// AllocIgnoreFreelist always extends the arena instead of reusing a
	// free page.
	AllocIgnoreFreelist uint32 = 1 << iota
	// AllocNoStateStore suppresses the freelist-churn checkpoint check;
	// used while the state itself is being written.
	AllocNoStateStore
)

// purgeBatch bounds how many victims a single purge pass hands to the
// worker.
const purgeBatch = 32

// Config carries the page-manager related subset of the environment
// configuration.
type Config struct {
	PageSize       uint32
	CacheSizeBytes uint64
	EnableCRC      bool
	// CacheStrict fails allocations instead of growing past the cache
	// budget.
	CacheStrict bool
	// StateThreshold is the freelist churn that triggers a state
	// checkpoint; 0 selects a default.
	StateThreshold int
}

// Stats exposes the page manager's counters. All fields are read with
// atomic loads by the environment's metrics snapshot.
type Stats struct {
	CacheHits      atomic.Uint64
	CacheMisses    atomic.Uint64
	PagesAllocated atomic.Uint64
	PagesFreed     atomic.Uint64
	PageFlushes    atomic.Uint64
}

// PageManager exclusively owns every live page of an environment.
type PageManager struct {
	dev device.Device
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	cache    *cache
	freelist *freelist
	wrk      *worker

	// stateAddr is the first page of the persisted state chain, 0 when
	// none was written yet.
	stateAddr uint64
	// lastBlobPage is the page the blob manager packs small blobs into.
	lastBlobPage uint64

	stats Stats
}

// New creates a page manager on top of the given device.
func New(dev device.Device, cfg Config, log *zap.Logger) *PageManager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StateThreshold == 0 {
		cfg.StateThreshold = 64
	}
	return &PageManager{
		dev:      dev,
		cfg:      cfg,
		log:      log.With(zap.String("component", "pagemanager")),
		cache:    newCache(),
		freelist: newFreelist(cfg.PageSize),
		wrk:      newWorker(64),
	}
}

func (pm *PageManager) Stats() *Stats { return &pm.stats }

// LastBlobPage returns the address of the page small blobs are packed
// into, 0 when none.
func (pm *PageManager) LastBlobPage() uint64 { return pm.lastBlobPage }

func (pm *PageManager) SetLastBlobPage(addr uint64) { pm.lastBlobPage = addr }

// StateAddress returns the first page of the persisted state chain.
func (pm *PageManager) StateAddress() uint64 { return pm.stateAddr }

// Fetch returns the page at the given address, reading it from the device
// on a cache miss. Unless FetchReadOnly is set the page joins the
// context's changeset.
func (pm *PageManager) Fetch(ctx *Context, addr uint64, flags uint32) (*page.Page, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.fetchLocked(ctx, addr, flags)
}

func (pm *PageManager) fetchLocked(ctx *Context, addr uint64, flags uint32) (*page.Page, error) {
	if p := pm.cache.get(addr); p != nil {
		pm.stats.CacheHits.Add(1)
		pm.track(ctx, p, flags)
		return p, nil
	}
	if flags&FetchOnlyFromCache != 0 {
		return nil, fmt.Errorf("%w: page %d not cached", dberr.ErrKeyNotFound, addr)
	}
	pm.stats.CacheMisses.Add(1)

	p := page.New(addr, pm.cfg.PageSize)
	if flags&FetchNoHeader != 0 {
		p.SetWithoutHeader(true)
	}
	if err := pm.dev.ReadPage(p); err != nil {
		// An unreadable page aborts the operation and is not cached.
		return nil, err
	}
	if err := p.DecodeHeader(pm.cfg.EnableCRC); err != nil {
		return nil, err
	}
	p.SetDbName(ctx.DbName)
	pm.cache.put(p)
	pm.track(ctx, p, flags)
	return p, nil
}

func (pm *PageManager) track(ctx *Context, p *page.Page, flags uint32) {
	if flags&FetchReadOnly == 0 {
		ctx.Changeset.Put(p)
	}
}

// Alloc returns a fresh zeroed page, reusing the freelist unless
// suppressed. The page is dirty, typed and part of the changeset.
func (pm *PageManager) Alloc(ctx *Context, pageType page.Type, flags uint32) (*page.Page, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, err := pm.allocLocked(ctx, pageType, flags)
	if err != nil {
		return nil, err
	}
	if flags&AllocNoStateStore == 0 {
		pm.maybeStoreStateLocked(ctx, false)
	}
	return p, nil
}

func (pm *PageManager) allocLocked(ctx *Context, pageType page.Type, flags uint32) (*page.Page, error) {
	var addr uint64
	var fromFreelist bool
	if flags&AllocIgnoreFreelist == 0 {
		addr, fromFreelist = pm.freelist.allocSingle()
	}
	if !fromFreelist {
		var err error
		addr, err = pm.dev.AllocPage()
		if err != nil {
			return nil, err
		}
	}

	// A freed page may still sit in the cache under this address; reuse
	// the object so no stale copy survives.
	p := pm.cache.peek(addr)
	if p == nil {
		p = page.New(addr, pm.cfg.PageSize)
		pm.cache.put(p)
	} else {
		clear(p.Raw())
		p.SetWithoutHeader(false)
	}
	p.SetType(pageType)
	p.SetDbName(ctx.DbName)
	p.SetDirty(true)
	ctx.Changeset.Put(p)
	pm.stats.PagesAllocated.Add(1)
	return p, nil
}

// AllocBlobPages finds or creates n consecutive pages for a multi-page
// blob and returns the first. The trailing n-1 pages are continuation
// pages without a persisted header.
func (pm *PageManager) AllocBlobPages(ctx *Context, n uint64) (*page.Page, error) {
	if n == 0 {
		return nil, fmt.Errorf("%w: zero-length blob page run", dberr.ErrInvalidArgument)
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	addr, ok := pm.freelist.allocRun(n)
	if !ok {
		var err error
		addr, err = pm.dev.AllocPage()
		if err != nil {
			return nil, err
		}
		for i := uint64(1); i < n; i++ {
			if _, err := pm.dev.AllocPage(); err != nil {
				return nil, err
			}
		}
	}

	var first *page.Page
	for i := uint64(0); i < n; i++ {
		pageAddr := addr + i*uint64(pm.cfg.PageSize)
		p := pm.cache.peek(pageAddr)
		if p == nil {
			p = page.New(pageAddr, pm.cfg.PageSize)
			pm.cache.put(p)
		} else {
			clear(p.Raw())
		}
		if i == 0 {
			p.SetWithoutHeader(false)
			p.SetType(page.TypeBlob)
		} else {
			p.SetWithoutHeader(true)
		}
		p.SetDbName(ctx.DbName)
		p.SetDirty(true)
		ctx.Changeset.Put(p)
		if i == 0 {
			first = p
		}
	}
	pm.stats.PagesAllocated.Add(n)
	pm.maybeStoreStateLocked(ctx, false)
	return first, nil
}

// Del marks a run of n pages starting at p as free. The pages become
// eligible for eviction and for reuse.
func (pm *PageManager) Del(ctx *Context, p *page.Page, n uint64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.freelist.put(p.Addr(), n)
	pm.stats.PagesFreed.Add(n)
	for i := uint64(0); i < n; i++ {
		addr := p.Addr() + i*uint64(pm.cfg.PageSize)
		if cached := pm.cache.peek(addr); cached != nil {
			cached.SetDirty(false)
			if cached.Refs() == 0 {
				pm.cache.remove(cached)
				pm.dev.FreePage(cached)
			}
		}
	}
	if p.Addr() == pm.lastBlobPage {
		pm.lastBlobPage = 0
	}
}

// FlushAll writes every dirty page and fsyncs the device.
func (pm *PageManager) FlushAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.flushAllLocked()
}

func (pm *PageManager) flushAllLocked() error {
	var firstErr error
	pm.cache.forEach(func(p *page.Page) {
		if !p.IsDirty() {
			return
		}
		if err := pm.flushPageLocked(p); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	if firstErr != nil {
		return firstErr
	}
	return pm.dev.Flush()
}

// FlushPage writes a single dirty page to the device.
func (pm *PageManager) FlushPage(p *page.Page) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.flushPageLocked(p)
}

func (pm *PageManager) flushPageLocked(p *page.Page) error {
	p.EncodeHeader(pm.cfg.EnableCRC)
	if err := pm.dev.WritePage(p); err != nil {
		return err
	}
	p.SetDirty(false)
	pm.stats.PageFlushes.Add(1)
	return nil
}

// PurgeCache schedules LRU victims for flush and release on the worker
// when the cache exceeds its budget. Pinned pages are skipped.
func (pm *PageManager) PurgeCache(ctx *Context) {
	pm.mu.Lock()
	over := pm.cache.totalBytes(pm.cfg.PageSize) > pm.cfg.CacheSizeBytes
	if !over {
		pm.mu.Unlock()
		return
	}
	victims := pm.cache.victims(purgeBatch)
	addrs := make([]uint64, len(victims))
	for i, p := range victims {
		addrs[i] = p.Addr()
	}
	pm.mu.Unlock()

	pm.wrk.enqueue(func() {
		pm.mu.Lock()
		defer pm.mu.Unlock()
		for _, addr := range addrs {
			p := pm.cache.peek(addr)
			if p == nil || p.Refs() != 0 {
				continue
			}
			if p.IsDirty() {
				if err := pm.flushPageLocked(p); err != nil {
					pm.log.Error("purge flush failed",
						zap.Uint64("page", addr), zap.Error(err))
					continue
				}
			}
			pm.cache.remove(p)
			pm.dev.FreePage(p)
		}
	})
}

// CacheIsFull reports whether a strict cache would reject further growth.
func (pm *PageManager) CacheIsFull() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.cfg.CacheStrict &&
		pm.cache.totalBytes(pm.cfg.PageSize) >= pm.cfg.CacheSizeBytes
}

// CloseDatabase flushes and evicts every page tagged for the database.
func (pm *PageManager) CloseDatabase(ctx *Context, dbName uint16) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	var toEvict []*page.Page
	var firstErr error
	pm.cache.forEach(func(p *page.Page) {
		if p.DbName() != dbName {
			return
		}
		if p.IsDirty() {
			if err := pm.flushPageLocked(p); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if p.Refs() == 0 {
			toEvict = append(toEvict, p)
		}
	})
	for _, p := range toEvict {
		pm.cache.remove(p)
		pm.dev.FreePage(p)
	}
	return firstErr
}

// Reclaim truncates trailing free pages off the file.
func (pm *PageManager) Reclaim(ctx *Context) error {
	if pm.dev.InMemory() {
		return nil
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	fileSize, err := pm.dev.FileSize()
	if err != nil {
		return err
	}
	for {
		addr, n, ok := pm.freelist.trailingRun(fileSize)
		if !ok {
			return nil
		}
		for i := uint64(0); i < n; i++ {
			pageAddr := addr + i*uint64(pm.cfg.PageSize)
			if cached := pm.cache.peek(pageAddr); cached != nil && cached.Refs() == 0 {
				pm.cache.remove(cached)
			}
		}
		pm.freelist.remove(addr)
		fileSize = addr
		if err := pm.dev.Truncate(fileSize); err != nil {
			return err
		}
	}
}

// Close flushes everything, persists the state and shuts down the worker.
func (pm *PageManager) Close(ctx *Context) error {
	pm.wrk.close()
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if err := pm.storeStateLocked(ctx); err != nil {
		return err
	}
	return pm.flushAllLocked()
}

// CloseDiscard shuts down the worker without flushing; used after fatal
// errors and by read-only environments.
func (pm *PageManager) CloseDiscard() {
	pm.wrk.close()
}
