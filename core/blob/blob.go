// Package blob stores variable-sized records and overflow keys across one
// or more pages. Small blobs are packed into shared blob pages by a
// first-fit allocator with a per-page freelist; large blobs occupy runs of
// consecutive pages. A 64-bit blob id encodes (page address, byte offset).
package blob

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/page"
	"github.com/calderadb/caldera/core/pagemanager"
)

// Shared blob page payload layout:
//   [0:4]   used  - bytes occupied by live blob slots
//   [4:8]   tail  - offset of the first never-allocated byte
//   [8:72]  free table, 8 entries of {offset u32, size u32}
//   [72:]   blob slots
// Each slot is { size u32, allocated u32 } followed by the data; allocated
// is the slot's data capacity and allows in-place overwrites.
const (
	freeTableEntries = 8
	blobAreaStart    = 8 + freeTableEntries*8
	slotHeaderSize   = 8

	// largeBlobOffset is the payload-relative offset that identifies a
	// large blob id: large blobs start at the first payload byte, which
	// shared pages never hand out.
	largeBlobOffset = page.PersistedHeaderSize
)

// Manager implements blob allocation on top of the page manager.
type Manager struct {
	pm       *pagemanager.PageManager
	pageSize uint32
	log      *zap.Logger
}

func NewManager(pm *pagemanager.PageManager, pageSize uint32, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		pm:       pm,
		pageSize: pageSize,
		log:      log.With(zap.String("component", "blob")),
	}
}

func (m *Manager) payloadSize() uint32 { return page.PayloadSize(m.pageSize) }

// smallLimit is the largest data size stored in a shared blob page.
func (m *Manager) smallLimit() uint32 {
	return m.payloadSize() - blobAreaStart - slotHeaderSize
}

func (m *Manager) splitID(id uint64) (pageAddr uint64, rawOff uint32) {
	pageAddr = id - id%uint64(m.pageSize)
	rawOff = uint32(id % uint64(m.pageSize))
	return
}

// Allocate stores data and returns its blob id.
func (m *Manager) Allocate(ctx *pagemanager.Context, data []byte) (uint64, error) {
	if uint32(len(data)) <= m.smallLimit() {
		return m.allocateSmall(ctx, data)
	}
	return m.allocateLarge(ctx, data)
}

func (m *Manager) allocateSmall(ctx *pagemanager.Context, data []byte) (uint64, error) {
	need := uint32(len(data)) + slotHeaderSize

	var p *page.Page
	var off uint32
	var slotCap uint32

	if addr := m.pm.LastBlobPage(); addr != 0 {
		fetched, err := m.pm.Fetch(ctx, addr, 0)
		if err != nil {
			return 0, err
		}
		if o, c, ok := m.findSpace(fetched, need); ok {
			p, off, slotCap = fetched, o, c
		}
	}
	if p == nil {
		fresh, err := m.pm.Alloc(ctx, page.TypeBlob, 0)
		if err != nil {
			return 0, err
		}
		initBlobPage(fresh)
		m.pm.SetLastBlobPage(fresh.Addr())
		o, c, ok := m.findSpace(fresh, need)
		if !ok {
			return 0, fmt.Errorf("%w: fresh blob page cannot host %d bytes",
				dberr.ErrInternal, need)
		}
		p, off, slotCap = fresh, o, c
	}

	payload := p.Payload()
	binary.LittleEndian.PutUint32(payload[off:], uint32(len(data)))
	binary.LittleEndian.PutUint32(payload[off+4:], slotCap)
	copy(payload[off+slotHeaderSize:], data)

	used := binary.LittleEndian.Uint32(payload[0:4])
	binary.LittleEndian.PutUint32(payload[0:4], used+slotCap+slotHeaderSize)
	p.SetDirty(true)

	return p.Addr() + uint64(page.PersistedHeaderSize) + uint64(off), nil
}

func initBlobPage(p *page.Page) {
	payload := p.Payload()
	binary.LittleEndian.PutUint32(payload[0:4], 0)
	binary.LittleEndian.PutUint32(payload[4:8], blobAreaStart)
	for i := 0; i < freeTableEntries; i++ {
		binary.LittleEndian.PutUint32(payload[8+i*8:], 0)
		binary.LittleEndian.PutUint32(payload[12+i*8:], 0)
	}
}

// findSpace locates a first-fit gap for a slot of the given total size and
// claims it. Returns the payload offset and the slot's data capacity.
func (m *Manager) findSpace(p *page.Page, need uint32) (uint32, uint32, bool) {
	payload := p.Payload()
	for i := 0; i < freeTableEntries; i++ {
		off := binary.LittleEndian.Uint32(payload[8+i*8:])
		size := binary.LittleEndian.Uint32(payload[12+i*8:])
		if size < need {
			continue
		}
		// Keep a residual gap only when it can host another slot.
		if size-need >= slotHeaderSize+8 {
			binary.LittleEndian.PutUint32(payload[8+i*8:], off+need)
			binary.LittleEndian.PutUint32(payload[12+i*8:], size-need)
			return off, need - slotHeaderSize, true
		}
		binary.LittleEndian.PutUint32(payload[8+i*8:], 0)
		binary.LittleEndian.PutUint32(payload[12+i*8:], 0)
		return off, size - slotHeaderSize, true
	}
	tail := binary.LittleEndian.Uint32(payload[4:8])
	if m.payloadSize()-tail >= need {
		binary.LittleEndian.PutUint32(payload[4:8], tail+need)
		return tail, need - slotHeaderSize, true
	}
	return 0, 0, false
}

// largePageCount returns the number of pages a large blob of the given
// data capacity occupies.
func (m *Manager) largePageCount(capacity uint32) uint64 {
	total := uint64(capacity) + slotHeaderSize
	firstCap := uint64(m.payloadSize()) - slotHeaderSize
	if total <= firstCap+slotHeaderSize {
		return 1
	}
	rest := total - slotHeaderSize - firstCap
	return 1 + (rest+uint64(m.pageSize)-1)/uint64(m.pageSize)
}

func (m *Manager) allocateLarge(ctx *pagemanager.Context, data []byte) (uint64, error) {
	size := uint32(len(data))
	pages := m.largePageCount(size)
	first, err := m.pm.AllocBlobPages(ctx, pages)
	if err != nil {
		return 0, err
	}
	payload := first.Payload()
	binary.LittleEndian.PutUint32(payload[0:4], size)
	binary.LittleEndian.PutUint32(payload[4:8], size)
	if err := m.writeLargeData(ctx, first, data); err != nil {
		return 0, err
	}
	return first.Addr() + largeBlobOffset, nil
}

func (m *Manager) writeLargeData(ctx *pagemanager.Context, first *page.Page, data []byte) error {
	payload := first.Payload()
	n := copy(payload[slotHeaderSize:], data)
	first.SetDirty(true)
	data = data[n:]

	addr := first.Addr() + uint64(m.pageSize)
	for len(data) > 0 {
		p, err := m.pm.Fetch(ctx, addr, pagemanager.FetchNoHeader)
		if err != nil {
			return err
		}
		n := copy(p.Raw(), data)
		p.SetDirty(true)
		data = data[n:]
		addr += uint64(m.pageSize)
	}
	return nil
}

// Read returns the blob's data.
func (m *Manager) Read(ctx *pagemanager.Context, id uint64) ([]byte, error) {
	pageAddr, rawOff := m.splitID(id)
	if rawOff == largeBlobOffset {
		return m.readLarge(ctx, pageAddr)
	}
	p, err := m.pm.Fetch(ctx, pageAddr, pagemanager.FetchReadOnly)
	if err != nil {
		return nil, err
	}
	payload := p.Payload()
	off := rawOff - page.PersistedHeaderSize
	if off < blobAreaStart || uint32(len(payload)) < off+slotHeaderSize {
		return nil, fmt.Errorf("%w: blob id %d out of range", dberr.ErrCorrupt, id)
	}
	size := binary.LittleEndian.Uint32(payload[off:])
	if uint32(len(payload)) < off+slotHeaderSize+size {
		return nil, fmt.Errorf("%w: blob id %d size %d out of range", dberr.ErrCorrupt, id, size)
	}
	out := make([]byte, size)
	copy(out, payload[off+slotHeaderSize:])
	return out, nil
}

func (m *Manager) readLarge(ctx *pagemanager.Context, pageAddr uint64) ([]byte, error) {
	first, err := m.pm.Fetch(ctx, pageAddr, pagemanager.FetchReadOnly)
	if err != nil {
		return nil, err
	}
	payload := first.Payload()
	size := binary.LittleEndian.Uint32(payload[0:4])
	out := make([]byte, 0, size)

	n := uint32(len(payload)) - slotHeaderSize
	if n > size {
		n = size
	}
	out = append(out, payload[slotHeaderSize:slotHeaderSize+n]...)
	remaining := size - n

	addr := pageAddr + uint64(m.pageSize)
	for remaining > 0 {
		p, err := m.pm.Fetch(ctx, addr, pagemanager.FetchReadOnly|pagemanager.FetchNoHeader)
		if err != nil {
			return nil, err
		}
		n := uint32(len(p.Raw()))
		if n > remaining {
			n = remaining
		}
		out = append(out, p.Raw()[:n]...)
		remaining -= n
		addr += uint64(m.pageSize)
	}
	return out, nil
}

// Overwrite replaces the blob's data, reusing the storage when it fits and
// relocating (returning a new id) when it does not. The old blob is freed
// on relocation.
func (m *Manager) Overwrite(ctx *pagemanager.Context, id uint64, data []byte) (uint64, error) {
	pageAddr, rawOff := m.splitID(id)
	p, err := m.pm.Fetch(ctx, pageAddr, 0)
	if err != nil {
		return 0, err
	}
	payload := p.Payload()

	if rawOff == largeBlobOffset {
		allocated := binary.LittleEndian.Uint32(payload[4:8])
		if uint32(len(data)) <= allocated {
			binary.LittleEndian.PutUint32(payload[0:4], uint32(len(data)))
			if err := m.writeLargeData(ctx, p, data); err != nil {
				return 0, err
			}
			return id, nil
		}
	} else {
		off := rawOff - page.PersistedHeaderSize
		allocated := binary.LittleEndian.Uint32(payload[off+4:])
		if uint32(len(data)) <= allocated {
			binary.LittleEndian.PutUint32(payload[off:], uint32(len(data)))
			copy(payload[off+slotHeaderSize:], data)
			p.SetDirty(true)
			return id, nil
		}
	}

	newID, err := m.Allocate(ctx, data)
	if err != nil {
		return 0, err
	}
	if err := m.Erase(ctx, id); err != nil {
		return 0, err
	}
	return newID, nil
}

// Erase frees the blob's storage. A shared page whose last blob is erased
// is returned to the freelist.
func (m *Manager) Erase(ctx *pagemanager.Context, id uint64) error {
	pageAddr, rawOff := m.splitID(id)
	p, err := m.pm.Fetch(ctx, pageAddr, 0)
	if err != nil {
		return err
	}
	payload := p.Payload()

	if rawOff == largeBlobOffset {
		allocated := binary.LittleEndian.Uint32(payload[4:8])
		m.pm.Del(ctx, p, m.largePageCount(allocated))
		return nil
	}

	off := rawOff - page.PersistedHeaderSize
	allocated := binary.LittleEndian.Uint32(payload[off+4:])
	slotSize := allocated + slotHeaderSize

	used := binary.LittleEndian.Uint32(payload[0:4])
	if used <= slotSize {
		m.pm.Del(ctx, p, 1)
		return nil
	}
	binary.LittleEndian.PutUint32(payload[0:4], used-slotSize)

	// Record the gap; a full free table just loses the space until the
	// page drains completely.
	for i := 0; i < freeTableEntries; i++ {
		if binary.LittleEndian.Uint32(payload[12+i*8:]) == 0 {
			binary.LittleEndian.PutUint32(payload[8+i*8:], off)
			binary.LittleEndian.PutUint32(payload[12+i*8:], slotSize)
			break
		}
	}
	p.SetDirty(true)
	return nil
}
