package device

import (
	"fmt"

	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/page"
)

// Memory is the in-memory device variant. Buffers are addressed by
// page-size multiples handed out by an internal counter; file-oriented
// operations report not-implemented.
type Memory struct {
	pageSize uint32
	limit    uint64

	arena map[uint64][]byte
	next  uint64
}

// NewMemory creates an in-memory device. limit of 0 means unlimited.
func NewMemory(pageSize uint32, limit uint64) *Memory {
	return &Memory{
		pageSize: pageSize,
		limit:    limit,
		arena:    make(map[uint64][]byte),
	}
}

func (m *Memory) Create() error { return nil }

func (m *Memory) Open(readonly bool) error {
	return fmt.Errorf("%w: open on in-memory device", dberr.ErrNotImplemented)
}

func (m *Memory) Close() error {
	m.arena = make(map[uint64][]byte)
	m.next = 0
	return nil
}

func (m *Memory) Flush() error { return nil }

func (m *Memory) Truncate(size uint64) error {
	for addr := range m.arena {
		if addr >= size {
			delete(m.arena, addr)
		}
	}
	if m.next > size {
		m.next = size
	}
	return nil
}

func (m *Memory) FileSize() (uint64, error) {
	return 0, fmt.Errorf("%w: file_size on in-memory device", dberr.ErrNotImplemented)
}

func (m *Memory) Read(offset uint64, buf []byte) error {
	return fmt.Errorf("%w: byte read on in-memory device", dberr.ErrNotImplemented)
}

func (m *Memory) Write(offset uint64, data []byte) error {
	return fmt.Errorf("%w: byte write on in-memory device", dberr.ErrNotImplemented)
}

func (m *Memory) ReadPage(p *page.Page) error {
	buf, ok := m.arena[p.Addr()]
	if !ok {
		return fmt.Errorf("%w: no page at address %d", dberr.ErrIO, p.Addr())
	}
	copy(p.Raw(), buf)
	return nil
}

func (m *Memory) WritePage(p *page.Page) error {
	buf, ok := m.arena[p.Addr()]
	if !ok {
		buf = make([]byte, m.pageSize)
		m.arena[p.Addr()] = buf
	}
	copy(buf, p.Raw())
	return nil
}

func (m *Memory) AllocPage() (uint64, error) {
	if m.limit != 0 && m.next+uint64(m.pageSize) > m.limit {
		return 0, fmt.Errorf("%w: in-memory arena limit %d exceeded", dberr.ErrLimitsReached, m.limit)
	}
	addr := m.next
	m.next += uint64(m.pageSize)
	m.arena[addr] = make([]byte, m.pageSize)
	return addr, nil
}

func (m *Memory) FreePage(p *page.Page) {
	delete(m.arena, p.Addr())
}

func (m *Memory) IsMapped(offset uint64) bool { return false }

func (m *Memory) InMemory() bool { return true }
