package blob

import (
	"encoding/binary"
	"fmt"

	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/pagemanager"
)

// A duplicate table holds the ordered records of a single key once inline
// duplicates exceed their threshold. It is stored as a regular blob:
// { count u32, capacity u32 } followed by count entries { size u32, data }.
type DupTable struct {
	Capacity uint32
	Records  [][]byte
}

const dupTableMinCapacity = 8

// NewDupTable builds an in-memory table from the given records.
func NewDupTable(records ...[]byte) *DupTable {
	t := &DupTable{Records: records}
	t.Capacity = dupTableMinCapacity
	for t.Capacity < uint32(len(records)) {
		t.Capacity *= 2
	}
	return t
}

func (t *DupTable) Count() uint32 { return uint32(len(t.Records)) }

// Insert places rec at position pos (clamped to the table size).
func (t *DupTable) Insert(pos int, rec []byte) {
	if pos < 0 || pos > len(t.Records) {
		pos = len(t.Records)
	}
	t.Records = append(t.Records, nil)
	copy(t.Records[pos+1:], t.Records[pos:])
	t.Records[pos] = rec
	for t.Capacity < uint32(len(t.Records)) {
		t.Capacity *= 2
	}
}

// Erase removes the record at pos.
func (t *DupTable) Erase(pos int) error {
	if pos < 0 || pos >= len(t.Records) {
		return fmt.Errorf("%w: duplicate index %d of %d", dberr.ErrKeyNotFound, pos, len(t.Records))
	}
	t.Records = append(t.Records[:pos], t.Records[pos+1:]...)
	return nil
}

func (t *DupTable) encode() []byte {
	size := 8
	for _, r := range t.Records {
		size += 4 + len(r)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(t.Records)))
	binary.LittleEndian.PutUint32(buf[4:8], t.Capacity)
	off := 8
	for _, r := range t.Records {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(r)))
		copy(buf[off+4:], r)
		off += 4 + len(r)
	}
	return buf
}

func decodeDupTable(buf []byte) (*DupTable, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: truncated duplicate table", dberr.ErrCorrupt)
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	t := &DupTable{
		Capacity: binary.LittleEndian.Uint32(buf[4:8]),
		Records:  make([][]byte, 0, count),
	}
	off := 8
	for i := uint32(0); i < count; i++ {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("%w: duplicate table entry %d out of range", dberr.ErrCorrupt, i)
		}
		size := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+size > len(buf) {
			return nil, fmt.Errorf("%w: duplicate table entry %d size %d out of range", dberr.ErrCorrupt, i, size)
		}
		rec := make([]byte, size)
		copy(rec, buf[off:off+size])
		t.Records = append(t.Records, rec)
		off += size
	}
	return t, nil
}

// ReadDupTable loads a duplicate table blob.
func (m *Manager) ReadDupTable(ctx *pagemanager.Context, id uint64) (*DupTable, error) {
	buf, err := m.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeDupTable(buf)
}

// WriteDupTable stores the table; id 0 allocates a new blob. The returned
// id may differ from the input when the blob had to relocate.
func (m *Manager) WriteDupTable(ctx *pagemanager.Context, id uint64, t *DupTable) (uint64, error) {
	buf := t.encode()
	if id == 0 {
		return m.Allocate(ctx, buf)
	}
	return m.Overwrite(ctx, id, buf)
}

// EraseDupTable frees the table blob.
func (m *Manager) EraseDupTable(ctx *pagemanager.Context, id uint64) error {
	return m.Erase(ctx, id)
}
