package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/calderadb/caldera/core/blob"
	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/pagemanager"
)

// recordList is the uniform interface over record layout variants. Slot
// shifting (insertSlot/eraseSlot) moves entries only; record storage is
// set and freed through the record operations.
type recordList interface {
	open(buf []byte)
	entrySize() int
	record(ctx *pagemanager.Context, slot, dup int) ([]byte, error)
	recordCount(ctx *pagemanager.Context, slot int) (int, error)
	setRecord(ctx *pagemanager.Context, slot, dup int, data []byte) error
	// addDuplicate inserts data at duplicate position pos (negative
	// appends).
	addDuplicate(ctx *pagemanager.Context, slot, pos int, data []byte) error
	// eraseRecord frees storage: dup >= 0 removes one duplicate and
	// returns the remaining count; dup < 0 removes everything.
	eraseRecord(ctx *pagemanager.Context, slot, dup int) (int, error)
	insertSlot(count, slot int)
	eraseSlot(count, slot int)
	moveTo(dst recordList, count, srcStart, dstCount int)
}

// --- internal nodes: child page addresses ---

type internalRecordList struct {
	buf []byte
}

func (l *internalRecordList) open(buf []byte) { l.buf = buf }
func (l *internalRecordList) entrySize() int  { return 8 }

func (l *internalRecordList) child(slot int) uint64 {
	return binary.LittleEndian.Uint64(l.buf[slot*8:])
}

func (l *internalRecordList) setChild(slot int, addr uint64) {
	binary.LittleEndian.PutUint64(l.buf[slot*8:], addr)
}

func (l *internalRecordList) record(ctx *pagemanager.Context, slot, dup int) ([]byte, error) {
	out := make([]byte, 8)
	copy(out, l.buf[slot*8:])
	return out, nil
}

func (l *internalRecordList) recordCount(ctx *pagemanager.Context, slot int) (int, error) {
	return 1, nil
}

func (l *internalRecordList) setRecord(ctx *pagemanager.Context, slot, dup int, data []byte) error {
	copy(l.buf[slot*8:(slot+1)*8], data)
	return nil
}

func (l *internalRecordList) addDuplicate(ctx *pagemanager.Context, slot, pos int, data []byte) error {
	return fmt.Errorf("%w: duplicates in internal node", dberr.ErrInternal)
}

func (l *internalRecordList) eraseRecord(ctx *pagemanager.Context, slot, dup int) (int, error) {
	return 0, nil
}

func (l *internalRecordList) insertSlot(count, slot int) {
	copy(l.buf[(slot+1)*8:(count+1)*8], l.buf[slot*8:count*8])
}

func (l *internalRecordList) eraseSlot(count, slot int) {
	copy(l.buf[slot*8:], l.buf[(slot+1)*8:count*8])
}

func (l *internalRecordList) moveTo(dst recordList, count, srcStart, dstCount int) {
	d := dst.(*internalRecordList)
	copy(d.buf[dstCount*8:], l.buf[srcStart*8:count*8])
}

// --- fixed-size inline records ---

type fixedRecordList struct {
	buf  []byte
	size int
}

func (l *fixedRecordList) open(buf []byte) { l.buf = buf }
func (l *fixedRecordList) entrySize() int  { return l.size }

func (l *fixedRecordList) record(ctx *pagemanager.Context, slot, dup int) ([]byte, error) {
	out := make([]byte, l.size)
	copy(out, l.buf[slot*l.size:])
	return out, nil
}

func (l *fixedRecordList) recordCount(ctx *pagemanager.Context, slot int) (int, error) {
	return 1, nil
}

func (l *fixedRecordList) setRecord(ctx *pagemanager.Context, slot, dup int, data []byte) error {
	if len(data) != l.size {
		return fmt.Errorf("%w: record size %d, expected %d", dberr.ErrInvalidArgument, len(data), l.size)
	}
	copy(l.buf[slot*l.size:], data)
	return nil
}

func (l *fixedRecordList) addDuplicate(ctx *pagemanager.Context, slot, pos int, data []byte) error {
	return fmt.Errorf("%w: duplicates need variable records", dberr.ErrInvalidArgument)
}

func (l *fixedRecordList) eraseRecord(ctx *pagemanager.Context, slot, dup int) (int, error) {
	return 0, nil
}

func (l *fixedRecordList) insertSlot(count, slot int) {
	copy(l.buf[(slot+1)*l.size:(count+1)*l.size], l.buf[slot*l.size:count*l.size])
}

func (l *fixedRecordList) eraseSlot(count, slot int) {
	copy(l.buf[slot*l.size:], l.buf[(slot+1)*l.size:count*l.size])
}

func (l *fixedRecordList) moveTo(dst recordList, count, srcStart, dstCount int) {
	d := dst.(*fixedRecordList)
	copy(d.buf[dstCount*l.size:], l.buf[srcStart*l.size:count*l.size])
}

// --- default layout: inline-or-blob with duplicate tables ---

// defaultRecordList entries are 9 bytes: { flags u8, payload u64 }.
// Records of up to 8 bytes live inline (size in the flag bits); larger
// records and duplicate tables are blobs referenced by id.
type defaultRecordList struct {
	buf   []byte
	blobs *blob.Manager
}

const (
	recEntrySize     = 9
	recInlineSizeMask = 0x0f
	recFlagBlob       = 1 << 4
	recFlagDupTable   = 1 << 5
)

func (l *defaultRecordList) open(buf []byte) { l.buf = buf }
func (l *defaultRecordList) entrySize() int  { return recEntrySize }

func (l *defaultRecordList) entry(slot int) (flags uint8, payload uint64) {
	base := slot * recEntrySize
	return l.buf[base], binary.LittleEndian.Uint64(l.buf[base+1:])
}

func (l *defaultRecordList) setEntry(slot int, flags uint8, payload uint64) {
	base := slot * recEntrySize
	l.buf[base] = flags
	binary.LittleEndian.PutUint64(l.buf[base+1:], payload)
}

func (l *defaultRecordList) record(ctx *pagemanager.Context, slot, dup int) ([]byte, error) {
	flags, payload := l.entry(slot)
	if flags&recFlagDupTable != 0 {
		table, err := l.blobs.ReadDupTable(ctx, payload)
		if err != nil {
			return nil, err
		}
		if dup < 0 || dup >= len(table.Records) {
			return nil, fmt.Errorf("%w: duplicate %d of %d", dberr.ErrKeyNotFound, dup, len(table.Records))
		}
		return table.Records[dup], nil
	}
	if dup > 0 {
		return nil, fmt.Errorf("%w: duplicate %d of 1", dberr.ErrKeyNotFound, dup)
	}
	if flags&recFlagBlob != 0 {
		return l.blobs.Read(ctx, payload)
	}
	size := int(flags & recInlineSizeMask)
	base := slot * recEntrySize
	out := make([]byte, size)
	copy(out, l.buf[base+1:base+1+size])
	return out, nil
}

func (l *defaultRecordList) recordCount(ctx *pagemanager.Context, slot int) (int, error) {
	flags, payload := l.entry(slot)
	if flags&recFlagDupTable == 0 {
		return 1, nil
	}
	table, err := l.blobs.ReadDupTable(ctx, payload)
	if err != nil {
		return 0, err
	}
	return int(table.Count()), nil
}

// storeSingle encodes data into the entry, reusing or freeing the old
// blob as needed.
func (l *defaultRecordList) storeSingle(ctx *pagemanager.Context, slot int, data []byte, oldFlags uint8, oldPayload uint64) error {
	if len(data) <= 8 {
		if oldFlags&recFlagBlob != 0 {
			if err := l.blobs.Erase(ctx, oldPayload); err != nil {
				return err
			}
		}
		base := slot * recEntrySize
		l.buf[base] = uint8(len(data))
		copy(l.buf[base+1:], data)
		for i := len(data); i < 8; i++ {
			l.buf[base+1+i] = 0
		}
		return nil
	}
	var id uint64
	var err error
	if oldFlags&recFlagBlob != 0 {
		id, err = l.blobs.Overwrite(ctx, oldPayload, data)
	} else {
		id, err = l.blobs.Allocate(ctx, data)
	}
	if err != nil {
		return err
	}
	l.setEntry(slot, recFlagBlob, id)
	return nil
}

func (l *defaultRecordList) setRecord(ctx *pagemanager.Context, slot, dup int, data []byte) error {
	flags, payload := l.entry(slot)
	if flags&recFlagDupTable != 0 {
		table, err := l.blobs.ReadDupTable(ctx, payload)
		if err != nil {
			return err
		}
		if dup < 0 || dup >= len(table.Records) {
			return fmt.Errorf("%w: duplicate %d of %d", dberr.ErrKeyNotFound, dup, len(table.Records))
		}
		table.Records[dup] = data
		id, err := l.blobs.WriteDupTable(ctx, payload, table)
		if err != nil {
			return err
		}
		l.setEntry(slot, recFlagDupTable, id)
		return nil
	}
	return l.storeSingle(ctx, slot, data, flags, payload)
}

func (l *defaultRecordList) addDuplicate(ctx *pagemanager.Context, slot, pos int, data []byte) error {
	flags, payload := l.entry(slot)
	if flags&recFlagDupTable != 0 {
		table, err := l.blobs.ReadDupTable(ctx, payload)
		if err != nil {
			return err
		}
		if pos < 0 {
			pos = len(table.Records)
		}
		table.Insert(pos, data)
		id, err := l.blobs.WriteDupTable(ctx, payload, table)
		if err != nil {
			return err
		}
		l.setEntry(slot, recFlagDupTable, id)
		return nil
	}

	// Promote the single record to a duplicate table.
	existing, err := l.record(ctx, slot, 0)
	if err != nil {
		return err
	}
	if flags&recFlagBlob != 0 {
		if err := l.blobs.Erase(ctx, payload); err != nil {
			return err
		}
	}
	table := blob.NewDupTable(existing)
	if pos < 0 {
		pos = 1
	}
	table.Insert(pos, data)
	id, err := l.blobs.WriteDupTable(ctx, 0, table)
	if err != nil {
		return err
	}
	l.setEntry(slot, recFlagDupTable, id)
	return nil
}

func (l *defaultRecordList) eraseRecord(ctx *pagemanager.Context, slot, dup int) (int, error) {
	flags, payload := l.entry(slot)
	if flags&recFlagDupTable != 0 {
		table, err := l.blobs.ReadDupTable(ctx, payload)
		if err != nil {
			return 0, err
		}
		if dup < 0 {
			if err := l.blobs.EraseDupTable(ctx, payload); err != nil {
				return 0, err
			}
			l.setEntry(slot, 0, 0)
			return 0, nil
		}
		if err := table.Erase(dup); err != nil {
			return 0, err
		}
		if table.Count() == 0 {
			if err := l.blobs.EraseDupTable(ctx, payload); err != nil {
				return 0, err
			}
			l.setEntry(slot, 0, 0)
			return 0, nil
		}
		id, err := l.blobs.WriteDupTable(ctx, payload, table)
		if err != nil {
			return 0, err
		}
		l.setEntry(slot, recFlagDupTable, id)
		return int(table.Count()), nil
	}
	if flags&recFlagBlob != 0 {
		if err := l.blobs.Erase(ctx, payload); err != nil {
			return 0, err
		}
	}
	l.setEntry(slot, 0, 0)
	return 0, nil
}

func (l *defaultRecordList) insertSlot(count, slot int) {
	copy(l.buf[(slot+1)*recEntrySize:(count+1)*recEntrySize], l.buf[slot*recEntrySize:count*recEntrySize])
	l.setEntry(slot, 0, 0)
}

func (l *defaultRecordList) eraseSlot(count, slot int) {
	copy(l.buf[slot*recEntrySize:], l.buf[(slot+1)*recEntrySize:count*recEntrySize])
}

func (l *defaultRecordList) moveTo(dst recordList, count, srcStart, dstCount int) {
	d := dst.(*defaultRecordList)
	copy(d.buf[dstCount*recEntrySize:], l.buf[srcStart*recEntrySize:count*recEntrySize])
}
