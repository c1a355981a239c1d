package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/calderadb/caldera/core/blob"
	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/pagemanager"
)

// keyList is the uniform interface over the key layout variants. Slots are
// dense; count is owned by the node header and passed in.
type keyList interface {
	open(buf []byte)
	// key returns the key bytes at slot, resolving overflow blobs.
	key(ctx *pagemanager.Context, count, slot int) ([]byte, error)
	// canInsert reports whether one more key fits.
	canInsert(count int, key []byte) bool
	// insert places key at slot, shifting higher slots up.
	insert(ctx *pagemanager.Context, count, slot int, key []byte) error
	// erase removes slot, shifting higher slots down. Layouts that are
	// not delete-stable may fail with ErrLimitsReached.
	erase(ctx *pagemanager.Context, count, slot int) error
	// moveTo appends slots [srcStart, count) to dst, which holds
	// dstCount keys, and truncates them here.
	moveTo(ctx *pagemanager.Context, dst keyList, count, srcStart, dstCount int) error
	deleteStable() bool
}

// --- fixed-size POD layout ---

// podKeyList stores fixed-size keys back to back. It supports the packed
// scan fast path and is delete-stable.
type podKeyList struct {
	buf  []byte
	size int
}

func (l *podKeyList) open(buf []byte) { l.buf = buf }

func (l *podKeyList) key(ctx *pagemanager.Context, count, slot int) ([]byte, error) {
	off := slot * l.size
	return l.buf[off : off+l.size], nil
}

func (l *podKeyList) canInsert(count int, key []byte) bool {
	return (count+1)*l.size <= len(l.buf)
}

func (l *podKeyList) insert(ctx *pagemanager.Context, count, slot int, key []byte) error {
	if !l.canInsert(count, key) {
		return fmt.Errorf("%w: key list full", dberr.ErrLimitsReached)
	}
	copy(l.buf[(slot+1)*l.size:(count+1)*l.size], l.buf[slot*l.size:count*l.size])
	copy(l.buf[slot*l.size:], key)
	return nil
}

func (l *podKeyList) erase(ctx *pagemanager.Context, count, slot int) error {
	copy(l.buf[slot*l.size:], l.buf[(slot+1)*l.size:count*l.size])
	return nil
}

func (l *podKeyList) moveTo(ctx *pagemanager.Context, dst keyList, count, srcStart, dstCount int) error {
	d := dst.(*podKeyList)
	copy(d.buf[dstCount*l.size:], l.buf[srcStart*l.size:count*l.size])
	return nil
}

func (l *podKeyList) deleteStable() bool { return true }

// packedKeys returns the contiguous key array for scan visitors.
func (l *podKeyList) packedKeys(count int) []byte {
	return l.buf[:count*l.size]
}

// --- variable-size layout with overflow ---

// varKeyList keeps a slot directory at the front of its area and a key
// heap growing down from the end. Keys above the inline threshold are
// stored as overflow blobs with the 8-byte blob id in the heap.
//
// Slot directory entry: { offset u32, size u16, flags u8, _pad u8 }.
type varKeyList struct {
	buf   []byte
	blobs *blob.Manager
}

const (
	varSlotSize = 8
	varFlagOverflow = 1

	// varInlineMax is the largest key kept inline in the heap.
	varInlineMax = 64
)

func (l *varKeyList) open(buf []byte) { l.buf = buf }

func (l *varKeyList) slot(i int) (off uint32, size uint16, flags uint8) {
	base := i * varSlotSize
	off = binary.LittleEndian.Uint32(l.buf[base:])
	size = binary.LittleEndian.Uint16(l.buf[base+4:])
	flags = l.buf[base+6]
	return
}

func (l *varKeyList) setSlot(i int, off uint32, size uint16, flags uint8) {
	base := i * varSlotSize
	binary.LittleEndian.PutUint32(l.buf[base:], off)
	binary.LittleEndian.PutUint16(l.buf[base+4:], size)
	l.buf[base+6] = flags
	l.buf[base+7] = 0
}

// heapTop returns the lowest heap offset in use.
func (l *varKeyList) heapTop(count int) uint32 {
	top := uint32(len(l.buf))
	for i := 0; i < count; i++ {
		off, _, _ := l.slot(i)
		if off < top {
			top = off
		}
	}
	return top
}

// usedHeapBytes sums the live heap payload.
func (l *varKeyList) usedHeapBytes(count int) int {
	used := 0
	for i := 0; i < count; i++ {
		_, size, _ := l.slot(i)
		used += int(size)
	}
	return used
}

func (l *varKeyList) storedSize(key []byte) (stored int, overflow bool) {
	if len(key) > varInlineMax {
		return 8, true
	}
	return len(key), false
}

func (l *varKeyList) key(ctx *pagemanager.Context, count, slot int) ([]byte, error) {
	off, size, flags := l.slot(slot)
	raw := l.buf[off : off+uint32(size)]
	if flags&varFlagOverflow != 0 {
		return l.blobs.Read(ctx, binary.LittleEndian.Uint64(raw))
	}
	return raw, nil
}

func (l *varKeyList) canInsert(count int, key []byte) bool {
	stored, _ := l.storedSize(key)
	dirBytes := (count + 1) * varSlotSize
	// After a full vacuum the heap occupies exactly usedHeapBytes.
	return dirBytes+l.usedHeapBytes(count)+stored <= len(l.buf)
}

// vacuum repacks the heap against the end of the buffer.
func (l *varKeyList) vacuum(count int) {
	type entry struct {
		data  []byte
		size  uint16
		flags uint8
	}
	entries := make([]entry, count)
	for i := 0; i < count; i++ {
		off, size, flags := l.slot(i)
		data := make([]byte, size)
		copy(data, l.buf[off:off+uint32(size)])
		entries[i] = entry{data, size, flags}
	}
	top := uint32(len(l.buf))
	for i := 0; i < count; i++ {
		top -= uint32(entries[i].size)
		copy(l.buf[top:], entries[i].data)
		l.setSlot(i, top, entries[i].size, entries[i].flags)
	}
}

func (l *varKeyList) insert(ctx *pagemanager.Context, count, slot int, key []byte) error {
	if !l.canInsert(count, key) {
		return fmt.Errorf("%w: key list full", dberr.ErrLimitsReached)
	}
	stored, overflow := l.storedSize(key)

	top := l.heapTop(count)
	needDir := (count + 1) * varSlotSize
	if int(top)-stored < needDir {
		l.vacuum(count)
		top = l.heapTop(count)
	}

	var heap []byte
	var flags uint8
	if overflow {
		id, err := l.blobs.Allocate(ctx, key)
		if err != nil {
			return err
		}
		heap = make([]byte, 8)
		binary.LittleEndian.PutUint64(heap, id)
		flags = varFlagOverflow
	} else {
		heap = key
	}

	off := top - uint32(stored)
	copy(l.buf[off:], heap)

	// Shift the slot directory up and write the new entry.
	copy(l.buf[(slot+1)*varSlotSize:(count+1)*varSlotSize], l.buf[slot*varSlotSize:count*varSlotSize])
	l.setSlot(slot, off, uint16(stored), flags)
	return nil
}

func (l *varKeyList) erase(ctx *pagemanager.Context, count, slot int) error {
	off, _, flags := l.slot(slot)
	if flags&varFlagOverflow != 0 {
		id := binary.LittleEndian.Uint64(l.buf[off : off+8])
		if err := l.blobs.Erase(ctx, id); err != nil {
			return err
		}
	}
	// The heap gap is reclaimed by the next vacuum.
	copy(l.buf[slot*varSlotSize:], l.buf[(slot+1)*varSlotSize:count*varSlotSize])
	return nil
}

func (l *varKeyList) moveTo(ctx *pagemanager.Context, dst keyList, count, srcStart, dstCount int) error {
	d := dst.(*varKeyList)
	for i := srcStart; i < count; i++ {
		off, size, flags := l.slot(i)
		dstSlot := dstCount + (i - srcStart)
		top := d.heapTop(dstSlot)
		dstOff := top - uint32(size)
		copy(d.buf[dstOff:], l.buf[off:off+uint32(size)])
		d.setSlot(dstSlot, dstOff, size, flags)
	}
	return nil
}

func (l *varKeyList) deleteStable() bool { return true }
