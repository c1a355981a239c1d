package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"

	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/pagemanager"
)

// compressedKeyList stores all keys of a node as one snappy-compressed
// block: { compressed_len u32 } followed by the block. The uncompressed
// block is a sequence of { size u16, key bytes } entries. Every mutation
// re-encodes the block; because a delete can make the compressed image
// grow, this layout is NOT delete-stable and erase may report
// limits-reached, which the B-tree resolves by splitting and retrying.
type compressedKeyList struct {
	buf []byte
}

func (l *compressedKeyList) open(buf []byte) { l.buf = buf }

func (l *compressedKeyList) decode(count int) ([][]byte, error) {
	if count == 0 {
		return nil, nil
	}
	compLen := binary.LittleEndian.Uint32(l.buf[0:4])
	if int(compLen)+4 > len(l.buf) {
		return nil, fmt.Errorf("%w: compressed key block length %d", dberr.ErrCorrupt, compLen)
	}
	block, err := snappy.Decode(nil, l.buf[4:4+compLen])
	if err != nil {
		return nil, fmt.Errorf("%w: compressed key block: %v", dberr.ErrCorrupt, err)
	}
	keys := make([][]byte, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		if off+2 > len(block) {
			return nil, fmt.Errorf("%w: compressed key block truncated at %d", dberr.ErrCorrupt, i)
		}
		size := int(binary.LittleEndian.Uint16(block[off:]))
		off += 2
		if off+size > len(block) {
			return nil, fmt.Errorf("%w: compressed key %d overruns block", dberr.ErrCorrupt, i)
		}
		keys = append(keys, block[off:off+size])
		off += size
	}
	return keys, nil
}

func (l *compressedKeyList) encode(keys [][]byte) error {
	size := 0
	for _, k := range keys {
		size += 2 + len(k)
	}
	block := make([]byte, size)
	off := 0
	for _, k := range keys {
		binary.LittleEndian.PutUint16(block[off:], uint16(len(k)))
		copy(block[off+2:], k)
		off += 2 + len(k)
	}
	compressed := snappy.Encode(nil, block)
	if 4+len(compressed) > len(l.buf) {
		return fmt.Errorf("%w: compressed key block needs %d of %d bytes",
			dberr.ErrLimitsReached, 4+len(compressed), len(l.buf))
	}
	binary.LittleEndian.PutUint32(l.buf[0:4], uint32(len(compressed)))
	copy(l.buf[4:], compressed)
	return nil
}

func (l *compressedKeyList) key(ctx *pagemanager.Context, count, slot int) ([]byte, error) {
	keys, err := l.decode(count)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(keys[slot]))
	copy(out, keys[slot])
	return out, nil
}

func (l *compressedKeyList) canInsert(count int, key []byte) bool {
	// Snappy's worst case is a small constant plus n/6 growth; estimate
	// against the uncompressed size to stay conservative.
	keys, err := l.decode(count)
	if err != nil {
		return false
	}
	size := 2 + len(key)
	for _, k := range keys {
		size += 2 + len(k)
	}
	return 4+snappy.MaxEncodedLen(size) <= len(l.buf)
}

func (l *compressedKeyList) insert(ctx *pagemanager.Context, count, slot int, key []byte) error {
	keys, err := l.decode(count)
	if err != nil {
		return err
	}
	keys = append(keys, nil)
	copy(keys[slot+1:], keys[slot:])
	keys[slot] = key
	return l.encode(keys)
}

func (l *compressedKeyList) erase(ctx *pagemanager.Context, count, slot int) error {
	keys, err := l.decode(count)
	if err != nil {
		return err
	}
	keys = append(keys[:slot], keys[slot+1:]...)
	return l.encode(keys)
}

func (l *compressedKeyList) moveTo(ctx *pagemanager.Context, dst keyList, count, srcStart, dstCount int) error {
	d := dst.(*compressedKeyList)
	keys, err := l.decode(count)
	if err != nil {
		return err
	}
	dstKeys, err := d.decode(dstCount)
	if err != nil {
		return err
	}
	dstKeys = append(dstKeys, keys[srcStart:]...)
	if err := d.encode(dstKeys); err != nil {
		return err
	}
	return l.encode(keys[:srcStart])
}

func (l *compressedKeyList) deleteStable() bool { return false }
