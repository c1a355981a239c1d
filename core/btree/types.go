// Package btree implements the per-database ordered index: slotted nodes
// with pluggable key and record layouts, root-to-leaf traversal, proactive
// splits, opportunistic merges and cursor coupling.
package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/calderadb/caldera/core/dberr"
)

// KeyType selects the key encoding and comparator of a database.
type KeyType uint8

const (
	KeyBinary KeyType = iota
	KeyUInt8
	KeyUInt16
	KeyUInt32
	KeyUInt64
	KeyReal32
	KeyReal64
)

// UnlimitedKeySize marks variable-sized binary keys.
const UnlimitedKeySize uint32 = 0

// UnlimitedRecordSize marks variable-sized records.
const UnlimitedRecordSize uint32 = math.MaxUint32

// FixedSize returns the encoded size of a typed key, or 0 for binary.
func (t KeyType) FixedSize() uint32 {
	switch t {
	case KeyUInt8:
		return 1
	case KeyUInt16:
		return 2
	case KeyUInt32, KeyReal32:
		return 4
	case KeyUInt64, KeyReal64:
		return 8
	default:
		return 0
	}
}

// Operation flags shared by insert, erase, find and cursor moves.
const (
	FlagOverwrite uint32 = 1 << iota
	FlagDuplicate
	FlagDuplicateInsertBefore
	FlagDuplicateInsertAfter
	FlagDuplicateInsertFirst
	FlagDuplicateInsertLast
	FlagHintAppend
	FlagHintPrepend
	FlagPartial
	FlagFindLT
	FlagFindGT
	FlagFindLEQ
	FlagFindGEQ
	FlagDontLock
)

// FlagHintMask covers the append/prepend hints; journal replay strips them.
const FlagHintMask = FlagHintAppend | FlagHintPrepend

const anyFindFlag = FlagFindLT | FlagFindGT | FlagFindLEQ | FlagFindGEQ

// CompareFunc orders two encoded keys: negative, zero or positive.
type CompareFunc func(a, b []byte) int

// CompareForKeyType builds the comparator for a key type: lexicographic
// for binary, numeric for typed keys.
func CompareForKeyType(t KeyType) CompareFunc {
	switch t {
	case KeyUInt8:
		return func(a, b []byte) int { return int(a[0]) - int(b[0]) }
	case KeyUInt16:
		return func(a, b []byte) int {
			return compareUint64(uint64(binary.LittleEndian.Uint16(a)), uint64(binary.LittleEndian.Uint16(b)))
		}
	case KeyUInt32:
		return func(a, b []byte) int {
			return compareUint64(uint64(binary.LittleEndian.Uint32(a)), uint64(binary.LittleEndian.Uint32(b)))
		}
	case KeyUInt64:
		return func(a, b []byte) int {
			return compareUint64(binary.LittleEndian.Uint64(a), binary.LittleEndian.Uint64(b))
		}
	case KeyReal32:
		return func(a, b []byte) int {
			return compareFloat64(float64(math.Float32frombits(binary.LittleEndian.Uint32(a))),
				float64(math.Float32frombits(binary.LittleEndian.Uint32(b))))
		}
	case KeyReal64:
		return func(a, b []byte) int {
			return compareFloat64(math.Float64frombits(binary.LittleEndian.Uint64(a)),
				math.Float64frombits(binary.LittleEndian.Uint64(b)))
		}
	default:
		return bytes.Compare
	}
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ValidateKey rejects keys the layout cannot represent: empty keys, NaN
// floats, and wrong sizes for typed keys.
func ValidateKey(t KeyType, keySize uint32, key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", dberr.ErrInvalidArgument)
	}
	if fixed := t.FixedSize(); fixed != 0 {
		if uint32(len(key)) != fixed {
			return fmt.Errorf("%w: key size %d, expected %d", dberr.ErrInvalidArgument, len(key), fixed)
		}
	} else if keySize != UnlimitedKeySize && uint32(len(key)) != keySize {
		return fmt.Errorf("%w: key size %d, expected %d", dberr.ErrInvalidArgument, len(key), keySize)
	}
	switch t {
	case KeyReal32:
		f := math.Float32frombits(binary.LittleEndian.Uint32(key))
		if f != f {
			return fmt.Errorf("%w: NaN keys are unordered", dberr.ErrInvalidArgument)
		}
	case KeyReal64:
		f := math.Float64frombits(binary.LittleEndian.Uint64(key))
		if f != f {
			return fmt.Errorf("%w: NaN keys are unordered", dberr.ErrInvalidArgument)
		}
	}
	return nil
}

// Config describes the index of one database.
type Config struct {
	DbName     uint16
	KeyType    KeyType
	KeySize    uint32 // 0 = unlimited (binary only)
	RecordSize uint32 // 0 or UnlimitedRecordSize = variable
	// Duplicates allows multiple records per key.
	Duplicates bool
	// KeyCompression selects the snappy block key layout.
	KeyCompression bool
}
