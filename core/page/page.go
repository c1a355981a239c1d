// Package page provides the fixed-size page abstraction shared by the
// device, page manager, blob manager and B-tree layers. A page is a raw
// buffer whose first bytes hold the persisted header (address, flags,
// checksum); everything after the header is type-dependent payload.
package page

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/calderadb/caldera/core/dberr"
)

const (
	// PersistedHeaderSize is the number of bytes occupied by the
	// persisted page header: address (8), flags (4), crc32 (4).
	PersistedHeaderSize = 16

	// DefaultSize is the default page size in bytes.
	DefaultSize = 16 * 1024
)

// Type tags a page with the role it plays in the file.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeHeader
	TypeBtreeRoot
	TypeBtreeInternal
	TypeBtreeLeaf
	TypeBlob
	TypeFreelist
	TypeState // page-manager state
)

func (t Type) String() string {
	switch t {
	case TypeHeader:
		return "header"
	case TypeBtreeRoot:
		return "btree-root"
	case TypeBtreeInternal:
		return "btree-internal"
	case TypeBtreeLeaf:
		return "btree-leaf"
	case TypeBlob:
		return "blob"
	case TypeFreelist:
		return "freelist"
	case TypeState:
		return "state"
	default:
		return "unknown"
	}
}

const (
	flagTypeMask uint32 = 0x0000_00ff
	// FlagWithoutHeader marks a continuation page of a multi-page blob:
	// the whole buffer is payload and no header is persisted.
	FlagWithoutHeader uint32 = 1 << 8
)

// Page is an in-memory copy of a disk page. Pages are owned exclusively by
// the PageManager; the cache, changesets and cursors hold counted
// references.
type Page struct {
	addr  uint64
	raw   []byte
	flags uint32

	dirty bool
	refs  int
	lsn   uint64

	// dbName tags the page with the database it belongs to so that
	// closing a database can flush and evict its pages.
	dbName uint16

	// cacheElem is maintained by the page cache (LRU linkage).
	cacheElem *list.Element
}

// New allocates a zeroed page of the given size.
func New(addr uint64, size uint32) *Page {
	return &Page{
		addr: addr,
		raw:  make([]byte, size),
	}
}

func (p *Page) Addr() uint64        { return p.addr }
func (p *Page) SetAddr(addr uint64) { p.addr = addr }

// Raw returns the full page buffer including the persisted header.
func (p *Page) Raw() []byte { return p.raw }

// Payload returns the type-dependent payload area. For pages flagged
// without-header the whole buffer is payload.
func (p *Page) Payload() []byte {
	if p.flags&FlagWithoutHeader != 0 {
		return p.raw
	}
	return p.raw[PersistedHeaderSize:]
}

// PayloadSize returns the usable payload size for a page of the given
// total size.
func PayloadSize(pageSize uint32) uint32 {
	return pageSize - PersistedHeaderSize
}

func (p *Page) Size() uint32 { return uint32(len(p.raw)) }

func (p *Page) Type() Type { return Type(p.flags & flagTypeMask) }
func (p *Page) SetType(t Type) {
	p.flags = (p.flags &^ flagTypeMask) | uint32(t)
}

func (p *Page) IsWithoutHeader() bool { return p.flags&FlagWithoutHeader != 0 }
func (p *Page) SetWithoutHeader(b bool) {
	if b {
		p.flags |= FlagWithoutHeader
	} else {
		p.flags &^= FlagWithoutHeader
	}
}

func (p *Page) IsDirty() bool     { return p.dirty }
func (p *Page) SetDirty(d bool)   { p.dirty = d }
func (p *Page) Lsn() uint64       { return p.lsn }
func (p *Page) SetLsn(lsn uint64) { p.lsn = lsn }

func (p *Page) DbName() uint16       { return p.dbName }
func (p *Page) SetDbName(name uint16) { p.dbName = name }

// Retain bumps the reference count. A page with a non-zero count is pinned
// and must not be evicted.
func (p *Page) Retain() { p.refs++ }

// Release drops a reference acquired with Retain.
func (p *Page) Release() {
	if p.refs > 0 {
		p.refs--
	}
}

func (p *Page) Refs() int { return p.refs }

func (p *Page) CacheElem() *list.Element        { return p.cacheElem }
func (p *Page) SetCacheElem(elem *list.Element) { p.cacheElem = elem }

// EncodeHeader writes address and flags into the persisted header and, when
// withCrc is set, stamps the CRC32 of the payload. Must be called before a
// page is written to the device.
func (p *Page) EncodeHeader(withCrc bool) {
	if p.flags&FlagWithoutHeader != 0 {
		return
	}
	binary.LittleEndian.PutUint64(p.raw[0:8], p.addr)
	binary.LittleEndian.PutUint32(p.raw[8:12], p.flags)
	var crc uint32
	if withCrc {
		crc = crc32.ChecksumIEEE(p.raw[PersistedHeaderSize:])
	}
	binary.LittleEndian.PutUint32(p.raw[12:16], crc)
}

// DecodeHeader restores flags from the persisted header and verifies the
// stored address and, when withCrc is set, the payload checksum.
func (p *Page) DecodeHeader(withCrc bool) error {
	if p.flags&FlagWithoutHeader != 0 {
		return nil
	}
	storedAddr := binary.LittleEndian.Uint64(p.raw[0:8])
	if storedAddr != 0 && storedAddr != p.addr {
		return fmt.Errorf("%w: page at %d claims address %d", dberr.ErrCorrupt, p.addr, storedAddr)
	}
	p.flags = binary.LittleEndian.Uint32(p.raw[8:12])
	if withCrc {
		stored := binary.LittleEndian.Uint32(p.raw[12:16])
		calculated := crc32.ChecksumIEEE(p.raw[PersistedHeaderSize:])
		if stored != calculated {
			return fmt.Errorf("%w: page %d stored 0x%x calculated 0x%x",
				dberr.ErrChecksumMismatch, p.addr, stored, calculated)
		}
	}
	return nil
}
