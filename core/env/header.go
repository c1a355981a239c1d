package env

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/calderadb/caldera/core/btree"
	"github.com/calderadb/caldera/core/dberr"
)

// Header page payload layout:
//   [0:8]    magic
//   [8:12]   version u32
//   [12:16]  serialno u32
//   [16:20]  page_size u32
//   [20:22]  max_databases u16
//   [22:26]  flags u32
//   [26:34]  pagemanager state address u64
//   [34:42]  last lsn u64
//   [48:]    database table, one 32-byte descriptor per slot:
//            { dbname u16, key_type u8, key_size u16, record_type u8,
//              record_size u32, root_address u64, flags u32 }
var headerMagic = [8]byte{'c', 'a', 'l', 'd', 'e', 'r', 'a', 0}

const (
	headerVersion = 1

	headerDbTableOffset = 48
	dbDescriptorSize    = 32

	recordTypeVariable = 0
	recordTypeFixed    = 1
)

type dbDescriptor struct {
	name        uint16
	keyType     btree.KeyType
	keySize     uint32
	recordSize  uint32
	rootAddress uint64
	flags       uint32
}

func (e *Env) headerPayload() []byte {
	return e.headerPage.Payload()
}

func (e *Env) writeHeaderFields() {
	p := e.headerPayload()
	copy(p[0:8], headerMagic[:])
	binary.LittleEndian.PutUint32(p[8:12], headerVersion)
	binary.LittleEndian.PutUint32(p[12:16], e.serialno)
	binary.LittleEndian.PutUint32(p[16:20], e.cfg.PageSize)
	binary.LittleEndian.PutUint16(p[20:22], e.cfg.MaxDatabases)
	binary.LittleEndian.PutUint32(p[22:26], 0)
	binary.LittleEndian.PutUint64(p[26:34], e.pm.StateAddress())
	binary.LittleEndian.PutUint64(p[34:42], e.lsn)
	e.headerPage.SetDirty(true)
}

// parseHeaderPayload validates the magic and extracts the fixed fields.
func parseHeaderPayload(p []byte) (serialno uint32, pageSize uint32, maxDbs uint16,
	stateAddr uint64, lsn uint64, err error) {
	if !bytes.Equal(p[0:8], headerMagic[:]) {
		err = fmt.Errorf("%w: bad magic in header page", dberr.ErrCorrupt)
		return
	}
	if v := binary.LittleEndian.Uint32(p[8:12]); v != headerVersion {
		err = fmt.Errorf("%w: header version %d", dberr.ErrCorrupt, v)
		return
	}
	serialno = binary.LittleEndian.Uint32(p[12:16])
	pageSize = binary.LittleEndian.Uint32(p[16:20])
	maxDbs = binary.LittleEndian.Uint16(p[20:22])
	stateAddr = binary.LittleEndian.Uint64(p[26:34])
	lsn = binary.LittleEndian.Uint64(p[34:42])
	return
}

func (e *Env) dbDescriptorAt(slot int) dbDescriptor {
	p := e.headerPayload()[headerDbTableOffset+slot*dbDescriptorSize:]
	recordSize := binary.LittleEndian.Uint32(p[6:10])
	if p[5] == recordTypeVariable {
		recordSize = btree.UnlimitedRecordSize
	}
	return dbDescriptor{
		name:        binary.LittleEndian.Uint16(p[0:2]),
		keyType:     btree.KeyType(p[2]),
		keySize:     uint32(binary.LittleEndian.Uint16(p[3:5])),
		recordSize:  recordSize,
		rootAddress: binary.LittleEndian.Uint64(p[10:18]),
		flags:       binary.LittleEndian.Uint32(p[18:22]),
	}
}

func (e *Env) setDbDescriptorAt(slot int, d dbDescriptor) {
	p := e.headerPayload()[headerDbTableOffset+slot*dbDescriptorSize:]
	binary.LittleEndian.PutUint16(p[0:2], d.name)
	p[2] = uint8(d.keyType)
	binary.LittleEndian.PutUint16(p[3:5], uint16(d.keySize))
	if d.recordSize == btree.UnlimitedRecordSize {
		p[5] = recordTypeVariable
		binary.LittleEndian.PutUint32(p[6:10], 0)
	} else {
		p[5] = recordTypeFixed
		binary.LittleEndian.PutUint32(p[6:10], d.recordSize)
	}
	binary.LittleEndian.PutUint64(p[10:18], d.rootAddress)
	binary.LittleEndian.PutUint32(p[18:22], d.flags)
	e.headerPage.SetDirty(true)
}

// findDbSlot returns the table slot of the named database, or the first
// free slot when missing (second return false).
func (e *Env) findDbSlot(name uint16) (int, bool) {
	free := -1
	for slot := 0; slot < int(e.cfg.MaxDatabases); slot++ {
		d := e.dbDescriptorAt(slot)
		if d.name == name {
			return slot, true
		}
		if d.name == 0 && free < 0 {
			free = slot
		}
	}
	return free, false
}

// setRootAddress persists a database's new root in the header table.
func (e *Env) setRootAddress(slot int, addr uint64) {
	d := e.dbDescriptorAt(slot)
	d.rootAddress = addr
	e.setDbDescriptorAt(slot, d)
}

// DatabaseInfo is one row of the environment's database table.
type DatabaseInfo struct {
	Name       uint16
	KeyType    btree.KeyType
	KeySize    uint32
	RecordSize uint32
	Flags      uint32
}

// Databases lists the databases stored in the environment.
func (e *Env) Databases() []DatabaseInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []DatabaseInfo
	for slot := 0; slot < int(e.cfg.MaxDatabases); slot++ {
		d := e.dbDescriptorAt(slot)
		if d.name == 0 {
			continue
		}
		out = append(out, DatabaseInfo{
			Name:       d.name,
			KeyType:    d.keyType,
			KeySize:    d.keySize,
			RecordSize: d.recordSize,
			Flags:      d.flags,
		})
	}
	return out
}
