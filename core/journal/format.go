package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/calderadb/caldera/core/dberr"
)

// Entry types.
const (
	EntryTxnBegin uint8 = iota + 1
	EntryTxnAbort
	EntryTxnCommit
	EntryInsert
	EntryErase
	EntryChangeset
)

// entryHeaderSize is the common header:
// { lsn u64, txn_id u64, dbname u16, type u8, _pad u8, followup_size u32 }.
const entryHeaderSize = 24

const (
	insertPayloadHeader = 24
	erasePayloadHeader  = 12
	changesetHeader     = 12
	changesetPageHeader = 16
)

// Entry is one decoded journal entry.
type Entry struct {
	Lsn    uint64
	TxnID  uint64
	DbName uint16
	Type   uint8

	// insert
	Key           []byte
	Record        []byte
	InsertFlags   uint32
	PartialSize   uint32
	PartialOffset uint32

	// erase
	Duplicate  uint32
	EraseFlags uint32

	// changeset
	LastBlobPage uint64
	Pages        []ChangesetPage
}

// ChangesetPage is one page image inside a changeset entry.
type ChangesetPage struct {
	Address uint64
	Data    []byte
}

func putEntryHeader(buf []byte, lsn, txnID uint64, dbname uint16, entryType uint8, followup uint32) {
	binary.LittleEndian.PutUint64(buf[0:8], lsn)
	binary.LittleEndian.PutUint64(buf[8:16], txnID)
	binary.LittleEndian.PutUint16(buf[16:18], dbname)
	buf[18] = entryType
	buf[19] = 0
	binary.LittleEndian.PutUint32(buf[20:24], followup)
}

// encodeInsert builds an insert entry. Key and record are compressed with
// the journal's codec when that makes them smaller.
func (j *Journal) encodeInsert(lsn, txnID uint64, dbname uint16, key, record []byte,
	flags, partialSize, partialOffset uint32) []byte {

	keyBytes, compKeySize := j.codec.compress(key)
	recBytes, compRecSize := j.codec.compress(record)

	followup := insertPayloadHeader + len(keyBytes) + len(recBytes)
	buf := make([]byte, entryHeaderSize+followup)
	putEntryHeader(buf, lsn, txnID, dbname, EntryInsert, uint32(followup))

	p := buf[entryHeaderSize:]
	binary.LittleEndian.PutUint16(p[0:2], uint16(len(key)))
	binary.LittleEndian.PutUint16(p[2:4], uint16(compKeySize))
	binary.LittleEndian.PutUint32(p[4:8], uint32(len(record)))
	binary.LittleEndian.PutUint32(p[8:12], uint32(compRecSize))
	binary.LittleEndian.PutUint32(p[12:16], partialSize)
	binary.LittleEndian.PutUint32(p[16:20], partialOffset)
	binary.LittleEndian.PutUint32(p[20:24], flags)
	copy(p[insertPayloadHeader:], keyBytes)
	copy(p[insertPayloadHeader+len(keyBytes):], recBytes)
	return buf
}

func (j *Journal) encodeErase(lsn, txnID uint64, dbname uint16, key []byte,
	duplicate, flags uint32) []byte {

	keyBytes, compKeySize := j.codec.compress(key)

	followup := erasePayloadHeader + len(keyBytes)
	buf := make([]byte, entryHeaderSize+followup)
	putEntryHeader(buf, lsn, txnID, dbname, EntryErase, uint32(followup))

	p := buf[entryHeaderSize:]
	binary.LittleEndian.PutUint16(p[0:2], uint16(len(key)))
	binary.LittleEndian.PutUint16(p[2:4], uint16(compKeySize))
	binary.LittleEndian.PutUint32(p[4:8], duplicate)
	binary.LittleEndian.PutUint32(p[8:12], flags)
	copy(p[erasePayloadHeader:], keyBytes)
	return buf
}

func (j *Journal) encodeBare(lsn, txnID uint64, entryType uint8) []byte {
	buf := make([]byte, entryHeaderSize)
	putEntryHeader(buf, lsn, txnID, 0, entryType, 0)
	return buf
}

func (j *Journal) encodeChangeset(lsn uint64, pages []ChangesetPage, lastBlobPage uint64) []byte {
	var body bytes.Buffer
	var hdr [changesetHeader]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(pages)))
	binary.LittleEndian.PutUint64(hdr[4:12], lastBlobPage)
	body.Write(hdr[:])

	var phdr [changesetPageHeader]byte
	for _, cp := range pages {
		data, compSize := j.codec.compress(cp.Data)
		binary.LittleEndian.PutUint64(phdr[0:8], cp.Address)
		binary.LittleEndian.PutUint32(phdr[8:12], uint32(compSize))
		binary.LittleEndian.PutUint32(phdr[12:16], 0)
		body.Write(phdr[:])
		body.Write(data)
	}

	buf := make([]byte, entryHeaderSize+body.Len())
	putEntryHeader(buf, lsn, 0, 0, EntryChangeset, uint32(body.Len()))
	copy(buf[entryHeaderSize:], body.Bytes())
	return buf
}

// readEntry decodes the next entry from the reader. io.EOF means a clean
// end; any other failure means the tail is torn and recovery stops at the
// last intact LSN.
func (j *Journal) readEntry(r io.Reader) (*Entry, error) {
	var hdr [entryHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: torn journal entry header: %v", dberr.ErrCorrupt, err)
	}
	e := &Entry{
		Lsn:    binary.LittleEndian.Uint64(hdr[0:8]),
		TxnID:  binary.LittleEndian.Uint64(hdr[8:16]),
		DbName: binary.LittleEndian.Uint16(hdr[16:18]),
		Type:   hdr[18],
	}
	followup := binary.LittleEndian.Uint32(hdr[20:24])
	payload := make([]byte, followup)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: torn journal entry payload: %v", dberr.ErrCorrupt, err)
	}

	switch e.Type {
	case EntryTxnBegin, EntryTxnAbort, EntryTxnCommit:
		// no payload
	case EntryInsert:
		if len(payload) < insertPayloadHeader {
			return nil, fmt.Errorf("%w: short insert entry", dberr.ErrCorrupt)
		}
		keySize := binary.LittleEndian.Uint16(payload[0:2])
		compKeySize := binary.LittleEndian.Uint16(payload[2:4])
		recSize := binary.LittleEndian.Uint32(payload[4:8])
		compRecSize := binary.LittleEndian.Uint32(payload[8:12])
		e.PartialSize = binary.LittleEndian.Uint32(payload[12:16])
		e.PartialOffset = binary.LittleEndian.Uint32(payload[16:20])
		e.InsertFlags = binary.LittleEndian.Uint32(payload[20:24])

		rest := payload[insertPayloadHeader:]
		if len(rest) < int(compKeySize)+int(compRecSize) {
			return nil, fmt.Errorf("%w: short insert entry body", dberr.ErrCorrupt)
		}
		key, err := j.codec.decompress(rest[:compKeySize], int(keySize))
		if err != nil {
			return nil, err
		}
		record, err := j.codec.decompress(rest[compKeySize:uint32(compKeySize)+compRecSize], int(recSize))
		if err != nil {
			return nil, err
		}
		e.Key, e.Record = key, record
	case EntryErase:
		if len(payload) < erasePayloadHeader {
			return nil, fmt.Errorf("%w: short erase entry", dberr.ErrCorrupt)
		}
		keySize := binary.LittleEndian.Uint16(payload[0:2])
		compKeySize := binary.LittleEndian.Uint16(payload[2:4])
		e.Duplicate = binary.LittleEndian.Uint32(payload[4:8])
		e.EraseFlags = binary.LittleEndian.Uint32(payload[8:12])
		rest := payload[erasePayloadHeader:]
		if len(rest) < int(compKeySize) {
			return nil, fmt.Errorf("%w: short erase entry body", dberr.ErrCorrupt)
		}
		key, err := j.codec.decompress(rest[:compKeySize], int(keySize))
		if err != nil {
			return nil, err
		}
		e.Key = key
	case EntryChangeset:
		if len(payload) < changesetHeader {
			return nil, fmt.Errorf("%w: short changeset entry", dberr.ErrCorrupt)
		}
		numPages := binary.LittleEndian.Uint32(payload[0:4])
		e.LastBlobPage = binary.LittleEndian.Uint64(payload[4:12])
		off := changesetHeader
		for i := uint32(0); i < numPages; i++ {
			if off+changesetPageHeader > len(payload) {
				return nil, fmt.Errorf("%w: short changeset page block", dberr.ErrCorrupt)
			}
			addr := binary.LittleEndian.Uint64(payload[off : off+8])
			compSize := binary.LittleEndian.Uint32(payload[off+8 : off+12])
			off += changesetPageHeader
			if off+int(compSize) > len(payload) {
				return nil, fmt.Errorf("%w: short changeset page image", dberr.ErrCorrupt)
			}
			data, err := j.codec.decompress(payload[off:off+int(compSize)], int(j.pageSize))
			if err != nil {
				return nil, err
			}
			e.Pages = append(e.Pages, ChangesetPage{Address: addr, Data: data})
			off += int(compSize)
		}
	default:
		return nil, fmt.Errorf("%w: unknown journal entry type %d", dberr.ErrCorrupt, e.Type)
	}
	return e, nil
}
