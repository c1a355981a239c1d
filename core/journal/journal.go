// Package journal implements the two-file rotating write-ahead log:
// per-operation entries for transactional replay plus periodic changesets
// of page images that act as durable checkpoints.
package journal

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/induce"
	"github.com/calderadb/caldera/core/txn"
)

// Config tunes the journal.
type Config struct {
	// BaseName is the path prefix; the files are <BaseName>.jrn0/.jrn1.
	BaseName string
	// SwitchThreshold is the per-file transaction count that triggers
	// rotation; 0 selects a default.
	SwitchThreshold int
	// BufferLimit is the write-behind buffer size that triggers an OS
	// flush; 0 selects a default.
	BufferLimit int
	EnableFsync bool
	Compression Compression
}

// Journal is the two-file rotating write-ahead log.
type Journal struct {
	cfg   Config
	log   *zap.Logger
	codec codec

	pageSize uint32

	files     [2]*os.File
	buffers   [2]*bytes.Buffer
	openTxn   [2]int
	closedTxn [2]int
	current   int

	// disableLogging mutes appends during recovery replay.
	disableLogging bool

	bytesWritten atomic.Uint64
}

func fileName(base string, idx int) string {
	return fmt.Sprintf("%s.jrn%d", base, idx)
}

// New creates the journal handle; Open or Create attaches the files.
func New(cfg Config, pageSize uint32, log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SwitchThreshold == 0 {
		cfg.SwitchThreshold = 32
	}
	if cfg.BufferLimit == 0 {
		cfg.BufferLimit = 64 * 1024
	}
	return &Journal{
		cfg:      cfg,
		log:      log.With(zap.String("component", "journal")),
		codec:    codec{kind: cfg.Compression},
		pageSize: pageSize,
		buffers:  [2]*bytes.Buffer{{}, {}},
	}
}

// Create truncates and opens both files.
func (j *Journal) Create() error {
	for i := 0; i < 2; i++ {
		f, err := os.OpenFile(fileName(j.cfg.BaseName, i), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("%w: creating journal file: %v", dberr.ErrIO, err)
		}
		j.files[i] = f
	}
	return nil
}

// Open opens existing journal files, creating missing ones empty.
func (j *Journal) Open() error {
	for i := 0; i < 2; i++ {
		f, err := os.OpenFile(fileName(j.cfg.BaseName, i), os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("%w: opening journal file: %v", dberr.ErrIO, err)
		}
		j.files[i] = f
	}
	return nil
}

// Exists reports whether journal files with content are present for the
// base name.
func Exists(baseName string) bool {
	for i := 0; i < 2; i++ {
		if info, err := os.Stat(fileName(baseName, i)); err == nil && info.Size() > 0 {
			return true
		}
	}
	return false
}

func (j *Journal) SetDisableLogging(disable bool) { j.disableLogging = disable }
func (j *Journal) IsLoggingDisabled() bool        { return j.disableLogging }

// BytesWritten returns the journal bytes written since open; Clear resets
// the counter.
func (j *Journal) BytesWritten() uint64 { return j.bytesWritten.Load() }

// Size returns the combined on-disk size of both files plus any buffered
// tail.
func (j *Journal) Size() uint64 {
	var total uint64
	for i := 0; i < 2; i++ {
		if j.files[i] != nil {
			if info, err := j.files[i].Stat(); err == nil {
				total += uint64(info.Size())
			}
		}
		total += uint64(j.buffers[i].Len())
	}
	return total
}

// append buffers an encoded entry for the given file and flushes the
// buffer once it passes the threshold.
func (j *Journal) append(idx int, encoded []byte) error {
	if err := induce.Trigger(induce.PointJournalAppend); err != nil {
		return err
	}
	j.buffers[idx].Write(encoded)
	j.bytesWritten.Add(uint64(len(encoded)))
	return j.maybeFlushBuffer(idx)
}

func (j *Journal) maybeFlushBuffer(idx int) error {
	if j.buffers[idx].Len() < j.cfg.BufferLimit {
		return nil
	}
	return j.flushBuffer(idx)
}

func (j *Journal) flushBuffer(idx int) error {
	if j.buffers[idx].Len() == 0 {
		return nil
	}
	if _, err := j.files[idx].Write(j.buffers[idx].Bytes()); err != nil {
		return fmt.Errorf("%w: journal write: %v", dberr.ErrIO, err)
	}
	j.buffers[idx].Reset()
	return nil
}

func (j *Journal) syncFile(idx int) error {
	if !j.cfg.EnableFsync {
		return nil
	}
	if err := j.files[idx].Sync(); err != nil {
		return fmt.Errorf("%w: journal fsync: %v", dberr.ErrIO, err)
	}
	return nil
}

// maybeRotate switches to the other file when the active one carries
// enough transactions and the other has none still open. The file taken
// over is truncated; its content is covered by a newer changeset.
func (j *Journal) maybeRotate() error {
	other := 1 - j.current
	if j.openTxn[j.current]+j.closedTxn[j.current] < j.cfg.SwitchThreshold {
		return nil
	}
	if j.openTxn[other] != 0 {
		return nil
	}
	if err := j.flushBuffer(other); err != nil {
		return err
	}
	if err := j.files[other].Truncate(0); err != nil {
		return fmt.Errorf("%w: journal truncate: %v", dberr.ErrIO, err)
	}
	if _, err := j.files[other].Seek(0, 0); err != nil {
		return fmt.Errorf("%w: journal seek: %v", dberr.ErrIO, err)
	}
	j.closedTxn[other] = 0
	j.current = other
	return nil
}

// AppendTxnBegin logs the start of a transaction, rotating first when the
// thresholds allow it.
func (j *Journal) AppendTxnBegin(t *txn.Txn, lsn uint64) error {
	if j.disableLogging {
		return nil
	}
	if err := j.maybeRotate(); err != nil {
		return err
	}
	j.openTxn[j.current]++
	t.SetJournalFileIdx(j.current)
	return j.append(j.current, j.encodeBare(lsn, t.ID(), EntryTxnBegin))
}

// AppendTxnCommit logs a commit, flushes the buffer and fsyncs when
// enabled.
func (j *Journal) AppendTxnCommit(t *txn.Txn, lsn uint64) error {
	if j.disableLogging {
		return nil
	}
	idx := t.JournalFileIdx()
	j.openTxn[idx]--
	j.closedTxn[idx]++
	if err := j.append(idx, j.encodeBare(lsn, t.ID(), EntryTxnCommit)); err != nil {
		return err
	}
	if err := j.flushBuffer(idx); err != nil {
		return err
	}
	return j.syncFile(idx)
}

// AppendTxnAbort logs an abort; no fsync is required.
func (j *Journal) AppendTxnAbort(t *txn.Txn, lsn uint64) error {
	if j.disableLogging {
		return nil
	}
	idx := t.JournalFileIdx()
	j.openTxn[idx]--
	j.closedTxn[idx]++
	if err := j.append(idx, j.encodeBare(lsn, t.ID(), EntryTxnAbort)); err != nil {
		return err
	}
	return j.flushBuffer(idx)
}

// journalTxnID returns the id stored in entries: temporary transactions
// log as id 0 and bump the closed counter at append time.
func (j *Journal) journalTxnID(t *txn.Txn) uint64 {
	if t == nil || t.IsTemporary() {
		return 0
	}
	return t.ID()
}

func (j *Journal) opFileIdx(t *txn.Txn) int {
	if t == nil || t.IsTemporary() {
		return j.current
	}
	return t.JournalFileIdx()
}

// AppendInsert logs an insert operation.
func (j *Journal) AppendInsert(dbname uint16, t *txn.Txn, lsn uint64, key, record []byte,
	flags, partialSize, partialOffset uint32) error {
	if j.disableLogging {
		return nil
	}
	if t == nil || t.IsTemporary() {
		if err := j.maybeRotate(); err != nil {
			return err
		}
	}
	idx := j.opFileIdx(t)
	if t == nil || t.IsTemporary() {
		j.closedTxn[idx]++
	}
	return j.append(idx, j.encodeInsert(lsn, j.journalTxnID(t), dbname, key, record,
		flags, partialSize, partialOffset))
}

// AppendErase logs an erase operation.
func (j *Journal) AppendErase(dbname uint16, t *txn.Txn, lsn uint64, key []byte,
	duplicate, flags uint32) error {
	if j.disableLogging {
		return nil
	}
	if t == nil || t.IsTemporary() {
		if err := j.maybeRotate(); err != nil {
			return err
		}
	}
	idx := j.opFileIdx(t)
	if t == nil || t.IsTemporary() {
		j.closedTxn[idx]++
	}
	return j.append(idx, j.encodeErase(lsn, j.journalTxnID(t), dbname, key, duplicate, flags))
}

// AppendChangeset logs a set of page images marking everything at or
// below lsn as durable on the data file, then flushes and fsyncs.
func (j *Journal) AppendChangeset(lsn uint64, pages []ChangesetPage, lastBlobPage uint64) error {
	if j.disableLogging {
		return nil
	}
	idx := j.current
	if err := j.append(idx, j.encodeChangeset(lsn, pages, lastBlobPage)); err != nil {
		return err
	}
	if err := j.flushBuffer(idx); err != nil {
		return err
	}
	return j.syncFile(idx)
}

// Flush writes both buffers through to the OS.
func (j *Journal) Flush() error {
	for i := 0; i < 2; i++ {
		if err := j.flushBuffer(i); err != nil {
			return err
		}
	}
	return nil
}

// Clear truncates both files; called after a clean shutdown and at the
// end of recovery.
func (j *Journal) Clear() error {
	for i := 0; i < 2; i++ {
		j.buffers[i].Reset()
		if j.files[i] == nil {
			continue
		}
		if err := j.files[i].Truncate(0); err != nil {
			return fmt.Errorf("%w: journal truncate: %v", dberr.ErrIO, err)
		}
		if _, err := j.files[i].Seek(0, 0); err != nil {
			return fmt.Errorf("%w: journal seek: %v", dberr.ErrIO, err)
		}
		j.openTxn[i] = 0
		j.closedTxn[i] = 0
	}
	j.bytesWritten.Store(0)
	return nil
}

// Close flushes and closes both files.
func (j *Journal) Close() error {
	var firstErr error
	for i := 0; i < 2; i++ {
		if j.files[i] == nil {
			continue
		}
		if err := j.flushBuffer(i); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := j.files[i].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: closing journal: %v", dberr.ErrIO, err)
		}
		j.files[i] = nil
	}
	return firstErr
}
