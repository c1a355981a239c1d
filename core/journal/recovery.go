package journal

import (
	"bufio"
	"errors"
	"io"
	"sort"

	"go.uber.org/zap"

	"github.com/calderadb/caldera/core/dberr"
)

// ReplayTarget is implemented by the environment: changeset redo goes
// straight to the data file, per-op replay goes through the public
// mutation API with the journal muted.
type ReplayTarget interface {
	// ApplyPageImage copies a changeset page image into the data file,
	// extending it when the address lies beyond EOF.
	ApplyPageImage(addr uint64, data []byte) error
	// SetLastBlobPage restores the page manager's small-blob pointer.
	SetLastBlobPage(addr uint64)
	// ChangesetsDone runs between the redo pass and the replay pass; the
	// environment reloads its header and page-manager state here.
	ChangesetsDone() error

	ReplayTxnBegin(id uint64) error
	ReplayTxnCommit(id uint64) error
	ReplayTxnAbort(id uint64) error
	ReplayInsert(dbname uint16, txnID uint64, key, record []byte, flags, partialSize, partialOffset uint32) error
	ReplayErase(dbname uint16, txnID uint64, key []byte, duplicate, flags uint32) error
}

// readFileEntries scans one journal file until EOF or the first torn
// entry; recovery proceeds with whatever was intact.
func (j *Journal) readFileEntries(idx int) []*Entry {
	if j.files[idx] == nil {
		return nil
	}
	if _, err := j.files[idx].Seek(0, 0); err != nil {
		return nil
	}
	r := bufio.NewReader(j.files[idx])
	var entries []*Entry
	for {
		e, err := j.readEntry(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				j.log.Warn("journal scan stopped at torn entry",
					zap.Int("file", idx), zap.Error(err))
			}
			return entries
		}
		entries = append(entries, e)
	}
}

// Recover drives the two-pass recovery: redo all changesets in LSN order,
// then replay per-op entries newer than the newest changeset. It returns
// the highest LSN seen so the environment can continue the sequence.
func (j *Journal) Recover(target ReplayTarget, txnsEnabled bool) (uint64, error) {
	entries := append(j.readFileEntries(0), j.readFileEntries(1)...)
	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].Lsn < entries[b].Lsn
	})

	var maxLsn uint64
	var maxChangesetLsn uint64
	for _, e := range entries {
		if e.Lsn > maxLsn {
			maxLsn = e.Lsn
		}
		if e.Type == EntryChangeset && e.Lsn > maxChangesetLsn {
			maxChangesetLsn = e.Lsn
		}
	}

	// Pass 1: redo changesets in LSN order.
	for _, e := range entries {
		if e.Type != EntryChangeset {
			continue
		}
		for _, cp := range e.Pages {
			if err := target.ApplyPageImage(cp.Address, cp.Data); err != nil {
				return maxLsn, err
			}
		}
		if e.LastBlobPage != 0 {
			target.SetLastBlobPage(e.LastBlobPage)
		}
		j.log.Info("changeset redone",
			zap.Uint64("lsn", e.Lsn), zap.Int("pages", len(e.Pages)))
	}

	if err := target.ChangesetsDone(); err != nil {
		return maxLsn, err
	}

	if !txnsEnabled {
		return maxLsn, nil
	}

	// Pass 2: replay operations newer than the newest changeset. The
	// changeset may already contain a logged deletion, so key-not-found
	// on erase is tolerated.
	for _, e := range entries {
		if e.Lsn <= maxChangesetLsn {
			continue
		}
		var err error
		switch e.Type {
		case EntryTxnBegin:
			err = target.ReplayTxnBegin(e.TxnID)
		case EntryTxnCommit:
			err = target.ReplayTxnCommit(e.TxnID)
		case EntryTxnAbort:
			err = target.ReplayTxnAbort(e.TxnID)
		case EntryInsert:
			err = target.ReplayInsert(e.DbName, e.TxnID, e.Key, e.Record,
				e.InsertFlags, e.PartialSize, e.PartialOffset)
		case EntryErase:
			err = target.ReplayErase(e.DbName, e.TxnID, e.Key, e.Duplicate, e.EraseFlags)
			if errors.Is(err, dberr.ErrKeyNotFound) {
				err = nil
			}
		case EntryChangeset:
			// handled in pass 1
		}
		if err != nil {
			return maxLsn, err
		}
	}
	return maxLsn, nil
}
