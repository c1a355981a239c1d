package env

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/induce"
	"github.com/calderadb/caldera/core/journal"
	"github.com/calderadb/caldera/core/pagemanager"
	"github.com/calderadb/caldera/core/txn"
)

// Begin starts a user transaction.
func (e *Env) Begin(flags uint32) (*txn.Txn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cfg.EnableTransactions {
		return nil, fmt.Errorf("%w: transactions are not enabled", dberr.ErrInvalidArgument)
	}
	if err := e.checkWritable(); err != nil && flags&txn.FlagReadOnly == 0 {
		return nil, err
	}
	t := e.txnMgr.Begin(flags)
	if e.jrn != nil {
		if err := e.jrn.AppendTxnBegin(t, e.nextLsn()); err != nil {
			e.txnMgr.Remove(t)
			return nil, err
		}
	}
	return t, nil
}

// beginTemporary wraps a single auto-committed operation. Temporary
// transactions log their ops with txn id 0 and never journal begin/commit.
func (e *Env) beginTemporary() *txn.Txn {
	return e.txnMgr.Begin(txn.FlagTemporary)
}

// Commit makes the transaction's operations durable and applies them to
// the B-tree.
func (e *Env) Commit(t *txn.Txn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commitLocked(t)
}

func (e *Env) commitLocked(t *txn.Txn) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	if t.CursorRefs() > 0 {
		return fmt.Errorf("%w: transaction %d", dberr.ErrCursorStillOpen, t.ID())
	}

	if e.jrn != nil && !t.IsTemporary() {
		if err := e.jrn.AppendTxnCommit(t, e.nextLsn()); err != nil {
			e.markFatal(err)
			return err
		}
	}
	if err := t.Commit(); err != nil {
		return err
	}

	// Flush: replay the ops into the B-tree in execution order, sharing
	// one changeset.
	ctx := e.newContext(0)
	defer ctx.Changeset.Clear()
	for op := t.OldestOp(); op != nil; op = op.NextInTxn() {
		db, ok := op.Node().Owner.(*Database)
		if !ok {
			e.markFatal(dberr.ErrInternal)
			return dberr.ErrInternal
		}
		if err := db.applyOp(ctx, op); err != nil {
			// The journal still holds the ops; recovery replays them
			// after a restart.
			e.markFatal(err)
			return err
		}
	}
	t.DetachOps(func(node *txn.OpNode) {
		if db, ok := node.Owner.(*Database); ok {
			db.txnIndex.Remove(node)
		}
	})

	if err := e.flushChangeset(ctx); err != nil {
		return err
	}
	e.txnMgr.Remove(t)
	e.txnCommits.Add(1)
	if err := e.pm.MaybeStoreState(ctx, false); err != nil {
		e.log.Warn("state checkpoint after commit failed", zap.Error(err))
	}
	e.pm.PurgeCache(ctx)
	return nil
}

// Abort discards the transaction.
func (e *Env) Abort(t *txn.Txn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.abortLocked(t)
}

func (e *Env) abortLocked(t *txn.Txn) error {
	if t.CursorRefs() > 0 {
		return fmt.Errorf("%w: transaction %d", dberr.ErrCursorStillOpen, t.ID())
	}
	if e.jrn != nil && !t.IsTemporary() {
		if err := e.jrn.AppendTxnAbort(t, e.nextLsn()); err != nil {
			e.log.Warn("journaling abort failed", zap.Error(err))
		}
	}
	if err := t.Abort(); err != nil {
		return err
	}
	t.DetachOps(func(node *txn.OpNode) {
		if db, ok := node.Owner.(*Database); ok {
			db.txnIndex.Remove(node)
		}
	})
	e.txnMgr.Remove(t)
	e.txnAborts.Add(1)
	return nil
}

// flushChangeset journals the dirty pages of the context as one changeset
// and then writes them to the device. The changeset's LSN marks
// everything at or below it as durable on the data file.
func (e *Env) flushChangeset(ctx *pagemanager.Context) error {
	pages := ctx.Changeset.DirtyPages()
	if e.headerPage != nil && e.headerPage.IsDirty() && !ctx.Changeset.Has(0) {
		pages = append(pages, e.headerPage)
	}
	if len(pages) == 0 {
		return nil
	}

	if e.jrn != nil {
		images := make([]journal.ChangesetPage, 0, len(pages))
		for _, p := range pages {
			p.EncodeHeader(e.cfg.EnableCRC32)
			data := make([]byte, len(p.Raw()))
			copy(data, p.Raw())
			images = append(images, journal.ChangesetPage{Address: p.Addr(), Data: data})
		}
		if err := e.jrn.AppendChangeset(e.nextLsn(), images, e.pm.LastBlobPage()); err != nil {
			e.markFatal(err)
			return err
		}
	}

	if err := induce.Trigger(induce.PointChangesetFlush); err != nil {
		e.markFatal(err)
		return err
	}
	for _, p := range pages {
		if err := e.pm.FlushPage(p); err != nil {
			e.markFatal(err)
			return err
		}
	}
	if e.cfg.FlushWhenCommitted || e.cfg.EnableFsync {
		if err := e.dev.Flush(); err != nil {
			e.markFatal(err)
			return err
		}
	}
	return nil
}

// --- recovery ---

// recover drives the journal's two-pass recovery and leaves the
// environment in the state a clean shutdown would have produced.
func (e *Env) recover() error {
	e.log.Info("starting recovery", zap.String("path", e.path))
	e.recoveryTxns = make(map[uint64]*txn.Txn)
	e.replayDbs = make(map[uint16]bool)
	e.jrn.SetDisableLogging(true)
	defer func() {
		e.jrn.SetDisableLogging(false)
		e.recoveryTxns = nil
		e.replayDbs = nil
	}()

	maxLsn, err := e.jrn.Recover(&replayTarget{e}, e.cfg.EnableTransactions)
	if err != nil {
		return err
	}
	if maxLsn > e.lsn {
		e.lsn = maxLsn
	}

	// Abort whatever was still active at the journal's end.
	for id, t := range e.recoveryTxns {
		if t.State() == txn.StateActive {
			e.log.Info("aborting unfinished transaction from journal", zap.Uint64("txn", id))
			if err := e.abortLocked(t); err != nil {
				return err
			}
		}
	}
	// Close databases opened implicitly for replay.
	for name := range e.replayDbs {
		if db, ok := e.dbs[name]; ok {
			if err := e.closeDatabaseLocked(db); err != nil {
				return err
			}
		}
	}
	if err := e.pm.FlushAll(); err != nil {
		return err
	}
	if err := e.jrn.Clear(); err != nil {
		return err
	}
	e.log.Info("recovery finished", zap.Uint64("lsn", e.lsn))
	return nil
}

// replayTarget adapts the environment to the journal's recovery driver.
type replayTarget struct {
	e *Env
}

func (rt *replayTarget) ApplyPageImage(addr uint64, data []byte) error {
	return rt.e.dev.Write(addr, data)
}

func (rt *replayTarget) SetLastBlobPage(addr uint64) {
	rt.e.pm.SetLastBlobPage(addr)
}

func (rt *replayTarget) ChangesetsDone() error {
	if err := rt.e.dev.Flush(); err != nil {
		return err
	}
	if err := rt.e.loadHeaderRaw(); err != nil {
		return err
	}
	return rt.e.attachHeader()
}

func (rt *replayTarget) ReplayTxnBegin(id uint64) error {
	rt.e.recoveryTxns[id] = rt.e.txnMgr.Begin(0)
	return nil
}

func (rt *replayTarget) ReplayTxnCommit(id uint64) error {
	t, ok := rt.e.recoveryTxns[id]
	if !ok {
		// The begin entry sat below the changeset horizon; there is
		// nothing left to flush.
		return nil
	}
	delete(rt.e.recoveryTxns, id)
	return rt.e.commitLocked(t)
}

func (rt *replayTarget) ReplayTxnAbort(id uint64) error {
	t, ok := rt.e.recoveryTxns[id]
	if !ok {
		return nil
	}
	delete(rt.e.recoveryTxns, id)
	return rt.e.abortLocked(t)
}

func (rt *replayTarget) replayDb(dbname uint16) (*Database, error) {
	if db, ok := rt.e.dbs[dbname]; ok {
		return db, nil
	}
	db, err := rt.e.openDatabaseLocked(dbname)
	if err != nil {
		return nil, err
	}
	rt.e.replayDbs[dbname] = true
	return db, nil
}

func (rt *replayTarget) replayTxn(txnID uint64) *txn.Txn {
	if txnID == 0 {
		return nil
	}
	return rt.e.recoveryTxns[txnID]
}

func (rt *replayTarget) ReplayInsert(dbname uint16, txnID uint64, key, record []byte,
	flags, partialSize, partialOffset uint32) error {
	db, err := rt.replayDb(dbname)
	if err != nil {
		return err
	}
	// Append/prepend hints are stripped on replay.
	flags &^= replayHintMask
	t := rt.replayTxn(txnID)
	if txnID != 0 && t == nil {
		return nil // the txn committed below the changeset horizon
	}
	// Partial writes were journaled as the composed full record.
	return db.insertLocked(t, key, record, flags, 0, 0)
}

func (rt *replayTarget) ReplayErase(dbname uint16, txnID uint64, key []byte,
	duplicate, flags uint32) error {
	db, err := rt.replayDb(dbname)
	if err != nil {
		return err
	}
	flags &^= replayHintMask
	t := rt.replayTxn(txnID)
	if txnID != 0 && t == nil {
		return nil
	}
	return db.eraseLocked(t, key, int(duplicate)-1, flags)
}
