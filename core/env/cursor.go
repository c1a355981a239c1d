package env

import (
	"errors"
	"fmt"

	"github.com/calderadb/caldera/core/btree"
	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/pagemanager"
	"github.com/calderadb/caldera/core/txn"
)

// Cursor move directions.
const (
	CursorFirst uint32 = 1 << iota
	CursorLast
	CursorNext
	CursorPrevious
)

type coupling uint8

const (
	coupledNone coupling = iota
	coupledBtree
	coupledTxnOp
)

// Cursor is the user iterator: dual-coupled to either a B-tree position
// or a pending transactional operation, with merge semantics for ordered
// traversal across both.
type Cursor struct {
	db *Database
	t  *txn.Txn

	bt      *btree.Cursor
	op      *txn.Op
	coupled coupling

	// firstUse makes the first directional move behave as first/last.
	firstUse bool
	lastKey  []byte
}

// Cursor opens a cursor over the database, optionally inside a
// transaction.
func (db *Database) Cursor(t *txn.Txn) *Cursor {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	c := &Cursor{
		db:       db,
		t:        t,
		bt:       db.tree.NewCursor(),
		firstUse: true,
	}
	db.registerCursor(c)
	return c
}

// Close releases the cursor's references and detaches it.
func (c *Cursor) Close() {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	c.closeLocked()
}

func (c *Cursor) closeLocked() {
	c.setNil()
	c.bt.Close()
	c.db.unregisterCursor(c)
}

// IsNil reports whether the cursor has no position.
func (c *Cursor) IsNil() bool {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	return c.isNilLocked()
}

func (c *Cursor) isNilLocked() bool {
	switch c.coupled {
	case coupledTxnOp:
		return false
	case coupledBtree:
		return c.bt.State() == btree.CursorNil
	default:
		return true
	}
}

func (c *Cursor) coupleToOp(op *txn.Op) {
	c.releaseOp()
	op.Retain()
	op.Txn().RetainCursor()
	c.op = op
	c.coupled = coupledTxnOp
	c.bt.SetNil()
}

func (c *Cursor) releaseOp() {
	if c.op != nil {
		c.op.Release()
		c.op.Txn().ReleaseCursor()
		c.op = nil
	}
}

func (c *Cursor) setNil() {
	c.releaseOp()
	c.bt.SetNil()
	c.coupled = coupledNone
	c.lastKey = nil
}

// currentKeyQuiet returns the key the cursor sits on, nil when it has
// none. The environment mutex must be held.
func (c *Cursor) currentKeyQuiet() ([]byte, error) {
	switch c.coupled {
	case coupledTxnOp:
		return c.op.Node().Key(), nil
	case coupledBtree:
		if c.bt.State() == btree.CursorNil {
			return nil, nil
		}
		if c.bt.State() == btree.CursorUncoupled {
			return c.bt.UncoupledKey(), nil
		}
		ctx := c.db.env.newContext(c.db.cfg.Name)
		defer ctx.Changeset.Clear()
		return c.bt.Key(ctx)
	default:
		return nil, nil
	}
}

// Find positions the cursor on the key (or an approximate match) and
// returns the matched key and record.
func (c *Cursor) Find(key []byte, flags uint32) ([]byte, []byte, error) {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	ctx := c.db.env.newContext(c.db.cfg.Name)
	defer ctx.Changeset.Clear()

	k, rec, op, err := c.db.findLocked(ctx, c.t, key, flags, c.bt)
	if err != nil {
		return nil, nil, err
	}
	if op != nil {
		c.coupleToOp(op)
	} else {
		c.releaseOp()
		c.coupled = coupledBtree
	}
	c.firstUse = false
	c.lastKey = append([]byte(nil), k...)
	return k, rec, nil
}

// Move positions the cursor per the direction flag and returns the key
// and record at the new position. The first directional move on a fresh
// cursor behaves as first/last.
func (c *Cursor) Move(flags uint32) ([]byte, []byte, error) {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	ctx := c.db.env.newContext(c.db.cfg.Name)
	defer ctx.Changeset.Clear()

	if c.firstUse && flags&(CursorNext|CursorPrevious) != 0 && c.isNilLocked() {
		if flags&CursorNext != 0 {
			flags = CursorFirst
		} else {
			flags = CursorLast
		}
	}
	c.firstUse = false

	var k, rec []byte
	var op *txn.Op
	var err error

	switch {
	case flags&CursorFirst != 0:
		k, rec, op, err = c.db.mergedStep(ctx, c.t, nil, true, c.bt)
	case flags&CursorLast != 0:
		k, rec, op, err = c.db.mergedStep(ctx, c.t, nil, false, c.bt)
	case flags&CursorNext != 0:
		// advance through duplicates of the current key first
		if c.coupled == coupledBtree && c.bt.State() == btree.CursorCoupled {
			dups, derr := c.bt.RecordCount(ctx)
			if derr != nil {
				return nil, nil, derr
			}
			if c.bt.DupIndex()+1 < dups {
				if err := c.bt.MoveNext(ctx); err != nil {
					return nil, nil, err
				}
				return c.coupledBtreePosition(ctx)
			}
		}
		probe, perr := c.moveProbe()
		if perr != nil {
			return nil, nil, perr
		}
		k, rec, op, err = c.db.mergedStep(ctx, c.t, probe, true, c.bt)
	case flags&CursorPrevious != 0:
		if c.coupled == coupledBtree && c.bt.State() == btree.CursorCoupled && c.bt.DupIndex() > 0 {
			if err := c.bt.MovePrevious(ctx); err != nil {
				return nil, nil, err
			}
			return c.coupledBtreePosition(ctx)
		}
		probe, perr := c.moveProbe()
		if perr != nil {
			return nil, nil, perr
		}
		k, rec, op, err = c.db.mergedStep(ctx, c.t, probe, false, c.bt)
	default:
		return nil, nil, fmt.Errorf("%w: cursor move needs a direction", dberr.ErrInvalidArgument)
	}
	if err != nil {
		return nil, nil, err
	}

	if op != nil {
		c.coupleToOp(op)
	} else {
		c.releaseOp()
		c.coupled = coupledBtree
	}
	c.lastKey = append([]byte(nil), k...)
	return k, rec, nil
}

// moveProbe returns the key the next step is relative to.
func (c *Cursor) moveProbe() ([]byte, error) {
	key, err := c.currentKeyQuiet()
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	if c.lastKey != nil {
		return c.lastKey, nil
	}
	return nil, dberr.ErrKeyNotFound
}

func (c *Cursor) coupledBtreePosition(ctx *pagemanager.Context) ([]byte, []byte, error) {
	k, err := c.bt.Key(ctx)
	if err != nil {
		return nil, nil, err
	}
	rec, err := c.bt.Record(ctx)
	if err != nil {
		return nil, nil, err
	}
	c.coupled = coupledBtree
	c.lastKey = append([]byte(nil), k...)
	return k, rec, nil
}

// Key returns the key at the cursor's position.
func (c *Cursor) Key() ([]byte, error) {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	if c.isNilLocked() {
		return nil, dberr.ErrCursorIsNil
	}
	if c.coupled == coupledTxnOp {
		return append([]byte(nil), c.op.Node().Key()...), nil
	}
	ctx := c.db.env.newContext(c.db.cfg.Name)
	defer ctx.Changeset.Clear()
	return c.bt.Key(ctx)
}

// Record returns the record at the cursor's position.
func (c *Cursor) Record() ([]byte, error) {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	if c.isNilLocked() {
		return nil, dberr.ErrCursorIsNil
	}
	if c.coupled == coupledTxnOp {
		return append([]byte(nil), c.op.Record...), nil
	}
	ctx := c.db.env.newContext(c.db.cfg.Name)
	defer ctx.Changeset.Clear()
	return c.bt.Record(ctx)
}

// DupCount returns the number of duplicates of the current key.
func (c *Cursor) DupCount() (int, error) {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	if c.isNilLocked() {
		return 0, dberr.ErrCursorIsNil
	}
	if c.coupled == coupledTxnOp {
		return 1, nil
	}
	ctx := c.db.env.newContext(c.db.cfg.Name)
	defer ctx.Changeset.Clear()
	return c.bt.RecordCount(ctx)
}

// Overwrite replaces the record at the cursor's position without moving
// the cursor.
func (c *Cursor) Overwrite(record []byte) error {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	if c.isNilLocked() {
		return dberr.ErrCursorIsNil
	}
	key, err := c.currentKeyQuiet()
	if err != nil {
		return err
	}
	if c.db.env.cfg.EnableTransactions {
		key = append([]byte(nil), key...)
		if err := c.db.insertLocked(c.t, key, record, btree.FlagOverwrite, 0, 0); err != nil {
			return err
		}
		// re-couple to the fresh op when the overwrite stayed pending
		if node := c.db.txnIndex.Get(key); node != nil && node.Newest() != nil {
			c.coupleToOp(node.Newest())
		}
		return nil
	}
	ctx := c.db.env.newContext(c.db.cfg.Name)
	defer ctx.Changeset.Clear()
	return c.bt.Overwrite(ctx, record)
}

// Erase removes the key at the cursor's position. Without transactions a
// cursor on a duplicate removes only that duplicate; with transactions the
// whole key, all duplicates included, is erased. Every cursor on the erased
// position becomes nil.
func (c *Cursor) Erase() error {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	if c.isNilLocked() {
		return dberr.ErrCursorIsNil
	}
	key, err := c.currentKeyQuiet()
	if err != nil {
		return err
	}
	key = append([]byte(nil), key...)

	if c.db.env.cfg.EnableTransactions {
		return c.db.eraseLocked(c.t, key, -1, 0)
	}

	ctx := c.db.env.newContext(c.db.cfg.Name)
	defer ctx.Changeset.Clear()
	dup := -1
	if c.bt.State() == btree.CursorCoupled {
		dups, derr := c.bt.RecordCount(ctx)
		if derr != nil {
			return derr
		}
		if dups > 1 {
			dup = c.bt.DupIndex()
		}
	}
	if err := c.db.tree.Erase(ctx, c.bt, key, dup, 0); err != nil {
		if errors.Is(err, dberr.ErrLimitsReached) {
			// fall back to the keyed path after uncoupling
			if uerr := c.bt.Uncouple(ctx); uerr != nil {
				return uerr
			}
			err = c.db.tree.Erase(ctx, nil, key, dup, 0)
		}
		if err != nil {
			return err
		}
	}
	c.coupled = coupledBtree
	c.db.env.pm.PurgeCache(ctx)
	return nil
}

// Clone produces a sibling cursor in the same state that moves
// independently.
func (c *Cursor) Clone() *Cursor {
	c.db.env.mu.Lock()
	defer c.db.env.mu.Unlock()
	clone := &Cursor{
		db:       c.db,
		t:        c.t,
		firstUse: c.firstUse,
		coupled:  c.coupled,
	}
	clone.bt = c.bt.Clone()
	if c.op != nil {
		c.op.Retain()
		c.op.Txn().RetainCursor()
		clone.op = c.op
	}
	if c.lastKey != nil {
		clone.lastKey = append([]byte(nil), c.lastKey...)
	}
	c.db.registerCursor(clone)
	return clone
}
