package env

import (
	"errors"
	"fmt"

	"github.com/calderadb/caldera/core/btree"
	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/pagemanager"
	"github.com/calderadb/caldera/core/txn"
)

// replayHintMask strips the append/prepend hints during journal replay.
const replayHintMask = btree.FlagHintMask

// Database is one named, ordered key-value store inside an environment.
type Database struct {
	env  *Env
	cfg  DatabaseConfig
	slot int

	tree     *btree.Tree
	txnIndex *txn.Index

	// cursors holds every open cursor of this database; erase walks it
	// to keep couplings meaningful across transaction ops.
	cursors []*Cursor

	// recno is the auto-increment counter of record-number databases.
	recno uint64
}

// CreateDatabase creates a named database in the environment.
func (e *Env) CreateDatabase(dc DatabaseConfig) (*Database, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkWritable(); err != nil {
		return nil, err
	}
	dc, err := dc.withDefaults()
	if err != nil {
		return nil, err
	}
	slot, exists := e.findDbSlot(dc.Name)
	if exists {
		return nil, fmt.Errorf("%w: database %d", dberr.ErrDatabaseExists, dc.Name)
	}
	if slot < 0 {
		return nil, fmt.Errorf("%w: all %d database slots in use", dberr.ErrLimitsReached, e.cfg.MaxDatabases)
	}

	ctx := e.newContext(dc.Name)
	defer ctx.Changeset.Clear()

	db := &Database{env: e, cfg: dc, slot: slot}
	db.tree = btree.New(e.pm, e.blobs, dc.btreeConfig(), e.cfg.PageSize, e.cfg.Logger)
	db.txnIndex = txn.NewIndex(db.tree.Compare())
	if err := db.tree.Create(ctx); err != nil {
		return nil, err
	}
	e.setDbDescriptorAt(slot, dbDescriptor{
		name:        dc.Name,
		keyType:     dc.KeyType,
		keySize:     dc.KeySize,
		recordSize:  dc.RecordSize,
		rootAddress: db.tree.RootAddress(),
		flags:       dc.flags(),
	})
	db.tree.SetRootChanged(func(addr uint64) {
		e.setRootAddress(db.slot, addr)
	})
	e.dbs[dc.Name] = db
	return db, nil
}

// OpenDatabase opens a database by name.
func (e *Env) OpenDatabase(name uint16) (*Database, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openDatabaseLocked(name)
}

func (e *Env) openDatabaseLocked(name uint16) (*Database, error) {
	if db, ok := e.dbs[name]; ok {
		return db, nil
	}
	slot, exists := e.findDbSlot(name)
	if !exists {
		return nil, fmt.Errorf("%w: database %d", dberr.ErrDatabaseNotFound, name)
	}
	d := e.dbDescriptorAt(slot)
	dc := databaseConfigFromFlags(d.name, d.keyType, d.keySize, d.recordSize, d.flags)

	db := &Database{env: e, cfg: dc, slot: slot}
	db.tree = btree.New(e.pm, e.blobs, dc.btreeConfig(), e.cfg.PageSize, e.cfg.Logger)
	db.txnIndex = txn.NewIndex(db.tree.Compare())
	db.tree.Open(d.rootAddress)
	db.tree.SetRootChanged(func(addr uint64) {
		e.setRootAddress(db.slot, addr)
	})
	if dc.RecordNumber32 || dc.RecordNumber64 {
		if err := db.loadRecnoCounter(); err != nil {
			return nil, err
		}
	}
	e.dbs[name] = db
	return db, nil
}

// CloseDatabase flushes and evicts the database's pages and detaches it.
func (e *Env) CloseDatabase(db *Database) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeDatabaseLocked(db)
}

func (e *Env) closeDatabaseLocked(db *Database) error {
	db.closeAllCursors()
	ctx := e.newContext(db.cfg.Name)
	defer ctx.Changeset.Clear()
	if err := e.pm.CloseDatabase(ctx, db.cfg.Name); err != nil {
		return err
	}
	delete(e.dbs, db.cfg.Name)
	return nil
}

func (db *Database) Name() uint16          { return db.cfg.Name }
func (db *Database) Config() DatabaseConfig { return db.cfg }

func (db *Database) loadRecnoCounter() error {
	ctx := db.env.newContext(db.cfg.Name)
	defer ctx.Changeset.Clear()
	last, err := db.tree.LastKey(ctx)
	if errors.Is(err, dberr.ErrKeyNotFound) {
		db.recno = 0
		return nil
	}
	if err != nil {
		return err
	}
	db.recno = decodeRecno(last)
	return nil
}

// --- public operations ---

// Insert stores key/record, wrapping the operation in a temporary
// transaction when none is given and transactions are enabled.
func (db *Database) Insert(t *txn.Txn, key, record []byte, flags uint32) ([]byte, error) {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	key, err := db.prepareKey(key, &flags)
	if err != nil {
		return nil, err
	}
	return key, db.insertLocked(t, key, record, flags, 0, 0)
}

// InsertPartial overwrites the byte range [offset, offset+size) of the
// key's record with data, extending the record as needed.
func (db *Database) InsertPartial(t *txn.Txn, key, data []byte, offset, size uint32, flags uint32) error {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	if uint32(len(data)) != size {
		return fmt.Errorf("%w: partial data is %d bytes, size says %d",
			dberr.ErrInvalidArgument, len(data), size)
	}
	key, err := db.prepareKey(key, &flags)
	if err != nil {
		return err
	}
	record, err := db.composePartial(t, key, data, offset, size)
	if err != nil {
		return err
	}
	return db.insertLocked(t, key, record, flags|btree.FlagOverwrite|btree.FlagPartial, size, offset)
}

// Find returns the record of the key; approximate-match flags return the
// matched key as well.
func (db *Database) Find(t *txn.Txn, key []byte, flags uint32) ([]byte, []byte, error) {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	ctx := db.env.newContext(db.cfg.Name)
	defer ctx.Changeset.Clear()
	k, rec, _, err := db.findLocked(ctx, t, key, flags, nil)
	return k, rec, err
}

// Erase removes the key (all duplicates).
func (db *Database) Erase(t *txn.Txn, key []byte, flags uint32) error {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	return db.eraseLocked(t, key, -1, flags)
}

// Count returns the number of keys, honoring pending transactional
// operations. distinct counts duplicate keys once.
func (db *Database) Count(t *txn.Txn, distinct bool) (uint64, error) {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	ctx := db.env.newContext(db.cfg.Name)
	defer ctx.Changeset.Clear()

	total, err := db.tree.Count(ctx, distinct)
	if err != nil {
		return 0, err
	}
	for node := db.txnIndex.First(); node != nil; node = db.txnIndex.NextAfter(node.Key()) {
		op, err := node.VisibleOp(t)
		if err != nil || op == nil {
			continue
		}
		_, _, ferr := db.tree.Find(ctx, nil, node.Key(), 0)
		inTree := ferr == nil
		switch {
		case op.Kind.IsInsert() && !inTree:
			total++
		case op.Kind == txn.OpErase && op.DupIdx < 0 && inTree:
			total--
		}
	}
	return total, nil
}

// Scan visits every key in order; see btree.Visitor.
func (db *Database) Scan(v btree.Visitor, distinct bool) error {
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	ctx := db.env.newContext(db.cfg.Name)
	defer ctx.Changeset.Clear()
	return db.tree.Scan(ctx, v, distinct)
}

// --- key preparation ---

func encodeRecno(keySize uint32, value uint64) []byte {
	out := make([]byte, keySize)
	if keySize == 4 {
		out[0] = byte(value)
		out[1] = byte(value >> 8)
		out[2] = byte(value >> 16)
		out[3] = byte(value >> 24)
	} else {
		for i := 0; i < 8; i++ {
			out[i] = byte(value >> (8 * i))
		}
	}
	return out
}

func decodeRecno(key []byte) uint64 {
	var v uint64
	for i := len(key) - 1; i >= 0; i-- {
		v = v<<8 | uint64(key[i])
	}
	return v
}

// prepareKey assigns record numbers and validates the key.
func (db *Database) prepareKey(key []byte, flags *uint32) ([]byte, error) {
	if db.cfg.RecordNumber32 || db.cfg.RecordNumber64 {
		if len(key) == 0 {
			db.recno++
			key = encodeRecno(db.cfg.KeySize, db.recno)
			*flags |= btree.FlagHintAppend
		} else {
			if uint32(len(key)) != db.cfg.KeySize {
				return nil, fmt.Errorf("%w: record-number key size %d", dberr.ErrInvalidArgument, len(key))
			}
			if v := decodeRecno(key); v > db.recno {
				db.recno = v
			}
		}
	}
	if err := btree.ValidateKey(db.cfg.KeyType, db.cfg.KeySize, key); err != nil {
		return nil, err
	}
	if db.cfg.RecordSize != btree.UnlimitedRecordSize {
		// fixed-size records are validated at the record list level
		return key, nil
	}
	return key, nil
}

// composePartial builds the full record for a partial write.
func (db *Database) composePartial(t *txn.Txn, key, data []byte, offset, size uint32) ([]byte, error) {
	ctx := db.env.newContext(db.cfg.Name)
	defer ctx.Changeset.Clear()
	var existing []byte
	_, rec, _, err := db.findLocked(ctx, t, key, 0, nil)
	switch {
	case err == nil:
		existing = rec
	case errors.Is(err, dberr.ErrKeyNotFound):
		existing = nil
	default:
		return nil, err
	}
	need := int(offset + size)
	out := make([]byte, max(len(existing), need))
	copy(out, existing)
	copy(out[offset:], data)
	return out, nil
}

// --- internal operation paths ---

// insertLocked is the shared insert path for the public API, cursors and
// journal replay.
func (db *Database) insertLocked(t *txn.Txn, key, record []byte, flags uint32,
	partialSize, partialOffset uint32) error {
	e := db.env
	if err := e.checkWritable(); err != nil {
		return err
	}
	if err := btree.ValidateKey(db.cfg.KeyType, db.cfg.KeySize, key); err != nil {
		return err
	}
	if db.cfg.RecordSize != btree.UnlimitedRecordSize && uint32(len(record)) != db.cfg.RecordSize {
		return fmt.Errorf("%w: record size %d, database fixes %d",
			dberr.ErrInvalidArgument, len(record), db.cfg.RecordSize)
	}
	if flags&btree.FlagDuplicate != 0 && !db.cfg.EnableDuplicates {
		return fmt.Errorf("%w: database does not allow duplicate keys", dberr.ErrInvalidArgument)
	}

	if !e.cfg.EnableTransactions {
		ctx := e.newContext(db.cfg.Name)
		defer ctx.Changeset.Clear()
		if err := db.tree.Insert(ctx, nil, key, record, flags); err != nil {
			return err
		}
		e.pm.PurgeCache(ctx)
		return nil
	}

	node := db.txnIndex.GetOrCreate(key)
	node.Owner = db
	defer db.dropNodeIfEmpty(node)

	if node.Conflicts(t) {
		e.txnConflicts.Add(1)
		return dberr.ErrTxnConflict
	}
	exists, err := db.keyExists(t, node, key)
	if err != nil {
		return err
	}
	if exists && flags&(btree.FlagOverwrite|btree.FlagDuplicate) == 0 {
		return fmt.Errorf("%w: %q", dberr.ErrDuplicateKey, key)
	}

	tmp := t
	auto := false
	if tmp == nil {
		tmp = e.beginTemporary()
		auto = true
	}

	lsn := e.nextLsn()
	if e.jrn != nil {
		if err := e.jrn.AppendInsert(db.cfg.Name, tmp, lsn, key, record,
			flags, partialSize, partialOffset); err != nil {
			if auto {
				e.txnMgr.Remove(tmp)
			}
			e.markFatal(err)
			return err
		}
	}

	kind := txn.OpInsert
	switch {
	case flags&btree.FlagOverwrite != 0:
		kind = txn.OpInsertOverwrite
	case flags&btree.FlagDuplicate != 0:
		kind = txn.OpInsertDuplicate
	}
	op, err := tmp.AddOp(node, kind, record, -1, flags)
	if err != nil {
		return err
	}
	op.Lsn = lsn

	if auto {
		return e.commitLocked(tmp)
	}
	return nil
}

// eraseLocked is the shared erase path. dup >= 0 targets one duplicate.
func (db *Database) eraseLocked(t *txn.Txn, key []byte, dup int, flags uint32) error {
	e := db.env
	if err := e.checkWritable(); err != nil {
		return err
	}
	if err := btree.ValidateKey(db.cfg.KeyType, db.cfg.KeySize, key); err != nil {
		return err
	}

	if !e.cfg.EnableTransactions {
		ctx := e.newContext(db.cfg.Name)
		defer ctx.Changeset.Clear()
		if err := db.tree.Erase(ctx, nil, key, dup, flags); err != nil {
			return err
		}
		e.pm.PurgeCache(ctx)
		return nil
	}

	node := db.txnIndex.GetOrCreate(key)
	node.Owner = db
	defer db.dropNodeIfEmpty(node)

	if node.Conflicts(t) {
		e.txnConflicts.Add(1)
		return dberr.ErrTxnConflict
	}
	exists, err := db.keyExists(t, node, key)
	if err != nil {
		return err
	}
	if !exists {
		return dberr.ErrKeyNotFound
	}

	tmp := t
	auto := false
	if tmp == nil {
		tmp = e.beginTemporary()
		auto = true
	}

	lsn := e.nextLsn()
	if e.jrn != nil {
		if err := e.jrn.AppendErase(db.cfg.Name, tmp, lsn, key, uint32(dup+1), flags); err != nil {
			if auto {
				e.txnMgr.Remove(tmp)
			}
			e.markFatal(err)
			return err
		}
	}

	op, err := tmp.AddOp(node, txn.OpErase, nil, dup, flags)
	if err != nil {
		return err
	}
	op.Lsn = lsn

	// Every cursor positioned on this key loses its position.
	db.nilCursorsOnKey(key)

	if auto {
		return e.commitLocked(tmp)
	}
	return nil
}

func (db *Database) dropNodeIfEmpty(node *txn.OpNode) {
	if node.IsEmpty() {
		db.txnIndex.Remove(node)
	}
}

// keyExists resolves the key's visibility for this transaction: pending
// visible ops shadow the B-tree.
func (db *Database) keyExists(t *txn.Txn, node *txn.OpNode, key []byte) (bool, error) {
	if node != nil {
		op, err := node.VisibleOp(t)
		if err != nil {
			db.env.txnConflicts.Add(1)
			return false, dberr.ErrTxnConflict
		}
		if op != nil {
			if op.Kind.IsInsert() {
				return true, nil
			}
			if op.Kind == txn.OpErase && op.DupIdx < 0 {
				return false, nil
			}
		}
	}
	ctx := db.env.newContext(db.cfg.Name)
	defer ctx.Changeset.Clear()
	_, _, err := db.tree.Find(ctx, nil, key, 0)
	if errors.Is(err, dberr.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// applyOp replays one committed op into the B-tree during commit flush.
func (db *Database) applyOp(ctx *pagemanager.Context, op *txn.Op) error {
	key := op.Node().Key()
	switch op.Kind {
	case txn.OpInsert, txn.OpInsertOverwrite, txn.OpInsertDuplicate:
		return db.tree.Insert(ctx, nil, key, op.Record, op.Flags)
	case txn.OpErase:
		return db.tree.Erase(ctx, nil, key, op.DupIdx, op.Flags)
	default:
		return nil
	}
}

// findLocked merges pending transactional state with the B-tree lookup.
// The returned op is non-nil when a pending operation supplied the record;
// btCur, when given, ends up coupled for B-tree results.
func (db *Database) findLocked(ctx *pagemanager.Context, t *txn.Txn, key []byte,
	flags uint32, btCur *btree.Cursor) ([]byte, []byte, *txn.Op, error) {

	approx := flags & (btree.FlagFindLT | btree.FlagFindGT | btree.FlagFindLEQ | btree.FlagFindGEQ)

	if approx == 0 || flags&(btree.FlagFindLEQ|btree.FlagFindGEQ) != 0 {
		if node := db.txnIndex.Get(key); node != nil {
			op, err := node.VisibleOp(t)
			if err != nil {
				db.env.txnConflicts.Add(1)
				return nil, nil, nil, dberr.ErrTxnConflict
			}
			if op != nil {
				if op.Kind.IsInsert() {
					return node.Key(), op.Record, op, nil
				}
				if op.Kind == txn.OpErase && op.DupIdx < 0 {
					if approx == 0 {
						return nil, nil, nil, dberr.ErrKeyNotFound
					}
					// demote leq/geq to a strict step
					if flags&btree.FlagFindLEQ != 0 {
						return db.mergedStep(ctx, t, key, false, btCur)
					}
					return db.mergedStep(ctx, t, key, true, btCur)
				}
			}
		}
	}

	if approx == 0 || db.txnIndex.Len() == 0 {
		k, rec, err := db.tree.Find(ctx, btCur, key, flags)
		if err != nil {
			return nil, nil, nil, err
		}
		// A key found in the tree may still carry a pending erase.
		if node := db.txnIndex.Get(k); node != nil {
			op, verr := node.VisibleOp(t)
			if verr != nil {
				db.env.txnConflicts.Add(1)
				return nil, nil, nil, dberr.ErrTxnConflict
			}
			if op != nil && op.Kind == txn.OpErase && op.DupIdx < 0 {
				if approx == 0 {
					return nil, nil, nil, dberr.ErrKeyNotFound
				}
			} else if op != nil && op.Kind.IsInsert() {
				return k, op.Record, op, nil
			}
		}
		return k, rec, nil, nil
	}

	// approximate matching with pending ops: exact leq/geq handled
	// above, so step strictly in the requested direction
	forward := flags&(btree.FlagFindGT|btree.FlagFindGEQ) != 0
	if flags&btree.FlagFindGEQ != 0 || flags&btree.FlagFindLEQ != 0 {
		// exact candidate first
		k, rec, op, err := db.findExactVisible(ctx, t, key, btCur)
		if err == nil {
			return k, rec, op, nil
		}
		if !errors.Is(err, dberr.ErrKeyNotFound) {
			return nil, nil, nil, err
		}
	}
	return db.mergedStep(ctx, t, key, forward, btCur)
}

// findExactVisible resolves an exact key through pending ops and B-tree.
func (db *Database) findExactVisible(ctx *pagemanager.Context, t *txn.Txn, key []byte,
	btCur *btree.Cursor) ([]byte, []byte, *txn.Op, error) {
	if node := db.txnIndex.Get(key); node != nil {
		op, err := node.VisibleOp(t)
		if err != nil {
			db.env.txnConflicts.Add(1)
			return nil, nil, nil, dberr.ErrTxnConflict
		}
		if op != nil {
			if op.Kind.IsInsert() {
				return node.Key(), op.Record, op, nil
			}
			if op.Kind == txn.OpErase && op.DupIdx < 0 {
				return nil, nil, nil, dberr.ErrKeyNotFound
			}
		}
	}
	k, rec, err := db.tree.Find(ctx, btCur, key, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	return k, rec, nil, nil
}

// mergedStep finds the next visible key strictly after (forward) or
// before (backward) the probe, merging the B-tree with pending ops. A nil
// probe starts from the respective end. Pending erase ops hide keys;
// pending inserts of other active transactions conflict.
func (db *Database) mergedStep(ctx *pagemanager.Context, t *txn.Txn, probe []byte,
	forward bool, btCur *btree.Cursor) ([]byte, []byte, *txn.Op, error) {

	tmpCur := btCur
	if tmpCur == nil {
		tmpCur = db.tree.NewCursor()
		defer tmpCur.Close()
	}
	cmp := db.tree.Compare()

	for {
		// B-tree candidate
		var btKey, btRec []byte
		var err error
		if probe == nil {
			if forward {
				err = tmpCur.MoveFirst(ctx)
			} else {
				err = tmpCur.MoveLast(ctx)
			}
			if err == nil {
				btKey, err = tmpCur.Key(ctx)
				if err != nil {
					return nil, nil, nil, err
				}
				btRec, err = tmpCur.Record(ctx)
				if err != nil {
					return nil, nil, nil, err
				}
			} else if !errors.Is(err, dberr.ErrKeyNotFound) {
				return nil, nil, nil, err
			}
		} else {
			flag := uint32(btree.FlagFindGT)
			if !forward {
				flag = btree.FlagFindLT
			}
			btKey, btRec, err = db.tree.Find(ctx, tmpCur, probe, flag)
			if err != nil && !errors.Is(err, dberr.ErrKeyNotFound) {
				return nil, nil, nil, err
			}
			if err != nil {
				btKey, btRec = nil, nil
			}
		}

		// pending-op candidate with a visible op
		var node *txn.OpNode
		seek := probe
		for {
			if seek == nil {
				if forward {
					node = db.txnIndex.First()
				} else {
					node = db.txnIndex.Last()
				}
			} else if forward {
				node = db.txnIndex.NextAfter(seek)
			} else {
				node = db.txnIndex.PrevBefore(seek)
			}
			if node == nil {
				break
			}
			op, verr := node.VisibleOp(t)
			if verr != nil {
				db.env.txnConflicts.Add(1)
				return nil, nil, nil, dberr.ErrTxnConflict
			}
			if op != nil {
				break
			}
			seek = node.Key()
		}

		if btKey == nil && node == nil {
			return nil, nil, nil, dberr.ErrKeyNotFound
		}

		// pick the winner; ties go to the pending op (it shadows)
		var winner []byte
		switch {
		case btKey == nil:
			winner = node.Key()
		case node == nil:
			winner = btKey
		default:
			c := cmp(node.Key(), btKey)
			if (forward && c <= 0) || (!forward && c >= 0) {
				winner = node.Key()
			} else {
				winner = btKey
			}
		}

		// resolve shadowing ops on the winner
		if wnode := db.txnIndex.Get(winner); wnode != nil {
			op, verr := wnode.VisibleOp(t)
			if verr != nil {
				db.env.txnConflicts.Add(1)
				return nil, nil, nil, dberr.ErrTxnConflict
			}
			if op != nil {
				if op.Kind == txn.OpErase && op.DupIdx < 0 {
					probe = wnode.Key()
					continue
				}
				if op.Kind.IsInsert() {
					return wnode.Key(), op.Record, op, nil
				}
			}
		}
		if btKey == nil || cmp(winner, btKey) != 0 {
			// The winner exists only as a pending node without a usable
			// record (e.g. a single-duplicate erase); read it from the
			// tree.
			k, rec, err := db.tree.Find(ctx, tmpCur, winner, 0)
			if err != nil {
				return nil, nil, nil, err
			}
			return k, rec, nil, nil
		}
		return btKey, btRec, nil, nil
	}
}

// --- cursor registry ---

func (db *Database) registerCursor(c *Cursor) {
	db.cursors = append(db.cursors, c)
}

func (db *Database) unregisterCursor(c *Cursor) {
	for i, other := range db.cursors {
		if other == c {
			db.cursors = append(db.cursors[:i], db.cursors[i+1:]...)
			return
		}
	}
}

// nilCursorsOnKey drops every cursor positioned on the key.
func (db *Database) nilCursorsOnKey(key []byte) {
	cmp := db.tree.Compare()
	for _, c := range db.cursors {
		ck, err := c.currentKeyQuiet()
		if err == nil && ck != nil && cmp(ck, key) == 0 {
			c.setNil()
		}
	}
}

func (db *Database) closeCursorsOfTxn(t *txn.Txn) {
	for i := len(db.cursors) - 1; i >= 0; i-- {
		if db.cursors[i].t == t {
			db.cursors[i].closeLocked()
		}
	}
}

func (db *Database) closeAllCursors() {
	for i := len(db.cursors) - 1; i >= 0; i-- {
		db.cursors[i].closeLocked()
	}
}
