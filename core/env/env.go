// Package env ties the engine together: it owns the device, page manager,
// blob manager, journal, transaction manager and the map of open
// databases, serialises every entry point behind one mutex, and drives
// recovery at open.
package env

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calderadb/caldera/core/blob"
	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/device"
	"github.com/calderadb/caldera/core/journal"
	"github.com/calderadb/caldera/core/page"
	"github.com/calderadb/caldera/core/pagemanager"
	"github.com/calderadb/caldera/core/txn"
)

// Env is one file environment holding up to MaxDatabases named databases.
type Env struct {
	mu sync.Mutex

	cfg  Config
	path string
	log  *zap.Logger

	dev    device.Device
	pm     *pagemanager.PageManager
	blobs  *blob.Manager
	jrn    *journal.Journal
	txnMgr *txn.Manager

	dbs        map[uint16]*Database
	headerPage *page.Page

	lsn      uint64
	serialno uint32

	// fatal marks the environment read-only after an unrecoverable
	// error; every further mutation is rejected.
	fatal bool

	txnCommits   atomic.Uint64
	txnAborts    atomic.Uint64
	txnConflicts atomic.Uint64

	// recoveryTxns maps journaled transaction ids to their replay
	// transactions while recovery runs.
	recoveryTxns map[uint64]*txn.Txn
	// replayDbs tracks databases opened implicitly for replay so they
	// can be closed afterwards.
	replayDbs map[uint16]bool
}

// Create builds a fresh environment at path (ignored for in-memory).
func Create(path string, cfg Config) (*Env, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &Env{
		cfg:  cfg,
		path: path,
		log:  cfg.Logger.With(zap.String("component", "env")),
		dbs:  make(map[uint16]*Database),
	}
	if cfg.InMemory {
		e.dev = device.NewMemory(cfg.PageSize, cfg.FileSizeLimit)
	} else {
		e.dev = device.NewDisk(path, cfg.PageSize, cfg.FileSizeLimit, cfg.DisableMmap, cfg.Logger)
	}
	if err := e.dev.Create(); err != nil {
		return nil, err
	}
	e.pm = pagemanager.New(e.dev, e.pmConfig(), cfg.Logger)
	e.blobs = blob.NewManager(e.pm, cfg.PageSize, cfg.Logger)
	e.txnMgr = txn.NewManager()

	ctx := e.newContext(0)
	defer ctx.Changeset.Clear()
	hdr, err := e.pm.Alloc(ctx, page.TypeHeader,
		pagemanager.AllocIgnoreFreelist|pagemanager.AllocNoStateStore)
	if err != nil {
		e.dev.Close()
		return nil, err
	}
	if hdr.Addr() != 0 {
		e.dev.Close()
		return nil, fmt.Errorf("%w: header page at address %d", dberr.ErrInternal, hdr.Addr())
	}
	hdr.Retain()
	e.headerPage = hdr

	id := uuid.New()
	e.serialno = binary.LittleEndian.Uint32(id[0:4])
	e.writeHeaderFields()

	// The header must be readable before any recovery pass of a later
	// open; write it through immediately.
	if !cfg.InMemory {
		if err := e.pm.FlushPage(hdr); err != nil {
			e.dev.Close()
			return nil, err
		}
		if err := e.dev.Flush(); err != nil {
			e.dev.Close()
			return nil, err
		}
	}

	if cfg.EnableTransactions && !cfg.InMemory {
		e.jrn = journal.New(e.journalConfig(), cfg.PageSize, cfg.Logger)
		if err := e.jrn.Create(); err != nil {
			e.dev.Close()
			return nil, err
		}
	}
	e.log.Info("environment created",
		zap.String("path", path), zap.Uint32("serial", e.serialno),
		zap.Bool("in_memory", cfg.InMemory), zap.Bool("transactions", cfg.EnableTransactions))
	return e, nil
}

// Open attaches to an existing environment file, running recovery when a
// journal with content is present.
func Open(path string, cfg Config) (*Env, error) {
	cfg = cfg.withDefaults()
	if cfg.InMemory {
		return nil, fmt.Errorf("%w: in-memory environments cannot be re-opened", dberr.ErrInvalidArgument)
	}
	e := &Env{
		cfg:  cfg,
		path: path,
		log:  cfg.Logger.With(zap.String("component", "env")),
		dbs:  make(map[uint16]*Database),
	}
	dev := device.NewDisk(path, cfg.PageSize, cfg.FileSizeLimit, cfg.DisableMmap, cfg.Logger)
	if err := dev.Open(cfg.ReadOnly); err != nil {
		return nil, err
	}
	e.dev = dev

	if err := e.loadHeaderRaw(); err != nil {
		dev.Close()
		return nil, err
	}
	e.pm = pagemanager.New(e.dev, e.pmConfig(), cfg.Logger)
	e.blobs = blob.NewManager(e.pm, e.cfg.PageSize, cfg.Logger)
	e.txnMgr = txn.NewManager()

	if cfg.EnableTransactions {
		e.jrn = journal.New(e.journalConfig(), e.cfg.PageSize, cfg.Logger)
		if err := e.jrn.Open(); err != nil {
			dev.Close()
			return nil, err
		}
	}

	needRecovery := e.jrn != nil && !cfg.DisableRecovery && journal.Exists(path) && e.jrn.Size() > 0
	if needRecovery {
		if err := e.recover(); err != nil {
			e.pm.CloseDiscard()
			e.jrn.Close()
			dev.Close()
			return nil, err
		}
	} else {
		if err := e.attachHeader(); err != nil {
			e.pm.CloseDiscard()
			dev.Close()
			return nil, err
		}
	}
	e.log.Info("environment opened",
		zap.String("path", path), zap.Uint32("serial", e.serialno),
		zap.Bool("recovered", needRecovery))
	return e, nil
}

func (e *Env) pmConfig() pagemanager.Config {
	return pagemanager.Config{
		PageSize:       e.cfg.PageSize,
		CacheSizeBytes: e.cfg.CacheSizeBytes,
		EnableCRC:      e.cfg.EnableCRC32,
		CacheStrict:    e.cfg.CacheStrict,
	}
}

func (e *Env) journalConfig() journal.Config {
	return journal.Config{
		BaseName:        e.path,
		SwitchThreshold: e.cfg.JournalSwitchThreshold,
		EnableFsync:     e.cfg.EnableFsync,
		Compression:     e.cfg.JournalCompression,
	}
}

// loadHeaderRaw reads the header fields straight from the device, before
// the page manager is initialised (the stored page size decides how the
// rest of the file is read).
func (e *Env) loadHeaderRaw() error {
	buf := make([]byte, 1024)
	if err := e.dev.Read(0, buf); err != nil {
		return err
	}
	serialno, pageSize, maxDbs, _, lsn, err := parseHeaderPayload(buf[page.PersistedHeaderSize:])
	if err != nil {
		return err
	}
	e.serialno = serialno
	e.cfg.PageSize = pageSize
	e.cfg.MaxDatabases = maxDbs
	e.lsn = lsn
	return nil
}

// attachHeader initialises the page manager from the persisted state and
// pins the header page.
func (e *Env) attachHeader() error {
	buf := make([]byte, 1024)
	if err := e.dev.Read(0, buf); err != nil {
		return err
	}
	serialno, _, _, stateAddr, lsn, err := parseHeaderPayload(buf[page.PersistedHeaderSize:])
	if err != nil {
		return err
	}
	e.serialno = serialno
	if lsn > e.lsn {
		e.lsn = lsn
	}
	if err := e.pm.Initialize(stateAddr); err != nil {
		return err
	}
	ctx := e.newContext(0)
	defer ctx.Changeset.Clear()
	hdr, err := e.pm.Fetch(ctx, 0, pagemanager.FetchReadOnly)
	if err != nil {
		return err
	}
	if e.headerPage != nil {
		e.headerPage.Release()
	}
	hdr.Retain()
	e.headerPage = hdr
	return nil
}

func (e *Env) newContext(dbName uint16) *pagemanager.Context {
	return pagemanager.NewContext(dbName)
}

// nextLsn hands out the process-wide monotonically increasing sequence.
func (e *Env) nextLsn() uint64 {
	e.lsn++
	return e.lsn
}

func (e *Env) markFatal(err error) {
	if !e.fatal {
		e.fatal = true
		e.log.Error("environment marked read-only after fatal error", zap.Error(err))
	}
}

func (e *Env) checkWritable() error {
	if e.fatal || e.cfg.ReadOnly {
		return dberr.ErrReadOnly
	}
	return nil
}

// Flush writes every dirty page and fsyncs.
func (e *Env) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkWritable(); err != nil {
		return err
	}
	return e.pm.FlushAll()
}

// SimulateCrash tears the environment down without flushing the cache or
// clearing the journal. Tests use it to model a process crash between
// commit and shutdown.
func (e *Env) SimulateCrash() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pm.CloseDiscard()
	if e.jrn != nil {
		e.jrn.Close()
	}
	if e.headerPage != nil {
		e.headerPage.Release()
		e.headerPage = nil
	}
	e.dev.Close()
}

// Close shuts the environment down. A clean close persists the
// page-manager state and header, flushes everything and truncates the
// journal files to zero.
func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Abort whatever is still active; attached cursors are closed first.
	e.txnMgr.ForEach(func(t *txn.Txn) {
		if t.State() == txn.StateActive {
			for _, db := range e.dbs {
				db.closeCursorsOfTxn(t)
			}
			e.abortLocked(t)
		}
	})
	for _, db := range e.dbs {
		db.closeAllCursors()
	}

	var firstErr error
	if e.fatal || e.cfg.ReadOnly {
		e.pm.CloseDiscard()
	} else {
		ctx := e.newContext(0)
		if _, err := e.pm.StoreState(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		e.writeHeaderFields()
		if err := e.pm.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		ctx.Changeset.Clear()
		if err := e.dev.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if e.jrn != nil {
		if !e.fatal && !e.cfg.ReadOnly {
			if err := e.jrn.Clear(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := e.jrn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.headerPage != nil {
		e.headerPage.Release()
		e.headerPage = nil
	}
	if err := e.dev.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.log.Info("environment closed", zap.String("path", e.path))
	return firstErr
}
