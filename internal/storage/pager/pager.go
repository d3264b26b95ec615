package pager

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quantadb/quantadb/internal/log"
	"github.com/quantadb/quantadb/internal/metrics"
	"github.com/quantadb/quantadb/internal/qerr"
)

// ───────────────────────────────────────────────────────────────────────────
// Pager
// ───────────────────────────────────────────────────────────────────────────
//
// The Pager is the central I/O layer. It manages the segmented page files,
// the WAL, the buffer pool, the free-list, and the meta page. All page reads
// and writes go through the Pager so that CRC validation and WAL logging
// happen automatically.
//
// WAL rule: a dirty page is never written back before the WAL covering its
// recLSN is durable. Enforced in writeBack.

// SyncMode controls fsync behaviour of the page files.
type SyncMode int

const (
	// SyncNone never fsyncs page files outside checkpoints.
	SyncNone SyncMode = iota
	// SyncCommit fsyncs on commit barriers (the WAL's fsync makes commits
	// durable; page files follow at checkpoints).
	SyncCommit
	// SyncAlways fsyncs page files after every write-back.
	SyncAlways
)

// Config configures a Pager.
type Config struct {
	Dir       string
	CacheSize int // pages held in the buffer pool
	Sync      SyncMode
	WAL       WALConfig
}

// Pager maps PageIDs to 4 KiB pages across segment files.
type Pager struct {
	mu     sync.Mutex
	dir    string
	mode   SyncMode
	segs   map[int]*os.File
	cache  *pageCache
	meta   *Meta
	wal    *WAL
	logger zerolog.Logger

	// Per-transaction last-LSN, for PrevLSN chaining.
	txLast map[TxID]LSN
	// Dirty-page table: page → LSN that first dirtied it (for checkpoints).
	dpt map[PageID]LSN
}

// Open opens or creates a database directory and runs crash recovery.
func Open(cfg Config) (*Pager, error) {
	if cfg.Dir == "" {
		return nil, qerr.New(qerr.KindConfigInvalid, "pager: empty data dir")
	}
	pagesDir := filepath.Join(cfg.Dir, "pages")
	if err := os.MkdirAll(pagesDir, 0o755); err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "create pages dir")
	}
	wcfg := cfg.WAL
	if wcfg.Dir == "" {
		wcfg.Dir = filepath.Join(cfg.Dir, "wal")
	}
	w, err := OpenWAL(wcfg)
	if err != nil {
		return nil, err
	}

	p := &Pager{
		dir:    cfg.Dir,
		mode:   cfg.Sync,
		segs:   make(map[int]*os.File),
		cache:  newPageCache(cfg.CacheSize),
		wal:    w,
		logger: log.WithComponent("pager"),
		txLast: make(map[TxID]LSN),
		dpt:    make(map[PageID]LSN),
	}

	fresh, err := p.loadMeta()
	if err != nil {
		w.Close()
		return nil, err
	}
	if fresh {
		if err := p.writeMeta(); err != nil {
			w.Close()
			return nil, err
		}
		p.logger.Info().Str("dir", cfg.Dir).Msg("initialised new database")
	} else if err := p.Recover(); err != nil {
		w.Close()
		return nil, err
	}
	return p, nil
}

// loadMeta reads page 0, returning fresh=true for a new database.
func (p *Pager) loadMeta() (bool, error) {
	buf, err := p.readPageRaw(MetaPageID)
	if err != nil {
		if os.IsNotExist(err) || qerr.Is(err, qerr.KindIO) {
			p.meta = NewMeta()
			return true, nil
		}
		return false, err
	}
	m, err := UnmarshalMeta(buf)
	if err != nil {
		// Integrity failure during startup is fatal.
		return false, qerr.Wrap(qerr.KindChecksumMismatch, err, "meta page")
	}
	p.meta = m
	return false, nil
}

func (p *Pager) writeMeta() error {
	buf := MarshalMeta(p.meta)
	if err := p.writePageRaw(MetaPageID, buf); err != nil {
		return err
	}
	return p.syncSegment(0)
}

// ─── Raw segment I/O ───────────────────────────────────────────────────────

func (p *Pager) segmentFile(idx int) (*os.File, error) {
	if f, ok := p.segs[idx]; ok {
		return f, nil
	}
	path := filepath.Join(p.dir, "pages", fmt.Sprintf("seg-%04d.dat", idx))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "open page segment %d", idx)
	}
	p.segs[idx] = f
	return f, nil
}

func pagePos(id PageID) (seg int, off int64) {
	return int(id / PagesPerSegment), int64(id%PagesPerSegment) * PageSize
}

func (p *Pager) readPageRaw(id PageID) ([]byte, error) {
	seg, off := pagePos(id)
	f, err := p.segmentFile(seg)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, PageSize)
	n, err := f.ReadAt(buf, off)
	if err != nil && n != PageSize {
		return nil, qerr.Wrap(qerr.KindIO, err, "read page %d", id)
	}
	return buf, nil
}

func (p *Pager) writePageRaw(id PageID, buf []byte) error {
	seg, off := pagePos(id)
	f, err := p.segmentFile(seg)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(buf[:PageSize], off); err != nil {
		return qerr.Wrap(qerr.KindIO, err, "write page %d", id)
	}
	metrics.PagesWritten.Inc()
	return nil
}

func (p *Pager) syncSegment(idx int) error {
	f, ok := p.segs[idx]
	if !ok {
		return nil
	}
	if err := f.Sync(); err != nil {
		return qerr.Wrap(qerr.KindIO, err, "sync page segment %d", idx)
	}
	return nil
}

func (p *Pager) syncAllSegments() error {
	for idx := range p.segs {
		if err := p.syncSegment(idx); err != nil {
			return err
		}
	}
	return nil
}

// ─── Cached page access ────────────────────────────────────────────────────

// frame returns the cached frame for id, loading and CRC-verifying from disk
// on a miss. Caller holds p.mu.
func (p *Pager) frame(id PageID) (*PageFrame, error) {
	if f, ok := p.cache.get(id); ok {
		metrics.CacheHits.Inc()
		return f, nil
	}
	if err := p.makeRoom(); err != nil {
		return nil, err
	}
	buf, err := p.readPageRaw(id)
	if err != nil {
		return nil, err
	}
	// Every page read from disk is verified, so a page never sealed (all
	// zeroes on disk) fails with ChecksumMismatch.
	if err := VerifyPage(buf); err != nil {
		return nil, err
	}
	metrics.PagesRead.Inc()
	f := &PageFrame{id: id, buf: buf}
	p.cache.put(f)
	return f, nil
}

// makeRoom evicts one frame if the cache is full. Prefers clean frames;
// flushes WAL-then-page for a dirty victim. All-pinned caches grow instead.
func (p *Pager) makeRoom() error {
	if !p.cache.full() {
		return nil
	}
	v := p.cache.victim()
	if v == nil {
		return nil // every frame pinned: let the pool grow
	}
	if v.dirty {
		if err := p.writeBack(v); err != nil {
			return err
		}
	}
	p.cache.remove(v.id)
	return nil
}

// writeBack flushes one dirty frame, honouring the WAL rule.
func (p *Pager) writeBack(f *PageFrame) error {
	if lsn := PageLSN(f.buf); lsn > 0 {
		if err := p.wal.FlushUntil(lsn); err != nil {
			return err
		}
	}
	SealPage(f.buf)
	if err := p.writePageRaw(f.id, f.buf); err != nil {
		return err
	}
	if p.mode == SyncAlways {
		seg, _ := pagePos(f.id)
		if err := p.syncSegment(seg); err != nil {
			return err
		}
	}
	f.dirty = false
	f.recLSN = 0
	delete(p.dpt, f.id)
	return nil
}

// Read returns the page buffer for id, pinned. The caller must Unpin.
// Fails with ChecksumMismatch if the on-disk copy is corrupt and no cached
// copy exists.
func (p *Pager) Read(id PageID) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.frame(id)
	if err != nil {
		return nil, err
	}
	f.pinned++
	return f.buf, nil
}

// Unpin releases a pin taken by Read, Allocate or Write.
func (p *Pager) Unpin(id PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.cache.get(id); ok && f.pinned > 0 {
		f.pinned--
	}
}

// Write logs the change from the page's current content to buf as a WAL
// Update record chained to tx, stamps the page LSN, and stages the page
// dirty in the cache. Returns the record's LSN. The frame stays pinned;
// the caller must Unpin.
func (p *Pager) Write(tx TxID, id PageID, buf []byte) (LSN, error) {
	if len(buf) != PageSize {
		return 0, qerr.New(qerr.KindIO, "write page %d: bad buffer size %d", id, len(buf))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	lsn, err := p.writeLocked(tx, id, buf)
	if err != nil {
		return 0, err
	}
	if f, ok := p.cache.get(id); ok {
		f.pinned++
	}
	return lsn, nil
}

// Allocate returns the ID of a page to use, reusing the free-list when
// possible. A page past the old end of the file reads as zeroes; a reused
// page keeps its previous bytes. Callers init it to their page type and
// Write it.
func (p *Pager) Allocate() (PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok, err := p.popFreeLocked(); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}
	id := p.meta.NextPageID
	p.meta.NextPageID++
	return id, nil
}

// Free links a page into the free-list for reuse.
func (p *Pager) Free(tx TxID, id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushFreeLocked(tx, id)
}

// popFreeLocked takes a page from the free-list chain.
func (p *Pager) popFreeLocked() (PageID, bool, error) {
	head := p.meta.FreeListHead
	if head == NilPageID {
		return 0, false, nil
	}
	f, err := p.frame(head)
	if err != nil {
		return 0, false, err
	}
	fl := WrapFreeListPage(f.buf)
	if id, ok := fl.Pop(); ok {
		f.dirty = true
		if f.recLSN == 0 {
			f.recLSN = p.wal.LastLSN()
			p.dpt[head] = f.recLSN
		}
		return id, true, nil
	}
	// Empty free-list page: the page itself becomes reusable.
	p.meta.FreeListHead = fl.NextFreeList()
	p.cache.remove(head)
	return head, true, nil
}

// pushFreeLocked records id as free.
func (p *Pager) pushFreeLocked(tx TxID, id PageID) error {
	head := p.meta.FreeListHead
	if head != NilPageID {
		f, err := p.frame(head)
		if err != nil {
			return err
		}
		fl := WrapFreeListPage(f.buf)
		if fl.Push(id) {
			f.dirty = true
			if f.recLSN == 0 {
				f.recLSN = p.wal.LastLSN()
				p.dpt[head] = f.recLSN
			}
			return nil
		}
	}
	// Start a new free-list page at id itself, linking the old chain.
	buf := make([]byte, PageSize)
	fl := InitFreeListPage(buf, id)
	fl.SetNextFreeList(head)
	if _, err := p.writeLocked(tx, id, buf); err != nil {
		return err
	}
	p.meta.FreeListHead = id
	return nil
}

// writeLocked is Write for callers already holding p.mu. It does not pin.
func (p *Pager) writeLocked(tx TxID, id PageID, buf []byte) (LSN, error) {
	f, ok := p.cache.get(id)
	var before []byte
	if ok {
		before = append([]byte(nil), f.buf...)
	} else {
		if raw, err := p.readPageRaw(id); err == nil && VerifyPage(raw) == nil {
			before = raw
		} else {
			before = make([]byte, PageSize) // freshly allocated page
		}
		if err := p.makeRoom(); err != nil {
			return 0, err
		}
		f = &PageFrame{id: id, buf: make([]byte, PageSize)}
		p.cache.put(f)
	}
	rec := &Record{
		Kind: RecordUpdate, TxID: tx, PrevLSN: p.txLast[tx],
		PageID: id, Before: before, After: append([]byte(nil), buf...),
	}
	lsn, err := p.wal.Append(rec)
	if err != nil {
		return 0, err
	}
	p.txLast[tx] = lsn
	copy(f.buf, buf)
	SetPageLSN(f.buf, lsn)
	if !f.dirty {
		f.dirty = true
		f.recLSN = lsn
		p.dpt[id] = lsn
	}
	return lsn, nil
}

// ─── Transaction hooks ─────────────────────────────────────────────────────

// BeginTx allocates a TxID and writes a Begin record.
func (p *Pager) BeginTx() (TxID, error) {
	p.mu.Lock()
	tx := p.meta.NextTxID
	p.meta.NextTxID++
	p.mu.Unlock()

	lsn, err := p.wal.Append(&Record{Kind: RecordBegin, TxID: tx})
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.txLast[tx] = lsn
	p.mu.Unlock()
	return tx, nil
}

// CommitTx writes the Commit record and, per the sync mode, blocks until it
// is durable (group commit applies). After return the transaction's effects
// survive a crash.
func (p *Pager) CommitTx(tx TxID) error {
	p.mu.Lock()
	prev := p.txLast[tx]
	p.mu.Unlock()

	lsn, err := p.wal.Append(&Record{Kind: RecordCommit, TxID: tx, PrevLSN: prev})
	if err != nil {
		return err
	}
	if p.mode != SyncNone {
		if err := p.wal.FlushUntil(lsn); err != nil {
			return err
		}
	}
	p.mu.Lock()
	delete(p.txLast, tx)
	p.mu.Unlock()
	metrics.TxCommits.Inc()
	return nil
}

// AbortTx rolls back every update of tx by walking its PrevLSN chain,
// writing CLRs, then the Abort record. Never requires evicted pages to be
// cached: before-images come from the WAL.
func (p *Pager) AbortTx(tx TxID) error {
	if err := p.UndoTo(tx, 0); err != nil {
		return err
	}
	p.mu.Lock()
	prev := p.txLast[tx]
	delete(p.txLast, tx)
	p.mu.Unlock()
	if _, err := p.wal.Append(&Record{Kind: RecordAbort, TxID: tx, PrevLSN: prev}); err != nil {
		return err
	}
	metrics.TxAborts.Inc()
	return nil
}

// SavepointTx records a named savepoint and returns its LSN.
func (p *Pager) SavepointTx(tx TxID, name string) (LSN, error) {
	p.mu.Lock()
	prev := p.txLast[tx]
	p.mu.Unlock()
	lsn, err := p.wal.Append(&Record{Kind: RecordSavepoint, TxID: tx, PrevLSN: prev, Name: name})
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.txLast[tx] = lsn
	p.mu.Unlock()
	return lsn, nil
}

// RollbackToSavepoint undoes every update of tx after the savepoint LSN,
// leaving the transaction open and the savepoint valid.
func (p *Pager) RollbackToSavepoint(tx TxID, name string, target LSN) error {
	if err := p.UndoTo(tx, target); err != nil {
		return err
	}
	p.mu.Lock()
	prev := p.txLast[tx]
	p.mu.Unlock()
	lsn, err := p.wal.Append(&Record{
		Kind: RecordRollbackTo, TxID: tx, PrevLSN: prev, Name: name, TargetLSN: target,
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.txLast[tx] = lsn
	p.mu.Unlock()
	return nil
}

// UndoTo walks tx's PrevLSN chain undoing updates with LSN > target,
// writing a CLR for each so the undo itself is recoverable.
func (p *Pager) UndoTo(tx TxID, target LSN) error {
	p.mu.Lock()
	lsn := p.txLast[tx]
	p.mu.Unlock()

	for lsn > target {
		rec, err := p.wal.ReadAt(lsn)
		if err != nil {
			return err
		}
		switch rec.Kind {
		case RecordUpdate:
			clr := &Record{
				Kind:        RecordCLR,
				TxID:        tx,
				PageID:      rec.PageID,
				After:       rec.Before,
				UndoNextLSN: rec.PrevLSN,
			}
			p.mu.Lock()
			clr.PrevLSN = p.txLast[tx]
			clrLSN, err := p.wal.Append(clr)
			if err != nil {
				p.mu.Unlock()
				return err
			}
			p.txLast[tx] = clrLSN
			if err := p.applyImageLocked(rec.PageID, rec.Before, clrLSN); err != nil {
				p.mu.Unlock()
				return err
			}
			p.mu.Unlock()
			lsn = rec.PrevLSN
		case RecordCLR:
			lsn = rec.UndoNextLSN
		case RecordBegin:
			return nil
		default:
			lsn = rec.PrevLSN
		}
	}
	return nil
}

// applyImageLocked installs a page image in the cache as dirty. Caller
// holds p.mu.
func (p *Pager) applyImageLocked(id PageID, img []byte, lsn LSN) error {
	f, ok := p.cache.get(id)
	if !ok {
		if err := p.makeRoom(); err != nil {
			return err
		}
		f = &PageFrame{id: id, buf: make([]byte, PageSize)}
		p.cache.put(f)
	}
	copy(f.buf, img)
	SetPageLSN(f.buf, lsn)
	if !f.dirty {
		f.dirty = true
		f.recLSN = lsn
		p.dpt[id] = lsn
	}
	return nil
}

// ─── Flush / checkpoint / close ────────────────────────────────────────────

// FlushAll writes back every dirty frame (WAL first).
func (p *Pager) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushAllLocked()
}

func (p *Pager) flushAllLocked() error {
	for _, f := range p.cache.dirtyFrames() {
		if err := p.writeBack(f); err != nil {
			return err
		}
	}
	return nil
}

// Sync fsyncs the page files according to the sync mode.
func (p *Pager) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == SyncNone {
		return nil
	}
	return p.syncAllSegments()
}

// Checkpoint writes a WAL checkpoint, flushes all dirty pages, persists the
// meta page, and reclaims fully-covered WAL segments.
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	att := make(map[TxID]LSN, len(p.txLast))
	for tx, lsn := range p.txLast {
		att[tx] = lsn
	}
	dpt := make(map[PageID]LSN, len(p.dpt))
	for id, lsn := range p.dpt {
		dpt[id] = lsn
	}
	p.mu.Unlock()

	ckptLSN, err := p.wal.Checkpoint(att, dpt)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.flushAllLocked(); err != nil {
		return err
	}
	if err := p.syncAllSegments(); err != nil {
		return err
	}
	p.meta.CheckpointLSN = ckptLSN
	if err := p.writeMeta(); err != nil {
		return err
	}
	// Segments are reclaimable up to the oldest LSN still needed. Undo of an
	// active transaction walks its chain back to its Begin record, so keep
	// starts at the first record of any active transaction.
	keep := ckptLSN
	if len(att) > 0 {
		err := p.wal.IterSince(0, func(rec *Record) (bool, error) {
			if rec.LSN >= keep {
				return false, nil
			}
			if _, active := att[rec.TxID]; active {
				keep = rec.LSN
				return false, nil
			}
			return true, nil
		})
		if err != nil {
			return err
		}
	}
	if err := p.wal.TruncateThrough(keep); err != nil {
		return err
	}
	p.logger.Debug().Uint64("checkpoint_lsn", uint64(ckptLSN)).Msg("checkpoint complete")
	return nil
}

// Close checkpoints and closes all files.
func (p *Pager) Close() error {
	if err := p.Checkpoint(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.segs {
		if err := f.Close(); err != nil {
			return qerr.Wrap(qerr.KindIO, err, "close page segment")
		}
	}
	p.segs = make(map[int]*os.File)
	return p.wal.Close()
}

// WAL exposes the log for recovery, backup, and the transaction manager.
func (p *Pager) WAL() *WAL { return p.wal }

// Meta returns a copy of the current meta state.
func (p *Pager) Meta() Meta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.meta
}

// UpdateMeta applies fn to the meta state under the pager lock.
func (p *Pager) UpdateMeta(fn func(*Meta)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.meta)
}

// Dir returns the database directory.
func (p *Pager) Dir() string { return p.dir }

// ActiveTxs returns a snapshot of transactions with unfinished WAL chains.
func (p *Pager) ActiveTxs() map[TxID]LSN {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[TxID]LSN, len(p.txLast))
	for tx, lsn := range p.txLast {
		out[tx] = lsn
	}
	return out
}
