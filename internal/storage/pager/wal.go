package pager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantadb/quantadb/internal/log"
	"github.com/quantadb/quantadb/internal/metrics"
	"github.com/quantadb/quantadb/internal/qerr"
)

// ───────────────────────────────────────────────────────────────────────────
// Segmented WAL
// ───────────────────────────────────────────────────────────────────────────
//
// WAL segments live under <dir>/wal as seg-NNNN.wal. Each segment starts
// with a 16-byte header:
//   [0:8]   Magic   "QDBWAL1\x00"
//   [8:12]  Version uint32 LE
//   [12:16] Reserved
//
// Records are appended to the current segment; when a record would push the
// segment past SegmentSize the segment is sealed (fsynced, closed) and a new
// one begins. A torn record at the tail of the newest segment is discarded
// on open (crash truncation).
//
// Durability: Append is buffered (OS page cache); FlushUntil(lsn) blocks
// until lsn is fsynced. Commits inside the group-commit window share one
// fsync barrier.

const (
	walSegMagic   = "QDBWAL1\x00"
	walSegHdrSize = 16
	walSegVersion = uint32(1)
)

// WALConfig configures the write-ahead log.
type WALConfig struct {
	Dir                   string
	SegmentSize           int64         // bytes before a segment is sealed
	GroupCommitDelay      time.Duration // window in which commits share an fsync
	GroupCommitMaxRecords int           // flush immediately past this many pending records
	GroupCommitMaxBytes   int64         // flush immediately past this many pending bytes
}

func (c *WALConfig) withDefaults() WALConfig {
	out := *c
	if out.SegmentSize <= 0 {
		out.SegmentSize = 16 << 20
	}
	if out.GroupCommitDelay <= 0 {
		out.GroupCommitDelay = 2 * time.Millisecond
	}
	if out.GroupCommitMaxRecords <= 0 {
		out.GroupCommitMaxRecords = 128
	}
	if out.GroupCommitMaxBytes <= 0 {
		out.GroupCommitMaxBytes = 4 << 20
	}
	return out
}

type recPos struct {
	seg int
	off int64
}

type flushWaiter struct {
	lsn LSN
	ch  chan error
}

// WAL is the segmented write-ahead log.
type WAL struct {
	cfg    WALConfig
	logger zerolog.Logger

	mu         sync.Mutex
	seg        *os.File
	segIndex   int
	segOff     int64
	nextLSN    LSN
	lastLSN    LSN
	durableLSN LSN
	positions  map[LSN]recPos
	lastCkpt   LSN

	pendingRecords int
	pendingBytes   int64

	flushCh chan struct{}
	waiters []flushWaiter
	stopCh  chan struct{}
	doneCh  chan struct{}
	closed  bool
}

// OpenWAL opens (or creates) the WAL under cfg.Dir, scanning existing
// segments to restore the LSN counter and record index.
func OpenWAL(cfg WALConfig) (*WAL, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "create wal dir")
	}
	w := &WAL{
		cfg:       cfg,
		logger:    log.WithComponent("wal"),
		nextLSN:   1,
		positions: make(map[LSN]recPos),
		flushCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	segs, err := w.listSegments()
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		if err := w.openSegment(0, true); err != nil {
			return nil, err
		}
	} else {
		for _, idx := range segs {
			if err := w.scanSegment(idx); err != nil {
				return nil, err
			}
		}
		last := segs[len(segs)-1]
		if err := w.openSegment(last, false); err != nil {
			return nil, err
		}
	}
	w.durableLSN = w.lastLSN

	go w.flushLoop()
	return w, nil
}

func (w *WAL) segPath(idx int) string {
	return filepath.Join(w.cfg.Dir, fmt.Sprintf("seg-%04d.wal", idx))
}

func (w *WAL) listSegments() ([]int, error) {
	ents, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "read wal dir")
	}
	var idxs []int
	for _, e := range ents {
		var idx int
		if _, err := fmt.Sscanf(e.Name(), "seg-%04d.wal", &idx); err == nil {
			idxs = append(idxs, idx)
		}
	}
	sort.Ints(idxs)
	return idxs, nil
}

// openSegment opens segment idx for appends, creating it when fresh.
func (w *WAL) openSegment(idx int, create bool) error {
	f, err := os.OpenFile(w.segPath(idx), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return qerr.Wrap(qerr.KindIO, err, "open wal segment %d", idx)
	}
	if create {
		var hdr [walSegHdrSize]byte
		copy(hdr[0:8], walSegMagic)
		writeU32(hdr[8:12], walSegVersion)
		if _, err := f.WriteAt(hdr[:], 0); err != nil {
			f.Close()
			return qerr.Wrap(qerr.KindIO, err, "write wal segment header")
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return qerr.Wrap(qerr.KindIO, err, "sync wal segment header")
		}
		w.segOff = walSegHdrSize
	} else {
		end, err := w.validSegmentEnd(idx)
		if err != nil {
			f.Close()
			return err
		}
		// Drop any torn tail left by a crash.
		if err := f.Truncate(end); err != nil {
			f.Close()
			return qerr.Wrap(qerr.KindIO, err, "truncate torn wal tail")
		}
		w.segOff = end
	}
	w.seg = f
	w.segIndex = idx
	return nil
}

// scanSegment indexes every valid record of segment idx, advancing the LSN
// counter and checkpoint marker.
func (w *WAL) scanSegment(idx int) error {
	f, err := os.Open(w.segPath(idx))
	if err != nil {
		return qerr.Wrap(qerr.KindIO, err, "open wal segment %d", idx)
	}
	defer f.Close()

	var hdr [walSegHdrSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return qerr.Wrap(qerr.KindCorruptWalRecord, err, "short wal segment header")
	}
	if string(hdr[0:8]) != walSegMagic {
		return qerr.New(qerr.KindCorruptWalRecord, "bad wal segment magic in seg-%04d", idx)
	}

	off := int64(walSegHdrSize)
	for {
		rec, err := readRecord(f)
		if err != nil {
			break // EOF or torn tail
		}
		w.positions[rec.LSN] = recPos{seg: idx, off: off}
		sz := int64(walRecHdrSize + len(rec.payload()))
		off += sz
		if rec.LSN >= w.nextLSN {
			w.nextLSN = rec.LSN + 1
		}
		w.lastLSN = rec.LSN
		if rec.Kind == RecordCheckpoint {
			w.lastCkpt = rec.LSN
		}
	}
	return nil
}

// validSegmentEnd returns the byte offset just past the last intact record.
func (w *WAL) validSegmentEnd(idx int) (int64, error) {
	f, err := os.Open(w.segPath(idx))
	if err != nil {
		return 0, qerr.Wrap(qerr.KindIO, err, "open wal segment %d", idx)
	}
	defer f.Close()
	if _, err := f.Seek(walSegHdrSize, io.SeekStart); err != nil {
		return 0, qerr.Wrap(qerr.KindIO, err, "seek wal segment")
	}
	end := int64(walSegHdrSize)
	for {
		rec, err := readRecord(f)
		if err != nil {
			break
		}
		end += int64(walRecHdrSize + len(rec.payload()))
	}
	return end, nil
}

// Append writes a record to the log, assigning its LSN. The record is not
// durable until FlushUntil covers the returned LSN.
func (w *WAL) Append(rec *Record) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, qerr.New(qerr.KindIO, "wal closed")
	}

	rec.LSN = w.nextLSN
	w.nextLSN++
	data := marshalRecord(rec)

	if w.segOff+int64(len(data)) > w.cfg.SegmentSize && w.segOff > walSegHdrSize {
		if err := w.sealSegmentLocked(); err != nil {
			return 0, err
		}
	}

	if _, err := w.seg.WriteAt(data, w.segOff); err != nil {
		return 0, qerr.Wrap(qerr.KindIO, err, "wal append")
	}
	w.positions[rec.LSN] = recPos{seg: w.segIndex, off: w.segOff}
	w.segOff += int64(len(data))
	w.lastLSN = rec.LSN
	w.pendingRecords++
	w.pendingBytes += int64(len(data))
	metrics.WALAppends.Inc()

	if w.pendingRecords >= w.cfg.GroupCommitMaxRecords || w.pendingBytes >= w.cfg.GroupCommitMaxBytes {
		w.kickFlush()
	}
	return rec.LSN, nil
}

func (w *WAL) sealSegmentLocked() error {
	if err := w.seg.Sync(); err != nil {
		return qerr.Wrap(qerr.KindIO, err, "seal wal segment %d", w.segIndex)
	}
	if err := w.seg.Close(); err != nil {
		return qerr.Wrap(qerr.KindIO, err, "close wal segment %d", w.segIndex)
	}
	w.durableLSN = w.lastLSN
	return w.openSegment(w.segIndex+1, true)
}

func (w *WAL) kickFlush() {
	select {
	case w.flushCh <- struct{}{}:
	default:
	}
}

// FlushUntil blocks until every record through lsn is durable. Commits
// arriving within the group-commit window share a single fsync.
func (w *WAL) FlushUntil(lsn LSN) error {
	w.mu.Lock()
	if w.durableLSN >= lsn {
		w.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	w.waiters = append(w.waiters, flushWaiter{lsn: lsn, ch: ch})
	w.mu.Unlock()
	w.kickFlush()
	return <-ch
}

// Sync makes the entire log durable.
func (w *WAL) Sync() error {
	w.mu.Lock()
	last := w.lastLSN
	w.mu.Unlock()
	if last == 0 {
		return nil
	}
	return w.FlushUntil(last)
}

func (w *WAL) flushLoop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			w.flushOnce()
			return
		case <-w.flushCh:
			// Let more commits join the barrier.
			w.mu.Lock()
			saturated := w.pendingRecords >= w.cfg.GroupCommitMaxRecords ||
				w.pendingBytes >= w.cfg.GroupCommitMaxBytes
			w.mu.Unlock()
			if !saturated {
				time.Sleep(w.cfg.GroupCommitDelay)
			}
			w.flushOnce()
		}
	}
}

func (w *WAL) flushOnce() {
	w.mu.Lock()
	if w.pendingRecords == 0 && len(w.waiters) == 0 {
		w.mu.Unlock()
		return
	}
	target := w.lastLSN
	seg := w.seg
	w.mu.Unlock()

	var err error
	if seg != nil {
		err = seg.Sync()
	}

	w.mu.Lock()
	if err == nil {
		w.durableLSN = target
		w.pendingRecords = 0
		w.pendingBytes = 0
		metrics.WALFsyncs.Inc()
	}
	var remain []flushWaiter
	for _, fw := range w.waiters {
		if err != nil {
			fw.ch <- qerr.Wrap(qerr.KindIO, err, "wal fsync")
		} else if fw.lsn <= w.durableLSN {
			fw.ch <- nil
		} else {
			remain = append(remain, fw)
		}
	}
	w.waiters = remain
	w.mu.Unlock()
	if len(remain) > 0 {
		w.kickFlush()
	}
}

// DurableLSN returns the highest LSN guaranteed on disk.
func (w *WAL) DurableLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.durableLSN
}

// LastLSN returns the highest LSN appended so far.
func (w *WAL) LastLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastLSN
}

// LastCheckpointLSN returns the LSN of the most recent checkpoint record.
func (w *WAL) LastCheckpointLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCkpt
}

// Checkpoint appends a checkpoint record listing the active transactions and
// dirty pages, makes it durable, and prunes the in-memory record index up to
// the oldest LSN still needed for undo.
func (w *WAL) Checkpoint(activeTxs map[TxID]LSN, dirtyPages map[PageID]LSN) (LSN, error) {
	rec := &Record{Kind: RecordCheckpoint, ActiveTxs: activeTxs, DirtyPages: dirtyPages}
	lsn, err := w.Append(rec)
	if err != nil {
		return 0, err
	}
	if err := w.FlushUntil(lsn); err != nil {
		return 0, err
	}

	w.mu.Lock()
	w.lastCkpt = lsn
	keep := lsn
	for _, l := range activeTxs {
		if l < keep {
			keep = l
		}
	}
	for _, l := range dirtyPages {
		if l < keep {
			keep = l
		}
	}
	for l := range w.positions {
		if l < keep {
			delete(w.positions, l)
		}
	}
	w.mu.Unlock()
	return lsn, nil
}

// ReadAt returns the record with the given LSN, consulting the in-memory
// index first and falling back to a segment scan. Undo never requires the
// page cache: any record still on disk is reachable.
func (w *WAL) ReadAt(lsn LSN) (*Record, error) {
	w.mu.Lock()
	pos, ok := w.positions[lsn]
	w.mu.Unlock()
	if ok {
		f, err := os.Open(w.segPath(pos.seg))
		if err != nil {
			return nil, qerr.Wrap(qerr.KindIO, err, "open wal segment %d", pos.seg)
		}
		defer f.Close()
		if _, err := f.Seek(pos.off, io.SeekStart); err != nil {
			return nil, qerr.Wrap(qerr.KindIO, err, "seek wal record")
		}
		return readRecord(f)
	}
	var found *Record
	err := w.IterSince(lsn, func(rec *Record) (bool, error) {
		if rec.LSN == lsn {
			found = rec
			return false, nil
		}
		return rec.LSN < lsn, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, qerr.New(qerr.KindCorruptWalRecord, "no wal record at LSN %d", lsn)
	}
	return found, nil
}

// IterSince streams every record with LSN >= lsn in log order. fn returns
// false to stop early. A torn tail in the newest segment ends iteration.
func (w *WAL) IterSince(lsn LSN, fn func(*Record) (bool, error)) error {
	w.mu.Lock()
	segs, err := w.listSegments()
	w.mu.Unlock()
	if err != nil {
		return err
	}
	for _, idx := range segs {
		f, err := os.Open(w.segPath(idx))
		if err != nil {
			return qerr.Wrap(qerr.KindIO, err, "open wal segment %d", idx)
		}
		if _, err := f.Seek(walSegHdrSize, io.SeekStart); err != nil {
			f.Close()
			return qerr.Wrap(qerr.KindIO, err, "seek wal segment")
		}
		for {
			rec, rerr := readRecord(f)
			if rerr != nil {
				if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) ||
					qerr.Is(rerr, qerr.KindCorruptWalRecord) {
					break
				}
				f.Close()
				return rerr
			}
			if rec.LSN < lsn {
				continue
			}
			cont, ferr := fn(rec)
			if ferr != nil || !cont {
				f.Close()
				return ferr
			}
		}
		f.Close()
	}
	return nil
}

// TruncateThrough removes sealed segments whose records all precede lsn.
// The current segment is never removed.
func (w *WAL) TruncateThrough(lsn LSN) error {
	w.mu.Lock()
	cur := w.segIndex
	segs, err := w.listSegments()
	w.mu.Unlock()
	if err != nil {
		return err
	}
	for _, idx := range segs {
		if idx >= cur {
			break
		}
		maxLSN := LSN(0)
		f, err := os.Open(w.segPath(idx))
		if err != nil {
			continue
		}
		if _, err := f.Seek(walSegHdrSize, io.SeekStart); err == nil {
			for {
				rec, rerr := readRecord(f)
				if rerr != nil {
					break
				}
				maxLSN = rec.LSN
			}
		}
		f.Close()
		if maxLSN >= lsn {
			break
		}
		if err := os.Remove(w.segPath(idx)); err != nil {
			return qerr.Wrap(qerr.KindIO, err, "remove wal segment %d", idx)
		}
		w.logger.Debug().Int("segment", idx).Uint64("through_lsn", uint64(lsn)).
			Msg("reclaimed wal segment")
	}
	return nil
}

// DropAfter discards every record with LSN > target (point-in-time
// restore). Later segments are removed wholesale; the segment containing
// the cut is truncated at the record boundary.
func (w *WAL) DropAfter(target LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	segs, err := w.listSegments()
	if err != nil {
		return err
	}
	for _, idx := range segs {
		f, err := os.OpenFile(w.segPath(idx), os.O_RDWR, 0o644)
		if err != nil {
			return qerr.Wrap(qerr.KindIO, err, "open wal segment %d", idx)
		}
		if _, err := f.Seek(walSegHdrSize, io.SeekStart); err != nil {
			f.Close()
			return qerr.Wrap(qerr.KindIO, err, "seek wal segment")
		}
		cut := int64(walSegHdrSize)
		empty := true
		for {
			rec, rerr := readRecord(f)
			if rerr != nil {
				break
			}
			if rec.LSN > target {
				break
			}
			empty = false
			cut += int64(walRecHdrSize + len(rec.payload()))
		}
		if empty && idx != segs[0] {
			f.Close()
			if err := os.Remove(w.segPath(idx)); err != nil {
				return qerr.Wrap(qerr.KindIO, err, "remove wal segment %d", idx)
			}
			continue
		}
		if err := f.Truncate(cut); err != nil {
			f.Close()
			return qerr.Wrap(qerr.KindIO, err, "truncate wal segment %d", idx)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return qerr.Wrap(qerr.KindIO, err, "sync wal segment %d", idx)
		}
		f.Close()
	}
	// Reset in-memory state to the cut.
	for lsn := range w.positions {
		if lsn > target {
			delete(w.positions, lsn)
		}
	}
	if w.lastLSN > target {
		w.lastLSN = target
	}
	if w.durableLSN > target {
		w.durableLSN = target
	}
	if w.nextLSN > target+1 {
		w.nextLSN = target + 1
	}
	if w.seg != nil {
		if end, err := w.seg.Seek(0, io.SeekEnd); err == nil {
			w.segOff = end
		}
	}
	return nil
}

// Close flushes and shuts down the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seg != nil {
		if err := w.seg.Sync(); err != nil {
			return qerr.Wrap(qerr.KindIO, err, "final wal sync")
		}
		return w.seg.Close()
	}
	return nil
}

func writeU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
