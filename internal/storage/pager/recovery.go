package pager

// ───────────────────────────────────────────────────────────────────────────
// Crash recovery (ARIES)
// ───────────────────────────────────────────────────────────────────────────
//
// Three passes over the WAL, starting at the last checkpoint:
//
//   1. Analysis — rebuild the active-transaction table (ATT) and the
//      dirty-page table (DPT) from the checkpoint record plus everything
//      after it.
//   2. Redo — from the oldest recLSN in the DPT, re-apply every Update and
//      CLR whose LSN is newer than the page's on-disk LSN. The LSN guard
//      makes redo idempotent.
//   3. Undo — for every transaction still in the ATT (a loser), walk its
//      PrevLSN chain writing CLRs until its Begin record, then log Abort.
//
// Running recovery twice yields the same state: redo is LSN-guarded and the
// second run finds no losers.

// Recover replays the WAL and restores a consistent on-disk state.
func (p *Pager) Recover() error {
	start := p.meta.CheckpointLSN

	// ── Analysis ──
	att := make(map[TxID]LSN)
	dpt := make(map[PageID]LSN)
	var maxTx TxID
	var maxPage PageID
	var records int

	err := p.wal.IterSince(start, func(rec *Record) (bool, error) {
		records++
		if rec.TxID > maxTx {
			maxTx = rec.TxID
		}
		switch rec.Kind {
		case RecordCheckpoint:
			for tx, lsn := range rec.ActiveTxs {
				att[tx] = lsn
			}
			for pid, lsn := range rec.DirtyPages {
				if _, ok := dpt[pid]; !ok {
					dpt[pid] = lsn
				}
			}
		case RecordBegin, RecordSavepoint, RecordRollbackTo:
			att[rec.TxID] = rec.LSN
		case RecordUpdate, RecordCLR:
			att[rec.TxID] = rec.LSN
			if _, ok := dpt[rec.PageID]; !ok {
				dpt[rec.PageID] = rec.LSN
			}
			if rec.PageID > maxPage {
				maxPage = rec.PageID
			}
		case RecordCommit, RecordAbort:
			delete(att, rec.TxID)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if records == 0 {
		return nil
	}

	// ── Redo ──
	redoStart := p.wal.LastLSN()
	for _, lsn := range dpt {
		if lsn < redoStart {
			redoStart = lsn
		}
	}
	var applied int
	err = p.wal.IterSince(redoStart, func(rec *Record) (bool, error) {
		if rec.Kind != RecordUpdate && rec.Kind != RecordCLR {
			return true, nil
		}
		buf, rerr := p.readPageRaw(rec.PageID)
		if rerr != nil {
			buf = make([]byte, PageSize)
		}
		if PageLSN(buf) >= rec.LSN {
			return true, nil // already applied
		}
		img := make([]byte, PageSize)
		copy(img, rec.After)
		SetPageLSN(img, rec.LSN)
		SealPage(img)
		if werr := p.writePageRaw(rec.PageID, img); werr != nil {
			return false, werr
		}
		applied++
		return true, nil
	})
	if err != nil {
		return err
	}

	// ── Undo ──
	for tx, lsn := range att {
		p.mu.Lock()
		p.txLast[tx] = lsn
		p.mu.Unlock()
		if err := p.AbortTx(tx); err != nil {
			return err
		}
	}

	// Make the undo effects and counters durable.
	p.mu.Lock()
	if maxPage+1 > p.meta.NextPageID {
		p.meta.NextPageID = maxPage + 1
	}
	if maxTx+1 > p.meta.NextTxID {
		p.meta.NextTxID = maxTx + 1
	}
	if err := p.flushAllLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := p.syncAllSegments(); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := p.writeMeta(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	if err := p.wal.Sync(); err != nil {
		return err
	}
	p.logger.Info().
		Int("records", records).
		Int("redo_applied", applied).
		Int("losers", len(att)).
		Msg("recovery complete")
	return nil
}
