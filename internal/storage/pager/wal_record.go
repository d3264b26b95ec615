package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/quantadb/quantadb/internal/qerr"
)

// ───────────────────────────────────────────────────────────────────────────
// WAL record format
// ───────────────────────────────────────────────────────────────────────────
//
// The WAL is a sequence of variable-length records spread over fixed-size
// segment files. Physiological logging: Update records carry before and
// after images of the touched page region (full page for simplicity), CLRs
// carry the after image of an undo plus the next LSN to undo.
//
// Record header (33 bytes):
//   [0]     Kind        (1 byte)
//   [1:9]   LSN         (uint64 LE)
//   [9:17]  PrevLSN     (uint64 LE — previous record of the same tx, 0 = none)
//   [17:25] TxID        (uint64 LE, 0 for non-tx records)
//   [25:29] PayloadLen  (uint32 LE)
//   [29:33] RecordCRC   (uint32 LE — CRC of header (CRC zeroed) + payload)
//
// Payload by kind:
//   Begin/Commit/Abort: empty
//   Update:     PageID(8) + BeforeLen(4) + Before + AfterLen(4) + After
//   CLR:        PageID(8) + UndoNextLSN(8) + AfterLen(4) + After
//   Checkpoint: ATTCount(4) + {TxID(8), LastLSN(8)}* +
//               DPTCount(4) + {PageID(8), RecLSN(8)}*
//   Savepoint:  NameLen(2) + Name
//   RollbackTo: NameLen(2) + Name + TargetLSN(8)

const walRecHdrSize = 33

// RecordKind identifies the kind of WAL record.
type RecordKind uint8

const (
	RecordBegin      RecordKind = 0x01
	RecordCommit     RecordKind = 0x02
	RecordAbort      RecordKind = 0x03
	RecordUpdate     RecordKind = 0x04
	RecordCLR        RecordKind = 0x05
	RecordCheckpoint RecordKind = 0x06
	RecordSavepoint  RecordKind = 0x07
	RecordRollbackTo RecordKind = 0x08
)

func (k RecordKind) String() string {
	switch k {
	case RecordBegin:
		return "BEGIN"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	case RecordUpdate:
		return "UPDATE"
	case RecordCLR:
		return "CLR"
	case RecordCheckpoint:
		return "CHECKPOINT"
	case RecordSavepoint:
		return "SAVEPOINT"
	case RecordRollbackTo:
		return "ROLLBACK_TO"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(k))
	}
}

// Record is the in-memory representation of a WAL record.
type Record struct {
	Kind    RecordKind
	LSN     LSN
	PrevLSN LSN
	TxID    TxID

	// Update / CLR fields.
	PageID      PageID
	Before      []byte // Update only
	After       []byte // Update and CLR
	UndoNextLSN LSN    // CLR only

	// Checkpoint fields.
	ActiveTxs  map[TxID]LSN    // tx → last LSN written
	DirtyPages map[PageID]LSN  // page → recovery LSN (first dirtying record)

	// Savepoint / RollbackTo fields.
	Name      string
	TargetLSN LSN // RollbackTo only
}

func (r *Record) payload() []byte {
	switch r.Kind {
	case RecordUpdate:
		buf := make([]byte, 8+4+len(r.Before)+4+len(r.After))
		binary.LittleEndian.PutUint64(buf[0:8], uint64(r.PageID))
		binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.Before)))
		n := 12 + copy(buf[12:], r.Before)
		binary.LittleEndian.PutUint32(buf[n:n+4], uint32(len(r.After)))
		copy(buf[n+4:], r.After)
		return buf
	case RecordCLR:
		buf := make([]byte, 8+8+4+len(r.After))
		binary.LittleEndian.PutUint64(buf[0:8], uint64(r.PageID))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(r.UndoNextLSN))
		binary.LittleEndian.PutUint32(buf[16:20], uint32(len(r.After)))
		copy(buf[20:], r.After)
		return buf
	case RecordCheckpoint:
		buf := make([]byte, 4+16*len(r.ActiveTxs)+4+16*len(r.DirtyPages))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(r.ActiveTxs)))
		off := 4
		for tx, lsn := range r.ActiveTxs {
			binary.LittleEndian.PutUint64(buf[off:], uint64(tx))
			binary.LittleEndian.PutUint64(buf[off+8:], uint64(lsn))
			off += 16
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.DirtyPages)))
		off += 4
		for pid, lsn := range r.DirtyPages {
			binary.LittleEndian.PutUint64(buf[off:], uint64(pid))
			binary.LittleEndian.PutUint64(buf[off+8:], uint64(lsn))
			off += 16
		}
		return buf
	case RecordSavepoint:
		buf := make([]byte, 2+len(r.Name))
		binary.LittleEndian.PutUint16(buf[0:2], uint16(len(r.Name)))
		copy(buf[2:], r.Name)
		return buf
	case RecordRollbackTo:
		buf := make([]byte, 2+len(r.Name)+8)
		binary.LittleEndian.PutUint16(buf[0:2], uint16(len(r.Name)))
		copy(buf[2:], r.Name)
		binary.LittleEndian.PutUint64(buf[2+len(r.Name):], uint64(r.TargetLSN))
		return buf
	default:
		return nil
	}
}

func (r *Record) decodePayload(p []byte) error {
	fail := func() error {
		return qerr.New(qerr.KindCorruptWalRecord, "short %s payload at LSN %d", r.Kind, r.LSN)
	}
	switch r.Kind {
	case RecordUpdate:
		if len(p) < 12 {
			return fail()
		}
		r.PageID = PageID(binary.LittleEndian.Uint64(p[0:8]))
		bl := int(binary.LittleEndian.Uint32(p[8:12]))
		if len(p) < 12+bl+4 {
			return fail()
		}
		r.Before = append([]byte(nil), p[12:12+bl]...)
		al := int(binary.LittleEndian.Uint32(p[12+bl : 16+bl]))
		if len(p) < 16+bl+al {
			return fail()
		}
		r.After = append([]byte(nil), p[16+bl:16+bl+al]...)
	case RecordCLR:
		if len(p) < 20 {
			return fail()
		}
		r.PageID = PageID(binary.LittleEndian.Uint64(p[0:8]))
		r.UndoNextLSN = LSN(binary.LittleEndian.Uint64(p[8:16]))
		al := int(binary.LittleEndian.Uint32(p[16:20]))
		if len(p) < 20+al {
			return fail()
		}
		r.After = append([]byte(nil), p[20:20+al]...)
	case RecordCheckpoint:
		if len(p) < 4 {
			return fail()
		}
		n := int(binary.LittleEndian.Uint32(p[0:4]))
		off := 4
		r.ActiveTxs = make(map[TxID]LSN, n)
		for i := 0; i < n; i++ {
			if len(p) < off+16 {
				return fail()
			}
			r.ActiveTxs[TxID(binary.LittleEndian.Uint64(p[off:]))] =
				LSN(binary.LittleEndian.Uint64(p[off+8:]))
			off += 16
		}
		if len(p) < off+4 {
			return fail()
		}
		m := int(binary.LittleEndian.Uint32(p[off:]))
		off += 4
		r.DirtyPages = make(map[PageID]LSN, m)
		for i := 0; i < m; i++ {
			if len(p) < off+16 {
				return fail()
			}
			r.DirtyPages[PageID(binary.LittleEndian.Uint64(p[off:]))] =
				LSN(binary.LittleEndian.Uint64(p[off+8:]))
			off += 16
		}
	case RecordSavepoint:
		if len(p) < 2 {
			return fail()
		}
		nl := int(binary.LittleEndian.Uint16(p[0:2]))
		if len(p) < 2+nl {
			return fail()
		}
		r.Name = string(p[2 : 2+nl])
	case RecordRollbackTo:
		if len(p) < 2 {
			return fail()
		}
		nl := int(binary.LittleEndian.Uint16(p[0:2]))
		if len(p) < 2+nl+8 {
			return fail()
		}
		r.Name = string(p[2 : 2+nl])
		r.TargetLSN = LSN(binary.LittleEndian.Uint64(p[2+nl:]))
	}
	return nil
}

// marshalRecord renders a record (LSN already assigned) to wire form.
func marshalRecord(r *Record) []byte {
	payload := r.payload()
	buf := make([]byte, walRecHdrSize+len(payload))
	buf[0] = byte(r.Kind)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(r.LSN))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(r.PrevLSN))
	binary.LittleEndian.PutUint64(buf[17:25], uint64(r.TxID))
	binary.LittleEndian.PutUint32(buf[25:29], uint32(len(payload)))
	copy(buf[walRecHdrSize:], payload)
	// CRC over the whole record with the CRC field zeroed.
	h := crc32.New(crcTable)
	h.Write(buf[:29])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(payload)
	binary.LittleEndian.PutUint32(buf[29:33], h.Sum32())
	return buf
}

// readRecord reads one record from r. io.EOF (possibly wrapped) marks a
// clean end; a CRC failure marks a torn tail or corruption.
func readRecord(rd io.Reader) (*Record, error) {
	var hdr [walRecHdrSize]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return nil, err
	}
	rec := &Record{
		Kind:    RecordKind(hdr[0]),
		LSN:     LSN(binary.LittleEndian.Uint64(hdr[1:9])),
		PrevLSN: LSN(binary.LittleEndian.Uint64(hdr[9:17])),
		TxID:    TxID(binary.LittleEndian.Uint64(hdr[17:25])),
	}
	plen := int(binary.LittleEndian.Uint32(hdr[25:29]))
	stored := binary.LittleEndian.Uint32(hdr[29:33])
	payload := make([]byte, plen)
	if plen > 0 {
		if _, err := io.ReadFull(rd, payload); err != nil {
			return nil, err
		}
	}
	h := crc32.New(crcTable)
	h.Write(hdr[:29])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(payload)
	if h.Sum32() != stored {
		return nil, qerr.New(qerr.KindCorruptWalRecord, "CRC mismatch at LSN %d", rec.LSN)
	}
	if err := rec.decodePayload(payload); err != nil {
		return nil, err
	}
	return rec, nil
}
