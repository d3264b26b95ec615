// Package backup implements full and incremental snapshots of a database
// directory, driven by WAL LSN ranges, plus verified restore with optional
// point-in-time recovery.
//
// Each backup is a directory backups/<uuid>/ containing metadata.json, the
// copied pages under data/, and the covering WAL segments under wal/.
// Compression is a transparent wrapper: every data file passes through the
// configured block codec.
package backup

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantadb/quantadb/internal/codec"
	"github.com/quantadb/quantadb/internal/log"
	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/storage/pager"
)

// Type discriminates full from incremental backups.
type Type string

const (
	TypeFull        Type = "full"
	TypeIncremental Type = "incremental"
)

// Metadata describes one stored backup.
type Metadata struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Parent    string    `json:"parent,omitempty"` // base backup for incrementals
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	BaseLSN   pager.LSN `json:"base_lsn"`
	EndLSN    pager.LSN `json:"end_lsn"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  uint32    `json:"checksum"`
	Codec     string    `json:"codec,omitempty"`
	PageCount int       `json:"page_count"`
}

// Manager creates, lists, and restores backups for one database.
type Manager struct {
	p      *pager.Pager
	dir    string // backups root
	codec  codec.BlockCodec
	logger zerolog.Logger
}

// Options configure a backup manager.
type Options struct {
	// Codec compresses data files; empty means store raw.
	Codec string
}

// NewManager builds a backup manager over an open pager.
func NewManager(p *pager.Pager, opts Options) (*Manager, error) {
	var c codec.BlockCodec
	if opts.Codec != "" {
		var err error
		c, err = codec.Lookup(opts.Codec)
		if err != nil {
			return nil, err
		}
	}
	return &Manager{
		p:      p,
		dir:    filepath.Join(p.Dir(), "backups"),
		codec:  c,
		logger: log.WithComponent("backup"),
	}, nil
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ─── Create ────────────────────────────────────────────────────────────────

// Full snapshots every live page plus a consistent WAL suffix.
func (m *Manager) Full() (*Metadata, error) {
	return m.create(TypeFull, "")
}

// Incremental copies only the pages touched since the parent backup's end
// LSN, determined from the WAL's Update and CLR records.
func (m *Manager) Incremental(parentID string) (*Metadata, error) {
	return m.create(TypeIncremental, parentID)
}

func (m *Manager) create(typ Type, parentID string) (*Metadata, error) {
	meta := &Metadata{
		ID:        uuid.NewString(),
		Type:      typ,
		Parent:    parentID,
		StartedAt: time.Now().UTC(),
	}
	if m.codec != nil {
		meta.Codec = m.codec.Name()
	}

	var baseLSN pager.LSN
	if typ == TypeIncremental {
		parent, err := m.Load(parentID)
		if err != nil {
			return nil, qerr.Wrap(qerr.KindIO, err, "incremental base %s", parentID)
		}
		baseLSN = parent.EndLSN
	}
	meta.BaseLSN = baseLSN

	// Checkpoint so the page files reflect everything up to EndLSN.
	if err := m.p.Checkpoint(); err != nil {
		return nil, err
	}
	meta.EndLSN = m.p.WAL().LastLSN()

	dir := filepath.Join(m.dir, meta.ID)
	for _, sub := range []string{"data", "wal"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, qerr.Wrap(qerr.KindIO, err, "create backup dir")
		}
	}

	pages, err := m.pagesToCopy(typ, baseLSN)
	if err != nil {
		return nil, err
	}
	meta.PageCount = len(pages)

	// Copy pages concurrently; each file is one page, named by PageID.
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for _, id := range pages {
		id := id
		g.Go(func() error { return m.copyPage(dir, id) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := m.copyWAL(dir, baseLSN); err != nil {
		return nil, err
	}

	// The schema catalog is database state too.
	if raw, err := os.ReadFile(filepath.Join(m.p.Dir(), "catalog.meta")); err == nil {
		if err := os.WriteFile(filepath.Join(dir, "catalog.meta"), raw, 0o644); err != nil {
			return nil, qerr.Wrap(qerr.KindIO, err, "copy catalog")
		}
	}

	meta.EndedAt = time.Now().UTC()
	meta.SizeBytes, meta.Checksum = dirSizeAndChecksum(dir)
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "encode metadata")
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), raw, 0o644); err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "write metadata")
	}
	m.logger.Info().Str("id", meta.ID).Str("type", string(typ)).
		Int("pages", meta.PageCount).Msg("backup complete")
	return meta, nil
}

// pagesToCopy determines the page set: all allocated pages for a full
// backup, or the pages named by Update/CLR records past baseLSN.
func (m *Manager) pagesToCopy(typ Type, baseLSN pager.LSN) ([]pager.PageID, error) {
	if typ == TypeFull {
		next := m.p.Meta().NextPageID
		out := make([]pager.PageID, 0, next)
		for id := pager.PageID(0); id < next; id++ {
			out = append(out, id)
		}
		return out, nil
	}
	touched := map[pager.PageID]bool{pager.MetaPageID: true}
	err := m.p.WAL().IterSince(baseLSN, func(rec *pager.Record) (bool, error) {
		if rec.Kind == pager.RecordUpdate || rec.Kind == pager.RecordCLR {
			touched[rec.PageID] = true
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	// Checkpoints may have reclaimed WAL segments inside the range; page
	// LSNs catch anything the log no longer shows.
	next := m.p.Meta().NextPageID
	for id := pager.PageID(1); id < next; id++ {
		if touched[id] {
			continue
		}
		buf, rerr := m.p.Read(id)
		if rerr != nil {
			continue
		}
		lsn := pager.PageLSN(buf)
		m.p.Unpin(id)
		if lsn > baseLSN {
			touched[id] = true
		}
	}
	out := make([]pager.PageID, 0, len(touched))
	for id := range touched {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Manager) copyPage(dir string, id pager.PageID) error {
	buf, err := m.p.Read(id)
	if err != nil {
		// Unallocated or freed page inside the range: skip.
		if qerr.Is(err, qerr.KindChecksumMismatch) || qerr.Is(err, qerr.KindIO) {
			return nil
		}
		return err
	}
	data := append([]byte(nil), buf...)
	m.p.Unpin(id)
	if m.codec != nil {
		if data, err = m.codec.Compress(data); err != nil {
			return err
		}
	}
	name := filepath.Join(dir, "data", fmt.Sprintf("page-%012d", id))
	return os.WriteFile(name, data, 0o644)
}

// copyWAL copies every WAL segment in the live log directory; baseLSN does
// not narrow the set.
func (m *Manager) copyWAL(dir string, baseLSN pager.LSN) error {
	srcDir := filepath.Join(m.p.Dir(), "wal")
	ents, err := os.ReadDir(srcDir)
	if err != nil {
		return qerr.Wrap(qerr.KindIO, err, "read wal dir")
	}
	for _, e := range ents {
		src := filepath.Join(srcDir, e.Name())
		raw, err := os.ReadFile(src)
		if err != nil {
			return qerr.Wrap(qerr.KindIO, err, "read %s", e.Name())
		}
		if err := os.WriteFile(filepath.Join(dir, "wal", e.Name()), raw, 0o644); err != nil {
			return qerr.Wrap(qerr.KindIO, err, "copy %s", e.Name())
		}
	}
	return nil
}

// ─── List / load / delete ──────────────────────────────────────────────────

// List returns all backups, oldest first.
func (m *Manager) List() ([]*Metadata, error) {
	ents, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "read backups dir")
	}
	var out []*Metadata
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		meta, err := m.Load(e.Name())
		if err != nil {
			m.logger.Warn().Str("id", e.Name()).Err(err).Msg("skipping unreadable backup")
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Load reads one backup's metadata.
func (m *Manager) Load(id string) (*Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(m.dir, id, "metadata.json"))
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "backup %s", id)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "backup %s metadata", id)
	}
	return &meta, nil
}

// Delete removes a stored backup.
func (m *Manager) Delete(id string) error {
	path := filepath.Join(m.dir, id)
	if _, err := os.Stat(path); err != nil {
		return qerr.Wrap(qerr.KindIO, err, "backup %s", id)
	}
	return os.RemoveAll(path)
}

func dirSizeAndChecksum(dir string) (int64, uint32) {
	var size int64
	h := crc32.New(crcTable)
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		size += info.Size()
		if raw, rerr := os.ReadFile(path); rerr == nil {
			h.Write(raw)
		}
		return nil
	})
	return size, h.Sum32()
}
