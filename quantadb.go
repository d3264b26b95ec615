// Package quantadb is the embeddable entry point: open a database
// directory, run SQL through sessions, and wire the optional cluster and
// realtime layers from the cmd/ front ends.
//
//	qdb, err := quantadb.Open("/var/lib/quantadb", quantadb.Options{})
//	if err != nil { ... }
//	defer qdb.Close()
//
//	sess := qdb.Session()
//	res, err := sess.Exec(ctx, "SELECT name FROM users WHERE id = 1")
package quantadb

import (
	"context"

	"github.com/quantadb/quantadb/internal/db"
	"github.com/quantadb/quantadb/internal/query"
	"github.com/quantadb/quantadb/internal/storage/pager"
	"github.com/quantadb/quantadb/internal/txn"
)

// Options configure Open.
type Options struct {
	// CacheSize is the buffer pool size in pages (default 1024).
	CacheSize int
	// SyncMode controls page-file fsync behaviour.
	SyncMode SyncMode
	// NodeID seeds snowflake id generation in clustered deployments.
	NodeID uint64
}

// SyncMode mirrors the pager's durability setting.
type SyncMode int

const (
	// SyncCommit (the default) makes commits durable via the WAL fsync.
	SyncCommit SyncMode = iota
	// SyncNone trades durability for speed: page files fsync only at
	// checkpoints.
	SyncNone
	// SyncAlways additionally fsyncs page files on every write-back.
	SyncAlways
)

func (m SyncMode) pagerMode() pager.SyncMode {
	switch m {
	case SyncNone:
		return pager.SyncNone
	case SyncAlways:
		return pager.SyncAlways
	default:
		return pager.SyncCommit
	}
}

// DB is an open database.
type DB struct {
	inner *db.DB
}

// Session is one statement stream with transaction state.
type Session struct {
	inner *db.Session
}

// Result is a statement outcome.
type Result = query.Result

// Open opens or creates a database directory, running crash recovery.
func Open(dir string, opts Options) (*DB, error) {
	inner, err := db.Open(dir, db.Options{
		CacheSize:        opts.CacheSize,
		Sync:             opts.SyncMode.pagerMode(),
		DefaultIsolation: txn.ReadCommitted,
		NodeID:           opts.NodeID,
	})
	if err != nil {
		return nil, err
	}
	return &DB{inner: inner}, nil
}

// Session opens a new session.
func (d *DB) Session() *Session {
	return &Session{inner: d.inner.Session()}
}

// Exec parses and executes one SQL statement.
func (s *Session) Exec(ctx context.Context, sqlText string) (*Result, error) {
	return s.inner.Exec(ctx, sqlText)
}

// InTransaction reports whether an explicit transaction is open.
func (s *Session) InTransaction() bool { return s.inner.InTransaction() }

// Close aborts any open transaction.
func (s *Session) Close() error { return s.inner.Close() }

// Checkpoint forces a storage checkpoint (flush + WAL reclamation).
func (d *DB) Checkpoint() error { return d.inner.Checkpoint() }

// Close checkpoints and closes the database.
func (d *DB) Close() error { return d.inner.Close() }
