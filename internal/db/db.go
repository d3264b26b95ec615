// Package db assembles the storage engine, transaction manager, and query
// engine into the embeddable database facade with session-scoped
// transaction control.
package db

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quantadb/quantadb/internal/log"
	"github.com/quantadb/quantadb/internal/qerr"
	"github.com/quantadb/quantadb/internal/query"
	"github.com/quantadb/quantadb/internal/sql"
	"github.com/quantadb/quantadb/internal/storage/pager"
	"github.com/quantadb/quantadb/internal/storage/table"
	"github.com/quantadb/quantadb/internal/txn"
)

// Options configure Open.
type Options struct {
	CacheSize        int
	Sync             pager.SyncMode
	DefaultIsolation txn.Isolation
	WAL              pager.WALConfig
	NodeID           uint64 // seeds snowflake id generation
}

// DB is one open database. Opening runs crash recovery; the returned
// handle is safe for concurrent sessions.
type DB struct {
	dir    string
	p      *pager.Pager
	store  *table.Store
	txm    *txn.Manager
	eng    *query.Engine
	logger zerolog.Logger
	opts   Options

	mu     sync.Mutex
	closed bool
}

// Open opens (or creates) the database directory and recovers it.
func Open(dir string, opts Options) (*DB, error) {
	p, err := pager.Open(pager.Config{
		Dir:       dir,
		CacheSize: opts.CacheSize,
		Sync:      opts.Sync,
		WAL:       opts.WAL,
	})
	if err != nil {
		return nil, err
	}
	store, err := table.OpenStore(p, dir)
	if err != nil {
		p.Close()
		return nil, err
	}
	if opts.NodeID != 0 {
		store.SetNodeID(opts.NodeID)
	}
	if opts.DefaultIsolation == 0 {
		opts.DefaultIsolation = txn.ReadCommitted
	}
	d := &DB{
		dir:    dir,
		p:      p,
		store:  store,
		txm:    txn.NewManager(p),
		eng:    query.NewEngine(store),
		logger: log.WithComponent("db"),
		opts:   opts,
	}
	return d, nil
}

// SetNotifier installs the committed-change listener (realtime hub).
func (d *DB) SetNotifier(n query.ChangeNotifier) { d.eng.SetNotifier(n) }

// Store exposes table storage (backup tooling uses it).
func (d *DB) Store() *table.Store { return d.store }

// Pager exposes the storage engine.
func (d *DB) Pager() *pager.Pager { return d.p }

// Checkpoint forces a storage checkpoint.
func (d *DB) Checkpoint() error { return d.p.Checkpoint() }

// Close checkpoints and closes the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.p.Close()
}

// Session opens an interactive session. Statements outside BEGIN/COMMIT
// autocommit; a statement error inside an explicit transaction poisons it
// until ROLLBACK.
func (d *DB) Session() *Session {
	return &Session{db: d, iso: d.opts.DefaultIsolation}
}

// Session is one client's statement stream.
type Session struct {
	db  *DB
	iso txn.Isolation

	mu sync.Mutex
	tx *txn.Tx
}

// InTransaction reports whether an explicit transaction is open.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// Exec parses and executes one statement.
func (s *Session) Exec(ctx context.Context, text string) (*query.Result, error) {
	stmt, err := sql.Parse(text)
	if err != nil {
		return nil, err
	}
	return s.ExecParsed(ctx, stmt, text)
}

// ExecParsed executes an already-parsed statement.
func (s *Session) ExecParsed(ctx context.Context, stmt sql.Statement, text string) (*query.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := stmt.(type) {
	case *sql.Begin:
		return s.execBegin(st)
	case *sql.Commit:
		return s.execCommit()
	case *sql.Rollback:
		return s.execRollback(st)
	case *sql.SavepointStmt:
		if s.tx == nil {
			return nil, qerr.New(qerr.KindNoActiveTransaction, "SAVEPOINT outside a transaction")
		}
		if err := s.tx.Usable(); err != nil {
			return nil, err
		}
		return &query.Result{}, s.tx.Savepoint(st.Name)
	case *sql.ReleaseStmt:
		if s.tx == nil {
			return nil, qerr.New(qerr.KindNoActiveTransaction, "RELEASE outside a transaction")
		}
		return &query.Result{}, s.tx.Release(st.Name)
	}

	// Data statement: explicit transaction or autocommit.
	if s.tx != nil {
		if err := s.tx.Usable(); err != nil {
			return nil, err
		}
		res, err := s.db.eng.Exec(ctx, s.tx, stmt, text)
		if err != nil {
			s.tx.Poison()
			return nil, err
		}
		return res, nil
	}

	tx, err := s.db.txm.Begin(s.iso)
	if err != nil {
		return nil, err
	}
	res, err := s.db.eng.Exec(ctx, tx, stmt, text)
	if err != nil {
		tx.Abort()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Session) execBegin(st *sql.Begin) (*query.Result, error) {
	if s.tx != nil {
		return nil, qerr.New(qerr.KindNestedTransaction, "BEGIN inside an active transaction")
	}
	iso := s.iso
	if st.Isolation != "" {
		parsed, ok := txn.ParseIsolation(st.Isolation)
		if !ok {
			return nil, qerr.New(qerr.KindParse, "unknown isolation level %q", st.Isolation)
		}
		iso = parsed
	}
	tx, err := s.db.txm.Begin(iso)
	if err != nil {
		return nil, err
	}
	s.tx = tx
	return &query.Result{}, nil
}

func (s *Session) execCommit() (*query.Result, error) {
	if s.tx == nil {
		return nil, qerr.New(qerr.KindNoActiveTransaction, "COMMIT without BEGIN")
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &query.Result{}, nil
}

func (s *Session) execRollback(st *sql.Rollback) (*query.Result, error) {
	if s.tx == nil {
		return nil, qerr.New(qerr.KindNoActiveTransaction, "ROLLBACK without BEGIN")
	}
	if st.Savepoint != "" {
		return &query.Result{}, s.tx.RollbackTo(st.Savepoint)
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Abort(); err != nil {
		return nil, err
	}
	return &query.Result{}, nil
}

// Close aborts any open transaction.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		tx := s.tx
		s.tx = nil
		return tx.Abort()
	}
	return nil
}

// ─── Streaming queries (realtime integration) ──────────────────────────────

// StreamQuery runs a SELECT in its own read transaction and returns the
// batch cursor for the realtime layer.
func (d *DB) StreamQuery(ctx context.Context, text string) (*query.Cursor, error) {
	stmt, err := sql.Parse(text)
	if err != nil {
		return nil, err
	}
	sel, ok := stmt.(*sql.Select)
	if !ok {
		return nil, qerr.New(qerr.KindParse, "only SELECT can stream")
	}
	tx, err := d.txm.Begin(txn.ReadCommitted)
	if err != nil {
		return nil, err
	}
	cur, err := d.eng.Stream(ctx, tx, sel)
	if err != nil {
		tx.Abort()
		return nil, err
	}
	// The cursor is fully materialised; release locks immediately.
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cur, nil
}
