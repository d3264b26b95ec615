// Package metrics registers the engine's Prometheus collectors. The HTTP
// exposition endpoint belongs to the embedding server; this package only
// owns the registry and the instruments the subsystems update.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the engine-wide metrics registry.
var Registry = prometheus.NewRegistry()

var (
	PagesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantadb_pages_read_total",
		Help: "Pages read from disk (cache misses).",
	})
	PagesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantadb_pages_written_total",
		Help: "Pages written back to disk.",
	})
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantadb_page_cache_hits_total",
		Help: "Page reads served from the buffer pool.",
	})
	WALAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantadb_wal_appends_total",
		Help: "WAL records appended.",
	})
	WALFsyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantadb_wal_fsyncs_total",
		Help: "WAL fsync barriers (group commit batches count once).",
	})
	TxCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantadb_tx_commits_total",
		Help: "Committed transactions.",
	})
	TxAborts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantadb_tx_aborts_total",
		Help: "Aborted transactions.",
	})
	Deadlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantadb_deadlocks_total",
		Help: "Deadlock victims selected.",
	})
	RaftTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quantadb_raft_term",
		Help: "Current raft term.",
	})
	RaftLeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantadb_raft_leader_changes_total",
		Help: "Observed leadership changes.",
	})
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quantadb_realtime_connections",
		Help: "Live realtime connections.",
	})
	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantadb_pubsub_messages_total",
		Help: "Messages published across all channels.",
	})
)

func init() {
	Registry.MustRegister(
		PagesRead, PagesWritten, CacheHits,
		WALAppends, WALFsyncs,
		TxCommits, TxAborts, Deadlocks,
		RaftTerm, RaftLeaderChanges,
		ActiveConnections, MessagesPublished,
	)
}
