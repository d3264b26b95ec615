package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quantadb/quantadb/internal/cluster"
	"github.com/quantadb/quantadb/internal/cluster/raft"
	"github.com/quantadb/quantadb/internal/db"
	"github.com/quantadb/quantadb/internal/log"
	"github.com/quantadb/quantadb/internal/realtime"
	"github.com/quantadb/quantadb/internal/storage/pager"
)

func serveCmd() *cobra.Command {
	var dataDir string
	var clusterConfig string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a database node",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.WithComponent("serve")

			var nodeID uint64 = 1
			var ccfg *cluster.Config
			if clusterConfig != "" {
				cfg, err := cluster.LoadConfig(clusterConfig)
				if err != nil {
					return err
				}
				ccfg = &cfg
				nodeID = cfg.NodeID
				if dataDir == "" {
					dataDir = cfg.DataDir
				}
			}
			if dataDir == "" {
				return fmt.Errorf("--data-dir (or a cluster config with data_dir) is required")
			}

			database, err := db.Open(dataDir, db.Options{
				Sync:   pager.SyncCommit,
				NodeID: nodeID,
			})
			if err != nil {
				return err
			}
			defer database.Close()
			logger.Info().Str("dir", dataDir).Msg("database open")

			// Realtime hub: executor notifications flow into pub/sub.
			hub := realtime.NewHub(realtime.ConnConfig{}, realtime.StreamConfig{}, queryRunner{db: database})
			database.SetNotifier(hub)
			defer hub.Shutdown()

			var mgr *cluster.Manager
			if ccfg != nil {
				mgr, err = startCluster(*ccfg)
				if err != nil {
					return err
				}
				defer mgr.Stop()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info().Msg("node running; ctrl-c to stop")
			<-ctx.Done()
			logger.Info().Msg("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "database directory")
	cmd.Flags().StringVar(&clusterConfig, "cluster-config", "", "cluster YAML config (single-node without it)")
	return cmd
}

// startCluster builds the raft node and cluster manager from the config.
func startCluster(cfg cluster.Config) (*cluster.Manager, error) {
	storage, err := raft.OpenBoltStorage(filepath.Join(cfg.DataDir, "raft.db"))
	if err != nil {
		return nil, err
	}

	addrs := make(map[raft.NodeID]string)
	var peerIDs []raft.NodeID
	for _, p := range cfg.Peers {
		// Peers are "id@host:port".
		id, addr, ok := splitPeer(p)
		if !ok {
			continue
		}
		addrs[id] = addr
		peerIDs = append(peerIDs, id)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addrs)
	if err != nil {
		return nil, err
	}

	node, err := raft.NewNode(raft.Config{
		ID:                 raft.NodeID(cfg.NodeID),
		Peers:              peerIDs,
		HeartbeatInterval:  cfg.Raft.HeartbeatInterval.D(),
		ElectionTimeoutMin: cfg.Raft.ElectionTimeoutMin.D(),
		ElectionTimeoutMax: cfg.Raft.ElectionTimeoutMax.D(),
		EnablePreVote:      cfg.Raft.EnablePreVote,
		EnableLeaderLease:  cfg.Raft.EnableLeaderLease,
		SnapshotThreshold:  cfg.Raft.SnapshotThreshold,
		SnapshotChunkSize:  cfg.Raft.SnapshotChunkSize,
		Storage:            storage,
		Transport:          transport,
	})
	if err != nil {
		return nil, err
	}
	mgr, err := cluster.NewManager(cfg, node)
	if err != nil {
		return nil, err
	}
	for _, id := range peerIDs {
		mgr.Ring().AddNode(id)
	}
	mgr.Start()
	return mgr, nil
}

// queryRunner adapts the engine facade to the realtime hub's interface.
type queryRunner struct{ db *db.DB }

func (r queryRunner) StreamQuery(ctx context.Context, sqlText string) (realtime.BatchSource, error) {
	cur, err := r.db.StreamQuery(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func splitPeer(s string) (raft.NodeID, string, bool) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:at], 10, 64)
	if err != nil || id == 0 {
		return 0, "", false
	}
	return raft.NodeID(id), s[at+1:], true
}
