// Package consensus adapts the per-shard replicated log to hashicorp/raft.
// The core depends only on the Log interface; leader election, heartbeats,
// and snapshotting stay opaque behind it.
package consensus

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/scenemesh/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Log is the contract the core consumes from the consensus layer.
type Log interface {
	// Append submits cmd (stamped with hlc) to the shard's log. Leader-only;
	// returns the index the entry occupies once appended.
	Append(cmd types.Command, hlc types.HLC) (uint64, error)

	// CommitIndex is monotonically non-decreasing.
	CommitIndex() uint64

	// Entry returns the immutable entry at index, once committed.
	Entry(index uint64) (types.LogEntry, bool)

	// CurrentLeader returns the address of the shard's current leader, or
	// "" if none is known.
	CurrentLeader() string

	// IsLeader reports whether this replica is the shard's current leader.
	IsLeader() bool
}

// Config configures one shard's Raft group.
type Config struct {
	Shard    types.Shard
	NodeID   string
	BindAddr string
	DataDir  string
}

// ShardRaft is a Log implementation backed by a dedicated hashicorp/raft
// group per shard, with BoltDB-backed log and stable stores and a file
// snapshot store under the shard's own data directory.
type ShardRaft struct {
	shard types.Shard
	raft  *raft.Raft
	fsm   *logFSM
}

// NewShardRaft constructs the Raft plumbing for one shard but does not
// bootstrap a group; call BootstrapWithPeers next, or add the replica to an
// existing group with AddVoter on that group's leader.
func NewShardRaft(cfg Config) (*ShardRaft, error) {
	dir := filepath.Join(cfg.DataDir, fmt.Sprintf("shard-%d", cfg.Shard))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("consensus: failed to create shard data dir: %w", err)
	}

	fsm := newLogFSM(cfg.Shard)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	// Tuned for fast edge/LAN failover: sub-second heartbeat and election
	// timeouts, well below hashicorp/raft's defaults.
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("consensus: failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("consensus: failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(dir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("consensus: failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("consensus: failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("consensus: failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("consensus: failed to create raft: %w", err)
	}

	return &ShardRaft{shard: cfg.Shard, raft: r, fsm: fsm}, nil
}

// BootstrapWithPeers initializes the shard's Raft group with the given
// voter set. peers maps node id to bind address and must include this
// replica.
func (s *ShardRaft) BootstrapWithPeers(peers map[string]string) error {
	servers := make([]raft.Server, 0, len(peers))
	for id, addr := range peers {
		servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr)})
	}
	future := s.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	return future.Error()
}

// AddVoter adds a new replica to this shard's Raft group. Leader-only.
func (s *ShardRaft) AddVoter(nodeID, addr string) error {
	if !s.IsLeader() {
		return fmt.Errorf("consensus: not the leader for shard %d", s.shard)
	}
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// Append implements Log.
func (s *ShardRaft) Append(cmd types.Command, hlc types.HLC) (uint64, error) {
	if s.raft.State() != raft.Leader {
		return 0, fmt.Errorf("consensus: not the leader for shard %d", s.shard)
	}

	data, err := json.Marshal(wireEntry{HLC: hlc, Cmd: cmd})
	if err != nil {
		return 0, fmt.Errorf("consensus: failed to encode entry: %w", err)
	}

	future := s.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return 0, fmt.Errorf("consensus: append failed: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if rerr, ok := resp.(error); ok && rerr != nil {
			return 0, rerr
		}
	}

	return s.fsm.commitIndex(), nil
}

// CommitIndex implements Log.
func (s *ShardRaft) CommitIndex() uint64 { return s.fsm.commitIndex() }

// Entry implements Log.
func (s *ShardRaft) Entry(index uint64) (types.LogEntry, bool) { return s.fsm.entry(index) }

// CurrentLeader implements Log.
func (s *ShardRaft) CurrentLeader() string { return string(s.raft.Leader()) }

// IsLeader implements Log.
func (s *ShardRaft) IsLeader() bool { return s.raft.State() == raft.Leader }

// Shutdown gracefully stops the shard's Raft participation.
func (s *ShardRaft) Shutdown() error {
	return s.raft.Shutdown().Error()
}

// Stats returns a small set of diagnostic counters for this shard's group.
func (s *ShardRaft) Stats() map[string]interface{} {
	return map[string]interface{}{
		"shard":          s.shard,
		"state":          s.raft.State().String(),
		"last_log_index": s.raft.LastIndex(),
		"applied_index":  s.raft.AppliedIndex(),
		"leader":         string(s.raft.Leader()),
	}
}
