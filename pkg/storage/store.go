package storage

import (
	"github.com/cuemby/scenemesh/pkg/types"
)

// Store persists the state a replica needs to recover without replaying a
// shard's entire log from index 1: the current scene node table per shard,
// the node-to-shard assignment map, each shard's last applied index, and
// the pending/terminal transaction table. This is the implementation's
// durable substrate under the in-memory structures pkg/scene,
// pkg/shardmap, and pkg/coordinator hold while running.
type Store interface {
	// Scene nodes, keyed by shard then node id.
	SaveSceneNode(shard types.Shard, id types.NodeID, node *types.SceneNode) error
	GetSceneNode(shard types.Shard, id types.NodeID) (*types.SceneNode, error)
	ListSceneNodes(shard types.Shard) (map[types.NodeID]*types.SceneNode, error)
	DeleteSceneNode(shard types.Shard, id types.NodeID) error

	// Shard assignment.
	SaveShardAssignment(node types.NodeID, shards types.ShardSet) error
	ListShardAssignments() (map[types.NodeID]types.ShardSet, error)
	DeleteShardAssignment(node types.NodeID) error

	// Applied-index checkpoints, one per shard, advanced only by the
	// applier loop.
	SaveAppliedIndex(shard types.Shard, index uint64) error
	GetAppliedIndex(shard types.Shard) (uint64, error)

	// Transaction records, keyed by txn id.
	SaveTxnRecord(record *types.TxnRecord) error
	GetTxnRecord(txnID types.TxnID) (*types.TxnRecord, error)
	ListTxnRecords() ([]*types.TxnRecord, error)
	DeleteTxnRecord(txnID types.TxnID) error

	Close() error
}
