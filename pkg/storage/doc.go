/*
Package storage provides BoltDB-backed persistence for one replica's durable
state: the scene node table per shard, the node-to-shard assignment map,
per-shard applied-index checkpoints, and the transaction record table.

It exists so a replica can restart without replaying a shard's entire log
from index 1: on startup, pkg/recovery loads the last checkpointed applied
index and the persisted scene node table, then replays only the log entries
committed after that checkpoint.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/scenemesh.db             │          │
	│  │  - One bucket per shard's scene nodes       │          │
	│  │  - Buckets: shard_assignments, applied_index│          │
	│  │             txn_records                     │          │
	│  └────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

# Usage

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SaveSceneNode(shard, id, node); err != nil {
		return err
	}

	idx, err := store.GetAppliedIndex(shard)

# See Also

  - go.etcd.io/bbolt documentation
*/
package storage
