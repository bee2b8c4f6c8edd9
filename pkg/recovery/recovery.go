// Package recovery rebuilds a replica's in-memory scene state after a
// crash or restart. It restores the last persisted scene node table
// from pkg/storage into a fresh pkg/scene.State, and leaves the shard's
// applier loop to replay forward from the checkpointed applied index, the
// same path new entries take, so recovery carries no bespoke apply logic
// of its own.
package recovery

import (
	"fmt"

	"github.com/cuemby/scenemesh/pkg/log"
	"github.com/cuemby/scenemesh/pkg/metrics"
	"github.com/cuemby/scenemesh/pkg/scene"
	"github.com/cuemby/scenemesh/pkg/storage"
	"github.com/cuemby/scenemesh/pkg/types"
)

// Restore loads shard's persisted scene node table into a fresh
// scene.State. The caller is expected to then construct the shard's
// applier.Loop, which resumes dispatching from the applied index
// checkpointed in the same store.
func Restore(shard types.Shard, store storage.Store) (*scene.State, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RecoveryDuration)

	nodes, err := store.ListSceneNodes(shard)
	if err != nil {
		return nil, fmt.Errorf("recovery: failed to load scene nodes for shard %d: %w", shard, err)
	}

	s := scene.New()
	for id, node := range nodes {
		s.Install(id, node)
	}

	applied, err := store.GetAppliedIndex(shard)
	if err != nil {
		return nil, fmt.Errorf("recovery: failed to load applied index for shard %d: %w", shard, err)
	}

	metrics.RecoveryReplayTotal.WithLabelValues(metrics.ShardKey(shard)).Add(float64(len(nodes)))
	log.Debug(fmt.Sprintf("recovery: restored %d scene nodes for shard %d at applied index %d", len(nodes), shard, applied))

	// A restored tree that fails validation means the checkpoint itself is
	// corrupt; halting here beats serving (and replicating) a broken tree.
	if err := scene.IsValidLCRSTree(s); err != nil {
		log.Fatal(fmt.Sprintf("recovery: restored scene for shard %d failed tree validation: %v", shard, err))
	}

	return s, nil
}

// Checkpoint persists the full current scene node table for shard. A
// future Restore then only needs the log entries committed after whatever
// applied index the applier loop checkpoints alongside it, not the shard's
// entire history from index 1.
func Checkpoint(shard types.Shard, store storage.Store, s *scene.State) error {
	for id, node := range s.Snapshot() {
		if err := store.SaveSceneNode(shard, id, node); err != nil {
			return fmt.Errorf("recovery: failed to checkpoint node %d on shard %d: %w", id, shard, err)
		}
	}
	return nil
}
