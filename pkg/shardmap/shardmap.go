// Package shardmap tracks which shards replicate which scene nodes. It is
// loaded from storage at bootstrap and otherwise mutated only by the
// coordinator at commit time: new-node assignment, a committed move_shard
// sequence, and dropping the nodes a remove_node deletes; reads are
// snapshots taken under a single mutex.
package shardmap

import (
	"sync"

	"github.com/cuemby/scenemesh/pkg/types"
)

// Map is the node-id -> shard-set assignment. With a single
// node in the cluster every node is replicated on every shard; otherwise
// each node belongs to exactly one shard.
type Map struct {
	mu     sync.RWMutex
	byNode map[types.NodeID]types.ShardSet
}

// New returns an empty shard map.
func New() *Map {
	return &Map{byNode: make(map[types.NodeID]types.ShardSet)}
}

// Shards returns the shard set replicating node, or nil if unmapped.
func (m *Map) Shards(node types.NodeID) types.ShardSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byNode[node]
}

// OwnedBy reports whether shard replicates node.
func (m *Map) OwnedBy(node types.NodeID, shard types.Shard) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.byNode[node]
	return ok && set.Contains(shard)
}

// Set assigns node to exactly the given shards, replacing any prior
// assignment. Called from bootstrap, from new-node assignment, and from
// applying a committed move_shard sequence.
func (m *Map) Set(node types.NodeID, shards types.ShardSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byNode[node] = shards
}

// SetAll assigns every shard in all to node, used for the single-node
// bootstrap case.
func (m *Map) SetAll(node types.NodeID, all []types.Shard) {
	m.Set(node, types.NewShardSet(all...))
}

// Remove clears node's assignment entirely, used after remove_node.
func (m *Map) Remove(node types.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byNode, node)
}
