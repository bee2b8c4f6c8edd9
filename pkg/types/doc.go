/*
Package types defines the core data structures used throughout scenemesh.

This package contains all fundamental types that represent the scene-graph
store's domain model: node identifiers, the LCRS scene node, scene
operations, shards, hybrid logical clocks, transaction records, and the
log entries that travel through each shard's replicated log. These types
are used by every other package for state management, replication, and
transaction coordination.

# Architecture

The types package is the foundation of the data model. It defines:

  - Node identity (NodeID, the NullNode sentinel, the bounded id space)
  - Tree shape (SceneNode: left child, right sibling, properties)
  - Scene operations (SceneOp and its OpKind variants)
  - Replication topology (Shard, ShardSet)
  - Clock readings (HLC with lexicographic comparison)
  - Transaction records (TxnRecord, TxnStatus, TxnID)
  - Log commands (Command, CommandKind, LogEntry)

All types are designed to be:
  - Serializable (JSON, for the Raft log and the BoltDB store)
  - Immutable where possible (Clone helpers for deep copies)
  - Self-documenting (clear field names and comments)
  - Validated (constants for enums, validation helpers)

# Core Types

Tree shape:
  - NodeID: integer identity in [1, MaxNodeID]; NullNode means "no node"
  - SceneNode: LCRS encoding; the ordered children of a node are found by
    following LeftChild then chaining RightSibling until NullNode
  - Properties: opaque string-keyed, string-valued bag; never interpreted

Scene operations:
  - SceneOp: one tree edit or property write, dispatched on OpKind
  - OpKind: add_child, add_sibling, remove_node, set_property,
    move_subtree, move_child, batch_update, batch_structure, move_shard
  - PropertyUpdate: a {node, key, value} triple inside a batch_update

Replication and ordering:
  - Shard: a replication group identifier
  - ShardSet: participant lists and shard-map entries
  - HLC: hybrid logical clock reading (logical component plus counter),
    compared lexicographically

Transactions:
  - TxnRecord: the coordinator's full intent for a cross-shard transaction
  - TxnStatus: COMMITTING, then exactly one of COMMITTED or ABORTED
  - TxnID: transaction identity shared by every participant's log entry

Log commands:
  - Command: tagged union carried by a log entry, dispatched on CommandKind
  - CommandKind: a plain scene op, the coordinator's transaction intent,
    a commit stub, an abort record, or one of the shard-migration steps
    (state_transfer, shard_remove, detach_child, attach_child)
  - LogEntry: term, shard, HLC, and the command body

# State Machine

Transactions follow a state machine with no intermediate states:

	COMMITTING → COMMITTED
	           → ABORTED

Valid transitions:
  - COMMITTING → COMMITTED (every participant's entry is committed)
  - COMMITTING → ABORTED (conflict detected, or the record's HLC drifts
    past the tolerated latency window while still unresolved)

A record in COMMITTING stays addressable on every participant until its
terminal status is committed.

# Design Patterns

Enumeration Pattern:

	All enums use typed integer constants with a String() method:
	  type OpKind uint8
	  const (
	      OpAddChild OpKind = iota + 1
	      OpAddSibling
	  )

Tagged-Union Pattern:

	SceneOp and Command are flat structs with a Kind tag; only the fields
	relevant to the Kind are populated. This keeps JSON encoding at the
	Raft boundary trivial and avoids interface plumbing in the hot apply
	path.

Sentinel Pattern:

	NullNode (zero) marks every optional NodeID field, so the zero value
	of a SceneOp slot always reads as "absent".

# Thread Safety

All types in this package are designed to be:
  - Read-safe: can be read concurrently from multiple goroutines
  - Write-unsafe: mutations must be synchronized by callers
  - Clone-preferred: use Clone() for copies that cross an ownership
    boundary (state transfers, checkpoints)

The applier loop serializes all mutations to scene state per shard; the
storage layer handles synchronization for persisted state.

# Integration Points

This package integrates with:

  - pkg/scene: applies SceneOp against the LCRS node table
  - pkg/hlc: produces and merges HLC readings
  - pkg/consensus: encodes Command/LogEntry through the Raft log
  - pkg/coordinator: drives TxnRecord through its state machine
  - pkg/conflict: inspects SceneOp pairs for conflicts
  - pkg/storage: persists SceneNode, ShardSet, and TxnRecord to BoltDB

# See Also

  - pkg/scene for the state machine that interprets these types
  - pkg/coordinator for the transaction lifecycle
*/
package types
