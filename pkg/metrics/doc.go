/*
Package metrics provides Prometheus metrics collection and exposition for the
scene mesh: per-shard Raft health, transaction outcomes, and applier/recovery
throughput. Metrics are exposed via an HTTP endpoint for scraping by
Prometheus servers.

# Metrics Catalog

Scene metrics:

  scenemesh_scene_nodes_total: Gauge. Live scene nodes across all shards.
  scenemesh_shards_total: Gauge. Number of shards in the cluster.
  scenemesh_shard_replicas_total{shard,role}: Gauge. Replicas per shard by role.

Raft metrics, one series per shard:

  scenemesh_raft_is_leader{shard}: Gauge. 1 if this replica leads the shard.
  scenemesh_raft_log_index{shard}: Gauge. Current commit index.
  scenemesh_applied_index{shard}: Gauge. Last index dispatched to the scene
    state machine; the gap against raft_log_index is apply lag.

Transaction metrics:

  scenemesh_txn_commits_total: Counter.
  scenemesh_txn_aborts_total{reason}: Counter, reason is "conflict" or
    "hlc_window".
  scenemesh_txn_commit_duration_seconds: Histogram, Start to terminal status.
  scenemesh_conflict_checks_total: Counter.

Applier and recovery metrics:

  scenemesh_apply_cycles_total{shard}: Counter.
  scenemesh_apply_duration_seconds: Histogram.
  scenemesh_recovery_replay_total{shard}: Counter.
  scenemesh_recovery_duration_seconds: Histogram.

# Usage

	timer := metrics.NewTimer()
	// ... run the operation ...
	timer.ObserveDuration(metrics.TxnCommitDuration)

	metrics.TxnAbortsTotal.WithLabelValues("conflict").Inc()

	http.Handle("/metrics", metrics.Handler())

# Integration Points

This package integrates with:

  - pkg/consensus: reports Raft leader status and commit index per shard
  - pkg/coordinator: reports transaction commit/abort counts
  - pkg/applier: reports applied index and apply-cycle counters
  - pkg/recovery: reports restored-node counts and restore duration

# Design Patterns

All metrics are registered in init() so they are present in /metrics output
before main() does anything. Package-level variables keep call sites free of
any registry plumbing.
*/
package metrics
