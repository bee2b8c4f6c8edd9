package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scenemesh_scene_nodes_total",
			Help: "Total number of live scene nodes across all shards",
		},
	)

	ShardsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scenemesh_shards_total",
			Help: "Total number of shards in the cluster",
		},
	)

	ReplicasTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scenemesh_shard_replicas_total",
			Help: "Number of replicas per shard by role",
		},
		[]string{"shard", "role"},
	)

	// Raft metrics, one series per shard
	RaftLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scenemesh_raft_is_leader",
			Help: "Whether this replica is the Raft leader for the shard (1 = leader, 0 = follower)",
		},
		[]string{"shard"},
	)

	RaftLogIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scenemesh_raft_log_index",
			Help: "Current Raft commit index, per shard",
		},
		[]string{"shard"},
	)

	AppliedIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scenemesh_applied_index",
			Help: "Last index the applier loop has dispatched to the scene state machine, per shard",
		},
		[]string{"shard"},
	)

	// Transaction metrics
	TxnCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scenemesh_txn_commits_total",
			Help: "Total number of transactions resolved COMMITTED",
		},
	)

	TxnAbortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scenemesh_txn_aborts_total",
			Help: "Total number of transactions resolved ABORTED, by reason",
		},
		[]string{"reason"},
	)

	TxnCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scenemesh_txn_commit_duration_seconds",
			Help:    "Time from Start to a terminal status for a transaction, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConflictChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scenemesh_conflict_checks_total",
			Help: "Total number of candidate-versus-committed conflict checks performed",
		},
	)

	// Raft operation metrics
	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scenemesh_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scenemesh_raft_commit_duration_seconds",
			Help:    "Time taken to commit a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Applier metrics
	ApplyCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scenemesh_apply_cycles_total",
			Help: "Total number of applier-loop cycles completed, per shard",
		},
		[]string{"shard"},
	)

	ApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scenemesh_apply_duration_seconds",
			Help:    "Time taken by one applier-loop tick, covering every committed entry it dispatches",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Recovery metrics
	RecoveryReplayTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scenemesh_recovery_replay_total",
			Help: "Total number of scene nodes restored from the checkpoint during recovery, per shard",
		},
		[]string{"shard"},
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scenemesh_recovery_duration_seconds",
			Help:    "Time taken to restore a shard's scene node table from its checkpoint",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(ShardsTotal)
	prometheus.MustRegister(ReplicasTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(AppliedIndex)

	prometheus.MustRegister(TxnCommitsTotal)
	prometheus.MustRegister(TxnAbortsTotal)
	prometheus.MustRegister(TxnCommitDuration)
	prometheus.MustRegister(ConflictChecksTotal)

	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(RaftCommitDuration)

	prometheus.MustRegister(ApplyCyclesTotal)
	prometheus.MustRegister(ApplyDuration)

	prometheus.MustRegister(RecoveryReplayTotal)
	prometheus.MustRegister(RecoveryDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
