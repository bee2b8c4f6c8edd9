// Package applier implements the per-(replica, shard) apply loop: it
// advances a private appliedIndex cursor strictly behind the shard's
// commitIndex, dispatching each newly committed entry to the scene state
// machine or the transaction coordinator, and checkpoints the cursor to
// storage so pkg/recovery never needs to replay a shard's log from index 1.
//
// This is deliberately the only thing that ever calls scene.State.Apply
// for a transaction's ops outside pkg/coordinator itself, keeping commit
// (pkg/consensus) and apply (this package) as two distinct, separately
// observable cursors.
package applier

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/scenemesh/pkg/consensus"
	"github.com/cuemby/scenemesh/pkg/coordinator"
	"github.com/cuemby/scenemesh/pkg/log"
	"github.com/cuemby/scenemesh/pkg/metrics"
	"github.com/cuemby/scenemesh/pkg/scene"
	"github.com/cuemby/scenemesh/pkg/storage"
	"github.com/cuemby/scenemesh/pkg/types"
	"github.com/rs/zerolog"
)

// Loop drives one shard's applied-index cursor forward.
type Loop struct {
	shard  types.Shard
	rlog   consensus.Log
	scene  *scene.State
	coord  *coordinator.Coordinator
	store  storage.Store
	logger zerolog.Logger

	mu      sync.Mutex
	applied uint64
	stopCh  chan struct{}
}

// New constructs a Loop, resuming from whatever applied index store has
// checkpointed for shard (0 if none).
func New(shard types.Shard, rlog consensus.Log, s *scene.State, coord *coordinator.Coordinator, store storage.Store) (*Loop, error) {
	applied, err := store.GetAppliedIndex(shard)
	if err != nil {
		return nil, fmt.Errorf("applier: failed to load checkpoint for shard %d: %w", shard, err)
	}
	return &Loop{
		shard:   shard,
		rlog:    rlog,
		scene:   s,
		coord:   coord,
		store:   store,
		logger:  log.WithComponent(fmt.Sprintf("applier-shard-%d", shard)),
		applied: applied,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins the applier loop on a fixed tick. The interval is well
// under the HeartbeatTimeout pkg/consensus uses so apply lag never becomes
// the bottleneck ahead of Raft commit latency.
func (l *Loop) Start() {
	go l.run()
}

// Stop stops the loop.
func (l *Loop) Stop() {
	close(l.stopCh)
}

func (l *Loop) run() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	l.logger.Info().Msg("applier loop started")
	for {
		select {
		case <-ticker.C:
			l.tick()
		case <-l.stopCh:
			l.logger.Info().Msg("applier loop stopped")
			return
		}
	}
}

func (l *Loop) tick() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ApplyDuration)
		metrics.ApplyCyclesTotal.WithLabelValues(metrics.ShardKey(l.shard)).Inc()
	}()

	l.mu.Lock()
	defer l.mu.Unlock()

	commitIdx := l.rlog.CommitIndex()
	for idx := l.applied + 1; idx <= commitIdx; idx++ {
		entry, ok := l.rlog.Entry(idx)
		if !ok {
			break
		}
		if err := l.dispatch(entry); err != nil {
			l.logger.Error().Err(err).Uint64("index", idx).Msg("failed to apply committed entry")
			break
		}
		l.applied = idx
		if err := l.store.SaveAppliedIndex(l.shard, idx); err != nil {
			l.logger.Error().Err(err).Msg("failed to checkpoint applied index")
		}
	}
	metrics.AppliedIndex.WithLabelValues(metrics.ShardKey(l.shard)).Set(float64(l.applied))
}

func (l *Loop) dispatch(entry types.LogEntry) error {
	switch entry.Cmd.Kind {
	case types.CommandSceneOp:
		return l.scene.Apply(entry.Cmd.Op)

	case types.CommandTxnIntent:
		// Any error here means this replica's coordinator never Submit()'d
		// the transaction, expected in the colocated-coordinator
		// deployment when this replica isn't the one that originated
		// it; nothing further to do locally.
		_, _ = l.coord.CheckParallelCommit(entry.Cmd.Txn.TxnID)
		return nil

	case types.CommandCommitStub:
		_, _ = l.coord.CheckParallelCommit(entry.Cmd.TxnRef)
		return nil

	case types.CommandAbort:
		// The coordinator already transitioned this transaction's status
		// and applied no ops when it appended this entry; nothing to do.
		return nil

	case types.CommandStateTransfer:
		l.scene.Install(entry.Cmd.Node, entry.Cmd.State)
		return nil

	case types.CommandShardRemove:
		l.scene.Remove(entry.Cmd.Node)
		return nil

	case types.CommandDetachChild:
		// No-op when this shard does not replicate Parent locally (a
		// family split across shards); Coordinator.OrderedChildren
		// resolves reachability across shards in that case.
		l.scene.Detach(entry.Cmd.Child)
		return nil

	case types.CommandAttachChild:
		l.scene.AttachChild(entry.Cmd.Parent, entry.Cmd.Child, entry.Cmd.Position)
		return nil

	default:
		return fmt.Errorf("applier: unknown command kind %d", entry.Cmd.Kind)
	}
}

// AppliedIndex returns the loop's current applied cursor.
func (l *Loop) AppliedIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applied
}
