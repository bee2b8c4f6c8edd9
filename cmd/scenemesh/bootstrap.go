package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/scenemesh/pkg/applier"
	"github.com/cuemby/scenemesh/pkg/consensus"
	"github.com/cuemby/scenemesh/pkg/coordinator"
	"github.com/cuemby/scenemesh/pkg/events"
	"github.com/cuemby/scenemesh/pkg/hlc"
	"github.com/cuemby/scenemesh/pkg/log"
	"github.com/cuemby/scenemesh/pkg/metrics"
	"github.com/cuemby/scenemesh/pkg/recovery"
	"github.com/cuemby/scenemesh/pkg/shardmap"
	"github.com/cuemby/scenemesh/pkg/storage"
	"github.com/cuemby/scenemesh/pkg/types"
)

// cluster bundles everything one replica needs to run every shard it
// participates in, per the colocated-coordinator deployment assumed in
// pkg/coordinator's package doc.
type cluster struct {
	store        storage.Store
	shardMap     *shardmap.Map
	coord        *coordinator.Coordinator
	participants map[types.Shard]coordinator.Participant
	loops        map[types.Shard]*applier.Loop
	broker       *events.Broker
	collector    *metrics.Collector
}

// bootstrapCluster opens or creates dataDir, restores every shard's scene
// state, bootstraps a single-voter Raft group per shard, and wires a
// Coordinator and applier loop across all of them.
func bootstrapCluster(nodeID, bindBase, dataDir string, shardIDs []types.Shard, maxLatency uint64) (*cluster, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("scenemesh: failed to create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("scenemesh: failed to open storage: %w", err)
	}

	shardMap := shardmap.New()
	assignments, err := store.ListShardAssignments()
	if err != nil {
		return nil, fmt.Errorf("scenemesh: failed to load shard assignments: %w", err)
	}
	for node, shards := range assignments {
		shardMap.Set(node, shards)
	}

	participants := make(map[types.Shard]coordinator.Participant, len(shardIDs))

	for _, sh := range shardIDs {
		s, err := recovery.Restore(sh, store)
		if err != nil {
			return nil, fmt.Errorf("scenemesh: failed to restore shard %d: %w", sh, err)
		}

		bindAddr := fmt.Sprintf("%s%d", bindBase, sh)
		r, err := consensus.NewShardRaft(consensus.Config{
			Shard:    sh,
			NodeID:   fmt.Sprintf("%s-shard-%d", nodeID, sh),
			BindAddr: bindAddr,
			DataDir:  dataDir,
		})
		if err != nil {
			return nil, fmt.Errorf("scenemesh: failed to start raft for shard %d: %w", sh, err)
		}
		peerID := fmt.Sprintf("%s-shard-%d", nodeID, sh)
		if err := r.BootstrapWithPeers(map[string]string{peerID: bindAddr}); err != nil {
			log.Debug(fmt.Sprintf("scenemesh: shard %d already bootstrapped: %v", sh, err))
		}

		participants[sh] = coordinator.Participant{Log: r, Scene: s}
	}

	// Single-voter groups elect themselves leader quickly, but give the
	// election timeout room to complete before anything tries to append.
	time.Sleep(750 * time.Millisecond)

	broker := events.NewBroker()
	broker.Start()

	clock := hlc.New()
	coord := coordinator.New(coordinator.Config{
		Participants: participants,
		ShardMap:     shardMap,
		Clock:        clock,
		PhysicalTick: monotonicTick,
		MaxLatency:   maxLatency,
		Broker:       broker,
		Store:        store,
	})

	loops := make(map[types.Shard]*applier.Loop, len(shardIDs))
	for _, sh := range shardIDs {
		p := participants[sh]
		l, err := applier.New(sh, p.Log, p.Scene, coord, store)
		if err != nil {
			return nil, fmt.Errorf("scenemesh: failed to start applier for shard %d: %w", sh, err)
		}
		l.Start()
		loops[sh] = l
	}

	sources := make(map[string]metrics.ShardSource, len(participants))
	for sh, p := range participants {
		sources[metrics.ShardKey(sh)] = metrics.ShardSource{Log: p.Log, Scene: p.Scene}
	}
	collector := metrics.NewCollector(sources, shardMap)
	collector.Start()

	metrics.RegisterComponent("raft", true, "bootstrapped")
	metrics.RegisterComponent("applier", true, "running")
	metrics.RegisterComponent("storage", true, "ready")

	return &cluster{
		store:        store,
		shardMap:     shardMap,
		coord:        coord,
		participants: participants,
		loops:        loops,
		broker:       broker,
		collector:    collector,
	}, nil
}

// Shutdown stops every applier loop, the collector, and the event broker,
// checkpoints each shard's scene state, shuts down the Raft groups, and
// closes storage.
func (c *cluster) Shutdown() error {
	c.collector.Stop()
	c.broker.Stop()
	for sh, l := range c.loops {
		l.Stop()
		log.Debug(fmt.Sprintf("scenemesh: applier for shard %d stopped at index %d", sh, l.AppliedIndex()))
	}
	for sh, p := range c.participants {
		if err := recovery.Checkpoint(sh, c.store, p.Scene); err != nil {
			log.Error(fmt.Sprintf("scenemesh: checkpoint failed for shard %d: %v", sh, err))
		}
		if r, ok := p.Log.(*consensus.ShardRaft); ok {
			if err := r.Shutdown(); err != nil {
				log.Error(fmt.Sprintf("scenemesh: raft shutdown failed for shard %d: %v", sh, err))
			}
		}
	}
	return c.store.Close()
}

// monotonicTick is the clock adapter behind the HLC: a coarse physical tick
// in wall-clock milliseconds, so calls within the same millisecond return
// the same value and a wall-clock step backwards is not masked. Safety
// never depends on it; it only bounds HLC liveness.
func monotonicTick() uint64 {
	return uint64(time.Now().UnixMilli())
}
