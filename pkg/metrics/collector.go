package metrics

import (
	"fmt"
	"time"

	"github.com/cuemby/scenemesh/pkg/consensus"
	"github.com/cuemby/scenemesh/pkg/scene"
	"github.com/cuemby/scenemesh/pkg/shardmap"
	"github.com/cuemby/scenemesh/pkg/types"
)

// ShardSource is the per-shard state a Collector samples on each tick: the
// shard's replicated log and the local scene state its applier loop
// maintains.
type ShardSource struct {
	Log   consensus.Log
	Scene *scene.State
}

// Collector periodically samples every shard's Raft and scene-state
// counters into the package's Prometheus gauges.
type Collector struct {
	shards   map[string]ShardSource
	shardMap *shardmap.Map
	stopCh   chan struct{}
}

// NewCollector creates a collector over the given shards, keyed by shard id
// formatted the same way callers pass to the metric label (e.g. "0", "1").
func NewCollector(shards map[string]ShardSource, shardMap *shardmap.Map) *Collector {
	return &Collector{
		shards:   shards,
		shardMap: shardMap,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ShardsTotal.Set(float64(len(c.shards)))

	var totalNodes int
	for id, src := range c.shards {
		if src.Log.IsLeader() {
			RaftLeader.WithLabelValues(id).Set(1)
		} else {
			RaftLeader.WithLabelValues(id).Set(0)
		}

		commitIdx := src.Log.CommitIndex()
		RaftLogIndex.WithLabelValues(id).Set(float64(commitIdx))

		if src.Scene != nil {
			totalNodes += len(src.Scene.Snapshot())
		}
	}
	NodesTotal.Set(float64(totalNodes))
}

// ShardKey formats a shard id for use as a metric label value.
func ShardKey(shard types.Shard) string {
	return fmt.Sprintf("%d", shard)
}
