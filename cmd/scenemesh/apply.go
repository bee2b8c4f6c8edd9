package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/scenemesh/pkg/log"
	"github.com/cuemby/scenemesh/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML scene batch to apply (required)")
	applyCmd.Flags().String("node-id", "node-1", "Replica identifier")
	applyCmd.Flags().String("bind-base", "127.0.0.1:870", "Bind address prefix; shard id is appended")
	applyCmd.Flags().String("data-dir", "./data", "Directory for Raft logs, snapshots, and the scene store")
	applyCmd.Flags().Int("shards", 2, "Number of shards in the reference configuration (>= 2)")
	applyCmd.Flags().Uint64("max-latency", 16, "HLC ticks tolerated before a COMMITTING transaction aborts")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a scene batch from a YAML file against a local replica",
	Long: `Apply reads a declarative scene batch and submits it as a single
transaction through the parallel-commit coordinator, the same path a
running replica's RPC surface would use once a network transport fronts it.

Example:
  # Seed an initial tree
  scenemesh apply -f scene.yaml`,
	RunE: runApply,
}

// sceneBatch is the YAML resource shape: an apiVersion/kind header,
// metadata, and a body specific to this kind.
type sceneBatch struct {
	APIVersion string        `yaml:"apiVersion"`
	Kind       string        `yaml:"kind"`
	Metadata   batchMetadata `yaml:"metadata"`
	Shards     []uint16      `yaml:"shards"`
	Ops        []sceneOpYAML `yaml:"ops"`
}

type batchMetadata struct {
	Name string `yaml:"name"`
}

// sceneOpYAML is the wire-friendly, flattened rendering of types.SceneOp:
// every op kind's fields are optional strings/ints on one struct, with only
// the fields relevant to Op populated in practice.
type sceneOpYAML struct {
	Op           string               `yaml:"op"`
	Target       int                  `yaml:"target"`
	NewNode      int                  `yaml:"newNode"`
	Node         int                  `yaml:"node"`
	Key          string               `yaml:"key"`
	Value        string               `yaml:"value"`
	NewParent    int                  `yaml:"newParent"`
	NewSibling   int                  `yaml:"newSibling"`
	NewShard     uint16               `yaml:"newShard"`
	Parent       int                  `yaml:"parent"`
	ChildNode    int                  `yaml:"childNode"`
	ToIndex      int                  `yaml:"toIndex"`
	Properties   map[string]string    `yaml:"properties"`
	Updates      []propertyUpdateYAML `yaml:"updates"`
	StructureOps []sceneOpYAML        `yaml:"structureOps"`
}

type propertyUpdateYAML struct {
	Node  int    `yaml:"node"`
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var batch sceneBatch
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return fmt.Errorf("failed to parse scene batch: %w", err)
	}

	ops, err := translateOps(batch.Ops)
	if err != nil {
		return fmt.Errorf("failed to translate ops: %w", err)
	}
	if len(ops) == 0 {
		return fmt.Errorf("scene batch %q has no ops", batch.Metadata.Name)
	}

	nodeID, _ := cmd.Flags().GetString("node-id")
	bindBase, _ := cmd.Flags().GetString("bind-base")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	shardCount, _ := cmd.Flags().GetInt("shards")
	maxLatency, _ := cmd.Flags().GetUint64("max-latency")

	log.Init(log.Config{Level: log.InfoLevel})

	shardIDs := make([]types.Shard, shardCount)
	for i := range shardIDs {
		shardIDs[i] = types.Shard(i + 1)
	}

	cl, err := bootstrapCluster(nodeID, bindBase, dataDir, shardIDs, maxLatency)
	if err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	defer func() {
		_ = cl.Shutdown()
	}()

	participants := batch.Shards
	if len(participants) == 0 {
		for _, sh := range shardIDs {
			participants = append(participants, uint16(sh))
		}
	}
	shards := make([]types.Shard, len(participants))
	for i, sh := range participants {
		shards[i] = types.Shard(sh)
	}
	shardSet := types.NewShardSet(shards...)

	record, err := cl.coord.Submit(ops, shardSet)
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}

	status := record.Status
	deadline := time.Now().Add(5 * time.Second)
	for status == types.TxnCommitting && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
		s, ok := cl.coord.Status(record.TxnID)
		if !ok {
			break
		}
		status = s
	}

	fmt.Printf("batch %q: transaction %d -> %s\n", batch.Metadata.Name, record.TxnID, status)
	if status != types.TxnCommitted {
		return fmt.Errorf("transaction %d did not commit (status %s)", record.TxnID, status)
	}
	return nil
}

func translateOps(in []sceneOpYAML) ([]types.SceneOp, error) {
	out := make([]types.SceneOp, 0, len(in))
	for _, o := range in {
		op, err := translateOp(o)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func translateOp(o sceneOpYAML) (types.SceneOp, error) {
	switch o.Op {
	case "add_child":
		return types.SceneOp{
			Kind:       types.OpAddChild,
			Target:     types.NodeID(o.Target),
			NewNode:    types.NodeID(o.NewNode),
			Properties: types.Properties(o.Properties),
		}, nil
	case "add_sibling":
		return types.SceneOp{
			Kind:       types.OpAddSibling,
			Target:     types.NodeID(o.Target),
			NewNode:    types.NodeID(o.NewNode),
			Properties: types.Properties(o.Properties),
		}, nil
	case "remove_node":
		return types.SceneOp{Kind: types.OpRemoveNode, Node: types.NodeID(o.Node)}, nil
	case "set_property":
		return types.SceneOp{
			Kind:  types.OpSetProperty,
			Node:  types.NodeID(o.Node),
			Key:   o.Key,
			Value: o.Value,
		}, nil
	case "move_subtree":
		return types.SceneOp{
			Kind:       types.OpMoveSubtree,
			Node:       types.NodeID(o.Node),
			NewParent:  types.NodeID(o.NewParent),
			NewSibling: types.NodeID(o.NewSibling),
		}, nil
	case "move_child":
		return types.SceneOp{
			Kind:      types.OpMoveChild,
			Parent:    types.NodeID(o.Parent),
			ChildNode: types.NodeID(o.ChildNode),
			ToIndex:   o.ToIndex,
		}, nil
	case "move_shard":
		return types.SceneOp{
			Kind:     types.OpMoveShard,
			Node:     types.NodeID(o.Node),
			NewShard: types.Shard(o.NewShard),
		}, nil
	case "batch_update":
		updates := make([]types.PropertyUpdate, 0, len(o.Updates))
		for _, u := range o.Updates {
			updates = append(updates, types.PropertyUpdate{Node: types.NodeID(u.Node), Key: u.Key, Value: u.Value})
		}
		return types.SceneOp{Kind: types.OpBatchUpdate, Updates: updates}, nil
	case "batch_structure":
		nested, err := translateOps(o.StructureOps)
		if err != nil {
			return types.SceneOp{}, err
		}
		return types.SceneOp{Kind: types.OpBatchStructure, StructureOps: nested}, nil
	default:
		return types.SceneOp{}, fmt.Errorf("unknown op kind %q", o.Op)
	}
}
