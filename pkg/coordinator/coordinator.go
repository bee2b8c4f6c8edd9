// Package coordinator drives the parallel-commit protocol: staging intents
// on every participating shard's log, watching for implicit commit,
// resolving conflicts via HLC ordering, and aborting on timeout.
//
// A Coordinator is colocated with the applier loops for every shard it may
// be asked to coordinate a transaction across. The reference configuration
// keeps the shard count small enough that one node replicates every shard,
// so applying a committed transaction's ops to each participant's scene
// state never requires contacting a remote node.
package coordinator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/scenemesh/pkg/conflict"
	"github.com/cuemby/scenemesh/pkg/consensus"
	"github.com/cuemby/scenemesh/pkg/events"
	"github.com/cuemby/scenemesh/pkg/hlc"
	"github.com/cuemby/scenemesh/pkg/log"
	"github.com/cuemby/scenemesh/pkg/metrics"
	"github.com/cuemby/scenemesh/pkg/scene"
	"github.com/cuemby/scenemesh/pkg/shardmap"
	"github.com/cuemby/scenemesh/pkg/storage"
	"github.com/cuemby/scenemesh/pkg/types"
)

// Participant bundles the per-shard collaborators a Coordinator needs: the
// replicated log and the local scene state that log's applier loop
// maintains.
type Participant struct {
	Log   consensus.Log
	Scene *scene.State
}

// Config configures a Coordinator.
type Config struct {
	Participants map[types.Shard]Participant
	ShardMap     *shardmap.Map
	Clock        *hlc.Clock
	PhysicalTick func() uint64
	MaxLatency   uint64
	Broker       *events.Broker // optional
	Store        storage.Store  // optional; persists txn records and shard assignments
}

type pendingTxn struct {
	record  types.TxnRecord
	indices map[types.Shard]uint64
	started time.Time
}

// Coordinator implements the parallel-commit protocol.
type Coordinator struct {
	participants map[types.Shard]Participant
	shardMap     *shardmap.Map
	clock        *hlc.Clock
	physicalTick func() uint64
	maxLatency   uint64
	broker       *events.Broker
	store        storage.Store

	mu      sync.Mutex
	pending map[types.TxnID]*pendingTxn
	txnOps  map[types.TxnID][]types.SceneOp // ops of every txn seen, for conflict checks
	nextID  uint64
}

// New constructs a Coordinator from cfg. When a store is configured, the
// pending-txn table is rebuilt from the persisted transaction records, so
// conflict checks after a restart still see every committed transaction and
// stale COMMITTING records can resolve through the usual abort window.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		participants: cfg.Participants,
		shardMap:     cfg.ShardMap,
		clock:        cfg.Clock,
		physicalTick: cfg.PhysicalTick,
		maxLatency:   cfg.MaxLatency,
		broker:       cfg.Broker,
		store:        cfg.Store,
		pending:      make(map[types.TxnID]*pendingTxn),
		txnOps:       make(map[types.TxnID][]types.SceneOp),
	}

	if c.store != nil {
		records, err := c.store.ListTxnRecords()
		if err != nil {
			log.Errorf("coordinator: failed to load persisted transaction records", err)
		}
		for _, r := range records {
			c.pending[r.TxnID] = &pendingTxn{record: *r}
			c.txnOps[r.TxnID] = r.Ops
			if uint64(r.TxnID) > c.nextID {
				c.nextID = uint64(r.TxnID)
			}
		}
	}
	return c
}

// Submit starts a new transaction over ops against the given participant
// shards: stamp an HLC, record the txn as COMMITTING, and append the
// coordinator intent (full record) to the coordinator shard and a commit
// stub to every other participant. The conflict check runs first, and an
// ABORTED record is returned immediately, with no log append, if the
// candidate conflicts with anything already committed.
func (c *Coordinator) Submit(ops []types.SceneOp, shards types.ShardSet) (*types.TxnRecord, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("coordinator: transaction must name at least one participant shard")
	}

	c.mu.Lock()
	txnID := types.TxnID(atomic.AddUint64(&c.nextID, 1))
	stamped := c.clock.Tick(c.physicalTick())
	c.mu.Unlock()

	coordShard := smallestShard(shards)
	record := types.TxnRecord{
		TxnID:      txnID,
		Status:     types.TxnCommitting,
		Shards:     shards,
		CoordShard: coordShard,
		HLC:        stamped,
		Ops:        ops,
	}

	if c.conflictsWithCommitted(record) {
		record.Status = types.TxnAborted
		c.mu.Lock()
		c.pending[txnID] = &pendingTxn{record: record}
		c.mu.Unlock()
		metrics.TxnAbortsTotal.WithLabelValues("conflict").Inc()
		return &record, nil
	}

	indices := make(map[types.Shard]uint64, len(shards))
	for _, sh := range shards.Slice() {
		p, ok := c.participants[sh]
		if !ok {
			return nil, fmt.Errorf("coordinator: shard %d is not a known participant", sh)
		}

		var cmd types.Command
		if sh == coordShard {
			cmd = types.Command{Kind: types.CommandTxnIntent, Txn: record}
		} else {
			cmd = types.Command{Kind: types.CommandCommitStub, TxnRef: txnID}
		}

		idx, err := p.Log.Append(cmd, record.HLC)
		if err != nil {
			return nil, fmt.Errorf("coordinator: append to shard %d failed: %w", sh, err)
		}
		indices[sh] = idx
	}

	c.mu.Lock()
	c.pending[txnID] = &pendingTxn{record: record, indices: indices, started: time.Now()}
	c.txnOps[txnID] = ops
	c.mu.Unlock()

	c.persistTxn(record)

	log.Debug(fmt.Sprintf("coordinator: txn %d staged across %d shards at hlc %s", txnID, len(shards), record.HLC))
	return &record, nil
}

// CheckParallelCommit resolves a COMMITTING transaction: COMMITTED once
// every participant's entry is at or below its shard's commit index,
// ABORTED once the local clock has drifted past MaxLatency ticks beyond the
// record's stamp, COMMITTING otherwise. It is
// idempotent and safe to call repeatedly as commitIndex advances; the
// applier loop calls it whenever it observes a COMMITTING transaction it
// might now be able to resolve.
func (c *Coordinator) CheckParallelCommit(txnID types.TxnID) (types.TxnStatus, error) {
	c.mu.Lock()
	pt, ok := c.pending[txnID]
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("coordinator: unknown transaction %d", txnID)
	}
	if pt.record.Status != types.TxnCommitting {
		return pt.record.Status, nil
	}

	// A record restored from storage after a restart carries no staged
	// indices, so its commit can never be verified here; it stays
	// COMMITTING until the latency window aborts it.
	allCommitted := len(pt.indices) > 0
	for sh, idx := range pt.indices {
		p := c.participants[sh]
		if p.Log.CommitIndex() < idx {
			allCommitted = false
			break
		}
	}

	if allCommitted {
		return c.transitionCommitted(txnID)
	}

	now := c.clock.Observe()
	if hlc.Diff(now, pt.record.HLC) > c.maxLatency {
		return c.transitionAborted(txnID)
	}

	return types.TxnCommitting, nil
}

func (c *Coordinator) transitionCommitted(txnID types.TxnID) (types.TxnStatus, error) {
	c.mu.Lock()
	pt := c.pending[txnID]
	pt.record.Status = types.TxnCommitted
	ops := pt.record.Ops
	shards := pt.record.Shards
	coordShard := pt.record.CoordShard
	stamp := pt.record.HLC
	c.txnOps[txnID] = ops
	c.mu.Unlock()

	for _, op := range ops {
		if op.Kind == types.OpMoveShard {
			if err := c.applyMoveShard(op, stamp); err != nil {
				return types.TxnCommitting, err
			}
			continue
		}

		// A node created by this op has no prior shardMap entry, so
		// targetsShard below would see it nowhere and the op would apply
		// on no replica at all; assign it before dispatching (every
		// node is owned by exactly one shard once created).
		c.assignNewNodeShards(op, coordShard)

		// A removal's closure is only visible before the op applies.
		removed := c.removalClosure(op)

		for _, sh := range shards.Slice() {
			p, ok := c.participants[sh]
			if !ok || !c.targetsShard(op, sh) {
				continue
			}
			if err := p.Scene.Apply(op); err != nil {
				return types.TxnCommitting, fmt.Errorf("coordinator: apply op on shard %d: %w", sh, err)
			}
		}

		for _, n := range removed {
			c.shardMap.Remove(n)
			c.dropAssignment(n)
		}
	}

	c.persistTxn(pt.record)
	if !pt.started.IsZero() {
		metrics.TxnCommitDuration.Observe(time.Since(pt.started).Seconds())
	}
	metrics.TxnCommitsTotal.Inc()
	c.publish(events.EventTxnCommitted, txnID)
	return types.TxnCommitted, nil
}

// assignNewNodeShards gives a node created by add_child/add_sibling a
// shardMap entry before the op is dispatched: it inherits target's shard
// set when target already exists, or lands on the transaction's
// coordinator shard for root creation (target == NULL). batch_structure is
// walked recursively since its nested ops can themselves create nodes.
func (c *Coordinator) assignNewNodeShards(op types.SceneOp, coordShard types.Shard) {
	switch op.Kind {
	case types.OpAddChild, types.OpAddSibling:
		if existing := c.shardMap.Shards(op.NewNode); len(existing) > 0 {
			return
		}
		shards := c.shardMap.Shards(op.Target)
		if len(shards) == 0 {
			shards = types.NewShardSet(coordShard)
		}
		c.shardMap.Set(op.NewNode, shards)
		c.persistAssignment(op.NewNode, shards)
	case types.OpBatchStructure:
		for _, sub := range op.StructureOps {
			c.assignNewNodeShards(sub, coordShard)
		}
	}
}

// applyMoveShard synthesizes the fan-out of a move_shard decomposition
// once its enclosing transaction is committed: a state_transfer entry per
// subtree node on the destination shard's log, a shard_remove entry per
// subtree node on every source shard's log, a detach_child entry on the
// parent's shard carrying the parent, and an attach_child entry carrying the
// parent and position (both captured before any of this runs, so the replay of these same
// four entries on a crash-recovered replica reproduces the identical
// shape). Nothing here mutates scene state directly; every effect reaches
// the scene state machine the same way any other committed entry does,
// through the owning shard's applier loop, keeping "committed" and
// "applied" as two distinct cursors even for migration.
//
// detach_child/attach_child are genuinely no-ops when the migrating node's
// parent is not replicated by the same shard as the entry they're appended
// to (a family split across shards); Coordinator.OrderedChildren resolves
// that case by walking the shard map instead of relying on a single
// shard's local pointers.
func (c *Coordinator) applyMoveShard(op types.SceneOp, stamp types.HLC) error {
	from := c.shardMap.Shards(op.Node)
	if len(from) == 0 {
		return fmt.Errorf("coordinator: move_shard: node %d has no shard assignment", op.Node)
	}

	var src *scene.State
	for _, sh := range from.Slice() {
		if p, ok := c.participants[sh]; ok {
			if _, exists := p.Scene.Get(op.Node); exists {
				src = p.Scene
				break
			}
		}
	}
	if src == nil {
		return fmt.Errorf("coordinator: move_shard: node %d not found on any source shard", op.Node)
	}

	dst, ok := c.participants[op.NewShard]
	if !ok {
		return fmt.Errorf("coordinator: move_shard: destination shard %d is not a known participant", op.NewShard)
	}

	descendants := scene.Descendants(src, op.Node)
	subtree := make([]types.NodeID, 0, len(descendants)+1)
	subtree = append(subtree, op.Node)
	for d := range descendants {
		subtree = append(subtree, d)
	}

	parent, hasParent := scene.Parent(src, op.Node)
	position := 0
	if hasParent {
		for i, ch := range scene.OrderedChildren(src, parent) {
			if ch == op.Node {
				position = i
				break
			}
		}
	}

	for _, n := range subtree {
		state, exists := src.Get(n)
		if !exists {
			continue
		}
		if _, err := dst.Log.Append(types.Command{Kind: types.CommandStateTransfer, Node: n, State: state}, stamp); err != nil {
			return fmt.Errorf("coordinator: move_shard: state_transfer for node %d: %w", n, err)
		}
	}

	for _, sh := range from.Slice() {
		p, ok := c.participants[sh]
		if !ok {
			continue
		}
		for _, n := range subtree {
			if _, err := p.Log.Append(types.Command{Kind: types.CommandShardRemove, Node: n}, stamp); err != nil {
				return fmt.Errorf("coordinator: move_shard: shard_remove for node %d on shard %d: %w", n, sh, err)
			}
		}
	}

	if hasParent {
		for _, sh := range c.shardMap.Shards(parent).Slice() {
			p, ok := c.participants[sh]
			if !ok {
				continue
			}
			if _, err := p.Log.Append(types.Command{Kind: types.CommandDetachChild, Parent: parent, Child: op.Node}, stamp); err != nil {
				return fmt.Errorf("coordinator: move_shard: detach_child: %w", err)
			}
		}
	}

	attachParent := types.NullNode
	if hasParent {
		attachParent = parent
	}
	if _, err := dst.Log.Append(types.Command{Kind: types.CommandAttachChild, Parent: attachParent, Child: op.Node, Position: position}, stamp); err != nil {
		return fmt.Errorf("coordinator: move_shard: attach_child: %w", err)
	}

	for _, n := range subtree {
		assigned := types.NewShardSet(op.NewShard)
		c.shardMap.Set(n, assigned)
		c.persistAssignment(n, assigned)
	}

	c.publish(events.EventShardMigrated, types.TxnID(op.Node))
	return nil
}

// removalClosure returns the nodes a remove_node op (top-level or nested in
// a batch_structure) will delete, resolved against the scene of whichever
// shard currently holds the subtree. Must run before the op applies; the
// closure is gone afterwards.
func (c *Coordinator) removalClosure(op types.SceneOp) []types.NodeID {
	switch op.Kind {
	case types.OpRemoveNode:
		for _, sh := range c.shardMap.Shards(op.Node).Slice() {
			p, ok := c.participants[sh]
			if !ok || !p.Scene.Exists(op.Node) {
				continue
			}
			out := []types.NodeID{op.Node}
			for d := range scene.Descendants(p.Scene, op.Node) {
				out = append(out, d)
			}
			return out
		}
		return nil
	case types.OpBatchStructure:
		var out []types.NodeID
		for _, sub := range op.StructureOps {
			out = append(out, c.removalClosure(sub)...)
		}
		return out
	default:
		return nil
	}
}

func (c *Coordinator) transitionAborted(txnID types.TxnID) (types.TxnStatus, error) {
	c.mu.Lock()
	pt := c.pending[txnID]
	pt.record.Status = types.TxnAborted
	shards := pt.record.Shards
	c.mu.Unlock()

	for _, sh := range shards.Slice() {
		p, ok := c.participants[sh]
		if !ok {
			continue
		}
		if _, err := p.Log.Append(types.Command{Kind: types.CommandAbort, TxnRef: txnID}, pt.record.HLC); err != nil {
			log.Errorf(fmt.Sprintf("coordinator: failed to append abort record to shard %d", sh), err)
		}
	}

	// Aborted transactions never feed later conflict checks, so the durable
	// record has no reader left; only the in-memory entry stays for Status.
	c.dropTxn(txnID)
	if !pt.started.IsZero() {
		metrics.TxnCommitDuration.Observe(time.Since(pt.started).Seconds())
	}
	metrics.TxnAbortsTotal.WithLabelValues("hlc_window").Inc()
	c.publish(events.EventTxnAborted, txnID)
	return types.TxnAborted, nil
}

// Abort forces a COMMITTING transaction to ABORTED. Nothing in this package
// calls it: Submit does not retry a failed append against a new leader and
// does not abort on leader loss; it returns the append error.
func (c *Coordinator) Abort(txnID types.TxnID) error {
	c.mu.Lock()
	pt, ok := c.pending[txnID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: unknown transaction %d", txnID)
	}
	if pt.record.Status != types.TxnCommitting {
		return nil
	}
	_, err := c.transitionAborted(txnID)
	return err
}

// Status returns the current status of a known transaction.
func (c *Coordinator) Status(txnID types.TxnID) (types.TxnStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pt, ok := c.pending[txnID]
	if !ok {
		return 0, false
	}
	return pt.record.Status, true
}

// Get serves the get(nodeId) query: the shard owning id answers from
// its own local state, since property authority and the node's own
// LeftChild/RightSibling fields both live there regardless of which shard
// replicates its parent or children.
func (c *Coordinator) Get(id types.NodeID) (*types.SceneNode, bool) {
	for _, sh := range c.shardMap.Shards(id).Slice() {
		if p, ok := c.participants[sh]; ok {
			if n, exists := p.Scene.Get(id); exists {
				return n, true
			}
		}
	}
	return nil, false
}

// OrderedChildren serves the ordered_children(nodeId) query. It walks
// LeftChild then RightSibling exactly like scene.OrderedChildren, but
// consults the shard map at every step instead of a single shard's local
// state. A family can legitimately span shards (a child migrated with
// move_shard while a sibling did not), and only the coordinator sees every
// participant's scene.
func (c *Coordinator) OrderedChildren(id types.NodeID) []types.NodeID {
	parent, ok := c.Get(id)
	if !ok {
		return nil
	}

	var out []types.NodeID
	seen := make(map[types.NodeID]struct{})
	for cur := parent.LeftChild; cur != types.NullNode; {
		if _, dup := seen[cur]; dup {
			break
		}
		seen[cur] = struct{}{}
		out = append(out, cur)

		n, exists := c.Get(cur)
		if !exists {
			break
		}
		cur = n.RightSibling
	}
	return out
}

// targetsShard reports whether any node op references is replicated by sh.
// assignNewNodeShards runs ahead of every call site so a node this op
// creates already has a shardMap entry by the time this check runs.
func (c *Coordinator) targetsShard(op types.SceneOp, sh types.Shard) bool {
	for _, n := range op.Nodes() {
		if n == types.NullNode {
			continue
		}
		if c.shardMap.OwnedBy(n, sh) {
			return true
		}
	}
	return false
}

// conflictsWithCommitted checks record's ops against every transaction this
// coordinator has already resolved to COMMITTED with a strictly earlier
// HLC, across every participant shard's scene rather than just record's own
// shards, so the check covers the committed prefix of every shard log.
func (c *Coordinator) conflictsWithCommitted(record types.TxnRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, pt := range c.pending {
		if pt.record.Status != types.TxnCommitted {
			continue
		}
		if !pt.record.HLC.Less(record.HLC) {
			continue
		}
		priorOps := c.txnOps[id]
		for sh := range c.participants {
			if conflict.AnyConflict(c.participants[sh].Scene, record.Ops, priorOps) {
				return true
			}
		}
	}
	return false
}

// persistTxn writes record to the configured store. Persistence failures
// are logged rather than failing the transaction, matching how the applier
// treats a failed applied-index checkpoint: the in-memory protocol state
// stays authoritative for this process lifetime.
func (c *Coordinator) persistTxn(record types.TxnRecord) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveTxnRecord(&record); err != nil {
		log.Errorf(fmt.Sprintf("coordinator: failed to persist txn %d", record.TxnID), err)
	}
}

func (c *Coordinator) dropTxn(txnID types.TxnID) {
	if c.store == nil {
		return
	}
	if err := c.store.DeleteTxnRecord(txnID); err != nil {
		log.Errorf(fmt.Sprintf("coordinator: failed to delete persisted txn %d", txnID), err)
	}
}

func (c *Coordinator) persistAssignment(node types.NodeID, shards types.ShardSet) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveShardAssignment(node, shards); err != nil {
		log.Errorf(fmt.Sprintf("coordinator: failed to persist shard assignment for node %d", node), err)
	}
}

func (c *Coordinator) dropAssignment(node types.NodeID) {
	if c.store == nil {
		return
	}
	if err := c.store.DeleteShardAssignment(node); err != nil {
		log.Errorf(fmt.Sprintf("coordinator: failed to delete shard assignment for node %d", node), err)
	}
}

func (c *Coordinator) publish(kind events.EventType, txnID types.TxnID) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{
		Type:     kind,
		Message:  fmt.Sprintf("transaction %d", txnID),
		Metadata: map[string]string{"txn_id": fmt.Sprintf("%d", txnID)},
	})
}

func smallestShard(shards types.ShardSet) types.Shard {
	slice := shards.Slice()
	return slice[0]
}
