package coordinator

import (
	"sync"
	"testing"

	"github.com/cuemby/scenemesh/pkg/hlc"
	"github.com/cuemby/scenemesh/pkg/scene"
	"github.com/cuemby/scenemesh/pkg/shardmap"
	"github.com/cuemby/scenemesh/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLog is a minimal consensus.Log fake. Every Append is immediately
// committed, so tests can drive CheckParallelCommit deterministically.
type fakeLog struct {
	mu      sync.Mutex
	entries []types.LogEntry
}

func (f *fakeLog) Append(cmd types.Command, h types.HLC) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, types.LogEntry{HLC: h, Cmd: cmd})
	return uint64(len(f.entries)), nil
}

func (f *fakeLog) CommitIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.entries))
}

func (f *fakeLog) Entry(index uint64) (types.LogEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index == 0 || index > uint64(len(f.entries)) {
		return types.LogEntry{}, false
	}
	return f.entries[index-1], true
}

func (f *fakeLog) CurrentLeader() string { return "self" }
func (f *fakeLog) IsLeader() bool        { return true }

// memStore is a minimal in-memory storage.Store fake covering the txn and
// shard-assignment persistence the coordinator owns.
type memStore struct {
	assignments map[types.NodeID]types.ShardSet
	txns        map[types.TxnID]*types.TxnRecord
}

func newMemStore() *memStore {
	return &memStore{
		assignments: make(map[types.NodeID]types.ShardSet),
		txns:        make(map[types.TxnID]*types.TxnRecord),
	}
}

func (m *memStore) SaveSceneNode(types.Shard, types.NodeID, *types.SceneNode) error { return nil }
func (m *memStore) GetSceneNode(types.Shard, types.NodeID) (*types.SceneNode, error) {
	return nil, nil
}
func (m *memStore) ListSceneNodes(types.Shard) (map[types.NodeID]*types.SceneNode, error) {
	return nil, nil
}
func (m *memStore) DeleteSceneNode(types.Shard, types.NodeID) error { return nil }

func (m *memStore) SaveShardAssignment(node types.NodeID, shards types.ShardSet) error {
	m.assignments[node] = shards
	return nil
}
func (m *memStore) ListShardAssignments() (map[types.NodeID]types.ShardSet, error) {
	return m.assignments, nil
}
func (m *memStore) DeleteShardAssignment(node types.NodeID) error {
	delete(m.assignments, node)
	return nil
}

func (m *memStore) SaveAppliedIndex(types.Shard, uint64) error  { return nil }
func (m *memStore) GetAppliedIndex(types.Shard) (uint64, error) { return 0, nil }

func (m *memStore) SaveTxnRecord(record *types.TxnRecord) error {
	cp := *record
	m.txns[record.TxnID] = &cp
	return nil
}
func (m *memStore) GetTxnRecord(txnID types.TxnID) (*types.TxnRecord, error) {
	return m.txns[txnID], nil
}
func (m *memStore) ListTxnRecords() ([]*types.TxnRecord, error) {
	out := make([]*types.TxnRecord, 0, len(m.txns))
	for _, r := range m.txns {
		out = append(out, r)
	}
	return out, nil
}
func (m *memStore) DeleteTxnRecord(txnID types.TxnID) error {
	delete(m.txns, txnID)
	return nil
}

func (m *memStore) Close() error { return nil }

func newTestCoordinator(shards ...types.Shard) (*Coordinator, map[types.Shard]*fakeLog, map[types.Shard]*scene.State) {
	return newTestCoordinatorWithStore(nil, shards...)
}

func newTestCoordinatorWithStore(store *memStore, shards ...types.Shard) (*Coordinator, map[types.Shard]*fakeLog, map[types.Shard]*scene.State) {
	logs := make(map[types.Shard]*fakeLog, len(shards))
	scenes := make(map[types.Shard]*scene.State, len(shards))
	participants := make(map[types.Shard]Participant, len(shards))
	for _, sh := range shards {
		l := &fakeLog{}
		s := scene.New()
		logs[sh] = l
		scenes[sh] = s
		participants[sh] = Participant{Log: l, Scene: s}
	}

	sm := shardmap.New()
	cfg := Config{
		Participants: participants,
		ShardMap:     sm,
		Clock:        hlc.New(),
		PhysicalTick: func() uint64 { return 0 },
		MaxLatency:   16,
	}
	if store != nil {
		cfg.Store = store
	}
	c := New(cfg)
	return c, logs, scenes
}

// A single-shard transaction commits as soon as its one log entry is
// committed.
func TestSubmitAndCommitSingleShard(t *testing.T) {
	c, _, scenes := newTestCoordinator(1)

	record, err := c.Submit([]types.SceneOp{{Kind: types.OpAddChild, Target: types.NullNode, NewNode: 1}}, types.NewShardSet(1))
	require.NoError(t, err)
	assert.Equal(t, types.TxnCommitting, record.Status)

	status, err := c.CheckParallelCommit(record.TxnID)
	require.NoError(t, err)
	assert.Equal(t, types.TxnCommitted, status)
	assert.True(t, scenes[1].Exists(1))
}

// TestSubmitAcrossTwoShardsWaitsForBoth covers the parallel-commit fan-out:
// the coordinator shard carries CommandTxnIntent, every other participant
// carries only a CommandCommitStub, and commit is implicit only once every
// participant's log has committed its entry.
func TestSubmitAcrossTwoShardsWaitsForBoth(t *testing.T) {
	c, logs, _ := newTestCoordinator(1, 2)

	record, err := c.Submit([]types.SceneOp{{Kind: types.OpSetProperty, Node: 1, Key: "k", Value: "v"}}, types.NewShardSet(1, 2))
	require.NoError(t, err)
	require.Equal(t, types.Shard(1), record.CoordShard)

	assert.Len(t, logs[1].entries, 1)
	assert.Equal(t, types.CommandTxnIntent, logs[1].entries[0].Cmd.Kind)
	assert.Len(t, logs[2].entries, 1)
	assert.Equal(t, types.CommandCommitStub, logs[2].entries[0].Cmd.Kind)

	status, err := c.CheckParallelCommit(record.TxnID)
	require.NoError(t, err)
	assert.Equal(t, types.TxnCommitted, status)
}

// A transaction still COMMITTING once the clock has advanced MaxLatency
// ticks past its stamp aborts instead of waiting forever.
func TestCheckParallelCommitAbortsPastMaxLatency(t *testing.T) {
	c, logs, _ := newTestCoordinator(1, 2)

	// Shard 2 never commits its stub, so the transaction stays COMMITTING
	// until the HLC window check fires.
	record, err := c.Submit([]types.SceneOp{{Kind: types.OpSetProperty, Node: 1, Key: "k", Value: "v"}}, types.NewShardSet(1, 2))
	require.NoError(t, err)

	// Drop shard 2's entry so it can never reach record's commit index.
	logs[2].mu.Lock()
	logs[2].entries = nil
	logs[2].mu.Unlock()

	c.clock.Tick(100) // advances "now" far past record.HLC

	status, err := c.CheckParallelCommit(record.TxnID)
	require.NoError(t, err)
	assert.Equal(t, types.TxnAborted, status)
}

func TestSubmitRejectsUnknownShard(t *testing.T) {
	c, _, _ := newTestCoordinator(1)
	_, err := c.Submit([]types.SceneOp{{Kind: types.OpSetProperty, Node: 1, Key: "k", Value: "v"}}, types.NewShardSet(9))
	assert.Error(t, err)
}

func TestSubmitRejectsEmptyShardSet(t *testing.T) {
	c, _, _ := newTestCoordinator(1)
	_, err := c.Submit([]types.SceneOp{{Kind: types.OpSetProperty, Node: 1, Key: "k", Value: "v"}}, types.NewShardSet())
	assert.Error(t, err)
}

// A node created with no existing shard assignment lands on the
// transaction's coordinator shard.
func TestAssignNewNodeShardsOnRootCreation(t *testing.T) {
	c, _, scenes := newTestCoordinator(1, 2)

	record, err := c.Submit([]types.SceneOp{{Kind: types.OpAddChild, Target: types.NullNode, NewNode: 1}}, types.NewShardSet(1, 2))
	require.NoError(t, err)

	status, err := c.CheckParallelCommit(record.TxnID)
	require.NoError(t, err)
	require.Equal(t, types.TxnCommitted, status)

	assert.True(t, c.shardMap.OwnedBy(1, 1))
	assert.False(t, c.shardMap.OwnedBy(1, 2))
	assert.True(t, scenes[1].Exists(1))
	assert.False(t, scenes[2].Exists(1))
}

// TestAssignNewNodeShardsInheritsFromTarget ensures a child created under an
// existing node lands wherever that node already lives, not the coordinator
// shard, when the two differ.
func TestAssignNewNodeShardsInheritsFromTarget(t *testing.T) {
	c, _, scenes := newTestCoordinator(1, 2)
	c.shardMap.Set(1, types.NewShardSet(2))
	scenes[2].Install(1, &types.SceneNode{})

	record, err := c.Submit([]types.SceneOp{{Kind: types.OpAddChild, Target: 1, NewNode: 2}}, types.NewShardSet(1, 2))
	require.NoError(t, err)

	status, err := c.CheckParallelCommit(record.TxnID)
	require.NoError(t, err)
	require.Equal(t, types.TxnCommitted, status)

	assert.True(t, c.shardMap.OwnedBy(2, 2))
	assert.True(t, scenes[2].Exists(2))
}

// move_shard decomposes into state_transfer + shard_remove +
// detach_child/attach_child entries rather than mutating scene state
// directly.
func TestApplyMoveShardMigratesSubtree(t *testing.T) {
	c, logs, scenes := newTestCoordinator(1, 2)

	c.shardMap.Set(1, types.NewShardSet(1))
	c.shardMap.Set(2, types.NewShardSet(1))
	scenes[1].Install(1, &types.SceneNode{LeftChild: 2})
	scenes[1].Install(2, &types.SceneNode{})

	record, err := c.Submit([]types.SceneOp{{Kind: types.OpMoveShard, Node: 2, NewShard: 2}}, types.NewShardSet(1, 2))
	require.NoError(t, err)

	status, err := c.CheckParallelCommit(record.TxnID)
	require.NoError(t, err)
	require.Equal(t, types.TxnCommitted, status)

	var sawStateTransfer, sawShardRemove, sawAttach bool
	for _, e := range logs[2].entries {
		if e.Cmd.Kind == types.CommandStateTransfer && e.Cmd.Node == 2 {
			sawStateTransfer = true
		}
		if e.Cmd.Kind == types.CommandAttachChild && e.Cmd.Child == 2 {
			sawAttach = true
		}
	}
	for _, e := range logs[1].entries {
		if e.Cmd.Kind == types.CommandShardRemove && e.Cmd.Node == 2 {
			sawShardRemove = true
		}
	}
	assert.True(t, sawStateTransfer)
	assert.True(t, sawShardRemove)
	assert.True(t, sawAttach)
	assert.True(t, c.shardMap.OwnedBy(2, 2))
	assert.False(t, c.shardMap.OwnedBy(2, 1))
}

// A family split across shards still resolves in order through the shard
// map.
func TestOrderedChildrenWalksAcrossShards(t *testing.T) {
	c, _, scenes := newTestCoordinator(1, 2)

	c.shardMap.Set(1, types.NewShardSet(1))
	c.shardMap.Set(2, types.NewShardSet(1))
	c.shardMap.Set(3, types.NewShardSet(2))

	scenes[1].Install(1, &types.SceneNode{LeftChild: 3})
	scenes[2].Install(3, &types.SceneNode{RightSibling: 2})
	scenes[1].Install(2, &types.SceneNode{})

	assert.Equal(t, []types.NodeID{3, 2}, c.OrderedChildren(1))

	node, ok := c.Get(3)
	require.True(t, ok)
	assert.Equal(t, types.NodeID(2), node.RightSibling)
}

// A transaction that conflicts with an already-committed one aborts without
// ever appending a log entry.
func TestConflictingTransactionAbortsImmediately(t *testing.T) {
	c, logs, scenes := newTestCoordinator(1)

	c.shardMap.Set(1, types.NewShardSet(1))
	c.shardMap.Set(2, types.NewShardSet(1))
	scenes[1].Install(1, &types.SceneNode{LeftChild: 2})
	scenes[1].Install(2, &types.SceneNode{})

	first, err := c.Submit([]types.SceneOp{{Kind: types.OpMoveSubtree, Node: 2, NewParent: types.NullNode, NewSibling: types.NullNode}}, types.NewShardSet(1))
	require.NoError(t, err)
	status, err := c.CheckParallelCommit(first.TxnID)
	require.NoError(t, err)
	require.Equal(t, types.TxnCommitted, status)

	entriesBefore := len(logs[1].entries)

	second, err := c.Submit([]types.SceneOp{{Kind: types.OpSetProperty, Node: 2, Key: "k", Value: "v"}}, types.NewShardSet(1))
	require.NoError(t, err)
	assert.Equal(t, types.TxnAborted, second.Status)
	assert.Equal(t, entriesBefore, len(logs[1].entries))
}

func TestAbortForcesCommittingToAborted(t *testing.T) {
	c, logs, _ := newTestCoordinator(1, 2)

	record, err := c.Submit([]types.SceneOp{{Kind: types.OpSetProperty, Node: 1, Key: "k", Value: "v"}}, types.NewShardSet(1, 2))
	require.NoError(t, err)

	require.NoError(t, c.Abort(record.TxnID))
	status, ok := c.Status(record.TxnID)
	require.True(t, ok)
	assert.Equal(t, types.TxnAborted, status)

	var sawAbort bool
	for _, e := range logs[1].entries {
		if e.Cmd.Kind == types.CommandAbort {
			sawAbort = true
		}
	}
	assert.True(t, sawAbort)
}

func TestStatusUnknownTransaction(t *testing.T) {
	c, _, _ := newTestCoordinator(1)
	_, ok := c.Status(999)
	assert.False(t, ok)
}

// Every staged transaction and every new-node assignment lands in the
// store, and a commit updates the persisted status in place.
func TestSubmitPersistsTxnRecordAndAssignments(t *testing.T) {
	store := newMemStore()
	c, _, _ := newTestCoordinatorWithStore(store, 1)

	record, err := c.Submit([]types.SceneOp{{Kind: types.OpAddChild, Target: types.NullNode, NewNode: 1}}, types.NewShardSet(1))
	require.NoError(t, err)

	persisted, err := store.GetTxnRecord(record.TxnID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, types.TxnCommitting, persisted.Status)

	status, err := c.CheckParallelCommit(record.TxnID)
	require.NoError(t, err)
	require.Equal(t, types.TxnCommitted, status)

	persisted, err = store.GetTxnRecord(record.TxnID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, types.TxnCommitted, persisted.Status)
	assert.Equal(t, types.NewShardSet(1), store.assignments[1])
}

// An abort deletes the durable record: aborted transactions never feed
// later conflict checks, so nothing reads it back.
func TestAbortDeletesPersistedRecord(t *testing.T) {
	store := newMemStore()
	c, logs, _ := newTestCoordinatorWithStore(store, 1, 2)

	record, err := c.Submit([]types.SceneOp{{Kind: types.OpSetProperty, Node: 1, Key: "k", Value: "v"}}, types.NewShardSet(1, 2))
	require.NoError(t, err)

	logs[2].mu.Lock()
	logs[2].entries = nil
	logs[2].mu.Unlock()
	c.clock.Tick(100)

	status, err := c.CheckParallelCommit(record.TxnID)
	require.NoError(t, err)
	require.Equal(t, types.TxnAborted, status)

	persisted, err := store.GetTxnRecord(record.TxnID)
	require.NoError(t, err)
	assert.Nil(t, persisted)
}

// remove_node retires the whole subtree's shard assignments, in memory and
// in the store.
func TestRemoveNodeClearsShardAssignments(t *testing.T) {
	store := newMemStore()
	c, _, scenes := newTestCoordinatorWithStore(store, 1)

	c.shardMap.Set(1, types.NewShardSet(1))
	c.shardMap.Set(2, types.NewShardSet(1))
	require.NoError(t, store.SaveShardAssignment(1, types.NewShardSet(1)))
	require.NoError(t, store.SaveShardAssignment(2, types.NewShardSet(1)))
	scenes[1].Install(1, &types.SceneNode{LeftChild: 2})
	scenes[1].Install(2, &types.SceneNode{})

	record, err := c.Submit([]types.SceneOp{{Kind: types.OpRemoveNode, Node: 2}}, types.NewShardSet(1))
	require.NoError(t, err)
	status, err := c.CheckParallelCommit(record.TxnID)
	require.NoError(t, err)
	require.Equal(t, types.TxnCommitted, status)

	assert.False(t, scenes[1].Exists(2))
	assert.Nil(t, c.shardMap.Shards(2))
	assert.NotContains(t, store.assignments, types.NodeID(2))
	assert.Contains(t, store.assignments, types.NodeID(1))
}

// A coordinator constructed over a non-empty store rebuilds its pending
// table; a restored COMMITTING record has no staged indices, so it can only
// resolve through the latency-window abort, never an instant commit.
func TestNewRestoresPendingFromStore(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.SaveTxnRecord(&types.TxnRecord{
		TxnID:      7,
		Status:     types.TxnCommitting,
		Shards:     types.NewShardSet(1),
		CoordShard: 1,
		HLC:        types.HLC{L: 5},
	}))

	c, _, _ := newTestCoordinatorWithStore(store, 1)

	status, ok := c.Status(7)
	require.True(t, ok)
	assert.Equal(t, types.TxnCommitting, status)

	status, err := c.CheckParallelCommit(7)
	require.NoError(t, err)
	assert.Equal(t, types.TxnCommitting, status)

	c.clock.Tick(100)
	status, err = c.CheckParallelCommit(7)
	require.NoError(t, err)
	assert.Equal(t, types.TxnAborted, status)
}
