package applier

import (
	"sync"
	"testing"

	"github.com/cuemby/scenemesh/pkg/coordinator"
	"github.com/cuemby/scenemesh/pkg/hlc"
	"github.com/cuemby/scenemesh/pkg/scene"
	"github.com/cuemby/scenemesh/pkg/shardmap"
	"github.com/cuemby/scenemesh/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-memory storage.Store fake, just enough to back
// the applied-index checkpoint this package owns.
type memStore struct {
	applied map[types.Shard]uint64
}

func newMemStore() *memStore {
	return &memStore{applied: make(map[types.Shard]uint64)}
}

func (m *memStore) SaveSceneNode(types.Shard, types.NodeID, *types.SceneNode) error { return nil }
func (m *memStore) GetSceneNode(types.Shard, types.NodeID) (*types.SceneNode, error) {
	return nil, nil
}
func (m *memStore) ListSceneNodes(types.Shard) (map[types.NodeID]*types.SceneNode, error) {
	return nil, nil
}
func (m *memStore) DeleteSceneNode(types.Shard, types.NodeID) error { return nil }

func (m *memStore) SaveShardAssignment(types.NodeID, types.ShardSet) error { return nil }
func (m *memStore) ListShardAssignments() (map[types.NodeID]types.ShardSet, error) {
	return nil, nil
}
func (m *memStore) DeleteShardAssignment(types.NodeID) error { return nil }

func (m *memStore) SaveAppliedIndex(shard types.Shard, index uint64) error {
	m.applied[shard] = index
	return nil
}
func (m *memStore) GetAppliedIndex(shard types.Shard) (uint64, error) { return m.applied[shard], nil }

func (m *memStore) SaveTxnRecord(*types.TxnRecord) error            { return nil }
func (m *memStore) GetTxnRecord(types.TxnID) (*types.TxnRecord, error) { return nil, nil }
func (m *memStore) ListTxnRecords() ([]*types.TxnRecord, error)     { return nil, nil }
func (m *memStore) DeleteTxnRecord(types.TxnID) error               { return nil }

func (m *memStore) Close() error { return nil }

// fakeLog is a minimal consensus.Log fake: Append is immediately "committed".
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

func TestDispatchSceneOpAppliesToState(t *testing.T) {
	rl := &fakeLog{}
	s := scene.New()
	store := newMemStore()
	l, err := New(1, rl, s, nil, store)
	require.NoError(t, err)

	_, err = rl.Append(types.Command{Kind: types.CommandSceneOp, Op: types.SceneOp{Kind: types.OpAddChild, Target: types.NullNode, NewNode: 1}}, types.HLC{L: 1})
	require.NoError(t, err)

	l.tick()
	assert.Equal(t, uint64(1), l.AppliedIndex())
	assert.True(t, s.Exists(1))

	applied, err := store.GetAppliedIndex(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), applied)
}

func TestDispatchStateTransferAndShardRemove(t *testing.T) {
	rl := &fakeLog{}
	s := scene.New()
	store := newMemStore()
	l, err := New(1, rl, s, nil, store)
	require.NoError(t, err)

	node := &types.SceneNode{Properties: types.Properties{"k": "v"}}
	_, err = rl.Append(types.Command{Kind: types.CommandStateTransfer, Node: 9, State: node}, types.HLC{L: 1})
	require.NoError(t, err)
	l.tick()
	require.True(t, s.Exists(9))

	_, err = rl.Append(types.Command{Kind: types.CommandShardRemove, Node: 9}, types.HLC{L: 2})
	require.NoError(t, err)
	l.tick()
	assert.False(t, s.Exists(9))
}

func TestDispatchDetachAndAttachChild(t *testing.T) {
	rl := &fakeLog{}
	s := scene.New()
	store := newMemStore()
	l, err := New(1, rl, s, nil, store)
	require.NoError(t, err)

	require.NoError(t, s.Apply(types.SceneOp{Kind: types.OpAddChild, Target: types.NullNode, NewNode: 1}))
	require.NoError(t, s.Apply(types.SceneOp{Kind: types.OpAddChild, Target: 1, NewNode: 2}))
	require.NoError(t, s.Apply(types.SceneOp{Kind: types.OpAddChild, Target: 1, NewNode: 3}))

	_, err = rl.Append(types.Command{Kind: types.CommandDetachChild, Parent: 1, Child: 3}, types.HLC{L: 1})
	require.NoError(t, err)
	l.tick()
	assert.Equal(t, []types.NodeID{2}, scene.OrderedChildren(s, 1))

	_, err = rl.Append(types.Command{Kind: types.CommandAttachChild, Parent: 1, Child: 3, Position: 1}, types.HLC{L: 2})
	require.NoError(t, err)
	l.tick()
	assert.Equal(t, []types.NodeID{2, 3}, scene.OrderedChildren(s, 1))
}

func TestDispatchTxnIntentChecksParallelCommit(t *testing.T) {
	rl := &fakeLog{}
	s := scene.New()
	store := newMemStore()

	sm := shardmap.New()
	coord := coordinator.New(coordinator.Config{
		Participants: map[types.Shard]coordinator.Participant{1: {Log: rl, Scene: s}},
		ShardMap:     sm,
		Clock:        hlc.New(),
		PhysicalTick: func() uint64 { return 0 },
		MaxLatency:   16,
	})

	l, err := New(1, rl, s, coord, store)
	require.NoError(t, err)

	record, err := coord.Submit([]types.SceneOp{{Kind: types.OpAddChild, Target: types.NullNode, NewNode: 1}}, types.NewShardSet(1))
	require.NoError(t, err)
	require.Equal(t, types.TxnCommitting, record.Status)

	// Submit already appended the CommandTxnIntent entry; tick should drive
	// it through CheckParallelCommit to COMMITTED.
	l.tick()

	status, ok := coord.Status(record.TxnID)
	require.True(t, ok)
	assert.Equal(t, types.TxnCommitted, status)
	assert.True(t, s.Exists(1))
}

func TestDispatchUnknownCommandKindErrors(t *testing.T) {
	rl := &fakeLog{}
	s := scene.New()
	store := newMemStore()
	l, err := New(1, rl, s, nil, store)
	require.NoError(t, err)

	err = l.dispatch(types.LogEntry{Cmd: types.Command{Kind: types.CommandKind(99)}})
	assert.Error(t, err)
}

func TestNewResumesFromCheckpoint(t *testing.T) {
	rl := &fakeLog{}
	s := scene.New()
	store := newMemStore()
	require.NoError(t, store.SaveAppliedIndex(1, 5))

	l, err := New(1, rl, s, nil, store)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), l.AppliedIndex())
}
