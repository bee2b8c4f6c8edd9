package consensus

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/scenemesh/pkg/types"
	"github.com/hashicorp/raft"
)

// logFSM is the Raft finite state machine for one shard's consensus group.
// Unlike a typical FSM it does not apply business logic: Apply's only job is
// to record the committed entry at its Raft log index so Entry/CommitIndex
// can serve it later. The scene state machine itself is driven by the
// applier loop (pkg/applier), which is what keeps "committed" and "applied"
// as two distinct, separately observable cursors.
type logFSM struct {
	mu      sync.RWMutex
	shard   types.Shard
	entries map[uint64]types.LogEntry
	highest uint64
}

func newLogFSM(shard types.Shard) *logFSM {
	return &logFSM{shard: shard, entries: make(map[uint64]types.LogEntry)}
}

// wireEntry is the payload Apply stores in the Raft log: the HLC and
// command, term is filled in from the Raft log record itself.
type wireEntry struct {
	HLC types.HLC
	Cmd types.Command
}

func (f *logFSM) Apply(l *raft.Log) interface{} {
	var we wireEntry
	if err := json.Unmarshal(l.Data, &we); err != nil {
		return fmt.Errorf("consensus: failed to decode log entry: %w", err)
	}

	entry := types.LogEntry{
		Term:  l.Term,
		Shard: f.shard,
		HLC:   we.HLC,
		Cmd:   we.Cmd,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[l.Index] = entry
	if l.Index > f.highest {
		f.highest = l.Index
	}
	return nil
}

func (f *logFSM) commitIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.highest
}

func (f *logFSM) entry(index uint64) (types.LogEntry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[index]
	return e, ok
}

// Snapshot serializes the full recorded log so a restored or newly joined
// replica can reconstruct Entry/CommitIndex without replaying every Raft
// log segment from index 1.
func (f *logFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cp := make(map[uint64]types.LogEntry, len(f.entries))
	for k, v := range f.entries {
		cp[k] = v
	}
	return &logSnapshot{entries: cp}, nil
}

func (f *logFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var entries map[uint64]types.LogEntry
	if err := json.NewDecoder(rc).Decode(&entries); err != nil {
		return fmt.Errorf("consensus: failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = entries
	f.highest = 0
	for idx := range entries {
		if idx > f.highest {
			f.highest = idx
		}
	}
	return nil
}

type logSnapshot struct {
	entries map[uint64]types.LogEntry
}

func (s *logSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.entries); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *logSnapshot) Release() {}
