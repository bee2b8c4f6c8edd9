package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/cuemby/scenemesh/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names. Scene node buckets are created lazily, one per shard,
	// since the shard count is not known until the store is opened.
	bucketShardAssignments = []byte("shard_assignments")
	bucketAppliedIndex     = []byte("applied_index")
	bucketTxnRecords       = []byte("txn_records")
)

func sceneNodeBucket(shard types.Shard) []byte {
	return []byte(fmt.Sprintf("scene_nodes_%d", shard))
}

// BoltStore implements Store using go.etcd.io/bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) a BoltDB-backed store under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "scenemesh.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketShardAssignments, bucketAppliedIndex, bucketTxnRecords}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("storage: failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveSceneNode upserts node into shard's scene node bucket, creating the
// bucket on first write for a shard.
func (s *BoltStore) SaveSceneNode(shard types.Shard, id types.NodeID, node *types.SceneNode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sceneNodeBucket(shard))
		if err != nil {
			return err
		}
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put(nodeKey(id), data)
	})
}

// GetSceneNode reads one node, returning (nil, nil) if it is not present.
func (s *BoltStore) GetSceneNode(shard types.Shard, id types.NodeID) (*types.SceneNode, error) {
	var node *types.SceneNode
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sceneNodeBucket(shard))
		if b == nil {
			return nil
		}
		data := b.Get(nodeKey(id))
		if data == nil {
			return nil
		}
		var n types.SceneNode
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		node = &n
		return nil
	})
	return node, err
}

// ListSceneNodes returns every node persisted for shard.
func (s *BoltStore) ListSceneNodes(shard types.Shard) (map[types.NodeID]*types.SceneNode, error) {
	nodes := make(map[types.NodeID]*types.SceneNode)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sceneNodeBucket(shard))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			id, err := strconv.ParseUint(string(k), 10, 64)
			if err != nil {
				return err
			}
			var n types.SceneNode
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nodes[types.NodeID(id)] = &n
			return nil
		})
	})
	return nodes, err
}

// DeleteSceneNode removes a single node's persisted record.
func (s *BoltStore) DeleteSceneNode(shard types.Shard, id types.NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sceneNodeBucket(shard))
		if b == nil {
			return nil
		}
		return b.Delete(nodeKey(id))
	})
}

// SaveShardAssignment upserts node's shard set.
func (s *BoltStore) SaveShardAssignment(node types.NodeID, shards types.ShardSet) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShardAssignments)
		data, err := json.Marshal(shards.Slice())
		if err != nil {
			return err
		}
		return b.Put(nodeKey(node), data)
	})
}

// ListShardAssignments returns the full node-to-shard-set map.
func (s *BoltStore) ListShardAssignments() (map[types.NodeID]types.ShardSet, error) {
	out := make(map[types.NodeID]types.ShardSet)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShardAssignments)
		return b.ForEach(func(k, v []byte) error {
			id, err := strconv.ParseUint(string(k), 10, 64)
			if err != nil {
				return err
			}
			var shards []types.Shard
			if err := json.Unmarshal(v, &shards); err != nil {
				return err
			}
			out[types.NodeID(id)] = types.NewShardSet(shards...)
			return nil
		})
	})
	return out, err
}

// DeleteShardAssignment clears node's persisted assignment.
func (s *BoltStore) DeleteShardAssignment(node types.NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShardAssignments).Delete(nodeKey(node))
	})
}

// SaveAppliedIndex checkpoints shard's applied index.
func (s *BoltStore) SaveAppliedIndex(shard types.Shard, index uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAppliedIndex)
		return b.Put(shardKey(shard), []byte(strconv.FormatUint(index, 10)))
	})
}

// GetAppliedIndex returns the last checkpointed applied index for shard, or
// 0 if none was ever saved.
func (s *BoltStore) GetAppliedIndex(shard types.Shard) (uint64, error) {
	var index uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAppliedIndex)
		data := b.Get(shardKey(shard))
		if data == nil {
			return nil
		}
		parsed, err := strconv.ParseUint(string(data), 10, 64)
		if err != nil {
			return err
		}
		index = parsed
		return nil
	})
	return index, err
}

// SaveTxnRecord upserts a transaction record, keyed by txn id.
func (s *BoltStore) SaveTxnRecord(record *types.TxnRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTxnRecords)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(txnKey(record.TxnID), data)
	})
}

// GetTxnRecord reads one transaction record, returning (nil, nil) if absent.
func (s *BoltStore) GetTxnRecord(txnID types.TxnID) (*types.TxnRecord, error) {
	var record *types.TxnRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTxnRecords)
		data := b.Get(txnKey(txnID))
		if data == nil {
			return nil
		}
		var r types.TxnRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		record = &r
		return nil
	})
	return record, err
}

// ListTxnRecords returns every persisted transaction record, used to
// rebuild the pending-txn table on recovery.
func (s *BoltStore) ListTxnRecords() ([]*types.TxnRecord, error) {
	var records []*types.TxnRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTxnRecords)
		return b.ForEach(func(k, v []byte) error {
			var r types.TxnRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			records = append(records, &r)
			return nil
		})
	})
	return records, err
}

// DeleteTxnRecord removes a transaction record; the coordinator calls it
// when the transaction aborts.
func (s *BoltStore) DeleteTxnRecord(txnID types.TxnID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTxnRecords).Delete(txnKey(txnID))
	})
}

func nodeKey(id types.NodeID) []byte {
	return []byte(strconv.FormatUint(uint64(id), 10))
}

func shardKey(shard types.Shard) []byte {
	return []byte(strconv.FormatUint(uint64(shard), 10))
}

func txnKey(txnID types.TxnID) []byte {
	return []byte(strconv.FormatUint(uint64(txnID), 10))
}
