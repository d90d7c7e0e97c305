package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/eltociear/flower/pkg/task"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes   = []byte("nodes")
	bucketTaskIns = []byte("task_ins")
	bucketTaskRes = []byte("task_res")
	bucketMeta    = []byte("meta")

	keyNextNodeID = []byte("next_node_id")
)

// BoltStore implements Store on top of BoltDB. It keeps the same queue
// semantics as MemoryStore but survives process restarts, which is
// useful for post-mortem inspection of long simulations.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the store database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "flower.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketTaskIns, bucketTaskRes, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
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

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// insKey orders instructions FIFO within a consumer: node id prefix plus
// a monotonically increasing sequence from the bucket.
func insKey(nodeID int64, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(nodeID))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

// CreateNode allocates the next node identifier.
func (s *BoltStore) CreateNode() (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if prev := meta.Get(keyNextNodeID); prev != nil {
			id = btoi(prev)
		}
		id++
		if err := meta.Put(keyNextNodeID, itob(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put(itob(id), []byte{})
	})
	return id, err
}

// DeleteNode removes a node and its pending instructions.
func (s *BoltStore) DeleteNode(nodeID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		if nodes.Get(itob(nodeID)) == nil {
			return fmt.Errorf("%w: %d", ErrUnknownNode, nodeID)
		}
		if err := nodes.Delete(itob(nodeID)); err != nil {
			return err
		}
		prefix := itob(nodeID)
		c := tx.Bucket(bucketTaskIns).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// StoreTaskIns appends an instruction to its consumer's queue.
func (s *BoltStore) StoreTaskIns(ins *task.TaskIns) (string, error) {
	if ins.TaskID == "" {
		ins.TaskID = uuid.New().String()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketNodes).Get(itob(ins.ConsumerNodeID)) == nil {
			return fmt.Errorf("%w: %d", ErrUnknownNode, ins.ConsumerNodeID)
		}
		b := tx.Bucket(bucketTaskIns)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(ins)
		if err != nil {
			return err
		}
		return b.Put(insKey(ins.ConsumerNodeID, seq), data)
	})
	if err != nil {
		return "", err
	}
	return ins.TaskID, nil
}

// GetTaskIns pops up to limit pending instructions for nodeID in FIFO
// order.
func (s *BoltStore) GetTaskIns(nodeID int64, limit int) ([]*task.TaskIns, error) {
	var out []*task.TaskIns
	err := s.db.Update(func(tx *bolt.Tx) error {
		prefix := itob(nodeID)
		c := tx.Bucket(bucketTaskIns).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var ins task.TaskIns
			if err := json.Unmarshal(v, &ins); err != nil {
				return err
			}
			out = append(out, &ins)
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StoreTaskRes records a result keyed by the instruction it satisfies.
func (s *BoltStore) StoreTaskRes(res *task.TaskRes) (string, error) {
	if res.TaskID == "" {
		res.TaskID = uuid.New().String()
	}
	if res.AncestryTaskID == "" {
		return "", fmt.Errorf("task result %s has no ancestry task id", res.TaskID)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTaskRes).Put([]byte(res.AncestryTaskID), data)
	})
	if err != nil {
		return "", err
	}
	return res.TaskID, nil
}

// GetTaskRes consumes up to limit results for the given instruction ids.
func (s *BoltStore) GetTaskRes(insIDs []string, limit int) ([]*task.TaskRes, error) {
	var out []*task.TaskRes
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskRes)
		for _, id := range insIDs {
			if limit > 0 && len(out) >= limit {
				break
			}
			v := b.Get([]byte(id))
			if v == nil {
				continue
			}
			var res task.TaskRes
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			out = append(out, &res)
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NumTaskIns returns the number of undelivered instructions.
func (s *BoltStore) NumTaskIns() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketTaskIns).Stats().KeyN
		return nil
	})
	return n, err
}

// NumTaskRes returns the number of unconsumed results.
func (s *BoltStore) NumTaskRes() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketTaskRes).Stats().KeyN
		return nil
	})
	return n, err
}
