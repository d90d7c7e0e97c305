package store

import (
	"fmt"
	"sync"

	"github.com/eltociear/flower/pkg/task"
	"github.com/google/uuid"
)

// MemoryStore is the in-process Store implementation. State does not
// survive restarts.
type MemoryStore struct {
	mu         sync.Mutex
	nextNodeID int64
	nodes      map[int64]bool
	pending    map[int64][]*task.TaskIns
	results    map[string]*task.TaskRes
	resOrder   []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[int64]bool),
		pending: make(map[int64][]*task.TaskIns),
		results: make(map[string]*task.TaskRes),
	}
}

// CreateNode allocates the next node identifier.
func (s *MemoryStore) CreateNode() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextNodeID++
	id := s.nextNodeID
	s.nodes[id] = true
	return id, nil
}

// DeleteNode removes a node and its pending instructions.
func (s *MemoryStore) DeleteNode(nodeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.nodes[nodeID] {
		return fmt.Errorf("%w: %d", ErrUnknownNode, nodeID)
	}
	delete(s.nodes, nodeID)
	delete(s.pending, nodeID)
	return nil
}

// StoreTaskIns appends an instruction to its consumer's queue.
func (s *MemoryStore) StoreTaskIns(ins *task.TaskIns) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.nodes[ins.ConsumerNodeID] {
		return "", fmt.Errorf("%w: %d", ErrUnknownNode, ins.ConsumerNodeID)
	}
	if ins.TaskID == "" {
		ins.TaskID = uuid.New().String()
	}
	s.pending[ins.ConsumerNodeID] = append(s.pending[ins.ConsumerNodeID], ins)
	return ins.TaskID, nil
}

// GetTaskIns pops up to limit pending instructions for nodeID in FIFO
// order.
func (s *MemoryStore) GetTaskIns(nodeID int64, limit int) ([]*task.TaskIns, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.pending[nodeID]
	if len(queue) == 0 {
		return nil, nil
	}
	n := len(queue)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*task.TaskIns, n)
	copy(out, queue[:n])
	s.pending[nodeID] = queue[n:]
	return out, nil
}

// StoreTaskRes records a result keyed by the instruction it satisfies.
func (s *MemoryStore) StoreTaskRes(res *task.TaskRes) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res.TaskID == "" {
		res.TaskID = uuid.New().String()
	}
	if res.AncestryTaskID == "" {
		return "", fmt.Errorf("task result %s has no ancestry task id", res.TaskID)
	}
	if _, dup := s.results[res.AncestryTaskID]; !dup {
		s.resOrder = append(s.resOrder, res.AncestryTaskID)
	}
	s.results[res.AncestryTaskID] = res
	return res.TaskID, nil
}

// GetTaskRes consumes up to limit results for the given instruction ids.
func (s *MemoryStore) GetTaskRes(insIDs []string, limit int) ([]*task.TaskRes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*task.TaskRes
	for _, id := range insIDs {
		if limit > 0 && len(out) >= limit {
			break
		}
		res, ok := s.results[id]
		if !ok {
			continue
		}
		out = append(out, res)
		delete(s.results, id)
		for i, oid := range s.resOrder {
			if oid == id {
				s.resOrder = append(s.resOrder[:i], s.resOrder[i+1:]...)
				break
			}
		}
	}
	return out, nil
}

// NumTaskIns returns the number of undelivered instructions.
func (s *MemoryStore) NumTaskIns() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, queue := range s.pending {
		total += len(queue)
	}
	return total, nil
}

// NumTaskRes returns the number of unconsumed results.
func (s *MemoryStore) NumTaskRes() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results), nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
