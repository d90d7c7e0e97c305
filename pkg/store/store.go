package store

import (
	"errors"

	"github.com/eltociear/flower/pkg/task"
)

// ErrUnknownNode is returned when an instruction targets a node id the
// store has not allocated.
var ErrUnknownNode = errors.New("unknown node")

// Store is the durable queue of task instructions keyed by destination
// node, plus the result sink. Instructions are delivered per-consumer
// FIFO and exactly once; results are one-shot per satisfied instruction.
// All operations are safe under concurrent callers.
type Store interface {
	// CreateNode allocates a fresh node identifier unique within the store.
	CreateNode() (int64, error)

	// DeleteNode removes a node and drops its pending instructions.
	DeleteNode(nodeID int64) error

	// StoreTaskIns appends an instruction and returns its task id.
	StoreTaskIns(ins *task.TaskIns) (string, error)

	// GetTaskIns returns up to limit pending instructions addressed to
	// nodeID in FIFO order, marking them delivered so later polls do not
	// re-emit them. limit <= 0 returns all pending instructions.
	GetTaskIns(nodeID int64, limit int) ([]*task.TaskIns, error)

	// StoreTaskRes appends a result; the result references the
	// instruction it satisfies through its ancestry task id.
	StoreTaskRes(res *task.TaskRes) (string, error)

	// GetTaskRes returns up to limit results satisfying the given
	// instruction ids, consuming them. limit <= 0 returns all available.
	GetTaskRes(insIDs []string, limit int) ([]*task.TaskRes, error)

	// NumTaskIns returns the number of undelivered instructions.
	NumTaskIns() (int, error)

	// NumTaskRes returns the number of unconsumed results.
	NumTaskRes() (int, error)

	// Close releases store resources.
	Close() error
}
