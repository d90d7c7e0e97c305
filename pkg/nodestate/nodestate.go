package nodestate

import (
	"fmt"
	"sync"

	"github.com/eltociear/flower/pkg/record"
)

// Context is the per-node state handed to a client application together
// with a message. It is created on first reference and carried across
// rounds of the same run.
type Context struct {
	NodeID int64
	RunID  int64
	State  *record.RecordSet
}

type key struct {
	nodeID int64
	runID  int64
}

// Registry holds one context per (node, run) pair. Contexts are never
// evicted during the engine's lifetime.
type Registry struct {
	mu       sync.RWMutex
	contexts map[key]*record.RecordSet
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{contexts: make(map[key]*record.RecordSet)}
}

// RegisterContext creates an empty context for (nodeID, runID) if absent.
func (r *Registry) RegisterContext(nodeID, runID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{nodeID: nodeID, runID: runID}
	if _, ok := r.contexts[k]; !ok {
		r.contexts[k] = record.NewRecordSet()
	}
}

// RetrieveContext returns the state registered for (nodeID, runID).
func (r *Registry) RetrieveContext(nodeID, runID int64) (*record.RecordSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.contexts[key{nodeID: nodeID, runID: runID}]
	if !ok {
		return nil, fmt.Errorf("no context registered for node %d run %d", nodeID, runID)
	}
	return state, nil
}

// UpdateContext atomically replaces the state for (nodeID, runID).
func (r *Registry) UpdateContext(nodeID, runID int64, state *record.RecordSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{nodeID: nodeID, runID: runID}
	if _, ok := r.contexts[k]; !ok {
		return fmt.Errorf("no context registered for node %d run %d", nodeID, runID)
	}
	r.contexts[k] = state
	return nil
}

// Len returns the number of registered contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}
