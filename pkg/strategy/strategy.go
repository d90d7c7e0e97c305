package strategy

import (
	"errors"
	"sync"

	"github.com/eltociear/flower/pkg/params"
	"github.com/eltociear/flower/pkg/record"
	"golang.org/x/exp/rand"
)

// ErrInvalidConfig is returned when a strategy is constructed with
// parameters outside its valid range. It is fatal at engine startup.
var ErrInvalidConfig = errors.New("invalid strategy configuration")

// Client identifies one selectable virtual client.
type Client struct {
	NodeID int64
}

// ClientManager tracks the selectable clients of a run.
type ClientManager interface {
	Register(c Client) bool
	Unregister(c Client)
	All() []Client
	Sample(n int) []Client
	Len() int
}

// FitIns is a fit instruction: global parameters plus round config.
type FitIns struct {
	Parameters *params.Parameters
	Config     *record.ConfigsRecord
}

// FitRes is one client's fit result.
type FitRes struct {
	Parameters  *params.Parameters
	NumExamples int64
	Metrics     *record.MetricsRecord
}

// FitResult pairs a result with the client that produced it.
type FitResult struct {
	Client Client
	Res    *FitRes
}

// FitAssignment pairs a selected client with its instruction.
type FitAssignment struct {
	Client Client
	Ins    *FitIns
}

// EvaluateIns is an evaluation instruction.
type EvaluateIns struct {
	Parameters *params.Parameters
	Config     *record.ConfigsRecord
}

// EvaluateRes is one client's evaluation result.
type EvaluateRes struct {
	Loss        float64
	NumExamples int64
	Metrics     *record.MetricsRecord
}

// EvaluateResult pairs an evaluation result with its client.
type EvaluateResult struct {
	Client Client
	Res    *EvaluateRes
}

// EvaluateAssignment pairs a selected client with its instruction.
type EvaluateAssignment struct {
	Client Client
	Ins    *EvaluateIns
}

// Strategy is the pluggable per-round policy: client selection,
// instruction construction and result aggregation. AggregateFit may
// return nil parameters; the round then continues without a global
// update.
type Strategy interface {
	InitializeParameters(cm ClientManager) *params.Parameters
	ConfigureFit(round int, p *params.Parameters, cm ClientManager) []FitAssignment
	AggregateFit(round int, results []FitResult, failures []error) (*params.Parameters, map[string]float64, error)
	ConfigureEvaluate(round int, p *params.Parameters, cm ClientManager) []EvaluateAssignment
	AggregateEvaluate(round int, results []EvaluateResult, failures []error) (float64, map[string]float64, error)
	Evaluate(round int, p *params.Parameters) (float64, map[string]float64, bool)
}

// SimpleClientManager is a seeded in-memory ClientManager.
type SimpleClientManager struct {
	mu      sync.Mutex
	clients []Client
	rng     *rand.Rand
}

// NewSimpleClientManager creates a manager whose sampling is driven by
// the given seed.
func NewSimpleClientManager(seed uint64) *SimpleClientManager {
	return &SimpleClientManager{rng: rand.New(rand.NewSource(seed))}
}

// Register adds a client; it reports false if already present.
func (m *SimpleClientManager) Register(c Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.clients {
		if existing.NodeID == c.NodeID {
			return false
		}
	}
	m.clients = append(m.clients, c)
	return true
}

// Unregister removes a client.
func (m *SimpleClientManager) Unregister(c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.clients {
		if existing.NodeID == c.NodeID {
			m.clients = append(m.clients[:i], m.clients[i+1:]...)
			return
		}
	}
}

// All returns every registered client in registration order.
func (m *SimpleClientManager) All() []Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Client, len(m.clients))
	copy(out, m.clients)
	return out
}

// Sample returns n distinct clients drawn without replacement; fewer
// when not enough are registered.
func (m *SimpleClientManager) Sample(n int) []Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > len(m.clients) {
		n = len(m.clients)
	}
	idx := m.rng.Perm(len(m.clients))[:n]
	out := make([]Client, 0, n)
	for _, i := range idx {
		out = append(out, m.clients[i])
	}
	return out
}

// Len returns the number of registered clients.
func (m *SimpleClientManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
