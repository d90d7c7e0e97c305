package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eltociear/flower/pkg/actor"
	"github.com/eltociear/flower/pkg/clientapp"
	"github.com/eltociear/flower/pkg/events"
	"github.com/eltociear/flower/pkg/log"
	"github.com/eltociear/flower/pkg/metrics"
	"github.com/eltociear/flower/pkg/nodestate"
	"github.com/eltociear/flower/pkg/partitioner"
	"github.com/eltociear/flower/pkg/store"
	"github.com/eltociear/flower/pkg/task"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval  = time.Second
	defaultQueueCapacity = 64
)

// Config drives the virtual client engine.
type Config struct {
	// NumSupernodes is the number of virtual client nodes to register.
	NumSupernodes int

	// Resources is the host share one actor needs; it bounds the pool.
	Resources actor.ClientResources

	// HostGPUs is the GPU count visible to the capacity calculation.
	HostGPUs float64

	// AppPath identifies the client application to load into each actor.
	AppPath string

	// RunID scopes node contexts.
	RunID int64

	// PollInterval is the store poll period of the pull loop.
	PollInterval time.Duration

	// QueueCapacity bounds the internal instruction channel.
	QueueCapacity int
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
}

// Engine is the virtual client engine: it pulls task instructions from
// the store, routes them through the actor pool with the destination
// node's context, and writes results back.
type Engine struct {
	cfg      Config
	store    store.Store
	registry *nodestate.Registry
	pool     *actor.Pool
	broker   *events.Broker
	part     partitioner.Partitioner
	logger   zerolog.Logger

	nodeIDs     []int64
	partitionOf map[int64]int64

	mu       sync.Mutex
	inFlight map[int64]bool
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithBroker publishes engine events through b.
func WithBroker(b *events.Broker) Option {
	return func(e *Engine) { e.broker = b }
}

// WithPartitioner binds the dataset partitioner nodes map onto. It must
// cover at least NumSupernodes partitions.
func WithPartitioner(p partitioner.Partitioner) Option {
	return func(e *Engine) { e.part = p }
}

// New registers NumSupernodes nodes in the store, creates their run
// contexts and builds the actor pool at full capacity. Partition index i
// is bound to the i-th registered node for the engine's lifetime.
func New(cfg Config, st store.Store, loader clientapp.Loader, opts ...Option) (*Engine, error) {
	cfg.withDefaults()
	if cfg.NumSupernodes <= 0 {
		return nil, fmt.Errorf("number of supernodes must be positive, got %d", cfg.NumSupernodes)
	}

	e := &Engine{
		cfg:         cfg,
		store:       st,
		registry:    nodestate.NewRegistry(),
		pool:        actor.NewPool(cfg.AppPath, loader, cfg.Resources, cfg.HostGPUs),
		logger:      log.WithComponent("vce"),
		partitionOf: make(map[int64]int64),
		inFlight:    make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.part != nil {
		num, err := e.part.NumPartitions()
		if err != nil {
			return nil, fmt.Errorf("failed to query partitioner: %w", err)
		}
		if num < cfg.NumSupernodes {
			return nil, fmt.Errorf("partitioner provides %d partitions for %d supernodes", num, cfg.NumSupernodes)
		}
	}

	for i := 0; i < cfg.NumSupernodes; i++ {
		nodeID, err := st.CreateNode()
		if err != nil {
			return nil, fmt.Errorf("failed to register node: %w", err)
		}
		e.nodeIDs = append(e.nodeIDs, nodeID)
		e.partitionOf[nodeID] = int64(i)
		e.registry.RegisterContext(nodeID, cfg.RunID)
		e.publish(events.Event{Kind: events.NodeRegistered, NodeID: nodeID, RunID: cfg.RunID})
	}
	metrics.NodesRegistered.Set(float64(cfg.NumSupernodes))

	e.pool.AddActors(e.pool.Cap())
	e.logger.Info().
		Int("num_supernodes", cfg.NumSupernodes).
		Int("num_actors", e.pool.NumActors()).
		Msg("Virtual client engine ready")
	return e, nil
}

// NodeIDs returns the registered node ids in partition order.
func (e *Engine) NodeIDs() []int64 {
	out := make([]int64, len(e.nodeIDs))
	copy(out, e.nodeIDs)
	return out
}

// PartitionID returns the partition index bound to a node.
func (e *Engine) PartitionID(nodeID int64) (int64, error) {
	id, ok := e.partitionOf[nodeID]
	if !ok {
		return 0, fmt.Errorf("node %d not registered with this engine", nodeID)
	}
	return id, nil
}

// PartitionRows returns the dataset row indices bound to a node, when a
// partitioner is attached.
func (e *Engine) PartitionRows(nodeID int64) ([]int, error) {
	if e.part == nil {
		return nil, fmt.Errorf("engine has no partitioner attached")
	}
	id, err := e.PartitionID(nodeID)
	if err != nil {
		return nil, err
	}
	return e.part.LoadPartition(int(id))
}

// NumActors returns the size of the executor pool.
func (e *Engine) NumActors() int {
	return e.pool.NumActors()
}

// Run starts the pull loop and one worker per actor, then blocks until
// ctx is cancelled. Shutdown is cooperative: the pull loop closes the
// internal channel, workers drain and exit.
func (e *Engine) Run(ctx context.Context) error {
	queue := make(chan *task.TaskIns, e.cfg.QueueCapacity)

	e.publish(events.Event{Kind: events.EngineStarted, RunID: e.cfg.RunID})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.pullLoop(ctx, queue)
	})
	for w := 0; w < e.pool.NumActors(); w++ {
		worker := w
		g.Go(func() error {
			return e.workerLoop(ctx, worker, queue)
		})
	}

	err := g.Wait()
	e.publish(events.Event{Kind: events.EngineStopped, RunID: e.cfg.RunID})
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (e *Engine) publish(ev events.Event) {
	if e.broker != nil {
		e.broker.Publish(ev)
	}
}

func (e *Engine) markInFlight(nodeID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[nodeID] {
		return false
	}
	e.inFlight[nodeID] = true
	return true
}

func (e *Engine) clearInFlight(nodeID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, nodeID)
}
