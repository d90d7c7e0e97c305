package actor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/eltociear/flower/pkg/clientapp"
	"github.com/eltociear/flower/pkg/log"
	"github.com/eltociear/flower/pkg/message"
	"github.com/eltociear/flower/pkg/nodestate"
	"github.com/rs/zerolog"
)

// ErrTTLExpired is returned when an execution exceeds the message TTL.
var ErrTTLExpired = errors.New("task ttl expired")

// ClientResources declares the host share one executor needs.
type ClientResources struct {
	NumCPUs float64
	NumGPUs float64
}

// Capacity derives how many executors the host can hold: the binding
// resource kind determines the bound. A zero fraction leaves that kind
// unconstrained.
func Capacity(res ClientResources, hostCPUs, hostGPUs float64) int {
	capacity := math.MaxInt32
	if res.NumCPUs > 0 {
		capacity = min(capacity, int(hostCPUs/res.NumCPUs))
	}
	if res.NumGPUs > 0 {
		capacity = min(capacity, int(hostGPUs/res.NumGPUs))
	}
	if capacity == math.MaxInt32 {
		capacity = int(hostCPUs)
	}
	return max(capacity, 1)
}

// Pool is a bounded set of isolated executors. Executors share nothing;
// a crash inside one is reported as a task failure and the slot stays
// usable.
type Pool struct {
	appPath   string
	loader    clientapp.Loader
	capacity  int
	logger    zerolog.Logger
	mu        sync.Mutex
	free      []*actor
	numActors int
	nextID    int
}

// NewPool creates an empty pool bounded by the capacity the given
// resources yield on this host. Call AddActors to populate it.
func NewPool(appPath string, loader clientapp.Loader, res ClientResources, hostGPUs float64) *Pool {
	return &Pool{
		appPath:  appPath,
		loader:   loader,
		capacity: Capacity(res, float64(runtime.NumCPU()), hostGPUs),
		logger:   log.WithComponent("actor-pool"),
	}
}

// Cap returns the maximum number of executors this pool may hold.
func (p *Pool) Cap() int { return p.capacity }

// NumActors returns the current number of executors.
func (p *Pool) NumActors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numActors
}

// AddActors spawns up to n additional executors, bounded by capacity,
// and returns how many were spawned.
func (p *Pool) AddActors(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	spawned := 0
	for i := 0; i < n && p.numActors < p.capacity; i++ {
		a := newActor(p.nextID, p.appPath, p.loader)
		p.nextID++
		p.numActors++
		p.free = append(p.free, a)
		spawned++
	}
	if spawned > 0 {
		p.logger.Debug().Int("spawned", spawned).Int("total", p.numActors).Msg("Added actors to pool")
	}
	return spawned
}

// IsActorAvailable reports whether a free executor exists.
func (p *Pool) IsActorAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) > 0
}

// Future is the handle to an in-flight execution.
type Future struct {
	pool   *Pool
	actor  *actor
	msgID  string
	ttlCtx context.Context
	cancel context.CancelFunc
	done   chan jobResult
}

// SubmitIfFree hands the job to a free executor. It never blocks; the
// second return is false when every executor is busy.
func (p *Pool) SubmitIfFree(job Job) (*Future, bool) {
	p.mu.Lock()
	a := p.popFree()
	p.mu.Unlock()
	if a == nil {
		return nil, false
	}

	ttlCtx := context.Background()
	var cancel context.CancelFunc = func() {}
	if ttl := job.Message.Metadata.TTL; ttl > 0 {
		ttlCtx, cancel = context.WithTimeout(ttlCtx, ttl)
	}

	inv := &invocation{ctx: ttlCtx, job: job, done: make(chan jobResult, 1)}
	a.jobs <- inv
	return &Future{
		pool:   p,
		actor:  a,
		msgID:  job.Message.Metadata.MessageID,
		ttlCtx: ttlCtx,
		cancel: cancel,
		done:   inv.done,
	}, true
}

// Await blocks until the executor completes, the message TTL expires, or
// ctx is cancelled. On return the executor slot is available again: a
// completed actor rejoins the free list, an expired or abandoned one is
// replaced.
func (f *Future) Await(ctx context.Context) (*message.Message, *nodestate.Context, error) {
	defer f.cancel()

	select {
	case res := <-f.done:
		f.pool.release(f.actor)
		return res.msg, res.nodeCtx, res.err
	case <-f.ttlCtx.Done():
		// The deadline context is already cancelled; a cooperative app
		// returns soon, but the slot is reclaimed immediately by respawn.
		f.pool.replace(f.actor)
		return nil, nil, fmt.Errorf("%w: message %s", ErrTTLExpired, f.msgID)
	case <-ctx.Done():
		f.pool.replace(f.actor)
		return nil, nil, ctx.Err()
	}
}

// release returns a healthy actor to the free list.
func (p *Pool) release(a *actor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, a)
}

// replace retires an actor whose execution was abandoned and spawns a
// fresh one so pool capacity is preserved.
func (p *Pool) replace(a *actor) {
	a.retired.Store(true)
	// No further submissions can target a (it is not on the free list);
	// closing lets an idle retired goroutine exit.
	close(a.jobs)

	p.mu.Lock()
	defer p.mu.Unlock()
	replacement := newActor(p.nextID, p.appPath, p.loader)
	p.nextID++
	p.free = append(p.free, replacement)
	p.logger.Warn().Int("actor_id", a.id).Msg("Replaced abandoned actor")
}

func (p *Pool) popFree() *actor {
	if len(p.free) == 0 {
		return nil
	}
	a := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return a
}
