package clientapp

import (
	"context"
	"fmt"
	"sync"

	"github.com/eltociear/flower/pkg/message"
	"github.com/eltociear/flower/pkg/nodestate"
)

// App is the client-application callable: it receives an incoming
// message together with the node's context and returns the reply. The
// passed context carries the task deadline; long-running applications
// should observe it.
type App func(ctx context.Context, msg *message.Message, nodeCtx *nodestate.Context) (*message.Message, error)

// Mod is middleware wrapping an App. Mods may observe and annotate
// traffic but must preserve message semantics.
type Mod func(ctx context.Context, msg *message.Message, nodeCtx *nodestate.Context, next App) (*message.Message, error)

// Compose wraps app with mods in declared order: the first mod sees the
// incoming message first and the outgoing message last.
func Compose(app App, mods ...Mod) App {
	wrapped := app
	for i := len(mods) - 1; i >= 0; i-- {
		mod := mods[i]
		next := wrapped
		wrapped = func(ctx context.Context, msg *message.Message, nodeCtx *nodestate.Context) (*message.Message, error) {
			return mod(ctx, msg, nodeCtx, next)
		}
	}
	return wrapped
}

// Builder constructs one isolated App instance. Each executor calls the
// builder once, so per-instance state is never shared between actors.
type Builder func() (App, error)

// Loader resolves an application path to a fresh App instance.
type Loader func(path string) (App, error)

// Registry maps application paths to builders. It replaces import-time
// module loading: the orchestrating process registers its applications
// explicitly and hands the registry's Loader to the pool.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register binds a builder to an application path.
func (r *Registry) Register(path string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[path] = builder
}

// Loader returns the load function handed to executors.
func (r *Registry) Loader() Loader {
	return func(path string) (App, error) {
		r.mu.RLock()
		builder, ok := r.builders[path]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("no client application registered under %q", path)
		}
		app, err := builder()
		if err != nil {
			return nil, fmt.Errorf("failed to build client application %q: %w", path, err)
		}
		return app, nil
	}
}
