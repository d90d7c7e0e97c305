package actor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/eltociear/flower/pkg/clientapp"
	"github.com/eltociear/flower/pkg/log"
	"github.com/eltociear/flower/pkg/message"
	"github.com/eltociear/flower/pkg/nodestate"
)

// Job is one unit of work for an executor: a message plus the
// destination node's context. The partition id has already been
// substituted into the message metadata by the caller.
type Job struct {
	Message *message.Message
	Context *nodestate.Context
}

// jobResult carries the executor outcome back to the awaiting worker.
type jobResult struct {
	msg     *message.Message
	nodeCtx *nodestate.Context
	err     error
}

// invocation pairs a job with its completion channel and deadline
// context.
type invocation struct {
	ctx  context.Context
	job  Job
	done chan jobResult
}

// actor is one isolated executor. It owns a private application
// instance, loaded once on first use, and processes one invocation at a
// time on its own goroutine.
type actor struct {
	id      int
	appPath string
	loader  clientapp.Loader
	app     clientapp.App
	jobs    chan *invocation
	retired atomic.Bool
}

func newActor(id int, appPath string, loader clientapp.Loader) *actor {
	a := &actor{
		id:      id,
		appPath: appPath,
		loader:  loader,
		jobs:    make(chan *invocation, 1),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	logger := log.WithComponent("actor").With().Int("actor_id", a.id).Logger()
	for inv := range a.jobs {
		inv.done <- a.invoke(inv)
		if a.retired.Load() {
			logger.Debug().Msg("Retired actor exiting")
			return
		}
	}
}

// invoke runs the application on one job, containing panics so a
// crashing application cannot poison the pool.
func (a *actor) invoke(inv *invocation) (result jobResult) {
	defer func() {
		if r := recover(); r != nil {
			result = jobResult{err: fmt.Errorf("client application panic: %v", r)}
		}
	}()

	if a.app == nil {
		app, err := a.loader(a.appPath)
		if err != nil {
			return jobResult{err: err}
		}
		a.app = app
	}

	reply, err := a.app(inv.ctx, inv.job.Message, inv.job.Context)
	if err != nil {
		return jobResult{err: err}
	}
	return jobResult{msg: reply, nodeCtx: inv.job.Context}
}
