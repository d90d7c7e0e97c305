package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eltociear/flower/pkg/actor"
	"github.com/eltociear/flower/pkg/events"
	"github.com/eltociear/flower/pkg/log"
	"github.com/eltociear/flower/pkg/message"
	"github.com/eltociear/flower/pkg/metrics"
	"github.com/eltociear/flower/pkg/nodestate"
	"github.com/eltociear/flower/pkg/record"
	"github.com/eltociear/flower/pkg/task"
)

// storeWriteRetries bounds how often a failed result write is retried
// before the loss is logged and the round driver is left to time out.
const storeWriteRetries = 3

// pullLoop polls the store once per interval for every node that has no
// task in the dispatch pipeline and feeds instructions into the bounded
// queue. A full queue blocks the send, which in turn throttles polling.
func (e *Engine) pullLoop(ctx context.Context, queue chan<- *task.TaskIns) error {
	defer close(queue)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for _, nodeID := range e.nodeIDs {
			if !e.markInFlight(nodeID) {
				// At most one task per node may be in flight; the deferred
				// instruction stays queued in the store in FIFO position.
				continue
			}
			pending, err := e.store.GetTaskIns(nodeID, 1)
			if err != nil {
				e.clearInFlight(nodeID)
				e.logger.Error().Err(err).Int64("node_id", nodeID).Msg("Failed to poll task instructions")
				continue
			}
			if len(pending) == 0 {
				e.clearInFlight(nodeID)
				continue
			}

			select {
			case queue <- pending[0]:
				metrics.QueueDepth.Set(float64(len(queue)))
			case <-ctx.Done():
				e.clearInFlight(nodeID)
				return nil
			}
		}
	}
}

// workerLoop drains the queue. A failed task never terminates the
// worker; only shutdown or queue closure does.
func (e *Engine) workerLoop(ctx context.Context, worker int, queue <-chan *task.TaskIns) error {
	logger := e.logger.With().Int("worker", worker).Logger()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Worker shutting down")
			return nil
		case ins, ok := <-queue:
			if !ok {
				return nil
			}
			metrics.QueueDepth.Set(float64(len(queue)))
			e.processTask(ctx, ins)
		}
	}
}

// processTask executes one instruction end to end: context lookup,
// translation, actor execution, context persistence and result write.
func (e *Engine) processTask(ctx context.Context, ins *task.TaskIns) {
	nodeID := ins.ConsumerNodeID
	defer e.clearInFlight(nodeID)

	logger := log.WithTask(ins.RunID, nodeID, ins.TaskID)

	partID, err := e.PartitionID(nodeID)
	if err != nil {
		logger.Error().Err(err).Msg("Instruction for unknown node dropped")
		return
	}

	e.registry.RegisterContext(nodeID, ins.RunID)
	state, err := e.registry.RetrieveContext(nodeID, ins.RunID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve node context")
		return
	}

	msg := task.MessageFromTaskIns(ins, partID)
	nodeCtx := &nodestate.Context{NodeID: nodeID, RunID: ins.RunID, State: state}

	fut, free := e.pool.SubmitIfFree(actor.Job{Message: msg, Context: nodeCtx})
	if !free {
		// One worker per actor makes this unreachable; losing the task
		// would break liveness, so synthesize a failure result.
		logger.Error().Msg("No free actor for dispatched task")
		e.storeFailure(ins, msg, message.StatusExecutorFailure, "no free actor")
		return
	}

	metrics.TasksDispatched.Inc()
	metrics.ActorsBusy.Inc()
	timer := metrics.NewTimer()
	e.publish(events.Event{Kind: events.TaskDispatched, NodeID: nodeID, RunID: ins.RunID, TaskID: ins.TaskID})

	reply, updatedCtx, err := fut.Await(ctx)
	metrics.ActorsBusy.Dec()
	timer.ObserveDuration(metrics.TaskExecutionLatency)

	if err != nil {
		status := message.StatusExecutorFailure
		reason := "executor_failure"
		if errors.Is(err, actor.ErrTTLExpired) {
			status = message.StatusTTLExpiry
			reason = "ttl_expiry"
		}
		metrics.TasksFailed.WithLabelValues(reason).Inc()
		logger.Error().Err(err).Str("reason", reason).Msg("Task execution failed")
		e.publish(events.Event{Kind: events.TaskFailed, NodeID: nodeID, RunID: ins.RunID, TaskID: ins.TaskID, Message: err.Error()})
		e.storeFailure(ins, msg, status, err.Error())
		return
	}

	if err := e.registry.UpdateContext(nodeID, ins.RunID, updatedCtx.State); err != nil {
		logger.Error().Err(err).Msg("Failed to persist node context")
	}

	res := task.TaskResFromMessage(reply, nodeID, ins.TaskID)
	if err := e.storeTaskRes(res); err != nil {
		logger.Error().Err(err).Msg("Failed to store task result")
		return
	}

	metrics.TasksCompleted.Inc()
	e.publish(events.Event{Kind: events.TaskCompleted, NodeID: nodeID, RunID: ins.RunID, TaskID: ins.TaskID})
	logger.Debug().Msg("Task completed")
}

// storeFailure synthesizes and stores a failure result so the round
// driver observes the outcome instead of waiting out the round.
func (e *Engine) storeFailure(ins *task.TaskIns, msg *message.Message, code message.StatusCode, detail string) {
	content := record.NewRecordSet()
	if err := message.EmbedStatus(content, resultRecordName(ins.TaskType), message.Status{Code: code, Message: detail}); err != nil {
		e.logger.Error().Err(err).Msg("Failed to embed failure status")
		return
	}
	reply := msg.CreateReply(content)
	res := task.TaskResFromMessage(reply, ins.ConsumerNodeID, ins.TaskID)
	if err := e.storeTaskRes(res); err != nil {
		e.logger.Error().Err(err).Str("task_id", ins.TaskID).Msg("Failed to store failure result")
	}
}

// storeTaskRes writes a result with bounded exponential retry.
func (e *Engine) storeTaskRes(res *task.TaskRes) error {
	attempt := 0
	op := func() error {
		if attempt > 0 {
			metrics.StoreRetries.Inc()
		}
		attempt++
		_, err := e.store.StoreTaskRes(res)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), storeWriteRetries)
	return backoff.Retry(op, policy)
}

// resultRecordName maps a task type to the record-set name its status is
// embedded under.
func resultRecordName(t message.Type) string {
	switch t {
	case message.TypeFit:
		return "fitres"
	case message.TypeEvaluate:
		return "evalres"
	case message.TypeGetParameters:
		return "getparametersres"
	case message.TypeGetProperties:
		return "getpropertiesres"
	default:
		return "taskres"
	}
}
