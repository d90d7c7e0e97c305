package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eltociear/flower/pkg/actor"
	"github.com/eltociear/flower/pkg/clientapp"
	"github.com/eltociear/flower/pkg/message"
	"github.com/eltociear/flower/pkg/nodestate"
	"github.com/eltociear/flower/pkg/partitioner"
	"github.com/eltociear/flower/pkg/record"
	"github.com/eltociear/flower/pkg/store"
	"github.com/eltociear/flower/pkg/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// okApp replies with an OK fit result.
func okApp(ctx context.Context, msg *message.Message, nodeCtx *nodestate.Context) (*message.Message, error) {
	content := record.NewRecordSet()
	if err := message.EmbedStatus(content, "fitres", message.Status{Code: message.StatusOK, Message: "ok"}); err != nil {
		return nil, err
	}
	return msg.CreateReply(content), nil
}

func testRegistry() *clientapp.Registry {
	reg := clientapp.NewRegistry()
	reg.Register("ok", func() (clientapp.App, error) { return okApp, nil })
	return reg
}

func testConfig(supernodes int) Config {
	return Config{
		NumSupernodes: supernodes,
		AppPath:       "ok",
		RunID:         1,
		PollInterval:  10 * time.Millisecond,
		QueueCapacity: 64,
	}
}

// startEngine runs e until the test ends.
func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("engine did not shut down")
		}
	})
}

func storeIns(t *testing.T, st store.Store, nodeID int64, ttl time.Duration) string {
	t.Helper()
	msg := message.New(message.Metadata{RunID: 1, GroupID: "1", TTL: ttl, MessageType: message.TypeFit}, record.NewRecordSet())
	id, err := st.StoreTaskIns(task.NewTaskIns(msg, 0, nodeID))
	require.NoError(t, err)
	return id
}

// awaitResults polls until every instruction id has a result.
func awaitResults(t *testing.T, st store.Store, insIDs []string, timeout time.Duration) []*task.TaskRes {
	t.Helper()
	deadline := time.Now().Add(timeout)
	byAncestry := make(map[string]*task.TaskRes)
	for time.Now().Before(deadline) {
		got, err := st.GetTaskRes(insIDs, 0)
		require.NoError(t, err)
		for _, res := range got {
			byAncestry[res.AncestryTaskID] = res
		}
		if len(byAncestry) == len(insIDs) {
			out := make([]*task.TaskRes, 0, len(insIDs))
			for _, id := range insIDs {
				out = append(out, byAncestry[id])
			}
			return out
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("only %d of %d results arrived within %v", len(byAncestry), len(insIDs), timeout)
	return nil
}

func TestEngineValidation(t *testing.T) {
	_, err := New(testConfig(0), store.NewMemoryStore(), testRegistry().Loader())
	assert.Error(t, err)
}

func TestEngineRegistersNodes(t *testing.T) {
	st := store.NewMemoryStore()
	e, err := New(testConfig(3), st, testRegistry().Loader())
	require.NoError(t, err)

	ids := e.NodeIDs()
	require.Len(t, ids, 3)
	for i, nodeID := range ids {
		part, err := e.PartitionID(nodeID)
		require.NoError(t, err)
		assert.Equal(t, int64(i), part)
	}

	_, err = e.PartitionID(9999)
	assert.Error(t, err)
}

func TestEngineLiveness(t *testing.T) {
	// Every stored instruction eventually yields a result.
	st := store.NewMemoryStore()
	e, err := New(testConfig(4), st, testRegistry().Loader())
	require.NoError(t, err)
	startEngine(t, e)

	var insIDs []string
	for _, nodeID := range e.NodeIDs() {
		insIDs = append(insIDs, storeIns(t, st, nodeID, 0))
	}

	results := awaitResults(t, st, insIDs, 5*time.Second)
	nodeIDs := e.NodeIDs()
	for i, res := range results {
		status, err := message.ExtractStatus(res.Recordset, "fitres")
		require.NoError(t, err)
		assert.Equal(t, message.StatusOK, status.Code)
		assert.Equal(t, nodeIDs[i], res.ProducerNodeID, "result must be stamped with the executing node")
	}
}

func TestPartitionIndexSubstitution(t *testing.T) {
	// The app must observe the partition index, not the node id.
	var mu sync.Mutex
	seen := make(map[int64]bool)
	reg := clientapp.NewRegistry()
	reg.Register("ok", func() (clientapp.App, error) {
		return func(ctx context.Context, msg *message.Message, nodeCtx *nodestate.Context) (*message.Message, error) {
			mu.Lock()
			seen[msg.Metadata.DstNodeID] = true
			mu.Unlock()
			return okApp(ctx, msg, nodeCtx)
		}, nil
	})

	st := store.NewMemoryStore()
	e, err := New(testConfig(3), st, reg.Loader())
	require.NoError(t, err)
	startEngine(t, e)

	var insIDs []string
	for _, nodeID := range e.NodeIDs() {
		insIDs = append(insIDs, storeIns(t, st, nodeID, 0))
	}
	awaitResults(t, st, insIDs, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[int64]bool{0: true, 1: true, 2: true}, seen)
}

func TestWorkerSurvivesExecutorFailure(t *testing.T) {
	// A failing task yields a failure result; the next task for the same
	// node completes normally.
	var calls sync.Map
	reg := clientapp.NewRegistry()
	reg.Register("ok", func() (clientapp.App, error) {
		return func(ctx context.Context, msg *message.Message, nodeCtx *nodestate.Context) (*message.Message, error) {
			n, _ := calls.LoadOrStore("count", new(int))
			count := n.(*int)
			*count++
			if *count == 1 {
				return nil, errors.New("injected failure")
			}
			return okApp(ctx, msg, nodeCtx)
		}, nil
	})

	cfg := testConfig(1)
	cfg.Resources = actor.ClientResources{NumCPUs: 1 << 20} // capacity 1
	st := store.NewMemoryStore()
	e, err := New(cfg, st, reg.Loader())
	require.NoError(t, err)
	require.Equal(t, 1, e.NumActors())
	startEngine(t, e)

	nodeID := e.NodeIDs()[0]
	first := storeIns(t, st, nodeID, 0)
	second := storeIns(t, st, nodeID, 0)

	results := awaitResults(t, st, []string{first, second}, 5*time.Second)

	status, err := message.ExtractStatus(results[0].Recordset, "fitres")
	require.NoError(t, err)
	assert.Equal(t, message.StatusExecutorFailure, status.Code)

	status, err = message.ExtractStatus(results[1].Recordset, "fitres")
	require.NoError(t, err)
	assert.Equal(t, message.StatusOK, status.Code)
}

func TestSingleActorServesMultipleNodes(t *testing.T) {
	// Two nodes, one actor: both tasks complete and never concurrently.
	var mu sync.Mutex
	running, maxRunning := 0, 0

	reg := clientapp.NewRegistry()
	reg.Register("ok", func() (clientapp.App, error) {
		return func(ctx context.Context, msg *message.Message, nodeCtx *nodestate.Context) (*message.Message, error) {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return okApp(ctx, msg, nodeCtx)
		}, nil
	})

	cfg := testConfig(2)
	cfg.Resources = actor.ClientResources{NumCPUs: 1 << 20} // capacity 1
	st := store.NewMemoryStore()
	e, err := New(cfg, st, reg.Loader())
	require.NoError(t, err)
	require.Equal(t, 1, e.NumActors())
	startEngine(t, e)

	var insIDs []string
	for _, nodeID := range e.NodeIDs() {
		insIDs = append(insIDs, storeIns(t, st, nodeID, 0))
	}
	awaitResults(t, st, insIDs, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning, "single actor must never run two tasks at once")
}

func TestTTLExpiryProducesFailureResult(t *testing.T) {
	reg := clientapp.NewRegistry()
	reg.Register("ok", func() (clientapp.App, error) {
		return func(ctx context.Context, msg *message.Message, nodeCtx *nodestate.Context) (*message.Message, error) {
			select {
			case <-time.After(500 * time.Millisecond):
				return okApp(ctx, msg, nodeCtx)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}, nil
	})

	st := store.NewMemoryStore()
	e, err := New(testConfig(1), st, reg.Loader())
	require.NoError(t, err)
	startEngine(t, e)

	start := time.Now()
	insID := storeIns(t, st, e.NodeIDs()[0], 100*time.Millisecond)

	results := awaitResults(t, st, []string{insID}, 2*time.Second)
	assert.Less(t, time.Since(start), 450*time.Millisecond, "expiry result must not wait for the sleep")

	status, err := message.ExtractStatus(results[0].Recordset, "fitres")
	require.NoError(t, err)
	assert.Equal(t, message.StatusTTLExpiry, status.Code)
}

func TestAtMostOneInFlightPerNode(t *testing.T) {
	var mu sync.Mutex
	inFlight := make(map[int64]int)
	violated := false

	reg := clientapp.NewRegistry()
	reg.Register("ok", func() (clientapp.App, error) {
		return func(ctx context.Context, msg *message.Message, nodeCtx *nodestate.Context) (*message.Message, error) {
			mu.Lock()
			inFlight[nodeCtx.NodeID]++
			if inFlight[nodeCtx.NodeID] > 1 {
				violated = true
			}
			mu.Unlock()
			time.Sleep(15 * time.Millisecond)
			mu.Lock()
			inFlight[nodeCtx.NodeID]--
			mu.Unlock()
			return okApp(ctx, msg, nodeCtx)
		}, nil
	})

	st := store.NewMemoryStore()
	e, err := New(testConfig(1), st, reg.Loader())
	require.NoError(t, err)
	startEngine(t, e)

	nodeID := e.NodeIDs()[0]
	var insIDs []string
	for i := 0; i < 4; i++ {
		insIDs = append(insIDs, storeIns(t, st, nodeID, 0))
	}
	awaitResults(t, st, insIDs, 10*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, violated, "two tasks for one node ran concurrently")
}

func TestNodeContextPreservedAcrossTasks(t *testing.T) {
	// The app counts its invocations in the node context; the count must
	// survive between tasks.
	reg := clientapp.NewRegistry()
	reg.Register("ok", func() (clientapp.App, error) {
		return func(ctx context.Context, msg *message.Message, nodeCtx *nodestate.Context) (*message.Message, error) {
			var count int64
			if mr, err := nodeCtx.State.Metrics("app.state"); err == nil {
				if v, err := mr.Get("invocations"); err == nil {
					count = v.(int64)
				}
			}
			count++
			mr := record.NewMetricsRecord()
			if err := mr.Set("invocations", count); err != nil {
				return nil, err
			}
			state := record.NewRecordSet()
			if err := state.SetMetrics("app.state", mr); err != nil {
				return nil, err
			}
			nodeCtx.State = state

			content := record.NewRecordSet()
			if err := message.EmbedStatus(content, "fitres", message.Status{Code: message.StatusOK}); err != nil {
				return nil, err
			}
			out := record.NewMetricsRecord()
			if err := out.Set("invocations", count); err != nil {
				return nil, err
			}
			if err := content.SetMetrics("fitres.metrics", out); err != nil {
				return nil, err
			}
			return msg.CreateReply(content), nil
		}, nil
	})

	st := store.NewMemoryStore()
	e, err := New(testConfig(1), st, reg.Loader())
	require.NoError(t, err)
	startEngine(t, e)

	nodeID := e.NodeIDs()[0]
	first := storeIns(t, st, nodeID, 0)
	results := awaitResults(t, st, []string{first}, 5*time.Second)
	count := invocations(t, results[0])
	assert.Equal(t, int64(1), count)

	second := storeIns(t, st, nodeID, 0)
	results = awaitResults(t, st, []string{second}, 5*time.Second)
	assert.Equal(t, int64(2), invocations(t, results[0]))
}

func invocations(t *testing.T, res *task.TaskRes) int64 {
	t.Helper()
	mr, err := res.Recordset.Metrics("fitres.metrics")
	require.NoError(t, err)
	v, err := mr.Get("invocations")
	require.NoError(t, err)
	return v.(int64)
}

func TestEngineWithPartitioner(t *testing.T) {
	rows := 12
	labels := make([]string, rows)
	for i := range labels {
		labels[i] = fmt.Sprintf("%d", i%2)
	}
	ds := partitioner.NewTableDataset(rows).WithColumn("label", labels)
	p := partitioner.NewIID(3)
	require.NoError(t, p.Bind(ds))

	st := store.NewMemoryStore()
	e, err := New(testConfig(3), st, testRegistry().Loader(), WithPartitioner(p))
	require.NoError(t, err)

	nodeRows, err := e.PartitionRows(e.NodeIDs()[0])
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, nodeRows)
}

func TestEngineRejectsUndersizedPartitioner(t *testing.T) {
	p := partitioner.NewIID(2)
	require.NoError(t, p.Bind(partitioner.NewTableDataset(10)))

	_, err := New(testConfig(5), store.NewMemoryStore(), testRegistry().Loader(), WithPartitioner(p))
	assert.Error(t, err)
}
