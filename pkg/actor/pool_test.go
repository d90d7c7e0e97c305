package actor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eltociear/flower/pkg/clientapp"
	"github.com/eltociear/flower/pkg/message"
	"github.com/eltociear/flower/pkg/nodestate"
	"github.com/eltociear/flower/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoLoader() clientapp.Loader {
	reg := clientapp.NewRegistry()
	reg.Register("echo", func() (clientapp.App, error) {
		return func(ctx context.Context, msg *message.Message, nodeCtx *nodestate.Context) (*message.Message, error) {
			return msg.CreateReply(record.NewRecordSet()), nil
		}, nil
	})
	reg.Register("panic", func() (clientapp.App, error) {
		return func(ctx context.Context, msg *message.Message, nodeCtx *nodestate.Context) (*message.Message, error) {
			panic("boom")
		}, nil
	})
	reg.Register("sleepy", func() (clientapp.App, error) {
		return func(ctx context.Context, msg *message.Message, nodeCtx *nodestate.Context) (*message.Message, error) {
			select {
			case <-time.After(500 * time.Millisecond):
				return msg.CreateReply(record.NewRecordSet()), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}, nil
	})
	return reg.Loader()
}

func fitJob(ttl time.Duration) Job {
	return Job{
		Message: message.New(message.Metadata{MessageType: message.TypeFit, TTL: ttl}, nil),
		Context: &nodestate.Context{State: record.NewRecordSet()},
	}
}

func TestCapacity(t *testing.T) {
	tests := []struct {
		name     string
		res      ClientResources
		cpus     float64
		gpus     float64
		expected int
	}{
		{"cpu bound", ClientResources{NumCPUs: 2}, 8, 0, 4},
		{"gpu bound", ClientResources{NumCPUs: 1, NumGPUs: 0.5}, 8, 1, 2},
		{"fractional cpu", ClientResources{NumCPUs: 0.25}, 4, 0, 16},
		{"unconstrained defaults to host cpus", ClientResources{}, 6, 0, 6},
		{"never below one", ClientResources{NumCPUs: 16}, 8, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Capacity(tt.res, tt.cpus, tt.gpus))
		})
	}
}

func TestAddActorsBoundedByCapacity(t *testing.T) {
	p := NewPool("echo", echoLoader(), ClientResources{}, 0)
	capacity := p.Cap()

	spawned := p.AddActors(capacity + 5)
	assert.Equal(t, capacity, spawned)
	assert.Equal(t, capacity, p.NumActors())

	assert.Equal(t, 0, p.AddActors(1))
}

func TestSubmitAndAwait(t *testing.T) {
	p := NewPool("echo", echoLoader(), ClientResources{}, 0)
	require.Equal(t, 1, p.AddActors(1))
	require.True(t, p.IsActorAvailable())

	job := fitJob(0)
	fut, ok := p.SubmitIfFree(job)
	require.True(t, ok)
	assert.False(t, p.IsActorAvailable())

	reply, nodeCtx, err := fut.Await(context.Background())
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, job.Message.Metadata.MessageID, reply.Metadata.ReplyToMessage)
	assert.Same(t, job.Context, nodeCtx)

	// Slot is free again after fetch
	assert.True(t, p.IsActorAvailable())
}

func TestSubmitIfFreeWhenBusy(t *testing.T) {
	p := NewPool("sleepy", echoLoader(), ClientResources{}, 0)
	require.Equal(t, 1, p.AddActors(1))

	fut, ok := p.SubmitIfFree(fitJob(0))
	require.True(t, ok)

	_, busy := p.SubmitIfFree(fitJob(0))
	assert.False(t, busy)

	_, _, err := fut.Await(context.Background())
	require.NoError(t, err)
}

func TestPanicDoesNotPoisonPool(t *testing.T) {
	p := NewPool("panic", echoLoader(), ClientResources{}, 0)
	require.Equal(t, 1, p.AddActors(1))

	fut, ok := p.SubmitIfFree(fitJob(0))
	require.True(t, ok)

	_, _, err := fut.Await(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	// The slot survives the crash
	assert.True(t, p.IsActorAvailable())
	assert.Equal(t, 1, p.NumActors())
}

func TestTTLExpiryReclaimsSlot(t *testing.T) {
	p := NewPool("sleepy", echoLoader(), ClientResources{}, 0)
	require.Equal(t, 1, p.AddActors(1))

	start := time.Now()
	fut, ok := p.SubmitIfFree(fitJob(100 * time.Millisecond))
	require.True(t, ok)

	_, _, err := fut.Await(context.Background())
	require.ErrorIs(t, err, ErrTTLExpired)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "expiry must not wait for the full sleep")

	// The abandoned slot was replaced
	assert.True(t, p.IsActorAvailable())
	assert.Equal(t, 1, p.NumActors())
}

func TestAwaitObservesCancellation(t *testing.T) {
	p := NewPool("sleepy", echoLoader(), ClientResources{}, 0)
	require.Equal(t, 1, p.AddActors(1))

	fut, ok := p.SubmitIfFree(fitJob(0))
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := fut.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoaderErrorSurfacesAsTaskFailure(t *testing.T) {
	p := NewPool("unregistered", echoLoader(), ClientResources{}, 0)
	require.Equal(t, 1, p.AddActors(1))

	fut, ok := p.SubmitIfFree(fitJob(0))
	require.True(t, ok)

	_, _, err := fut.Await(context.Background())
	require.Error(t, err)
	assert.True(t, p.IsActorAvailable())
}

func TestActorsAreIsolated(t *testing.T) {
	// Each actor builds its own app instance through the loader.
	reg := clientapp.NewRegistry()
	var instances atomic.Int64
	reg.Register("counting", func() (clientapp.App, error) {
		mine := instances.Add(1)
		return func(ctx context.Context, msg *message.Message, nodeCtx *nodestate.Context) (*message.Message, error) {
			reply := msg.CreateReply(record.NewRecordSet())
			mr := record.NewMetricsRecord()
			if err := mr.Set("instance", mine); err != nil {
				return nil, err
			}
			if err := reply.Content.SetMetrics("app.instance", mr); err != nil {
				return nil, err
			}
			return reply, nil
		}, nil
	})

	p := NewPool("counting", reg.Loader(), ClientResources{}, 0)
	require.Equal(t, 2, p.AddActors(2))

	futA, ok := p.SubmitIfFree(fitJob(0))
	require.True(t, ok)
	futB, ok := p.SubmitIfFree(fitJob(0))
	require.True(t, ok)

	seen := map[int64]bool{}
	for _, fut := range []*Future{futA, futB} {
		reply, _, err := fut.Await(context.Background())
		require.NoError(t, err)
		mr, err := reply.Content.Metrics("app.instance")
		require.NoError(t, err)
		v, err := mr.Get("instance")
		require.NoError(t, err)
		seen[v.(int64)] = true
	}
	assert.Len(t, seen, 2, "each actor must own a distinct app instance")
}

func TestSubsequentTaskAfterFailure(t *testing.T) {
	// A failing task is followed by a normal one on the same pool.
	reg := clientapp.NewRegistry()
	calls := 0
	reg.Register("flaky", func() (clientapp.App, error) {
		return func(ctx context.Context, msg *message.Message, nodeCtx *nodestate.Context) (*message.Message, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("transient failure")
			}
			return msg.CreateReply(record.NewRecordSet()), nil
		}, nil
	})

	p := NewPool("flaky", reg.Loader(), ClientResources{}, 0)
	require.Equal(t, 1, p.AddActors(1))

	fut, ok := p.SubmitIfFree(fitJob(0))
	require.True(t, ok)
	_, _, err := fut.Await(context.Background())
	require.Error(t, err)

	fut, ok = p.SubmitIfFree(fitJob(0))
	require.True(t, ok)
	reply, _, err := fut.Await(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, reply)
}
