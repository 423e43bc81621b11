package kernel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/dashkernel/pkg/querycache"
	"github.com/Mindburn-Labs/dashkernel/pkg/store"
)

func noop(*Task, contracts.Command) (any, error) { return nil, nil }

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.RegisterCommand(CommandRegistration{Type: "FILTER.ADD", Handler: noop}))
	require.Error(t, r.RegisterCommand(CommandRegistration{Type: cmdEvery}))
	require.Error(t, r.RegisterCommand(CommandRegistration{Type: contracts.CommandLaneCancel, Handler: noop}))
	require.Error(t, r.RegisterCommand(CommandRegistration{Type: cmdEvery, Handler: noop, Schema: `{"type": 12}`}))

	require.NoError(t, r.RegisterCommand(CommandRegistration{Type: cmdEvery, Handler: noop}))
	require.Error(t, r.RegisterCommand(CommandRegistration{Type: cmdEvery, Handler: noop}))

	require.Error(t, r.RegisterQuery(QueryRegistration{Type: "DASH/QUERY.X"}))
}

func TestRegistrySuggestsClosestTag(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterCommand(CommandRegistration{Type: "DASH/CMD.DRILL.RESET", Handler: noop}))

	_, err := r.Resolve("dash/cmd.drill.reset")
	require.True(t, errorir.IsKind(err, errorir.KindUnknownCommand))
	require.Contains(t, err.Error(), "DASH/CMD.DRILL.RESET")

	_, err = r.Resolve("DASH/CMD.SOMETHING.ENTIRELY.DIFFERENT")
	require.NotContains(t, err.Error(), "did you mean")
}

func TestRegistryListsTags(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterCommand(CommandRegistration{Type: cmdPing, Handler: noop, Policy: PolicyLatest}))
	require.NoError(t, r.RegisterQuery(QueryRegistration{
		Type:    "DASH/QUERY.TEST",
		Handler: func(*Task, contracts.Query) (any, error) { return nil, nil },
	}))

	require.Equal(t, []contracts.CommandType{contracts.CommandLaneCancel, cmdPing}, r.CommandTypes())
	require.Equal(t, []contracts.QueryType{"DASH/QUERY.TEST"}, r.QueryTypes())

	p, ok := r.Policy(cmdPing)
	require.True(t, ok)
	require.Equal(t, PolicyLatest, p)
	require.Equal(t, "latest", p.String())
}

func TestConcurrentQueriesFromLanesExecuteOnce(t *testing.T) {
	const qt contracts.QueryType = "DASH/QUERY.TEST.SLOW"
	var executions atomic.Int32
	gate := make(chan struct{})

	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.RegisterQuery(QueryRegistration{
			Type: qt,
			Handler: func(task *Task, q contracts.Query) (any, error) {
				executions.Add(1)
				<-gate
				return []string{"a1", "a2"}, nil
			},
		}))
		require.NoError(t, r.RegisterCommand(CommandRegistration{
			Type: cmdEvery,
			Handler: func(task *Task, cmd contracts.Command) (any, error) {
				q, err := contracts.NewQuery(qt, map[string]string{"ref": "a1"})
				if err != nil {
					return nil, err
				}
				return RunQuery[[]string](task, q, false)
			},
		}))
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evt, err := h.disp.DispatchAndWait(context.Background(), mustCommand(t, cmdEvery, nil))
			assert.NoError(t, err)
			var got []string
			assert.NoError(t, evt.Decode(&got))
			assert.Equal(t, []string{"a1", "a2"}, got)
		}()
	}
	require.Eventually(t, func() bool {
		e, ok := h.cache.Lookup(contracts.Query{Type: qt, Payload: []byte(`{"ref":"a1"}`)})
		return ok && e.Subscribers == 20
	}, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()
	require.Equal(t, int32(1), executions.Load())
}

func TestQueryTasksAreReadOnly(t *testing.T) {
	const qt contracts.QueryType = "DASH/QUERY.TEST.WRITER"
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.RegisterQuery(QueryRegistration{
			Type: qt,
			Handler: func(task *Task, q contracts.Query) (any, error) {
				return nil, task.Write(store.Action{Type: actionAppend, Payload: "nope"})
			},
		}))
	})
	_, err := h.sched.RunQuery(context.Background(), contracts.Query{Type: qt}, false)
	require.True(t, errorir.IsKind(err, errorir.KindInternal))
	require.Empty(t, h.log())

	_, err = h.sched.RunQuery(context.Background(), contracts.Query{Type: "DASH/QUERY.MISSING"}, false)
	require.True(t, errorir.IsKind(err, errorir.KindUnknownCommand))
}

func TestKeepWarmQueryServesCachedValue(t *testing.T) {
	const qt contracts.QueryType = "DASH/QUERY.TEST.WARM"
	var executions atomic.Int32
	h := newHarness(t, func(r *Registry) {
		require.NoError(t, r.RegisterQuery(QueryRegistration{
			Type:  qt,
			Cache: querycache.Policy{KeepWarm: true, TTL: time.Minute},
			Handler: func(task *Task, q contracts.Query) (any, error) {
				return int(executions.Add(1)), nil
			},
		}))
	})
	ctx := context.Background()
	q := contracts.Query{Type: qt, Payload: []byte(`{"k":1}`)}

	v1, err := h.sched.RunQuery(ctx, q, false)
	require.NoError(t, err)
	v2, err := h.sched.RunQuery(ctx, q, false)
	require.NoError(t, err)
	require.Equal(t, v1, v2)

	v3, err := h.sched.RunQuery(ctx, q, true)
	require.NoError(t, err)
	require.Equal(t, 2, v3)
}
