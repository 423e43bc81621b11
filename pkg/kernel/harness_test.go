package kernel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dashkernel/pkg/backend"
	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/eventbus"
	"github.com/Mindburn-Labs/dashkernel/pkg/querycache"
	"github.com/Mindburn-Labs/dashkernel/pkg/store"
)

const actionAppend = "test/append"

var logSelector = store.SliceSelector[[]string]("log")

type harness struct {
	reg   *Registry
	store *store.Store
	bus   *eventbus.Bus
	cache *querycache.Cache
	sched *Scheduler
	disp  *Dispatcher

	mu     sync.Mutex
	events []contracts.Event
}

func newHarness(t *testing.T, register func(r *Registry), opts ...Option) *harness {
	t.Helper()
	reg := NewRegistry()
	if register != nil {
		register(reg)
	}
	st, err := store.New([]store.SliceDef{
		store.DefineSlice("log", []string(nil), func(l []string, a store.Action) []string {
			if a.Type != actionAppend {
				return l
			}
			out := make([]string, 0, len(l)+1)
			out = append(out, l...)
			return append(out, a.Payload.(string))
		}),
	})
	require.NoError(t, err)

	bus := eventbus.New()
	cache := querycache.New()
	dctx := NewDashboardContext(backend.NewMemory(), "ws1", "drill")
	sched, err := NewScheduler(reg, dctx, st, bus, cache, opts...)
	require.NoError(t, err)

	h := &harness{reg: reg, store: st, bus: bus, cache: cache, sched: sched, disp: NewDispatcher(sched)}
	bus.Subscribe(nil, func(e contracts.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
	})
	t.Cleanup(func() {
		sched.Close()
		cache.Close()
		st.Close()
	})
	return h
}

func (h *harness) eventsFor(correlationID string) []contracts.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []contracts.Event
	for _, e := range h.events {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) eventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *harness) log() []string {
	return store.Select(h.store.GetState(), logSelector)
}

func mustCommand(t *testing.T, typ contracts.CommandType, payload any) contracts.Command {
	t.Helper()
	cmd, err := contracts.NewCommand(typ, payload)
	require.NoError(t, err)
	return cmd
}

func failureKind(t *testing.T, e contracts.Event) string {
	t.Helper()
	f, err := e.Failure()
	require.NoError(t, err)
	return string(f.Error.Kind)
}
