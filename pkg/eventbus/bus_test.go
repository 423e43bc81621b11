package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
)

func evt(t contracts.EventType, corr string) contracts.Event {
	return contracts.Event{Type: t, CorrelationID: corr}
}

func TestDeliveryInSubscriptionOrder(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe(nil, func(contracts.Event) { got = append(got, "first") })
	b.Subscribe(nil, func(contracts.Event) { got = append(got, "second") })
	b.Subscribe(nil, func(contracts.Event) { got = append(got, "third") })

	b.Publish(evt("DASH/EVT.X.RESOLVED", "c1"))
	require.Equal(t, []string{"first", "second", "third"}, got)
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	var panics int
	b := New(WithPanicHook(func(contracts.Event, any) { panics++ }))
	var delivered []string
	b.Subscribe(nil, func(contracts.Event) { delivered = append(delivered, "before") })
	b.Subscribe(nil, func(contracts.Event) { panic("listener bug") })
	b.Subscribe(nil, func(contracts.Event) { delivered = append(delivered, "after") })

	require.NotPanics(t, func() { b.Publish(evt("DASH/EVT.X.RESOLVED", "c1")) })
	require.Equal(t, []string{"before", "after"}, delivered)
	require.Equal(t, 1, panics)
}

func TestPredicateFiltersAndUnsubscribe(t *testing.T) {
	b := New()
	var hits int
	unsub := b.Subscribe(OfType(contracts.EventCommandFailed), func(contracts.Event) { hits++ })

	b.Publish(evt("DASH/EVT.X.RESOLVED", "a"))
	b.Publish(evt(contracts.EventCommandFailed, "b"))
	require.Equal(t, 1, hits)

	unsub()
	unsub()
	b.Publish(evt(contracts.EventCommandFailed, "c"))
	require.Equal(t, 1, hits)
	require.Zero(t, b.Len())
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()
	var second int
	var unsubFirst func()
	unsubFirst = b.Subscribe(nil, func(contracts.Event) { unsubFirst() })
	b.Subscribe(nil, func(contracts.Event) { second++ })

	b.Publish(evt("DASH/EVT.X.RESOLVED", "a"))
	b.Publish(evt("DASH/EVT.X.RESOLVED", "b"))
	require.Equal(t, 2, second)
	require.Equal(t, 1, b.Len())
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := New()
	var mu sync.Mutex
	count := 0
	b.Subscribe(nil, func(contracts.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Publish(evt("DASH/EVT.X.RESOLVED", "c"))
		}()
		go func() {
			defer wg.Done()
			unsub := b.Subscribe(Correlated("none"), func(contracts.Event) {})
			unsub()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, count)
}

func TestCELPredicate(t *testing.T) {
	p, err := CompilePredicate(`event.type.endsWith(".RESOLVED") && event.payload.title == "Q3"`)
	require.NoError(t, err)

	require.True(t, p(contracts.Event{Type: "DASH/EVT.DASHBOARD.RENAME.RESOLVED", Payload: []byte(`{"title":"Q3"}`)}))
	require.False(t, p(contracts.Event{Type: "DASH/EVT.DASHBOARD.RENAME.RESOLVED", Payload: []byte(`{"title":"Q4"}`)}))
	// Missing field is an evaluation error, treated as no match.
	require.False(t, p(contracts.Event{Type: "DASH/EVT.DRILL.RESET.RESOLVED"}))

	_, err = CompilePredicate(`1 + 2`)
	require.Error(t, err)
	_, err = CompilePredicate(`event.type ==`)
	require.Error(t, err)
}

func TestCELSignalPattern(t *testing.T) {
	p, err := CompileSignalPattern(`signal.kind == "command" && signal.payload.correlationId == "lane-7"`)
	require.NoError(t, err)

	cancel, err := contracts.NewCancelCommand("lane-7")
	require.NoError(t, err)
	require.True(t, p(cancel))
	require.False(t, p(contracts.Event{Type: "DASH/EVT.X.RESOLVED", CorrelationID: "lane-7"}))
}
