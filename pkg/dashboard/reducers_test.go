package dashboard

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dashkernel/pkg/backend"
	"github.com/Mindburn-Labs/dashkernel/pkg/store"
)

var (
	dfRegion  = backend.Ref{Kind: backend.KindDisplayForm, ID: "df.region"}
	dfCountry = backend.Ref{Kind: backend.KindDisplayForm, ID: "df.country"}
	dfProduct = backend.Ref{Kind: backend.KindDisplayForm, ID: "df.product"}
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(Slices(), store.WithStrictReducers(true))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func apply(t *testing.T, st *store.Store, typ string, payload any) *store.State {
	t.Helper()
	s, err := st.Apply(context.Background(), store.Action{Type: typ, Payload: payload})
	require.NoError(t, err)
	return s
}

func TestFilterContextReducer(t *testing.T) {
	st := newStore(t)

	apply(t, st, ActionFilterAdded, FilterInsert{Filter: AttributeFilter{LocalID: "a", DisplayForm: dfRegion}, Index: -1})
	apply(t, st, ActionFilterAdded, FilterInsert{Filter: AttributeFilter{LocalID: "b", DisplayForm: dfCountry}, Index: -1})
	s := apply(t, st, ActionFilterAdded, FilterInsert{Filter: AttributeFilter{LocalID: "c", DisplayForm: dfProduct}, Index: 1})

	var ids []string
	for _, f := range store.Select(s, SelectFilters) {
		ids = append(ids, f.LocalID)
	}
	require.Equal(t, []string{"a", "c", "b"}, ids)
	require.True(t, store.Select(s, SelectIsDirty))

	s = apply(t, st, ActionSelectionChanged, SelectionChange{LocalID: "c", Selection: []string{"x", "y"}, Negative: true})
	f := store.Select(s, SelectFilter("c"))
	require.NotNil(t, f)
	require.Equal(t, []string{"x", "y"}, f.Selection)
	require.True(t, f.Negative)
	require.Equal(t, "c", store.Select(s, SelectFilterForDisplayForm(dfProduct)).LocalID)

	s = apply(t, st, ActionFilterRemoved, "a")
	require.Nil(t, store.Select(s, SelectFilter("a")))
	require.Len(t, store.Select(s, SelectFilters), 2)
}

func TestFilterContextGuardRejectsStaleWrites(t *testing.T) {
	st := newStore(t)

	// Nothing is committed for a filter that does not exist, not even the
	// dirty flag of the meta slice.
	_, err := st.Apply(context.Background(), store.Action{Type: ActionSelectionChanged, Payload: SelectionChange{LocalID: "gone"}})
	require.ErrorIs(t, err, ErrFilterNotFound)
	_, err = st.Apply(context.Background(), store.Action{Type: ActionFilterRemoved, Payload: "gone"})
	require.ErrorIs(t, err, ErrFilterNotFound)
	require.Equal(t, uint64(0), st.GetState().Version())
	require.False(t, store.Select(st.GetState(), SelectIsDirty))

	before := apply(t, st, ActionFilterAdded, FilterInsert{Filter: AttributeFilter{LocalID: "a", DisplayForm: dfRegion}, Index: -1})
	_, err = st.Apply(context.Background(), store.Action{Type: ActionFilterAdded,
		Payload: FilterInsert{Filter: AttributeFilter{LocalID: "b", DisplayForm: dfRegion}, Index: -1}})
	require.ErrorIs(t, err, ErrDuplicateFilter)
	_, err = st.Apply(context.Background(), store.Action{Type: ActionFilterAdded,
		Payload: FilterInsert{Filter: AttributeFilter{LocalID: "a", DisplayForm: dfCountry}, Index: -1}})
	require.ErrorIs(t, err, ErrDuplicateFilter)
	require.Same(t, before, st.GetState())
}

func TestUnhandledActionsKeepSlicesAndVersion(t *testing.T) {
	st := newStore(t)
	before := st.GetState()

	after := apply(t, st, "someone/else", nil)
	require.Equal(t, before.Version(), after.Version())
	require.Same(t, store.Select(before, SelectMeta), store.Select(after, SelectMeta))

	// Resetting an already empty dashboard changes nothing either.
	after = apply(t, st, ActionReset, nil)
	require.Equal(t, before.Version(), after.Version())
}

func TestLoadedReplacesDashboardState(t *testing.T) {
	st := newStore(t)
	apply(t, st, ActionDrillPushed, DrillStep{Insight: backend.Ref{Kind: backend.KindInsight, ID: "i1"}})
	apply(t, st, ActionRenamed, "Draft")

	s := apply(t, st, ActionLoaded, Loaded{
		Meta:        Meta{Ref: backend.Ref{Kind: backend.KindDashboard, ID: "d1"}, Title: "Sales", Version: 4},
		Filters:     []AttributeFilter{{LocalID: "f1", DisplayForm: dfRegion}},
		Permissions: backend.Permissions{backend.PermissionView: true},
	})

	m := store.Select(s, SelectMeta)
	require.Equal(t, "Sales", m.Title)
	require.True(t, m.Loaded)
	require.False(t, m.Dirty)
	require.Equal(t, 0, store.Select(s, SelectDrillDepth))
	require.True(t, store.Select(s, SelectCan(backend.PermissionView)))
	require.False(t, store.Select(s, SelectCan(backend.PermissionEdit)))

	s = apply(t, st, ActionReset, nil)
	require.Equal(t, Meta{}, *store.Select(s, SelectMeta))
	require.Empty(t, store.Select(s, SelectFilters))
	require.False(t, store.Select(s, SelectPermissions).Loaded)
}

func TestWrongPayloadIsReportedAsDefect(t *testing.T) {
	st, err := store.New(Slices())
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Apply(context.Background(), store.Action{Type: ActionRenamed, Payload: 42})
	require.Error(t, err)
}

type snapshot struct {
	meta  *Meta
	fc    *FilterContext
	drill *Drill
	perms *Permissions
	attrs *Attributes
}

func (s snapshot) reduce(a store.Action) snapshot {
	return snapshot{
		meta:  reduceMeta(s.meta, a),
		fc:    reduceFilterContext(s.fc, a),
		drill: reduceDrill(s.drill, a),
		perms: reducePermissions(s.perms, a),
		attrs: reduceAttributes(s.attrs, a),
	}
}

func (s snapshot) deepCopy() snapshot {
	m := *s.meta
	steps := make([]DrillStep, len(s.drill.Stack))
	for i, st := range s.drill.Stack {
		st.Intersection = append([]IntersectionItem(nil), st.Intersection...)
		st.Attributes = append([]backend.Ref(nil), st.Attributes...)
		steps[i] = st
	}
	var connected map[backend.Ref][]backend.Ref
	if s.attrs.Connected != nil {
		connected = make(map[backend.Ref][]backend.Ref, len(s.attrs.Connected))
		for k, v := range s.attrs.Connected {
			connected[k] = append([]backend.Ref(nil), v...)
		}
	}
	var granted backend.Permissions
	if s.perms.Granted != nil {
		granted = clonePermissions(s.perms.Granted)
	}
	var filters []AttributeFilter
	if s.fc.Filters != nil {
		filters = cloneFilters(s.fc.Filters)
	}
	var stack []DrillStep
	if s.drill.Stack != nil {
		stack = steps
	}
	return snapshot{
		meta:  &m,
		fc:    &FilterContext{Filters: filters},
		drill: &Drill{Stack: stack},
		perms: &Permissions{Loaded: s.perms.Loaded, Granted: granted},
		attrs: &Attributes{Connected: connected},
	}
}

func genAction(kind, pick int) store.Action {
	id := fmt.Sprintf("x%d", pick%3)
	df := backend.Ref{Kind: backend.KindDisplayForm, ID: id}
	switch kind {
	case 0:
		return store.Action{Type: ActionLoaded, Payload: Loaded{
			Meta:        Meta{Ref: backend.Ref{Kind: backend.KindDashboard, ID: id}, Title: id},
			Filters:     []AttributeFilter{{LocalID: id, DisplayForm: df, Selection: []string{id}}},
			Permissions: backend.Permissions{backend.PermissionView: true},
		}}
	case 1:
		return store.Action{Type: ActionRenamed, Payload: id}
	case 2:
		return store.Action{Type: ActionSaved, Payload: Saved{Ref: backend.Ref{Kind: backend.KindDashboard, ID: id}, Title: id, Version: pick}}
	case 3:
		return store.Action{Type: ActionFilterAdded, Payload: FilterInsert{
			Filter: AttributeFilter{LocalID: id, DisplayForm: df, Selection: []string{id}},
			Index:  pick%4 - 1,
		}}
	case 4:
		return store.Action{Type: ActionFilterRemoved, Payload: id}
	case 5:
		return store.Action{Type: ActionSelectionChanged, Payload: SelectionChange{LocalID: id, Selection: []string{id, id}, Negative: pick%2 == 0}}
	case 6:
		return store.Action{Type: ActionDrillPushed, Payload: DrillStep{
			Insight:      backend.Ref{Kind: backend.KindInsight, ID: id},
			Intersection: []IntersectionItem{{Attribute: id, Value: id}},
		}}
	case 7:
		return store.Action{Type: ActionDrillReset}
	case 8:
		return store.Action{Type: ActionPermissions, Payload: backend.Permissions{id: true}}
	case 9:
		return store.Action{Type: ActionConnected, Payload: Connected{DisplayForm: df, Refs: []backend.Ref{dfRegion}}}
	case 10:
		return store.Action{Type: ActionReset}
	default:
		return store.Action{Type: "unrelated/action", Payload: id}
	}
}

// Property: reducing the same (state, action) pair twice yields structurally
// equal results and never mutates the input state.
func TestReducersAreIdempotentAndPure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("reduce is deterministic and pure", prop.ForAll(
		func(kinds []int, picks []int) bool {
			s := snapshot{initialMeta, initialFilterContext, initialDrill, initialPermissions, initialAttributes}
			for i, k := range kinds {
				pick := 0
				if i < len(picks) {
					pick = picks[i]
				}
				a := genAction(k, pick)
				before := s.deepCopy()
				first := s.reduce(a)
				second := s.reduce(a)
				if !reflect.DeepEqual(first.deepCopy(), second.deepCopy()) {
					return false
				}
				if !reflect.DeepEqual(before, s.deepCopy()) {
					return false
				}
				s = first
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 11)),
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
