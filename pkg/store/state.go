// Package store provides the single mutable state container of the dashboard
// kernel. State is a tree of named slices, each owned by exactly one pure
// reducer. All writes are applied by one owner goroutine; readers receive
// immutable snapshots by pointer.
package store

import (
	"fmt"
	"reflect"
)

// Action describes a mutation. Reducers ignore action types they do not know.
type Action struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Reducer is the untyped form of a slice reducer. It must be pure and total.
type Reducer func(slice any, action Action) any

// Guard inspects a slice before an action is reduced. A non-nil error rejects
// the whole action: no slice changes and Apply returns the error. Guards run
// on the owner goroutine, so a check and the write it protects are atomic.
type Guard func(slice any, action Action) error

// SliceDef declares one named slice: its initial value, its reducer and an
// optional guard.
type SliceDef struct {
	Name    string
	Initial any
	Reduce  Reducer
	Guard   Guard
}

// DefineSlice declares a typed slice. The reducer must return its input
// unchanged for unrecognized actions and never mutate it in place.
func DefineSlice[S any](name string, initial S, reduce func(S, Action) S) SliceDef {
	return SliceDef{
		Name:    name,
		Initial: initial,
		Reduce: func(slice any, action Action) any {
			s, ok := slice.(S)
			if !ok {
				panic(fmt.Sprintf("store: slice %q holds %T, reducer expects %T", name, slice, *new(S)))
			}
			return reduce(s, action)
		},
	}
}

// WithGuard attaches a typed guard to a slice definition. Like reducers,
// guards must be pure.
func WithGuard[S any](d SliceDef, guard func(S, Action) error) SliceDef {
	name := d.Name
	d.Guard = func(slice any, action Action) error {
		s, ok := slice.(S)
		if !ok {
			panic(fmt.Sprintf("store: slice %q holds %T, guard expects %T", name, slice, *new(S)))
		}
		return guard(s, action)
	}
	return d
}

// State is an immutable snapshot. Snapshots taken before and after a committed
// write are distinct pointers; a write that changes nothing returns the same one.
type State struct {
	slices  map[string]any
	version uint64
}

// Version is the number of committed state-changing writes.
func (s *State) Version() uint64 { return s.version }

// Slice returns the raw value of a named slice. Prefer selectors.
func (s *State) Slice(name string) (any, bool) {
	v, ok := s.slices[name]
	return v, ok
}

// Names lists the slice names of the snapshot.
func (s *State) Names() []string {
	out := make([]string, 0, len(s.slices))
	for n := range s.slices {
		out = append(out, n)
	}
	return out
}

// Selector derives a value from a snapshot. Cross-slice reads go through selectors.
type Selector[T any] func(*State) T

// SliceSelector selects a whole typed slice. A missing or mistyped slice yields the zero value.
func SliceSelector[S any](name string) Selector[S] {
	return func(st *State) S {
		v, _ := st.slices[name].(S)
		return v
	}
}

// Map derives a selector from another one.
func Map[A, B any](sel Selector[A], fn func(A) B) Selector[B] {
	return func(st *State) B { return fn(sel(st)) }
}

// Select applies sel to st.
func Select[T any](st *State, sel Selector[T]) T {
	return sel(st)
}

// sameValue reports whether a reducer returned its input unchanged. Reference
// kinds compare by identity, comparable values by ==.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}
	if va.Type().Comparable() {
		return a == b
	}
	return false
}
