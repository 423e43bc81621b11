package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/dashkernel/pkg/store"
)

// EffectKind names an effect descriptor.
type EffectKind string

const (
	EffectInvoke  EffectKind = "invoke"
	EffectRead    EffectKind = "read"
	EffectWrite   EffectKind = "write"
	EffectRace    EffectKind = "race"
	EffectWaitFor EffectKind = "waitFor"
	EffectFork    EffectKind = "fork"
	EffectQuery   EffectKind = "query"
)

// Effect is a declarative instruction interpreted by a Task.
type Effect interface {
	Kind() EffectKind
}

// InvokeEffect calls an external operation and waits for it to settle.
// A zero Timeout falls back to the scheduler default; a negative one disables it.
type InvokeEffect struct {
	Op      string
	Fn      func(ctx context.Context) (any, error)
	Timeout time.Duration
}

// ReadEffect reads the current store snapshot through a selector.
type ReadEffect struct {
	Select func(*store.State) any
}

// WriteEffect applies an action to the store.
type WriteEffect struct {
	Action store.Action
}

// RaceEffect settles with the first of Effects to settle. The losers' context
// is cancelled; accepted writes among them still complete.
type RaceEffect struct {
	Effects []Effect
}

// WaitForEffect suspends until a matching signal is observed.
type WaitForEffect struct {
	Pattern contracts.SignalPattern
}

// ForkEffect starts a detached child task. The parent does not wait for it.
type ForkEffect struct {
	Name    string
	Routine func(t *Task) error
}

// QueryEffect runs a registered query through the query cache.
type QueryEffect struct {
	Query        contracts.Query
	ForceRefresh bool
}

func (InvokeEffect) Kind() EffectKind  { return EffectInvoke }
func (ReadEffect) Kind() EffectKind    { return EffectRead }
func (WriteEffect) Kind() EffectKind   { return EffectWrite }
func (RaceEffect) Kind() EffectKind    { return EffectRace }
func (WaitForEffect) Kind() EffectKind { return EffectWaitFor }
func (ForkEffect) Kind() EffectKind    { return EffectFork }
func (QueryEffect) Kind() EffectKind   { return EffectQuery }

// RaceResult identifies the winning effect of a race.
type RaceResult struct {
	Index int
	Value any
}

// InvokeOption adjusts a single typed invoke.
type InvokeOption func(*InvokeEffect)

// Deadline bounds the invoke; the effect fails with TimedOut when it passes.
func Deadline(d time.Duration) InvokeOption {
	return func(e *InvokeEffect) { e.Timeout = d }
}

// Invoke runs fn as an invoke effect and returns its typed result.
func Invoke[T any](t *Task, op string, fn func(ctx context.Context) (T, error), opts ...InvokeOption) (T, error) {
	var zero T
	eff := InvokeEffect{Op: op, Fn: func(ctx context.Context) (any, error) { return fn(ctx) }}
	for _, opt := range opts {
		opt(&eff)
	}
	v, err := t.Do(eff)
	if err != nil {
		return zero, err
	}
	return as[T](op, v)
}

// Read runs a typed selector against the current snapshot.
func Read[T any](t *Task, sel store.Selector[T]) T {
	v, _ := t.Do(ReadEffect{Select: func(st *store.State) any { return sel(st) }})
	out, _ := v.(T)
	return out
}

// RunQuery runs q through the query cache and returns its typed value. Values
// are shared between joiners and must be treated as immutable.
func RunQuery[T any](t *Task, q contracts.Query, forceRefresh bool) (T, error) {
	var zero T
	v, err := t.Do(QueryEffect{Query: q, ForceRefresh: forceRefresh})
	if err != nil {
		return zero, err
	}
	return as[T](string(q.Type), v)
}

// Write applies action to the store.
func (t *Task) Write(action store.Action) error {
	_, err := t.Do(WriteEffect{Action: action})
	return err
}

// Race runs effects concurrently and returns the first to settle.
func (t *Task) Race(effects ...Effect) (RaceResult, error) {
	v, err := t.Do(RaceEffect{Effects: effects})
	res, _ := v.(RaceResult)
	return res, err
}

// WaitFor suspends until a signal matching pattern is observed.
func (t *Task) WaitFor(pattern contracts.SignalPattern) (contracts.Signal, error) {
	v, err := t.Do(WaitForEffect{Pattern: pattern})
	if err != nil {
		return nil, err
	}
	sig, _ := v.(contracts.Signal)
	return sig, nil
}

// Fork starts routine as a detached child task.
func (t *Task) Fork(name string, routine func(t *Task) error) {
	_, _ = t.Do(ForkEffect{Name: name, Routine: routine})
}

func as[T any](op string, v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, errorir.Internal(op, fmt.Errorf("result is %T, want %T", v, zero))
	}
	return out, nil
}
