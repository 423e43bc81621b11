package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/dashkernel/pkg/limiter"
	"github.com/Mindburn-Labs/dashkernel/pkg/observability"
)

// Task is the handle a handler routine uses to issue effects. It is bound to
// one lane (or one query execution) and must not be shared across goroutines
// other than through Fork.
type Task struct {
	s        *Scheduler
	ctx      context.Context
	laneID   string
	cmd      contracts.Command
	readOnly bool
}

// Context returns the lane context. It is cancelled when the lane is
// superseded or explicitly cancelled.
func (t *Task) Context() context.Context { return t.ctx }

// Dashboard returns the shared dashboard context.
func (t *Task) Dashboard() *DashboardContext { return t.s.dctx }

// Command returns the command the lane is processing. Query tasks return the
// zero Command.
func (t *Task) Command() contracts.Command { return t.cmd }

// LaneID identifies the lane for logs and traces.
func (t *Task) LaneID() string { return t.laneID }

// Do interprets one effect descriptor.
func (t *Task) Do(e Effect) (any, error) {
	return t.interpret(t.ctx, e)
}

// EffectRecord describes one interpreted effect.
type EffectRecord struct {
	LaneID   string
	Command  contracts.CommandType
	Kind     EffectKind
	Name     string
	Err      error
	Duration time.Duration
}

// EffectObserver receives a record for every effect after it settles.
type EffectObserver func(EffectRecord)

func (t *Task) interpret(ctx context.Context, e Effect) (v any, err error) {
	start := time.Now()
	if obs := t.s.effectObserver; obs != nil {
		defer func() {
			obs(EffectRecord{
				LaneID:   t.laneID,
				Command:  t.cmd.Type,
				Kind:     e.Kind(),
				Name:     effectName(e),
				Err:      err,
				Duration: time.Since(start),
			})
		}()
	}

	switch eff := e.(type) {
	case InvokeEffect:
		return t.invoke(ctx, eff)
	case ReadEffect:
		if eff.Select == nil {
			return nil, errorir.Internal("read", errors.New("nil selector"))
		}
		return eff.Select(t.s.store.GetState()), nil
	case WriteEffect:
		if t.readOnly {
			return nil, errorir.Internal(eff.Action.Type, errors.New("query tasks cannot write"))
		}
		_, err := t.s.store.Apply(ctx, eff.Action)
		return nil, err
	case RaceEffect:
		return t.race(ctx, eff.Effects)
	case WaitForEffect:
		if eff.Pattern == nil {
			return nil, errorir.Internal("waitFor", errors.New("nil pattern"))
		}
		return t.s.hub.wait(ctx, eff.Pattern)
	case ForkEffect:
		if eff.Routine == nil {
			return nil, errorir.Internal("fork", errors.New("nil routine"))
		}
		t.s.fork(t, eff)
		return nil, nil
	case QueryEffect:
		return t.s.RunQuery(ctx, eff.Query, eff.ForceRefresh)
	case nil:
		return nil, errorir.Internal("effect", errors.New("nil effect"))
	default:
		return nil, errorir.Internal("effect", fmt.Errorf("unsupported effect %T", e))
	}
}

func effectName(e Effect) string {
	switch eff := e.(type) {
	case InvokeEffect:
		return eff.Op
	case WriteEffect:
		return eff.Action.Type
	case ForkEffect:
		return eff.Name
	case QueryEffect:
		return string(eff.Query.Type)
	}
	return ""
}

type invokeResult struct {
	value any
	err   error
}

// invoke runs the operation in its own goroutine so a deadline or a lane
// cancellation can resume the routine even if the operation never settles.
func (t *Task) invoke(ctx context.Context, e InvokeEffect) (any, error) {
	if e.Fn == nil {
		return nil, errorir.Internal(e.Op, errors.New("invoke without operation"))
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelledBy(ctx, e.Op)
	}

	key := t.s.dctx.WorkspaceID() + ":" + e.Op
	if err := limiter.Evaluate(ctx, t.s.limitStore, key, t.s.limitPolicy); err != nil {
		return nil, errorir.Backend(e.Op, err)
	}
	if t.s.inflight != nil {
		if err := t.s.inflight.Acquire(ctx, 1); err != nil {
			return nil, cancelledBy(ctx, e.Op)
		}
		defer t.s.inflight.Release(1)
	}

	timeout := e.Timeout
	if timeout == 0 {
		timeout = t.s.defaultTimeout
	}
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if t.s.telemetry != nil {
		var span trace.Span
		callCtx, span = t.s.telemetry.StartSpan(callCtx, "invoke "+e.Op,
			observability.InvokeAttributes(e.Op, t.s.dctx.WorkspaceID())...)
		defer span.End()
	}

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: errorir.Internal(e.Op, fmt.Errorf("operation panic: %v", r))}
			}
		}()
		v, err := e.Fn(callCtx)
		done <- invokeResult{value: v, err: err}
	}()

	select {
	case r := <-done:
		if ctx.Err() != nil {
			return nil, cancelledBy(ctx, e.Op)
		}
		if r.err != nil {
			err := t.classifyInvoke(callCtx, e.Op, timeout, r.err)
			observability.SetSpanStatus(callCtx, err)
			return nil, err
		}
		return r.value, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, cancelledBy(ctx, e.Op)
		}
		err := errorir.TimedOut(e.Op, timeout)
		observability.SetSpanStatus(callCtx, err)
		return nil, err
	}
}

func (t *Task) classifyInvoke(callCtx context.Context, op string, timeout time.Duration, err error) error {
	var ir *errorir.Error
	if errors.As(err, &ir) {
		return ir
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return errorir.TimedOut(op, timeout)
	}
	return errorir.Backend(op, err)
}

type raceOutcome struct {
	index int
	value any
	err   error
}

func (t *Task) race(ctx context.Context, effects []Effect) (any, error) {
	if len(effects) == 0 {
		return RaceResult{Index: -1}, errorir.InvalidArguments("race", "race needs at least one effect")
	}
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan raceOutcome, len(effects))
	for i, e := range effects {
		go func(i int, e Effect) {
			defer func() {
				if r := recover(); r != nil {
					t.s.logger.ErrorContext(rctx, "raced effect panicked",
						"command_type", t.cmd.Type, "lane", t.laneID, "index", i, "panic", r)
					outcomes <- raceOutcome{index: i, err: t.s.recovered("race", "effect", r)}
				}
			}()
			v, err := t.interpret(rctx, e)
			outcomes <- raceOutcome{index: i, value: v, err: err}
		}(i, e)
	}

	select {
	case o := <-outcomes:
		return RaceResult{Index: o.index, Value: o.value}, o.err
	case <-ctx.Done():
		return RaceResult{Index: -1}, cancelledBy(ctx, "race")
	}
}

// cancelledBy builds the Cancelled error for a done lane context, carrying the
// cancellation cause as reason.
func cancelledBy(ctx context.Context, op string) error {
	reason := "lane cancelled"
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		reason = cause.Error()
	} else if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = "lane deadline exceeded"
	}
	return errorir.Cancelled(op, reason)
}
