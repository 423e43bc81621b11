package kernel

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel/errorir"
)

// Dispatcher is the command submission surface. Every command yields exactly
// one terminal event: resolved, failed, or rejected. The one exception is a
// latest-wins lane superseded by a newer command of its type, which publishes
// nothing.
type Dispatcher struct {
	sched  *Scheduler
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher on top of sched.
func NewDispatcher(sched *Scheduler) *Dispatcher {
	return &Dispatcher{
		sched:  sched,
		logger: slog.Default().With("component", "dispatcher"),
	}
}

// Dispatch submits cmd and returns its correlation id without waiting. The
// outcome is observed on the event bus. It never fails: unknown or invalid
// commands are reported through their terminal event.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd contracts.Command) string {
	cmd = cmd.WithCorrelation()
	_, _ = d.submit(ctx, cmd)
	return cmd.CorrelationID
}

// DispatchAndWait submits cmd and waits for its terminal event. Failures are
// reported inside the event, not as an error. The error is non-nil only when
// no event will be published for the caller: the lane was superseded (the
// returned event is a local Cancelled failure that was never published) or
// ctx ended first. Leaving early does not cancel the lane.
func (d *Dispatcher) DispatchAndWait(ctx context.Context, cmd contracts.Command) (contracts.Event, error) {
	cmd = cmd.WithCorrelation()
	l, evt := d.submit(ctx, cmd)
	if l == nil {
		return evt, nil
	}
	select {
	case <-l.done:
	case <-ctx.Done():
		return contracts.Event{}, errorir.Cancelled(string(cmd.Type), "stopped waiting for event")
	}
	if !l.published {
		return l.event, l.err
	}
	return l.event, nil
}

// submit validates cmd and starts its lane. When no lane starts, the
// published terminal event is returned instead.
func (d *Dispatcher) submit(ctx context.Context, cmd contracts.Command) (*lane, contracts.Event) {
	reg, err := d.sched.registry.Resolve(cmd.Type)
	if err != nil {
		evt := contracts.NewRejectedEvent(cmd, err, d.sched.dctx)
		d.logger.WarnContext(ctx, "command rejected",
			"command_type", cmd.Type, "correlation_id", cmd.CorrelationID, "error", err)
		d.sched.bus.Publish(evt)
		return nil, evt
	}
	if err := reg.validate(cmd); err != nil {
		evt := contracts.NewFailedEvent(cmd, err, d.sched.dctx)
		d.logger.InfoContext(ctx, "command payload invalid",
			"command_type", cmd.Type, "correlation_id", cmd.CorrelationID, "error", err)
		d.sched.bus.Publish(evt)
		return nil, evt
	}

	d.sched.hub.notify(cmd)

	l, err := d.sched.start(ctx, reg, cmd)
	if err != nil {
		evt := contracts.NewFailedEvent(cmd, errorir.Cancelled(string(cmd.Type), err.Error()), d.sched.dctx)
		d.sched.bus.Publish(evt)
		return nil, evt
	}
	d.logger.DebugContext(ctx, "lane started",
		"command_type", cmd.Type, "correlation_id", cmd.CorrelationID, "lane", l.id, "policy", reg.Policy)
	return l, contracts.Event{}
}
