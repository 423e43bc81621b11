package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/eventbus"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/dashkernel/pkg/limiter"
	"github.com/Mindburn-Labs/dashkernel/pkg/observability"
	"github.com/Mindburn-Labs/dashkernel/pkg/querycache"
	"github.com/Mindburn-Labs/dashkernel/pkg/store"
)

var (
	// ErrSchedulerClosed is returned once Close has been called.
	ErrSchedulerClosed = errors.New("scheduler closed")

	errSuperseded      = errors.New("superseded by a newer lane of the same type")
	errCancelRequested = errors.New("lane cancel requested")
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithTelemetry instruments lanes and invoke effects.
func WithTelemetry(p *observability.Provider) Option {
	return func(s *Scheduler) { s.telemetry = p }
}

// WithLimiter applies backpressure to invoke effects, keyed by workspace and operation.
func WithLimiter(st limiter.Store, policy limiter.Policy) Option {
	return func(s *Scheduler) {
		s.limitStore = st
		s.limitPolicy = policy
	}
}

// WithMaxInFlight bounds concurrently running invoke effects across all lanes.
func WithMaxInFlight(n int64) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.inflight = semaphore.NewWeighted(n)
		}
	}
}

// WithDefaultTimeout applies d to invoke effects that set no deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.defaultTimeout = d }
}

// WithDefectHandler replaces the reaction to a strict store's reducer panic
// (a store.ReducerPanic) raised inside a lane, race branch or fork. The
// default re-panics, which ends the process. If the handler returns, the
// lane fails with an Internal error like in non-strict mode.
func WithDefectHandler(fn func(store.ReducerPanic)) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.onDefect = fn
		}
	}
}

// WithEffectObserver receives every interpreted effect.
func WithEffectObserver(o EffectObserver) Option {
	return func(s *Scheduler) { s.effectObserver = o }
}

// lane is one in-flight execution of a command handler.
type lane struct {
	id     string
	cmd    contracts.Command
	reg    *CommandRegistration
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	// key is the latest-wins partition; empty for PolicyEvery.
	key string

	// Guarded by Scheduler.mu.
	superseded bool
	finished   bool

	// Set before done is closed.
	event     contracts.Event
	published bool
	err       error
}

// Scheduler runs command handlers as lanes and enforces the per-type policy.
type Scheduler struct {
	registry *Registry
	dctx     *DashboardContext
	store    *store.Store
	bus      *eventbus.Bus
	cache    *querycache.Cache
	hub      *signalHub

	logger         *slog.Logger
	telemetry      *observability.Provider
	limitStore     limiter.Store
	limitPolicy    limiter.Policy
	inflight       *semaphore.Weighted
	defaultTimeout time.Duration
	effectObserver EffectObserver
	onDefect       func(store.ReducerPanic)

	mu      sync.Mutex
	closed  bool
	latest  map[string]*lane
	running map[string]*lane
	forks   map[string]context.CancelCauseFunc
	wg      sync.WaitGroup

	unsubscribe func()
}

// NewScheduler wires the scheduler to its collaborators. Every published event
// is fed to routines waiting in waitFor.
func NewScheduler(reg *Registry, dctx *DashboardContext, st *store.Store, bus *eventbus.Bus, cache *querycache.Cache, opts ...Option) (*Scheduler, error) {
	if reg == nil || dctx == nil || st == nil || bus == nil || cache == nil {
		return nil, fmt.Errorf("kernel: scheduler needs a registry, context, store, bus and cache")
	}
	s := &Scheduler{
		registry: reg,
		dctx:     dctx,
		store:    st,
		bus:      bus,
		cache:    cache,
		hub:      newSignalHub(),
		logger:   slog.Default().With("component", "scheduler"),
		latest:   make(map[string]*lane),
		running:  make(map[string]*lane),
		forks:    make(map[string]context.CancelCauseFunc),
		onDefect: func(p store.ReducerPanic) { panic(p) },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unsubscribe = bus.Subscribe(nil, func(evt contracts.Event) { s.hub.notify(evt) })
	return s, nil
}

// Registry returns the handler registry.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Store returns the read-only view of the state store.
func (s *Scheduler) Store() store.Reader { return s.store }

// start launches a lane for an accepted command. For latest-wins types the
// running lane of the same type and lane key is superseded first.
func (s *Scheduler) start(ctx context.Context, reg *CommandRegistration, cmd contracts.Command) (*lane, error) {
	laneCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	l := &lane{
		id:     uuid.NewString(),
		cmd:    cmd,
		reg:    reg,
		ctx:    laneCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel(ErrSchedulerClosed)
		return nil, ErrSchedulerClosed
	}
	if reg.Policy == PolicyLatest {
		l.key = reg.latestKey(cmd)
		if prev := s.latest[l.key]; prev != nil && !prev.finished {
			prev.superseded = true
			prev.cancel(errSuperseded)
			s.logger.InfoContext(ctx, "lane superseded",
				"command_type", cmd.Type,
				"correlation_id", prev.cmd.CorrelationID,
				"superseded_by", cmd.CorrelationID,
				"lane_key", l.key,
			)
		}
		s.latest[l.key] = l
	}
	s.running[cmd.CorrelationID] = l
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(l)
	return l, nil
}

func (s *Scheduler) run(l *lane) {
	defer s.wg.Done()
	defer close(l.done)

	ctx := l.ctx
	finish := func(error) {}
	if s.telemetry != nil {
		ctx, finish = s.telemetry.TrackLane(ctx, l.cmd.Type,
			observability.LaneAttributes(l.id, l.cmd.CorrelationID, l.reg.Policy.String())...)
	}

	task := &Task{s: s, ctx: ctx, laneID: l.id, cmd: l.cmd}
	payload, err := s.invokeHandler(task, l)
	if err != nil {
		err = laneError(ctx, l.cmd, err)
	}

	s.mu.Lock()
	l.finished = true
	superseded := l.superseded
	if l.key != "" && s.latest[l.key] == l {
		delete(s.latest, l.key)
	}
	if s.running[l.cmd.CorrelationID] == l {
		delete(s.running, l.cmd.CorrelationID)
	}
	s.mu.Unlock()
	l.cancel(nil)

	if superseded {
		// The newer lane's event is authoritative; this lane publishes nothing.
		cause := errorir.Cancelled(string(l.cmd.Type), errSuperseded.Error())
		l.event = contracts.NewFailedEvent(l.cmd, cause, s.dctx)
		l.err = cause
		finish(cause)
		s.logger.DebugContext(ctx, "superseded lane finished without event",
			"command_type", l.cmd.Type, "correlation_id", l.cmd.CorrelationID, "lane", l.id)
		return
	}

	var evt contracts.Event
	if err == nil {
		evt, err = contracts.NewResolvedEvent(l.cmd, payload, s.dctx)
		if err != nil {
			err = errorir.Internal(string(l.cmd.Type), err)
		}
	}
	if err != nil {
		evt = contracts.NewFailedEvent(l.cmd, err, s.dctx)
		s.logger.WarnContext(ctx, "command failed",
			"command_type", l.cmd.Type,
			"correlation_id", l.cmd.CorrelationID,
			"lane", l.id,
			"kind", errorir.KindOf(err),
			"error", err,
		)
	}
	finish(err)

	l.event, l.err, l.published = evt, err, true
	s.bus.Publish(evt)
}

func (s *Scheduler) invokeHandler(t *Task, l *lane) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(t.ctx, "handler panicked",
				"command_type", l.cmd.Type, "correlation_id", l.cmd.CorrelationID, "panic", r)
			err = s.recovered(string(l.cmd.Type), "handler", r)
		}
	}()
	return l.reg.Handler(t, l.cmd)
}

// recovered turns a recovered panic into an Internal error. Reducer panics
// from a strict store go to the defect handler first.
func (s *Scheduler) recovered(op, what string, r any) error {
	if p, ok := r.(store.ReducerPanic); ok {
		s.onDefect(p)
	}
	return errorir.Internal(op, fmt.Errorf("%s panic: %v", what, r))
}

// laneError maps a handler error onto the taxonomy. Errors produced after the
// lane context was cancelled become Cancelled.
func laneError(ctx context.Context, cmd contracts.Command, err error) error {
	var ir *errorir.Error
	if errors.As(err, &ir) {
		return err
	}
	if ctx.Err() != nil {
		return cancelledBy(ctx, string(cmd.Type))
	}
	return errorir.From(err)
}

// Cancel cancels the running lane of the command with the given correlation
// id. It reports whether a lane was found.
func (s *Scheduler) Cancel(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.running[correlationID]
	if !ok || l.finished {
		return false
	}
	l.cancel(errCancelRequested)
	return true
}

// Running reports the number of active lanes.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// RunQuery runs a registered query through the cache. The handler gets a
// read-only task.
func (s *Scheduler) RunQuery(ctx context.Context, q contracts.Query, forceRefresh bool) (any, error) {
	reg, ok := s.registry.Query(q.Type)
	if !ok {
		return nil, errorir.UnknownCommand(string(q.Type), "")
	}
	exec := func(execCtx context.Context) (any, error) {
		t := &Task{s: s, ctx: execCtx, laneID: uuid.NewString(), readOnly: true}
		return reg.Handler(t, q)
	}
	return s.cache.Run(ctx, q, reg.Cache, exec, querycache.RunOptions{ForceRefresh: forceRefresh})
}

func (s *Scheduler) fork(parent *Task, e ForkEffect) {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(parent.ctx))
	child := &Task{s: s, ctx: ctx, laneID: uuid.NewString(), cmd: parent.cmd, readOnly: parent.readOnly}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel(ErrSchedulerClosed)
		return
	}
	s.forks[child.laneID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.forks, child.laneID)
			s.mu.Unlock()
			cancel(nil)
		}()
		defer func() {
			if r := recover(); r != nil {
				s.logger.ErrorContext(ctx, "forked task panicked",
					"fork", e.Name, "parent", parent.laneID, "panic", r)
				_ = s.recovered(e.Name, "fork", r)
			}
		}()
		if err := e.Routine(child); err != nil {
			s.logger.WarnContext(ctx, "forked task failed",
				"fork", e.Name, "parent", parent.laneID, "lane", child.laneID, "error", err)
		}
	}()
}

// Close cancels every lane and forked task and waits for them to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	for _, l := range s.running {
		l.cancel(ErrSchedulerClosed)
	}
	for _, cancel := range s.forks {
		cancel(ErrSchedulerClosed)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.unsubscribe()
}

// cancelLane is the built-in handler of contracts.CommandLaneCancel.
func cancelLane(t *Task, cmd contracts.Command) (any, error) {
	var p contracts.CancelPayload
	if err := cmd.Decode(&p); err != nil {
		return nil, errorir.InvalidArguments(string(cmd.Type), "%v", err)
	}
	return CancelResult{
		CorrelationID: p.CorrelationID,
		Cancelled:     t.s.Cancel(p.CorrelationID),
	}, nil
}

// CancelResult is the payload of the lane cancel resolved event.
type CancelResult struct {
	CorrelationID string `json:"correlationId"`
	Cancelled     bool   `json:"cancelled"`
}

const cancelSchema = `{
	"type": "object",
	"properties": {
		"correlationId": {"type": "string", "minLength": 1}
	},
	"required": ["correlationId"]
}`
