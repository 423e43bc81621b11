package dashboard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/dashkernel/pkg/backend"
	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/eventbus"
	"github.com/Mindburn-Labs/dashkernel/pkg/journal"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel"
	"github.com/Mindburn-Labs/dashkernel/pkg/observability"
	"github.com/Mindburn-Labs/dashkernel/pkg/querycache"
	"github.com/Mindburn-Labs/dashkernel/pkg/store"
)

// EngineConfig assembles an Engine.
type EngineConfig struct {
	Backend   backend.Backend
	Workspace string
	Features  []string

	Options        Options
	StrictReducers bool
	Logger         *slog.Logger
	Telemetry      *observability.Provider
	// Journal, when set, records every published event.
	Journal *journal.Journal
	// SchedulerOptions are appended after the options derived from the fields above.
	SchedulerOptions []kernel.Option
}

// Engine is a fully wired dashboard kernel.
type Engine struct {
	Context    *kernel.DashboardContext
	Registry   *kernel.Registry
	Store      *store.Store
	Bus        *eventbus.Bus
	Cache      *querycache.Cache
	Scheduler  *kernel.Scheduler
	Dispatcher *kernel.Dispatcher
	Journal    *journal.Journal

	detachJournal func()
}

// NewEngine builds the store, bus, cache, scheduler and dispatcher for one
// dashboard context.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("dashboard: engine needs a backend")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reg := kernel.NewRegistry()
	if err := Register(reg, cfg.Options); err != nil {
		return nil, err
	}
	st, err := store.New(Slices(),
		store.WithStrictReducers(cfg.StrictReducers),
		store.WithLogger(logger.With("component", "store")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New(eventbus.WithLogger(logger.With("component", "eventbus")))
	cacheOpts := []querycache.Option{querycache.WithLogger(logger.With("component", "querycache"))}
	schedOpts := []kernel.Option{kernel.WithLogger(logger.With("component", "scheduler"))}
	if cfg.Telemetry != nil {
		cacheOpts = append(cacheOpts, querycache.WithObserver(cfg.Telemetry))
		schedOpts = append(schedOpts, kernel.WithTelemetry(cfg.Telemetry))
	}
	schedOpts = append(schedOpts, cfg.SchedulerOptions...)

	dctx := kernel.NewDashboardContext(cfg.Backend, cfg.Workspace, cfg.Features...)
	cache := querycache.New(cacheOpts...)
	sched, err := kernel.NewScheduler(reg, dctx, st, bus, cache, schedOpts...)
	if err != nil {
		st.Close()
		return nil, err
	}

	e := &Engine{
		Context:    dctx,
		Registry:   reg,
		Store:      st,
		Bus:        bus,
		Cache:      cache,
		Scheduler:  sched,
		Dispatcher: kernel.NewDispatcher(sched),
		Journal:    cfg.Journal,
	}
	if e.Journal != nil {
		e.detachJournal = e.Journal.Attach(bus, nil)
	}
	return e, nil
}

// Dispatch submits cmd and returns its correlation id.
func (e *Engine) Dispatch(ctx context.Context, cmd contracts.Command) string {
	return e.Dispatcher.Dispatch(ctx, cmd)
}

// DispatchAndWait submits cmd and waits for its terminal event.
func (e *Engine) DispatchAndWait(ctx context.Context, cmd contracts.Command) (contracts.Event, error) {
	return e.Dispatcher.DispatchAndWait(ctx, cmd)
}

// State returns the current store snapshot.
func (e *Engine) State() *store.State { return e.Store.GetState() }

// Close stops every lane, cancels and waits for running query executions,
// then stops the store.
func (e *Engine) Close() {
	e.Scheduler.Close()
	if e.detachJournal != nil {
		e.detachJournal()
	}
	e.Cache.Close()
	e.Store.Close()
}
