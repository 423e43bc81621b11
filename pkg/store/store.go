package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Mindburn-Labs/dashkernel/pkg/kernel/errorir"
)

// ErrClosed is returned by Apply after Close.
var ErrClosed = errors.New("store closed")

// Reader is the read-only view handed to renderers and selectors.
type Reader interface {
	GetState() *State
}

// Option configures a Store.
type Option func(*Store)

// ReducerPanic is the value Apply panics with in strict mode. It carries the
// action and the original panic value so callers up the stack can tell a
// reducer defect from any other panic.
type ReducerPanic struct {
	Action string
	Value  any
}

func (p ReducerPanic) Error() string {
	return fmt.Sprintf("reducer panic on %s: %v", p.Action, p.Value)
}

// WithStrictReducers re-panics reducer panics in the writer's goroutine as a
// ReducerPanic instead of converting them to Internal errors. Use in
// development builds.
func WithStrictReducers(strict bool) Option {
	return func(s *Store) { s.strict = strict }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

type writeRequest struct {
	action Action
	reply  chan writeResult
}

type writeResult struct {
	state *State
	err   error
	panic any
}

// Store owns the state tree. One goroutine applies every write, so no two
// writes run concurrently and each completes once started.
type Store struct {
	defs    []SliceDef
	current atomic.Pointer[State]
	writes  chan writeRequest
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
	strict  bool
	logger  *slog.Logger
}

// New creates a store from slice definitions and starts its owner goroutine.
func New(defs []SliceDef, opts ...Option) (*Store, error) {
	initial := &State{slices: make(map[string]any, len(defs))}
	for _, d := range defs {
		if d.Name == "" || d.Reduce == nil {
			return nil, fmt.Errorf("store: slice definition needs a name and a reducer")
		}
		if _, dup := initial.slices[d.Name]; dup {
			return nil, fmt.Errorf("store: duplicate slice %q", d.Name)
		}
		initial.slices[d.Name] = d.Initial
	}

	s := &Store{
		defs:    defs,
		writes:  make(chan writeRequest),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  slog.Default().With("component", "store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(initial)
	go s.run()
	return s, nil
}

// GetState returns the current snapshot.
func (s *Store) GetState() *State {
	return s.current.Load()
}

// Apply submits an action to the owner goroutine and waits for the commit.
// If ctx is done before the write is accepted nothing is applied; once
// accepted the write always completes.
func (s *Store) Apply(ctx context.Context, action Action) (*State, error) {
	if ctx.Err() != nil {
		return nil, errorir.Cancelled(action.Type, "write not started")
	}
	req := writeRequest{action: action, reply: make(chan writeResult, 1)}
	select {
	case <-ctx.Done():
		return nil, errorir.Cancelled(action.Type, "write not started")
	case <-s.quit:
		return nil, ErrClosed
	case s.writes <- req:
	}

	res := <-req.reply
	if res.panic != nil {
		panic(res.panic)
	}
	return res.state, res.err
}

// Close stops the owner goroutine. Pending Apply calls that were not accepted
// fail with ErrClosed.
func (s *Store) Close() {
	s.once.Do(func() { close(s.quit) })
	<-s.stopped
}

func (s *Store) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.quit:
			return
		case req := <-s.writes:
			req.reply <- s.commit(req.action)
		}
	}
}

func (s *Store) commit(action Action) (res writeResult) {
	prev := s.current.Load()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reducer panicked", "action", action.Type, "panic", r)
			if s.strict {
				res = writeResult{panic: ReducerPanic{Action: action.Type, Value: r}}
				return
			}
			res = writeResult{state: prev, err: errorir.Internal(action.Type, fmt.Errorf("reducer panic: %v", r))}
		}
	}()

	for _, d := range s.defs {
		if d.Guard == nil {
			continue
		}
		if err := d.Guard(prev.slices[d.Name], action); err != nil {
			return writeResult{state: prev, err: err}
		}
	}

	var next map[string]any
	for _, d := range s.defs {
		before := prev.slices[d.Name]
		after := d.Reduce(before, action)
		if sameValue(before, after) {
			continue
		}
		if next == nil {
			next = make(map[string]any, len(prev.slices))
			for k, v := range prev.slices {
				next[k] = v
			}
		}
		next[d.Name] = after
	}
	if next == nil {
		return writeResult{state: prev}
	}

	st := &State{slices: next, version: prev.version + 1}
	s.current.Store(st)
	return writeResult{state: st}
}
