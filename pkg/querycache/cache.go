// Package querycache wraps query executions in shared handles keyed by a
// content fingerprint. At most one execution per fingerprint runs at a time;
// concurrent requesters join the pending handle.
package querycache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel/errorir"
)

// ErrClosed is the cancellation cause of executions still running at Close.
var ErrClosed = errors.New("query cache closed")

// ExecFunc performs one execution of a query. The context is detached from the
// requester's cancellation so joiners are not failed by the first caller leaving.
type ExecFunc func(ctx context.Context) (any, error)

// Policy controls what survives a successful execution.
type Policy struct {
	// KeepWarm keeps the resolved value after the execution settles.
	KeepWarm bool
	// TTL bounds how long a warm value is served. Zero means until refreshed or reset.
	TTL time.Duration
}

// RunOptions are per-request options.
type RunOptions struct {
	ForceRefresh bool
}

// Observer receives cache activity, e.g. for metrics.
type Observer interface {
	QueryExecuted(ctx context.Context, qt contracts.QueryType)
	QueryJoined(ctx context.Context, qt contracts.QueryType)
}

type entry struct {
	fingerprint string
	queryType   contracts.QueryType
	policy      Policy
	done        chan struct{}

	// guarded by Cache.mu
	subscribers int
	value       any
	err         error
	resolvedAt  time.Time
	settled     bool
}

// Entry is a read-only view of a cache entry.
type Entry struct {
	Fingerprint string
	QueryType   contracts.QueryType
	Pending     bool
	Value       any
	Subscribers int
	ResolvedAt  time.Time
}

// Cache owns the fingerprint table and every execution it starts.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	closed   bool
	now      func() time.Time
	observer Observer
	logger   *slog.Logger

	// Executions are detached from requesters but end with root.
	root context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithObserver sets the activity observer.
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// WithClock overrides the clock used for TTLs.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	root, stop := context.WithCancelCause(context.Background())
	c := &Cache{
		root:    root,
		stop:    stop,
		entries: make(map[string]*entry),
		now:     time.Now,
		logger:  slog.Default().With("component", "querycache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run returns the value of q. A live entry is joined (pending) or served
// (warm) without executing again unless ForceRefresh is set. Otherwise a new
// execution starts and its handle is published under the fingerprint before
// exec runs, so concurrent callers join it. Failed executions are never cached.
func (c *Cache) Run(ctx context.Context, q contracts.Query, policy Policy, exec ExecFunc, opts RunOptions) (any, error) {
	fp, err := Fingerprint(q)
	if err != nil {
		return nil, errorir.InvalidArguments(string(q.Type), "%v", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errorir.Cancelled(string(q.Type), ErrClosed.Error())
	}
	if e, ok := c.entries[fp]; ok && !opts.ForceRefresh && c.liveLocked(e) {
		e.subscribers++
		c.mu.Unlock()
		if c.observer != nil {
			c.observer.QueryJoined(ctx, q.Type)
		}
		return c.wait(ctx, e)
	}
	e := &entry{
		fingerprint: fp,
		queryType:   q.Type,
		policy:      policy,
		done:        make(chan struct{}),
		subscribers: 1,
	}
	c.entries[fp] = e
	c.wg.Add(1)
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.QueryExecuted(ctx, q.Type)
	}
	execCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(c.root, func() { cancel(context.Cause(c.root)) })
	go func() {
		defer c.wg.Done()
		defer cancel(nil)
		defer stopAfter()
		c.execute(execCtx, e, exec)
	}()
	return c.wait(ctx, e)
}

// liveLocked reports whether e may serve requests. Callers hold c.mu.
func (c *Cache) liveLocked(e *entry) bool {
	if !e.settled {
		return true
	}
	if e.err != nil || !e.policy.KeepWarm {
		return false
	}
	return e.policy.TTL <= 0 || c.now().Sub(e.resolvedAt) < e.policy.TTL
}

func (c *Cache) execute(ctx context.Context, e *entry, exec ExecFunc) {
	value, err := c.safeExec(ctx, e, exec)

	c.mu.Lock()
	e.value, e.err = value, err
	e.resolvedAt = c.now()
	e.settled = true
	// Only the entry still published under the fingerprint may be removed; a
	// forced refresh or a reset may have replaced it meanwhile.
	if cur, ok := c.entries[e.fingerprint]; ok && cur == e && (err != nil || !e.policy.KeepWarm) {
		delete(c.entries, e.fingerprint)
	}
	c.mu.Unlock()
	close(e.done)

	if err != nil {
		c.logger.WarnContext(ctx, "query execution failed",
			"query_type", e.queryType, "fingerprint", e.fingerprint, "error", err)
	}
}

func (c *Cache) safeExec(ctx context.Context, e *entry, exec ExecFunc) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errorir.Internal(string(e.queryType), fmt.Errorf("query handler panic: %v", r))
		}
	}()
	return exec(ctx)
}

// wait blocks until e settles or ctx is done. Leaving early only affects this caller.
func (c *Cache) wait(ctx context.Context, e *entry) (any, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		select {
		case <-e.done:
		default:
			return nil, errorir.Cancelled(string(e.queryType), "stopped waiting for query")
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.value, e.err
}

// Invalidate drops the entry for q so the next request executes again.
// Requesters already joined keep waiting on the old handle.
func (c *Cache) Invalidate(q contracts.Query) error {
	fp, err := Fingerprint(q)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.entries, fp)
	c.mu.Unlock()
	return nil
}

// InvalidateType drops every entry of a query type.
func (c *Cache) InvalidateType(qt contracts.QueryType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for fp, e := range c.entries {
		if e.queryType == qt {
			delete(c.entries, fp)
			n++
		}
	}
	return n
}

// Reset drops all entries, e.g. when the owning workspace scope changes.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// Close drops all entries, cancels running executions and waits for them to
// return. Later requests fail with a Cancelled error.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	c.stop(ErrClosed)
	c.wg.Wait()
}

// Lookup returns the live entry for q, if any.
func (c *Cache) Lookup(q contracts.Query) (Entry, bool) {
	fp, err := Fingerprint(q)
	if err != nil {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fp]
	if !ok || !c.liveLocked(e) {
		return Entry{}, false
	}
	return Entry{
		Fingerprint: e.fingerprint,
		QueryType:   e.queryType,
		Pending:     !e.settled,
		Value:       e.value,
		Subscribers: e.subscribers,
		ResolvedAt:  e.resolvedAt,
	}, true
}

// Len returns the number of entries in the table.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
