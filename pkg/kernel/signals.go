package kernel

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
)

// signalHub delivers accepted commands and published events to routines
// suspended in waitFor. Signals are edge-triggered: a waiter only sees
// signals observed after it registered.
type signalHub struct {
	mu      sync.Mutex
	next    uint64
	waiters map[uint64]*waiter
}

type waiter struct {
	pattern contracts.SignalPattern
	ch      chan contracts.Signal
}

func newSignalHub() *signalHub {
	return &signalHub{waiters: make(map[uint64]*waiter)}
}

func (h *signalHub) notify(sig contracts.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, w := range h.waiters {
		if matches(w.pattern, sig) {
			w.ch <- sig
			delete(h.waiters, id)
		}
	}
}

func (h *signalHub) wait(ctx context.Context, pattern contracts.SignalPattern) (contracts.Signal, error) {
	w := &waiter{pattern: pattern, ch: make(chan contracts.Signal, 1)}
	h.mu.Lock()
	h.next++
	id := h.next
	h.waiters[id] = w
	h.mu.Unlock()

	select {
	case sig := <-w.ch:
		return sig, nil
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.waiters, id)
		h.mu.Unlock()
		select {
		case sig := <-w.ch:
			return sig, nil
		default:
			return nil, cancelledBy(ctx, "waitFor")
		}
	}
}

func (h *signalHub) pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters)
}

// matches evaluates a pattern, treating a panicking pattern as no match.
func matches(p contracts.SignalPattern, sig contracts.Signal) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return p(sig)
}
