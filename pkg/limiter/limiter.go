// Package limiter applies backpressure to outgoing backend operations.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a key has exhausted its budget.
var ErrRateLimited = errors.New("rate limit exceeded")

// Policy defines a token bucket: RPS tokens are refilled per second up to Burst.
type Policy struct {
	RPS   float64 `yaml:"rps" json:"rps"`
	Burst int     `yaml:"burst" json:"burst"`
}

// Enabled reports whether the policy limits anything.
func (p Policy) Enabled() bool { return p.RPS > 0 }

// Store abstracts the storage for rate limiting buckets.
type Store interface {
	// Allow reports whether key may spend cost tokens now.
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

// LocalStore keeps one in-process token bucket per key.
type LocalStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

// NewLocalStore creates an in-process store.
func NewLocalStore() *LocalStore {
	return &LocalStore{limiters: make(map[string]*rate.Limiter), now: time.Now}
}

// Allow implements Store.
func (s *LocalStore) Allow(_ context.Context, key string, policy Policy, cost int) (bool, error) {
	if !policy.Enabled() {
		return true, nil
	}
	s.mu.Lock()
	l, ok := s.limiters[key]
	if !ok {
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(policy.RPS), burst)
		s.limiters[key] = l
	}
	s.mu.Unlock()
	return l.AllowN(s.now(), cost), nil
}

// Evaluate checks whether key may proceed using store. A nil store allows everything.
func Evaluate(ctx context.Context, store Store, key string, policy Policy) error {
	if store == nil || !policy.Enabled() {
		return nil
	}
	allowed, err := store.Allow(ctx, key, policy, 1)
	if err != nil {
		return fmt.Errorf("backpressure check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w for %s", ErrRateLimited, key)
	}
	return nil
}
