package errors

import (
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a breaker refuses calls.
var ErrCircuitOpen = New(ErrCodeCircuitOpen, "content tracker circuit breaker is open", nil)

// State is a breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	// StateHalfOpen admits one probe call after the reset timeout.
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreaker stops calling a tree's tracker after maxFailures
// consecutive retryable failures, and lets a single probe through once
// resetTimeout has passed since the last one.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu       sync.Mutex
	failures int
	openedAt time.Time // zero while closed
	probing  bool
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithMaxFailures sets how many consecutive failures open the breaker.
func WithMaxFailures(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.maxFailures = n
		}
	}
}

// WithResetTimeout sets how long an open breaker waits before probing.
func WithResetTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if d > 0 {
			cb.resetTimeout = d
		}
	}
}

func withClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker creates a closed breaker. It opens after 5 failures and
// probes after 30s unless opts say otherwise.
func NewCircuitBreaker(name string, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{name: name, maxFailures: 5, resetTimeout: 30 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the key the breaker was created for.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the breaker position.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state()
}

func (cb *CircuitBreaker) state() State {
	switch {
	case cb.openedAt.IsZero():
		return StateClosed
	case cb.now().Sub(cb.openedAt) > cb.resetTimeout:
		return StateHalfOpen
	}
	return StateOpen
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// RecordSuccess closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures, cb.openedAt, cb.probing = 0, time.Time{}, false
}

// RecordFailure counts a failure. Reaching the limit, or failing a probe,
// (re)opens the breaker from now.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.probing = false
	if cb.failures >= cb.maxFailures {
		cb.openedAt = cb.now()
	}
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if !cb.probing {
			cb.probing = true
			return true
		}
	}
	return false
}

// Execute runs fn unless the breaker is open, in which case it returns
// ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := CircuitExecute(cb, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// CircuitExecute runs fn through cb and returns its result. Only retryable
// errors count against the breaker; a missing path or an untracked file
// says nothing about tracker health.
func CircuitExecute[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if !cb.admit() {
		return zero, ErrCircuitOpen
	}
	result, err := fn()
	if IsRetryable(err) {
		cb.RecordFailure()
		return zero, err
	}
	cb.RecordSuccess()
	return result, err
}

// BreakerSet holds one breaker per key, created on first use.
type BreakerSet struct {
	opts []CircuitBreakerOption

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates a set whose breakers share opts.
func NewBreakerSet(opts ...CircuitBreakerOption) *BreakerSet {
	return &BreakerSet{opts: opts, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for key.
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	cb := NewCircuitBreaker(key, s.opts...)
	s.breakers[key] = cb
	return cb
}

// States snapshots every breaker's position by key.
func (s *BreakerSet) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.breakers))
	for k, cb := range s.breakers {
		out[k] = cb.State()
	}
	return out
}
