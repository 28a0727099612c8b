// Package circuitbreaker stops calling an LLM upstream that keeps failing.
//
// A closed breaker counts consecutive failures. Reaching FailureThreshold
// opens it, and every call is rejected until OpenTimeout has passed. It then
// turns half-open and admits up to HalfOpenRequests calls. SuccessThreshold
// successes close it again, while any failure reopens it.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	// HalfOpenRequests caps the calls in flight while half-open. Default 1.
	HalfOpenRequests uint32
	// FailureWindow forgets closed-state failures older than the window.
	// Zero keeps counting until a success.
	FailureWindow time.Duration
	// OpenTimeout is how long the breaker rejects calls once open. Default 60s.
	OpenTimeout      time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	// IsSuccessful classifies the result of fn. Nil treats only a nil error as
	// success. Callers use it so caller-side mistakes do not trip the breaker.
	IsSuccessful  func(err error) bool
	OnStateChange func(name string, from, to State)
	Logger        *zap.Logger
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	State               State
	ConsecutiveFailures uint32
	Rejected            uint64
}

type CircuitBreaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu    sync.Mutex
	state State
	// epoch changes on every transition; results from an older epoch are dropped.
	epoch       uint64
	failures    uint32
	successes   uint32
	admitted    uint32 // half-open calls in flight
	windowStart time.Time
	openedAt    time.Time
	rejected    uint64
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.IsSuccessful == nil {
		cfg.IsSuccessful = func(err error) bool { return err == nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	cb := &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
	cb.windowStart = cb.now()
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the breaker rejects the call. A panic in fn counts
// as a failure and is re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	epoch, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.report(epoch, false)
			panic(r)
		}
	}()

	err = fn()
	cb.report(epoch, cb.cfg.IsSuccessful(err))
	return err
}

// ExecuteWithResult runs fn through cb and returns its value.
func ExecuteWithResult[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.now())

	switch cb.state {
	case StateOpen:
		cb.rejected++
		return cb.epoch, ErrCircuitOpen
	case StateHalfOpen:
		if cb.admitted >= cb.cfg.HalfOpenRequests {
			cb.rejected++
			return cb.epoch, ErrTooManyRequests
		}
		cb.admitted++
	}
	return cb.epoch, nil
}

func (cb *CircuitBreaker) report(epoch uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.advance(now)
	if epoch != cb.epoch {
		return
	}

	switch cb.state {
	case StateClosed:
		if success {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		cb.admitted--
		if !success {
			cb.transition(StateOpen, now)
			return
		}
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
	}
}

// advance applies the transitions that depend only on the clock.
func (cb *CircuitBreaker) advance(now time.Time) {
	switch cb.state {
	case StateClosed:
		if cb.cfg.FailureWindow > 0 && now.Sub(cb.windowStart) >= cb.cfg.FailureWindow {
			cb.failures = 0
			cb.windowStart = now
		}
	case StateOpen:
		if now.Sub(cb.openedAt) >= cb.cfg.OpenTimeout {
			cb.transition(StateHalfOpen, now)
		}
	}
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	failures := cb.failures

	cb.state = to
	cb.epoch++
	cb.failures, cb.successes, cb.admitted = 0, 0, 0
	cb.windowStart = now
	if to == StateOpen {
		cb.openedAt = now
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
	cb.cfg.Logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Uint32("failures", failures),
	)
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.now())
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.now())
	return Stats{State: cb.state, ConsecutiveFailures: cb.failures, Rejected: cb.rejected}
}
