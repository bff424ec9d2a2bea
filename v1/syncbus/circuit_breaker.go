package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("redqueue: bus circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerBus decorates a Bus with circuit breaker logic. After
// threshold consecutive failures of Publish or Subscribe it rejects calls
// with ErrCircuitOpen for timeout, so callers fall back to polling without
// hitting an unreachable backend on every wait.
type CircuitBreakerBus struct {
	bus       Bus
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreakerBus.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or its cooldown elapsed.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow reports whether a call may reach the wrapped bus. Once the cooldown
// has passed a single trial call is let through.
func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return false
}

func (cb *CircuitBreakerBus) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreakerBus) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

func (cb *CircuitBreakerBus) record(err error) {
	// a cancelled caller says nothing about the backend
	if err == nil || errors.Is(err, context.Canceled) {
		cb.onSuccess()
		return
	}
	cb.onFailure()
}

// Publish implements Bus.Publish with circuit breaker logic.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, topic string) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, topic)
	cb.record(err)
	return err
}

// Subscribe implements Bus.Subscribe with circuit breaker logic.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	if !cb.allow() {
		return nil, ErrCircuitOpen
	}
	ch, err := cb.bus.Subscribe(ctx, topic)
	cb.record(err)
	return ch, err
}

// Unsubscribe implements Bus.Unsubscribe. It is always forwarded so local
// channels get closed.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, topic, ch)
}
