// Package circuit stops calling a failing dependency for a cool-down period.
package circuit

import (
	"context"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/bardlex/gompcore/pkg/errors"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes when the breaker trips and recovers.
type Config struct {
	// Name identifies the guarded dependency in errors.
	Name string
	// MaxFailures within ResetTimeout opens the breaker.
	MaxFailures int
	// SuccessRequired consecutive half-open successes close it again.
	SuccessRequired int
	// Timeout is how long the breaker stays open before probing.
	Timeout      time.Duration
	ResetTimeout time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker guards calls to one dependency. It is safe for concurrent use.
type Breaker struct {
	cfg *Config
	now func() time.Time

	mu            deadlock.Mutex
	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	b.lastResetTime = b.now()
	return b
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult is Execute for functions that produce a value. A caller
// cancellation does not count as a dependency failure.
func ExecuteWithResult[T any](ctx context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if state, ok := b.allow(); !ok {
		return zero, errors.New(errors.ErrorTypeInternal, "circuit_breaker", "circuit open").
			WithContext("breaker", b.cfg.Name).
			WithContext("state", state.String())
	}

	res, err := fn()
	if err != nil && ctx.Err() != nil {
		return res, err
	}
	b.record(err)
	return res, err
}

func (b *Breaker) allow() (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		if now.Sub(b.lastResetTime) > b.cfg.ResetTimeout {
			b.failures = 0
			b.lastResetTime = now
		}
		return b.state, true
	case StateOpen:
		if now.Sub(b.lastFailTime) > b.cfg.Timeout {
			b.state = StateHalfOpen
			b.successes = 0
			return b.state, true
		}
		return b.state, false
	default:
		return b.state, true
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailTime = b.now()
		if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
			b.state = StateOpen
			b.successes = 0
		}
		return
	}

	b.successes++
	if b.state == StateHalfOpen && b.successes >= b.cfg.SuccessRequired {
		b.state = StateClosed
		b.failures = 0
		b.successes = 0
		b.lastResetTime = b.now()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot of a Breaker.
type Stats struct {
	Name         string
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:         b.cfg.Name,
		State:        b.state,
		Failures:     b.failures,
		Successes:    b.successes,
		LastFailTime: b.lastFailTime,
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.lastResetTime = b.now()
}
