package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Breaker is a per-dependency circuit breaker.
//
// States:
// - closed: calls flow through; consecutive failures are counted.
// - open: calls fail fast with *OpenError until OpenTimeout elapses.
// - half_open: a bounded number of probe calls is admitted; enough
//   consecutive successes close the breaker, any failure reopens it.
//
// Invariants:
// - Only closed or half_open breakers dispatch calls.
// - State transitions are serialized by the breaker's mutex.
// - One breaker never observes another breaker's outcomes.

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is the sentinel wrapped by every *OpenError.
var ErrOpen = errors.New("breaker: open")

// OpenError is returned when a call is rejected without dispatching.
// Callers should try the next-preferred dependency, not retry this one.
type OpenError struct {
	Dependency string
	RetryAt    time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: %s open until %s", e.Dependency, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Config controls breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.SuccessThreshold <= 0 {
		out.SuccessThreshold = 2
	}
	if out.OpenTimeout <= 0 {
		out.OpenTimeout = 30 * time.Second
	}
	return out
}

type Breaker struct {
	dependency string
	cfg        Config

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openedAt     time.Time

	// probesInflight bounds half-open probe concurrency at SuccessThreshold.
	probesInflight int

	clock func() time.Time
}

func New(dependency string, cfg Config) *Breaker {
	return &Breaker{
		dependency: dependency,
		cfg:        cfg.withDefaults(),
		state:      StateClosed,
		clock:      time.Now,
	}
}

// Call dispatches fn through the breaker and records the outcome.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

// acquire decides whether a call may be dispatched right now.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	switch b.state {
	case StateOpen:
		retryAt := b.openedAt.Add(b.cfg.OpenTimeout)
		if now.Before(retryAt) {
			return &OpenError{Dependency: b.dependency, RetryAt: retryAt}
		}
		b.toHalfOpenLocked()
		b.probesInflight++
		return nil
	case StateHalfOpen:
		if b.probesInflight >= b.cfg.SuccessThreshold {
			return &OpenError{Dependency: b.dependency, RetryAt: b.openedAt.Add(b.cfg.OpenTimeout)}
		}
		b.probesInflight++
		return nil
	default:
		return nil
	}
}

// record applies a dispatch outcome to the state machine.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failureCount = 0
			return
		}
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.toOpenLocked()
		}
	case StateHalfOpen:
		if b.probesInflight > 0 {
			b.probesInflight--
		}
		if !success {
			b.toOpenLocked()
			return
		}
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.toClosedLocked()
		}
	case StateOpen:
		// Outcome of a call admitted before a ForceOpen; the breaker is
		// already open and counters were reset.
	}
}

// ForceOpen trips the breaker regardless of counters (operator override).
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toOpenLocked()
}

// Reset returns the breaker to closed with fresh counters (operator override).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosedLocked()
}

func (b *Breaker) toOpenLocked() {
	b.state = StateOpen
	b.openedAt = b.clock()
	b.failureCount = 0
	b.successCount = 0
	b.probesInflight = 0
}

func (b *Breaker) toHalfOpenLocked() {
	b.state = StateHalfOpen
	b.successCount = 0
	b.probesInflight = 0
}

func (b *Breaker) toClosedLocked() {
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.probesInflight = 0
}

// State returns the current state, promoting open to half_open if the
// cooldown has elapsed so observers never see a stale open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.clock().Before(b.openedAt.Add(b.cfg.OpenTimeout)) {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot is a point-in-time, read-only view for observability.
type Snapshot struct {
	Dependency   string    `json:"dependency"`
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`

	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Dependency:       b.dependency,
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		OpenedAt:         b.openedAt,
		FailureThreshold: b.cfg.FailureThreshold,
		SuccessThreshold: b.cfg.SuccessThreshold,
		OpenTimeout:      b.cfg.OpenTimeout,
	}
}
