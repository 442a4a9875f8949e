// Package breaker guards a flaky external dependency with a three-state
// circuit: CLOSED passes calls through, OPEN fails fast without touching the
// dependency, HALF_OPEN admits a single trial call to probe recovery.
package breaker

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/killfeedproject/killfeed/internal/common/killfeederrors"
)

// State is the breaker's position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Options configure one breaker instance.
type Options struct {
	// Service names the dependency the breaker guards
	Service string
	// Consecutive failures in CLOSED that open the circuit
	FailureThreshold int
	// How long OPEN rejects calls before admitting a trial
	Cooldown time.Duration
	// OnStateChange, if set, observes every transition. It runs with the
	// breaker lock held and must not call back into the breaker.
	OnStateChange func(service string, from, to State)
}

// Breaker is one circuit per external service, shared across all callers of
// that service. Safe for concurrent use.
type Breaker struct {
	opts  Options
	clock clock.PassiveClock

	mu            sync.Mutex
	state         State
	failures      int
	nextAttempt   time.Time
	trialInFlight bool
}

// New builds a breaker in the CLOSED state. A nil clk means the wall clock.
func New(opts Options, clk clock.PassiveClock) *Breaker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 1
	}
	return &Breaker{opts: opts, clock: clk, state: Closed}
}

// Allow reports whether a call may proceed now. In OPEN before the cooldown
// elapses it returns an ErrCircuitOpen without consulting the dependency; at
// or after the cooldown it moves to HALF_OPEN and admits exactly one trial.
// A caller that gets nil must report the outcome via RecordSuccess or
// RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.clock.Now().Before(b.nextAttempt) {
			return &killfeederrors.ErrCircuitOpen{Service: b.opts.Service, Until: b.nextAttempt}
		}
		b.transitionLocked(HalfOpen)
		b.trialInFlight = true
		return nil
	default: // HalfOpen
		if b.trialInFlight {
			return &killfeederrors.ErrCircuitOpen{Service: b.opts.Service, Until: b.nextAttempt}
		}
		b.trialInFlight = true
		return nil
	}
}

// RecordSuccess closes the circuit after a successful trial and clears the
// consecutive-failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.failures = 0
		b.trialInFlight = false
		b.transitionLocked(Closed)
	case Closed:
		b.failures = 0
	}
}

// RecordFailure counts a failure. Reaching the threshold in CLOSED, or any
// failure of a HALF_OPEN trial, opens the circuit and renews the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.opts.FailureThreshold {
			b.nextAttempt = b.clock.Now().Add(b.opts.Cooldown)
			b.transitionLocked(Open)
		}
	case HalfOpen:
		b.trialInFlight = false
		b.nextAttempt = b.clock.Now().Add(b.opts.Cooldown)
		b.transitionLocked(Open)
	}
}

// Reset forces CLOSED with zero failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trialInFlight = false
	if b.state != Closed {
		b.transitionLocked(Closed)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(b.opts.Service, from, to)
	}
}

// Do runs op under the breaker. Rejected calls return ErrCircuitOpen without
// invoking op; otherwise op's outcome is recorded and returned. The breaker
// composes outside any retry wrapper, so one exhausted retry sequence counts
// as a single failure.
func Do[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}
	result, err := op(ctx)
	if err != nil {
		b.RecordFailure()
		return zero, err
	}
	b.RecordSuccess()
	return result, nil
}
