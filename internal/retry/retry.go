// Package retry drives bounded, exponentially backed-off retries as an
// explicit state machine: Attempting(n) -> Succeeded, or
// Attempting(n) -> Backoff(n) -> Attempting(n+1), ending in Failed once the
// attempt budget is spent, the error is permanent, or the context ends.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is a retry machine state.
type State int

const (
	StateIdle State = iota
	StateAttempting
	StateBackoff
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateBackoff:
		return "backoff"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Policy bounds a retry sequence.
type Policy struct {
	MaxAttempts     int           // total attempts, including the first
	InitialInterval time.Duration // delay after the first failure
	MaxInterval     time.Duration // cap on any single delay
	Multiplier      float64       // growth factor between delays
}

// DefaultPolicy returns the policy used by network sinks.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialInterval <= 0 {
		return fmt.Errorf("initial interval must be positive, got %s", p.InitialInterval)
	}
	if p.MaxInterval < p.InitialInterval {
		return fmt.Errorf("max interval %s is below initial interval %s", p.MaxInterval, p.InitialInterval)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %v", p.Multiplier)
	}
	return nil
}

// Clock abstracts time so backoff timing can be driven by tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Transition is reported every time the machine changes state.
type Transition struct {
	State   State
	Attempt int
	Delay   time.Duration // set for StateBackoff
	Err     error
}

// ExhaustedError is returned when no attempt succeeded.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock injects the clock used for backoff waits.
func WithClock(clock Clock) Option {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithTransitionHook observes every state change.
func WithTransitionHook(hook func(Transition)) Option {
	return func(m *Machine) {
		m.onTransition = hook
	}
}

// Machine runs one retry sequence. It is not safe for concurrent use;
// create one per operation.
type Machine struct {
	policy       Policy
	clock        Clock
	onTransition func(Transition)

	state   State
	attempt int
	delays  []time.Duration
}

// New creates a machine in StateIdle.
func New(policy Policy, opts ...Option) *Machine {
	m := &Machine{
		policy: policy,
		clock:  SystemClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.policy.MaxAttempts < 1 {
		m.policy.MaxAttempts = 1
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Attempts returns the number of attempts made so far.
func (m *Machine) Attempts() int { return m.attempt }

// Delays returns the backoff delays waited so far, in order.
func (m *Machine) Delays() []time.Duration {
	out := make([]time.Duration, len(m.delays))
	copy(out, m.delays)
	return out
}

func (m *Machine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.policy.InitialInterval
	b.MaxInterval = m.policy.MaxInterval
	b.Multiplier = m.policy.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (m *Machine) transition(state State, delay time.Duration, err error) {
	m.state = state
	if m.onTransition != nil {
		m.onTransition(Transition{State: state, Attempt: m.attempt, Delay: delay, Err: err})
	}
}

// Run calls op until it succeeds or the sequence ends. op receives the
// 1-based attempt number.
func (m *Machine) Run(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	b := m.newBackOff()
	m.attempt = 0
	m.delays = m.delays[:0]

	for {
		if err := ctx.Err(); err != nil {
			m.transition(StateFailed, 0, err)
			return &ExhaustedError{Attempts: m.attempt, Err: err}
		}

		m.attempt++
		m.transition(StateAttempting, 0, nil)

		err := op(ctx, m.attempt)
		if err == nil {
			m.transition(StateSucceeded, 0, nil)
			return nil
		}

		if IsPermanent(err) || m.attempt >= m.policy.MaxAttempts {
			m.transition(StateFailed, 0, err)
			return &ExhaustedError{Attempts: m.attempt, Err: err}
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			m.transition(StateFailed, 0, err)
			return &ExhaustedError{Attempts: m.attempt, Err: err}
		}
		m.delays = append(m.delays, delay)
		m.transition(StateBackoff, delay, err)

		select {
		case <-ctx.Done():
			m.transition(StateFailed, 0, ctx.Err())
			return &ExhaustedError{Attempts: m.attempt, Err: fmt.Errorf("%v: %w", err, ctx.Err())}
		case <-m.clock.After(delay):
		}
	}
}
