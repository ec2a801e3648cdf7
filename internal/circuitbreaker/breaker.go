// Package circuitbreaker stops outbound calls to an endpoint that keeps
// failing. Each key moves closed → open → half-open → closed.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the circuit for a key is not accepting calls.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fundroom",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key and target state.",
}, []string{"key", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type entry struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive failures per key. After threshold failures the
// key opens for cooldown, then admits a single probe whose outcome decides
// whether it closes again.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// a 30s cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call to key may proceed. An open key whose
// cooldown has elapsed becomes half-open and admits the caller as the probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.openedAt) < b.cooldown {
			return false
		}
		b.transition(e, key, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open key.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	e.failures = 0
	b.transition(e, key, StateClosed)
}

// RecordFailure counts a failure. A failed probe reopens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{}
		b.entries[key] = e
	}
	e.failures++

	if e.state == StateHalfOpen || (e.state == StateClosed && e.failures >= b.threshold) {
		e.openedAt = b.now()
		b.transition(e, key, StateOpen)
	}
}

// Do runs fn if key is admitted and records its outcome.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// State returns the state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// caller holds b.mu
func (b *Breaker) transition(e *entry, key string, to State) {
	if e.state == to {
		return
	}
	e.state = to
	stateTransitions.WithLabelValues(key, to.String()).Inc()
}
