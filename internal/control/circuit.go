package control

import (
	"maps"
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker counts poll failures per error class. Threshold failures of
// one class open it; after Cooldown a single probe is let through (half-open)
// and its outcome closes or re-opens the breaker. Safe for concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

// CircuitSnapshot is a point-in-time view for diagnostics.
type CircuitSnapshot struct {
	State       CircuitState   `json:"state"`
	OpenedClass string         `json:"opened_class,omitempty"`
	OpenedAt    *time.Time     `json:"opened_at,omitempty"`
	Failures    map[string]int `json:"failures,omitempty"`
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow reports whether a poll may run at now, moving an open breaker to
// half-open once its cooldown has passed.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state != CircuitOpen:
		return true
	case now.Sub(c.openedAt) < c.Cooldown:
		return false
	}
	c.state = CircuitHalfOpen
	return true
}

// RecordSuccess closes the breaker and forgets past failures.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CircuitClosed
	c.openedClass = ""
	clear(c.failures)
}

// RecordFailure counts a failure of errClass and reports whether it opened
// the breaker. A failed half-open probe re-opens immediately.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errClass == "" {
		errClass = "unknown"
	}
	switch c.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		c.trip(errClass, now)
		return true
	}
	c.failures[errClass]++
	if c.failures[errClass] < c.Threshold {
		return false
	}
	c.trip(errClass, now)
	return true
}

func (c *CircuitBreaker) trip(errClass string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.openedClass = errClass
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}

func (c *CircuitBreaker) Snapshot() CircuitSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CircuitSnapshot{State: c.state, OpenedClass: c.openedClass}
	if c.state != CircuitClosed {
		at := c.openedAt
		s.OpenedAt = &at
	}
	if len(c.failures) > 0 {
		s.Failures = maps.Clone(c.failures)
	}
	return s
}
