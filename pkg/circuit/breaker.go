// Package circuit provides a small circuit breaker used around the
// optional backends (redis idempotency cache, influx metrics) so an
// outage there degrades the feature instead of the request path.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker open")

// Breaker trips open after MaxFailures consecutive failures and lets a
// probe call through once Cooldown has elapsed.
type Breaker struct {
	maxFailures int
	cooldown    time.Duration

	mu          sync.Mutex
	failures    int
	openedAt    time.Time
	open        bool
}

// New returns a closed breaker.
func New(maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{maxFailures: maxFailures, cooldown: cooldown}
}

// Do runs fn unless the breaker is open. The error from fn is passed
// through; ErrOpen means fn never ran.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.open {
		if time.Since(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		// Cooldown elapsed; let this call probe the backend.
		b.open = false
		b.failures = b.maxFailures - 1
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		if b.failures >= b.maxFailures {
			b.open = true
			b.openedAt = time.Now()
		}
		return err
	}
	b.failures = 0
	return nil
}

// Open reports whether the breaker is currently rejecting calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && time.Since(b.openedAt) < b.cooldown
}
