// Package circuitbreaker guards each enrichment upstream with a
// consecutive-failure threshold and cooldown window.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config holds the configuration for a circuit breaker
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold int
	// Cooldown is how long the breaker stays open before calls are allowed again
	Cooldown time.Duration
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker tracks consecutive failures for one upstream. Once the threshold is
// reached it opens for the cooldown window; when the window elapses it reopens
// fully — the failure counter resets and any number of concurrent callers may
// proceed immediately. There is no single-probe half-open state.
type Breaker struct {
	name   string
	config Config
	clock  clockwork.Clock

	mu        sync.Mutex
	failures  int
	openUntil time.Time

	// Hook for monitoring and logging
	onOpen func(name string, cooldown time.Duration)
}

// New creates a new circuit breaker with the given name and configuration
func New(name string, config Config) *Breaker {
	return NewWithClock(name, config, clockwork.NewRealClock())
}

// NewWithClock creates a breaker with an injected clock for deterministic tests
func NewWithClock(name string, config Config, clock clockwork.Clock) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{
		name:   name,
		config: config,
		clock:  clock,
	}
}

// OnOpen sets a callback invoked whenever the breaker trips open
func (b *Breaker) OnOpen(fn func(name string, cooldown time.Duration)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onOpen = fn
}

// Name returns the upstream this breaker guards
func (b *Breaker) Name() string {
	return b.name
}

// IsOpen reports whether calls should be short-circuited. The first check at
// or past the cooldown deadline clears the breaker state and lets calls
// through again.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openUntil.IsZero() {
		return false
	}
	if b.clock.Now().Before(b.openUntil) {
		return true
	}

	// Cooldown elapsed: full reopen, counter back to zero.
	b.openUntil = time.Time{}
	b.failures = 0
	return false
}

// RecordSuccess resets the failure counter and closes the breaker
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.openUntil = time.Time{}
}

// RecordFailure increments the failure counter and opens the breaker once the
// threshold is crossed. A failure while already open re-arms the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.config.FailureThreshold {
		b.openUntil = b.clock.Now().Add(b.config.Cooldown)
		if b.onOpen != nil {
			b.onOpen(b.name, b.config.Cooldown)
		}
	}
}

// Stats is a point-in-time snapshot of breaker state
type Stats struct {
	Name                string     `json:"name"`
	Open                bool       `json:"open"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenUntil           *time.Time `json:"open_until,omitempty"`
}

// Stats returns the current statistics
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		Name:                b.name,
		ConsecutiveFailures: b.failures,
	}
	if !b.openUntil.IsZero() && b.clock.Now().Before(b.openUntil) {
		stats.Open = true
		until := b.openUntil
		stats.OpenUntil = &until
	}
	return stats
}
