// Package ratelimit paces calls to upstreams with usage policies. The
// geocoding service allows one request per second, so its calls go through a
// single-flight gate that enforces a minimum interval between network hits.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Pacer serializes calls and spaces them at least MinInterval apart. It is a
// process-wide singleton: the mutex guarantees one outstanding call at a time,
// and the remembered last-call timestamp enforces the spacing.
type Pacer struct {
	minInterval time.Duration
	clock       clockwork.Clock

	mu       sync.Mutex
	lastCall time.Time
}

// NewPacer creates a pacer enforcing the given minimum interval
func NewPacer(minInterval time.Duration) *Pacer {
	return NewPacerWithClock(minInterval, clockwork.NewRealClock())
}

// NewPacerWithClock creates a pacer with an injected clock
func NewPacerWithClock(minInterval time.Duration, clock clockwork.Clock) *Pacer {
	return &Pacer{
		minInterval: minInterval,
		clock:       clock,
	}
}

// Do runs fn while holding the gate. It waits out the remainder of the
// interval since the previous call, runs fn, then records the new last-call
// time before releasing. The wait aborts if ctx is cancelled; fn's own error
// passes through untouched.
func (p *Pacer) Do(ctx context.Context, fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastCall.IsZero() {
		wait := p.minInterval - p.clock.Since(p.lastCall)
		if wait > 0 {
			select {
			case <-p.clock.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	err := fn()
	p.lastCall = p.clock.Now()
	return err
}
