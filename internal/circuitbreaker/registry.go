package circuitbreaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"tile-describer/internal/common/logging"
)

// Registry owns one breaker per upstream name. It is process-wide state,
// created by the app wiring and handed to the composer — never persisted.
type Registry struct {
	config Config
	clock  clockwork.Clock
	logger logging.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers all share one configuration
func NewRegistry(config Config, logger logging.Logger) *Registry {
	return NewRegistryWithClock(config, logger, clockwork.NewRealClock())
}

// NewRegistryWithClock creates a registry with an injected clock
func NewRegistryWithClock(config Config, logger logging.Logger, clock clockwork.Clock) *Registry {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Registry{
		config:   config,
		clock:    clock,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	b := NewWithClock(name, r.config, r.clock)
	b.OnOpen(func(name string, cooldown time.Duration) {
		r.logger.Warn("circuit breaker opened",
			logging.Field{Key: "upstream", Value: name},
			logging.Field{Key: "cooldown", Value: cooldown.String()},
		)
	})
	r.breakers[name] = b
	return b
}

// AllStats returns a snapshot of every registered breaker
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}
