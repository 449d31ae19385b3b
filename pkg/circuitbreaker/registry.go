package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// Registry keeps one breaker per key (usually a destination host), created
// lazily on first access. With an idle TTL, closed breakers that have not
// been used for that long are evicted when new keys arrive, so a registry
// keyed by caller-supplied hosts stays bounded.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	config    Config
	idleTTL   time.Duration
	lastSweep time.Time
}

type entry struct {
	breaker  *Breaker
	lastUsed atomic.Int64 // unix nanos
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIdleTTL evicts closed breakers unused for d. Zero keeps them forever.
func WithIdleTTL(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.idleTTL = d
	}
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		config:  cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lastSweep = r.config.Now()
	return r
}

// Get returns the circuit breaker for a key, creating one if needed.
func (r *Registry) Get(key string) *Breaker {
	now := r.config.Now()

	r.mu.RLock()
	e, exists := r.entries[key]
	r.mu.RUnlock()

	if exists {
		e.lastUsed.Store(now.UnixNano())
		return e.breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists = r.entries[key]; exists {
		e.lastUsed.Store(now.UnixNano())
		return e.breaker
	}

	if r.idleTTL > 0 && now.Sub(r.lastSweep) >= r.idleTTL {
		r.evictLocked(now, r.idleTTL)
		r.lastSweep = now
	}

	e = &entry{breaker: New(r.config)}
	e.lastUsed.Store(now.UnixNano())
	r.entries[key] = e
	return e.breaker
}

// Prune evicts closed breakers unused for longer than idle and returns how
// many were removed.
func (r *Registry) Prune(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.evictLocked(r.config.Now(), idle)
}

func (r *Registry) evictLocked(now time.Time, idle time.Duration) int {
	var removed int
	for key, e := range r.entries {
		if e.breaker.State() != Closed {
			continue
		}
		if now.Sub(time.Unix(0, e.lastUsed.Load())) > idle {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Stats holds registry statistics.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats returns statistics about the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.entries)}
	for _, e := range r.entries {
		switch e.breaker.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	return stats
}
