// Package provider maps platform names to the command bundles that
// integrate each platform.
package provider

import (
	"fmt"
	"jobflow/internal/apperrors"
	"jobflow/internal/job"
	"sort"
	"strings"
	"sync"
)

// Provider is the bundle of commands for one platform.
// Prepare and Callback are optional; Register fills in the defaults.
type Provider struct {
	Prepare  job.PrepareCommand
	Submit   job.SubmitCommand
	Status   job.StatusCommand
	Callback job.CallbackCommand
}

// Registry is a case-insensitive lookup from platform name to Provider.
// It is populated once during startup and read by every run afterwards.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register inserts or replaces the provider for name.
func (r *Registry) Register(name string, p Provider) error {
	key := normalize(name)
	if key == "" {
		return fmt.Errorf("provider name is required")
	}
	if p.Submit == nil || p.Status == nil {
		return fmt.Errorf("provider %q must implement submit and status", name)
	}
	if p.Prepare == nil {
		p.Prepare = job.Passthrough
	}
	if p.Callback == nil {
		p.Callback = job.EchoCallback
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[key] = p
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(name string, p Provider) {
	if err := r.Register(name, p); err != nil {
		panic(err)
	}
}

// Resolve returns the provider registered under name, ignoring case.
func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[normalize(name)]
	r.mu.RUnlock()

	if !ok {
		return Provider{}, apperrors.UnsupportedPlatform(name)
	}
	return p, nil
}

// Names returns the registered platform names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
