// Package drivers holds the ordered driver registry and the built-in vendor drivers.
package drivers

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/openfroyo/netonboard/pkg/engine"
)

type entry struct {
	descriptor engine.Descriptor
	driver     engine.Driver
}

// Registry maps platform identifiers to drivers, remembering registration order.
// Registration order is the detection tie-break: the first registered match wins.
// After Seal the registry is read-only and lookups take no lock.
type Registry struct {
	mu      sync.Mutex
	sealed  atomic.Bool
	entries []entry
	index   map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		index: make(map[string]int),
	}
}

// Register adds a driver. Platforms must be unique and the registry unsealed.
func (r *Registry) Register(desc engine.Descriptor, driver engine.Driver) error {
	if desc.Platform == "" {
		return fmt.Errorf("descriptor has no platform")
	}
	if driver == nil {
		return fmt.Errorf("platform %s: driver is nil", desc.Platform)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return fmt.Errorf("platform %s: registry is sealed", desc.Platform)
	}
	if _, exists := r.index[desc.Platform]; exists {
		return fmt.Errorf("platform %s already registered", desc.Platform)
	}

	if len(desc.Capabilities) == 0 {
		desc.Capabilities = []engine.Capability{engine.CapabilityConnect, engine.CapabilityGetFacts}
		if _, ok := driver.(engine.Detectable); ok || !isZeroMatch(desc.Match) {
			desc.Capabilities = append(desc.Capabilities, engine.CapabilityDetect)
		}
	}

	r.index[desc.Platform] = len(r.entries)
	r.entries = append(r.entries, entry{descriptor: desc, driver: driver})
	return nil
}

// MustRegister is Register that panics, for startup wiring of built-ins.
func (r *Registry) MustRegister(desc engine.Descriptor, driver engine.Driver) {
	if err := r.Register(desc, driver); err != nil {
		panic(err)
	}
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Lookup returns the driver registered for a platform.
func (r *Registry) Lookup(platform string) (engine.Driver, engine.Descriptor, bool) {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	i, ok := r.index[platform]
	if !ok {
		return nil, engine.Descriptor{}, false
	}
	e := r.entries[i]
	return e.driver, e.descriptor, true
}

// Descriptors returns the registered descriptors in registration order.
func (r *Registry) Descriptors() []engine.Descriptor {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	out := make([]engine.Descriptor, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.descriptor
	}
	return out
}

// Len returns the number of registered drivers.
func (r *Registry) Len() int {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return len(r.entries)
}

func isZeroMatch(m engine.MatchRules) bool {
	return m.SSHBanner == "" && len(m.SysObjectIDPrefixes) == 0 && m.SysDescr == "" && m.ServiceProduct == ""
}
