package core

import (
	"context"
	"sync"
)

// CapabilityProbe caches the capability set of one resource instance.
//
// Backends that need a round trip to learn what a resource supports wrap
// the probe in a CapabilityProbe and call Invalidate after any mutation
// made through the same resource. Probe errors are not cached.
type CapabilityProbe struct {
	mu    sync.Mutex
	probe func(context.Context) (CapabilitySet, error)
	set   CapabilitySet
	valid bool
}

// NewCapabilityProbe returns a probe that computes capabilities with fn.
func NewCapabilityProbe(fn func(context.Context) (CapabilitySet, error)) *CapabilityProbe {
	return &CapabilityProbe{probe: fn}
}

// Get returns the cached set, probing when nothing is cached.
func (p *CapabilityProbe) Get(ctx context.Context) (CapabilitySet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.valid {
		return p.set, nil
	}
	set, err := p.probe(ctx)
	if err != nil {
		return 0, err
	}
	p.set, p.valid = set, true
	return set, nil
}

// Invalidate drops the cached set so the next Get probes again.
func (p *CapabilityProbe) Invalidate() {
	p.mu.Lock()
	p.valid = false
	p.mu.Unlock()
}
