// pkg/engine/registry.go
package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps protocol IDs to their definitions. Protocols are registered
// once at startup; steps start child protocols through the registry injected
// into their StepContext rather than through shared constants.
type Registry struct {
	mu        sync.RWMutex
	protocols map[ProtocolID]Protocol
	// external protocols are known IDs routed elsewhere (sibling engines);
	// messages for them are not an error, just not ours to run.
	external map[ProtocolID]string
}

func NewRegistry() *Registry {
	return &Registry{
		protocols: make(map[ProtocolID]Protocol),
		external:  make(map[ProtocolID]string),
	}
}

// Register adds a protocol definition. Registering the same ID twice is a
// programming error.
func (r *Registry) Register(p Protocol) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.protocols[p.ID()]; dup {
		return fmt.Errorf("protocol %d (%s) already registered", p.ID(), p.Name())
	}
	if _, dup := r.external[p.ID()]; dup {
		return fmt.Errorf("protocol %d (%s) already declared external", p.ID(), p.Name())
	}
	r.protocols[p.ID()] = p
	return nil
}

// DeclareExternal records a protocol ID handled by a sibling engine. The
// registry resolves the ID for child-protocol starts but Process refuses to
// run steps for it.
func (r *Registry) DeclareExternal(id ProtocolID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.protocols[id]; dup {
		return fmt.Errorf("protocol %d already registered locally", id)
	}
	if _, dup := r.external[id]; dup {
		return fmt.Errorf("protocol %d already declared external", id)
	}
	r.external[id] = name
	return nil
}

// Get resolves a locally runnable protocol.
func (r *Registry) Get(id ProtocolID) (Protocol, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.protocols[id]
	return p, ok
}

// IsKnown reports whether the ID is either local or declared external.
func (r *Registry) IsKnown(id ProtocolID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, local := r.protocols[id]
	_, ext := r.external[id]
	return local || ext
}

// IDs returns the locally registered protocol IDs in ascending order.
func (r *Registry) IDs() []ProtocolID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProtocolID, 0, len(r.protocols))
	for id := range r.protocols {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
