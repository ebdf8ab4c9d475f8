// Package registry binds provider ids to adapter factories. Registration
// is by string id; registering an id that already exists replaces the
// prior binding.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/terradev/terradev/providers/common"
)

// Factory builds an adapter from the caller-supplied credential bag. A
// factory must succeed even with empty credentials: the resulting adapter
// degrades per the credential-missing semantics in the Adapter contract.
type Factory func(creds common.Credentials) common.Adapter

// Descriptor carries the static configuration of a provider. Immutable
// after registration.
type Descriptor struct {
	ID          common.ProviderID
	Name        string
	Reliability float64 // [0,1], feeds the optimization score
	Priority    int     // default ordering for display
	Enabled     bool
}

type binding struct {
	desc    Descriptor
	factory Factory
}

var (
	mu       sync.RWMutex
	bindings = map[common.ProviderID]binding{}
)

// Register binds id to factory, replacing any prior binding.
func Register(desc Descriptor, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	bindings[desc.ID] = binding{desc: desc, factory: factory}
}

// New builds an adapter for id with the given credentials.
func New(id common.ProviderID, creds common.Credentials) (common.Adapter, error) {
	mu.RLock()
	b, ok := bindings[id]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", id)
	}
	return b.factory(creds), nil
}

// Describe returns the descriptor for id.
func Describe(id common.ProviderID) (Descriptor, bool) {
	mu.RLock()
	defer mu.RUnlock()
	b, ok := bindings[id]
	return b.desc, ok
}

// Reliability returns the provider's reliability score, or a neutral 0.5
// for unknown ids.
func Reliability(id common.ProviderID) float64 {
	if d, ok := Describe(id); ok {
		return d.Reliability
	}
	return 0.5
}

// Enabled returns the ids of all enabled providers, sorted by priority
// then id for stable enumeration.
func Enabled() []common.ProviderID {
	mu.RLock()
	defer mu.RUnlock()
	var out []common.ProviderID
	for id, b := range bindings {
		if b.desc.Enabled {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := bindings[out[i]].desc, bindings[out[j]].desc
		if di.Priority != dj.Priority {
			return di.Priority < dj.Priority
		}
		return out[i] < out[j]
	})
	return out
}

// Reset removes all bindings. Test harness use only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	bindings = map[common.ProviderID]binding{}
}
