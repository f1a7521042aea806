package firewall

import (
	"fmt"
	"sync"
)

// Registry tracks which VM owns which chain inside this process. Two VM ids
// that truncate to the same chain name are rejected instead of sharing rules.
type Registry struct {
	lock   sync.Mutex
	owners map[string]string
}

var defaultRegistry = NewRegistry()

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		owners: make(map[string]string),
	}
}

// Claim marks chain as owned by vmID. Claiming a chain twice for the same VM
// is allowed.
func (r *Registry) Claim(chain string, vmID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if owner, ok := r.owners[chain]; ok && owner != vmID {
		return fmt.Errorf("%w: chain %s is held by vm %s", ErrChainInUse, chain, owner)
	}
	r.owners[chain] = vmID
	return nil
}

// Release drops the claim of vmID on chain. Claims of other VMs are kept.
func (r *Registry) Release(chain string, vmID string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.owners[chain] == vmID {
		delete(r.owners, chain)
	}
}

// Owner returns the VM currently holding chain.
func (r *Registry) Owner(chain string) (string, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	owner, ok := r.owners[chain]
	return owner, ok
}

// Len returns the number of claimed chains.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return len(r.owners)
}
