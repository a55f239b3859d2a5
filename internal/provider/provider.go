// Package provider defines the pluggable adapter contract for external
// enrichment sources and the priority-ordered registry the dispatcher
// routes through.
package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parcelgrid/enrich-cli/internal/model"
)

// Options carries per-call settings passed to an adapter.
type Options struct {
	// Timeout bounds the adapter call. Zero means the adapter default.
	Timeout time.Duration
}

// Adapter is a pluggable integration to one external enrichment source. An
// adapter owns no state: Call is a pure function of (identity, options)
// apart from the remote side. Failed calls return errors classified by
// model.ErrorKind (validation, upstream, scrape).
type Adapter interface {
	// Name identifies the provider in records, metrics, and reports.
	Name() string
	// CostCents is the fixed charge per paid call.
	CostCents() int64
	// CanServe reports whether the adapter can attempt this identity.
	CanServe(id model.Identity) bool
	// Call performs the lookup.
	Call(ctx context.Context, id model.Identity, opts Options) (*model.ContactInfo, error)
}

// entry pairs an adapter with its routing priority.
type entry struct {
	adapter  Adapter
	priority int
}

// Registry holds the available adapters in routing priority order (lower
// number wins). The assessor adapter registers at priority 0 so zero-cost
// local data is always tried before any paid provider.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an adapter at the given priority.
func (r *Registry) Register(a Adapter, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{adapter: a, priority: priority})
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].priority < r.entries[j].priority
	})
}

// RouteAll returns every adapter that can serve the identity, in priority
// order. The dispatcher walks the chain so a no-result from a cheap source
// falls through to the next one.
func (r *Registry) RouteAll(id model.Identity) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Adapter
	for _, e := range r.entries {
		if e.adapter.CanServe(id) {
			out = append(out, e.adapter)
		}
	}
	return out
}

// List returns all registered adapter names in priority order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.adapter.Name())
	}
	return names
}

// hasAddress reports whether the identity carries enough of an address to
// send to an address-keyed provider.
func hasAddress(id model.Identity) bool {
	return id.Street != "" && (id.Zip != "" || (id.City != "" && id.State != ""))
}
