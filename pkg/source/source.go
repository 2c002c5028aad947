// Package source defines proposal sources: the agents that read the shared
// context and propose new facts each cycle.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/ledger"
)

// Source produces candidate facts from the current context snapshot.
// Eligibility and proposals must be pure functions of the snapshot contents
// so that re-runs over the same ledger converge identically.
type Source interface {
	// Name identifies the source; it becomes the proposal's source field.
	Name() string

	// Priority orders commits within a cycle. Lower commits first.
	Priority() int

	// Required sources halt the run with a budget_exceeded reason when they
	// miss the cycle deadline. Optional sources are skipped.
	Required() bool

	// Dependencies lists the context keys this source reads. A source is
	// only scheduled once every dependency has at least one fact.
	Dependencies() []string

	// Eligible reports whether the source has work to do against this
	// snapshot, beyond its dependencies being satisfied.
	Eligible(snap *ledger.Snapshot) bool

	// Propose computes candidate facts. It must not mutate the snapshot.
	Propose(ctx context.Context, snap *ledger.Snapshot) ([]contracts.Proposal, error)
}

// Registry holds the sources for a run, keyed by name.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]Source
	ordered []Source
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Source)}
}

// Register adds a source. Names must be unique within a registry.
func (r *Registry) Register(s Source) error {
	if s.Name() == "" {
		return fmt.Errorf("source: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[s.Name()]; dup {
		return fmt.Errorf("source: duplicate name %q", s.Name())
	}
	r.byName[s.Name()] = s
	r.ordered = append(r.ordered, s)
	return nil
}

// Get returns a registered source by name.
func (r *Registry) Get(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// All returns the sources sorted by priority, then name. The order is
// stable across processes for identical registrations.
func (r *Registry) All() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, len(r.ordered))
	copy(out, r.ordered)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Names returns registered source names in priority order.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, s := range all {
		names[i] = s.Name()
	}
	return names
}

// Eligible filters to the sources whose dependencies are satisfied and
// which report work to do against the snapshot.
func (r *Registry) Eligible(snap *ledger.Snapshot) []Source {
	var out []Source
	for _, s := range r.All() {
		if !dependenciesMet(s, snap) {
			continue
		}
		if !s.Eligible(snap) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func dependenciesMet(s Source, snap *ledger.Snapshot) bool {
	for _, key := range s.Dependencies() {
		if !snap.HasKey(key) {
			return false
		}
	}
	return true
}
