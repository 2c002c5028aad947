// Package pack bundles truths and sources into versioned, installable
// units. A deployment resolves pack names (optionally with semver
// constraints) and installs the winning versions into its truth engine and
// source registry.
package pack

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/aprio-one/converge/pkg/source"
	"github.com/aprio-one/converge/pkg/truth"
)

// Pack is one versioned bundle of domain knowledge.
type Pack struct {
	Name        string
	Version     string
	Description string
	Truths      []truth.Truth
	Sources     []source.Source
}

// ID is the canonical "name@version" identifier.
func (p *Pack) ID() string {
	return p.Name + "@" + p.Version
}

// Registry stores packs by name and version.
type Registry struct {
	mu    sync.RWMutex
	packs map[string][]*Pack
}

func NewRegistry() *Registry {
	return &Registry{packs: make(map[string][]*Pack)}
}

// Register adds a pack version. Versions must parse as semver and be unique
// per name.
func (r *Registry) Register(p *Pack) error {
	if p.Name == "" {
		return fmt.Errorf("pack: empty name")
	}
	if _, err := semver.NewVersion(p.Version); err != nil {
		return fmt.Errorf("pack %s: bad version %q: %w", p.Name, p.Version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.packs[p.Name] {
		if existing.Version == p.Version {
			return fmt.Errorf("pack %s already registered", p.ID())
		}
	}
	r.packs[p.Name] = append(r.packs[p.Name], p)
	return nil
}

// Names lists registered pack names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.packs))
	for name := range r.packs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve picks the highest version of a pack satisfying the constraint.
// An empty constraint means "latest stable".
func (r *Registry) Resolve(name, constraint string) (*Pack, error) {
	r.mu.RLock()
	versions := r.packs[name]
	r.mu.RUnlock()
	if len(versions) == 0 {
		return nil, fmt.Errorf("pack: unknown pack %q", name)
	}

	var c *semver.Constraints
	if constraint != "" {
		parsed, err := semver.NewConstraint(constraint)
		if err != nil {
			return nil, fmt.Errorf("pack: bad constraint %q: %w", constraint, err)
		}
		c = parsed
	}

	var best *Pack
	var bestVersion *semver.Version
	for _, p := range versions {
		v, err := semver.NewVersion(p.Version)
		if err != nil {
			continue
		}
		if c == nil && v.Prerelease() != "" {
			continue
		}
		if c != nil && !c.Check(v) {
			continue
		}
		if bestVersion == nil || v.GreaterThan(bestVersion) {
			best, bestVersion = p, v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("pack: no version of %q satisfies %q", name, constraint)
	}
	return best, nil
}

// Install resolves the pack and wires its truths and sources into the
// target engine and registry.
func (r *Registry) Install(_ context.Context, name, constraint string, truths *truth.Engine, sources *source.Registry) (*Pack, error) {
	p, err := r.Resolve(name, constraint)
	if err != nil {
		return nil, err
	}
	for _, t := range p.Truths {
		if err := truths.Register(t); err != nil {
			return nil, fmt.Errorf("pack %s: %w", p.ID(), err)
		}
	}
	for _, s := range p.Sources {
		if err := sources.Register(s); err != nil {
			return nil, fmt.Errorf("pack %s: %w", p.ID(), err)
		}
	}
	return p, nil
}
