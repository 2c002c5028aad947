// Package eval runs reproducible scenario fixtures against a pack: seeds in,
// expectations out. Fixtures pin the behavior contract of a pack in
// deterministic mode and double as regression gates.
package eval

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/aprio-one/converge/pkg/budget"
	"github.com/aprio-one/converge/pkg/run"
)

//go:embed fixtures/*.json
var builtinFS embed.FS

// FactRef names one expected (or forbidden) fact.
type FactRef struct {
	Key    string `json:"key"`
	FactID string `json:"fact_id"`
}

func (r FactRef) String() string { return r.Key + "/" + r.FactID }

// Expectations is the pass/fail contract of a fixture.
type Expectations struct {
	Status              string    `json:"status"` // converged | halted
	HaltReason          string    `json:"halt_reason,omitempty"`
	HaltTruthID         string    `json:"halt_truth_id,omitempty"`
	MaxCycles           uint32    `json:"max_cycles,omitempty"`
	MinFacts            int       `json:"min_facts,omitempty"`
	MustContainKeys     []string  `json:"must_contain_keys,omitempty"`
	MustContainFacts    []FactRef `json:"must_contain_facts,omitempty"`
	MustNotContainFacts []FactRef `json:"must_not_contain_facts,omitempty"`
	MaxLatencyMS        int       `json:"max_latency_ms,omitempty"`
}

// Fixture is one eval scenario.
type Fixture struct {
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Pack           string         `json:"pack"`
	PackConstraint string         `json:"pack_constraint,omitempty"`
	Seeds          []run.SeedFact `json:"seeds"`
	Budget         budget.Budget  `json:"budget"`
	Expect         Expectations   `json:"expect"`
}

func (f *Fixture) validate() error {
	if f.Name == "" {
		return fmt.Errorf("eval: fixture missing name")
	}
	if f.Pack == "" {
		return fmt.Errorf("eval: fixture %s missing pack", f.Name)
	}
	switch f.Expect.Status {
	case "converged", "halted":
	default:
		return fmt.Errorf("eval: fixture %s has invalid expected status %q", f.Name, f.Expect.Status)
	}
	return nil
}

// Load decodes a single fixture.
func Load(r io.Reader) (*Fixture, error) {
	var f Fixture
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("eval: decode fixture: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile reads one fixture from disk.
func LoadFile(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eval: open fixture: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// LoadDir reads every *.json fixture in a directory, sorted by file name.
func LoadDir(dir string) ([]Fixture, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	fixtures := make([]Fixture, 0, len(paths))
	for _, path := range paths {
		f, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		fixtures = append(fixtures, *f)
	}
	return fixtures, nil
}

// Builtin returns the fixtures shipped with the binary, sorted by name.
func Builtin() ([]Fixture, error) {
	entries, err := fs.Glob(builtinFS, "fixtures/*.json")
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)
	fixtures := make([]Fixture, 0, len(entries))
	for _, path := range entries {
		raw, err := builtinFS.Open(path)
		if err != nil {
			return nil, err
		}
		f, err := Load(raw)
		_ = raw.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		fixtures = append(fixtures, *f)
	}
	return fixtures, nil
}
