package source

import (
	"context"
	"testing"

	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/ledger"
)

func namedSource(name string, prio int, deps ...string) *FuncSource {
	return &FuncSource{
		SourceName: name,
		SourcePrio: prio,
		Deps:       deps,
		ProposeFn: func(context.Context, *ledger.Snapshot) ([]contracts.Proposal, error) {
			return []contracts.Proposal{{Source: name, Key: "signals", FactID: name + "-1"}}, nil
		},
	}
}

func factSnapshot(keys ...string) *ledger.Snapshot {
	snap := &ledger.Snapshot{RunID: "run-1", ContextVersion: ledger.GenesisHash}
	for i, key := range keys {
		snap.Entries = append(snap.Entries, contracts.ContextEntry{
			EntryType: contracts.EntryFact,
			Sequence:  uint64(i + 1),
			RunID:     "run-1",
			Key:       key,
			Payload:   map[string]any{"i": i},
		})
	}
	return snap
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(namedSource("analyst", 1)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(namedSource("analyst", 2)); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestRegistryOrderIsPriorityThenName(t *testing.T) {
	r := NewRegistry()
	for _, s := range []*FuncSource{
		namedSource("zeta", 1),
		namedSource("alpha", 2),
		namedSource("beta", 1),
	} {
		if err := r.Register(s); err != nil {
			t.Fatalf("register %s: %v", s.SourceName, err)
		}
	}
	got := r.Names()
	want := []string{"beta", "zeta", "alpha"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestEligibilityRequiresDependencies(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(namedSource("strategist", 1, "seeds", "signals")); err != nil {
		t.Fatalf("register: %v", err)
	}

	if got := r.Eligible(factSnapshot("seeds")); len(got) != 0 {
		t.Fatalf("eligible with missing dependency: %v", got)
	}
	got := r.Eligible(factSnapshot("seeds", "signals"))
	if len(got) != 1 || got[0].Name() != "strategist" {
		t.Fatalf("eligible = %v", got)
	}
}

func TestEligibleFuncGates(t *testing.T) {
	s := namedSource("once", 1)
	s.EligibleFn = func(snap *ledger.Snapshot) bool {
		return !snap.HasKey("strategies")
	}
	r := NewRegistry()
	if err := r.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := r.Eligible(factSnapshot("strategies")); len(got) != 0 {
		t.Fatal("source stayed eligible after producing its key")
	}
	if got := r.Eligible(factSnapshot("seeds")); len(got) != 1 {
		t.Fatal("source not eligible on fresh context")
	}
}

func TestMockProviderIsDeterministic(t *testing.T) {
	p := NewMockProvider(map[string]string{
		"list growth channels": `["referral","content","paid"]`,
	})
	msgs := []Message{{Role: "user", Content: "list growth channels"}}
	first, err := p.Complete(context.Background(), msgs, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	for i := 0; i < 5; i++ {
		got, err := p.Complete(context.Background(), msgs, nil)
		if err != nil || got != first {
			t.Fatalf("attempt %d: got %q err %v, want %q", i, got, err, first)
		}
	}

	if _, err := p.Complete(context.Background(), []Message{{Role: "user", Content: "unscripted"}}, nil); err == nil {
		t.Fatal("expected error for unscripted prompt")
	}
}

func TestRateLimitedProviderHonorsContext(t *testing.T) {
	inner := NewMockProvider(nil).WithFallback("ok")
	p := NewRateLimitedProvider(inner, 0.001, 1)
	msgs := []Message{{Role: "user", Content: "x"}}

	// First call consumes the burst token.
	if _, err := p.Complete(context.Background(), msgs, nil); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Complete(ctx, msgs, nil); err == nil {
		t.Fatal("expected context error while waiting for a token")
	}
}
