package replay

import (
	"fmt"

	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/ledger"
)

// Divergence pinpoints where two runs stopped agreeing.
type Divergence struct {
	Position int    `json:"position"` // index into the fact sequence, 0-based
	Detail   string `json:"detail"`
}

// Comparison is the outcome of a determinism check between two runs executed
// from identical seeds in deterministic mode.
type Comparison struct {
	Deterministic bool        `json:"deterministic"`
	FactsA        int         `json:"facts_a"`
	FactsB        int         `json:"facts_b"`
	FinalStateA   string      `json:"final_state_a"`
	FinalStateB   string      `json:"final_state_b"`
	Divergence    *Divergence `json:"divergence,omitempty"`
}

// Compare checks two exported ledgers for determinism: the ordered fact
// identity sequences and the final run states must match exactly. Run IDs
// and timestamps are allowed to differ; everything semantic must not.
func Compare(a, b []contracts.ContextEntry) (*Comparison, error) {
	factsA, stateA, err := factSequence(a)
	if err != nil {
		return nil, fmt.Errorf("run A: %w", err)
	}
	factsB, stateB, err := factSequence(b)
	if err != nil {
		return nil, fmt.Errorf("run B: %w", err)
	}

	cmp := &Comparison{
		Deterministic: true,
		FactsA:        len(factsA),
		FactsB:        len(factsB),
		FinalStateA:   stateA,
		FinalStateB:   stateB,
	}

	for i := range min(len(factsA), len(factsB)) {
		if factsA[i] != factsB[i] {
			cmp.Deterministic = false
			cmp.Divergence = &Divergence{
				Position: i,
				Detail:   fmt.Sprintf("fact %d differs: %s vs %s", i, factsA[i], factsB[i]),
			}
			return cmp, nil
		}
	}
	if len(factsA) != len(factsB) {
		cmp.Deterministic = false
		cmp.Divergence = &Divergence{
			Position: min(len(factsA), len(factsB)),
			Detail:   fmt.Sprintf("fact count differs: %d vs %d", len(factsA), len(factsB)),
		}
		return cmp, nil
	}
	if stateA != stateB {
		cmp.Deterministic = false
		cmp.Divergence = &Divergence{
			Position: len(factsA),
			Detail:   fmt.Sprintf("final state differs: %s vs %s", stateA, stateB),
		}
	}
	return cmp, nil
}

// factSequence reduces a ledger to its ordered fact identities plus the
// final recorded run state.
func factSequence(entries []contracts.ContextEntry) ([]string, string, error) {
	var facts []string
	var state string
	for _, e := range entries {
		switch e.EntryType {
		case contracts.EntryFact:
			identity, err := ledger.FactIdentity(e.Key, e.FactID, e.Payload)
			if err != nil {
				return nil, "", fmt.Errorf("identity for seq %d: %w", e.Sequence, err)
			}
			facts = append(facts, identity)
		case contracts.EntryDecision:
			if s, ok := e.Payload["state"].(string); ok {
				state = s
			}
		}
	}
	return facts, state, nil
}
