// Package replay verifies exported run ledgers offline: hash-chain
// integrity, gap-free sequencing, duplicate fact detection, and determinism
// comparison between two runs of the same seeds.
package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/ledger"
)

// Result holds the outcome of verifying one exported ledger.
type Result struct {
	RunID          string         `json:"run_id"`
	TotalEntries   int            `json:"total_entries"`
	Facts          int            `json:"facts"`
	ValidChain     bool           `json:"valid_chain"`
	ChainError     string         `json:"chain_error,omitempty"`
	DuplicateFacts []string       `json:"duplicate_facts,omitempty"`
	ContextVersion string         `json:"context_version"`
	FinalState     string         `json:"final_state,omitempty"`
	Summary        map[string]int `json:"summary"` // entry_type -> count
}

// Valid reports whether the ledger passed every check.
func (r *Result) Valid() bool {
	return r.ValidChain && len(r.DuplicateFacts) == 0
}

// ReadLedger decodes a JSONL ledger export: one ContextEntry per line, in
// sequence order.
func ReadLedger(r io.Reader) ([]contracts.ContextEntry, error) {
	dec := json.NewDecoder(r)
	var entries []contracts.ContextEntry
	for dec.More() {
		var entry contracts.ContextEntry
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ReadLedgerFile reads a JSONL ledger export from disk.
func ReadLedgerFile(path string) ([]contracts.ContextEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	return ReadLedger(f)
}

// WriteLedger exports entries as JSONL, one entry per line.
func WriteLedger(w io.Writer, entries []contracts.ContextEntry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode seq %d: %w", e.Sequence, err)
		}
	}
	return nil
}

// Verify checks an ordered entry slice for chain integrity and duplicate
// fact identities.
func Verify(entries []contracts.ContextEntry) (*Result, error) {
	result := &Result{
		ValidChain:     true,
		TotalEntries:   len(entries),
		ContextVersion: ledger.GenesisHash,
		Summary:        make(map[string]int),
	}
	if len(entries) == 0 {
		return result, nil
	}

	result.RunID = entries[0].RunID
	for _, e := range entries {
		if e.RunID != result.RunID {
			result.ValidChain = false
			result.ChainError = fmt.Sprintf("mixed runs: %s and %s", result.RunID, e.RunID)
			return result, nil
		}
		result.Summary[string(e.EntryType)]++
	}

	if err := ledger.VerifyChain(entries); err != nil {
		result.ValidChain = false
		result.ChainError = err.Error()
		return result, nil
	}
	result.ContextVersion = entries[len(entries)-1].ContentHash

	identities := make(map[string]uint64)
	for _, e := range entries {
		switch e.EntryType {
		case contracts.EntryFact:
			result.Facts++
			identity, err := ledger.FactIdentity(e.Key, e.FactID, e.Payload)
			if err != nil {
				return nil, fmt.Errorf("identity for seq %d: %w", e.Sequence, err)
			}
			if first, seen := identities[identity]; seen {
				result.DuplicateFacts = append(result.DuplicateFacts,
					fmt.Sprintf("%s/%s at seq %d duplicates seq %d", e.Key, e.FactID, e.Sequence, first))
			} else {
				identities[identity] = e.Sequence
			}
		case contracts.EntryDecision:
			if state, ok := e.Payload["state"].(string); ok {
				result.FinalState = state
			}
		}
	}
	return result, nil
}

// VerifyFile verifies a JSONL ledger export from disk.
func VerifyFile(path string) (*Result, error) {
	entries, err := ReadLedgerFile(path)
	if err != nil {
		return nil, err
	}
	return Verify(entries)
}
