package ledger

import (
	"github.com/aprio-one/converge/pkg/contracts"
)

// Snapshot is an immutable view of one run's full ledger state at a point in
// the total order. Eligibility, idempotency, and pending-proposal checks are
// all derived from snapshot contents, never from component-internal state.
type Snapshot struct {
	RunID          string
	ContextVersion string
	LastSeq        uint64
	Entries        []contracts.ContextEntry
}

// Facts returns all fact entries in sequence order.
func (s *Snapshot) Facts() []contracts.ContextEntry {
	out := make([]contracts.ContextEntry, 0, len(s.Entries))
	for _, e := range s.Entries {
		if e.EntryType == contracts.EntryFact {
			out = append(out, e)
		}
	}
	return out
}

// FactsByKey returns fact entries under one key in sequence order.
func (s *Snapshot) FactsByKey(key string) []contracts.ContextEntry {
	var out []contracts.ContextEntry
	for _, e := range s.Entries {
		if e.EntryType == contracts.EntryFact && e.Key == key {
			out = append(out, e)
		}
	}
	return out
}

// HasKey reports whether any fact exists under key.
func (s *Snapshot) HasKey(key string) bool {
	for _, e := range s.Entries {
		if e.EntryType == contracts.EntryFact && e.Key == key {
			return true
		}
	}
	return false
}

// HasFactIdentity reports whether a fact with the given content identity
// (FactIdentity of key, fact_id, payload) was already committed. This is the
// idempotency check: replaying an identical proposal never produces a
// duplicate fact.
func (s *Snapshot) HasFactIdentity(identity string) bool {
	for _, e := range s.Entries {
		if e.EntryType != contracts.EntryFact {
			continue
		}
		id, err := FactIdentity(e.Key, e.FactID, e.Payload)
		if err != nil {
			continue
		}
		if id == identity {
			return true
		}
	}
	return false
}

// PendingProposals returns proposal entries that no later trace entry has
// resolved (matched by correlation ID).
func (s *Snapshot) PendingProposals() []contracts.ContextEntry {
	resolved := make(map[string]bool)
	for _, e := range s.Entries {
		if e.EntryType == contracts.EntryTrace {
			resolved[e.CorrelationID] = true
		}
	}
	var out []contracts.ContextEntry
	for _, e := range s.Entries {
		if e.EntryType == contracts.EntryProposal && !resolved[e.CorrelationID] {
			out = append(out, e)
		}
	}
	return out
}

// FactMaterial condenses the snapshot into the map CEL truth predicates and
// LLM prompts consume: key -> ordered payloads.
func (s *Snapshot) FactMaterial() map[string][]map[string]any {
	out := make(map[string][]map[string]any)
	for _, e := range s.Entries {
		if e.EntryType == contracts.EntryFact {
			out[e.Key] = append(out[e.Key], e.Payload)
		}
	}
	return out
}
