// Package ledger implements the append-only, totally ordered, hash-chained
// log of context entries scoped to a run. The ledger is the single source of
// truth: all scheduler and run state is recomputable from its contents.
//
// Entries are never mutated or deleted after append. Sequence numbers are
// strictly increasing and gap-free within one run. Every successful append is
// durable before observers (the event stream) see it.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/aprio-one/converge/pkg/canonicalize"
	"github.com/aprio-one/converge/pkg/contracts"
)

// GenesisHash seeds the per-run hash chain.
const GenesisHash = "genesis"

// ErrOutOfOrder is returned when an optimistic append carries a stale
// expected-sequence precondition.
var ErrOutOfOrder = errors.New("ledger: stale expected sequence")

// ErrRunUnknown is returned for reads against a run with no entries.
var ErrRunUnknown = errors.New("ledger: unknown run")

// Clock provides entry timestamps. Deterministic runs inject a logical clock
// so two identical runs produce byte-identical entries.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Observer is notified after an entry is durably appended. Notification
// order follows sequence order.
type Observer interface {
	EntryAppended(entry contracts.ContextEntry)
}

// Observable is satisfied by both ledger backends; it is a separate
// interface so read-only consumers of Ledger cannot attach observers.
type Observable interface {
	Observe(o Observer)
}

// Ledger is the durable append-only log contract.
//
// Append assigns the next sequence number, links the hash chain, and
// persists the entry. If expectedSeq is non-zero it must equal the sequence
// the entry would receive; otherwise ErrOutOfOrder is returned and nothing is
// written. This optimistic precondition gives each run a single-writer
// illusion without cross-run coordination.
type Ledger interface {
	Append(ctx context.Context, entry *contracts.ContextEntry, expectedSeq uint64) (uint64, error)

	// ReadRange returns entries with from <= sequence <= to in sequence
	// order. to == 0 means "through head".
	ReadRange(ctx context.Context, runID string, from, to uint64) ([]contracts.ContextEntry, error)

	// Snapshot returns the full ordered state of a run plus its context
	// version (the chain head hash).
	Snapshot(ctx context.Context, runID string) (*Snapshot, error)

	// Head returns the last committed sequence and the chain head hash.
	// A run with no entries reports sequence 0 and GenesisHash.
	Head(ctx context.Context, runID string) (uint64, string, error)
}

// Verifier is implemented by backends that can check chain integrity.
type Verifier interface {
	Verify(ctx context.Context, runID string) error
}

// hashInput is the canonical content-hash preimage of an entry. Timestamps
// are deliberately excluded so deterministic reruns chain identically.
type hashInput struct {
	Sequence      uint64         `json:"seq"`
	EntryType     string         `json:"type"`
	RunID         string         `json:"run_id"`
	CorrelationID string         `json:"correlation_id"`
	ActorType     string         `json:"actor_type"`
	ActorID       string         `json:"actor_id"`
	TruthID       string         `json:"truth_id,omitempty"`
	Key           string         `json:"key,omitempty"`
	FactID        string         `json:"fact_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	PrevHash      string         `json:"prev"`
}

// FactIdentity is the content identity of a fact, independent of its ledger
// position. Replaying an identical proposal maps to the same identity, which
// is how duplicate commits are suppressed.
func FactIdentity(key, factID string, payload map[string]any) (string, error) {
	return canonicalize.Hash(map[string]any{
		"key":     key,
		"fact_id": factID,
		"payload": payload,
	})
}
