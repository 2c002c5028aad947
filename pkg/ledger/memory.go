package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aprio-one/converge/pkg/canonicalize"
	"github.com/aprio-one/converge/pkg/contracts"
)

// InMemoryLedger is the reference Ledger for embedded and test use. Each run
// holds an independent entry slice guarded by one mutex, which makes appends
// linearizable per run.
type InMemoryLedger struct {
	mu        sync.RWMutex
	runs      map[string]*runLog
	clock     Clock
	observers []Observer
}

type runLog struct {
	entries  []contracts.ContextEntry
	headHash string
}

// NewInMemoryLedger creates an empty in-memory ledger.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		runs:  make(map[string]*runLog),
		clock: ClockFunc(time.Now),
	}
}

// WithClock overrides the timestamp source. Used by deterministic runs and
// tests.
func (l *InMemoryLedger) WithClock(c Clock) *InMemoryLedger {
	l.clock = c
	return l
}

// Observe registers an append observer. Observers are invoked after the
// entry is committed, in sequence order, under the ledger lock so no
// notification is ever reordered.
func (l *InMemoryLedger) Observe(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// Append implements Ledger.
func (l *InMemoryLedger) Append(ctx context.Context, entry *contracts.ContextEntry, expectedSeq uint64) (uint64, error) {
	if entry.RunID == "" {
		return 0, contracts.Validationf("entry missing run_id")
	}
	if entry.CorrelationID == "" {
		return 0, contracts.Validationf("entry missing correlation_id")
	}
	if entry.Actor.ID == "" {
		return 0, contracts.Validationf("entry missing actor")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	log, ok := l.runs[entry.RunID]
	if !ok {
		log = &runLog{headHash: GenesisHash}
		l.runs[entry.RunID] = log
	}

	seq := uint64(len(log.entries)) + 1
	if expectedSeq != 0 && expectedSeq != seq {
		return 0, fmt.Errorf("%w: expected %d, next is %d", ErrOutOfOrder, expectedSeq, seq)
	}

	hash, err := canonicalize.Hash(hashInput{
		Sequence:      seq,
		EntryType:     string(entry.EntryType),
		RunID:         entry.RunID,
		CorrelationID: entry.CorrelationID,
		ActorType:     string(entry.Actor.Type),
		ActorID:       entry.Actor.ID,
		TruthID:       entry.TruthID,
		Key:           entry.Key,
		FactID:        entry.FactID,
		Payload:       entry.Payload,
		PrevHash:      log.headHash,
	})
	if err != nil {
		return 0, &contracts.SystemError{Op: "ledger append", Err: err}
	}

	entry.Sequence = seq
	entry.PrevHash = log.headHash
	entry.ContentHash = hash
	entry.Timestamp = l.clock.Now().UTC()
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}

	log.entries = append(log.entries, *entry)
	log.headHash = hash

	for _, o := range l.observers {
		o.EntryAppended(*entry)
	}
	return seq, nil
}

// ReadRange implements Ledger.
func (l *InMemoryLedger) ReadRange(ctx context.Context, runID string, from, to uint64) ([]contracts.ContextEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	log, ok := l.runs[runID]
	if !ok {
		return nil, ErrRunUnknown
	}
	head := uint64(len(log.entries))
	if to == 0 || to > head {
		to = head
	}
	if from == 0 {
		from = 1
	}
	if from > to {
		return nil, nil
	}
	out := make([]contracts.ContextEntry, to-from+1)
	copy(out, log.entries[from-1:to])
	return out, nil
}

// Snapshot implements Ledger. Unknown runs return an empty snapshot so a
// fresh run can bootstrap from nothing.
func (l *InMemoryLedger) Snapshot(ctx context.Context, runID string) (*Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	log, ok := l.runs[runID]
	if !ok {
		return &Snapshot{RunID: runID, ContextVersion: GenesisHash}, nil
	}
	entries := make([]contracts.ContextEntry, len(log.entries))
	copy(entries, log.entries)
	return &Snapshot{
		RunID:          runID,
		ContextVersion: log.headHash,
		LastSeq:        uint64(len(log.entries)),
		Entries:        entries,
	}, nil
}

// Head implements Ledger.
func (l *InMemoryLedger) Head(ctx context.Context, runID string) (uint64, string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	log, ok := l.runs[runID]
	if !ok {
		return 0, GenesisHash, nil
	}
	return uint64(len(log.entries)), log.headHash, nil
}

// Verify recomputes the full hash chain for a run.
func (l *InMemoryLedger) Verify(ctx context.Context, runID string) error {
	entries, err := l.ReadRange(ctx, runID, 0, 0)
	if err != nil {
		return err
	}
	return VerifyChain(entries)
}

// VerifyChain checks sequence continuity and hash-chain integrity for an
// ordered slice of entries belonging to one run.
func VerifyChain(entries []contracts.ContextEntry) error {
	prevHash := GenesisHash
	for i, e := range entries {
		if e.Sequence != uint64(i)+1 {
			return fmt.Errorf("ledger: sequence gap at position %d: got %d", i, e.Sequence)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("ledger: chain broken at seq %d: expected prev %s, got %s", e.Sequence, prevHash, e.PrevHash)
		}
		computed, err := canonicalize.Hash(hashInput{
			Sequence:      e.Sequence,
			EntryType:     string(e.EntryType),
			RunID:         e.RunID,
			CorrelationID: e.CorrelationID,
			ActorType:     string(e.Actor.Type),
			ActorID:       e.Actor.ID,
			TruthID:       e.TruthID,
			Key:           e.Key,
			FactID:        e.FactID,
			Payload:       e.Payload,
			PrevHash:      e.PrevHash,
		})
		if err != nil {
			return fmt.Errorf("ledger: rehash seq %d: %w", e.Sequence, err)
		}
		if computed != e.ContentHash {
			return fmt.Errorf("ledger: content hash mismatch at seq %d", e.Sequence)
		}
		prevHash = e.ContentHash
	}
	return nil
}
