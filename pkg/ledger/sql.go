package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aprio-one/converge/pkg/canonicalize"
	"github.com/aprio-one/converge/pkg/contracts"
)

// SQLLedger implements Ledger over database/sql. It supports both SQLite
// (modernc.org/sqlite, embedded deployments) and Postgres (lib/pq, server
// deployments); $N placeholders are accepted by both drivers.
type SQLLedger struct {
	db    *sql.DB
	clock Clock

	mu        sync.Mutex
	observers []Observer

	// notifyMu is held across commit and notification so subscribers see
	// entries in sequence order even when appends race.
	notifyMu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS context_entries (
	run_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	entry_id TEXT NOT NULL,
	entry_type TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	actor_type TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	actor_device TEXT NOT NULL DEFAULT '',
	truth_id TEXT NOT NULL DEFAULT '',
	key TEXT NOT NULL DEFAULT '',
	fact_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	ts TEXT NOT NULL,
	PRIMARY KEY (run_id, sequence)
);
`

// NewSQLLedger wraps an open database handle and ensures the schema exists.
func NewSQLLedger(ctx context.Context, db *sql.DB) (*SQLLedger, error) {
	l := &SQLLedger{db: db, clock: ClockFunc(time.Now)}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return l, nil
}

// WithClock overrides the timestamp source.
func (l *SQLLedger) WithClock(c Clock) *SQLLedger {
	l.clock = c
	return l
}

// Observe registers an append observer.
func (l *SQLLedger) Observe(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// Append implements Ledger. The head is read and the entry inserted in one
// transaction; the (run_id, sequence) primary key turns a lost race into a
// unique-constraint failure, reported as ErrOutOfOrder.
func (l *SQLLedger) Append(ctx context.Context, entry *contracts.ContextEntry, expectedSeq uint64) (uint64, error) {
	if entry.RunID == "" {
		return 0, contracts.Validationf("entry missing run_id")
	}
	if entry.CorrelationID == "" {
		return 0, contracts.Validationf("entry missing correlation_id")
	}
	if entry.Actor.ID == "" {
		return 0, contracts.Validationf("entry missing actor")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &contracts.SystemError{Op: "ledger begin", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq uint64
	var headHash string
	row := tx.QueryRowContext(ctx, `
		SELECT sequence, content_hash FROM context_entries
		WHERE run_id = $1 ORDER BY sequence DESC LIMIT 1`, entry.RunID)
	switch err := row.Scan(&lastSeq, &headHash); {
	case errors.Is(err, sql.ErrNoRows):
		lastSeq, headHash = 0, GenesisHash
	case err != nil:
		return 0, &contracts.SystemError{Op: "ledger head", Err: err}
	}

	seq := lastSeq + 1
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
		PrevHash:      headHash,
	})
	if err != nil {
		return 0, &contracts.SystemError{Op: "ledger hash", Err: err}
	}

	entry.Sequence = seq
	entry.PrevHash = headHash
	entry.ContentHash = hash
	entry.Timestamp = l.clock.Now().UTC()
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}

	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return 0, &contracts.SystemError{Op: "ledger marshal", Err: err}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO context_entries (
			run_id, sequence, entry_id, entry_type, correlation_id,
			actor_type, actor_id, actor_device, truth_id, key, fact_id,
			payload, content_hash, prev_hash, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		entry.RunID, seq, entry.EntryID, string(entry.EntryType), entry.CorrelationID,
		string(entry.Actor.Type), entry.Actor.ID, entry.Actor.Device, entry.TruthID, entry.Key, entry.FactID,
		string(payload), hash, headHash, entry.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: concurrent append at seq %d", ErrOutOfOrder, seq)
		}
		return 0, &contracts.SystemError{Op: "ledger insert", Err: err}
	}
	// Commit order equals sequence order per run (the insert of seq n+1
	// only succeeds once seq n is visible), so notifying under notifyMu
	// before releasing the committed entry keeps deliveries ordered.
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	if err := tx.Commit(); err != nil {
		return 0, &contracts.SystemError{Op: "ledger commit", Err: err}
	}

	l.mu.Lock()
	observers := l.observers
	l.mu.Unlock()
	for _, o := range observers {
		o.EntryAppended(*entry)
	}
	return seq, nil
}

// ReadRange implements Ledger.
func (l *SQLLedger) ReadRange(ctx context.Context, runID string, from, to uint64) ([]contracts.ContextEntry, error) {
	if from == 0 {
		from = 1
	}
	query := `
		SELECT sequence, entry_id, entry_type, correlation_id,
		       actor_type, actor_id, actor_device, truth_id, key, fact_id,
		       payload, content_hash, prev_hash, ts
		FROM context_entries
		WHERE run_id = $1 AND sequence >= $2`
	args := []any{runID, from}
	if to != 0 {
		query += ` AND sequence <= $3`
		args = append(args, to)
	}
	query += ` ORDER BY sequence`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &contracts.SystemError{Op: "ledger read", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ContextEntry
	for rows.Next() {
		e, err := scanEntry(rows, runID)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &contracts.SystemError{Op: "ledger read", Err: err}
	}
	return out, nil
}

// Snapshot implements Ledger.
func (l *SQLLedger) Snapshot(ctx context.Context, runID string) (*Snapshot, error) {
	entries, err := l.ReadRange(ctx, runID, 0, 0)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{RunID: runID, ContextVersion: GenesisHash, Entries: entries}
	if n := len(entries); n > 0 {
		snap.LastSeq = entries[n-1].Sequence
		snap.ContextVersion = entries[n-1].ContentHash
	}
	return snap, nil
}

// Head implements Ledger.
func (l *SQLLedger) Head(ctx context.Context, runID string) (uint64, string, error) {
	var seq uint64
	var hash string
	row := l.db.QueryRowContext(ctx, `
		SELECT sequence, content_hash FROM context_entries
		WHERE run_id = $1 ORDER BY sequence DESC LIMIT 1`, runID)
	switch err := row.Scan(&seq, &hash); {
	case errors.Is(err, sql.ErrNoRows):
		return 0, GenesisHash, nil
	case err != nil:
		return 0, "", &contracts.SystemError{Op: "ledger head", Err: err}
	}
	return seq, hash, nil
}

// Verify recomputes the full hash chain for a run.
func (l *SQLLedger) Verify(ctx context.Context, runID string) error {
	entries, err := l.ReadRange(ctx, runID, 0, 0)
	if err != nil {
		return err
	}
	return VerifyChain(entries)
}

func scanEntry(rows *sql.Rows, runID string) (contracts.ContextEntry, error) {
	var e contracts.ContextEntry
	var entryType, actorType, payload, ts string
	err := rows.Scan(&e.Sequence, &e.EntryID, &entryType, &e.CorrelationID,
		&actorType, &e.Actor.ID, &e.Actor.Device, &e.TruthID, &e.Key, &e.FactID,
		&payload, &e.ContentHash, &e.PrevHash, &ts)
	if err != nil {
		return e, &contracts.SystemError{Op: "ledger scan", Err: err}
	}
	e.RunID = runID
	e.EntryType = contracts.EntryType(entryType)
	e.Actor.Type = contracts.ActorType(actorType)
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return e, &contracts.SystemError{Op: "ledger payload decode", Err: err}
	}
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return e, &contracts.SystemError{Op: "ledger timestamp decode", Err: err}
	}
	return e, nil
}

// isUniqueViolation matches unique-constraint failures across the SQLite and
// Postgres drivers without binding to driver-specific error types.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
