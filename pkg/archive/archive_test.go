package archive

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aprio-one/converge/pkg/config"
	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/ledger"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	hash, err := store.Put(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(hash, "sha256:") {
		t.Fatalf("hash format: %s", hash)
	}

	// Idempotent: same content, same hash.
	again, err := store.Put(ctx, []byte("hello"))
	if err != nil || again != hash {
		t.Fatalf("second put: %s, %v", again, err)
	}

	data, err := store.Get(ctx, hash)
	if err != nil || string(data) != "hello" {
		t.Fatalf("get: %q, %v", data, err)
	}

	ok, err := store.Exists(ctx, hash)
	if err != nil || !ok {
		t.Fatalf("exists: %v, %v", ok, err)
	}

	if err := store.Delete(ctx, hash); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, hash); err == nil {
		t.Fatal("expected miss after delete")
	}
	// Deleting twice is fine.
	if err := store.Delete(ctx, hash); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestStoreRejectsBadHashes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "md5:abcd"); err == nil {
		t.Fatal("expected error for wrong prefix")
	}
	if _, err := store.Get(ctx, "sha256:not-hex"); err == nil {
		t.Fatal("expected error for bad hex")
	}
}

func seededLedger(t *testing.T, runID string) *ledger.InMemoryLedger {
	t.Helper()
	l := ledger.NewInMemoryLedger().WithClock(ledger.ClockFunc(func() time.Time {
		return time.Unix(1700000000, 0)
	}))
	entries := []contracts.ContextEntry{
		{EntryType: contracts.EntryFact, Key: "seeds", FactID: "goal", Payload: map[string]any{"goal": "grow"}},
		{EntryType: contracts.EntryFact, Key: "signals", FactID: "sig-1", Payload: map[string]any{"trend": "up"}},
		{EntryType: contracts.EntryDecision, Payload: map[string]any{"state": "converged"}},
	}
	for i := range entries {
		entries[i].RunID = runID
		entries[i].CorrelationID = "corr"
		entries[i].Actor = contracts.Actor{Type: contracts.ActorSystem, ID: "engine"}
		if _, err := l.Append(context.Background(), &entries[i], 0); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	return l
}

func TestArchiverRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := seededLedger(t, "run-1")
	archiver := NewArchiver(l, NewMemoryStore())

	hash, err := archiver.ArchiveRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}

	entries, err := archiver.RestoreRun(ctx, hash)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[1].Key != "signals" {
		t.Fatalf("order lost: %+v", entries[1])
	}
}

func TestArchiverDetectsTamperedBlob(t *testing.T) {
	ctx := context.Background()
	l := seededLedger(t, "run-1")
	store := NewMemoryStore()
	archiver := NewArchiver(l, store)

	if _, err := archiver.ArchiveRun(ctx, "run-1"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	// A blob whose content is valid JSONL but whose chain was never
	// committed to the ledger must fail restore verification.
	forged := []byte(`{"entry_id":"x","entry_type":"fact","run_id":"run-1","sequence":1,"prev_hash":"genesis","content_hash":"sha256:00","key":"seeds","fact_id":"goal","payload":{},"actor":{"type":"system","id":"engine"},"correlation_id":"c"}` + "\n")
	hash, err := store.Put(ctx, forged)
	if err != nil {
		t.Fatalf("put forged: %v", err)
	}
	if _, err := archiver.RestoreRun(ctx, hash); err == nil {
		t.Fatal("expected chain verification failure")
	}
}

func TestArchiverEmptyRun(t *testing.T) {
	l := ledger.NewInMemoryLedger()
	archiver := NewArchiver(l, NewMemoryStore())
	if _, err := archiver.ArchiveRun(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for empty run")
	}
}

func TestFactorySelectsBackend(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, config.ArchiveConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected MemoryStore, got %T", store)
	}

	if _, err := New(ctx, config.ArchiveConfig{Backend: "tape"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
