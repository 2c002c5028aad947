package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/ledger"
	"github.com/aprio-one/converge/pkg/replay"
)

// Archiver stores and restores exported run ledgers as content-addressed
// JSONL blobs. Completed runs archive their full ledger; restore reverifies
// the hash chain before handing the entries back.
type Archiver struct {
	ledger ledger.Ledger
	store  Store
}

// NewArchiver builds an archiver over a ledger and a blob store.
func NewArchiver(l ledger.Ledger, store Store) *Archiver {
	return &Archiver{ledger: l, store: store}
}

// ArchiveRun exports a run's full ledger and stores it. Returns the blob
// hash, which doubles as a tamper-evident fingerprint of the run.
func (a *Archiver) ArchiveRun(ctx context.Context, runID string) (string, error) {
	entries, err := a.ledger.ReadRange(ctx, runID, 1, 0)
	if err != nil {
		return "", fmt.Errorf("archive: export run %s: %w", runID, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("archive: run %s has no entries", runID)
	}

	var buf bytes.Buffer
	if err := replay.WriteLedger(&buf, entries); err != nil {
		return "", fmt.Errorf("archive: encode run %s: %w", runID, err)
	}
	return a.store.Put(ctx, buf.Bytes())
}

// RestoreRun fetches an archived ledger and verifies chain integrity before
// returning the entries.
func (a *Archiver) RestoreRun(ctx context.Context, hash string) ([]contracts.ContextEntry, error) {
	data, err := a.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	entries, err := replay.ReadLedger(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("archive: decode blob %s: %w", hash, err)
	}
	if err := ledger.VerifyChain(entries); err != nil {
		return nil, fmt.Errorf("archive: blob %s: %w", hash, err)
	}
	return entries, nil
}
