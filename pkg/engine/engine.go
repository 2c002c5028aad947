// Package engine drives runs through convergence cycles: eligibility over
// the current snapshot, a parallel compute phase with a deadline, and a
// serialized deterministic commit phase through the invariant engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aprio-one/converge/pkg/budget"
	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/ledger"
	"github.com/aprio-one/converge/pkg/source"
	"github.com/aprio-one/converge/pkg/truth"
)

// DefaultCycleDeadline bounds the compute phase when the budget does not
// set one.
const DefaultCycleDeadline = 30 * time.Second

// systemActor stamps entries the engine itself writes.
var systemActor = contracts.Actor{Type: contracts.ActorSystem, ID: "engine"}

// Outcome is the terminal (or parked) result of driving a run.
type Outcome struct {
	State       contracts.RunState
	HaltReason  string
	HaltTruthID string
	HaltDetail  string
	Cycles      int
}

// Engine runs convergence cycles for one deployment. It holds no per-run
// state: everything a cycle needs is recomputed from the ledger snapshot.
type Engine struct {
	ledger  ledger.Ledger
	truths  *truth.Engine
	sources *source.Registry
	logger  *slog.Logger
}

func New(l ledger.Ledger, truths *truth.Engine, sources *source.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ledger: l, truths: truths, sources: sources, logger: logger}
}

// Run drives the run until it converges, halts, or parks waiting for an
// approval. Calling Run again on a waiting run resumes it; the snapshot
// carries everything needed.
func (e *Engine) Run(ctx context.Context, runID string, tracker *budget.Tracker) (*Outcome, error) {
	out := &Outcome{}
	for {
		// Context cancellation is a pause or a cancel decided by the caller;
		// the engine just stops without recording a transition.
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err := tracker.StartCycle(); err != nil {
			return e.haltBudget(ctx, runID, out, err)
		}
		out.Cycles++

		snap, err := e.ledger.Snapshot(ctx, runID)
		if err != nil {
			return e.halt(ctx, runID, out, contracts.HaltSystemError, "", err.Error())
		}
		if len(snap.PendingProposals()) > 0 {
			// An unresolved approval parks the run. Resolution arrives as
			// ledger entries, after which Run is called again.
			out.State = contracts.RunWaiting
			return out, nil
		}

		eligible := e.sources.Eligible(snap)
		if len(eligible) == 0 {
			return e.converge(ctx, runID, out)
		}

		batches, err := e.compute(ctx, tracker, snap, eligible)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			var be *contracts.BudgetExceededError
			if errors.As(err, &be) {
				return e.haltBudget(ctx, runID, out, err)
			}
			return e.halt(ctx, runID, out, contracts.HaltSystemError, "", err.Error())
		}

		committed, waiting, haltOut, err := e.commit(ctx, runID, tracker, snap, batches)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, ledger.ErrOutOfOrder) {
				// Someone else appended mid-commit (an injected fact or an
				// approval). Recompute the cycle from the fresh head.
				e.logger.Info("commit contention, recomputing cycle", "run_id", runID)
				continue
			}
			var be *contracts.BudgetExceededError
			if errors.As(err, &be) {
				return e.haltBudget(ctx, runID, out, err)
			}
			return e.halt(ctx, runID, out, contracts.HaltSystemError, "", err.Error())
		}
		if haltOut != nil {
			return e.halt(ctx, runID, out, contracts.HaltInvariant, haltOut.TruthID, haltOut.Reason)
		}
		if waiting {
			out.State = contracts.RunWaiting
			return out, nil
		}
		if committed == 0 {
			// Fixed point: every eligible source proposed nothing new.
			return e.converge(ctx, runID, out)
		}
	}
}

// batch holds one source's proposals in submission order.
type batch struct {
	src       source.Source
	proposals []contracts.Proposal
}

// compute fans eligible sources out under the cycle deadline. A required
// source missing the deadline is a budget violation; optional sources are
// skipped with a log line.
func (e *Engine) compute(ctx context.Context, tracker *budget.Tracker, snap *ledger.Snapshot, eligible []source.Source) ([]batch, error) {
	deadline := tracker.Budget().CycleDeadline
	if deadline <= 0 {
		deadline = DefaultCycleDeadline
	}
	cycleCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	batches := make([]batch, len(eligible))
	g, gctx := errgroup.WithContext(cycleCtx)
	for i, s := range eligible {
		g.Go(func() error {
			proposals, err := s.Propose(gctx, snap)
			if err != nil {
				if s.Required() {
					return &contracts.BudgetExceededError{
						Limit:  "cycle_deadline",
						Detail: fmt.Sprintf("required source %s failed: %v", s.Name(), err),
					}
				}
				e.logger.Warn("optional source skipped", "source", s.Name(), "error", err)
				return nil
			}
			batches[i] = batch{src: s, proposals: proposals}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batches, nil
}

// candidate is a proposal plus its deterministic commit-order key.
type candidate struct {
	proposal contracts.Proposal
	priority int
	srcOrder int
	subIdx   int
	identity string
}

// orderCandidates flattens batches into the commit order: priority
// ascending, then source registration order, then submission order within a
// source, with the content identity as the final tiebreak. The order is a
// pure function of the proposals, never of goroutine completion timing.
func orderCandidates(batches []batch) ([]candidate, error) {
	var all []candidate
	for srcOrder, b := range batches {
		if b.src == nil {
			continue
		}
		for subIdx, p := range b.proposals {
			if p.Source == "" {
				p.Source = b.src.Name()
			}
			if p.Priority == 0 {
				p.Priority = b.src.Priority()
			}
			identity, err := ledger.FactIdentity(p.Key, p.FactID, p.Payload)
			if err != nil {
				return nil, fmt.Errorf("engine: proposal identity: %w", err)
			}
			all = append(all, candidate{
				proposal: p,
				priority: p.Priority,
				srcOrder: srcOrder,
				subIdx:   subIdx,
				identity: identity,
			})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].priority != all[j].priority {
			return all[i].priority < all[j].priority
		}
		if all[i].srcOrder != all[j].srcOrder {
			return all[i].srcOrder < all[j].srcOrder
		}
		if all[i].subIdx != all[j].subIdx {
			return all[i].subIdx < all[j].subIdx
		}
		return all[i].identity < all[j].identity
	})
	return all, nil
}

// commit serializes candidates through the invariant engine and appends the
// results. Each decision sees a snapshot that includes earlier commits from
// the same cycle.
func (e *Engine) commit(ctx context.Context, runID string, tracker *budget.Tracker, snap *ledger.Snapshot, batches []batch) (committed int, waiting bool, haltDec *contracts.Decision, err error) {
	candidates, err := orderCandidates(batches)
	if err != nil {
		return 0, false, nil, err
	}

	working := *snap
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return committed, false, nil, err
		}
		p := c.proposal
		if p.RunID == "" {
			p.RunID = runID
		}
		if p.CorrelationID == "" {
			// Deterministic correlation: identity-derived, stable across
			// replays of the same ledger prefix.
			p.CorrelationID = deriveCorrelation(working.ContextVersion, c.identity)
		}
		if p.Actor.ID == "" {
			p.Actor = contracts.Actor{Type: contracts.ActorAgent, ID: p.Source}
		}

		if working.HasFactIdentity(c.identity) {
			continue
		}

		if p.RequiresApproval {
			entry := contracts.ContextEntry{
				EntryType:     contracts.EntryProposal,
				RunID:         runID,
				CorrelationID: p.CorrelationID,
				Actor:         p.Actor,
				Key:           p.Key,
				FactID:        p.FactID,
				Payload:       p.Payload,
			}
			if err := e.append(ctx, &working, &entry); err != nil {
				return committed, false, nil, err
			}
			waiting = true
			continue
		}

		verdict := e.truths.Evaluate(p, &working)
		dec := verdict.Decision

		trace := contracts.ContextEntry{
			EntryType:     contracts.EntryTrace,
			RunID:         runID,
			CorrelationID: p.CorrelationID,
			Actor:         systemActor,
			TruthID:       dec.TruthID,
			Key:           p.Key,
			FactID:        p.FactID,
			Payload: map[string]any{
				"input_hash":  c.identity,
				"decision":    string(dec.Kind),
				"source":      p.Source,
				"reason":      dec.Reason,
				"break_glass": dec.BreakGlass,
			},
		}

		switch dec.Kind {
		case contracts.DecisionRejected:
			if err := e.append(ctx, &working, &trace); err != nil {
				return committed, false, nil, err
			}

		case contracts.DecisionHalted:
			if err := e.append(ctx, &working, &trace); err != nil {
				return committed, false, nil, err
			}
			return committed, false, &dec, nil

		case contracts.DecisionAccepted:
			fact := contracts.ContextEntry{
				EntryType:     contracts.EntryFact,
				RunID:         runID,
				CorrelationID: p.CorrelationID,
				Actor:         p.Actor,
				Key:           p.Key,
				FactID:        p.FactID,
				Payload:       p.Payload,
			}
			if err := e.append(ctx, &working, &fact); err != nil {
				return committed, false, nil, err
			}
			if err := e.append(ctx, &working, &trace); err != nil {
				return committed, false, nil, err
			}
			committed++
			if err := tracker.RecordFact(); err != nil {
				return committed, false, nil, err
			}
			n, err := e.appendDerived(ctx, &working, runID, p.CorrelationID, verdict.Derived)
			if err != nil {
				return committed, false, nil, err
			}
			committed += n
		}
	}
	return committed, waiting, nil, nil
}

// appendDerived commits facts produced by satisfied truths, skipping
// identities already present.
func (e *Engine) appendDerived(ctx context.Context, working *ledger.Snapshot, runID, correlationID string, derived []truth.FactTemplate) (int, error) {
	committed := 0
	for _, d := range derived {
		identity, err := ledger.FactIdentity(d.Key, d.FactID, d.Payload)
		if err != nil {
			return committed, fmt.Errorf("engine: derived identity: %w", err)
		}
		if working.HasFactIdentity(identity) {
			continue
		}
		entry := contracts.ContextEntry{
			EntryType:     contracts.EntryFact,
			RunID:         runID,
			CorrelationID: correlationID,
			Actor:         systemActor,
			Key:           d.Key,
			FactID:        d.FactID,
			Payload:       d.Payload,
		}
		if err := e.append(ctx, working, &entry); err != nil {
			return committed, err
		}
		committed++
	}
	return committed, nil
}

// append writes one entry with the optimistic precondition and folds it
// into the working snapshot on success.
func (e *Engine) append(ctx context.Context, working *ledger.Snapshot, entry *contracts.ContextEntry) error {
	seq, err := e.ledger.Append(ctx, entry, working.LastSeq+1)
	if err != nil {
		return err
	}
	working.LastSeq = seq
	working.ContextVersion = entry.ContentHash
	working.Entries = append(working.Entries, *entry)
	return nil
}

// HaltRun records a caller-initiated terminal transition, e.g. a cancel
// control.
func (e *Engine) HaltRun(ctx context.Context, runID, reason, detail string) (*Outcome, error) {
	return e.halt(ctx, runID, &Outcome{}, reason, "", detail)
}

func (e *Engine) converge(ctx context.Context, runID string, out *Outcome) (*Outcome, error) {
	out.State = contracts.RunConverged
	return e.record(ctx, runID, out)
}

func (e *Engine) haltBudget(ctx context.Context, runID string, out *Outcome, err error) (*Outcome, error) {
	detail := err.Error()
	var be *contracts.BudgetExceededError
	if errors.As(err, &be) {
		detail = be.Detail
	}
	return e.halt(ctx, runID, out, contracts.HaltBudgetExceeded, "", detail)
}

func (e *Engine) halt(ctx context.Context, runID string, out *Outcome, reason, truthID, detail string) (*Outcome, error) {
	out.State = contracts.RunHalted
	out.HaltReason = reason
	out.HaltTruthID = truthID
	out.HaltDetail = detail
	e.logger.Warn("run halted", "run_id", runID, "reason", reason, "detail", detail)
	return e.record(ctx, runID, out)
}

// record appends the terminal state transition as a decision entry so run
// status stays derivable from the ledger alone.
func (e *Engine) record(ctx context.Context, runID string, out *Outcome) (*Outcome, error) {
	head, _, err := e.ledger.Head(ctx, runID)
	if err != nil {
		return out, err
	}
	entry := contracts.ContextEntry{
		EntryType:     contracts.EntryDecision,
		RunID:         runID,
		CorrelationID: fmt.Sprintf("transition-%d", head+1),
		Actor:         systemActor,
		TruthID:       out.HaltTruthID,
		Payload: map[string]any{
			"state":  string(out.State),
			"reason": out.HaltReason,
			"detail": out.HaltDetail,
			"cycles": out.Cycles,
		},
	}
	if _, err := e.ledger.Append(ctx, &entry, head+1); err != nil {
		return out, err
	}
	return out, nil
}

func deriveCorrelation(contextVersion, identity string) string {
	return canonShort(contextVersion) + "-" + canonShort(identity)
}

func canonShort(hash string) string {
	const prefix = "sha256:"
	h := hash
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		h = h[len(prefix):]
	}
	if len(h) > 12 {
		h = h[:12]
	}
	return h
}
