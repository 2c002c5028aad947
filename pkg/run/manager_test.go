package run

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aprio-one/converge/pkg/budget"
	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/engine"
	"github.com/aprio-one/converge/pkg/ledger"
	"github.com/aprio-one/converge/pkg/source"
	"github.com/aprio-one/converge/pkg/truth"
)

type harness struct {
	ledger  *ledger.InMemoryLedger
	truths  *truth.Engine
	sources *source.Registry
	manager *Manager
}

func newHarness(t *testing.T, truths []truth.Truth, sources ...source.Source) *harness {
	t.Helper()
	l := ledger.NewInMemoryLedger()
	te, err := truth.NewEngine(truth.NewStaticAuthorizer("cfo"))
	require.NoError(t, err)
	for _, tr := range truths {
		require.NoError(t, te.Register(tr))
	}
	reg := source.NewRegistry()
	for _, s := range sources {
		require.NoError(t, reg.Register(s))
	}
	logger := slog.New(slog.DiscardHandler)
	eng := engine.New(l, te, reg, logger)
	return &harness{
		ledger:  l,
		truths:  te,
		sources: reg,
		manager: NewManager(l, eng, te, logger),
	}
}

func (h *harness) awaitState(t *testing.T, runID string, want contracts.RunState) *contracts.RunStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := h.manager.Status(context.Background(), runID)
		require.NoError(t, err)
		if status.Status == want {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, _ := h.manager.Status(context.Background(), runID)
	t.Fatalf("run %s never reached %s, last status %+v", runID, want, status)
	return nil
}

// pendingCorrelation returns the correlation ID of the run's single pending
// proposal.
func (h *harness) pendingCorrelation(t *testing.T, runID string) string {
	t.Helper()
	snap, err := h.ledger.Snapshot(context.Background(), runID)
	require.NoError(t, err)
	pending := snap.PendingProposals()
	require.Len(t, pending, 1)
	return pending[0].CorrelationID
}

func analystSource() source.Source {
	return &source.FuncSource{
		SourceName: "analyst",
		SourcePrio: 1,
		Deps:       []string{"seeds"},
		EligibleFn: func(snap *ledger.Snapshot) bool { return !snap.HasKey("signals") },
		ProposeFn: func(_ context.Context, _ *ledger.Snapshot) ([]contracts.Proposal, error) {
			return []contracts.Proposal{{Key: "signals", FactID: "sig-1", Payload: map[string]any{"trend": "up"}}}, nil
		},
	}
}

func TestSubmitRunsToConvergence(t *testing.T) {
	h := newHarness(t, nil, analystSource())

	runID, err := h.manager.Submit(context.Background(), SubmitRequest{
		Seeds:  []SeedFact{{Key: "seeds", FactID: "goal", Payload: map[string]any{"goal": "grow"}}},
		Budget: budget.Budget{MaxCycles: 10},
		Actor:  contracts.Actor{Type: contracts.ActorUser, ID: "founder"},
	})
	require.NoError(t, err)

	status := h.awaitState(t, runID, contracts.RunConverged)
	require.Equal(t, 2, status.FactsCount)
	require.NoError(t, h.ledger.Verify(context.Background(), runID))
}

func TestSubmitRejectsViolatingSeed(t *testing.T) {
	h := newHarness(t, []truth.Truth{{
		ID:             "non-negative-budget",
		Classification: truth.Structural,
		Trigger:        `input.candidate.key == "constraints"`,
		Requirement:    `input.candidate.payload.value >= 0`,
		Reason:         "budgets must be non-negative",
	}})

	_, err := h.manager.Submit(context.Background(), SubmitRequest{
		Seeds:  []SeedFact{{Key: "constraints", FactID: "budget", Payload: map[string]any{"value": -5}}},
		Budget: budget.Budget{MaxCycles: 10},
	})
	require.Error(t, err)
	var iv *contracts.InvariantViolation
	require.ErrorAs(t, err, &iv)
	require.Equal(t, "non-negative-budget", iv.TruthID)
}

func TestApprovalFlow(t *testing.T) {
	careful := &source.FuncSource{
		SourceName: "careful",
		SourcePrio: 1,
		EligibleFn: func(snap *ledger.Snapshot) bool {
			return len(snap.PendingProposals()) == 0 && !snap.HasKey("strategies")
		},
		ProposeFn: func(_ context.Context, _ *ledger.Snapshot) ([]contracts.Proposal, error) {
			return []contracts.Proposal{{
				Key:              "strategies",
				FactID:           "pivot",
				Payload:          map[string]any{"plan": "pivot"},
				RequiresApproval: true,
			}}, nil
		},
	}
	h := newHarness(t, nil, careful)

	runID, err := h.manager.Submit(context.Background(), SubmitRequest{Budget: budget.Budget{MaxCycles: 20}})
	require.NoError(t, err)

	status := h.awaitState(t, runID, contracts.RunWaiting)
	require.Equal(t, []string{"careful"}, status.WaitingFor, "waiting_for names the proposing actor")
	correlationID := h.pendingCorrelation(t, runID)

	err = h.manager.Control(context.Background(), contracts.ControlMessage{
		ControlType:   contracts.ControlApprove,
		JobID:         runID,
		CorrelationID: correlationID,
		Actor:         contracts.Actor{Type: contracts.ActorUser, ID: "founder"},
	})
	require.NoError(t, err)

	status = h.awaitState(t, runID, contracts.RunConverged)
	require.Equal(t, 0, status.PendingProposals)

	snap, err := h.ledger.Snapshot(context.Background(), runID)
	require.NoError(t, err)
	require.True(t, snap.HasKey("strategies"))
}

func TestRejectFlow(t *testing.T) {
	careful := &source.FuncSource{
		SourceName: "careful",
		SourcePrio: 1,
		EligibleFn: func(snap *ledger.Snapshot) bool {
			// One attempt only: stop after the proposal exists, pending or not.
			for _, e := range snap.Entries {
				if e.EntryType == contracts.EntryProposal {
					return false
				}
			}
			return true
		},
		ProposeFn: func(_ context.Context, _ *ledger.Snapshot) ([]contracts.Proposal, error) {
			return []contracts.Proposal{{
				Key:              "strategies",
				FactID:           "pivot",
				Payload:          map[string]any{"plan": "pivot"},
				RequiresApproval: true,
			}}, nil
		},
	}
	h := newHarness(t, nil, careful)

	runID, err := h.manager.Submit(context.Background(), SubmitRequest{Budget: budget.Budget{MaxCycles: 20}})
	require.NoError(t, err)

	h.awaitState(t, runID, contracts.RunWaiting)
	correlationID := h.pendingCorrelation(t, runID)

	err = h.manager.Control(context.Background(), contracts.ControlMessage{
		ControlType:   contracts.ControlReject,
		JobID:         runID,
		CorrelationID: correlationID,
		Actor:         contracts.Actor{Type: contracts.ActorUser, ID: "founder"},
		Payload:       map[string]any{"reason": "too risky this quarter"},
	})
	require.NoError(t, err)

	h.awaitState(t, runID, contracts.RunConverged)
	snap, err := h.ledger.Snapshot(context.Background(), runID)
	require.NoError(t, err)
	require.False(t, snap.HasKey("strategies"), "rejected proposal must not become a fact")
}

func TestInjectFactOnTerminalRun(t *testing.T) {
	h := newHarness(t, nil, analystSource())

	// No seeds: the analyst depends on "seeds" and the run converges empty.
	runID, err := h.manager.Submit(context.Background(), SubmitRequest{Budget: budget.Budget{MaxCycles: 20}})
	require.NoError(t, err)
	h.awaitState(t, runID, contracts.RunConverged)
	// Terminal runs refuse late controls.
	err = h.manager.Control(context.Background(), contracts.ControlMessage{
		ControlType: contracts.ControlInjectFact,
		JobID:       runID,
		Payload: map[string]any{
			"key": "seeds", "fact_id": "goal",
			"payload": map[string]any{"goal": "grow"},
		},
	})
	require.ErrorIs(t, err, contracts.ErrRunTerminal)
}

func TestPauseResumeAndCancel(t *testing.T) {
	// A source that never runs out of work keeps the run alive until the
	// controls land.
	n := 0
	fountain := &source.FuncSource{
		SourceName: "fountain",
		SourcePrio: 1,
		ProposeFn: func(_ context.Context, _ *ledger.Snapshot) ([]contracts.Proposal, error) {
			n++
			time.Sleep(2 * time.Millisecond)
			return []contracts.Proposal{{Key: "signals", FactID: "sig", Payload: map[string]any{"n": n}}}, nil
		},
	}
	h := newHarness(t, nil, fountain)

	runID, err := h.manager.Submit(context.Background(), SubmitRequest{
		Budget: budget.Budget{MaxCycles: 1_000_000},
	})
	require.NoError(t, err)

	require.NoError(t, h.manager.Control(context.Background(), contracts.ControlMessage{
		ControlType: contracts.ControlPause, JobID: runID,
	}))
	require.NoError(t, h.manager.WaitIdle(context.Background(), runID))

	require.NoError(t, h.manager.Control(context.Background(), contracts.ControlMessage{
		ControlType: contracts.ControlCancel, JobID: runID,
		Payload: map[string]any{"reason": "changed direction"},
	}))

	status := h.awaitState(t, runID, contracts.RunHalted)
	require.Equal(t, contracts.HaltCancelled, status.HaltReason)

	// And cancel is idempotent-terminal.
	err = h.manager.Control(context.Background(), contracts.ControlMessage{
		ControlType: contracts.ControlCancel, JobID: runID,
	})
	require.ErrorIs(t, err, contracts.ErrRunTerminal)
}

func TestUpdateBudgetCanHaltImmediately(t *testing.T) {
	// A source that always produces new facts so the run stays busy.
	n := 0
	fountain := &source.FuncSource{
		SourceName: "fountain",
		SourcePrio: 1,
		ProposeFn: func(_ context.Context, _ *ledger.Snapshot) ([]contracts.Proposal, error) {
			n++
			time.Sleep(time.Millisecond)
			return []contracts.Proposal{{Key: "signals", FactID: "sig", Payload: map[string]any{"n": n}}}, nil
		},
	}
	h := newHarness(t, nil, fountain)

	runID, err := h.manager.Submit(context.Background(), SubmitRequest{Budget: budget.Budget{MaxCycles: 1_000_000}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := h.manager.Status(context.Background(), runID)
		return err == nil && s.Cycles >= 2
	}, 2*time.Second, 5*time.Millisecond)

	err = h.manager.Control(context.Background(), contracts.ControlMessage{
		ControlType: contracts.ControlUpdateBudget,
		JobID:       runID,
		Payload:     map[string]any{"max_cycles": 1},
	})
	// The tighter limit is already exceeded: the control itself halts.
	require.NoError(t, err)

	status := h.awaitState(t, runID, contracts.RunHalted)
	require.Equal(t, contracts.HaltBudgetExceeded, status.HaltReason)
}

func TestStatusUnknownRun(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.manager.Status(context.Background(), "nope")
	require.ErrorIs(t, err, contracts.ErrRunNotFound)
}
