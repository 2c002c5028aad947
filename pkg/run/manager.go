// Package run manages run lifecycles: submission, control handling, and the
// background goroutine that drives a run's convergence cycles. All
// authoritative state lives in the ledger; the manager only tracks which
// runs are currently being driven.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aprio-one/converge/pkg/budget"
	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/engine"
	"github.com/aprio-one/converge/pkg/ledger"
	"github.com/aprio-one/converge/pkg/truth"
)

// SeedFact is an initial context fact supplied at submission.
type SeedFact struct {
	Key     string         `json:"key"`
	FactID  string         `json:"fact_id"`
	Payload map[string]any `json:"payload"`
}

// SubmitRequest starts a new run.
type SubmitRequest struct {
	RunID  string          `json:"run_id,omitempty"`
	Seeds  []SeedFact      `json:"seeds"`
	Budget budget.Budget   `json:"budget"`
	Actor  contracts.Actor `json:"actor"`
}

type managedRun struct {
	runID    string
	tracker  *budget.Tracker
	cancel   context.CancelFunc
	paused   bool
	driving  bool
	terminal bool
	outcome  *engine.Outcome
}

// Manager owns the run table and serializes control handling per run.
type Manager struct {
	ledger ledger.Ledger
	eng    *engine.Engine
	truths *truth.Engine
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*managedRun
	wg   sync.WaitGroup
}

func NewManager(l ledger.Ledger, eng *engine.Engine, truths *truth.Engine, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ledger: l,
		eng:    eng,
		truths: truths,
		logger: logger,
		runs:   make(map[string]*managedRun),
	}
}

// Submit commits the seed facts and starts driving the run. Seeds pass
// through the invariant engine like any other fact.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	actor := req.Actor
	if actor.ID == "" {
		actor = contracts.Actor{Type: contracts.ActorUser, ID: "anonymous"}
	}

	m.mu.Lock()
	if _, exists := m.runs[runID]; exists {
		m.mu.Unlock()
		return "", contracts.Validationf("run %s already exists", runID)
	}
	r := &managedRun{runID: runID, tracker: budget.NewTracker(req.Budget)}
	m.runs[runID] = r
	m.mu.Unlock()

	for _, seed := range req.Seeds {
		if err := m.injectFact(ctx, runID, seed.Key, seed.FactID, seed.Payload, actor); err != nil {
			m.mu.Lock()
			delete(m.runs, runID)
			m.mu.Unlock()
			return "", fmt.Errorf("seed %s/%s: %w", seed.Key, seed.FactID, err)
		}
	}

	m.logger.Info("run submitted", "run_id", runID, "seeds", len(req.Seeds))
	m.kick(runID)
	return runID, nil
}

// Control applies a client directive to a run.
func (m *Manager) Control(ctx context.Context, msg contracts.ControlMessage) error {
	m.mu.Lock()
	r, ok := m.runs[msg.JobID]
	if ok && r.terminal && msg.ControlType != contracts.ControlCancel {
		m.mu.Unlock()
		return contracts.ErrRunTerminal
	}
	m.mu.Unlock()
	if !ok {
		return contracts.ErrRunNotFound
	}

	switch msg.ControlType {
	case contracts.ControlInjectFact:
		return m.handleInject(ctx, r, msg)
	case contracts.ControlApprove:
		return m.handleApprove(ctx, r, msg)
	case contracts.ControlReject:
		return m.handleReject(ctx, r, msg)
	case contracts.ControlPause:
		return m.handlePause(r)
	case contracts.ControlResume:
		return m.handleResume(ctx, r)
	case contracts.ControlUpdateBudget:
		return m.handleUpdateBudget(ctx, r, msg)
	case contracts.ControlCancel:
		return m.handleCancel(ctx, r, msg)
	default:
		return contracts.Validationf("unknown control type %q", msg.ControlType)
	}
}

func (m *Manager) handleInject(ctx context.Context, r *managedRun, msg contracts.ControlMessage) error {
	key, _ := msg.Payload["key"].(string)
	factID, _ := msg.Payload["fact_id"].(string)
	payload, _ := msg.Payload["payload"].(map[string]any)
	if key == "" || factID == "" {
		return contracts.Validationf("inject_fact requires key and fact_id")
	}
	if err := m.injectFact(ctx, r.runID, key, factID, payload, msg.Actor); err != nil {
		return err
	}
	m.kick(r.runID)
	return nil
}

// injectFact evaluates one externally supplied fact through the invariant
// engine and commits it. A violating injection is refused, never halts the
// run: the fact simply does not enter the context.
func (m *Manager) injectFact(ctx context.Context, runID, key, factID string, payload map[string]any, actor contracts.Actor) error {
	snap, err := m.ledger.Snapshot(ctx, runID)
	if err != nil {
		return err
	}
	identity, err := ledger.FactIdentity(key, factID, payload)
	if err != nil {
		return contracts.Validationf("fact payload not serializable: %v", err)
	}
	if snap.HasFactIdentity(identity) {
		return nil
	}
	if actor.ID == "" {
		actor = contracts.Actor{Type: contracts.ActorUser, ID: "anonymous"}
	}
	correlationID := uuid.NewString()

	proposal := contracts.Proposal{
		Source:        "control",
		RunID:         runID,
		CorrelationID: correlationID,
		Actor:         actor,
		Key:           key,
		FactID:        factID,
		Payload:       payload,
	}
	verdict := m.truths.Evaluate(proposal, snap)
	if verdict.Decision.Kind != contracts.DecisionAccepted {
		return &contracts.InvariantViolation{
			TruthID: verdict.Decision.TruthID,
			Reason:  verdict.Decision.Reason,
		}
	}

	fact := contracts.ContextEntry{
		EntryType:     contracts.EntryFact,
		RunID:         runID,
		CorrelationID: correlationID,
		Actor:         actor,
		Key:           key,
		FactID:        factID,
		Payload:       payload,
	}
	if _, err := m.ledger.Append(ctx, &fact, 0); err != nil {
		return err
	}
	trace := contracts.ContextEntry{
		EntryType:     contracts.EntryTrace,
		RunID:         runID,
		CorrelationID: correlationID,
		Actor:         actor,
		Key:           key,
		FactID:        factID,
		Payload: map[string]any{
			"input_hash": identity,
			"decision":   string(contracts.DecisionAccepted),
			"source":     "control",
		},
	}
	_, err = m.ledger.Append(ctx, &trace, 0)
	return err
}

func (m *Manager) handleApprove(ctx context.Context, r *managedRun, msg contracts.ControlMessage) error {
	pending, err := m.findPending(ctx, r.runID, msg.CorrelationID)
	if err != nil {
		return err
	}

	snap, err := m.ledger.Snapshot(ctx, r.runID)
	if err != nil {
		return err
	}
	proposal := contracts.Proposal{
		Source:        pending.Actor.ID,
		RunID:         r.runID,
		CorrelationID: pending.CorrelationID,
		Actor:         pending.Actor,
		Key:           pending.Key,
		FactID:        pending.FactID,
		Payload:       pending.Payload,
	}
	verdict := m.truths.Evaluate(proposal, snap)

	decision := verdict.Decision
	if decision.Kind == contracts.DecisionAccepted {
		fact := contracts.ContextEntry{
			EntryType:     contracts.EntryFact,
			RunID:         r.runID,
			CorrelationID: pending.CorrelationID,
			Actor:         pending.Actor,
			Key:           pending.Key,
			FactID:        pending.FactID,
			Payload:       pending.Payload,
		}
		if _, err := m.ledger.Append(ctx, &fact, 0); err != nil {
			return err
		}
	}
	identity, _ := ledger.FactIdentity(pending.Key, pending.FactID, pending.Payload)
	trace := contracts.ContextEntry{
		EntryType:     contracts.EntryTrace,
		RunID:         r.runID,
		CorrelationID: pending.CorrelationID,
		Actor:         msg.Actor,
		TruthID:       decision.TruthID,
		Key:           pending.Key,
		FactID:        pending.FactID,
		Payload: map[string]any{
			"input_hash":  identity,
			"decision":    string(decision.Kind),
			"reason":      decision.Reason,
			"approved_by": msg.Actor.ID,
		},
	}
	if _, err := m.ledger.Append(ctx, &trace, 0); err != nil {
		return err
	}
	if decision.Kind != contracts.DecisionAccepted {
		return &contracts.InvariantViolation{TruthID: decision.TruthID, Reason: decision.Reason}
	}
	m.kick(r.runID)
	return nil
}

func (m *Manager) handleReject(ctx context.Context, r *managedRun, msg contracts.ControlMessage) error {
	pending, err := m.findPending(ctx, r.runID, msg.CorrelationID)
	if err != nil {
		return err
	}
	reason, _ := msg.Payload["reason"].(string)
	if reason == "" {
		reason = "rejected by " + msg.Actor.ID
	}
	trace := contracts.ContextEntry{
		EntryType:     contracts.EntryTrace,
		RunID:         r.runID,
		CorrelationID: pending.CorrelationID,
		Actor:         msg.Actor,
		Key:           pending.Key,
		FactID:        pending.FactID,
		Payload: map[string]any{
			"decision":    string(contracts.DecisionRejected),
			"reason":      reason,
			"rejected_by": msg.Actor.ID,
		},
	}
	if _, err := m.ledger.Append(ctx, &trace, 0); err != nil {
		return err
	}
	m.kick(r.runID)
	return nil
}

func (m *Manager) findPending(ctx context.Context, runID, correlationID string) (*contracts.ContextEntry, error) {
	if correlationID == "" {
		return nil, contracts.Validationf("approval controls require correlation_id")
	}
	snap, err := m.ledger.Snapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, e := range snap.PendingProposals() {
		if e.CorrelationID == correlationID {
			return &e, nil
		}
	}
	return nil, contracts.Validationf("no pending proposal with correlation_id %s", correlationID)
}

func (m *Manager) handlePause(r *managedRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.paused = true
	if r.cancel != nil {
		r.cancel()
	}
	m.logger.Info("run paused", "run_id", r.runID)
	return nil
}

func (m *Manager) handleResume(ctx context.Context, r *managedRun) error {
	m.mu.Lock()
	r.paused = false
	m.mu.Unlock()

	// Budget expiry is re-checked on resume; a run that went over while
	// parked halts immediately instead of computing another cycle.
	if err := r.tracker.Check(); err != nil {
		return m.haltForBudget(ctx, r, err)
	}
	m.logger.Info("run resumed", "run_id", r.runID)
	m.kick(r.runID)
	return nil
}

func (m *Manager) handleUpdateBudget(ctx context.Context, r *managedRun, msg contracts.ControlMessage) error {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return contracts.Validationf("invalid budget payload: %v", err)
	}
	var b budget.Budget
	if err := json.Unmarshal(raw, &b); err != nil {
		return contracts.Validationf("invalid budget payload: %v", err)
	}
	r.tracker.Update(b)
	if err := r.tracker.Check(); err != nil {
		return m.haltForBudget(ctx, r, err)
	}
	m.kick(r.runID)
	return nil
}

func (m *Manager) handleCancel(ctx context.Context, r *managedRun, msg contracts.ControlMessage) error {
	m.mu.Lock()
	if r.terminal {
		m.mu.Unlock()
		return contracts.ErrRunTerminal
	}
	r.terminal = true
	if r.cancel != nil {
		r.cancel()
	}
	m.mu.Unlock()

	// Let the drive goroutine stop appending before recording the halt.
	if err := m.waitIdleBounded(ctx, r.runID); err != nil {
		return err
	}

	reason, _ := msg.Payload["reason"].(string)
	out, err := m.eng.HaltRun(ctx, r.runID, contracts.HaltCancelled, reason)
	if err != nil {
		return err
	}
	m.mu.Lock()
	r.outcome = out
	m.mu.Unlock()
	return nil
}

func (m *Manager) haltForBudget(ctx context.Context, r *managedRun, cause error) error {
	m.mu.Lock()
	if r.terminal {
		m.mu.Unlock()
		return nil
	}
	r.terminal = true
	if r.cancel != nil {
		r.cancel()
	}
	m.mu.Unlock()

	if err := m.waitIdleBounded(ctx, r.runID); err != nil {
		return err
	}

	out, err := m.eng.HaltRun(ctx, r.runID, contracts.HaltBudgetExceeded, cause.Error())
	if err != nil {
		return err
	}
	m.mu.Lock()
	r.outcome = out
	m.mu.Unlock()
	return nil
}

// kick starts a drive goroutine for the run unless one is active or the run
// is parked on purpose.
func (m *Manager) kick(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.terminal || r.paused || r.driving {
		return
	}
	r.driving = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	m.wg.Add(1)
	go m.drive(ctx, r)
}

func (m *Manager) drive(ctx context.Context, r *managedRun) {
	defer m.wg.Done()
	out, err := m.eng.Run(ctx, r.runID, r.tracker)

	m.mu.Lock()
	defer m.mu.Unlock()
	r.driving = false
	if err != nil {
		if ctx.Err() != nil {
			// Paused or cancelled; the control handler decides what, if
			// anything, gets recorded.
			return
		}
		m.logger.Error("run drive failed", "run_id", r.runID, "error", err)
		r.terminal = true
		return
	}
	r.outcome = out
	if out.State.Terminal() {
		r.terminal = true
	}
}

// Status reports the externally visible state of a run, derived from the
// ledger plus the manager's in-flight bookkeeping.
func (m *Manager) Status(ctx context.Context, runID string) (*contracts.RunStatus, error) {
	m.mu.Lock()
	r, ok := m.runs[runID]
	var paused, driving bool
	var outcome *engine.Outcome
	var tracker *budget.Tracker
	if ok {
		paused, driving, outcome, tracker = r.paused, r.driving, r.outcome, r.tracker
	}
	m.mu.Unlock()
	if !ok {
		return nil, contracts.ErrRunNotFound
	}

	snap, err := m.ledger.Snapshot(ctx, runID)
	if err != nil {
		return nil, err
	}

	status := &contracts.RunStatus{
		RunID:      runID,
		Status:     contracts.RunRunning,
		FactsCount: len(snap.Facts()),
	}
	if tracker != nil {
		status.Cycles = uint32(tracker.Usage().Cycles)
	}
	if n := len(snap.Entries); n > 0 {
		status.LastActivity = snap.Entries[n-1].Timestamp
	}

	// waiting_for carries the actors whose proposals await resolution,
	// deduplicated: one actor with several pending proposals appears once.
	pending := snap.PendingProposals()
	status.PendingProposals = len(pending)
	seen := make(map[string]struct{}, len(pending))
	for _, p := range pending {
		if _, ok := seen[p.Actor.ID]; ok {
			continue
		}
		seen[p.Actor.ID] = struct{}{}
		status.WaitingFor = append(status.WaitingFor, p.Actor.ID)
	}

	switch {
	case outcome != nil && outcome.State.Terminal():
		status.Status = outcome.State
		status.HaltReason = outcome.HaltReason
		status.HaltTruthID = outcome.HaltTruthID
	case len(pending) > 0 || paused:
		status.Status = contracts.RunWaiting
	case !driving:
		// Parked without pending work, e.g. between control and kick.
		status.Status = contracts.RunWaiting
	}
	return status, nil
}

// Runs lists known run IDs.
func (m *Manager) Runs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.runs))
	for id := range m.runs {
		out = append(out, id)
	}
	return out
}

// Wait blocks until all drive goroutines finish. Used by shutdown and
// tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) waitIdleBounded(ctx context.Context, runID string) error {
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.WaitIdle(waitCtx, runID)
}

// WaitIdle polls until the run is not driving or the context expires.
func (m *Manager) WaitIdle(ctx context.Context, runID string) error {
	for {
		m.mu.Lock()
		r, ok := m.runs[runID]
		idle := !ok || !r.driving
		m.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
