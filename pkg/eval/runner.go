package eval

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/engine"
	"github.com/aprio-one/converge/pkg/ledger"
	"github.com/aprio-one/converge/pkg/pack"
	"github.com/aprio-one/converge/pkg/run"
	"github.com/aprio-one/converge/pkg/source"
	"github.com/aprio-one/converge/pkg/truth"
)

const defaultDeadline = 10 * time.Second

// Report is the outcome of one fixture.
type Report struct {
	Name     string             `json:"name"`
	Status   contracts.RunState `json:"status"`
	Cycles   uint32             `json:"cycles"`
	Facts    int                `json:"facts"`
	Elapsed  time.Duration      `json:"elapsed"`
	Passed   bool               `json:"passed"`
	Failures []string           `json:"failures,omitempty"`
}

// Runner executes fixtures against installed packs. Every fixture gets a
// fresh ledger and engine so scenarios cannot contaminate each other.
type Runner struct {
	packs  *pack.Registry
	logger *slog.Logger
}

// NewRunner creates a fixture runner over a pack registry. The registry's
// packs must be bound to a deterministic provider for reproducible results.
func NewRunner(packs *pack.Registry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{packs: packs, logger: logger}
}

// Run executes one fixture to a terminal state and checks expectations.
func (r *Runner) Run(ctx context.Context, f Fixture) Report {
	report := Report{Name: f.Name}
	start := time.Now()

	fail := func(format string, args ...any) Report {
		report.Failures = append(report.Failures, fmt.Sprintf(format, args...))
		report.Elapsed = time.Since(start)
		return report
	}

	l := ledger.NewInMemoryLedger()
	truths, err := truth.NewEngine(truth.DenyAllAuthorizer())
	if err != nil {
		return fail("truth engine: %v", err)
	}
	sources := source.NewRegistry()
	if _, err := r.packs.Install(ctx, f.Pack, f.PackConstraint, truths, sources); err != nil {
		return fail("install pack %s: %v", f.Pack, err)
	}

	eng := engine.New(l, truths, sources, r.logger)
	manager := run.NewManager(l, eng, truths, r.logger)

	runID, err := manager.Submit(ctx, run.SubmitRequest{
		Seeds:  f.Seeds,
		Budget: f.Budget,
		Actor:  contracts.Actor{Type: contracts.ActorUser, ID: "eval"},
	})
	if err != nil {
		return fail("submit: %v", err)
	}

	deadline := defaultDeadline
	if f.Expect.MaxLatencyMS > 0 {
		deadline = time.Duration(f.Expect.MaxLatencyMS) * time.Millisecond
	}
	status, err := r.awaitTerminal(ctx, manager, runID, deadline)
	if err != nil {
		return fail("%v", err)
	}
	report.Status = status.Status
	report.Cycles = status.Cycles
	report.Facts = status.FactsCount
	report.Elapsed = time.Since(start)

	snap, err := l.Snapshot(ctx, runID)
	if err != nil {
		return fail("snapshot: %v", err)
	}
	if err := l.Verify(ctx, runID); err != nil {
		report.Failures = append(report.Failures, fmt.Sprintf("ledger verification: %v", err))
	}

	report.Failures = append(report.Failures, check(f.Expect, status, snap, report.Elapsed)...)
	report.Passed = len(report.Failures) == 0
	return report
}

// RunAll executes fixtures in order and reports each.
func (r *Runner) RunAll(ctx context.Context, fixtures []Fixture) []Report {
	reports := make([]Report, 0, len(fixtures))
	for _, f := range fixtures {
		reports = append(reports, r.Run(ctx, f))
	}
	return reports
}

func (r *Runner) awaitTerminal(ctx context.Context, manager *run.Manager, runID string, deadline time.Duration) (*contracts.RunStatus, error) {
	timeout := time.After(deadline)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := manager.Status(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("status: %w", err)
		}
		if status.Status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, fmt.Errorf("run %s not terminal after %s (last status %s)", runID, deadline, status.Status)
		case <-ticker.C:
		}
	}
}

func check(expect Expectations, status *contracts.RunStatus, snap *ledger.Snapshot, elapsed time.Duration) []string {
	var failures []string
	miss := func(format string, args ...any) {
		failures = append(failures, fmt.Sprintf(format, args...))
	}

	if string(status.Status) != expect.Status {
		miss("status: want %s, got %s (reason %q)", expect.Status, status.Status, status.HaltReason)
	}
	if expect.HaltReason != "" && status.HaltReason != expect.HaltReason {
		miss("halt_reason: want %s, got %s", expect.HaltReason, status.HaltReason)
	}
	if expect.HaltTruthID != "" && status.HaltTruthID != expect.HaltTruthID {
		miss("halt_truth_id: want %s, got %s", expect.HaltTruthID, status.HaltTruthID)
	}
	if expect.MaxCycles > 0 && status.Cycles > expect.MaxCycles {
		miss("cycles: want <= %d, got %d", expect.MaxCycles, status.Cycles)
	}
	if expect.MinFacts > 0 && status.FactsCount < expect.MinFacts {
		miss("facts: want >= %d, got %d", expect.MinFacts, status.FactsCount)
	}
	for _, key := range expect.MustContainKeys {
		if !snap.HasKey(key) {
			miss("missing context key %s", key)
		}
	}
	for _, ref := range expect.MustContainFacts {
		if !containsFact(snap, ref) {
			miss("missing fact %s", ref)
		}
	}
	for _, ref := range expect.MustNotContainFacts {
		if containsFact(snap, ref) {
			miss("forbidden fact %s present", ref)
		}
	}
	if expect.MaxLatencyMS > 0 && elapsed > time.Duration(expect.MaxLatencyMS)*time.Millisecond {
		miss("latency: want <= %dms, got %s", expect.MaxLatencyMS, elapsed)
	}
	return failures
}

func containsFact(snap *ledger.Snapshot, ref FactRef) bool {
	for _, e := range snap.FactsByKey(ref.Key) {
		if e.FactID == ref.FactID {
			return true
		}
	}
	return false
}

// WriteReports prints a human-readable summary and returns the failure count.
func WriteReports(w io.Writer, reports []Report) int {
	failed := 0
	for _, report := range reports {
		if report.Passed {
			fmt.Fprintf(w, "PASS %s (%s, %d cycles, %d facts, %s)\n",
				report.Name, report.Status, report.Cycles, report.Facts, report.Elapsed.Round(time.Millisecond))
			continue
		}
		failed++
		fmt.Fprintf(w, "FAIL %s (%s, %s)\n", report.Name, report.Status, report.Elapsed.Round(time.Millisecond))
		for _, f := range report.Failures {
			fmt.Fprintf(w, "  - %s\n", f)
		}
	}
	fmt.Fprintf(w, "%d/%d passed\n", len(reports)-failed, len(reports))
	return failed
}
