// Package budget enforces per-run resource limits with fail-closed
// behavior. When a check errors or a limit is ambiguous, the run is treated
// as over budget rather than allowed to keep spending.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/aprio-one/converge/pkg/contracts"
)

// Budget holds the limits for one run. A zero value means unlimited for
// that dimension.
type Budget struct {
	MaxCycles    int           `json:"max_cycles" yaml:"max_cycles"`
	MaxFacts     int           `json:"max_facts" yaml:"max_facts"`
	MaxWallClock time.Duration `json:"max_wall_clock" yaml:"max_wall_clock"`
	MaxCostCents int64         `json:"max_cost_cents" yaml:"max_cost_cents"`
	MaxTokens    int64         `json:"max_tokens" yaml:"max_tokens"`

	// CycleDeadline bounds the parallel compute phase of one cycle.
	CycleDeadline time.Duration `json:"cycle_deadline" yaml:"cycle_deadline"`
}

// Usage is the consumed side of a budget.
type Usage struct {
	Cycles    int           `json:"cycles"`
	Facts     int           `json:"facts"`
	Elapsed   time.Duration `json:"elapsed"`
	CostCents int64         `json:"cost_cents"`
	Tokens    int64         `json:"tokens"`
}

// Tracker accumulates usage for one run and answers whether the budget
// still has headroom. All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	budget  Budget
	usage   Usage
	started time.Time
	now     func() time.Time
}

func NewTracker(b Budget) *Tracker {
	t := &Tracker{budget: b, now: time.Now}
	t.started = t.now()
	return t
}

// WithNow replaces the wall clock, for deterministic tests and replays.
func (t *Tracker) WithNow(now func() time.Time) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	t.started = now()
	return t
}

// Update replaces the limits mid-run. Usage already accumulated is kept, so
// lowering a limit below current usage makes the run over budget at the
// next check.
func (t *Tracker) Update(b Budget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budget = b
}

// Budget returns the current limits.
func (t *Tracker) Budget() Budget {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.budget
}

// Usage returns a copy of accumulated usage with elapsed time refreshed.
func (t *Tracker) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.usage
	u.Elapsed = t.now().Sub(t.started)
	return u
}

// StartCycle counts a cycle and checks every limit. It returns a
// BudgetExceededError naming the first exhausted dimension, or nil when the
// cycle may proceed. A refused cycle is not counted: a run limited to k
// cycles reports exactly k in its usage after the halt.
func (t *Tracker) StartCycle() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.Cycles++
	if err := t.checkLocked(); err != nil {
		t.usage.Cycles--
		return err
	}
	return nil
}

// RecordFact counts one admitted fact.
func (t *Tracker) RecordFact() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.Facts++
	return t.checkLocked()
}

// RecordSpend accumulates provider cost and token usage.
func (t *Tracker) RecordSpend(costCents, tokens int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.CostCents += costCents
	t.usage.Tokens += tokens
	return t.checkLocked()
}

// Check re-evaluates all limits without consuming anything. Used when a
// run resumes from waiting or a control message arrives.
func (t *Tracker) Check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkLocked()
}

func (t *Tracker) checkLocked() error {
	b := t.budget
	u := t.usage
	if b.MaxCycles > 0 && u.Cycles > b.MaxCycles {
		return exceeded("max_cycles", fmt.Sprintf("%d cycles used, limit %d", u.Cycles, b.MaxCycles))
	}
	if b.MaxFacts > 0 && u.Facts > b.MaxFacts {
		return exceeded("max_facts", fmt.Sprintf("%d facts admitted, limit %d", u.Facts, b.MaxFacts))
	}
	if b.MaxWallClock > 0 {
		if elapsed := t.now().Sub(t.started); elapsed > b.MaxWallClock {
			return exceeded("max_wall_clock", fmt.Sprintf("%s elapsed, limit %s", elapsed.Round(time.Millisecond), b.MaxWallClock))
		}
	}
	if b.MaxCostCents > 0 && u.CostCents > b.MaxCostCents {
		return exceeded("max_cost_cents", fmt.Sprintf("%d cents spent, limit %d", u.CostCents, b.MaxCostCents))
	}
	if b.MaxTokens > 0 && u.Tokens > b.MaxTokens {
		return exceeded("max_tokens", fmt.Sprintf("%d tokens used, limit %d", u.Tokens, b.MaxTokens))
	}
	return nil
}

func exceeded(limit, detail string) error {
	return &contracts.BudgetExceededError{Limit: limit, Detail: detail}
}
