package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aprio-one/converge/pkg/contracts"
)

func TestTrackerCycleLimit(t *testing.T) {
	tr := NewTracker(Budget{MaxCycles: 2})

	for i := 0; i < 2; i++ {
		if err := tr.StartCycle(); err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
	}
	err := tr.StartCycle()
	var be *contracts.BudgetExceededError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want BudgetExceededError", err)
	}
	if be.Limit != "max_cycles" {
		t.Fatalf("limit = %q", be.Limit)
	}
}

func TestTrackerRefusedCycleNotCounted(t *testing.T) {
	tr := NewTracker(Budget{MaxCycles: 3})

	for i := 0; i < 3; i++ {
		if err := tr.StartCycle(); err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
	}
	if err := tr.StartCycle(); err == nil {
		t.Fatal("fourth cycle allowed past limit")
	}
	if got := tr.Usage().Cycles; got != 3 {
		t.Fatalf("cycles = %d, want exactly 3 after refusal", got)
	}
	// Repeated refusals stay at the limit.
	_ = tr.StartCycle()
	if got := tr.Usage().Cycles; got != 3 {
		t.Fatalf("cycles = %d after repeated refusal, want 3", got)
	}
}

func TestTrackerFactAndSpendLimits(t *testing.T) {
	tr := NewTracker(Budget{MaxFacts: 1, MaxCostCents: 100, MaxTokens: 50})

	if err := tr.RecordFact(); err != nil {
		t.Fatalf("first fact: %v", err)
	}
	if err := tr.RecordFact(); err == nil {
		t.Fatal("expected fact limit")
	}

	tr = NewTracker(Budget{MaxCostCents: 100, MaxTokens: 50})
	if err := tr.RecordSpend(90, 10); err != nil {
		t.Fatalf("spend within limits: %v", err)
	}
	if err := tr.RecordSpend(20, 0); err == nil {
		t.Fatal("expected cost limit")
	}
}

func TestTrackerWallClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tr := NewTracker(Budget{MaxWallClock: time.Minute}).WithNow(func() time.Time { return now })

	if err := tr.Check(); err != nil {
		t.Fatalf("fresh tracker: %v", err)
	}
	now = now.Add(2 * time.Minute)
	err := tr.Check()
	var be *contracts.BudgetExceededError
	if !errors.As(err, &be) || be.Limit != "max_wall_clock" {
		t.Fatalf("err = %v, want wall clock exceeded", err)
	}
}

func TestTrackerUpdateLowersLimit(t *testing.T) {
	tr := NewTracker(Budget{MaxCycles: 10})
	for i := 0; i < 5; i++ {
		if err := tr.StartCycle(); err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
	}

	tr.Update(Budget{MaxCycles: 3})
	if err := tr.Check(); err == nil {
		t.Fatal("lowered limit not enforced against accumulated usage")
	}
}

func TestTrackerZeroMeansUnlimited(t *testing.T) {
	tr := NewTracker(Budget{})
	for i := 0; i < 100; i++ {
		if err := tr.StartCycle(); err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
	}
	if err := tr.RecordSpend(1_000_000, 1_000_000); err != nil {
		t.Fatalf("spend: %v", err)
	}
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocalLimiter(LimitPolicy{RPM: 60, Burst: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "run:a", 1)
		if err != nil || !ok {
			t.Fatalf("burst token %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, err := l.Allow(ctx, "run:a", 1)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if ok {
		t.Fatal("bucket did not exhaust after burst")
	}

	// Separate keys get separate buckets.
	ok, err = l.Allow(ctx, "run:b", 1)
	if err != nil || !ok {
		t.Fatalf("fresh key: ok=%v err=%v", ok, err)
	}
}
