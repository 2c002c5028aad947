package pack

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aprio-one/converge/pkg/budget"
	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/engine"
	"github.com/aprio-one/converge/pkg/ledger"
	"github.com/aprio-one/converge/pkg/source"
	"github.com/aprio-one/converge/pkg/truth"
)

func TestRegistryResolveSemver(t *testing.T) {
	r := NewRegistry()
	for _, v := range []string{"1.0.0", "1.2.0", "2.0.0", "2.1.0-beta.1"} {
		require.NoError(t, r.Register(&Pack{Name: "growth-strategy", Version: v}))
	}

	p, err := r.Resolve("growth-strategy", "")
	require.NoError(t, err)
	require.Equal(t, "2.0.0", p.Version, "latest stable wins with no constraint")

	p, err = r.Resolve("growth-strategy", "^1.0")
	require.NoError(t, err)
	require.Equal(t, "1.2.0", p.Version)

	_, err = r.Resolve("growth-strategy", "^3.0")
	require.Error(t, err)

	_, err = r.Resolve("unknown", "")
	require.Error(t, err)
}

func TestRegistryRejectsDuplicatesAndBadVersions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Pack{Name: "p", Version: "1.0.0"}))
	require.Error(t, r.Register(&Pack{Name: "p", Version: "1.0.0"}))
	require.Error(t, r.Register(&Pack{Name: "p", Version: "not-a-version"}))
}

// scriptedProvider overrides specific instruction prefixes for truth-failure
// scenarios; everything else answers an empty list.
type scriptedProvider struct {
	byPrefix map[string]string
}

func (p *scriptedProvider) Complete(_ context.Context, messages []source.Message, _ *source.SamplingOptions) (string, error) {
	prompt := messages[len(messages)-1].Content
	for prefix, resp := range p.byPrefix {
		if strings.HasPrefix(prompt, prefix) {
			return resp, nil
		}
	}
	return "[]", nil
}

func growthProvider() source.Provider {
	return DeterministicProvider()
}

func installedHarness(t *testing.T, provider source.Provider) (*engine.Engine, *ledger.InMemoryLedger) {
	t.Helper()
	l := ledger.NewInMemoryLedger()
	truths, err := truth.NewEngine(nil)
	require.NoError(t, err)
	sources := source.NewRegistry()

	reg := NewRegistry()
	require.NoError(t, reg.Register(GrowthPack(provider)))
	_, err = reg.Install(context.Background(), "growth-strategy", "", truths, sources)
	require.NoError(t, err)

	return engine.New(l, truths, sources, slog.New(slog.DiscardHandler)), l
}

func seedRun(t *testing.T, l *ledger.InMemoryLedger, extra ...contracts.ContextEntry) {
	t.Helper()
	seed := contracts.ContextEntry{
		EntryType:     contracts.EntryFact,
		RunID:         "run-1",
		CorrelationID: "seed-1",
		Actor:         contracts.Actor{Type: contracts.ActorUser, ID: "founder"},
		Key:           KeySeeds,
		FactID:        "goal",
		Payload:       map[string]any{"goal": "grow ARR 2x", "horizon_months": 12},
	}
	_, err := l.Append(context.Background(), &seed, 0)
	require.NoError(t, err)
	for i := range extra {
		_, err := l.Append(context.Background(), &extra[i], 0)
		require.NoError(t, err)
	}
}

func TestGrowthPackConverges(t *testing.T) {
	e, l := installedHarness(t, growthProvider())
	seedRun(t, l)

	out, err := e.Run(context.Background(), "run-1", budget.NewTracker(budget.Budget{MaxCycles: 20}))
	require.NoError(t, err)
	require.Equal(t, contracts.RunConverged, out.State)

	snap, err := l.Snapshot(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, snap.FactsByKey(KeySignals), 2)
	require.Len(t, snap.FactsByKey(KeyCompetitors), 1)
	require.Len(t, snap.FactsByKey(KeyStrategies), 2)
	require.Len(t, snap.FactsByKey(KeyEvaluations), 2)
	require.NoError(t, l.Verify(context.Background(), "run-1"))
}

func TestGrowthPackBrandSafetyHalts(t *testing.T) {
	provider := &scriptedProvider{byPrefix: map[string]string{
		"Identify market signals": `[{"id": "sig-1", "signal": "x"}]`,
		"List competitors":        `[{"id": "comp-1", "name": "y"}]`,
		"Propose growth strategies": `[
			{"id": "str-spam", "plan": "bulk cold outreach", "channel": "spam", "spend_cents": 1000}
		]`,
	}}
	e, l := installedHarness(t, provider)
	seedRun(t, l)

	out, err := e.Run(context.Background(), "run-1", budget.NewTracker(budget.Budget{MaxCycles: 20}))
	require.NoError(t, err)
	require.Equal(t, contracts.RunHalted, out.State)
	require.Equal(t, "brand.safety", out.HaltTruthID)

	snap, err := l.Snapshot(context.Background(), "run-1")
	require.NoError(t, err)
	require.False(t, snap.HasKey(KeyStrategies), "unsafe strategy must not be committed")
}

func TestGrowthPackClosedPeriodFreezesSpending(t *testing.T) {
	e, l := installedHarness(t, growthProvider())
	seedRun(t, l, contracts.ContextEntry{
		EntryType:     contracts.EntryFact,
		RunID:         "run-1",
		CorrelationID: "seed-2",
		Actor:         contracts.Actor{Type: contracts.ActorUser, ID: "cfo"},
		Key:           KeyConstraints,
		FactID:        "q2-close",
		Payload:       map[string]any{"period": "2025-Q2", "period_closed": true},
	})

	out, err := e.Run(context.Background(), "run-1", budget.NewTracker(budget.Budget{MaxCycles: 20}))
	require.NoError(t, err)
	require.Equal(t, contracts.RunHalted, out.State)
	require.Equal(t, "money.period.closed_invariant", out.HaltTruthID)
}

func TestGrowthPackSingleStrategyBlocksEvaluation(t *testing.T) {
	provider := &scriptedProvider{byPrefix: map[string]string{
		"Identify market signals": `[{"id": "sig-1", "signal": "x"}]`,
		"List competitors":        `[{"id": "comp-1", "name": "y"}]`,
		"Propose growth strategies": `[
			{"id": "str-only", "plan": "one plan", "channel": "content", "spend_cents": 1000}
		]`,
		"Evaluate these strategies": `[
			{"id": "eval-only", "strategy": "str-only", "score": 5, "rationale": "sole option"}
		]`,
	}}
	e, l := installedHarness(t, provider)
	seedRun(t, l)

	out, err := e.Run(context.Background(), "run-1", budget.NewTracker(budget.Budget{MaxCycles: 20}))
	require.NoError(t, err)
	require.Equal(t, contracts.RunHalted, out.State)
	require.Equal(t, "strategy.diversity", out.HaltTruthID)
}
